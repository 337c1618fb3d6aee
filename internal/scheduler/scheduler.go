// Tickflow - Tushare Market Data ETL into DuckDB
// Copyright 2026 J. Wei (jywei)
// SPDX-License-Identifier: MIT
// https://github.com/jywei/tickflow

// Package scheduler provides the thread-safe priority queue that orders
// download tasks. Tasks dispatch strictly by priority; within one priority
// they dispatch in submission order, realized by a monotone sequence number
// assigned under the queue lock.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jywei/tickflow/internal/schema"
)

// TaskConfig describes one download job. Create it with NewTaskConfig and
// treat it as immutable afterward.
type TaskConfig struct {
	Symbol     string
	TaskType   schema.TaskType
	Priority   schema.Priority
	MaxRetries int

	// RetryCount tracks how many times this job has been re-submitted
	// after a failure. Zero on first submission.
	RetryCount int
}

// NewTaskConfig builds a task config. Whole-universe task types always get
// an empty symbol regardless of input, since the fetch is not per-symbol.
func NewTaskConfig(symbol string, taskType schema.TaskType, priority schema.Priority, maxRetries int) TaskConfig {
	if taskType.WholeUniverse() {
		symbol = ""
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return TaskConfig{
		Symbol:     symbol,
		TaskType:   taskType,
		Priority:   priority,
		MaxRetries: maxRetries,
	}
}

// item is one queue entry: effective priority, insertion sequence, config.
type item struct {
	priority schema.Priority
	seq      uint64
	cfg      TaskConfig
}

// itemHeap orders by (priority, seq) ascending.
type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe priority queue of download tasks.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond
	heap itemHeap
	seq  uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues one task. A task submitted with schema.PriorityUnset takes
// its task type's default priority; an explicit priority wins.
func (q *Queue) Add(cfg TaskConfig) {
	q.mu.Lock()
	q.push(cfg)
	q.mu.Unlock()
	q.cond.Signal()
}

// AddBatch enqueues tasks in order under one lock acquisition, so their
// sequence numbers (and therefore FIFO order within a priority) match the
// slice order.
func (q *Queue) AddBatch(cfgs []TaskConfig) {
	if len(cfgs) == 0 {
		return
	}
	q.mu.Lock()
	for _, cfg := range cfgs {
		q.push(cfg)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// push appends one item. Caller holds q.mu.
func (q *Queue) push(cfg TaskConfig) {
	prio := cfg.Priority
	if prio == schema.PriorityUnset {
		prio = schema.DefaultPriority(cfg.TaskType)
	}
	heap.Push(&q.heap, item{priority: prio, seq: q.seq, cfg: cfg})
	q.seq++
}

// Next pops the highest-priority task, blocking up to timeout when the
// queue is empty. Returns false on timeout; an empty queue never produces
// an error. A non-positive timeout makes Next non-blocking.
func (q *Queue) Next(timeout time.Duration) (TaskConfig, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return TaskConfig{}, false
		}
		// Wake the wait when the deadline passes; the loop re-checks and
		// times out. Spurious wakeups are absorbed by the loop condition.
		timer := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}

	it := heap.Pop(&q.heap).(item)
	return it.cfg, true
}

// Drain removes and returns every queued task, fully sorted by priority
// then submission order. The queue is left empty.
func (q *Queue) Drain() []TaskConfig {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TaskConfig, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		out = append(out, heap.Pop(&q.heap).(item).cfg)
	}
	return out
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// IsEmpty reports whether the queue has no tasks.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear discards all queued tasks.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.heap = q.heap[:0]
	q.mu.Unlock()
}
