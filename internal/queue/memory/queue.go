// Package memory provides the in-process priority queue that feeds the worker pool.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

// Queue is an unbounded priority queue of targets. Higher priority dequeues
// first; equal priorities dequeue in arrival order.
type Queue struct {
	mu     sync.Mutex
	items  targetHeap
	seq    uint64
	closed bool
	// wake is closed and replaced whenever waiters should re-check state.
	wake  chan struct{}
	depth atomic.Int64
}

// NewQueue constructs an empty, open queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Enqueue inserts a pending target and assigns its arrival sequence.
func (q *Queue) Enqueue(target swarm.Target) error {
	if target.Status != "" && target.Status != swarm.TargetPending {
		return swarm.Invalid(fmt.Errorf("enqueue target %s: status %q is not pending", target.ID, target.Status))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return swarm.ErrQueueClosed
	}
	q.seq++
	target.Seq = q.seq
	target.Status = swarm.TargetPending
	q.push(target)
	return nil
}

// Requeue re-inserts a target at its original priority and arrival position.
// It is accepted after Close so the target survives as carryover.
func (q *Queue) Requeue(target swarm.Target) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if target.Seq == 0 {
		q.seq++
		target.Seq = q.seq
	}
	target.Status = swarm.TargetPending
	q.push(target)
}

// push must be called with mu held.
func (q *Queue) push(target swarm.Target) {
	heap.Push(&q.items, target)
	q.depth.Add(1)
	q.broadcast()
}

// broadcast must be called with mu held.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Dequeue pops the highest-priority target, blocking until one is available,
// the queue is closed or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (swarm.Target, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return swarm.Target{}, swarm.ErrQueueClosed
		}
		if q.items.Len() > 0 {
			target, _ := heap.Pop(&q.items).(swarm.Target)
			q.depth.Add(-1)
			q.mu.Unlock()
			target.Status = swarm.TargetActive
			return target, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return swarm.Target{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Close marks the queue closed and wakes every waiter. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every pending target in dispatch order.
func (q *Queue) Drain() []swarm.Target {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]swarm.Target, 0, q.items.Len())
	for q.items.Len() > 0 {
		target, _ := heap.Pop(&q.items).(swarm.Target)
		out = append(out, target)
	}
	q.depth.Store(0)
	return out
}

// Len reports the number of pending targets without taking the lock.
func (q *Queue) Len() int {
	return int(q.depth.Load())
}

type targetHeap []swarm.Target

func (h targetHeap) Len() int { return len(h) }

func (h targetHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h targetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *targetHeap) Push(x any) {
	target, _ := x.(swarm.Target)
	*h = append(*h, target)
}

func (h *targetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
