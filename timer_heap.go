package svccore

import (
	"container/heap"
	"context"
	"time"
)

// Ensure TimerHeap implements [heap.Interface].
var _ heap.Interface = (*TimerHeap)(nil)

// TaskFunc is a deferred callable. A non-nil error or a panic counts as a
// failed attempt.
type TaskFunc func(ctx context.Context) error

// DeferredTask is an entry of the TimerHeap.
type DeferredTask struct {
	// At is the earliest time the task may run.
	At time.Time

	Fn   TaskFunc
	Ctx  context.Context
	Name string

	// retriesLeft is decremented on every failed attempt.
	retriesLeft int

	// backoff yields the delay added to now when rescheduling.
	backoff func() time.Duration

	cleanup func()

	// seq breaks ties between equal At values in insertion order.
	seq uint64

	// index is maintained by the heap.
	index int
}

// RetriesLeft reports how many re-runs the task may still get.
func (t *DeferredTask) RetriesLeft() int { return t.retriesLeft }

// TimerHeap is a min-heap of deferred tasks keyed by (At, seq).
//
// The callables themselves are never compared. It is not safe for concurrent
// use; DeferredScheduler guards it.
type TimerHeap []*DeferredTask

func (h TimerHeap) Len() int { return len(h) }

func (h TimerHeap) Less(i, j int) bool {
	if h[i].At.Equal(h[j].At) {
		return h[i].seq < h[j].seq
	}
	return h[i].At.Before(h[j].At)
}

func (h TimerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *TimerHeap) Push(x any) {
	t := x.(*DeferredTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *TimerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	t.index = -1
	*h = old[:n-1]
	return t
}

// Peek returns the earliest task without removing it, or nil.
func (h TimerHeap) Peek() *DeferredTask {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
