package svccore

import (
	"context"
	"sync"
	"time"
)

// ConditionQueue is a FIFO hand-off queue between any number of producers and
// a consumer that blocks without busy-waiting.
//
// Push never blocks. Pop parks the caller until an item arrives or the queue
// is stopped. Every park is bounded by a poll interval, after which the waiter
// re-checks the state on its own, so a lost wakeup delays a consumer by at
// most one interval.
type ConditionQueue[T any] struct {
	mu      sync.Mutex
	items   *fifoQueue[T]
	stopped bool

	// wakeup wakes one waiter; it holds at most one pending signal.
	wakeup chan struct{}

	// stopCh is closed by Stop and wakes all waiters.
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConditionQueue returns an empty running queue.
func NewConditionQueue[T any]() *ConditionQueue[T] {
	return &ConditionQueue[T]{
		items:  newFifoQueue[T](initialFifoCapacity),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Push appends v and wakes one waiter. It returns ErrQueueStopped once the
// queue is stopped; otherwise the item is always accepted.
func (q *ConditionQueue[T]) Push(v T) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.items.Push(v)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop removes the oldest item, blocking until one is available or the queue
// is stopped. timeout bounds each individual wait before the state is
// re-checked; values <= 0 select DefaultPollInterval. The boolean is false
// only when the queue was stopped.
func (q *ConditionQueue[T]) Pop(timeout time.Duration) (T, bool) {
	return q.pop(nil, timeout)
}

// PopContext is Pop that also gives up when ctx is done.
func (q *ConditionQueue[T]) PopContext(ctx context.Context, timeout time.Duration) (T, bool) {
	return q.pop(ctx.Done(), timeout)
}

func (q *ConditionQueue[T]) pop(done <-chan struct{}, poll time.Duration) (T, bool) {
	var zero T
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return zero, false
		}
		if v, ok := q.items.Pop(); ok {
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				// pass the turn on, a single signal may cover several pushes
				q.signal()
			}
			return v, true
		}
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(poll)
		} else {
			timer.Reset(poll)
		}

		select {
		case <-q.wakeup:
		case <-q.stopCh:
		case <-timer.C:
		case <-done:
			return zero, false
		}
	}
}

// Stop marks the queue stopped and wakes all waiters. Pending items are
// abandoned. Stop is idempotent.
func (q *ConditionQueue[T]) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.stopCh)
	})
}

// Stopped reports whether Stop was called.
func (q *ConditionQueue[T]) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Len returns the number of items waiting to be popped.
func (q *ConditionQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *ConditionQueue[T]) signal() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}
