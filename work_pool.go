package svccore

import (
	"slices"
	"sync"
	"sync/atomic"
)

// AdmitFunc reports whether task may receive work right now. It is called
// with the pool lock held and must not block.
type AdmitFunc[T any] func(task *WorkTask[T]) bool

// WorkTask is the pool's handle for a registered dispatch target.
//
// The pool never infers load: the work count moves only through
// WorkPool.WorkAdded and WorkPool.WorkRemoved, which the owner must call in
// lock-step with actual assignment and completion.
type WorkTask[T any] struct {
	Target T

	workCount atomic.Int64
}

// WorkCount returns the number of work items the owner reported in flight.
func (t *WorkTask[T]) WorkCount() int64 { return t.workCount.Load() }

// SelectionStrategy picks the next task for a WorkPool. Both methods run
// under the pool lock, so implementations need no locking of their own as
// long as they serve a single pool.
type SelectionStrategy[T any] interface {
	// Select returns an admitting task or nil. tasks is never empty.
	Select(tasks []*WorkTask[T], admits AdmitFunc[T]) *WorkTask[T]

	// Reorder is called after every registration change and every work
	// count update. It may reorder tasks in place.
	Reorder(tasks []*WorkTask[T])

	// Removed is called after the task at index was deleted from the list,
	// before Reorder. Later tasks have shifted down by one.
	Removed(index int)
}

// WorkPool holds the live set of dispatch targets and the strategy used to
// pick among them.
//
// The pool holds no ownership of its targets. Registration, removal, count
// updates and selection are serialized by one mutex, held for the duration
// of a selection scan.
type WorkPool[T any] struct {
	mu       sync.Mutex
	tasks    []*WorkTask[T]
	strategy SelectionStrategy[T]
	admits   AdmitFunc[T]
}

// NewWorkPool creates an empty pool. A nil strategy selects round-robin; a
// nil predicate admits every task.
func NewWorkPool[T any](strategy SelectionStrategy[T], admits AdmitFunc[T]) *WorkPool[T] {
	if strategy == nil {
		strategy = NewRoundRobinStrategy[T]()
	}
	return &WorkPool[T]{strategy: strategy, admits: admits}
}

// Register adds target to the pool and returns its handle.
func (p *WorkPool[T]) Register(target T) *WorkTask[T] {
	t := &WorkTask[T]{Target: target}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, t)
	p.strategy.Reorder(p.tasks)
	return t
}

// Unregister removes task. It reports false if task was not registered.
func (p *WorkPool[T]) Unregister(task *WorkTask[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := slices.Index(p.tasks, task)
	if i < 0 {
		return false
	}
	p.tasks = slices.Delete(p.tasks, i, i+1)
	p.strategy.Removed(i)
	p.strategy.Reorder(p.tasks)
	return true
}

// GetNext returns the next task eligible for work, or nil when the pool is
// empty or no task admits.
func (p *WorkPool[T]) GetNext() *WorkTask[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.tasks) == 0 {
		return nil
	}
	admits := p.admits
	if admits == nil {
		admits = admitAll[T]
	}
	return p.strategy.Select(p.tasks, admits)
}

// WorkAdded records one more work item assigned to task.
func (p *WorkPool[T]) WorkAdded(task *WorkTask[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task.workCount.Add(1)
	p.strategy.Reorder(p.tasks)
}

// WorkRemoved records the completion of a work item of task. The count
// never drops below zero.
func (p *WorkPool[T]) WorkRemoved(task *WorkTask[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task.workCount.Load() > 0 {
		task.workCount.Add(-1)
	}
	p.strategy.Reorder(p.tasks)
}

// SetAdmissionPredicate replaces the predicate consulted by GetNext.
func (p *WorkPool[T]) SetAdmissionPredicate(admits AdmitFunc[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.admits = admits
}

// SetStrategy swaps the selection strategy. A nil strategy is ignored.
func (p *WorkPool[T]) SetStrategy(s SelectionStrategy[T]) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
	p.strategy.Reorder(p.tasks)
}

// Len returns the number of registered tasks.
func (p *WorkPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Tasks returns a snapshot of the registered tasks in strategy order.
func (p *WorkPool[T]) Tasks() []*WorkTask[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.tasks)
}

func admitAll[T any](*WorkTask[T]) bool { return true }
