package svccore

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// Task describes a deferred callable for ScheduleTask.
type Task struct {
	Fn TaskFunc

	// Ctx is passed to Fn and carries its logger. Defaults to the
	// scheduler context.
	Ctx context.Context

	// At is the earliest run time. Zero means now.
	At time.Time

	// Name labels the task in logs and reported errors.
	Name string

	// Retry overrides the non-zero fields of Options.DefaultRetry.
	Retry *RetryPolicy

	// Cleanup, if set, runs once the task is finished with: after a
	// successful run, after the last failed attempt, or when Stop abandons it.
	Cleanup func()
}

// DeferredScheduler runs callables at or after their due time on a single
// goroutine, re-running failed ones according to their retry budget.
//
// Tasks due earlier always run first; tasks due at the same instant run in
// the order they were scheduled. A callable runs without the scheduler lock
// held, so it may schedule further tasks. There is no per-task cancellation:
// after Stop, pending tasks simply never run.
type DeferredScheduler struct {
	ctx context.Context

	mu      sync.Mutex
	pq      TimerHeap
	seq     uint64
	stopped bool

	wakeup   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	opts  Options
	hooks errorHooks
}

// NewDeferredScheduler starts the scheduler loop. ctx carries the logger and
// stops the loop when canceled.
func NewDeferredScheduler(ctx context.Context, opts Options) *DeferredScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	opts.FillDefaults()

	s := &DeferredScheduler{
		ctx:    ctx,
		pq:     make(TimerHeap, 0),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		opts:   opts,
		hooks:  newErrorHooks(opts),
	}
	heap.Init(&s.pq)
	go s.run()
	return s
}

// Schedule runs fn at at (zero means now). A failed run is retried up to
// retries more times, each rescheduled timeout after the failure.
func (s *DeferredScheduler) Schedule(fn TaskFunc, retries int, timeout time.Duration, at time.Time) error {
	if retries < 0 || timeout < 0 {
		return ErrInvalidRetry
	}
	return s.push(Task{Fn: fn, At: at}, FixedRetry(retries, timeout))
}

// ScheduleAfter is Schedule relative to now.
func (s *DeferredScheduler) ScheduleAfter(fn TaskFunc, retries int, timeout, delay time.Duration) error {
	return s.Schedule(fn, retries, timeout, time.Now().Add(delay))
}

// ScheduleTask schedules t with its own retry policy merged over the
// scheduler default.
func (s *DeferredScheduler) ScheduleTask(t Task) error {
	return s.push(t, t.Retry.merge(s.opts.DefaultRetry))
}

func (s *DeferredScheduler) push(t Task, pol RetryPolicy) error {
	if t.Fn == nil {
		return ErrNilFunc
	}
	if t.Ctx == nil {
		t.Ctx = s.ctx
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if pol.Attempts <= 0 {
		pol.Attempts = 1
	}

	dt := &DeferredTask{
		At:          t.At,
		Fn:          t.Fn,
		Ctx:         t.Ctx,
		Name:        t.Name,
		retriesLeft: pol.Attempts - 1,
		backoff:     pol.delays(),
		cleanup:     t.Cleanup,
	}

	s.opts.Metrics.IncQueued()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.opts.Metrics.BatchDecQueued(1)
		return ErrSchedulerStopped
	}
	s.enqueueLocked(dt)
	front := dt.index == 0
	s.mu.Unlock()

	if front {
		s.signal()
	}
	return nil
}

func (s *DeferredScheduler) enqueueLocked(t *DeferredTask) {
	t.seq = s.seq
	s.seq++
	heap.Push(&s.pq, t)
}

// Len returns the number of tasks waiting to run.
func (s *DeferredScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pq)
}

// Stop halts the loop after the callable in flight, if any. Pending tasks
// never run; only their Cleanup hooks are called. Stop is idempotent.
func (s *DeferredScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		abandoned := s.pq
		s.pq = make(TimerHeap, 0)
		s.mu.Unlock()

		s.opts.Metrics.BatchDecQueued(int64(len(abandoned)))
		close(s.stopCh)
		for _, t := range abandoned {
			s.finish(t)
		}
	})
}

// Shutdown stops the loop and waits for it to exit or for ctx to expire.
func (s *DeferredScheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (s *DeferredScheduler) Done() <-chan struct{} { return s.done }

func (s *DeferredScheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	lg.FromContext(s.ctx).Info("deferred scheduler started", lg.String("poll", s.opts.PollInterval.String()))
	for {
		task, wait, ok := s.nextDue()
		if !ok {
			lg.FromContext(s.ctx).Info("deferred scheduler stopped")
			return
		}
		if task != nil {
			s.execute(task)
			continue
		}

		timer.Reset(wait)
		select {
		case <-s.wakeup:
			timer.Stop()
		case <-timer.C:
		case <-s.stopCh:
		case <-s.ctx.Done():
			s.Stop()
		}
	}
}

// nextDue pops the earliest task if it is due. Otherwise it returns how long
// to wait before looking again, bounded by the poll interval. ok is false
// once the scheduler is stopped.
func (s *DeferredScheduler) nextDue() (task *DeferredTask, wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, 0, false
	}
	head := s.pq.Peek()
	if head == nil {
		return nil, s.opts.PollInterval, true
	}
	if d := time.Until(head.At); d > 0 {
		return nil, min(d, s.opts.PollInterval), true
	}
	heap.Pop(&s.pq)
	s.opts.Metrics.BatchDecQueued(1)
	return head, 0, true
}

func (s *DeferredScheduler) execute(t *DeferredTask) {
	err := s.call(t)
	if err == nil {
		s.opts.Metrics.IncExecuted()
		s.finish(t)
		return
	}

	logger := lg.FromContext(t.Ctx).With(lg.String("task", t.Name))
	if t.retriesLeft <= 0 {
		logger.Error("deferred task failed; retries exhausted", lg.Any("error", err))
		s.opts.Metrics.IncDropped()
		s.hooks.reportDispatchError(fmt.Errorf("%w: task %q: %w", ErrRetryExhausted, t.Name, err))
		s.finish(t)
		return
	}

	delay := t.backoff()
	t.retriesLeft--
	t.At = time.Now().Add(delay)
	logger.Warn("deferred task failed; backing off",
		lg.Int("retries_left", t.retriesLeft),
		lg.String("sleep", delay.String()),
		lg.Any("error", err),
	)

	s.opts.Metrics.IncQueued()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.opts.Metrics.BatchDecQueued(1)
		s.finish(t)
		return
	}
	s.enqueueLocked(t)
	s.mu.Unlock()
	s.opts.Metrics.IncRetried()
}

// finish runs the cleanup hook of t, recovering a panic in it.
func (s *DeferredScheduler) finish(t *DeferredTask) {
	if t.cleanup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			lg.FromContext(t.Ctx).Error("deferred task cleanup panicked", lg.String("task", t.Name), lg.Any("panic", r))
			s.hooks.reportInternalError(panicError(r))
		}
	}()
	t.cleanup()
}

func (s *DeferredScheduler) call(t *DeferredTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %w", ErrDispatch, panicError(r))
		}
	}()
	if err := t.Fn(t.Ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return nil
}

func (s *DeferredScheduler) signal() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}
