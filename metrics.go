package svccore

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// cachePad is used to prevent false sharing between hot counters.
type cachePad = cpu.CacheLinePad

// MetricsPolicy defines hooks used by the dispatcher and scheduler to report
// queueing and execution activity.
//
// Implementations must be safe for concurrent use.
// All methods are expected to be lightweight and non-blocking.
type MetricsPolicy interface {
	// IncQueued increments the queued items counter.
	IncQueued()

	// BatchDecQueued decrements the queued counter by n.
	BatchDecQueued(n int64)

	// IncExecuted counts a successful insert or task run.
	IncExecuted()

	// IncRetried counts a deferred task rescheduled after a failure.
	IncRetried()

	// IncDropped counts an item dropped after a failed insert or an
	// exhausted retry budget.
	IncDropped()
}

// AtomicMetrics is a lock-free metrics implementation backed by atomics.
//
// Writes are optimized for hot paths.
// Reads are intended for cold-path observation.
type AtomicMetrics struct {
	executed atomic.Uint64
	_        cachePad

	queued atomic.Int64
	_      cachePad

	retried atomic.Uint64
	dropped atomic.Uint64
}

func (m *AtomicMetrics) Executed() uint64 { return m.executed.Load() }
func (m *AtomicMetrics) Queued() int64    { return m.queued.Load() }
func (m *AtomicMetrics) Retried() uint64  { return m.retried.Load() }
func (m *AtomicMetrics) Dropped() uint64  { return m.dropped.Load() }

func (m *AtomicMetrics) IncQueued()             { m.queued.Add(1) }
func (m *AtomicMetrics) BatchDecQueued(n int64) { m.queued.Add(-n) }
func (m *AtomicMetrics) IncExecuted()           { m.executed.Add(1) }
func (m *AtomicMetrics) IncRetried()            { m.retried.Add(1) }
func (m *AtomicMetrics) IncDropped()            { m.dropped.Add(1) }

//------------- NoopMetrics ----------------------------------

// NoopMetrics is a MetricsPolicy implementation that discards
// all metric updates.
type NoopMetrics struct{}

func (m *NoopMetrics) IncQueued()             {}
func (m *NoopMetrics) BatchDecQueued(n int64) {}
func (m *NoopMetrics) IncExecuted()           {}
func (m *NoopMetrics) IncRetried()            {}
func (m *NoopMetrics) IncDropped()            {}
