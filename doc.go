// Package svccore provides the concurrency core of a network service:
// handing accepted connections to a pool, running deferred work with
// retries, balancing work across registered targets, and admitting TLS
// clients without blocking the accept loop.
//
// Architecture overview
//
// The package is composed of loosely coupled pieces that a Service wires
// together:
//
//  1. ConditionQueue
//     An unbounded FIFO hand-off between producers and one consumer.
//     Push never blocks; Pop parks the consumer and wakes on a push, on
//     Stop, or after a bounded poll interval.
//
//  2. AcceptDispatcher
//     A single goroutine that drains accepted connections from a
//     ConditionQueue into a ConnInserter. A failed insert drops only the
//     offending connection.
//
//  3. DeferredScheduler
//     A single goroutine running callables at or after their due time,
//     ordered by due time and then by insertion. Failed callables are
//     re-run according to a RetryPolicy.
//
//  4. WorkPool
//     A live set of dispatch targets with a pluggable SelectionStrategy
//     (round-robin, random, load-aware) and an admission predicate.
//
//  5. AdmissionListener
//     A listener whose Accept reports a TLS handshake that has not
//     finished as a retryable *HandshakePendingError instead of
//     blocking. The exchange itself runs on its own goroutine, bounded
//     by Options.HandshakeTimeout.
//
// A typical wiring is
//
//	pool := svccore.NewWorkPool[svccore.ConnHandler](svccore.NewLoadAwareStrategy[svccore.ConnHandler](), nil)
//	pool.Register(handler)
//	svc := svccore.NewService(ctx, ln, svccore.NewBalancedInserter(ctx, pool, 1024), opts)
//	go svc.Serve()
//
// Waiting
//
// No loop busy-waits. Every blocking wait is bounded by
// Options.PollInterval, after which the loop re-checks its state on its
// own. A missed wakeup therefore costs at most one interval, and a stop
// request is always observed.
//
// Error handling
//
// The loops distinguish between two classes of errors:
//
//   - Dispatch errors: returned by the inserter or a scheduled callable,
//     or produced by panic recovery
//   - Internal errors: unexpected failures of the loop itself
//
// Errors are logged and reported via user-provided handlers and never
// stop a loop.
//
// Logging
//
// Loops log through the zlog logger carried by the context they were
// started with.
//
// CPU pinning
//
// On Linux, the dispatcher loop may optionally be pinned to a CPU.
// When enabled, the loop is locked to an OS thread restricted to run on a
// single core. Pinning is best-effort: a failure is logged and reported
// through OnInternalError, and the loop keeps running unpinned.
package svccore
