package svccore

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrQueueAccess reports a failure while a consumer loop accessed its queue.
	// The loop logs it and continues.
	ErrQueueAccess = errors.New("svccore: queue access failed")

	// ErrDispatch reports a failure of the downstream collaborator: the
	// inserter for accepted connections, or a scheduled callable.
	ErrDispatch = errors.New("svccore: dispatch failed")

	// ErrRetryExhausted is reported once a deferred task has no retries left.
	ErrRetryExhausted = errors.New("svccore: retries exhausted")

	// ErrHandshakeWouldBlock is the control-flow signal of a TLS handshake
	// that needs more I/O before it can complete. It is not a failure.
	ErrHandshakeWouldBlock = errors.New("svccore: handshake would block")

	// ErrHandshakeFailed wraps any other handshake failure. The connection
	// is closed before it is returned.
	ErrHandshakeFailed = errors.New("svccore: handshake failed")

	ErrQueueStopped     = errors.New("svccore: queue stopped")
	ErrSchedulerStopped = errors.New("svccore: scheduler stopped")
	ErrNilFunc          = errors.New("svccore: task func is nil")
	ErrInvalidRetry     = errors.New("svccore: negative retries or timeout")
	ErrNoCandidate      = errors.New("svccore: no admitting work task")
	ErrSaturated        = errors.New("svccore: connection limit reached")
)

// HandshakePendingError carries a partially accepted connection whose
// handshake would block. The caller re-invokes Conn.Handshake until it
// stops reporting ErrHandshakeWouldBlock; each call returns at once.
type HandshakePendingError struct {
	Conn *AdmissionConn
	Addr net.Addr
}

func (e *HandshakePendingError) Error() string {
	return fmt.Sprintf("svccore: handshake pending for %v", e.Addr)
}

func (e *HandshakePendingError) Unwrap() error { return ErrHandshakeWouldBlock }

// panicError turns a recovered panic value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
