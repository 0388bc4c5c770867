package svccore

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// HandshakeState is the admission state of an accepted connection.
type HandshakeState int32

const (
	StatePending HandshakeState = iota
	StateEstablished
	StateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "Unknown"
	}
}

// AdmissionListener wraps a listener so that a TLS handshake which cannot
// complete yet is reported as a retryable *HandshakePendingError instead of
// blocking Accept or failing it.
//
// Every connection it returns, and every connection carried by its pending
// errors, is an *AdmissionConn.
type AdmissionListener struct {
	net.Listener
	cfg  *tls.Config
	opts Options
}

// NewAdmissionListener wraps inner. A nil cfg admits plain connections,
// which are established as soon as they are accepted.
func NewAdmissionListener(inner net.Listener, cfg *tls.Config, opts Options) *AdmissionListener {
	opts.FillDefaults()
	return &AdmissionListener{Listener: inner, cfg: cfg, opts: opts}
}

// Accept waits for the next connection and runs the first handshake step,
// which never blocks.
//
// A plain connection is returned established. A TLS connection is returned
// once its handshake has completed; until then the error is a
// *HandshakePendingError matching ErrHandshakeWouldBlock and the connection
// stays open. A handshake failure closes the connection and returns an
// error matching ErrHandshakeFailed.
func (l *AdmissionListener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	c := newAdmissionConn(raw, l.cfg, l.opts)
	if err := c.Handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

// AdmissionConn is an accepted connection whose handshake may still be
// pending. Read and Write go through TLS once a config is set.
//
// The TLS exchange runs on its own goroutine, started when the peer first
// becomes readable and bounded by Options.HandshakeTimeout. Handshake only
// reports its progress, so a slow or stalled peer never blocks the caller.
type AdmissionConn struct {
	net.Conn // raw transport

	pc    *peekConn
	tls   *tls.Conn
	opts  Options
	state atomic.Int32

	// mu serializes handshake steps.
	mu sync.Mutex
	// hsDone is closed when the TLS exchange has finished with hsErr.
	hsDone chan struct{}
	hsErr  error

	closeOnce sync.Once
	closeErr  error
}

func newAdmissionConn(raw net.Conn, cfg *tls.Config, opts Options) *AdmissionConn {
	c := &AdmissionConn{
		Conn: raw,
		pc:   &peekConn{Conn: raw, r: bufio.NewReader(raw)},
		opts: opts,
	}
	if cfg != nil {
		c.tls = tls.Server(c.pc, cfg)
	}
	return c
}

// State reports the admission state.
func (c *AdmissionConn) State() HandshakeState { return HandshakeState(c.state.Load()) }

// Handshake runs one non-blocking handshake step. It returns nil once the
// connection is established and a *HandshakePendingError while the peer has
// not sent anything yet or the exchange is still in flight. Any other
// failure, including a handshake that outlived Options.HandshakeTimeout,
// closes the connection and returns an error matching ErrHandshakeFailed.
func (c *AdmissionConn) Handshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateEstablished:
		return nil
	case StateClosed:
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, net.ErrClosed)
	}

	if c.tls == nil {
		c.state.Store(int32(StateEstablished))
		return nil
	}

	if c.hsDone == nil {
		ready, err := c.readable()
		if err != nil {
			return c.fail(err)
		}
		if !ready {
			return c.pending()
		}
		c.hsDone = make(chan struct{})
		go c.runHandshake(c.hsDone)
	}

	select {
	case <-c.hsDone:
	default:
		return c.pending()
	}
	if c.hsErr != nil {
		return c.fail(c.hsErr)
	}
	c.state.Store(int32(StateEstablished))
	return nil
}

func (c *AdmissionConn) runHandshake(done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	c.hsErr = c.tls.HandshakeContext(ctx)
}

// handshakeDone returns a channel closed once the TLS exchange has
// finished, or nil if it has not started yet.
func (c *AdmissionConn) handshakeDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hsDone
}

func (c *AdmissionConn) pending() error {
	return &HandshakePendingError{Conn: c, Addr: c.RemoteAddr()}
}

// readable reports whether the peer has data for the handshake, without
// consuming it.
func (c *AdmissionConn) readable() (bool, error) {
	if c.pc.r.Buffered() > 0 {
		return true, nil
	}
	if ready, supported, err := pollReadable(c.Conn); supported {
		return ready, err
	}

	if err := c.Conn.SetReadDeadline(time.Now().Add(c.opts.ProbeWindow)); err != nil {
		return false, err
	}
	_, err := c.pc.r.Peek(1)
	if derr := c.Conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		return false, derr
	}
	if err == nil {
		return true, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	return false, err
}

func (c *AdmissionConn) fail(cause error) error {
	_ = c.Close()
	return fmt.Errorf("%w: %w", ErrHandshakeFailed, cause)
}

func (c *AdmissionConn) Read(b []byte) (int, error) {
	if c.State() == StateClosed {
		return 0, net.ErrClosed
	}
	if c.tls != nil {
		return c.tls.Read(b)
	}
	return c.pc.Read(b)
}

func (c *AdmissionConn) Write(b []byte) (int, error) {
	if c.State() == StateClosed {
		return 0, net.ErrClosed
	}
	if c.tls != nil {
		return c.tls.Write(b)
	}
	return c.Conn.Write(b)
}

// Close closes the connection. It is safe to call concurrently with a
// handshake step, which it interrupts.
func (c *AdmissionConn) Close() error {
	c.closeOnce.Do(func() {
		established := c.State() == StateEstablished
		c.state.Store(int32(StateClosed))
		if c.tls != nil && established {
			c.closeErr = c.tls.Close()
			return
		}
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// ConnectionState returns the TLS state, or false for plain connections.
func (c *AdmissionConn) ConnectionState() (tls.ConnectionState, bool) {
	if c.tls == nil {
		return tls.ConnectionState{}, false
	}
	return c.tls.ConnectionState(), true
}

// NetConn returns the raw transport.
func (c *AdmissionConn) NetConn() net.Conn { return c.Conn }

// peekConn reads through a buffered reader so readiness can be probed by
// peeking without losing the peeked bytes.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }
