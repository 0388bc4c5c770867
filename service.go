package svccore

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

const (
	acceptRetryInitial = 5 * time.Millisecond
	acceptRetryMax     = time.Second
)

// Service is an accept loop wired to an AcceptDispatcher and, for TLS, to a
// DeferredScheduler that watches pending handshakes.
//
// Established connections are queued on the dispatcher as soon as they are
// accepted. A TLS connection whose peer has not spoken yet is handed to the
// scheduler, which re-checks it under Options.HandshakeRetry. Once the peer
// is readable the handshake runs on the connection's own goroutine, and a
// waiter queues the connection when it is established. Neither the accept
// loop nor the scheduler ever waits on a handshake. A connection that never
// gets there is closed.
type Service struct {
	ctx        context.Context
	ln         net.Listener
	dispatcher *AcceptDispatcher
	scheduler  *DeferredScheduler
	limiter    *rate.Limiter
	opts       Options

	// stopping is closed by Shutdown and releases handshake waiters. hsMu
	// orders waiter registration against it.
	hsMu       sync.Mutex
	stopping   chan struct{}
	handshakes sync.WaitGroup

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService starts the dispatcher and scheduler loops over ln. Accepting
// begins with Serve. When opts.TLSConfig is set, ln is wrapped in an
// AdmissionListener.
//
// Providing a nil inserter will cause a panic.
func NewService(ctx context.Context, ln net.Listener, inserter ConnInserter, opts Options) *Service {
	if ctx == nil {
		ctx = context.Background()
	}
	opts.FillDefaults()

	if opts.TLSConfig != nil {
		ln = NewAdmissionListener(ln, opts.TLSConfig, opts)
	}
	s := &Service{
		ctx:        ctx,
		ln:         ln,
		dispatcher: NewAcceptDispatcher(ctx, inserter, opts),
		scheduler:  NewDeferredScheduler(ctx, opts),
		opts:       opts,
		stopping:   make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(opts.AcceptRate, opts.AcceptBurst)
	}
	return s
}

// Addr returns the listener address.
func (s *Service) Addr() net.Addr { return s.ln.Addr() }

// Dispatcher returns the dispatcher fed by the accept loop.
func (s *Service) Dispatcher() *AcceptDispatcher { return s.dispatcher }

// Scheduler returns the scheduler watching pending handshakes. Callers may
// schedule their own tasks on it.
func (s *Service) Scheduler() *DeferredScheduler { return s.scheduler }

// Serve accepts connections until Shutdown is called or the service context
// is canceled, in which case it returns nil. Transient accept errors are
// retried with backoff.
func (s *Service) Serve() error {
	logger := lg.FromContext(s.ctx).With(lg.String("addr", s.ln.Addr().String()))
	stop := context.AfterFunc(s.ctx, func() {
		s.closing.Store(true)
		_ = s.ln.Close()
	})
	defer stop()

	logger.Info("service accepting", lg.Any("tls", s.opts.TLSConfig != nil))

	var nextDelay func() time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return s.serveErr(err)
			}
		}

		conn, err := s.ln.Accept()
		if err == nil {
			nextDelay = nil
			s.admit(conn)
			continue
		}

		var pending *HandshakePendingError
		switch {
		case errors.As(err, &pending):
			if !s.advance(pending.Conn) {
				s.deferHandshake(pending)
			}
		case errors.Is(err, ErrHandshakeFailed):
			logger.Warn("handshake failed", lg.Any("error", err))
			s.opts.Metrics.IncDropped()
		case s.closing.Load():
			logger.Info("service stopped accepting")
			return nil
		case errors.Is(err, net.ErrClosed):
			return err
		default:
			if nextDelay == nil {
				nextDelay = RetryPolicy{Initial: acceptRetryInitial, Max: acceptRetryMax}.delays()
			}
			delay := nextDelay()
			logger.Warn("accept failed; retrying", lg.String("sleep", delay.String()), lg.Any("error", err))
			if !s.sleep(delay) {
				return s.serveErr(s.ctx.Err())
			}
		}
	}
}

func (s *Service) serveErr(err error) error {
	if s.closing.Load() || s.ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// admit queues an established connection, closing it if the dispatcher is
// already stopped.
func (s *Service) admit(conn net.Conn) {
	if err := s.dispatcher.Add(NewConnectionTuple(conn)); err != nil {
		lg.FromContext(s.ctx).Warn("dispatcher stopped; closing connection",
			lg.String("addr", conn.RemoteAddr().String()),
			lg.Any("error", err),
		)
		_ = conn.Close()
	}
}

// advance runs one handshake step for c. It reports false while the peer
// has not sent anything yet; otherwise c has been admitted, dropped, or
// handed to a waiter for its in-flight handshake.
func (s *Service) advance(c *AdmissionConn) bool {
	err := c.Handshake()
	switch {
	case err == nil:
		s.admit(c)
		return true
	case !errors.Is(err, ErrHandshakeWouldBlock):
		lg.FromContext(s.ctx).Warn("handshake failed",
			lg.String("addr", c.RemoteAddr().String()),
			lg.Any("error", err),
		)
		s.opts.Metrics.IncDropped()
		return true
	}

	done := c.handshakeDone()
	if done == nil {
		return false
	}

	s.hsMu.Lock()
	defer s.hsMu.Unlock()
	select {
	case <-s.stopping:
		_ = c.Close()
		return true
	default:
	}
	s.handshakes.Add(1)
	go s.awaitHandshake(c, done)
	return true
}

// awaitHandshake waits for the handshake of c to finish and settles it.
// Shutdown interrupts it by closing c.
func (s *Service) awaitHandshake(c *AdmissionConn, done <-chan struct{}) {
	defer s.handshakes.Done()
	select {
	case <-done:
	case <-s.stopping:
		_ = c.Close()
		<-done
	case <-s.ctx.Done():
		_ = c.Close()
		<-done
	}
	s.advance(c)
}

// deferHandshake schedules readiness checks for a connection whose peer has
// not spoken yet. The task fails, and is therefore retried, only while the
// peer stays silent.
func (s *Service) deferHandshake(p *HandshakePendingError) {
	c := p.Conn
	addr := p.Addr.String()
	logger := lg.FromContext(s.ctx).With(lg.String("addr", addr))

	// handed is written by Fn only; Cleanup never overlaps a run of Fn.
	var handed bool
	retry := s.opts.HandshakeRetry
	err := s.scheduler.ScheduleTask(Task{
		Name:  "handshake " + addr,
		Retry: &retry,
		At:    time.Now().Add(retry.Initial),
		Fn: func(context.Context) error {
			if !s.advance(c) {
				return ErrHandshakeWouldBlock
			}
			handed = true
			return nil
		},
		Cleanup: func() {
			if !handed {
				_ = c.Close()
			}
		},
	})
	if err != nil {
		logger.Warn("cannot defer handshake; closing connection", lg.Any("error", err))
		_ = c.Close()
	}
}

// Shutdown closes the listener and every pending handshake, then stops the
// dispatcher and scheduler and waits for both loops to exit or for ctx to
// expire. The combined error of all steps is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.closing.Store(true)
		s.hsMu.Lock()
		close(s.stopping)
		s.hsMu.Unlock()
		lnErr := s.ln.Close()
		if errors.Is(lnErr, net.ErrClosed) {
			lnErr = nil
		}
		s.shutdownErr = multierr.Combine(
			lnErr,
			s.waitHandshakes(ctx),
			s.dispatcher.Shutdown(ctx),
			s.scheduler.Shutdown(ctx),
		)
	})
	return s.shutdownErr
}

func (s *Service) waitHandshakes(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.handshakes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
