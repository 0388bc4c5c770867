package svccore

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
)

// ConnectionTuple is an accepted inbound connection with the peer address
// and port it came from.
type ConnectionTuple struct {
	// ID correlates log lines of one connection.
	ID   uuid.UUID
	Conn net.Conn
	Addr string
	Port int
}

// NewConnectionTuple builds a tuple from conn, taking the peer address and
// port from its RemoteAddr. Addresses without a port are kept verbatim.
func NewConnectionTuple(conn net.Conn) ConnectionTuple {
	t := ConnectionTuple{ID: uuid.New(), Conn: conn}
	ra := conn.RemoteAddr()
	if ra == nil {
		return t
	}
	host, port, err := net.SplitHostPort(ra.String())
	if err != nil {
		t.Addr = ra.String()
		return t
	}
	t.Addr = host
	t.Port, _ = strconv.Atoi(port)
	return t
}

// ConnInserter receives connections drained by an AcceptDispatcher. It is
// the connection-pool side of the hand-off.
type ConnInserter interface {
	Insert(conn net.Conn, addr string, port int) error
}

// InsertFunc adapts a function to ConnInserter.
type InsertFunc func(conn net.Conn, addr string, port int) error

func (f InsertFunc) Insert(conn net.Conn, addr string, port int) error {
	return f(conn, addr, port)
}

// AcceptDispatcher moves accepted connections from an accept loop to a
// ConnInserter on a single dedicated goroutine.
//
// A failing insert drops only the offending connection; the loop keeps
// serving the ones behind it.
type AcceptDispatcher struct {
	ctx      context.Context
	queue    *ConditionQueue[ConnectionTuple]
	inserter ConnInserter
	opts     Options
	hooks    errorHooks
	done     chan struct{}
}

// NewAcceptDispatcher starts the dispatcher loop. ctx carries the logger and
// stops the loop when canceled.
//
// Providing a nil inserter will cause a panic.
func NewAcceptDispatcher(ctx context.Context, inserter ConnInserter, opts Options) *AcceptDispatcher {
	if inserter == nil {
		panic(`svccore: nil inserter`)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opts.FillDefaults()

	d := &AcceptDispatcher{
		ctx:      ctx,
		queue:    NewConditionQueue[ConnectionTuple](),
		inserter: inserter,
		opts:     opts,
		hooks:    newErrorHooks(opts),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Add queues t for insertion. It never blocks and never drops; the only
// error is ErrQueueStopped after Stop.
func (d *AcceptDispatcher) Add(t ConnectionTuple) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	d.opts.Metrics.IncQueued()
	if err := d.queue.Push(t); err != nil {
		d.opts.Metrics.BatchDecQueued(1)
		return err
	}
	return nil
}

// Pending returns the number of connections waiting for the loop.
func (d *AcceptDispatcher) Pending() int { return d.queue.Len() }

// Stop asks the loop to exit after the current insert. Queued connections
// are not drained.
func (d *AcceptDispatcher) Stop() { d.queue.Stop() }

// Shutdown stops the loop and waits for it to exit or for ctx to expire.
func (d *AcceptDispatcher) Shutdown(ctx context.Context) error {
	d.Stop()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (d *AcceptDispatcher) Done() <-chan struct{} { return d.done }

func (d *AcceptDispatcher) run() {
	defer close(d.done)
	defer d.queue.Stop()

	logger := lg.FromContext(d.ctx)

	if d.opts.PinWorkers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := PinToCPU(d.opts.CPU); err != nil {
			logger.Warn("accept dispatcher: cpu pinning failed", lg.Int("cpu", d.opts.CPU), lg.Any("error", err))
			d.hooks.reportInternalError(err)
		}
	}

	logger.Info("accept dispatcher started", lg.String("poll", d.opts.PollInterval.String()))
	for {
		t, ok, err := d.next()
		if err != nil {
			logger.Error("accept dispatcher: queue access failed", lg.Any("error", err))
			d.hooks.reportInternalError(err)
			continue
		}
		if !ok {
			logger.Info("accept dispatcher stopped", lg.Int("abandoned", d.queue.Len()))
			return
		}
		d.dispatch(t)
	}
}

func (d *AcceptDispatcher) next() (t ConnectionTuple, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %w", ErrQueueAccess, panicError(r))
		}
	}()
	t, ok = d.queue.PopContext(d.ctx, d.opts.PollInterval)
	if ok {
		d.opts.Metrics.BatchDecQueued(1)
	}
	return t, ok, nil
}

func (d *AcceptDispatcher) dispatch(t ConnectionTuple) {
	if err := d.insert(t); err != nil {
		lg.FromContext(d.ctx).Warn("insert failed; dropping connection",
			lg.String("conn_id", t.ID.String()),
			lg.String("addr", t.Addr),
			lg.Int("port", t.Port),
			lg.Any("error", err),
		)
		d.opts.Metrics.IncDropped()
		if t.Conn != nil {
			_ = t.Conn.Close()
		}
		d.hooks.reportDispatchError(fmt.Errorf("%w: %s:%d: %w", ErrDispatch, t.Addr, t.Port, err))
		return
	}
	d.opts.Metrics.IncExecuted()
}

func (d *AcceptDispatcher) insert(t ConnectionTuple) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return d.inserter.Insert(t.Conn, t.Addr, t.Port)
}
