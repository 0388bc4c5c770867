package svccore

import (
	"context"
	"net"
	"sync"

	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/sync/semaphore"
)

// ConnHandler serves one inbound connection. ServeConn owns conn and
// returns when it is done with it.
type ConnHandler interface {
	ServeConn(conn net.Conn, addr string, port int)
}

// Ensure BalancedInserter implements [ConnInserter].
var _ ConnInserter = (*BalancedInserter[ConnHandler])(nil)

// BalancedInserter is a ConnInserter that hands every connection to a
// handler picked from a WorkPool and keeps the pool's work counts in step
// with the connections each handler is serving.
//
// Each connection is served on its own goroutine. An optional limit caps
// the number of connections served at once; beyond it Insert fails with
// ErrSaturated and the dispatcher drops the connection.
type BalancedInserter[T ConnHandler] struct {
	ctx  context.Context
	pool *WorkPool[T]
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// NewBalancedInserter serves connections with the handlers registered in
// pool. maxConns <= 0 means no limit. ctx carries the logger.
func NewBalancedInserter[T ConnHandler](ctx context.Context, pool *WorkPool[T], maxConns int64) *BalancedInserter[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	b := &BalancedInserter[T]{ctx: ctx, pool: pool}
	if maxConns > 0 {
		b.sem = semaphore.NewWeighted(maxConns)
	}
	return b
}

// Insert picks a handler and starts serving conn. It returns ErrSaturated
// when the connection limit is reached and ErrNoCandidate when no handler
// admits; conn is left untouched in both cases.
func (b *BalancedInserter[T]) Insert(conn net.Conn, addr string, port int) error {
	if b.sem != nil && !b.sem.TryAcquire(1) {
		return ErrSaturated
	}
	task := b.pool.GetNext()
	if task == nil {
		b.release()
		return ErrNoCandidate
	}
	b.pool.WorkAdded(task)

	b.wg.Add(1)
	go b.serve(task, conn, addr, port)
	return nil
}

func (b *BalancedInserter[T]) serve(task *WorkTask[T], conn net.Conn, addr string, port int) {
	defer b.wg.Done()
	defer b.release()
	defer b.pool.WorkRemoved(task)
	defer func() {
		if r := recover(); r != nil {
			lg.FromContext(b.ctx).Error("connection handler panicked",
				lg.String("addr", addr),
				lg.Int("port", port),
				lg.Any("panic", r),
			)
			_ = conn.Close()
		}
	}()
	task.Target.ServeConn(conn, addr, port)
}

func (b *BalancedInserter[T]) release() {
	if b.sem != nil {
		b.sem.Release(1)
	}
}

// Wait blocks until every connection handed out so far has been served.
func (b *BalancedInserter[T]) Wait() { b.wg.Wait() }
