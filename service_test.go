package svccore

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

type inserted struct {
	conn net.Conn
	addr string
	port int
}

func channelInserter(ch chan<- inserted) InsertFunc {
	return func(conn net.Conn, addr string, port int) error {
		ch <- inserted{conn: conn, addr: addr, port: port}
		return nil
	}
}

func startService(t *testing.T, ctx context.Context, ins ConnInserter, opts Options) (*Service, <-chan error) {
	t.Helper()
	svc := NewService(ctx, listenTCP(t), ins, opts)
	served := make(chan error, 1)
	go func() { served <- svc.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, served
}

func receive(t *testing.T, ch <-chan inserted, within time.Duration) inserted {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(within):
		t.Fatalf("no connection reached the inserter within %v", within)
		return inserted{}
	}
}

func TestService_PlainConnectionsReachInserter(t *testing.T) {
	ch := make(chan inserted, 8)
	svc, served := startService(t, context.Background(), channelInserter(ch), Options{})

	for range 3 {
		c := dialTCP(t, svc.Addr())
		in := receive(t, ch, 3*time.Second)
		if in.addr != "127.0.0.1" {
			t.Fatalf("addr = %q; want 127.0.0.1", in.addr)
		}
		if want := c.LocalAddr().(*net.TCPAddr).Port; in.port != want {
			t.Fatalf("port = %d; want %d", in.port, want)
		}
		_ = in.conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// tlsExchange completes a client handshake over raw and expects want from
// the server.
func tlsExchange(raw net.Conn, cfg *tls.Config, want string) <-chan error {
	errc := make(chan error, 1)
	go func() {
		client := tls.Client(raw, cfg)
		if err := client.Handshake(); err != nil {
			errc <- err
			return
		}
		buf := make([]byte, len(want))
		_, err := io.ReadFull(client, buf)
		if err == nil && string(buf) != want {
			err = errors.New("unexpected payload " + string(buf))
		}
		errc <- err
	}()
	return errc
}

func replyEstablished(t *testing.T, in inserted, msg string) {
	t.Helper()
	ac, ok := in.conn.(*AdmissionConn)
	if !ok {
		t.Fatalf("inserted %T; want *AdmissionConn", in.conn)
	}
	if ac.State() != StateEstablished {
		t.Fatalf("State = %s; want established", ac.State())
	}
	if _, err := in.conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestService_DeferredHandshakeCompletes(t *testing.T) {
	serverCfg, clientCfg := testTLSConfigs(t)
	ch := make(chan inserted, 1)
	svc, _ := startService(t, context.Background(), channelInserter(ch), Options{
		TLSConfig:      serverCfg,
		HandshakeRetry: RetryPolicy{Attempts: 200, Initial: 10 * time.Millisecond},
	})

	raw := dialTCP(t, svc.Addr())

	// let Accept see a silent client first
	time.Sleep(50 * time.Millisecond)
	clientErr := tlsExchange(raw, clientCfg, "hello")

	in := receive(t, ch, 3*time.Second)
	replyEstablished(t, in, "hello")
	if err := <-clientErr; err != nil {
		t.Fatalf("client: %v", err)
	}
	_ = in.conn.Close()
}

func TestService_StalledClientDoesNotDelayOthers(t *testing.T) {
	serverCfg, clientCfg := testTLSConfigs(t)
	ch := make(chan inserted, 2)
	metrics := &AtomicMetrics{}
	svc, _ := startService(t, context.Background(), channelInserter(ch), Options{
		TLSConfig:        serverCfg,
		HandshakeTimeout: 3 * time.Second,
		Metrics:          metrics,
	})

	// a partial ClientHello, then silence
	stalled := dialTCP(t, svc.Addr())
	if _, err := stalled.Write([]byte{0x16}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	raw := dialTCP(t, svc.Addr())
	clientErr := tlsExchange(raw, clientCfg, "ok")

	in := receive(t, ch, time.Second)
	if el := time.Since(start); el > time.Second {
		t.Fatalf("well-behaved client admitted after %v", el)
	}
	if got, want := in.port, raw.LocalAddr().(*net.TCPAddr).Port; got != want {
		t.Fatalf("admitted port %d; want the well-behaved client %d", got, want)
	}
	replyEstablished(t, in, "ok")
	if err := <-clientErr; err != nil {
		t.Fatalf("client: %v", err)
	}
	_ = in.conn.Close()

	if d := metrics.Dropped(); d != 0 {
		t.Fatalf("dropped = %d before the stalled handshake timed out", d)
	}
}

func TestService_ShutdownClosesInFlightHandshake(t *testing.T) {
	serverCfg, _ := testTLSConfigs(t)
	svc := NewService(context.Background(), listenTCP(t), channelInserter(make(chan inserted, 1)), Options{
		TLSConfig:        serverCfg,
		HandshakeTimeout: time.Minute,
	})
	go func() { _ = svc.Serve() }()

	stalled := dialTCP(t, svc.Addr())
	if _, err := stalled.Write([]byte{0x16}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("Shutdown waited %v for a stalled handshake", el)
	}
	expectPeerClosed(t, stalled, 2*time.Second)
}

func TestService_SilentClientIsClosed(t *testing.T) {
	serverCfg, _ := testTLSConfigs(t)
	ch := make(chan inserted, 1)
	metrics := &AtomicMetrics{}
	svc, _ := startService(t, context.Background(), channelInserter(ch), Options{
		TLSConfig:      serverCfg,
		HandshakeRetry: RetryPolicy{Attempts: 3, Initial: 10 * time.Millisecond},
		Metrics:        metrics,
	})

	raw := dialTCP(t, svc.Addr())
	expectPeerClosed(t, raw, 3*time.Second)

	select {
	case <-ch:
		t.Fatal("a silent client reached the inserter")
	default:
	}

	deadline := time.Now().Add(time.Second)
	for metrics.Dropped() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("dropped = %d; want 1", metrics.Dropped())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_ContextCancelStopsServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, served := startService(t, ctx, channelInserter(make(chan inserted, 1)), Options{})

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept running after cancel")
	}
}

func TestService_AcceptRateLimit(t *testing.T) {
	ch := make(chan inserted, 8)
	svc, _ := startService(t, context.Background(), channelInserter(ch), Options{
		AcceptRate:  10,
		AcceptBurst: 1,
	})

	start := time.Now()
	for range 3 {
		dialTCP(t, svc.Addr())
	}
	for range 3 {
		_ = receive(t, ch, 3*time.Second).conn.Close()
	}
	if el := time.Since(start); el < 150*time.Millisecond {
		t.Fatalf("3 accepts took %v; the limit allows 10/s", el)
	}
}

type echoHandler struct{}

func (echoHandler) ServeConn(conn net.Conn, _ string, _ int) {
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
}

func TestService_BalancedEcho(t *testing.T) {
	pool := NewWorkPool[ConnHandler](NewLoadAwareStrategy[ConnHandler](), nil)
	pool.Register(echoHandler{})
	pool.Register(echoHandler{})
	ins := NewBalancedInserter(context.Background(), pool, 8)

	svc, _ := startService(t, context.Background(), ins, Options{})

	c, err := net.Dial("tcp", svc.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q; want ping", buf)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ins.Wait()
	for _, task := range pool.Tasks() {
		if n := task.WorkCount(); n != 0 {
			t.Fatalf("WorkCount = %d after the handler returned; want 0", n)
		}
	}
}
