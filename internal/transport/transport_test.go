package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"tlsnc/endpoint"
	ncerr "tlsnc/internal/errors"
	"tlsnc/internal/metrics"
	"tlsnc/internal/retry"
	"tlsnc/util"
)

// TestTCPDialer_Connect verifies that TCPDialer can reach a local
// TCP server and exchange data.
func TestTCPDialer_Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello from server\n")) //nolint:errcheck
	}()

	d := &TCPDialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "hello from server\n" {
		t.Errorf("got %q, want %q", got, "hello from server\n")
	}
}

func TestTCPDialer_ContextCancel(t *testing.T) {
	d := &TCPDialer{Timeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	var ne *ncerr.NetworkError
	if !errors.As(err, &ne) || ne.Op != "dial" {
		t.Errorf("err = %v, want NetworkError{Op: dial}", err)
	}
}

func TestTCPDialer_Close(t *testing.T) {
	d := &TCPDialer{}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// ── retry ────────────────────────────────────────────────────────────

type flakyDialer struct {
	fails int
	calls int
}

func (d *flakyDialer) Dial(_ context.Context, _, address string) (net.Conn, error) {
	d.calls++
	if d.calls <= d.fails {
		return nil, ncerr.Wrap("dial", address, syscall.ECONNREFUSED)
	}
	c, _ := net.Pipe()
	return c, nil
}

func (d *flakyDialer) Close() error { return nil }

func fastBackoff(attempts int) *retry.Backoff {
	return &retry.Backoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestRetryDialer_RecoversAndCounts(t *testing.T) {
	inner := &flakyDialer{fails: 2}
	m := metrics.New()
	d := &RetryDialer{Dialer: inner, Backoff: fastBackoff(5), Metrics: m, Logger: util.NewLogger(0)}

	conn, err := d.Dial(context.Background(), "tcp", "peer:443")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()

	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
	if m.DialRetries() != 2 {
		t.Errorf("DialRetries = %d, want 2", m.DialRetries())
	}
}

func TestRetryDialer_GivesUp(t *testing.T) {
	inner := &flakyDialer{fails: 100}
	d := &RetryDialer{Dialer: inner, Backoff: fastBackoff(3), Logger: util.NewLogger(0)}

	_, err := d.Dial(context.Background(), "tcp", "peer:443")
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("err = %v, want ECONNREFUSED", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryDialer_OpenCircuitStopsRetrying(t *testing.T) {
	inner := &flakyDialer{fails: 100}
	breaker := retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	d := &RetryDialer{Dialer: inner, Backoff: fastBackoff(10), Breaker: breaker, Logger: util.NewLogger(0)}

	_, err := d.Dial(context.Background(), "tcp", "peer:443")
	if !errors.Is(err, ncerr.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2 (breaker should short-circuit the rest)", inner.calls)
	}
	if breaker.CurrentState() != retry.StateOpen {
		t.Errorf("breaker state = %s", breaker.CurrentState())
	}
}

// ── gnet ─────────────────────────────────────────────────────────────

func startEventLoop(t *testing.T, limit int, accept func(*GnetEndpoint)) string {
	t.Helper()

	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	l := &EventLoop{Addr: addr, Limit: limit, Logger: util.NewLogger(0), Accept: accept}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("event loop did not stop")
		}
	})

	select {
	case <-l.Booted():
	case err := <-errCh:
		t.Fatalf("Run: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not boot")
	}
	return addr
}

func echoEndpoint(ep *GnetEndpoint) {
	conn := endpoint.NewConn(ep)
	defer conn.Close()
	io.Copy(conn, conn) //nolint:errcheck
}

func TestEventLoop_Echo(t *testing.T) {
	addr := startEventLoop(t, 0, echoEndpoint)

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q, want ping", buf)
	}
}

// A limit far below the payload forces the endpoint to leave bytes in
// gnet's buffer and wake the connection as the reader drains.
func TestEventLoop_Backpressure(t *testing.T) {
	addr := startEventLoop(t, 1024, echoEndpoint)

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

	payload := bytes.Repeat([]byte("0123456789abcdef"), 16*1024)
	go c.Write(payload) //nolint:errcheck

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("echoed payload differs")
	}
}

func TestEventLoop_PeerCloseEndsInput(t *testing.T) {
	accepted := make(chan *GnetEndpoint, 1)
	addr := startEventLoop(t, 0, func(ep *GnetEndpoint) { accepted <- ep })

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("bye")) //nolint:errcheck
	c.Close()

	var ep *GnetEndpoint
	select {
	case ep = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}

	conn := endpoint.NewConn(ep)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("got %q, want bye", got)
	}
	if !ep.IsInputShutdown() {
		t.Error("input not shut down after peer close")
	}
}
