package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"tlsnc/internal/capability"
	"tlsnc/internal/certs"
	"tlsnc/util"
)

func serverConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	cert, pool, err := certs.SelfSigned("localhost", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}},
		&tls.Config{RootCAs: pool, ServerName: "localhost"}
}

// startListen runs m in the background and returns the bound address
// and the channel Run's result arrives on.
func startListen(t *testing.T, ctx context.Context, m *ListenMode) (string, <-chan error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case a := <-m.Ready():
		_, port, _ := net.SplitHostPort(a.String())
		return net.JoinHostPort("127.0.0.1", port), errCh
	case err := <-errCh:
		t.Fatalf("Run: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not come up")
	}
	return "", nil
}

func waitRun(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// TestListenMode_TCP verifies a single-session listener: stdin reaches
// the client, the client's reply reaches stdout, and Run returns when
// the client closes.
func TestListenMode_TCP(t *testing.T) {
	srv, cli := serverConfig(t)
	stack := testStack(t)
	output := &syncBuffer{}
	stack.Stdin = strings.NewReader("greeting\n")
	stack.Stdout = output

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := &ListenMode{
		Address:    "127.0.0.1:0",
		TLS:        srv,
		Capability: &capability.Relay{},
		Stack:      stack,
	}
	addr, errCh := startListen(t, ctx, m)

	conn, err := tls.Dial("tcp", addr, cli)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	// stdin EOF on the server half-closes with close_notify
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "greeting\n" {
		t.Errorf("client got %q", got)
	}
	conn.Write([]byte("bye\n")) //nolint:errcheck
	conn.Close()

	waitRun(t, errCh)
	if got := output.String(); got != "bye\n" {
		t.Errorf("output = %q, want %q", got, "bye\n")
	}
	if st := stack.Pool.Stats(); st.Outstanding != 0 {
		t.Errorf("outstanding buffers = %d", st.Outstanding)
	}
}

// TestListenMode_KeepOpen verifies concurrent sessions and shutdown on
// cancellation.
func TestListenMode_KeepOpen(t *testing.T) {
	srv, cli := serverConfig(t)
	stack := testStack(t)
	output := &syncBuffer{}
	stack.Stdin = idleReader(t)
	stack.Stdout = output

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &ListenMode{
		Address:     "127.0.0.1:0",
		KeepOpen:    true,
		TLS:         srv,
		Capability:  &capability.Relay{},
		Stack:       stack,
		GracePeriod: time.Second,
	}
	addr, errCh := startListen(t, ctx, m)

	for _, msg := range []string{"one\n", "two\n"} {
		conn, err := tls.Dial("tcp", addr, cli)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conn.Write([]byte(msg)) //nolint:errcheck
		conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		out := output.String()
		if strings.Contains(out, "one\n") && strings.Contains(out, "two\n") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want both messages", out)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	waitRun(t, errCh)
}

// TestListenMode_Timeout verifies an idle session is closed once the
// timeout elapses.
func TestListenMode_Timeout(t *testing.T) {
	srv, cli := serverConfig(t)
	stack := testStack(t)
	stack.Stdin = idleReader(t)
	stack.Stdout = io.Discard

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := &ListenMode{
		Address:    "127.0.0.1:0",
		Timeout:    200 * time.Millisecond,
		TLS:        srv,
		Capability: &capability.Relay{},
		Stack:      stack,
	}
	addr, errCh := startListen(t, ctx, m)

	conn, err := tls.Dial("tcp", addr, cli)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitRun(t, errCh)
}

// TestListenMode_EventLoop runs the single-session case on gnet.
func TestListenMode_EventLoop(t *testing.T) {
	srv, cli := serverConfig(t)
	stack := testStack(t)
	output := &syncBuffer{}
	stack.Stdin = idleReader(t)
	stack.Stdout = output

	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := &ListenMode{
		Address:    fmt.Sprintf("127.0.0.1:%d", port),
		EventLoop:  true,
		TLS:        srv,
		Capability: &capability.Relay{},
		Stack:      stack,
	}
	addr, errCh := startListen(t, ctx, m)

	conn, err := tls.Dial("tcp", addr, cli)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("over gnet\n")) //nolint:errcheck
	conn.Close()

	waitRun(t, errCh)
	if got := output.String(); got != "over gnet\n" {
		t.Errorf("output = %q", got)
	}
}
