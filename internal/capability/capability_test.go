package capability

import (
	"bytes"
	"context"
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"tlsnc/internal/session"
	"tlsnc/util"
)

func listen(t *testing.T, serve func(*net.TCPConn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn.(*net.TCPConn))
	}()
	return ln.Addr().String()
}

// TestRelay_BidirectionalCopy verifies Relay shuttles data via the
// session's I/O endpoints.
func TestRelay_BidirectionalCopy(t *testing.T) {
	addr := listen(t, func(c *net.TCPConn) { io.Copy(c, c) }) //nolint:errcheck

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	input := bytes.NewBufferString("hello relay\n")
	output := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess := session.New(conn, input, output, util.NewLogger(0))
	sess.Pool = util.NewBufferPool()

	if err := (&Relay{}).Handle(ctx, sess); err != nil {
		t.Fatalf("Relay.Handle: %v", err)
	}
	if got := output.String(); got != "hello relay\n" {
		t.Errorf("output = %q, want %q", got, "hello relay\n")
	}
	if sess.Describe() != "handshake pending" {
		t.Errorf("Describe() without a filter = %q", sess.Describe())
	}
}

// TestExec_Command runs a filter command over the connection: the
// child reads what the peer sent and its output goes back.
func TestExec_Command(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}

	got := make(chan []byte, 1)
	addr := listen(t, func(c *net.TCPConn) {
		c.Write([]byte("hello exec\n")) //nolint:errcheck
		c.CloseWrite()                  //nolint:errcheck
		b, _ := io.ReadAll(c)
		got <- b
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := session.New(conn, nil, nil, util.NewLogger(0))
	if err := (&Exec{Command: "tr a-z A-Z"}).Handle(ctx, sess); err != nil {
		t.Fatalf("Exec.Handle: %v", err)
	}

	select {
	case b := <-got:
		if string(b) != "HELLO EXEC\n" {
			t.Errorf("peer got %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer never saw end of output")
	}
}

func TestExec_NoCommand(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	sess := session.New(c1, nil, nil, util.NewLogger(0))
	if err := (&Exec{}).Handle(context.Background(), sess); err == nil {
		t.Fatal("expected error without a command")
	}
}
