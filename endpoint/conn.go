package endpoint

import (
	"net"
	"os"
	"sync"
	"time"
)

// Conn is a blocking net.Conn over an Endpoint.  Reads wait on fill
// interest and writes on the asynchronous write callback, so one
// goroutine per direction blocks instead of the endpoint.
type Conn struct {
	ep Endpoint

	readMu    sync.Mutex
	readWait  chan error // outstanding fill interest, reused after a timeout
	writeMu   sync.Mutex
	writeWait chan error

	dlMu          sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn adapts ep.
func NewConn(ep Endpoint) *Conn {
	return &Conn{ep: ep, done: make(chan struct{})}
}

// Endpoint returns the adapted endpoint.
func (c *Conn) Endpoint() Endpoint { return c.ep }

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		n, err := c.ep.Fill(p)
		if n > 0 || err != nil {
			return n, err
		}
		if len(p) == 0 {
			return 0, nil
		}
		if c.readWait == nil {
			ch := make(chan error, 1)
			if err := c.ep.FillInterested(resultCallback(ch)); err != nil {
				return 0, err
			}
			c.readWait = ch
		}
		if err := c.wait(c.readWait, c.deadline(false)); err != nil {
			if err != os.ErrDeadlineExceeded {
				c.readWait = nil
			}
			return 0, err
		}
		c.readWait = nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	dl := c.deadline(true)
	if c.writeWait != nil {
		// an earlier write timed out and is still in flight
		if err := c.wait(c.writeWait, dl); err != nil {
			if err != os.ErrDeadlineExceeded {
				c.writeWait = nil
			}
			return 0, err
		}
		c.writeWait = nil
	}

	ch := make(chan error, 1)
	if err := c.ep.Write(resultCallback(ch), p); err != nil {
		return 0, err
	}
	if err := c.wait(ch, dl); err != nil {
		if err == os.ErrDeadlineExceeded {
			c.writeWait = ch
		}
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) wait(ch chan error, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case err := <-ch:
		return err
	case <-timeout:
		return os.ErrDeadlineExceeded
	case <-c.done:
		return net.ErrClosed
	}
}

// CloseWrite shuts down the output side, so the peer reads EOF.
func (c *Conn) CloseWrite() error { return c.ep.ShutdownOutput() }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ep.Close()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return c.ep.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ep.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	c.dlMu.Lock()
	c.readDeadline, c.writeDeadline = t, t
	c.dlMu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.dlMu.Lock()
	c.readDeadline = t
	c.dlMu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.dlMu.Lock()
	c.writeDeadline = t
	c.dlMu.Unlock()
	return nil
}

func (c *Conn) deadline(write bool) time.Time {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	if write {
		return c.writeDeadline
	}
	return c.readDeadline
}

func resultCallback(ch chan<- error) Callback {
	return NewCallback(func() { ch <- nil }, func(err error) { ch <- err })
}
