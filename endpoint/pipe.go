package endpoint

import (
	"io"
	"net"
	"sync"

	ncerr "tlsnc/internal/errors"
)

// pipeDir is one direction of a pipe: bytes written by one side and
// not yet filled by the other.
type pipeDir struct {
	data    []byte
	eof     bool
	readCb  Callback // reader's fill interest
	writeCb Callback // writer's pending write
	pending []byte   // bytes of the pending write not yet accepted
}

type pipeCore struct {
	mu       sync.Mutex
	exec     Executor
	capacity int
	dirs     [2]pipeDir
	closed   [2]bool
	outShut  [2]bool
}

// Pipe is one end of an in-memory endpoint pair.  With a capacity, at
// most that many bytes sit unread in each direction, so Flush can take
// fewer bytes than offered and Write can stay pending.
type Pipe struct {
	core *pipeCore
	side int
}

// NewPipe returns two connected ends.  capacity <= 0 means unbounded.
func NewPipe(exec Executor, capacity int) (*Pipe, *Pipe) {
	if exec == nil {
		exec = GoExecutor{}
	}
	core := &pipeCore{exec: exec, capacity: capacity}
	return &Pipe{core: core, side: 0}, &Pipe{core: core, side: 1}
}

// in is the direction this side fills from; out is the one it flushes to.
func (p *Pipe) in() *pipeDir  { return &p.core.dirs[p.side] }
func (p *Pipe) out() *pipeDir { return &p.core.dirs[1-p.side] }

func (p *Pipe) Fill(b []byte) (int, error) {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed[p.side] {
		return 0, ncerr.ErrClosed
	}
	d := p.in()
	if len(d.data) == 0 {
		if d.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(b, d.data)
	d.data = d.data[n:]
	if n > 0 {
		c.accept(d)
	}
	return n, nil
}

func (p *Pipe) Flush(bufs ...[]byte) (int, error) {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := p.writable(); err != nil {
		return 0, err
	}
	return c.push(p.out(), bufs), nil
}

func (p *Pipe) FillInterested(cb Callback) error {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed[p.side] {
		c.exec.Execute(func() { cb.Failed(ncerr.ErrClosed) })
		return nil
	}
	d := p.in()
	if d.readCb != nil {
		return ncerr.ErrReadPending
	}
	if len(d.data) > 0 || d.eof {
		c.exec.Execute(cb.Succeeded)
		return nil
	}
	d.readCb = cb
	return nil
}

func (p *Pipe) Write(cb Callback, bufs ...[]byte) error {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()

	d := p.out()
	if d.writeCb != nil {
		return ncerr.ErrWritePending
	}
	if err := p.writable(); err != nil {
		c.exec.Execute(func() { cb.Failed(err) })
		return nil
	}
	total := remaining(bufs)
	n := c.push(d, bufs)
	if n == total {
		c.exec.Execute(cb.Succeeded)
		return nil
	}
	rest := make([]byte, total-n)
	gather(rest, advance(bufs, n))
	d.pending = rest
	d.writeCb = cb
	return nil
}

func (p *Pipe) ShutdownOutput() error {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outShut[p.side] || c.closed[p.side] {
		return nil
	}
	c.outShut[p.side] = true
	d := p.out()
	if d.writeCb == nil {
		c.eof(d)
	}
	return nil
}

func (p *Pipe) Close() error {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed[p.side] {
		return nil
	}
	c.closed[p.side] = true

	in, out := p.in(), p.out()
	in.data = nil
	if cb := in.readCb; cb != nil {
		in.readCb = nil
		c.exec.Execute(func() { cb.Failed(ncerr.ErrClosed) })
	}
	if cb := in.writeCb; cb != nil {
		in.writeCb, in.pending = nil, nil
		c.exec.Execute(func() { cb.Failed(io.ErrClosedPipe) })
	}
	if cb := out.writeCb; cb != nil {
		out.writeCb, out.pending = nil, nil
		c.exec.Execute(func() { cb.Failed(ncerr.ErrClosed) })
	}
	c.eof(out)
	return nil
}

func (p *Pipe) IsOpen() bool {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	return !p.core.closed[p.side]
}

func (p *Pipe) IsInputShutdown() bool {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	return p.core.closed[p.side] || p.in().eof
}

func (p *Pipe) IsOutputShutdown() bool {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	return p.core.closed[p.side] || p.core.outShut[p.side]
}

func (p *Pipe) LocalAddr() net.Addr  { return pipeAddr(p.side) }
func (p *Pipe) RemoteAddr() net.Addr { return pipeAddr(1 - p.side) }

// Buffered returns the number of bytes waiting to be filled on this
// side.
func (p *Pipe) Buffered() int {
	p.core.mu.Lock()
	defer p.core.mu.Unlock()
	return len(p.in().data)
}

func pipeAddr(side int) net.Addr {
	if side == 0 {
		return addr("pipe-a")
	}
	return addr("pipe-b")
}

// writable reports why this side cannot write, if it cannot.
func (p *Pipe) writable() error {
	c := p.core
	switch {
	case c.closed[p.side]:
		return ncerr.ErrClosed
	case c.outShut[p.side]:
		return ncerr.Wrap("write", "pipe", io.ErrClosedPipe)
	case c.closed[1-p.side]:
		return io.ErrClosedPipe
	}
	return nil
}

// room returns how many more bytes d accepts.
func (c *pipeCore) room(d *pipeDir) int {
	if c.capacity <= 0 {
		return int(^uint(0) >> 1)
	}
	return c.capacity - len(d.data)
}

// push appends as much of bufs as fits and wakes the reader.
func (c *pipeCore) push(d *pipeDir, bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		take := c.room(d)
		if take <= 0 {
			break
		}
		if take > len(b) {
			take = len(b)
		}
		d.data = append(d.data, b[:take]...)
		n += take
	}
	if n > 0 {
		c.wakeReader(d)
	}
	return n
}

// accept moves bytes of a pending write into freed space.
func (c *pipeCore) accept(d *pipeDir) {
	if d.writeCb == nil {
		return
	}
	n := c.push(d, [][]byte{d.pending})
	d.pending = d.pending[n:]
	if len(d.pending) > 0 {
		return
	}
	cb := d.writeCb
	d.writeCb, d.pending = nil, nil
	c.exec.Execute(cb.Succeeded)
	if c.outShut[0] && d == &c.dirs[1] || c.outShut[1] && d == &c.dirs[0] {
		c.eof(d)
	}
}

func (c *pipeCore) eof(d *pipeDir) {
	d.eof = true
	c.wakeReader(d)
}

func (c *pipeCore) wakeReader(d *pipeDir) {
	if cb := d.readCb; cb != nil {
		d.readCb = nil
		c.exec.Execute(cb.Succeeded)
	}
}
