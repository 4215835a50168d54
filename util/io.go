package util

import (
	"context"
	"errors"
	"io"
	"net"
)

// DefaultBufSize is the standard buffer size for relay I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// closeWriter is implemented by connections that support half-close:
// *net.TCPConn, SSH channels and the plaintext endpoint adapter.
type closeWriter interface {
	CloseWrite() error
}

// BidirectionalCopy relays between conn and a reader/writer pair
// (typically stdin/stdout).  End of r half-closes conn and the relay
// keeps draining conn; it returns when conn reaches EOF, either copy
// fails or ctx is cancelled.  Copy buffers come from pool, which may be
// nil.
//
// conn is closed on return.  The r → conn goroutine may stay parked in
// r.Read after that; its result is dropped, and until r first yields
// data it holds no pooled buffer.
func BidirectionalCopy(ctx context.Context, conn net.Conn, r io.Reader, w io.Writer, pool *BufferPool) error {
	down := make(chan error, 1)
	up := make(chan error, 1)

	go func() {
		_, err := copyPooled(pool, w, conn)
		down <- err
	}()
	go func() {
		_, err := copyPooled(pool, conn, r)
		if cw, ok := conn.(closeWriter); ok {
			cw.CloseWrite() //nolint:errcheck
		}
		up <- err
	}()

	var result error
	drained := false
	for waiting := true; waiting; {
		select {
		case err := <-down:
			result, waiting, drained = err, false, true
		case err := <-up:
			up = nil
			if !isHarmless(err) {
				result, waiting = err, false
			}
		case <-ctx.Done():
			waiting = false
		}
	}

	conn.Close()
	if !drained {
		<-down // w is not touched after return
	}
	if isHarmless(result) {
		return nil
	}
	return result
}

// firstReadSize bounds the unpooled buffer of a copy's first read.
const firstReadSize = 512

// copyPooled copies src to dst through a pooled buffer.  The buffer is
// taken only once src has produced something, so a reader that never
// returns (an idle terminal) holds none.
func copyPooled(pool *BufferPool, dst io.Writer, src io.Reader) (int64, error) {
	if pool == nil {
		return io.Copy(dst, src)
	}

	var first [firstReadSize]byte
	n, err := src.Read(first[:])
	var written int64
	if n > 0 {
		m, werr := dst.Write(first[:n])
		written = int64(m)
		if werr != nil {
			return written, werr
		}
		if m < n {
			return written, io.ErrShortWrite
		}
	}
	if err == io.EOF {
		return written, nil
	}
	if err != nil {
		return written, err
	}

	b := pool.Acquire(DefaultBufSize)
	defer pool.Release(b)
	rest, err := io.CopyBuffer(onlyWriter{dst}, onlyReader{src}, b.Free())
	return written + rest, err
}

// onlyWriter and onlyReader hide ReaderFrom/WriterTo so CopyBuffer
// actually uses the pooled buffer.
type onlyWriter struct{ io.Writer }

type onlyReader struct{ io.Reader }

// isHarmless reports errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
