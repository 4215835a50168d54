package core

import (
	"context"
	"io"
	"os"

	"tlsnc/endpoint"
	"tlsnc/internal/capability"
	"tlsnc/internal/metrics"
	"tlsnc/internal/session"
	"tlsnc/tlsengine"
	"tlsnc/tlsfilter"
	"tlsnc/util"
)

// Stack holds what every filtered connection of one run shares: the
// buffer pool, the callback executor, metrics and the logger.
type Stack struct {
	Pool     *util.BufferPool
	Executor endpoint.Executor
	Metrics  *metrics.Collector
	Logger   *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer

	workers *endpoint.PoolExecutor
}

// NewStack creates a stack whose callbacks run on a bounded worker pool.
// m may be nil.
func NewStack(logger *util.Logger, m *metrics.Collector) *Stack {
	workers := endpoint.NewPoolExecutor()
	return &Stack{
		Pool:     util.NewBufferPool(),
		Executor: workers,
		Metrics:  m,
		Logger:   logger,
		workers:  workers,
	}
}

// Close stops the worker pool.
func (s *Stack) Close() {
	if s.workers != nil {
		s.workers.Release()
	}
}

func (s *Stack) stdin() io.Reader {
	if s.Stdin != nil {
		return s.Stdin
	}
	return os.Stdin
}

func (s *Stack) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}
	return os.Stdout
}

// filter puts engine in front of ep and starts the handshake.
func (s *Stack) filter(engine tlsengine.Engine, ep endpoint.Endpoint) (*tlsfilter.Connection, error) {
	f := tlsfilter.New(engine, ep, tlsfilter.Options{
		Pool:     s.Pool,
		Executor: s.Executor,
		Logger:   s.Logger,
		Metrics:  s.Metrics,
	})
	if err := f.Open(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// serve runs c over the plaintext side of f and closes f when c is done.
// A fault that closed the filter takes precedence over c's result: the
// relay reports an aborted stream as plain end of input.
func (s *Stack) serve(ctx context.Context, f *tlsfilter.Connection, c capability.Capability) error {
	conn := endpoint.NewConn(f.Endpoint())
	defer conn.Close()

	sess := session.New(conn, s.stdin(), s.stdout(), s.Logger)
	sess.Filter = f
	sess.Pool = s.Pool
	sess.Metrics = s.Metrics

	go func() {
		if err := f.Handshake(ctx); err == nil {
			s.Logger.Verbose("%s handshake complete: %s", f.ID(), sess.Describe())
		}
	}()

	err := c.Handle(ctx, sess)
	if ferr := f.Err(); ferr != nil {
		return ferr
	}
	return err
}
