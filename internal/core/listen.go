package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tlsnc/config"
	"tlsnc/endpoint"
	"tlsnc/internal/capability"
	"tlsnc/internal/certs"
	"tlsnc/internal/transport"
	"tlsnc/tlsengine"
)

// ListenMode accepts inbound connections and runs a TLS server and a
// capability on each one.  With KeepOpen it serves connections
// concurrently until ctx is cancelled; otherwise it serves the first
// one and returns.
type ListenMode struct {
	Address    string // host:port
	KeepOpen   bool
	Timeout    time.Duration // per session, 0 = none
	EventLoop  bool          // accept on gnet instead of net.Listen
	Multicore  bool
	TLS        *tls.Config
	Capability capability.Capability
	Stack      *Stack

	// Certs, when set, is watched for changes while listening.
	Certs *certs.Reloader

	// GracePeriod bounds how long live sessions may run on after ctx
	// is cancelled.  0 selects config.DefaultGracePeriod.
	GracePeriod time.Duration

	ready chan net.Addr
	once  sync.Once
}

// Ready delivers the bound address once the listener is up.
func (m *ListenMode) Ready() <-chan net.Addr {
	m.once.Do(func() { m.ready = make(chan net.Addr, 1) })
	return m.ready
}

func (m *ListenMode) announce(a net.Addr) {
	m.Ready()
	m.ready <- a
}

// Run listens until ctx is cancelled or, without KeepOpen, the first
// session ends.
func (m *ListenMode) Run(ctx context.Context) error {
	if m.Certs != nil {
		if err := m.Certs.Watch(ctx); err != nil {
			return fmt.Errorf("watch certificates: %w", err)
		}
	}
	if m.EventLoop {
		return m.runEventLoop(ctx)
	}
	return m.runTCP(ctx)
}

// ── net.Listen ───────────────────────────────────────────────────────

func (m *ListenMode) runTCP(ctx context.Context) error {
	log := m.Stack.Logger

	ln, err := net.Listen("tcp", m.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.Address, err)
	}
	defer ln.Close()

	log.Verbose("listening on %s (tcp)", ln.Addr())
	m.announce(ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var live sessions
	defer live.drain(m.grace(), log.Warn)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		log.Verbose("connection from %s", conn.RemoteAddr())

		sock := endpoint.NewSocket(conn, m.Stack.Executor, 0)
		if !m.KeepOpen {
			return m.handle(ctx, sock)
		}
		if !live.add() {
			sock.Close()
			return nil
		}
		go func() {
			defer live.done()
			if err := m.handle(ctx, sock); err != nil {
				log.Verbose("%s: %v", sock.RemoteAddr(), err)
			}
		}()
	}
}

// ── gnet ─────────────────────────────────────────────────────────────

func (m *ListenMode) runEventLoop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := m.Stack.Logger

	var (
		live    sessions
		taken   atomic.Bool
		firstMu sync.Mutex
		first   error
	)

	l := &transport.EventLoop{
		Addr:      m.Address,
		Multicore: m.Multicore,
		Executor:  m.Stack.Executor,
		Logger:    log,
		Accept: func(ep *transport.GnetEndpoint) {
			if !m.KeepOpen && !taken.CompareAndSwap(false, true) {
				ep.Close()
				return
			}
			if !live.add() {
				ep.Close()
				return
			}
			defer live.done()

			err := m.handle(ctx, ep)
			if m.KeepOpen {
				if err != nil {
					log.Verbose("%s: %v", ep.RemoteAddr(), err)
				}
				return
			}
			firstMu.Lock()
			first = err
			firstMu.Unlock()
			cancel()
		},
	}

	go func() {
		select {
		case <-l.Booted():
			if a, err := net.ResolveTCPAddr("tcp", m.Address); err == nil {
				m.announce(a)
			}
		case <-ctx.Done():
		}
	}()

	err := l.Run(ctx)
	live.drain(m.grace(), log.Warn)
	if err != nil {
		return err
	}
	firstMu.Lock()
	defer firstMu.Unlock()
	return first
}

// ── shared ───────────────────────────────────────────────────────────

func (m *ListenMode) handle(ctx context.Context, ep endpoint.Endpoint) error {
	f, err := m.Stack.filter(tlsengine.Server(m.TLS), ep)
	if err != nil {
		ep.Close()
		return err
	}
	if m.Timeout > 0 {
		t := time.AfterFunc(m.Timeout, func() {
			m.Stack.Logger.Verbose("%s timed out after %v", f.ID(), m.Timeout)
			f.Close()
		})
		defer t.Stop()
	}
	return m.Stack.serve(ctx, f, m.Capability)
}

func (m *ListenMode) grace() time.Duration {
	if m.GracePeriod > 0 {
		return m.GracePeriod
	}
	return config.DefaultGracePeriod
}

// sessions counts live sessions.  Once drain has started no new ones
// are admitted.
type sessions struct {
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func (s *sessions) add() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *sessions) done() { s.wg.Done() }

func (s *sessions) drain(grace time.Duration, warn func(string, ...interface{})) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(grace):
		warn("sessions still running after %v; exiting anyway", grace)
	}
}
