package endpoint

import (
	"sync"

	ncerr "tlsnc/internal/errors"
)

// ReadInterest holds at most one pending read registration.
//
// Register consults a needsFill probe owned by the endpoint: true means
// a Fill would make progress now, so the callback fires right away;
// false means the probe has re-armed whatever event will later call
// Readable or Failed.
type ReadInterest struct {
	exec      Executor
	needsFill func() (bool, error)

	mu sync.Mutex
	cb Callback
}

// NewReadInterest creates an idle registry.
func NewReadInterest(exec Executor, needsFill func() (bool, error)) *ReadInterest {
	if exec == nil {
		exec = GoExecutor{}
	}
	return &ReadInterest{exec: exec, needsFill: needsFill}
}

// Register arms cb.  A second registration while one is pending
// returns ErrReadPending.
func (r *ReadInterest) Register(cb Callback) error {
	r.mu.Lock()
	if r.cb != nil {
		r.mu.Unlock()
		return ncerr.ErrReadPending
	}
	r.cb = cb
	r.mu.Unlock()

	ready, err := r.needsFill()
	switch {
	case err != nil:
		r.Failed(err)
	case ready:
		r.Readable()
	}
	return nil
}

// IsInterested reports whether a registration is pending.
func (r *ReadInterest) IsInterested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cb != nil
}

// Readable completes the pending registration, if any.
func (r *ReadInterest) Readable() bool {
	cb := r.take()
	if cb == nil {
		return false
	}
	r.exec.Execute(cb.Succeeded)
	return true
}

// Failed fails the pending registration, if any.
func (r *ReadInterest) Failed(err error) bool {
	cb := r.take()
	if cb == nil {
		return false
	}
	r.exec.Execute(func() { cb.Failed(err) })
	return true
}

func (r *ReadInterest) take() Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.cb
	r.cb = nil
	return cb
}
