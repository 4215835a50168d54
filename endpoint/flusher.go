package endpoint

import (
	"sync"

	ncerr "tlsnc/internal/errors"
)

// WriteFlusher holds at most one pending asynchronous write and drives
// it with a non-blocking flush function.
//
// Each attempt calls flush with the bytes still owed.  When everything
// is taken the callback succeeds; when flush fails it fails; otherwise
// the write stays pending and onIncomplete is told, so the endpoint can
// arrange a later CompleteWrite.
type WriteFlusher struct {
	exec         Executor
	flush        func(bufs ...[]byte) (int, error)
	onIncomplete func()

	mu       sync.Mutex
	cb       Callback
	bufs     [][]byte
	gen      uint64
	flushing bool
	retry    bool
}

// NewWriteFlusher creates an idle flusher.  onIncomplete may be nil.
func NewWriteFlusher(exec Executor, flush func(bufs ...[]byte) (int, error), onIncomplete func()) *WriteFlusher {
	if exec == nil {
		exec = GoExecutor{}
	}
	return &WriteFlusher{exec: exec, flush: flush, onIncomplete: onIncomplete}
}

// Write registers cb and makes a first attempt on the caller's
// goroutine.  A second write while one is pending returns
// ErrWritePending.
func (w *WriteFlusher) Write(cb Callback, bufs ...[]byte) error {
	w.mu.Lock()
	if w.cb != nil {
		w.mu.Unlock()
		return ncerr.ErrWritePending
	}
	w.cb = cb
	w.bufs = bufs
	w.gen++
	w.mu.Unlock()

	w.attempt()
	return nil
}

// IsWritePending reports whether a write is registered.
func (w *WriteFlusher) IsWritePending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cb != nil
}

// CompleteWrite schedules another attempt at the pending write.
func (w *WriteFlusher) CompleteWrite() {
	if w.IsWritePending() {
		w.exec.Execute(w.attempt)
	}
}

// Failed fails the pending write, if any.
func (w *WriteFlusher) Failed(err error) bool {
	cb := w.take()
	if cb == nil {
		return false
	}
	w.exec.Execute(func() { cb.Failed(err) })
	return true
}

func (w *WriteFlusher) attempt() {
	w.mu.Lock()
	if w.cb == nil {
		w.mu.Unlock()
		return
	}
	if w.flushing {
		// the running attempt goes around once more
		w.retry = true
		w.mu.Unlock()
		return
	}
	w.flushing = true

	for {
		bufs, gen := w.bufs, w.gen
		w.mu.Unlock()
		n, err := w.flush(bufs...)
		w.mu.Lock()

		if w.gen != gen {
			// failed meanwhile, and possibly replaced by a new write
			if w.cb != nil {
				continue
			}
			w.flushing, w.retry = false, false
			w.mu.Unlock()
			return
		}
		if err != nil {
			cb := w.cb
			w.cb, w.bufs = nil, nil
			w.flushing, w.retry = false, false
			w.mu.Unlock()
			w.exec.Execute(func() { cb.Failed(err) })
			return
		}
		w.bufs = advance(w.bufs, n)
		if remaining(w.bufs) == 0 {
			cb := w.cb
			w.cb, w.bufs = nil, nil
			w.flushing, w.retry = false, false
			w.mu.Unlock()
			w.exec.Execute(cb.Succeeded)
			return
		}
		if w.retry {
			w.retry = false
			continue
		}
		w.flushing = false
		w.mu.Unlock()
		if w.onIncomplete != nil {
			w.onIncomplete()
		}
		return
	}
}

func (w *WriteFlusher) take() Callback {
	w.mu.Lock()
	defer w.mu.Unlock()
	cb := w.cb
	w.cb, w.bufs = nil, nil
	w.gen++
	return cb
}
