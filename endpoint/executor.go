package endpoint

import (
	"github.com/panjf2000/gnet/v2/pkg/pool/goroutine"
)

// Executor runs callbacks off the caller's stack.
type Executor interface {
	Execute(task func())
}

// GoExecutor runs every task on a fresh goroutine.
type GoExecutor struct{}

func (GoExecutor) Execute(task func()) { go task() }

// PoolExecutor runs tasks on a bounded goroutine pool, the same one gnet
// uses to keep blocking work off its event loops.
type PoolExecutor struct {
	pool *goroutine.Pool
}

// NewPoolExecutor creates a pool with gnet's default settings.
func NewPoolExecutor() *PoolExecutor {
	return &PoolExecutor{pool: goroutine.Default()}
}

// Execute submits task.  When the pool refuses it (overloaded or
// released) the task still runs, on its own goroutine.
func (e *PoolExecutor) Execute(task func()) {
	if err := e.pool.Submit(task); err != nil {
		go task()
	}
}

// Running returns the number of busy pool workers.
func (e *PoolExecutor) Running() int { return e.pool.Running() }

// Release stops the pool's workers.
func (e *PoolExecutor) Release() { e.pool.Release() }
