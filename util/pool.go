package util

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Default capacity classes.  A TLS application buffer (16 KiB) and a
// record buffer (~18 KiB) land in adjacent classes; an outbound buffer
// sized for two records fits the largest.
var defaultClasses = []int{4 * 1024, 16 * 1024, DefaultBufSize, 64 * 1024} //nolint:gochecknoglobals

// BufferPool hands out reusable [Buffer]s by capacity class, reducing
// GC pressure on hot paths like record wrap/unwrap and relay loops.
//
// A BufferPool is passed explicitly to its users; there is no package
// level instance.  All methods are safe for concurrent use.
type BufferPool struct {
	classes []int
	pools   []sync.Pool

	acquired atomic.Int64
	released atomic.Int64
}

// PoolStats is a point-in-time view of pool accounting.
type PoolStats struct {
	Acquired    int64
	Released    int64
	Outstanding int64
}

// NewBufferPool builds a pool with the given capacity classes.  With no
// arguments the default classes (4, 16, 32 and 64 KiB) are used.
func NewBufferPool(classes ...int) *BufferPool {
	if len(classes) == 0 {
		classes = defaultClasses
	}
	cs := append([]int(nil), classes...)
	sort.Ints(cs)

	p := &BufferPool{classes: cs, pools: make([]sync.Pool, len(cs))}
	for i, size := range cs {
		size := size
		p.pools[i].New = func() interface{} {
			return NewBuffer(make([]byte, size))
		}
	}
	return p
}

// Acquire returns an empty buffer with at least the requested capacity.
// Requests above the largest class are allocated exactly and are not
// retained on release.
func (p *BufferPool) Acquire(capacity int) *Buffer {
	p.acquired.Add(1)
	if i := p.class(capacity); i >= 0 {
		b := p.pools[i].Get().(*Buffer)
		b.Reset()
		return b
	}
	return NewBuffer(make([]byte, capacity))
}

// Release returns b to its class.  Nil is ignored.
func (p *BufferPool) Release(b *Buffer) {
	if b == nil {
		return
	}
	p.released.Add(1)
	b.Reset()
	for i, size := range p.classes {
		if b.Cap() == size {
			p.pools[i].Put(b)
			return
		}
	}
}

// Stats returns acquire/release counters.
func (p *BufferPool) Stats() PoolStats {
	a, r := p.acquired.Load(), p.released.Load()
	return PoolStats{Acquired: a, Released: r, Outstanding: a - r}
}

// class returns the index of the smallest class >= capacity, or -1.
func (p *BufferPool) class(capacity int) int {
	i := sort.SearchInts(p.classes, capacity)
	if i == len(p.classes) {
		return -1
	}
	return i
}
