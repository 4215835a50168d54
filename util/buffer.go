package util

// Buffer is a fixed-capacity byte region with separate read and write
// offsets.  Bytes between the offsets are pending: written by a producer
// and not yet drained by a consumer.
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// NewBuffer wraps a zero-length buffer around b's full capacity.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b[:cap(b)]}
}

// Len returns the number of pending bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.w - b.r
}

// HasRemaining reports whether the buffer holds pending bytes.  A nil
// buffer has none.
func (b *Buffer) HasRemaining() bool { return b.Len() > 0 }

// Cap returns the total capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Space returns how many bytes can be appended without compacting.
func (b *Buffer) Space() int { return len(b.buf) - b.w }

// Bytes returns the pending bytes.  The slice aliases the buffer and is
// only valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Free returns the writable tail.  Call Commit with the number of bytes
// written into it.
func (b *Buffer) Free() []byte { return b.buf[b.w:] }

// Commit marks n bytes of the Free slice as written.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.w+n > len(b.buf) {
		panic("util: Buffer.Commit out of range")
	}
	b.w += n
}

// Skip drains n pending bytes.  Offsets rewind to zero once the buffer
// is empty.
func (b *Buffer) Skip(n int) {
	if n < 0 || b.r+n > b.w {
		panic("util: Buffer.Skip out of range")
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Compact moves pending bytes to the front so Space is maximal.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// Reset discards all pending bytes.
func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Read drains pending bytes into p.  It returns 0, nil when empty so it
// can be used by non-blocking fill loops.
func (b *Buffer) Read(p []byte) (int, error) {
	n := copy(p, b.buf[b.r:b.w])
	b.Skip(n)
	return n, nil
}

// Append copies as much of p as fits, compacting first if needed, and
// returns the number of bytes taken.
func (b *Buffer) Append(p []byte) int {
	if len(p) > b.Space() {
		b.Compact()
	}
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n
}
