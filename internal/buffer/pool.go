package buffer

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Allocator hands out buffers and takes them back at teardown.
type Allocator interface {
	Acquire() (*Buffer, error)
	Release(*Buffer)
}

// Pool is the default Allocator. Released storage is recycled through a
// bytebufferpool.Pool so a new connection reuses the capacity a closed one
// already grew to.
type Pool struct {
	pool bytebufferpool.Pool
	s    settings

	outstanding atomic.Int64
}

// NewPool creates a Pool whose buffers honor opts.
func NewPool(opts ...Option) *Pool {
	return &Pool{s: resolve(opts)}
}

// Acquire returns an empty buffer with at least the configured initial capacity.
func (p *Pool) Acquire() (*Buffer, error) {
	bb := p.pool.Get()
	if cap(bb.B) < p.s.initial || (p.s.max > 0 && cap(bb.B) > p.s.max) {
		bb.B = make([]byte, 0, p.s.initial)
	}
	bb.B = bb.B[:0]

	p.outstanding.Add(1)
	return &Buffer{bb: bb, max: p.s.max}, nil
}

// Release returns b's storage to the pool. b must not be used afterwards.
// Releasing nil or an already released buffer does nothing.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.bb == nil {
		return
	}
	p.pool.Put(b.bb)
	b.bb = nil
	b.gen++
	p.outstanding.Add(-1)
}

// Outstanding returns the number of acquired buffers not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
