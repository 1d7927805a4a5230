package buffer

// Span references a region of a Buffer by offset. It resolves only while the
// buffer has not been cleared or front-truncated since the span was taken and
// the region is still inside the valid content. The zero Span never resolves.
type Span struct {
	buf *Buffer
	gen uint64
	off int
	n   int
}

// Mark returns a Span over n bytes starting at off. An out-of-range request
// yields the zero Span.
func (b *Buffer) Mark(off, n int) Span {
	if b == nil || off < 0 || n < 0 || off+n > b.Len() {
		return Span{}
	}
	return Span{buf: b, gen: b.gen, off: off, n: n}
}

// MarkTail returns a Span over the last n bytes.
func (b *Buffer) MarkTail(n int) Span {
	return b.Mark(b.Len()-n, n)
}

// IsZero reports whether the span references nothing.
func (s Span) IsZero() bool {
	return s.buf == nil
}

// Len returns the length of the referenced region.
func (s Span) Len() int {
	return s.n
}

// Valid reports whether the span still resolves.
func (s Span) Valid() bool {
	return s.buf != nil && s.buf.gen == s.gen && s.off+s.n <= s.buf.Len()
}

// Bytes returns the referenced region, aliasing the buffer storage.
func (s Span) Bytes() ([]byte, bool) {
	if !s.Valid() {
		return nil, false
	}
	return s.buf.Bytes()[s.off : s.off+s.n], true
}

// Extend grows the span by n bytes. It is used when a header value arrives
// in several fragments that land contiguously in the buffer.
func (s Span) Extend(n int) Span {
	if !s.Valid() || s.off+s.n+n > s.buf.Len() {
		return Span{}
	}
	s.n += n
	return s
}
