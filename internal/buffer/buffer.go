// Package buffer provides the growable byte container that accumulates
// parsed HTTP fragments for a proxied stream.
package buffer

import (
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// DefaultCapacity is the capacity a new Buffer starts with.
const DefaultCapacity = 2048

var (
	// ErrAllocation is returned when storage for a buffer cannot be provided.
	ErrAllocation = errors.New("buffer allocation failed")

	// ErrReleased is returned when appending to a buffer that was handed back
	// to its allocator.
	ErrReleased = errors.New("buffer already released")
)

// Option configures buffer capacity limits.
type Option func(*settings)

type settings struct {
	initial int
	max     int // 0 means unbounded
}

// WithInitialCapacity sets the capacity a fresh buffer starts with.
// Values <= 0 fall back to DefaultCapacity.
func WithInitialCapacity(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.initial = n
		}
	}
}

// WithMaxCapacity bounds how far a buffer may grow. Zero disables the bound.
func WithMaxCapacity(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.max = n
		}
	}
}

func resolve(opts []Option) settings {
	s := settings{initial: DefaultCapacity}
	for _, opt := range opts {
		opt(&s)
	}
	if s.max > 0 && s.initial > s.max {
		s.initial = s.max
	}
	return s
}

// Buffer is an append-only byte container. Content is only discarded by an
// explicit Clear or truncation; storage is never released while the buffer is
// in use, so capacity survives message boundaries on reused connections.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	bb  *bytebufferpool.ByteBuffer // len(bb.B) is the length, cap(bb.B) the capacity
	max int
	gen uint64
}

// New returns a standalone Buffer with DefaultCapacity unless overridden.
func New(opts ...Option) (*Buffer, error) {
	s := resolve(opts)
	b := &Buffer{bb: &bytebufferpool.ByteBuffer{}, max: s.max}
	b.bb.B = make([]byte, 0, s.initial)
	return b, nil
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int {
	if b == nil || b.bb == nil {
		return 0
	}
	return len(b.bb.B)
}

// Cap returns the allocated size.
func (b *Buffer) Cap() int {
	if b == nil || b.bb == nil {
		return 0
	}
	return cap(b.bb.B)
}

// Bytes returns the valid content. The slice aliases the buffer storage and
// is only valid until the next mutating call.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.bb == nil {
		return nil
	}
	return b.bb.B
}

// String returns a copy of the valid content.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Generation changes every time content is moved or discarded.
func (b *Buffer) Generation() uint64 {
	if b == nil {
		return 0
	}
	return b.gen
}

// Append copies p after the current content, doubling capacity as needed.
// On error the buffer is left exactly as it was.
func (b *Buffer) Append(p []byte) error {
	if b == nil || b.bb == nil {
		return ErrReleased
	}
	if len(p) == 0 {
		return nil
	}

	need := len(b.bb.B) + len(p)
	if need > cap(b.bb.B) {
		if err := b.grow(need); err != nil {
			return err
		}
	}
	b.bb.B = append(b.bb.B, p...)
	return nil
}

// AppendString is Append for string fragments.
func (b *Buffer) AppendString(s string) error {
	return b.Append([]byte(s))
}

func (b *Buffer) grow(need int) error {
	newCap := cap(b.bb.B)
	if newCap == 0 {
		newCap = DefaultCapacity
	}
	for newCap < need {
		if newCap > int(^uint(0)>>2) {
			return fmt.Errorf("%w: %d bytes requested", ErrAllocation, need)
		}
		newCap *= 2
	}
	if b.max > 0 && newCap > b.max {
		if need > b.max {
			return fmt.Errorf("%w: %d bytes requested, limit %d", ErrAllocation, need, b.max)
		}
		newCap = b.max
	}

	data := make([]byte, len(b.bb.B), newCap)
	copy(data, b.bb.B)
	b.bb.B = data
	return nil
}

// TruncateFront drops the first n bytes and shifts the rest to offset 0.
// n is clamped to Len.
func (b *Buffer) TruncateFront(n int) {
	if b == nil || b.bb == nil || n <= 0 {
		return
	}
	l := len(b.bb.B)
	if n > l {
		n = l
	}
	rest := copy(b.bb.B, b.bb.B[n:])
	b.bb.B = b.bb.B[:rest]
	b.gen++
}

// TruncateBack drops the last n bytes without moving data. n is clamped to Len.
func (b *Buffer) TruncateBack(n int) {
	if b == nil || b.bb == nil || n <= 0 {
		return
	}
	l := len(b.bb.B)
	if n > l {
		n = l
	}
	if n == 0 {
		return
	}
	b.bb.B = b.bb.B[:l-n]
	b.gen++
}

// Clear empties the buffer and keeps its capacity.
func (b *Buffer) Clear() {
	if b == nil || b.bb == nil {
		return
	}
	b.bb.B = b.bb.B[:0]
	b.gen++
}
