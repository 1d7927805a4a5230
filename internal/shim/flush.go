package shim

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"csrf-shim-go/internal/buffer"
)

// Flush writes the pending content of b to the stream's send descriptor.
// Every written prefix is dropped from b, so after ErrWouldBlock the next
// Flush resumes exactly where this one stopped. The bytes written by this
// call are returned in every case.
//
// A cancelled stream never forwards its body: flushing Body discards it.
func (s *Stream) Flush(b *buffer.Buffer) (int, error) {
	if s.Cancelled && b == s.Body {
		b.Clear()
		return 0, nil
	}

	total := 0
	for b.Len() > 0 {
		n, err := s.write(s.SendFD, b.Bytes())
		if n > 0 {
			b.TruncateFront(n)
			total += n
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
				s.WouldBlock = true
				return total, ErrWouldBlock
			}
			return total, fmt.Errorf("write fd %d: %w", s.SendFD, err)
		}
		if n <= 0 {
			return total, fmt.Errorf("write fd %d: %w", s.SendFD, io.ErrShortWrite)
		}
	}

	s.WouldBlock = false
	return total, nil
}

// Inject queues proxy-generated content into b once per message. Retrying
// a blocked write therefore never emits the snippet twice.
func (s *Stream) Inject(b *buffer.Buffer, snippet []byte) error {
	if s.InjectionSent {
		return nil
	}
	if err := b.Append(snippet); err != nil {
		return fmt.Errorf("inject: %w", err)
	}
	s.InjectionSent = true
	return nil
}
