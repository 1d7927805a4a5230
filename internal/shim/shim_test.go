package shim

import (
	"io"
	"log/slog"
	"testing"

	"csrf-shim-go/internal/buffer"
)

var allFeatures = Features{SessionTracking: true, HeadersTracking: true, CSRFProtection: true}

// countingAllocator wraps a Pool, counts successful acquisitions and
// releases, and fails the failAt-th acquisition (1-based, 0 never).
type countingAllocator struct {
	pool     *buffer.Pool
	failAt   int
	calls    int
	acquired int
	released int
}

func newCountingAllocator(failAt int) *countingAllocator {
	return &countingAllocator{pool: buffer.NewPool(), failAt: failAt}
}

func (a *countingAllocator) Acquire() (*buffer.Buffer, error) {
	a.calls++
	if a.calls == a.failAt {
		return nil, buffer.ErrAllocation
	}
	b, err := a.pool.Acquire()
	if err == nil {
		a.acquired++
	}
	return b, err
}

func (a *countingAllocator) Release(b *buffer.Buffer) {
	if b == nil {
		return
	}
	a.released++
	a.pool.Release(b)
}

func (a *countingAllocator) outstanding() int {
	return a.acquired - a.released
}

// recordingCloser records every descriptor it is asked to close.
type recordingCloser struct {
	closed map[int]int
	fail   map[int]error
}

func newRecordingCloser() *recordingCloser {
	return &recordingCloser{closed: map[int]int{}, fail: map[int]error{}}
}

func (r *recordingCloser) Close(fd int) error {
	r.closed[fd]++
	return r.fail[fd]
}

func testOptions(alloc buffer.Allocator, closer *recordingCloser, f Features) Options {
	return Options{
		Features:  f,
		Allocator: alloc,
		Closer:    closer.Close,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// messageState captures everything Reset must restore.
type messageState struct {
	Cancelled, MsgBegun, HeadersComplete, MsgComplete bool
	JustVisitedHeaderField, WouldBlock, InjectionSent bool
	ContentLengthSpecified, FoundCSRFToken            bool
	ContentLenValue, HeaderFieldLoc, HeaderValueLoc   bool // span is zero
	State                                             MessageState
}

func stateOf(s *Stream) messageState {
	return messageState{
		Cancelled:              s.Cancelled,
		MsgBegun:               s.MsgBegun,
		HeadersComplete:        s.HeadersComplete,
		MsgComplete:            s.MsgComplete,
		JustVisitedHeaderField: s.JustVisitedHeaderField,
		WouldBlock:             s.WouldBlock,
		InjectionSent:          s.InjectionSent,
		ContentLengthSpecified: s.ContentLengthSpecified,
		FoundCSRFToken:         s.FoundCSRFToken,
		ContentLenValue:        s.ContentLenValue.IsZero(),
		HeaderFieldLoc:         s.HeaderFieldLoc.IsZero(),
		HeaderValueLoc:         s.HeaderValueLoc.IsZero(),
		State:                  s.State(),
	}
}

// feed drives a stream the way a parser would for a small request or response.
func feed(t *testing.T, s *Stream, url string, headers [][2]string, body string) {
	t.Helper()
	if err := s.OnMessageBegin(); err != nil {
		t.Fatalf("OnMessageBegin() error = %v", err)
	}
	if url != "" {
		if err := s.OnURL([]byte(url)); err != nil {
			t.Fatalf("OnURL() error = %v", err)
		}
	}
	for _, h := range headers {
		if err := s.OnHeaderField([]byte(h[0])); err != nil {
			t.Fatalf("OnHeaderField(%q) error = %v", h[0], err)
		}
		if err := s.OnHeaderValue([]byte(h[1])); err != nil {
			t.Fatalf("OnHeaderValue(%q) error = %v", h[1], err)
		}
	}
	if err := s.OnHeadersComplete(); err != nil {
		t.Fatalf("OnHeadersComplete() error = %v", err)
	}
	if body != "" {
		if err := s.OnBody([]byte(body)); err != nil {
			t.Fatalf("OnBody() error = %v", err)
		}
	}
	if err := s.OnMessageComplete(); err != nil {
		t.Fatalf("OnMessageComplete() error = %v", err)
	}
}

func mustConn(t *testing.T, in, out int, opts Options) *Connection {
	t.Helper()
	c, err := New(in, out, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}
