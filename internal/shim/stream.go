package shim

import (
	"fmt"

	"csrf-shim-go/internal/buffer"
)

// MessageState is the progress of the message a stream is parsing.
type MessageState int

const (
	NotBegun MessageState = iota
	HeadersInProgress
	HeadersComplete
	BodyStreaming
	MessageComplete
)

func (s MessageState) String() string {
	switch s {
	case NotBegun:
		return "not_begun"
	case HeadersInProgress:
		return "headers_in_progress"
	case HeadersComplete:
		return "headers_complete"
	case BodyStreaming:
		return "body_streaming"
	case MessageComplete:
		return "message_complete"
	}
	return "unknown"
}

// Stream is one direction of a proxied connection. Buffers and spans are
// exported for policy modules; their content is valid only until the next
// Reset.
type Stream struct {
	Role     Role
	ListenFD int // not owned; closed by the Connection
	SendFD   int // not owned; closed by the Connection
	Conn     *Connection
	Parser   Parser

	URL  *buffer.Buffer
	Body *buffer.Buffer

	// Set when Features.SessionTracking is on.
	Cookie          *buffer.Buffer
	HeadersCache    *buffer.Buffer
	ContentLenValue buffer.Span

	// Set when Features.HeadersTracking is on.
	HeaderField *buffer.Buffer
	HeaderValue *buffer.Buffer

	// Last completed header pair, inside HeadersCache when session tracking
	// is on and inside HeaderField/HeaderValue otherwise.
	HeaderFieldLoc buffer.Span
	HeaderValueLoc buffer.Span

	// Per-message flags, all false after Reset.
	Cancelled              bool
	MsgBegun               bool
	HeadersComplete        bool
	MsgComplete            bool
	JustVisitedHeaderField bool
	WouldBlock             bool
	InjectionSent          bool
	ContentLengthSpecified bool
	FoundCSRFToken         bool

	features Features
	alloc    buffer.Allocator
	write    Writer

	// header pair bookkeeping inside HeadersCache
	pairOpen   bool
	fieldStart int
	fieldEnd   int
	valueStart int
	bodySeen   bool
}

type bufferSlot struct {
	name string
	ptr  **buffer.Buffer
}

// newStream acquires every buffer the features call for. On failure all
// buffers acquired so far are released and no stream is returned.
func newStream(role Role, listenFD, sendFD int, msgType MessageType, conn *Connection, opts Options) (_ *Stream, err error) {
	s := &Stream{
		Role:     role,
		ListenFD: listenFD,
		SendFD:   sendFD,
		Conn:     conn,
		features: opts.Features,
		alloc:    opts.Allocator,
		write:    opts.Writer,
	}
	defer func() {
		if err != nil {
			s.destroy()
		}
	}()

	for _, slot := range s.slots() {
		b, err := s.alloc.Acquire()
		if err != nil {
			return nil, fmt.Errorf("acquire %s buffer: %w", slot.name, err)
		}
		*slot.ptr = b
	}

	s.Parser = Parser{Type: msgType, Data: s}
	return s, nil
}

// slots lists the buffers in acquisition order.
func (s *Stream) slots() []bufferSlot {
	slots := []bufferSlot{{"url", &s.URL}, {"body", &s.Body}}
	if s.features.SessionTracking {
		slots = append(slots, bufferSlot{"cookie", &s.Cookie}, bufferSlot{"headers cache", &s.HeadersCache})
	}
	if s.features.HeadersTracking {
		slots = append(slots, bufferSlot{"header field", &s.HeaderField}, bufferSlot{"header value", &s.HeaderValue})
	}
	return slots
}

// Features returns the feature set the stream was built with.
func (s *Stream) Features() Features {
	return s.features
}

// Reset returns the stream to its just-constructed state for the next
// message on a kept-alive connection. Buffers are cleared but keep their
// capacity; descriptors, role and parser type are untouched.
func (s *Stream) Reset() {
	if s == nil {
		return
	}

	for _, slot := range s.slots() {
		(*slot.ptr).Clear()
	}

	s.ContentLenValue = buffer.Span{}
	s.HeaderFieldLoc = buffer.Span{}
	s.HeaderValueLoc = buffer.Span{}

	s.Cancelled = false
	s.MsgBegun = false
	s.HeadersComplete = false
	s.MsgComplete = false
	s.JustVisitedHeaderField = false
	s.WouldBlock = false
	s.InjectionSent = false
	s.ContentLengthSpecified = false
	s.FoundCSRFToken = false

	s.pairOpen = false
	s.fieldStart, s.fieldEnd, s.valueStart = 0, 0, 0
	s.bodySeen = false
}

// destroy releases every buffer. Calling it again does nothing.
func (s *Stream) destroy() {
	if s == nil {
		return
	}
	for _, slot := range s.slots() {
		if *slot.ptr != nil {
			s.alloc.Release(*slot.ptr)
			*slot.ptr = nil
		}
	}
	s.ContentLenValue = buffer.Span{}
	s.HeaderFieldLoc = buffer.Span{}
	s.HeaderValueLoc = buffer.Span{}
}

// State derives the message progress from the flags.
func (s *Stream) State() MessageState {
	switch {
	case s.MsgComplete:
		return MessageComplete
	case s.HeadersComplete && s.bodySeen:
		return BodyStreaming
	case s.HeadersComplete:
		return HeadersComplete
	case s.MsgBegun:
		return HeadersInProgress
	}
	return NotBegun
}

// Peer returns the stream carrying the opposite direction.
func (s *Stream) Peer() *Stream {
	if s.Conn == nil {
		return nil
	}
	if s == s.Conn.Client {
		return s.Conn.Server
	}
	return s.Conn.Client
}
