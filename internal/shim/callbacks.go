package shim

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http/httpguts"

	"csrf-shim-go/internal/buffer"
)

// The On* methods are the callbacks a byte-level HTTP parser invokes as it
// recognizes pieces of a message. A non-nil error means the parser should
// stop feeding this message.

// OnMessageBegin marks the start of a message.
func (s *Stream) OnMessageBegin() error {
	s.MsgBegun = true
	return nil
}

// OnURL accumulates a request target fragment.
func (s *Stream) OnURL(p []byte) error {
	s.MsgBegun = true
	if err := s.URL.Append(p); err != nil {
		return fmt.Errorf("append url: %w", err)
	}
	return nil
}

// OnHeaderField accumulates a header name fragment. A name following a
// value starts a new header pair.
func (s *Stream) OnHeaderField(p []byte) error {
	s.MsgBegun = true
	if !s.JustVisitedHeaderField {
		if err := s.completePair(); err != nil {
			return err
		}
		s.HeaderField.Clear()
		s.HeaderValue.Clear()
		s.fieldStart = s.HeadersCache.Len()
		s.pairOpen = true
		s.JustVisitedHeaderField = true
	}

	if s.HeaderField != nil {
		if err := s.HeaderField.Append(p); err != nil {
			return fmt.Errorf("append header field: %w", err)
		}
	}
	if s.HeadersCache != nil {
		if err := s.HeadersCache.Append(p); err != nil {
			return fmt.Errorf("cache header field: %w", err)
		}
	}
	return nil
}

// OnHeaderValue accumulates a header value fragment.
func (s *Stream) OnHeaderValue(p []byte) error {
	if !s.pairOpen {
		// value without a name; nothing to attach it to
		return nil
	}
	if s.JustVisitedHeaderField {
		if s.HeadersCache != nil {
			s.fieldEnd = s.HeadersCache.Len()
			if err := s.HeadersCache.AppendString(": "); err != nil {
				return fmt.Errorf("cache header separator: %w", err)
			}
			s.valueStart = s.HeadersCache.Len()
		}
		s.JustVisitedHeaderField = false
	}

	if s.HeaderValue != nil {
		if err := s.HeaderValue.Append(p); err != nil {
			return fmt.Errorf("append header value: %w", err)
		}
	}
	if s.HeadersCache != nil {
		if err := s.HeadersCache.Append(p); err != nil {
			return fmt.Errorf("cache header value: %w", err)
		}
	}
	return nil
}

// OnHeadersComplete closes the header block.
func (s *Stream) OnHeadersComplete() error {
	if err := s.completePair(); err != nil {
		return err
	}
	s.JustVisitedHeaderField = false
	s.HeadersComplete = true
	return nil
}

// OnBody accumulates a body fragment. Once the message is cancelled body
// bytes are dropped.
func (s *Stream) OnBody(p []byte) error {
	s.bodySeen = true
	if s.Cancelled {
		return nil
	}
	if err := s.Body.Append(p); err != nil {
		return fmt.Errorf("append body: %w", err)
	}
	return nil
}

// OnMessageComplete marks the end of the message.
func (s *Stream) OnMessageComplete() error {
	s.MsgComplete = true
	return nil
}

// Cancel vetoes the rest of the current message body.
func (s *Stream) Cancel() {
	s.Cancelled = true
	s.Body.Clear()
}

var (
	headerContentLength = []byte("Content-Length")
	headerCookie        = []byte("Cookie")
	headerSetCookie     = []byte("Set-Cookie")
)

// completePair finishes the open header pair: it records where the pair
// lives, validates it and feeds the session tracking state.
func (s *Stream) completePair() error {
	if !s.pairOpen {
		return nil
	}
	s.pairOpen = false

	var field, value []byte
	switch {
	case s.HeadersCache != nil:
		if s.JustVisitedHeaderField {
			// name with no value yet
			s.fieldEnd = s.HeadersCache.Len()
			s.valueStart = s.fieldEnd
		}
		s.HeaderFieldLoc = s.HeadersCache.Mark(s.fieldStart, s.fieldEnd-s.fieldStart)
		s.HeaderValueLoc = s.HeadersCache.Mark(s.valueStart, s.HeadersCache.Len()-s.valueStart)
		field, _ = s.HeaderFieldLoc.Bytes()
		value, _ = s.HeaderValueLoc.Bytes()
	case s.HeaderField != nil:
		s.HeaderFieldLoc = s.HeaderField.Mark(0, s.HeaderField.Len())
		s.HeaderValueLoc = s.HeaderValue.Mark(0, s.HeaderValue.Len())
		field, value = s.HeaderField.Bytes(), s.HeaderValue.Bytes()
	default:
		return nil
	}

	if !httpguts.ValidHeaderFieldName(string(field)) {
		return fmt.Errorf("%w: field name %q", ErrInvalidHeader, field)
	}
	if !httpguts.ValidHeaderFieldValue(string(value)) {
		return fmt.Errorf("%w: value of %q", ErrInvalidHeader, field)
	}

	if s.HeadersCache == nil {
		return nil
	}
	if err := s.trackSession(field, value, s.HeaderValueLoc); err != nil {
		return err
	}
	if err := s.HeadersCache.AppendString("\r\n"); err != nil {
		return fmt.Errorf("cache header terminator: %w", err)
	}
	return nil
}

func (s *Stream) trackSession(field, value []byte, loc buffer.Span) error {
	switch {
	case bytes.EqualFold(field, headerContentLength):
		s.ContentLengthSpecified = true
		s.ContentLenValue = loc
	case s.Parser.Type == Request && bytes.EqualFold(field, headerCookie),
		s.Parser.Type == Response && bytes.EqualFold(field, headerSetCookie):
		if s.Cookie.Len() > 0 {
			if err := s.Cookie.AppendString("; "); err != nil {
				return fmt.Errorf("append cookie: %w", err)
			}
		}
		if err := s.Cookie.Append(value); err != nil {
			return fmt.Errorf("append cookie: %w", err)
		}
	}
	return nil
}

// MarkCSRFToken records that the current request carried a valid CSRF
// token. It does nothing unless CSRF protection is enabled.
func (s *Stream) MarkCSRFToken() {
	if s.features.CSRFProtection {
		s.FoundCSRFToken = true
	}
}
