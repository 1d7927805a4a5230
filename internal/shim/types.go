// Package shim holds the per-connection state of the proxy: a Connection
// owning a client-facing and a server-facing Stream, and the parser
// callbacks that fill their buffers.
//
// A Connection and its Streams are driven by exactly one goroutine; nothing
// in this package locks.
package shim

import (
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"

	"csrf-shim-go/internal/buffer"
)

var (
	// ErrWouldBlock is returned by Flush when the peer socket cannot accept
	// more data right now. The unsent bytes remain buffered.
	ErrWouldBlock = errors.New("write would block")

	// ErrInvalidHeader is returned by a header callback when a completed
	// header pair is not valid HTTP.
	ErrInvalidHeader = errors.New("invalid header")
)

// Role tells which socket a stream listens on.
type Role int

const (
	// ClientListener reads from the client and sends to the server.
	ClientListener Role = iota
	// ServerListener reads from the server and sends to the client.
	ServerListener
)

func (r Role) String() string {
	switch r {
	case ClientListener:
		return "client"
	case ServerListener:
		return "server"
	}
	return "unknown"
}

// MessageType is the kind of HTTP message a stream parses.
type MessageType int

const (
	Request MessageType = iota
	Response
)

func (t MessageType) String() string {
	if t == Request {
		return "request"
	}
	return "response"
}

// Features selects the optional buffers every stream carries.
type Features struct {
	// SessionTracking adds the cookie and header cache buffers.
	SessionTracking bool `json:"session_tracking"`
	// HeadersTracking adds the current header field and value buffers.
	HeadersTracking bool `json:"headers_tracking"`
	// CSRFProtection enables the CSRF token bookkeeping flag.
	CSRFProtection bool `json:"csrf_protection"`
}

// Parser is the working state an external HTTP parser keeps per stream.
// Data is bound to the owning Stream at construction.
type Parser struct {
	Type MessageType
	Data any
}

// Closer closes a raw descriptor.
type Closer func(fd int) error

// Writer writes to a raw descriptor, returning unix.EAGAIN when it is
// non-blocking and full.
type Writer func(fd int, p []byte) (int, error)

// Options configures how connections are built and torn down. Zero fields
// get working defaults.
type Options struct {
	Features  Features
	Allocator buffer.Allocator
	Closer    Closer
	Writer    Writer
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Allocator == nil {
		o.Allocator = buffer.NewPool()
	}
	if o.Closer == nil {
		o.Closer = unix.Close
	}
	if o.Writer == nil {
		o.Writer = unix.Write
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
