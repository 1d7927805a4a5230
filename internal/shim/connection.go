package shim

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"csrf-shim-go/internal/model"
)

// Connection is one proxied TCP session: the client-facing stream parses
// requests, the server-facing stream parses responses.
//
// The Connection is the only owner of the descriptor pair. Both streams
// see the same two descriptors in swapped roles and never close them.
type Connection struct {
	ID     uuid.UUID
	Client *Stream
	Server *Stream

	// Set by the request router and the session store; cleared on Reset.
	Session *model.Session
	Match   *model.PageConf

	fds       [2]int
	closer    Closer
	logger    *slog.Logger
	destroyed bool
}

// New builds a connection for the accepted client descriptor inFD and the
// upstream descriptor outFD. If any stream cannot be built everything
// already acquired is released and no connection is returned.
func New(inFD, outFD int, opts Options) (*Connection, error) {
	opts = opts.withDefaults()

	c := &Connection{
		ID:     uuid.New(),
		fds:    [2]int{inFD, outFD},
		closer: opts.Closer,
	}
	c.logger = opts.Logger.With("conn_id", c.ID.String())

	client, err := newStream(ClientListener, inFD, outFD, Request, c, opts)
	if err != nil {
		return nil, fmt.Errorf("create client stream: %w", err)
	}

	server, err := newStream(ServerListener, outFD, inFD, Response, c, opts)
	if err != nil {
		client.destroy()
		return nil, fmt.Errorf("create server stream: %w", err)
	}

	c.Client = client
	c.Server = server
	return c, nil
}

// FDs returns the client and upstream descriptors.
func (c *Connection) FDs() (in, out int) {
	return c.fds[0], c.fds[1]
}

// Destroyed reports whether Destroy already ran.
func (c *Connection) Destroyed() bool {
	return c.destroyed
}

// Reset prepares the connection for the next message on the same sockets.
func (c *Connection) Reset() {
	if c == nil {
		return
	}
	c.logger.Debug("resetting connection")

	c.Session = nil
	c.Match = nil

	c.Client.Reset()
	c.Server.Reset()
}

// Destroy closes the descriptor pair and releases both streams. Close
// failures are logged and returned joined, but never stop the cleanup.
// Calling Destroy again, or on a nil Connection, does nothing.
func (c *Connection) Destroy() error {
	if c == nil || c.destroyed {
		return nil
	}
	c.destroyed = true

	var errs []error
	fds := c.fds
	c.fds = [2]int{-1, -1}
	for i, fd := range fds {
		// a descriptor proxied to itself is closed once
		if fd <= 0 || (i == 1 && fd == fds[0]) {
			continue
		}
		if err := c.closer(fd); err != nil {
			c.logger.Error("close descriptor", "fd", fd, "err", err)
			errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
	}

	c.Client.destroy()
	c.Server.destroy()
	c.Session = nil
	c.Match = nil

	return errors.Join(errs...)
}
