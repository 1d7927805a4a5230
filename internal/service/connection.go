// Package service implements the connection lifecycle an event loop drives:
// open on accept, reset on keep-alive, close on teardown.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"csrf-shim-go/internal/buffer"
	"csrf-shim-go/internal/config"
	"csrf-shim-go/internal/metrics"
	"csrf-shim-go/internal/model"
	"csrf-shim-go/internal/shim"
)

// ConnectionService builds, reuses and tears down proxied connections.
//
// A single connection is only ever touched by the goroutine driving it; the
// mutex guards the registry that admin requests read concurrently.
type ConnectionService struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	pool    *buffer.Pool
	opts    shim.Options

	mu     sync.Mutex
	active map[uuid.UUID]*tracked
}

// tracked is the registry entry for an open connection. It only holds what
// the service itself records, never state owned by the driving goroutine.
type tracked struct {
	conn    *shim.Connection
	opened  time.Time
	resets  int
	session string
	page    string
}

// ConnStatus describes one open connection.
type ConnStatus struct {
	ID         string  `json:"id"`
	AgeSeconds float64 `json:"age_seconds"`
	Resets     int     `json:"resets"`
	Session    string  `json:"session,omitempty"`
	Page       string  `json:"page,omitempty"`
}

// Status is a point-in-time view of the service.
type Status struct {
	Active             int           `json:"active_connections"`
	BuffersOutstanding int64         `json:"buffers_outstanding"`
	Features           shim.Features `json:"features"`
	ProtectedPages     int           `json:"protected_pages"`
	Connections        []ConnStatus  `json:"connections"`
}

// NewConnectionService creates a ConnectionService from the shim configuration.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewConnectionService(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ConnectionService {
	return newConnectionService(cfg, logger, m, shim.Options{})
}

// newConnectionService lets tests replace the descriptor closer and writer.
func newConnectionService(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts shim.Options) *ConnectionService {
	logger = logger.With("component", "connection_service")

	pool := buffer.NewPool(
		buffer.WithInitialCapacity(cfg.Shim.BufferInitialBytes),
		buffer.WithMaxCapacity(cfg.Shim.BufferMaxBytes),
	)

	opts.Features = shim.Features{
		SessionTracking: cfg.Shim.SessionTracking,
		HeadersTracking: cfg.Shim.HeadersTracking,
		CSRFProtection:  cfg.Shim.CSRFProtection,
	}
	if opts.Allocator == nil {
		opts.Allocator = pool
	}
	opts.Logger = logger

	return &ConnectionService{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		pool:    pool,
		opts:    opts,
		active:  make(map[uuid.UUID]*tracked),
	}
}

// Open builds the connection for a freshly accepted client descriptor and
// its upstream descriptor. On failure nothing stays allocated and the
// descriptors are left to the caller.
func (s *ConnectionService) Open(inFD, outFD int) (*shim.Connection, error) {
	conn, err := shim.New(inFD, outFD, s.opts)
	if err != nil {
		s.logger.Warn("connection setup failed", "in_fd", inFD, "out_fd", outFD, "err", err)
		if s.metrics != nil {
			s.metrics.ConnectionsTotal.WithLabelValues("failed").Inc()
		}
		return nil, fmt.Errorf("open connection: %w", err)
	}

	s.mu.Lock()
	s.active[conn.ID] = &tracked{conn: conn, opened: time.Now()}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionsTotal.WithLabelValues("opened").Inc()
		s.metrics.ConnectionsActive.Inc()
	}
	s.observeBuffers()

	s.logger.Debug("connection opened", "conn_id", conn.ID.String(), "in_fd", inFD, "out_fd", outFD)
	return conn, nil
}

// Reuse resets conn for the next message on the same sockets.
func (s *ConnectionService) Reuse(conn *shim.Connection) {
	if conn == nil {
		s.logger.Warn("tried to reset nil connection")
		return
	}
	if conn.Destroyed() {
		s.logger.Warn("tried to reset closed connection", "conn_id", conn.ID.String())
		return
	}

	conn.Reset()

	s.mu.Lock()
	if t, ok := s.active[conn.ID]; ok {
		t.resets++
		t.session, t.page = "", ""
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionResets.Inc()
	}
	s.logger.Debug("connection reset", "conn_id", conn.ID.String())
}

// Close tears conn down: both descriptors are closed once and all buffers
// are released. Closing an already closed connection does nothing.
func (s *ConnectionService) Close(conn *shim.Connection) {
	if conn == nil {
		s.logger.Warn("tried to free nil connection")
		return
	}

	err := conn.Destroy()

	s.mu.Lock()
	t, ok := s.active[conn.ID]
	delete(s.active, conn.ID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.metrics != nil {
		s.metrics.CloseErrors.Add(float64(countErrors(err)))
		s.metrics.ConnectionsActive.Dec()
		s.metrics.ConnectionLifetime.Observe(time.Since(t.opened).Seconds())
	}
	s.observeBuffers()

	s.logger.Debug("connection closed", "conn_id", conn.ID.String())
}

// Attach binds the current request on conn to sess and to the protected
// page configured for url. It returns the validation parameters for the
// request and whether a page matched. Both bindings are dropped on Reuse.
func (s *ConnectionService) Attach(conn *shim.Connection, sess *model.Session, url string) (model.Params, bool) {
	var params model.Params
	if conn == nil {
		s.logger.Warn("tried to attach to nil connection")
		return params, false
	}
	if conn.Destroyed() {
		s.logger.Warn("tried to attach to closed connection", "conn_id", conn.ID.String())
		return params, false
	}

	conn.Session = sess
	page, ok := s.cfg.Page(url)
	if ok {
		conn.Match = page
		model.CopyDefaults(page, &params)
	} else {
		conn.Match = nil
	}

	s.mu.Lock()
	if t, found := s.active[conn.ID]; found {
		t.session, t.page = "", ""
		if sess != nil {
			t.session = sess.ID.String()
		}
		if ok {
			t.page = page.URL
		}
	}
	s.mu.Unlock()

	return params, ok
}

// Forward flushes b through stream and records how it went. ErrWouldBlock
// is returned unchanged so the event loop can wait for writability.
func (s *ConnectionService) Forward(stream *shim.Stream, b *buffer.Buffer) (int, error) {
	n, err := stream.Flush(b)
	if s.metrics != nil {
		dir := stream.Role.String()
		s.metrics.BytesForwarded.WithLabelValues(dir).Add(float64(n))
		if errors.Is(err, shim.ErrWouldBlock) {
			s.metrics.WriteWouldBlock.WithLabelValues(dir).Inc()
		}
	}
	if err != nil && !errors.Is(err, shim.ErrWouldBlock) {
		s.logger.Warn("forward failed", "direction", stream.Role.String(), "fd", stream.SendFD, "err", err)
	}
	return n, err
}

// Active returns the number of open connections.
func (s *ConnectionService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Snapshot reports the open connections, oldest first.
func (s *ConnectionService) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Active:             len(s.active),
		BuffersOutstanding: s.pool.Outstanding(),
		Features:           s.opts.Features,
		ProtectedPages:     len(s.cfg.Pages),
		Connections:        make([]ConnStatus, 0, len(s.active)),
	}
	now := time.Now()
	for id, t := range s.active {
		st.Connections = append(st.Connections, ConnStatus{
			ID:         id.String(),
			AgeSeconds: now.Sub(t.opened).Seconds(),
			Resets:     t.resets,
			Session:    t.session,
			Page:       t.page,
		})
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].AgeSeconds > st.Connections[j].AgeSeconds
	})
	return st
}

// CloseAll tears down every open connection. It is used at shutdown, when
// the event loop has already stopped driving them.
func (s *ConnectionService) CloseAll() {
	s.mu.Lock()
	conns := make([]*shim.Connection, 0, len(s.active))
	for _, t := range s.active {
		conns = append(conns, t.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.Close(c)
	}
	if len(conns) > 0 {
		s.logger.Info("closed remaining connections", "count", len(conns))
	}
}

func (s *ConnectionService) observeBuffers() {
	if s.metrics != nil {
		s.metrics.BuffersOutstanding.Set(float64(s.pool.Outstanding()))
	}
}

// countErrors counts the errors joined into err.
func countErrors(err error) int {
	if err == nil {
		return 0
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}
