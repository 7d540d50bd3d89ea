// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jeranaias/nelson-client/internal/connectivity"
	"github.com/jeranaias/nelson-client/internal/engine"
	"github.com/jeranaias/nelson-client/internal/queue"
	"github.com/jeranaias/nelson-client/internal/syncer"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr keeps the control server on loopback.
	DefaultAddr = "127.0.0.1:8788"

	// MaxRequestBodySize bounds request bodies.
	MaxRequestBodySize = 64 * 1024

	// Version is the control API version.
	Version = "1"

	shutdownTimeout = 5 * time.Second

	// syncRateBurst sync requests may arrive at once; the bucket then refills
	// at syncRateLimit, 30 a minute.
	syncRateBurst = 30
	syncRateLimit = rate.Limit(0.5)
)

// ErrNotLoopback is returned when a non-loopback address is configured
// without AllowRemote.
var ErrNotLoopback = errors.New("control server must listen on a loopback address")

// ============================================================================
// COLLABORATORS
// ============================================================================

// Queue is read for status. *queue.Store implements it.
type Queue interface {
	List(ctx context.Context) ([]queue.Action, error)
	Get(ctx context.Context, id int64) (queue.Action, error)
	Len(ctx context.Context) (int, error)
}

// Syncer runs queue flushes. *syncer.Flusher implements it.
type Syncer interface {
	Trigger()
	Running() bool
	LastReport() syncer.Report
}

// Connectivity reports reachability. *connectivity.Monitor implements it.
type Connectivity interface {
	IsOnline() bool
}

// ============================================================================
// CONFIG
// ============================================================================

// Config configures the control server.
type Config struct {
	// Addr is the listen address. Empty means DefaultAddr.
	Addr string

	// AuthToken, when set, is required as a bearer token.
	AuthToken string

	// AllowRemote permits a non-loopback Addr and non-loopback peers.
	AllowRemote bool

	// Logger for requests and socket events. Nil uses the standard logger.
	Logger *log.Logger
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the local control API: status, queue inspection, sync requests
// and the event socket.
type Server struct {
	cfg    Config
	router *gin.Engine
	hub    *Hub
	logger *log.Logger

	queue  Queue
	syncer Syncer
	conn   Connectivity
}

// New creates a server. It returns ErrNotLoopback for a non-loopback Addr
// unless AllowRemote is set.
func New(cfg Config, q Queue, s Syncer, c Connectivity) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if !cfg.AllowRemote && !isLoopbackAddr(cfg.Addr) {
		return nil, fmt.Errorf("%w: %s", ErrNotLoopback, cfg.Addr)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		queue:  q,
		syncer: s,
		conn:   c,
	}
	srv.hub = NewHub(srv.requestSync)
	srv.hub.logger = logger
	srv.setupRoutes()
	return srv, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event socket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func isLoopbackAddr(addr string) bool {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return false
	}
	return connectivity.IsLocalhost(addr)
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	r := gin.New()
	r.Use(RecoveryMiddleware(s.logger), LoggingMiddleware(s.logger), SecurityHeadersMiddleware())
	if !s.cfg.AllowRemote {
		r.Use(LoopbackOnly(s.logger))
	}

	r.GET("/health", s.handleHealth)

	api := r.Group("/v1", AuthMiddleware(s.cfg.AuthToken, s.logger))
	api.GET("/status", s.handleStatus)
	api.GET("/queue", s.handleQueue)
	api.GET("/queue/:id", s.handleQueueItem)
	api.POST("/sync", RateLimitMiddleware(NewRateLimiter(syncRateLimit, syncRateBurst)), s.handleSync)
	api.GET("/events", s.hub.HandleWS)

	s.router = r
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Online      bool          `json:"online"`
	QueueLength int           `json:"queue_length"`
	Syncing     bool          `json:"syncing"`
	Clients     int           `json:"clients"`
	LastSync    syncer.Report `json:"last_sync"`
}

func (s *Server) handleStatus(c *gin.Context) {
	n, err := s.queue.Len(c.Request.Context())
	if err != nil {
		s.logger.Printf("[server] queue unreadable: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		Online:      s.conn.IsOnline(),
		QueueLength: n,
		Syncing:     s.syncer.Running(),
		Clients:     s.hub.Len(),
		LastSync:    s.syncer.LastReport(),
	})
}

// QueueEntry summarizes a queued action. Payloads are not exposed.
type QueueEntry struct {
	ID         int64      `json:"id"`
	Kind       queue.Kind `json:"kind"`
	RetryCount int        `json:"retry_count"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

func (s *Server) handleQueue(c *gin.Context) {
	actions, err := s.queue.List(c.Request.Context())
	if err != nil {
		s.logger.Printf("[server] queue unreadable: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}
	entries := make([]QueueEntry, len(actions))
	for i, a := range actions {
		entries[i] = QueueEntry{ID: a.ID, Kind: a.Kind, RetryCount: a.RetryCount, EnqueuedAt: a.EnqueuedAt}
	}
	c.JSON(http.StatusOK, gin.H{"actions": entries})
}

func (s *Server) handleQueueItem(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
		return
	}
	a, err := s.queue.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("action %d not queued", id)})
		return
	case err != nil:
		s.logger.Printf("[server] queue unreadable: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, QueueEntry{ID: a.ID, Kind: a.Kind, RetryCount: a.RetryCount, EnqueuedAt: a.EnqueuedAt})
}

// SyncRequest is the body of POST /v1/sync.
type SyncRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleSync(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Type != TypeSyncMessages {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown message type %q", req.Type)})
		return
	}
	s.requestSync()
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

// requestSync is the single entry point for sync requests from HTTP and the
// event socket.
func (s *Server) requestSync() {
	if !s.conn.IsOnline() {
		s.logger.Printf("[server] sync requested while offline, will run on reconnect")
		return
	}
	s.syncer.Trigger()
}

// ============================================================================
// EVENTS
// ============================================================================

// Publish forwards an engine event to event socket clients.
func (s *Server) Publish(ev engine.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf("[server] failed to encode event: %v", err)
		return
	}
	// No listeners is the common case
	_ = s.hub.Broadcast(WSMessage{Type: string(ev.Kind), Payload: payload})
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("[server] listening on %s", ln.Addr())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
