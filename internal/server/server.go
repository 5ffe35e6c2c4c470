// Package server exposes submission endpoints and the live event stream
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/distill/internal/events"
	"github.com/raphaelgruber/distill/internal/metrics"
	"github.com/raphaelgruber/distill/internal/service"
)

const (
	// DefaultMaxUploadBytes caps multipart uploads.
	DefaultMaxUploadBytes = 100 << 20

	defaultPingInterval = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

// TaskLister reports the executor's queued and running tasks.
type TaskLister interface {
	InFlight() []service.TaskInfo
}

// Server wires the ingest service and the event manager to HTTP.
type Server struct {
	ingest  *service.IngestService
	tasks   TaskLister
	events  *events.Manager
	metrics *metrics.Collector
	health  HealthFunc
	logger  *slog.Logger

	upgrader       websocket.Upgrader
	maxUploadBytes int64
	pingInterval   time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes c on /stats.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithHealth sets the /health check.
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxUploadBytes caps multipart uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithPingInterval sets how often idle event streams are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// New creates a server.
func New(ingest *service.IngestService, tasks TaskLister, ev *events.Manager, opts ...Option) *Server {
	s := &Server{
		ingest:         ingest,
		tasks:          tasks,
		events:         ev,
		metrics:        metrics.NewCollector(),
		logger:         slog.Default(),
		maxUploadBytes: DefaultMaxUploadBytes,
		pingInterval:   defaultPingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /content", s.handleList)
	mux.HandleFunc("POST /content/text", s.handleCreateText)
	mux.HandleFunc("POST /content/url", s.handleCreateURL)
	mux.HandleFunc("POST /content/upload", s.handleUpload)
	mux.HandleFunc("POST /content/presign", s.handlePresign)
	mux.HandleFunc("GET /content/{id}", s.handleGet)
	mux.HandleFunc("GET /content/{id}/chunks", s.handleChunks)
	mux.HandleFunc("GET /content/{id}/jobs", s.handleJobs)
	mux.HandleFunc("POST /content/{id}/process", s.handleProcess)
	mux.HandleFunc("POST /content/{id}/retry", s.handleRetry)

	return LoggingMiddleware(s.logger, RecoverMiddleware(s.logger, mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
