package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/hub"
	"github.com/JakeFAU/vision-catalog/internal/metrics"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Registry is the part of the subscription hub the server uses.
type Registry interface {
	Join(ctx context.Context, sub hub.Subscriber) error
	Leave(sub hub.Subscriber)
	Latest() *catalog.Snapshot
}

// IDGenerator issues request and subscriber IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Options configures a Server.
type Options struct {
	Registry Registry
	IDs      IDGenerator
	Logger   *zap.Logger
	// PingInterval is the WebSocket keepalive period. A peer that does not
	// answer within two intervals is dropped.
	PingInterval time.Duration
	// WriteTimeout bounds control frame writes.
	WriteTimeout time.Duration
}

// Server wires HTTP handlers to the subscription hub.
type Server struct {
	router   chi.Router
	registry Registry
	ids      IDGenerator
	logger   *zap.Logger
	upgrader websocket.Upgrader
	ping     time.Duration
	write    time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	s := &Server{
		registry: opts.Registry,
		ids:      opts.IDs,
		logger:   logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards on other origins are expected clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ping:  opts.PingInterval,
		write: opts.WriteTimeout,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(s.ids))
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws", s.serveWS)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/catalog", s.getCatalog)
		r.Get("/catalog/*", s.getSubtree)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.registry.Latest() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for first snapshot"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

// getCatalog serves the held snapshot. The ETag is the tree fingerprint, so
// clients can poll cheaply with If-None-Match.
func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.currentSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

func (s *Server) getSubtree(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.currentSnapshot(w, r)
	if !ok {
		return
	}
	var path []string
	for _, seg := range strings.Split(chi.URLParam(r, "*"), "/") {
		if seg != "" {
			path = append(path, seg)
		}
	}
	node, found := snap.Lookup(path...)
	if !found {
		writeError(w, http.StatusNotFound, "no catalog entry at "+catalog.JoinPath(path...), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, node, s.logger)
}

// currentSnapshot writes the 503 or 304 response itself and reports false
// when the caller has nothing more to do.
func (s *Server) currentSnapshot(w http.ResponseWriter, r *http.Request) (*catalog.Snapshot, bool) {
	snap := s.registry.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, catalog.ErrNoSnapshot.Error(), s.logger)
		return nil, false
	}
	etag := `"` + snap.Fingerprint() + `"`
	w.Header().Set("ETag", etag)
	if !snap.CompletedAt.IsZero() {
		w.Header().Set("Last-Modified", snap.CompletedAt.UTC().Format(http.TimeFormat))
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return nil, false
	}
	return snap, true
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
