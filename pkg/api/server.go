// Package api provides HTTP endpoints for volume health, status and metrics
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/events"
	"github.com/sftpvol/sftpvol/pkg/logging"
	"github.com/sftpvol/sftpvol/pkg/recovery"
)

// Source lists the volumes the server reports on
type Source interface {
	Volumes() []volume.Stats
}

// Server provides HTTP API endpoints for monitoring
type Server struct {
	httpServer *http.Server
	source     Source
	events     *events.Broadcaster
	metrics    http.Handler
	config     ServerConfig
	logger     *zap.Logger
	started    time.Time
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:9465")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response. The
	// event stream is exempt.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// Version is reported by /info
	Version string `yaml:"-" json:"-"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:9465",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
		Version:      "dev",
	}
}

// NewServer creates a new API server. bus and metrics may be nil, which
// disables /events and /metrics.
func NewServer(config ServerConfig, source Source, bus *events.Broadcaster, metrics http.Handler) *Server {
	s := &Server{
		source:  source,
		events:  bus,
		metrics: metrics,
		config:  config,
		logger:  logging.Named("api"),
		started: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/volumes/", s.handleVolume)

	if bus != nil {
		mux.HandleFunc("/events", s.handleEvents)
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	mux.HandleFunc("/info", s.handleInfo)

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadTimeout,
		ReadTimeout:       config.ReadTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// overall folds the per-volume states: any reconnecting volume makes the
// service unavailable, any suspect one makes it degraded.
func overall(vols []volume.Stats) string {
	state := recovery.StateConnected.String()
	for _, v := range vols {
		if !v.Active {
			continue
		}
		switch v.Monitor.State {
		case recovery.StateReconnecting.String():
			return "unavailable"
		case recovery.StateSuspect.String():
			state = "degraded"
		}
	}
	if state == recovery.StateConnected.String() {
		return "healthy"
	}
	return state
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	vols := s.volumes()
	status := overall(vols)
	states := make(map[string]string, len(vols))
	for _, v := range vols {
		states[v.Name] = v.Monitor.State
	}

	code := http.StatusOK
	switch status {
	case "unavailable":
		code = http.StatusServiceUnavailable
	case "degraded":
		code = http.StatusPartialContent
	}

	s.respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"volumes":   states,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := overall(s.volumes())
	ready := status != "unavailable"
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"ready":     ready,
		"status":    status,
		"timestamp": time.Now(),
	})
}

// Status endpoint handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	vols := s.volumes()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"volumes":   vols,
		"count":     len(vols),
		"uptime":    time.Since(s.started).String(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/status/volumes/")
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "Volume ID or name required")
		return
	}
	for _, v := range s.volumes() {
		if v.ID == key || v.Name == key {
			s.respondJSON(w, http.StatusOK, v)
			return
		}
	}
	s.respondError(w, http.StatusNotFound, fmt.Sprintf("Volume not found: %s", key))
}

// handleEvents streams state notifications as newline-delimited JSON until
// the client goes away or the broadcaster closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	ch := s.events.Subscribe()
	defer s.events.Unsubscribe(ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(e)
			if err != nil {
				s.logger.Warn("Dropping unencodable event", zap.Error(err))
				continue
			}
			if _, err := w.Write(append(data, '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	endpoints := []string{
		"/health",
		"/health/live",
		"/health/ready",
		"/status",
		"/status/volumes/{id}",
		"/info",
	}
	if s.events != nil {
		endpoints = append(endpoints, "/events")
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "sftpvol",
		"version":   s.config.Version,
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) volumes() []volume.Stats {
	if s.source == nil {
		return nil
	}
	return s.source.Volumes()
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
