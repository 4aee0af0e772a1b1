// Package api exposes the engine's operational HTTP surface: access
// ingestion, health and readiness probes, status snapshots, and prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	stderr "errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/internal/engine"
	"github.com/adaptivecache/adaptivecache/internal/metrics"
	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/health"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const (
	serviceName    = "adaptivecache"
	serviceVersion = "1.0.0"

	// maxAccessBody bounds a single ingested access request, payload included.
	maxAccessBody = 32 << 20
)

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

// Server serves the engine's HTTP endpoints.
type Server struct {
	config  *ServerConfig
	engine  *engine.Engine
	tracker *health.Tracker
	logger  *zap.Logger
	server  *http.Server
	started time.Time
}

// NewServer creates the HTTP server. The health tracker and collector may be
// nil; the corresponding endpoints then report from the engine alone. A nil
// config uses DefaultServerConfig.
func NewServer(config *ServerConfig, eng *engine.Engine, tracker *health.Tracker, collector *metrics.Collector, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:  config,
		engine:  eng,
		tracker: tracker,
		logger:  logger,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/access", s.handleAccess)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/components", s.handleHealthComponents)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/shards", s.handleShards)
	mux.HandleFunc("/status/learning", s.handleLearning)
	mux.HandleFunc("/info", s.handleInfo)
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}

	var handler http.Handler = s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = corsMiddleware(handler)
	}

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Start runs the server and blocks until it stops. A server stopped by
// Shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("address", s.config.Address))
	err := s.server.ListenAndServe()
	if err != nil && !stderr.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartBackground runs the server in a goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.server.Shutdown(ctx)
}

type accessRequest struct {
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	Size    int64     `json:"size"`
	Payload []byte    `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// handleAccess ingests one access request and returns the engine's decision
// outcome for it.
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.engine == nil {
		s.respondError(w, http.StatusServiceUnavailable, "engine not attached")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAccessBody)
	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.engine.Submit(r.Context(), types.RawRequest{
		Key:     req.Key,
		Kind:    req.Kind,
		Size:    req.Size,
		Payload: req.Payload,
		Time:    req.Time,
	})
	if err != nil {
		switch errors.GetCategory(errors.CodeOf(err)) {
		case errors.CategoryRequest:
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.CategoryState:
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": result.RequestID,
		"outcome":    result.Outcome.String(),
		"latency_us": result.LatencyEstimate.Microseconds(),
		"prefetched": result.Prefetched,
	})
}

type healthResponse struct {
	Status     health.State       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Components []health.Component `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := healthResponse{Status: health.StateHealthy, Timestamp: time.Now().UTC()}
	if s.tracker != nil {
		resp.Status = s.tracker.Overall()
		resp.Components = s.tracker.Components()
	}

	code := http.StatusOK
	if resp.Status == health.StateUnavailable {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, resp)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var components []health.Component
	if s.tracker != nil {
		components = s.tracker.Components()
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ready := s.engine != nil && (s.tracker == nil || s.tracker.Ready())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]bool{"ready": ready})
}

type statusResponse struct {
	Service  string                  `json:"service"`
	Version  string                  `json:"version"`
	Uptime   string                  `json:"uptime"`
	Health   health.State            `json:"health"`
	Metrics  types.Metrics           `json:"metrics"`
	Learning metrics.LearningSummary `json:"learning"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.engine == nil {
		s.respondError(w, http.StatusServiceUnavailable, "engine not attached")
		return
	}

	resp := statusResponse{
		Service:  serviceName,
		Version:  serviceVersion,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Health:   health.StateHealthy,
		Metrics:  s.engine.SnapshotMetrics(),
		Learning: s.engine.LearningSummary(),
	}
	if s.tracker != nil {
		resp.Health = s.tracker.Overall()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.engine == nil {
		s.respondError(w, http.StatusServiceUnavailable, "engine not attached")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"shards":    s.engine.ShardStats(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleLearning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.engine == nil {
		s.respondError(w, http.StatusServiceUnavailable, "engine not attached")
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.LearningSummary())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":     serviceName,
		"version":     serviceVersion,
		"description": "learned cache replacement engine",
		"endpoints": []string{
			"/v1/access",
			"/health",
			"/health/components",
			"/health/live",
			"/health/ready",
			"/status",
			"/status/shards",
			"/status/learning",
			"/metrics",
			"/info",
		},
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs requests at debug level, elevating server errors
// to warnings.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("http request", fields...)
		} else {
			s.logger.Debug("http request", fields...)
		}
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
