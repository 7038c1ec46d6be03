// Package server implements the HTTP surface of the chat pipeline: prompt
// admission with a streamed plain-text response, client heartbeats, session
// collection management and the operational endpoints.
// The server is started by the `ragstream serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragstream/internal/logging"
)

// defaultPeekLimit is the number of records shown for one collection.
const defaultPeekLimit = 100

// New constructs a Server from the pipeline collaborators and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	switch {
	case deps.Assembler == nil:
		return nil, fmt.Errorf("server: assembler must not be nil")
	case deps.Queue == nil:
		return nil, fmt.Errorf("server: queue must not be nil")
	case deps.Collections == nil:
		return nil, fmt.Errorf("server: collections must not be nil")
	case deps.Channels == nil:
		return nil, fmt.Errorf("server: channel registry must not be nil")
	case deps.Liveness == nil:
		return nil, fmt.Errorf("server: liveness tracker must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 3001
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.PeekLimit == 0 {
		cfg.PeekLimit = defaultPeekLimit
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.Registerer),
		now:     time.Now,
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stop

	if cfg.APIKey == "" {
		log.Warn("server: RAGSTREAM_API_KEY is not set, authentication disabled")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(rl),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// routes builds the handler tree. Health, readiness and metrics stay open
// so probes work without credentials; everything else is authenticated and
// the chat endpoints are rate limited per IP.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	protected := http.NewServeMux()
	protected.Handle("POST /chat", rl.middleware(http.HandlerFunc(s.handleChat)))
	protected.Handle("GET /init-collection", rl.middleware(http.HandlerFunc(s.handleInitCollection)))
	protected.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	protected.HandleFunc("GET /heartbeat-interval", s.handleHeartbeatInterval)
	protected.HandleFunc("GET /api/collections", s.handleListCollections)
	protected.HandleFunc("GET /api/collections/{name}", s.handleGetCollection)
	protected.HandleFunc("DELETE /api/collections/{name}", s.handleDeleteCollection)
	protected.HandleFunc("DELETE /api/collections", s.handleDeleteCollections)
	protected.HandleFunc("GET /api/queue", s.handleQueue)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", authMiddleware(s.cfg.APIKey, protected))

	return requestLogger(s.log, s.metrics.instrument(mux))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}
