// Package server implements the HTTP server that exposes the document QA
// pipeline via a REST API: document upload, question answering, chunk
// inspection, and collection management.
// The server is started by the `docqa serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docstackhq/docqa-go/internal/ingestion"
	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/qa"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// New constructs a Server from the provided pipelines, chunk store, and config.
// collections may be nil when collection management is not exposed.
func New(qaPipeline *qa.Pipeline, ingestPipeline *ingestion.Pipeline, store rag.ChunkStore, collections collectionAdmin, cfg *Config) (*Server, error) {
	if qaPipeline == nil {
		return nil, fmt.Errorf("server: qa pipeline must not be nil")
	}
	if ingestPipeline == nil {
		return nil, fmt.Errorf("server: ingestion pipeline must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("server: chunk store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must cover a full LLM round trip plus retrieval.
		cfg.WriteTimeout = 3 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 2 * time.Minute
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		asker:       qaPipeline,
		ingester:    ingestPipeline,
		store:       store,
		collections: collections,
		cfg:         cfg,
		log:         cfg.Logger,
		pingers:     cfg.Pingers,
		metrics:     newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: API key not configured, authentication disabled")
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/ask", s.handleAsk)
	api.HandleFunc("POST /api/search", s.handleSearch)
	api.HandleFunc("POST /api/upload", s.handleUpload)
	api.HandleFunc("GET /api/chunks", s.handleChunksGet)
	api.HandleFunc("DELETE /api/chunks", s.handleChunksDelete)
	api.HandleFunc("GET /api/collection", s.handleCollectionGet)
	api.HandleFunc("PUT /api/collection", s.handleCollectionCreate)
	api.HandleFunc("DELETE /api/collection", s.handleCollectionDelete)

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.log)
	s.stopRL = stopRL
	protected := rl.middleware(authMiddleware(cfg.APIKey, api))

	// Liveness, readiness, and metrics stay outside auth and rate limiting
	// so orchestrators and scrapers need no credentials.
	root := http.NewServeMux()
	root.Handle("/api/", protected)
	root.HandleFunc("GET /api/health", s.handleHealth)
	root.HandleFunc("GET /api/ready", s.handleReady)
	root.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, s.metricsMiddleware(root)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", "addr", "http://"+s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.stopRL()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
