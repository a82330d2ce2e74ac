// Package processor wires the configured sinks into dispatchers and serves
// the HTTP ingest API in front of them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logship/internal/config"
	"logship/internal/handlers"
	"logship/internal/logger"
	"logship/internal/middleware"
)

// Processor is the high-level coordinator: it owns the dispatchers, the
// router in front of them and the HTTP server.
type Processor struct {
	cfg        *config.Config
	router     *Router
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// Start builds one dispatcher per sink and starts them. A sink whose
// initialization fails stays in the router and fails its envelopes; the
// other sinks keep working.
func (p *Processor) Start(ctx context.Context) error {
	log := logger.WithComponent("processor")

	ds, err := buildDispatchers(p.cfg)
	if err != nil {
		return err
	}

	for _, d := range ds {
		if err := d.Start(ctx); err != nil {
			log.Error().Err(err).Str("sink", d.Name()).Msg("sink unavailable")
			continue
		}
		log.Info().Str("sink", d.Name()).Msg("sink started")
	}

	p.router = NewRouter(ds...)
	return nil
}

// Router returns the router; nil before Start
func (p *Processor) Router() *Router {
	return p.router
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to build sinks")
		return fmt.Errorf("failed to build sinks: %w", err)
	}

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.Handler(),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			serveErr <- err
		}
	}()

	statsCtx, stopStats := context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(statsCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
	}
	stopStats()

	if err := p.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Handler returns the HTTP API: /ingest, /health, /stats and /metrics
func (p *Processor) Handler() http.Handler {
	mux := http.NewServeMux()

	ingestHandler := handlers.NewIngestHandler(handlers.IngestConfig{
		Submitter:   p.router,
		MaxBodySize: p.cfg.HTTP.MaxBodySize,
		WaitTimeout: p.cfg.HTTP.WaitTimeout,
	})
	mux.Handle("/ingest", middleware.Chain(
		ingestHandler,
		middleware.Recovery,
		middleware.Logging,
		middleware.Auth(p.cfg.HTTP.AuthToken),
	))

	mux.HandleFunc("/health", p.healthHandler)
	mux.HandleFunc("/stats", p.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Drain and close every dispatcher; each waits its own grace period
	log.Info().Msg("closing dispatchers")
	err := p.router.Close()
	if err != nil {
		log.Error().Err(err).Msg("dispatcher close error")
	}

	// 3. Wait for all goroutines
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
	return err
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	interval := p.cfg.HTTP.StatsInterval
	if interval <= 0 {
		return
	}

	log := logger.WithComponent("processor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, s := range p.router.Stats() {
				log.Info().
					Str("sink", name).
					Uint64("submitted", s.Submitted).
					Uint64("delivered", s.Delivered).
					Uint64("failed", s.Failed).
					Uint64("dropped", s.Dropped).
					Uint64("retries", s.Retries).
					Int("queued", s.Queued).
					Int("open_handles", s.OpenHandles).
					Msg("stats")
			}
		}
	}
}

// healthHandler reports unhealthy when a sink failed to initialize
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	failed := map[string]string{}
	for _, d := range p.router.Dispatchers() {
		if err := d.Err(); err != nil {
			failed[d.Name()] = err.Error()
		}
	}
	if len(failed) > 0 {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["sinks"] = failed
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"sinks": p.router.Stats(),
	})
}
