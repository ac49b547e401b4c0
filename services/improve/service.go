// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package improve exposes the continuous improvement pipeline over
// HTTP: feedback ingestion, model and cycle inspection, experiment
// sample collection, and the operator controls.
package improve

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLearn/services/improve/experiment"
	"github.com/AleutianAI/AleutianLearn/services/improve/feedback"
	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	"github.com/AleutianAI/AleutianLearn/services/improve/orchestrator"
	"github.com/AleutianAI/AleutianLearn/services/improve/storage/badger"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
	"github.com/AleutianAI/AleutianLearn/services/improve/telemetry"
)

// ServiceVersion is the improvement service version.
const ServiceVersion = "0.1.0"

// ServiceConfig configures the HTTP surface.
type ServiceConfig struct {
	// IngestRateLimit is the sustained feedback events per second.
	IngestRateLimit float64

	// IngestBurst is the token bucket size.
	IngestBurst int

	// Logger is required.
	Logger *slog.Logger
}

// Service bundles the pipeline components behind the HTTP handlers.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	stores     *store.Stores
	db         *badger.DB
	aggregator *feedback.Aggregator
	framework  *experiment.Framework
	orch       *orchestrator.Orchestrator
	metrics    *metrics.Service
	tel        *telemetry.Metrics
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewService wires the surface over already-constructed components.
func NewService(
	stores *store.Stores,
	db *badger.DB,
	aggregator *feedback.Aggregator,
	framework *experiment.Framework,
	orch *orchestrator.Orchestrator,
	ms *metrics.Service,
	tel *telemetry.Metrics,
	cfg ServiceConfig,
) *Service {
	if cfg.IngestRateLimit <= 0 {
		cfg.IngestRateLimit = 100
	}
	if cfg.IngestBurst <= 0 {
		cfg.IngestBurst = 2 * int(cfg.IngestRateLimit)
	}
	return &Service{
		stores:     stores,
		db:         db,
		aggregator: aggregator,
		framework:  framework,
		orch:       orch,
		metrics:    ms,
		tel:        tel,
		limiter:    rate.NewLimiter(rate.Limit(cfg.IngestRateLimit), cfg.IngestBurst),
		logger:     cfg.Logger,
	}
}

// Router builds the full gin engine: otel middleware, the /v1/improve
// group, and the Prometheus scrape endpoint.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("improve"))
	router.Use(s.requestMetrics())

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(s))

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	return router
}

// requestMetrics records the HTTP counters for every request.
func (s *Service) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.tel.HTTPRequestDuration.Record(c.Request.Context(), time.Since(start).Seconds())
		s.tel.HTTPRequestsTotal.Add(c.Request.Context(), 1)
	}
}

// ready reports whether the badger store answers reads.
func (s *Service) ready(ctx context.Context) bool {
	// The production pointer read doubles as a storage liveness probe;
	// ErrNotFound still proves the store answered.
	_, err := s.stores.Models.CurrentProduction(ctx)
	return err == nil || err == store.ErrNotFound
}

// Serve runs the HTTP server until ctx is cancelled, then drains.
func (s *Service) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("improve service listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
