// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianLearn/pkg/logging"
	improve "github.com/AleutianAI/AleutianLearn/services/improve"
	"github.com/AleutianAI/AleutianLearn/services/improve/archive"
	"github.com/AleutianAI/AleutianLearn/services/improve/config"
	"github.com/AleutianAI/AleutianLearn/services/improve/embed"
	"github.com/AleutianAI/AleutianLearn/services/improve/experiment"
	"github.com/AleutianAI/AleutianLearn/services/improve/feedback"
	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	"github.com/AleutianAI/AleutianLearn/services/improve/orchestrator"
	"github.com/AleutianAI/AleutianLearn/services/improve/patterns"
	storage "github.com/AleutianAI/AleutianLearn/services/improve/storage/badger"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
	"github.com/AleutianAI/AleutianLearn/services/improve/telemetry"
	"github.com/AleutianAI/AleutianLearn/services/improve/training"
	"github.com/AleutianAI/AleutianLearn/services/improve/validation"
)

// pipeline is the fully wired component set behind one process.
type pipeline struct {
	logger     *logging.Logger
	db         *storage.DB
	stores     *store.Stores
	metrics    *metrics.Service
	aggregator *feedback.Aggregator
	analyzer   *patterns.Analyzer
	archiver   archive.Sink
	orch       *orchestrator.Orchestrator
	service    *improve.Service

	shutdownFns []func(context.Context) error
}

// buildPipeline assembles every component from the configuration.
//
// Optional integrations attach only when configured: the Weaviate
// cluster index, the OpenAI embedder, the InfluxDB metric mirror, and
// the GCS archive sink. Everything else has an in-process default so a
// bare config still yields a working pipeline.
func buildPipeline(ctx context.Context, cfg config.Config) (*pipeline, error) {
	p := &pipeline{}

	p.logger = logging.New(logging.Config{Service: "improve"})
	log := p.logger.Slog()

	shutdownTel, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	p.shutdownFns = append(p.shutdownFns, shutdownTel)

	tel, err := telemetry.NewMetrics(otel.Meter("improve"))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	// Storage.
	p.db, err = openStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	p.stores = store.New(p.db)

	// In-process metrics, optionally mirrored to InfluxDB, with alert
	// delivery over the structured log.
	metricOpts := []metrics.Option{
		metrics.WithNotifier(metrics.NotifierFunc(func(_ context.Context, alert metrics.Alert) {
			log.Warn("alert raised",
				"metric", alert.MetricName,
				"severity", alert.Severity,
				"observed", alert.Observed,
				"threshold", alert.Threshold,
				"message", alert.Message)
		})),
	}
	if cfg.Influx.URL != "" {
		sink := metrics.NewInfluxSink(metrics.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  os.Getenv(cfg.Influx.TokenEnv),
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
			Logger: log,
		})
		metricOpts = append(metricOpts, metrics.WithSink(sink))
	}
	p.metrics = metrics.New(metricOpts...)

	p.aggregator = feedback.New(p.stores.Feedback, p.metrics, feedback.Config{
		Retention: cfg.Feedback.Retention,
		Logger:    log,
	})

	embedder, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}
	index, err := buildIndex(ctx, cfg.Embedding, log)
	if err != nil {
		return nil, fmt.Errorf("build cluster index: %w", err)
	}
	p.analyzer = patterns.NewAnalyzer(embedder, index, log, cfg.Patterns)

	trainer := &training.FrequencyTrainer{
		ArtifactDir: cfg.Storage.Dir,
	}
	engine := training.NewEngine(p.aggregator, p.stores.Models, trainer, log, cfg.Training)

	gate := validation.NewGate(p.aggregator, p.stores.Reports, p.stores.Models, nil, log, cfg.Validation)

	framework := experiment.New(p.stores.Tests, p.metrics, log,
		experiment.WithMinSamplesPerArm(cfg.Experiment.MinSamplesPerArm))

	p.archiver, err = buildArchiver(ctx, cfg.Archive, log)
	if err != nil {
		return nil, fmt.Errorf("build archiver: %w", err)
	}

	p.orch = orchestrator.New(
		p.stores, p.aggregator, p.analyzer, engine, gate, framework,
		p.archiver, tel, log,
		orchestrator.Config{
			Window:             cfg.Cycle.Window,
			ExtendedWindow:     cfg.Cycle.ExtendedWindow,
			Interval:           cfg.Cycle.Interval,
			EvaluateInterval:   cfg.Experiment.EvaluateInterval,
			ExperimentHorizon:  cfg.Experiment.Horizon,
			TrafficSplit:       cfg.Experiment.TrafficSplit,
			SignificanceLevel:  cfg.Experiment.SignificanceLevel,
			HyperparameterSets: cfg.Cycle.HyperparameterSets,
		})

	p.service = improve.NewService(
		p.stores, p.db, p.aggregator, framework, p.orch, p.metrics, tel,
		improve.ServiceConfig{
			IngestRateLimit: cfg.Server.IngestRateLimit,
			IngestBurst:     cfg.Server.IngestBurst,
			Logger:          log,
		})

	return p, nil
}

func openStore(cfg config.Config, log *slog.Logger) (*storage.DB, error) {
	if cfg.Storage.InMemory {
		return storage.OpenInMemory()
	}
	return storage.Open(storage.Config{
		Path:       cfg.Storage.Dir,
		SyncWrites: true,
		Logger:     log,
	})
}

func buildEmbedder(cfg config.EmbeddingConfig) (embed.Embedder, error) {
	if cfg.Provider != "openai" {
		return embed.NewLocalEmbedder(cfg.Dimensions), nil
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("embedding provider openai requires %s", cfg.APIKeyEnv)
	}
	return embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		APIKey:     []byte(key),
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
	})
}

func buildIndex(ctx context.Context, cfg config.EmbeddingConfig, log *slog.Logger) (patterns.ClusterIndex, error) {
	if cfg.WeaviateURL == "" {
		return patterns.NewMemoryIndex(), nil
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.WeaviateURL,
		Scheme: "http",
	})
	if err != nil {
		return nil, fmt.Errorf("connect weaviate: %w", err)
	}
	index := patterns.NewWeaviateIndex(client)
	if err := index.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure weaviate schema: %w", err)
	}
	log.Info("weaviate cluster index enabled", "host", cfg.WeaviateURL)
	return index, nil
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (archive.Sink, error) {
	if cfg.GCSBucket == "" {
		return archive.NopSink{}, nil
	}
	sink, err := archive.NewGCSSink(ctx, cfg.GCSBucket, cfg.Prefix, log)
	if err != nil {
		return nil, err
	}
	log.Info("gcs archive sink enabled", "bucket", cfg.GCSBucket)
	return sink, nil
}

// sweepRetention runs one retention sweep through the configured
// archive sink.
func (p *pipeline) sweepRetention(ctx context.Context) (int, error) {
	return p.aggregator.Sweep(ctx, p.archiver)
}

// close tears the pipeline down in reverse dependency order.
func (p *pipeline) close(ctx context.Context) {
	p.metrics.Close()
	if err := p.archiver.Close(); err != nil {
		p.logger.Error("archive sink close failed", "error", err)
	}
	if err := p.db.Close(); err != nil {
		p.logger.Error("store close failed", "error", err)
	}
	for i := len(p.shutdownFns) - 1; i >= 0; i-- {
		if err := p.shutdownFns[i](ctx); err != nil {
			p.logger.Error("telemetry shutdown failed", "error", err)
		}
	}
	p.logger.Close()
}
