// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterns mines the feedback window for new incident
// clusters, behavioral deviations, temporal trends, and cross-system
// correlations.
//
// The four detectors run concurrently over a read-only snapshot and
// their outputs are merged only after all complete. A failing detector
// is isolated: it logs and contributes nothing, it never fails the run.
package patterns

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianLearn/services/improve/embed"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// Config holds the detection thresholds. All values are tunable at
// runtime via SetConfig; none of the defaults is load-bearing.
type Config struct {
	// TauNovel is the cosine-distance novelty threshold against the
	// historical cluster index. Default: 0.35.
	TauNovel float64 `yaml:"tau_novel"`

	// KMin is how many other novel points must co-locate with a point
	// before a new cluster is reported. Default: 3.
	KMin int `yaml:"k_min"`

	// NovelSpan is the co-location time span. Default: 24h.
	NovelSpan time.Duration `yaml:"novel_span"`

	// DeviationFraction is the relative deviation from baseline that
	// triggers a behavior-shift pattern. Default: 0.30.
	DeviationFraction float64 `yaml:"deviation_fraction"`

	// TrendAlpha is the slope significance level. Default: 0.05.
	TrendAlpha float64 `yaml:"trend_alpha"`

	// TrendMinSlope is the minimum absolute per-day slope. Default: 0.01.
	TrendMinSlope float64 `yaml:"trend_min_slope"`

	// CorrelationThreshold is the minimum absolute Pearson correlation.
	// Default: 0.7.
	CorrelationThreshold float64 `yaml:"correlation_threshold"`

	// MinSupport is the minimum co-occurrence count for a correlation
	// pattern. Default: 5.
	MinSupport int `yaml:"min_support"`
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		TauNovel:             0.35,
		KMin:                 3,
		NovelSpan:            24 * time.Hour,
		DeviationFraction:    0.30,
		TrendAlpha:           0.05,
		TrendMinSlope:        0.01,
		CorrelationThreshold: 0.7,
		MinSupport:           5,
	}
}

// Baseline is the stored reference distribution of one subject's
// success rate, computed from an earlier window.
type Baseline struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Samples  int     `json:"samples"`
}

// Snapshot is the read-only input to one analysis run. Detectors never
// mutate it.
type Snapshot struct {
	// Window is the feedback window under analysis.
	Window store.TimeWindow

	// Feedback is the window's resolved records.
	Feedback []store.FeedbackRecord

	// Baselines maps subject (category) to its stored success-rate
	// baseline. Subjects without a baseline are skipped by the
	// behavior-shift detector.
	Baselines map[string]Baseline
}

// Analyzer runs the four detectors.
//
// Thread Safety: Safe for concurrent use; SetConfig may race with Run
// and takes effect on the next run.
type Analyzer struct {
	embedder embed.Embedder
	index    ClusterIndex
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg Config

	now func() time.Time
}

// NewAnalyzer creates an Analyzer. The embedder and index serve the
// new-cluster detector; pass a MemoryIndex when no vector database is
// configured.
func NewAnalyzer(embedder embed.Embedder, index ClusterIndex, logger *slog.Logger, cfg Config) *Analyzer {
	return &Analyzer{
		embedder: embedder,
		index:    index,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetConfig swaps the thresholds, for config hot-reload.
func (a *Analyzer) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

func (a *Analyzer) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Run executes all detectors concurrently and merges their patterns
// without deduplication. The returned error is non-nil only when the
// context is cancelled; detector failures are logged and isolated.
func (a *Analyzer) Run(ctx context.Context, snap Snapshot) ([]store.Pattern, error) {
	cfg := a.config()
	detectedAt := a.now().UTC()

	type detector struct {
		name string
		run  func(context.Context, Config, Snapshot, time.Time) ([]store.Pattern, error)
	}
	detectors := []detector{
		{"new-cluster", a.detectNewClusters},
		{"behavior-shift", a.detectBehaviorShifts},
		{"trend", a.detectTrends},
		{"correlation", a.detectCorrelations},
	}

	var (
		mu     sync.Mutex
		merged []store.Pattern
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range detectors {
		g.Go(func() error {
			patterns, err := d.run(gctx, cfg, snap, detectedAt)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.logger.Warn("detector failed",
					"detector", d.name, "error", err)
				return nil
			}
			mu.Lock()
			merged = append(merged, patterns...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.logger.Info("pattern analysis complete",
		"records", len(snap.Feedback), "patterns", len(merged))
	return merged, nil
}
