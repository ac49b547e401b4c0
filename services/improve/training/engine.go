// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package training implements the retraining engine: stratified
// splitting, k-fold cross-validation, and candidate model production
// through an external Trainer.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInsufficientData indicates the window holds fewer resolved
	// records than the configured minimum. The cycle ends early and the
	// next cycle retries with an extended window.
	ErrInsufficientData = errors.New("training: insufficient feedback data")

	// ErrTimeout indicates the wall-clock training budget was exceeded.
	// The candidate is rejected; the cycle continues with the rest.
	ErrTimeout = errors.New("training: budget exceeded")

	// ErrUnstable indicates cross-fold variance of the primary metric
	// exceeded the stability threshold. The candidate is persisted as
	// rejected for auditability.
	ErrUnstable = errors.New("training: cross-fold metrics unstable")
)

// -----------------------------------------------------------------------------
// Trainer contract
// -----------------------------------------------------------------------------

// Dataset is one fold's train/holdout split.
type Dataset struct {
	Train   []store.FeedbackRecord
	Holdout []store.FeedbackRecord
}

// FoldMetrics are the evaluation results of one fold.
type FoldMetrics struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// Trainer trains one model on a dataset and evaluates it on the
// holdout. Implementations wrap the actual learning system; the engine
// treats hyperparameters as opaque.
type Trainer interface {
	Train(ctx context.Context, dataset Dataset, hyperparameters map[string]any) (artifactRef string, metrics FoldMetrics, err error)
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// WindowSource supplies resolved feedback for a time window. Satisfied
// by feedback.Aggregator.
type WindowSource interface {
	Window(ctx context.Context, start, end time.Time, opts store.WindowOptions) ([]store.FeedbackRecord, error)
}

// Config holds the engine's tunables.
type Config struct {
	// MinSamples is the minimum resolved record count. Default: 100.
	MinSamples int `yaml:"min_samples"`

	// Folds is the cross-validation fold count. Default: 5.
	Folds int `yaml:"folds"`

	// HoldoutFraction is the share reserved for the final test split.
	// Default: 0.20.
	HoldoutFraction float64 `yaml:"holdout_fraction"`

	// StabilityThreshold is the maximum allowed cross-fold standard
	// deviation of accuracy. Default: 0.05.
	StabilityThreshold float64 `yaml:"stability_threshold"`

	// Budget is the wall-clock limit for one candidate. Default: 30m.
	Budget time.Duration `yaml:"budget"`

	// MaxConcurrent bounds the candidate worker pool. Default: 2.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:         100,
		Folds:              5,
		HoldoutFraction:    0.20,
		StabilityThreshold: 0.05,
		Budget:             30 * time.Minute,
		MaxConcurrent:      2,
	}
}

// Engine produces candidate model versions from the feedback window.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	source  WindowSource
	models  *store.ModelStore
	trainer Trainer
	logger  *slog.Logger
	cfg     Config
}

// NewEngine wires the engine.
func NewEngine(source WindowSource, models *store.ModelStore, trainer Trainer, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 100
	}
	if cfg.Folds < 2 {
		cfg.Folds = 5
	}
	if cfg.HoldoutFraction <= 0 || cfg.HoldoutFraction >= 1 {
		cfg.HoldoutFraction = 0.20
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 0.05
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return &Engine{
		source:  source,
		models:  models,
		trainer: trainer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Retrain produces one candidate from the window using the given
// hyperparameters.
//
// Description:
//
//	Splits the window's resolved records into a stratified 80/20
//	train/test partition, runs k-fold cross-validation on the
//	training portion, and records mean and standard deviation per
//	metric. An unstable candidate (accuracy stddev above threshold)
//	is persisted as rejected and ErrUnstable is returned. A stable
//	candidate is trained once more on the full training portion and
//	persisted with status=candidate.
func (e *Engine) Retrain(ctx context.Context, window store.TimeWindow, baseModelID string, hyperparameters map[string]any) (*store.ModelVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	records, err := e.source.Window(ctx, window.Start, window.End, store.WindowOptions{})
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	if len(records) < e.cfg.MinSamples {
		return nil, fmt.Errorf("%w: %d records, need %d",
			ErrInsufficientData, len(records), e.cfg.MinSamples)
	}

	// Deterministic shuffle keyed to the window keeps reruns of the
	// same cycle comparable.
	rng := rand.New(rand.NewSource(window.Start.UnixNano() ^ window.End.UnixNano()))
	train, holdout := stratifiedSplit(records, e.cfg.HoldoutFraction, rng)
	folds := stratifiedFolds(train, e.cfg.Folds, rng)

	foldResults := make([]FoldMetrics, 0, len(folds))
	for i := range folds {
		if err := budgetErr(ctx); err != nil {
			return nil, err
		}
		ds := Dataset{Holdout: folds[i]}
		for j := range folds {
			if j != i {
				ds.Train = append(ds.Train, folds[j]...)
			}
		}
		_, fm, err := e.trainer.Train(ctx, ds, hyperparameters)
		if err != nil {
			if budgetErr(ctx) != nil {
				return nil, budgetErr(ctx)
			}
			return nil, fmt.Errorf("fold %d: %w", i, err)
		}
		foldResults = append(foldResults, fm)
	}

	offline := summarize(foldResults)

	version := store.ModelVersion{
		ParentID:        baseModelID,
		TrainingWindow:  window,
		Hyperparameters: hyperparameters,
		OfflineMetrics:  offline,
	}

	if offline.Accuracy.StdDev > e.cfg.StabilityThreshold {
		created, cerr := e.models.Create(ctx, version)
		if cerr != nil {
			return nil, cerr
		}
		rationale := fmt.Sprintf("cross-fold accuracy stddev %.4f exceeds stability threshold %.4f",
			offline.Accuracy.StdDev, e.cfg.StabilityThreshold)
		rejected, terr := e.models.Transition(ctx, created.ID, store.StatusRejected, rationale)
		if terr != nil {
			return nil, terr
		}
		return &rejected, fmt.Errorf("%w: %s", ErrUnstable, rationale)
	}

	// Final fit on the full training portion; holdout stays untouched
	// for the validation gate.
	artifactRef, _, err := e.trainer.Train(ctx, Dataset{Train: train, Holdout: holdout}, hyperparameters)
	if err != nil {
		if budgetErr(ctx) != nil {
			return nil, budgetErr(ctx)
		}
		return nil, fmt.Errorf("final fit: %w", err)
	}
	version.ArtifactRef = artifactRef

	created, err := e.models.Create(ctx, version)
	if err != nil {
		return nil, err
	}

	e.logger.Info("candidate trained",
		"model_id", created.ID,
		"parent_id", baseModelID,
		"records", len(records),
		"accuracy", offline.Accuracy.Mean,
		"accuracy_stddev", offline.Accuracy.StdDev)
	return &created, nil
}

// RetrainAll fans out one Retrain per hyperparameter set over a
// bounded worker pool. Candidate-level failures are isolated: the
// returned slice holds the successful candidates, and an error is
// returned only when every candidate failed.
func (e *Engine) RetrainAll(ctx context.Context, window store.TimeWindow, baseModelID string, hyperparameterSets []map[string]any) ([]*store.ModelVersion, error) {
	if len(hyperparameterSets) == 0 {
		hyperparameterSets = []map[string]any{nil}
	}

	var (
		mu         sync.Mutex
		candidates []*store.ModelVersion
		failures   []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for i, hp := range hyperparameterSets {
		g.Go(func() error {
			mv, err := e.Retrain(gctx, window, baseModelID, hp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("candidate failed", "set", i, "error", err)
				failures = append(failures, err)
				// Insufficient data affects every set equally; stop early.
				if errors.Is(err, ErrInsufficientData) {
					return err
				}
				return nil
			}
			candidates = append(candidates, mv)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("all %d candidates failed: %w", len(failures), failures[0])
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates, nil
}

// budgetErr maps a deadline expiry to ErrTimeout.
func budgetErr(ctx context.Context) error {
	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	} else if err != nil {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Splitting
// -----------------------------------------------------------------------------

// stratifiedSplit partitions records into train and holdout, keeping
// each (category, outcome) stratum's proportions intact.
func stratifiedSplit(records []store.FeedbackRecord, holdoutFraction float64, rng *rand.Rand) (train, holdout []store.FeedbackRecord) {
	for _, stratum := range strata(records, rng) {
		cut := int(math.Round(float64(len(stratum)) * holdoutFraction))
		holdout = append(holdout, stratum[:cut]...)
		train = append(train, stratum[cut:]...)
	}
	return train, holdout
}

// stratifiedFolds deals each stratum round-robin into k folds.
func stratifiedFolds(records []store.FeedbackRecord, k int, rng *rand.Rand) [][]store.FeedbackRecord {
	folds := make([][]store.FeedbackRecord, k)
	for _, stratum := range strata(records, rng) {
		for i, rec := range stratum {
			folds[i%k] = append(folds[i%k], rec)
		}
	}
	return folds
}

// strata groups records by (category, outcome) and shuffles each group.
// Group order is sorted so the whole procedure is deterministic under a
// fixed rng seed.
func strata(records []store.FeedbackRecord, rng *rand.Rand) [][]store.FeedbackRecord {
	groups := make(map[string][]store.FeedbackRecord)
	for _, rec := range records {
		key := rec.Category + "/" + string(rec.Outcome)
		groups[key] = append(groups[key], rec)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]store.FeedbackRecord, 0, len(keys))
	for _, key := range keys {
		stratum := groups[key]
		rng.Shuffle(len(stratum), func(i, j int) {
			stratum[i], stratum[j] = stratum[j], stratum[i]
		})
		out = append(out, stratum)
	}
	return out
}

// summarize reduces fold results to mean and stddev per metric.
func summarize(folds []FoldMetrics) store.OfflineMetrics {
	pick := func(f func(FoldMetrics) float64) store.MetricStat {
		values := make([]float64, len(folds))
		for i, fm := range folds {
			values[i] = f(fm)
		}
		return store.MetricStat{Mean: meanOf(values), StdDev: stddevOf(values)}
	}
	return store.OfflineMetrics{
		Accuracy:  pick(func(f FoldMetrics) float64 { return f.Accuracy }),
		Precision: pick(func(f FoldMetrics) float64 { return f.Precision }),
		Recall:    pick(func(f FoldMetrics) float64 { return f.Recall }),
		F1:        pick(func(f FoldMetrics) float64 { return f.F1 }),
	}
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddevOf(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := meanOf(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
