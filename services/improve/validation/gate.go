// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation implements the pre-deployment gate: performance,
// stability, fairness, robustness, and drift-sensitivity checks over a
// candidate model.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLearn/services/improve/store"
	"github.com/AleutianAI/AleutianLearn/services/improve/training"
)

// ErrCorruptArtifact indicates the candidate's artifact could not be
// loaded. This is the only condition that short-circuits the gate: all
// other checks always run so the report is complete.
var ErrCorruptArtifact = errors.New("validation: corrupt model artifact")

// Config holds the gate thresholds. The numeric defaults are tunable,
// not regulatory.
type Config struct {
	// MinAccuracy is the offline accuracy floor. Default: 0.80.
	MinAccuracy float64 `yaml:"min_accuracy"`

	// MinPrecision is the offline precision floor. Default: 0.75.
	MinPrecision float64 `yaml:"min_precision"`

	// MaxFoldStdDev is the cross-fold accuracy stddev ceiling.
	// Default: 0.05.
	MaxFoldStdDev float64 `yaml:"max_fold_stddev"`

	// BootstrapResamples is the resample count for the stability
	// check. Default: 200.
	BootstrapResamples int `yaml:"bootstrap_resamples"`

	// MaxBootstrapSpread is the allowed deviation of any bootstrap
	// accuracy from the point estimate. Default: 0.05.
	MaxBootstrapSpread float64 `yaml:"max_bootstrap_spread"`

	// MaxFairnessGap bounds the demographic-parity and equalized-odds
	// gaps across categories. Default: 0.10.
	MaxFairnessGap float64 `yaml:"max_fairness_gap"`

	// MinGroupSize excludes tiny categories from the fairness check.
	// Default: 10.
	MinGroupSize int `yaml:"min_group_size"`

	// MinConsistency is the required prediction agreement under input
	// perturbation. Default: 0.90.
	MinConsistency float64 `yaml:"min_consistency"`

	// MaxDriftDegradation is the allowed accuracy drop on the most
	// recent slice of the window. Default: 0.10.
	MaxDriftDegradation float64 `yaml:"max_drift_degradation"`

	// FutureFraction is the share of the window treated as the
	// "future" slice. Default: 0.20.
	FutureFraction float64 `yaml:"future_fraction"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinAccuracy:         0.80,
		MinPrecision:        0.75,
		MaxFoldStdDev:       0.05,
		BootstrapResamples:  200,
		MaxBootstrapSpread:  0.05,
		MaxFairnessGap:      0.10,
		MinGroupSize:        10,
		MinConsistency:      0.90,
		MaxDriftDegradation: 0.10,
		FutureFraction:      0.20,
	}
}

// ArtifactLoader loads a stored artifact into a scorer. Wraps
// training.LoadFrequencyModel by default.
type ArtifactLoader func(ref string) (training.Predictor, error)

// Gate validates candidates and records the verdict.
//
// Thread Safety: Safe for concurrent use; the gate is stateless per
// call and trivially parallelizable across models.
type Gate struct {
	source  training.WindowSource
	reports *store.ReportStore
	models  *store.ModelStore
	load    ArtifactLoader
	logger  *slog.Logger
	cfg     Config

	now func() time.Time
}

// NewGate wires the gate. A nil loader defaults to the built-in
// frequency-model loader.
func NewGate(source training.WindowSource, reports *store.ReportStore, models *store.ModelStore, load ArtifactLoader, logger *slog.Logger, cfg Config) *Gate {
	if load == nil {
		load = training.LoadFrequencyModel
	}
	return &Gate{
		source:  source,
		reports: reports,
		models:  models,
		load:    load,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Validate runs all checks against the candidate and persists the
// immutable report.
//
// Description:
//
//	Every check runs regardless of earlier failures so the report is
//	complete; only a corrupt artifact short-circuits. passed is the
//	AND of all checks. A failing model is transitioned to rejected
//	with the failing checks as rationale; a passing model moves to
//	gated.
func (g *Gate) Validate(ctx context.Context, mv store.ModelVersion) (store.ValidationReport, error) {
	predictor, err := g.load(mv.ArtifactRef)
	if err != nil {
		return store.ValidationReport{}, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}

	records, err := g.source.Window(ctx, mv.TrainingWindow.Start, mv.TrainingWindow.End, store.WindowOptions{})
	if err != nil {
		return store.ValidationReport{}, fmt.Errorf("load evaluation window: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].RecordedAt.Before(records[j].RecordedAt)
	})

	checks := []store.CheckResult{
		g.checkPerformance(mv),
		g.checkStability(mv, predictor, records),
		g.checkFairness(predictor, records),
		g.checkRobustness(predictor, records),
		g.checkDrift(predictor, records),
	}

	report := store.ValidationReport{
		ModelID:   mv.ID,
		Checks:    checks,
		Passed:    true,
		CreatedAt: g.now().UTC(),
	}
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			report.Passed = false
			failed = append(failed, fmt.Sprintf("%s: %s", c.Name, c.Rationale))
		}
	}

	if err := g.reports.Put(ctx, report); err != nil {
		return store.ValidationReport{}, err
	}

	if report.Passed {
		if _, err := g.models.Transition(ctx, mv.ID, store.StatusGated, "passed validation gate"); err != nil {
			return store.ValidationReport{}, err
		}
	} else {
		rationale := "failed validation gate: " + strings.Join(failed, "; ")
		if _, err := g.models.Transition(ctx, mv.ID, store.StatusRejected, rationale); err != nil {
			return store.ValidationReport{}, err
		}
	}

	g.logger.Info("validation gate verdict",
		"model_id", mv.ID, "passed", report.Passed, "failed_checks", len(failed))
	return report, nil
}
