// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianLearn/services/improve/store"
	"github.com/AleutianAI/AleutianLearn/services/improve/training"
)

// -----------------------------------------------------------------------------
// Performance
// -----------------------------------------------------------------------------

// checkPerformance compares the cross-validated offline metrics
// against the floors.
func (g *Gate) checkPerformance(mv store.ModelVersion) store.CheckResult {
	acc := mv.OfflineMetrics.Accuracy.Mean
	prec := mv.OfflineMetrics.Precision.Mean

	result := store.CheckResult{
		Name:   "performance",
		Passed: acc >= g.cfg.MinAccuracy && prec >= g.cfg.MinPrecision,
		Evidence: map[string]float64{
			"accuracy":      acc,
			"precision":     prec,
			"min_accuracy":  g.cfg.MinAccuracy,
			"min_precision": g.cfg.MinPrecision,
		},
	}
	if !result.Passed {
		result.Rationale = fmt.Sprintf("accuracy %.4f (floor %.2f), precision %.4f (floor %.2f)",
			acc, g.cfg.MinAccuracy, prec, g.cfg.MinPrecision)
	}
	return result
}

// -----------------------------------------------------------------------------
// Stability
// -----------------------------------------------------------------------------

// checkStability requires low cross-fold variance and a tight
// bootstrap spread of the accuracy estimate. The bootstrap uses a
// fixed-seed linear congruential generator so the verdict is
// reproducible.
func (g *Gate) checkStability(mv store.ModelVersion, predictor training.Predictor, records []store.FeedbackRecord) store.CheckResult {
	foldStdDev := mv.OfflineMetrics.Accuracy.StdDev

	point := accuracyOf(predictor, records)
	spread := 0.0
	if len(records) > 0 {
		seed := uint64(1)
		for r := 0; r < g.cfg.BootstrapResamples; r++ {
			var correct, total float64
			for range records {
				seed = seed*6364136223846793005 + 1442695040888963407
				idx := int(seed>>33) % len(records)
				rec := records[idx]
				total++
				if predictCorrect(predictor, rec) {
					correct++
				}
			}
			if d := math.Abs(correct/total - point); d > spread {
				spread = d
			}
		}
	}

	result := store.CheckResult{
		Name:   "stability",
		Passed: foldStdDev <= g.cfg.MaxFoldStdDev && spread <= g.cfg.MaxBootstrapSpread,
		Evidence: map[string]float64{
			"fold_stddev":          foldStdDev,
			"max_fold_stddev":      g.cfg.MaxFoldStdDev,
			"bootstrap_spread":     spread,
			"max_bootstrap_spread": g.cfg.MaxBootstrapSpread,
			"resamples":            float64(g.cfg.BootstrapResamples),
		},
	}
	if !result.Passed {
		result.Rationale = fmt.Sprintf("fold stddev %.4f (max %.2f), bootstrap spread %.4f (max %.2f)",
			foldStdDev, g.cfg.MaxFoldStdDev, spread, g.cfg.MaxBootstrapSpread)
	}
	return result
}

// -----------------------------------------------------------------------------
// Fairness
// -----------------------------------------------------------------------------

// checkFairness bounds the demographic-parity gap (difference in
// positive-prediction rates) and the equalized-odds gap (difference in
// true/false positive rates) across incident categories. Categories
// below MinGroupSize are excluded.
func (g *Gate) checkFairness(predictor training.Predictor, records []store.FeedbackRecord) store.CheckResult {
	type groupStats struct {
		total, positive          float64
		actualPos, truePositive  float64
		actualNeg, falsePositive float64
	}
	groups := make(map[string]*groupStats)
	for _, rec := range records {
		gs := groups[rec.Category]
		if gs == nil {
			gs = &groupStats{}
			groups[rec.Category] = gs
		}
		predicted := predictor.PredictSuccess(rec.Category) >= 0.5
		actual := rec.Outcome == store.OutcomeSuccess

		gs.total++
		if predicted {
			gs.positive++
		}
		if actual {
			gs.actualPos++
			if predicted {
				gs.truePositive++
			}
		} else {
			gs.actualNeg++
			if predicted {
				gs.falsePositive++
			}
		}
	}

	var parityMin, parityMax = math.Inf(1), math.Inf(-1)
	var tprMin, tprMax = math.Inf(1), math.Inf(-1)
	var fprMin, fprMax = math.Inf(1), math.Inf(-1)
	eligible := 0
	for _, gs := range groups {
		if int(gs.total) < g.cfg.MinGroupSize {
			continue
		}
		eligible++
		parityMin = math.Min(parityMin, gs.positive/gs.total)
		parityMax = math.Max(parityMax, gs.positive/gs.total)
		if gs.actualPos > 0 {
			tprMin = math.Min(tprMin, gs.truePositive/gs.actualPos)
			tprMax = math.Max(tprMax, gs.truePositive/gs.actualPos)
		}
		if gs.actualNeg > 0 {
			fprMin = math.Min(fprMin, gs.falsePositive/gs.actualNeg)
			fprMax = math.Max(fprMax, gs.falsePositive/gs.actualNeg)
		}
	}

	// Fewer than two comparable groups: nothing to compare, trivially fair.
	if eligible < 2 {
		return store.CheckResult{
			Name:     "fairness",
			Passed:   true,
			Evidence: map[string]float64{"eligible_groups": float64(eligible)},
		}
	}

	parityGap := parityMax - parityMin
	oddsGap := math.Max(gapOf(tprMin, tprMax), gapOf(fprMin, fprMax))

	result := store.CheckResult{
		Name:   "fairness",
		Passed: parityGap <= g.cfg.MaxFairnessGap && oddsGap <= g.cfg.MaxFairnessGap,
		Evidence: map[string]float64{
			"parity_gap":         parityGap,
			"equalized_odds_gap": oddsGap,
			"max_gap":            g.cfg.MaxFairnessGap,
			"eligible_groups":    float64(eligible),
		},
	}
	if !result.Passed {
		result.Rationale = fmt.Sprintf("parity gap %.4f, equalized-odds gap %.4f (max %.2f)",
			parityGap, oddsGap, g.cfg.MaxFairnessGap)
	}
	return result
}

func gapOf(min, max float64) float64 {
	if math.IsInf(min, 1) || math.IsInf(max, -1) {
		return 0
	}
	return max - min
}

// -----------------------------------------------------------------------------
// Robustness
// -----------------------------------------------------------------------------

// checkRobustness perturbs inputs with near-duplicate transformations
// (case, whitespace) and measures prediction agreement.
func (g *Gate) checkRobustness(predictor training.Predictor, records []store.FeedbackRecord) store.CheckResult {
	perturbations := []func(string) string{
		strings.ToUpper,
		strings.ToLower,
		func(s string) string { return " " + s + " " },
	}

	var agree, total float64
	for _, rec := range records {
		base := predictor.PredictSuccess(rec.Category) >= 0.5
		for _, perturb := range perturbations {
			total++
			if (predictor.PredictSuccess(normalizeCategory(perturb(rec.Category))) >= 0.5) == base {
				agree++
			}
		}
	}

	consistency := 1.0
	if total > 0 {
		consistency = agree / total
	}

	result := store.CheckResult{
		Name:   "robustness",
		Passed: consistency >= g.cfg.MinConsistency,
		Evidence: map[string]float64{
			"consistency":     consistency,
			"min_consistency": g.cfg.MinConsistency,
			"perturbations":   total,
		},
	}
	if !result.Passed {
		result.Rationale = fmt.Sprintf("perturbation consistency %.4f below %.2f",
			consistency, g.cfg.MinConsistency)
	}
	return result
}

// normalizeCategory mirrors the ingestion-side canonicalization a
// robust serving path would apply.
func normalizeCategory(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// -----------------------------------------------------------------------------
// Drift sensitivity
// -----------------------------------------------------------------------------

// checkDrift scores the most recent slice of the window separately and
// bounds the degradation against the full-window accuracy. Records
// must be sorted by RecordedAt.
func (g *Gate) checkDrift(predictor training.Predictor, records []store.FeedbackRecord) store.CheckResult {
	if len(records) == 0 {
		return store.CheckResult{Name: "drift", Passed: true}
	}

	cut := int(float64(len(records)) * (1 - g.cfg.FutureFraction))
	if cut >= len(records) {
		cut = len(records) - 1
	}
	overall := accuracyOf(predictor, records)
	future := accuracyOf(predictor, records[cut:])
	degradation := overall - future

	result := store.CheckResult{
		Name:   "drift",
		Passed: degradation <= g.cfg.MaxDriftDegradation,
		Evidence: map[string]float64{
			"overall_accuracy": overall,
			"future_accuracy":  future,
			"degradation":      degradation,
			"max_degradation":  g.cfg.MaxDriftDegradation,
			"future_records":   float64(len(records) - cut),
		},
	}
	if !result.Passed {
		result.Rationale = fmt.Sprintf("accuracy drops %.4f on recent slice (max %.2f)",
			degradation, g.cfg.MaxDriftDegradation)
	}
	return result
}

// -----------------------------------------------------------------------------
// Scoring helpers
// -----------------------------------------------------------------------------

func predictCorrect(predictor training.Predictor, rec store.FeedbackRecord) bool {
	predicted := predictor.PredictSuccess(rec.Category) >= 0.5
	return predicted == (rec.Outcome == store.OutcomeSuccess)
}

func accuracyOf(predictor training.Predictor, records []store.FeedbackRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var correct float64
	for _, rec := range records {
		if predictCorrect(predictor, rec) {
			correct++
		}
	}
	return correct / float64(len(records))
}
