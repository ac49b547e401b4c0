// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// -----------------------------------------------------------------------------
// New-cluster detection
// -----------------------------------------------------------------------------

// detectNewClusters embeds failure descriptions and flags groups of
// points far from every known historical cluster.
//
// A point is novel when its nearest known centroid is farther than
// TauNovel; a novel point co-located in time with at least KMin other
// novel points forms a new-cluster pattern. Confidence is
// 1 - meanIntraDistance/TauNovel, clamped to [0,1]: the tighter the
// group, the higher the confidence.
func (a *Analyzer) detectNewClusters(ctx context.Context, cfg Config, snap Snapshot, detectedAt time.Time) ([]store.Pattern, error) {
	type candidate struct {
		rec    store.FeedbackRecord
		vector []float32
	}

	var texts []string
	var recs []store.FeedbackRecord
	for _, rec := range snap.Feedback {
		if rec.Outcome == store.OutcomeFailure && rec.Description != "" {
			texts = append(texts, rec.Description)
			recs = append(recs, rec)
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := a.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed descriptions: %w", err)
	}

	var novel []candidate
	for i, vec := range vectors {
		neighbors, err := a.index.Nearest(ctx, vec, 1)
		switch {
		case errors.Is(err, ErrEmptyIndex):
			// No history: everything is novel.
			novel = append(novel, candidate{rec: recs[i], vector: vec})
			continue
		case err != nil:
			return nil, fmt.Errorf("nearest centroid: %w", err)
		}
		if neighbors[0].Distance > cfg.TauNovel {
			novel = append(novel, candidate{rec: recs[i], vector: vec})
		}
	}
	if len(novel) == 0 {
		return nil, nil
	}

	sort.Slice(novel, func(i, j int) bool {
		return novel[i].rec.RecordedAt.Before(novel[j].rec.RecordedAt)
	})

	// Greedy time grouping: a group spans at most NovelSpan from its
	// first point.
	var patterns []store.Pattern
	for start := 0; start < len(novel); {
		end := start
		for end < len(novel) &&
			novel[end].rec.RecordedAt.Sub(novel[start].rec.RecordedAt) <= cfg.NovelSpan {
			end++
		}
		group := novel[start:end]
		start = end

		if len(group) < cfg.KMin+1 {
			continue
		}

		centroid := meanVector(len(group[0].vector), func(i int) []float32 { return group[i].vector }, len(group))
		var distSum float64
		sampleIDs := make([]string, len(group))
		categories := map[string]int{}
		for i, c := range group {
			distSum += cosineDistance(c.vector, centroid)
			sampleIDs[i] = c.rec.IncidentID
			categories[c.rec.Category]++
		}
		meanIntra := distSum / float64(len(group))

		patterns = append(patterns, store.Pattern{
			Kind:    store.PatternNewCluster,
			Subject: dominantKey(categories),
			Evidence: map[string]float64{
				"size":                float64(len(group)),
				"mean_intra_distance": meanIntra,
				"tau_novel":           cfg.TauNovel,
			},
			SampleIDs:  sampleIDs,
			Confidence: clamp01(1 - meanIntra/cfg.TauNovel),
			DetectedAt: detectedAt,
		})
	}
	return patterns, nil
}

func meanVector(dims int, at func(int) []float32, n int) []float32 {
	out := make([]float32, dims)
	for i := 0; i < n; i++ {
		vec := at(i)
		for j := 0; j < dims && j < len(vec); j++ {
			out[j] += vec[j]
		}
	}
	for j := range out {
		out[j] /= float32(n)
	}
	return out
}

func dominantKey(counts map[string]int) string {
	best, bestCount := "", -1
	for k, c := range counts {
		if c > bestCount || (c == bestCount && k < best) {
			best, bestCount = k, c
		}
	}
	if best == "" {
		return "uncategorized"
	}
	return best
}

// -----------------------------------------------------------------------------
// Behavior-shift detection
// -----------------------------------------------------------------------------

// detectBehaviorShifts compares each subject's trailing success rate
// against its stored baseline. A pattern is reported when the absolute
// relative deviation exceeds DeviationFraction; confidence scales with
// the z-score of the deviation.
func (a *Analyzer) detectBehaviorShifts(_ context.Context, cfg Config, snap Snapshot, detectedAt time.Time) ([]store.Pattern, error) {
	rates := successRates(snap.Feedback)

	var patterns []store.Pattern
	for subject, obs := range rates {
		baseline, ok := snap.Baselines[subject]
		if !ok || baseline.Mean == 0 || obs.total == 0 {
			continue
		}

		observed := float64(obs.successes) / float64(obs.total)
		relDev := math.Abs(observed-baseline.Mean) / math.Abs(baseline.Mean)
		if relDev <= cfg.DeviationFraction {
			continue
		}

		// z-score of the observed mean against the baseline
		// distribution of per-sample outcomes.
		var z float64
		if baseline.Variance > 0 {
			z = math.Abs(observed-baseline.Mean) / math.Sqrt(baseline.Variance/float64(obs.total))
		}
		confidence := clamp01(2*normalCDF(z) - 1)
		if z == 0 {
			confidence = clamp01(relDev)
		}

		patterns = append(patterns, store.Pattern{
			Kind:    store.PatternBehaviorShift,
			Subject: subject,
			Evidence: map[string]float64{
				"observed_rate":      observed,
				"baseline_rate":      baseline.Mean,
				"relative_deviation": relDev,
				"z_score":            z,
				"samples":            float64(obs.total),
			},
			Confidence: confidence,
			DetectedAt: detectedAt,
		})
	}
	return patterns, nil
}

type rateObs struct {
	successes int
	total     int
}

// successRates counts success/total per category, ignoring unknown
// outcomes.
func successRates(records []store.FeedbackRecord) map[string]rateObs {
	out := make(map[string]rateObs)
	for _, rec := range records {
		if rec.Outcome == store.OutcomeUnknown {
			continue
		}
		obs := out[subjectOf(rec)]
		obs.total++
		if rec.Outcome == store.OutcomeSuccess {
			obs.successes++
		}
		out[subjectOf(rec)] = obs
	}
	return out
}

func subjectOf(rec store.FeedbackRecord) string {
	if rec.Category == "" {
		return "uncategorized"
	}
	return rec.Category
}

// -----------------------------------------------------------------------------
// Trend detection
// -----------------------------------------------------------------------------

// detectTrends fits an OLS regression of each subject's daily success
// rate over time. A pattern is reported when the slope is significant
// (p < TrendAlpha) and its magnitude exceeds TrendMinSlope. Seasonal
// decomposition (hourly/weekly/monthly group-mean variance ratios) is
// attached as auxiliary evidence, never as a gate.
func (a *Analyzer) detectTrends(_ context.Context, cfg Config, snap Snapshot, detectedAt time.Time) ([]store.Pattern, error) {
	daily := dailyRates(snap.Feedback)

	var patterns []store.Pattern
	for subject, series := range daily {
		if len(series) < 3 {
			continue
		}

		xs := make([]float64, len(series))
		ys := make([]float64, len(series))
		for i, pt := range series {
			xs[i] = float64(i)
			ys[i] = pt.rate
		}

		slope, _, p := olsFit(xs, ys)
		if p >= cfg.TrendAlpha || math.Abs(slope) < cfg.TrendMinSlope {
			continue
		}

		evidence := map[string]float64{
			"slope_per_day": slope,
			"p_value":       p,
			"days":          float64(len(series)),
		}
		for name, ratio := range seasonalRatios(snap.Feedback, subject) {
			evidence[name] = ratio
		}

		patterns = append(patterns, store.Pattern{
			Kind:       store.PatternTrend,
			Subject:    subject,
			Evidence:   evidence,
			Confidence: clamp01(1 - p/cfg.TrendAlpha),
			DetectedAt: detectedAt,
		})
	}
	return patterns, nil
}

type dayRate struct {
	day  time.Time
	rate float64
}

// dailyRates buckets records per subject per UTC day and computes the
// success rate of each day, in chronological order.
func dailyRates(records []store.FeedbackRecord) map[string][]dayRate {
	type bucket struct{ successes, total int }
	byDay := make(map[string]map[time.Time]*bucket)

	for _, rec := range records {
		if rec.Outcome == store.OutcomeUnknown {
			continue
		}
		subject := subjectOf(rec)
		day := rec.RecordedAt.UTC().Truncate(24 * time.Hour)
		if byDay[subject] == nil {
			byDay[subject] = make(map[time.Time]*bucket)
		}
		b := byDay[subject][day]
		if b == nil {
			b = &bucket{}
			byDay[subject][day] = b
		}
		b.total++
		if rec.Outcome == store.OutcomeSuccess {
			b.successes++
		}
	}

	out := make(map[string][]dayRate, len(byDay))
	for subject, days := range byDay {
		series := make([]dayRate, 0, len(days))
		for day, b := range days {
			series = append(series, dayRate{day: day, rate: float64(b.successes) / float64(b.total)})
		}
		sort.Slice(series, func(i, j int) bool { return series[i].day.Before(series[j].day) })
		out[subject] = series
	}
	return out
}

// seasonalRatios decomposes a subject's failure indicator by hour of
// day, day of week, and day of month. Each ratio is the variance of
// the group means over the overall variance: near 1 means the grouping
// explains most of the variation.
func seasonalRatios(records []store.FeedbackRecord, subject string) map[string]float64 {
	var outcomes []float64
	var times []time.Time
	for _, rec := range records {
		if subjectOf(rec) != subject || rec.Outcome == store.OutcomeUnknown {
			continue
		}
		v := 0.0
		if rec.Outcome == store.OutcomeFailure {
			v = 1
		}
		outcomes = append(outcomes, v)
		times = append(times, rec.RecordedAt.UTC())
	}

	overall := sampleVariance(outcomes)
	if overall == 0 {
		return nil
	}

	ratio := func(group func(time.Time) int) float64 {
		sums := map[int][]float64{}
		for i, t := range times {
			k := group(t)
			sums[k] = append(sums[k], outcomes[i])
		}
		var means []float64
		for _, vs := range sums {
			means = append(means, mean(vs))
		}
		return clamp01(sampleVariance(means) / overall)
	}

	return map[string]float64{
		"seasonal_hourly":  ratio(func(t time.Time) int { return t.Hour() }),
		"seasonal_weekly":  ratio(func(t time.Time) int { return int(t.Weekday()) }),
		"seasonal_monthly": ratio(func(t time.Time) int { return t.Day() }),
	}
}

// -----------------------------------------------------------------------------
// Correlation detection
// -----------------------------------------------------------------------------

// detectCorrelations builds hourly failure-count series per subject
// and reports pairs whose Pearson correlation exceeds the threshold
// with at least MinSupport co-occurring hours.
func (a *Analyzer) detectCorrelations(_ context.Context, cfg Config, snap Snapshot, detectedAt time.Time) ([]store.Pattern, error) {
	series, hours := hourlyFailures(snap.Feedback, snap.Window)
	if hours < 2 {
		return nil, nil
	}

	subjects := make([]string, 0, len(series))
	for s := range series {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	var patterns []store.Pattern
	for i := 0; i < len(subjects); i++ {
		for j := i + 1; j < len(subjects); j++ {
			x, y := series[subjects[i]], series[subjects[j]]

			support := 0
			for h := 0; h < hours; h++ {
				if x[h] > 0 && y[h] > 0 {
					support++
				}
			}
			if support < cfg.MinSupport {
				continue
			}

			corr := pearson(x, y)
			if math.Abs(corr) < cfg.CorrelationThreshold {
				continue
			}

			patterns = append(patterns, store.Pattern{
				Kind:    store.PatternCorrelation,
				Subject: subjects[i] + "|" + subjects[j],
				Evidence: map[string]float64{
					"correlation":   corr,
					"co_occurrence": float64(support),
					"hours":         float64(hours),
				},
				Confidence: clamp01(math.Abs(corr)),
				DetectedAt: detectedAt,
			})
		}
	}
	return patterns, nil
}

// hourlyFailures returns, per subject, the failure count in each hour
// of the window.
func hourlyFailures(records []store.FeedbackRecord, window store.TimeWindow) (map[string][]float64, int) {
	start := window.Start.UTC().Truncate(time.Hour)
	hours := int(window.End.Sub(start) / time.Hour)
	if hours <= 0 {
		return nil, 0
	}

	series := make(map[string][]float64)
	for _, rec := range records {
		if rec.Outcome != store.OutcomeFailure {
			continue
		}
		idx := int(rec.RecordedAt.UTC().Sub(start) / time.Hour)
		if idx < 0 || idx >= hours {
			continue
		}
		subject := subjectOf(rec)
		if series[subject] == nil {
			series[subject] = make([]float64, hours)
		}
		series[subject][idx]++
	}
	return series, hours
}
