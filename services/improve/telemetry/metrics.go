// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined metrics of the improvement
// pipeline. All metrics use the "improve_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// --- Feedback Metrics ---

	// FeedbackIngestedTotal counts accepted feedback records by source.
	FeedbackIngestedTotal metric.Int64Counter

	// FeedbackRejectedTotal counts records rejected at validation.
	FeedbackRejectedTotal metric.Int64Counter

	// --- Cycle Metrics ---

	// CyclesTotal counts completed learning cycles by outcome.
	CyclesTotal metric.Int64Counter

	// CyclePhaseDuration records per-phase duration in seconds.
	CyclePhaseDuration metric.Float64Histogram

	// PatternsDetectedTotal counts detected patterns by kind.
	PatternsDetectedTotal metric.Int64Counter

	// --- Training Metrics ---

	// CandidatesTrainedTotal counts trained candidates by result.
	CandidatesTrainedTotal metric.Int64Counter

	// TrainingDuration records candidate training duration in seconds.
	TrainingDuration metric.Float64Histogram

	// --- Experiment Metrics ---

	// ExperimentsTotal counts concluded experiments by decision.
	ExperimentsTotal metric.Int64Counter

	// PromotionsTotal counts production promotions.
	PromotionsTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts errors by type and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics registers all pipeline metrics with the meter.
//
// Example:
//
//	meter := otel.Meter("improve")
//	metrics, err := telemetry.NewMetrics(meter)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"improve_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"improve_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.FeedbackIngestedTotal, err = meter.Int64Counter(
		"improve_feedback_ingested_total",
		metric.WithDescription("Accepted feedback records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create feedback_ingested_total: %w", err)
	}

	m.FeedbackRejectedTotal, err = meter.Int64Counter(
		"improve_feedback_rejected_total",
		metric.WithDescription("Feedback records rejected at validation"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create feedback_rejected_total: %w", err)
	}

	m.CyclesTotal, err = meter.Int64Counter(
		"improve_cycles_total",
		metric.WithDescription("Completed learning cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycles_total: %w", err)
	}

	m.CyclePhaseDuration, err = meter.Float64Histogram(
		"improve_cycle_phase_duration_seconds",
		metric.WithDescription("Learning cycle phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle_phase_duration: %w", err)
	}

	m.PatternsDetectedTotal, err = meter.Int64Counter(
		"improve_patterns_detected_total",
		metric.WithDescription("Detected patterns by kind"),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create patterns_detected_total: %w", err)
	}

	m.CandidatesTrainedTotal, err = meter.Int64Counter(
		"improve_candidates_trained_total",
		metric.WithDescription("Trained candidate models by result"),
		metric.WithUnit("{model}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create candidates_trained_total: %w", err)
	}

	m.TrainingDuration, err = meter.Float64Histogram(
		"improve_training_duration_seconds",
		metric.WithDescription("Candidate training duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		return nil, fmt.Errorf("create training_duration: %w", err)
	}

	m.ExperimentsTotal, err = meter.Int64Counter(
		"improve_experiments_total",
		metric.WithDescription("Concluded experiments by decision"),
		metric.WithUnit("{experiment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create experiments_total: %w", err)
	}

	m.PromotionsTotal, err = meter.Int64Counter(
		"improve_promotions_total",
		metric.WithDescription("Production promotions"),
		metric.WithUnit("{promotion}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create promotions_total: %w", err)
	}

	m.ErrorsTotal, err = meter.Int64Counter(
		"improve_errors_total",
		metric.WithDescription("Total errors by type and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}
