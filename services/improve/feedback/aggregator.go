// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback implements the feedback aggregator: ingestion,
// validation, deduplication, windowed reads, and retention.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrInvalidRecord indicates a malformed feedback record. Such records
// are rejected at ingestion and never retried.
var ErrInvalidRecord = errors.New("invalid feedback record")

// InvalidRecordError carries the offending field for API responses.
type InvalidRecordError struct {
	Field  string
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid feedback record: %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrInvalidRecord) work.
func (e *InvalidRecordError) Unwrap() error { return ErrInvalidRecord }

// -----------------------------------------------------------------------------
// Inbound event
// -----------------------------------------------------------------------------

// Event is the inbound feedback event produced by the incident
// subsystem whenever an incident is resolved or rated.
type Event struct {
	IncidentID          string        `json:"incident_id" validate:"required"`
	Source              string        `json:"source" validate:"required,oneof=operator user system"`
	SuggestedSolutionID string        `json:"suggested_solution_id" validate:"required"`
	ActualSolution      string        `json:"actual_solution,omitempty"`
	Outcome             string        `json:"outcome" validate:"required,oneof=success failure unknown"`
	Rating              int           `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Category            string        `json:"category,omitempty"`
	LatencyToResolution time.Duration `json:"latency_to_resolution,omitempty"`
	Description         string        `json:"description,omitempty"`
	RecordedAt          time.Time     `json:"recorded_at"`
}

// -----------------------------------------------------------------------------
// Aggregator
// -----------------------------------------------------------------------------

// Aggregator collects outcome records into the rolling feedback window.
//
// Thread Safety: Safe for concurrent use.
type Aggregator struct {
	store    *store.FeedbackStore
	metrics  *metrics.Service
	validate *validator.Validate
	logger   *slog.Logger

	// retention is how long records stay queryable before the sweep
	// hands them to the archiver.
	retention time.Duration

	now func() time.Time
}

// Config configures the Aggregator.
type Config struct {
	// Retention is the feedback window length. Default: 30 days.
	Retention time.Duration

	// Logger is required.
	Logger *slog.Logger
}

// New creates an Aggregator over the given record set.
func New(fs *store.FeedbackStore, ms *metrics.Service, cfg Config) *Aggregator {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Aggregator{
		store:     fs,
		metrics:   ms,
		validate:  validator.New(),
		logger:    cfg.Logger,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Record validates and appends one feedback event.
//
// Description:
//
//	Malformed events fail with an InvalidRecordError (wrapped
//	ErrInvalidRecord) and are never retried. Valid events are
//	deduplicated by (incident_id, source), keeping the most recent.
//	Side effect: increments feedback.total_collected and the
//	per-source counter.
func (a *Aggregator) Record(ctx context.Context, ev Event) error {
	if err := a.validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &InvalidRecordError{
				Field:  verrs[0].Field(),
				Reason: fmt.Sprintf("failed %q constraint", verrs[0].Tag()),
			}
		}
		return &InvalidRecordError{Field: "event", Reason: err.Error()}
	}

	rec := store.FeedbackRecord{
		IncidentID:          ev.IncidentID,
		Source:              store.Source(ev.Source),
		SuggestedSolutionID: ev.SuggestedSolutionID,
		ActualSolution:      ev.ActualSolution,
		Outcome:             store.Outcome(ev.Outcome),
		Rating:              ev.Rating,
		Category:            ev.Category,
		LatencyToResolution: ev.LatencyToResolution,
		Description:         ev.Description,
		RecordedAt:          ev.RecordedAt,
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = a.now().UTC()
	}

	id, err := a.store.Put(ctx, rec)
	if err != nil {
		return fmt.Errorf("persist feedback: %w", err)
	}
	if id == "" {
		// Superseded by a newer record for the same (incident, source).
		a.logger.Debug("feedback superseded",
			"incident_id", rec.IncidentID, "source", rec.Source)
		return nil
	}

	a.metrics.Inc(ctx, "feedback.total_collected", nil)
	a.metrics.Inc(ctx, fmt.Sprintf("feedback.by_source.%s", rec.Source), nil)
	return nil
}

// WindowOptions re-exports the store options for callers.
type WindowOptions = store.WindowOptions

// Window returns resolved records in [start, end). Records with
// outcome=unknown are excluded unless opts.IncludeUnknown is set.
func (a *Aggregator) Window(ctx context.Context, start, end time.Time, opts WindowOptions) ([]store.FeedbackRecord, error) {
	return a.store.Window(ctx, start, end, opts)
}

// Archiver receives expired records before they are removed.
type Archiver interface {
	ArchiveFeedback(ctx context.Context, records []store.FeedbackRecord) error
}

// Sweep moves records older than the retention window to the archiver.
// Records are removed only after a successful archive.
func (a *Aggregator) Sweep(ctx context.Context, archiver Archiver) (int, error) {
	cutoff := a.now().Add(-a.retention)

	// Peek first: only delete once the archive write succeeded.
	expired, err := a.store.Window(ctx, time.Time{}, cutoff, store.WindowOptions{IncludeUnknown: true})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if archiver != nil {
		if err := archiver.ArchiveFeedback(ctx, expired); err != nil {
			return 0, fmt.Errorf("archive expired feedback: %w", err)
		}
	}

	removed, err := a.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	a.logger.Info("feedback retention sweep",
		"removed", len(removed), "cutoff", cutoff)
	return len(removed), nil
}
