// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	storage "github.com/AleutianAI/AleutianLearn/services/improve/storage/badger"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, *store.Stores) {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stores := store.New(db)
	ms := metrics.New()
	t.Cleanup(ms.Close)

	agg := New(stores.Feedback, ms, Config{
		Retention: 30 * 24 * time.Hour,
		Logger:    slog.Default(),
	})
	return agg, stores
}

func validEvent() Event {
	return Event{
		IncidentID:          "inc-1",
		Source:              "operator",
		SuggestedSolutionID: "sol-1",
		Outcome:             "success",
		Category:            "DB2",
		RecordedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordValidation(t *testing.T) {
	ctx := context.Background()
	agg, _ := newTestAggregator(t)

	cases := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing incident id", func(ev *Event) { ev.IncidentID = "" }, "IncidentID"},
		{"unknown source", func(ev *Event) { ev.Source = "robot" }, "Source"},
		{"unknown outcome", func(ev *Event) { ev.Outcome = "maybe" }, "Outcome"},
		{"rating above range", func(ev *Event) { ev.Rating = 6 }, "Rating"},
		{"rating below range", func(ev *Event) { ev.Rating = -1 }, "Rating"},
		{"missing solution id", func(ev *Event) { ev.SuggestedSolutionID = "" }, "SuggestedSolutionID"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(&ev)

			err := agg.Record(ctx, ev)
			if !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
			var ire *InvalidRecordError
			if !errors.As(err, &ire) {
				t.Fatalf("expected InvalidRecordError, got %T", err)
			}
			if ire.Field != tc.field {
				t.Errorf("expected offending field %s, got %s", tc.field, ire.Field)
			}
		})
	}

	t.Run("zero rating means not rated", func(t *testing.T) {
		ev := validEvent()
		ev.Rating = 0
		if err := agg.Record(ctx, ev); err != nil {
			t.Errorf("unrated event should be valid: %v", err)
		}
	})
}

func TestRecordPersists(t *testing.T) {
	ctx := context.Background()
	agg, _ := newTestAggregator(t)
	ev := validEvent()

	if err := agg.Record(ctx, ev); err != nil {
		t.Fatalf("record: %v", err)
	}

	records, err := agg.Window(ctx, ev.RecordedAt.Add(-time.Hour), ev.RecordedAt.Add(time.Hour), WindowOptions{})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.IncidentID != ev.IncidentID || got.Source != store.SourceOperator || got.Outcome != store.OutcomeSuccess {
		t.Errorf("record fields lost in translation: %+v", got)
	}
}

func TestRecordDeduplicates(t *testing.T) {
	ctx := context.Background()
	agg, _ := newTestAggregator(t)

	first := validEvent()
	first.Outcome = "failure"
	if err := agg.Record(ctx, first); err != nil {
		t.Fatalf("first record: %v", err)
	}

	second := validEvent()
	second.Outcome = "success"
	second.RecordedAt = first.RecordedAt.Add(time.Minute)
	if err := agg.Record(ctx, second); err != nil {
		t.Fatalf("second record: %v", err)
	}

	records, _ := agg.Window(ctx, first.RecordedAt.Add(-time.Hour), first.RecordedAt.Add(time.Hour), WindowOptions{})
	if len(records) != 1 {
		t.Fatalf("expected 1 record after dedup, got %d", len(records))
	}
	if records[0].Outcome != store.OutcomeSuccess {
		t.Errorf("newer record should win, got %s", records[0].Outcome)
	}
}

// recordingArchiver captures archived batches, optionally failing.
type recordingArchiver struct {
	batches [][]store.FeedbackRecord
	fail    error
}

func (r *recordingArchiver) ArchiveFeedback(_ context.Context, records []store.FeedbackRecord) error {
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, records)
	return nil
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("archives then deletes expired records", func(t *testing.T) {
		agg, _ := newTestAggregator(t)
		now := time.Now().UTC()
		agg.now = func() time.Time { return now }

		old := validEvent()
		old.IncidentID = "inc-old"
		old.RecordedAt = now.Add(-45 * 24 * time.Hour)
		fresh := validEvent()
		fresh.IncidentID = "inc-fresh"
		fresh.RecordedAt = now.Add(-time.Hour)
		agg.Record(ctx, old)
		agg.Record(ctx, fresh)

		arch := &recordingArchiver{}
		n, err := agg.Sweep(ctx, arch)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 record swept, got %d", n)
		}
		if len(arch.batches) != 1 || arch.batches[0][0].IncidentID != "inc-old" {
			t.Errorf("expected the old record archived, got %+v", arch.batches)
		}

		remaining, _ := agg.Window(ctx, time.Time{}, now, WindowOptions{})
		if len(remaining) != 1 || remaining[0].IncidentID != "inc-fresh" {
			t.Errorf("fresh record should survive the sweep: %+v", remaining)
		}
	})

	t.Run("archive failure keeps the records", func(t *testing.T) {
		agg, _ := newTestAggregator(t)
		now := time.Now().UTC()
		agg.now = func() time.Time { return now }

		old := validEvent()
		old.RecordedAt = now.Add(-45 * 24 * time.Hour)
		agg.Record(ctx, old)

		arch := &recordingArchiver{fail: errors.New("bucket gone")}
		if _, err := agg.Sweep(ctx, arch); err == nil {
			t.Fatal("sweep should surface the archive failure")
		}

		remaining, _ := agg.Window(ctx, time.Time{}, now, WindowOptions{})
		if len(remaining) != 1 {
			t.Errorf("records must not be deleted when archiving failed, got %d", len(remaining))
		}
	})
}
