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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	storage "github.com/AleutianAI/AleutianLearn/services/improve/storage/badger"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
	"github.com/AleutianAI/AleutianLearn/services/improve/training"
)

// mapPredictor scores categories from a fixed table.
type mapPredictor struct {
	rates    map[string]float64
	fallback float64
}

func (p *mapPredictor) PredictSuccess(category string) float64 {
	if rate, ok := p.rates[category]; ok {
		return rate
	}
	return p.fallback
}

// windowStub serves a fixed record slice regardless of the window.
type windowStub struct {
	records []store.FeedbackRecord
}

func (w *windowStub) Window(context.Context, time.Time, time.Time, store.WindowOptions) ([]store.FeedbackRecord, error) {
	return w.records, nil
}

var testWindow = store.TimeWindow{
	Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
}

// cleanRecords builds a window where the stub predictor is always
// right: every category resolves success and is predicted as such.
func cleanRecords(n int) []store.FeedbackRecord {
	categories := []string{"db2", "network"}
	records := make([]store.FeedbackRecord, n)
	for i := range records {
		records[i] = store.FeedbackRecord{
			IncidentID:          fmt.Sprintf("inc-%d", i),
			Source:              store.SourceSystem,
			SuggestedSolutionID: "sol-1",
			Outcome:             store.OutcomeSuccess,
			Category:            categories[i%2],
			RecordedAt:          testWindow.Start.Add(time.Duration(i) * time.Hour),
		}
	}
	return records
}

func goodPredictor() training.Predictor {
	return &mapPredictor{
		rates:    map[string]float64{"db2": 0.9, "network": 0.85},
		fallback: 0.8,
	}
}

func candidate(t *testing.T, models *store.ModelStore, accuracyStdDev float64) store.ModelVersion {
	t.Helper()
	mv, err := models.Create(context.Background(), store.ModelVersion{
		TrainingWindow: testWindow,
		ArtifactRef:    "ref-1",
		OfflineMetrics: store.OfflineMetrics{
			Accuracy:  store.MetricStat{Mean: 0.90, StdDev: accuracyStdDev},
			Precision: store.MetricStat{Mean: 0.85, StdDev: 0.02},
			Recall:    store.MetricStat{Mean: 0.88, StdDev: 0.02},
			F1:        store.MetricStat{Mean: 0.86, StdDev: 0.02},
		},
	})
	if err != nil {
		t.Fatalf("create candidate: %v", err)
	}
	return mv
}

func newTestGate(t *testing.T, source training.WindowSource, load ArtifactLoader) (*Gate, *store.Stores) {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stores := store.New(db)
	return NewGate(source, stores.Reports, stores.Models, load, slog.Default(), DefaultConfig()), stores
}

func TestValidatePass(t *testing.T) {
	ctx := context.Background()
	load := func(string) (training.Predictor, error) { return goodPredictor(), nil }
	gate, stores := newTestGate(t, &windowStub{records: cleanRecords(60)}, load)
	mv := candidate(t, stores.Models, 0.02)

	report, err := gate.Validate(ctx, mv)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Passed {
		t.Fatalf("expected a passing report: %+v", report.Checks)
	}
	if len(report.Checks) != 5 {
		t.Errorf("expected 5 checks, got %d", len(report.Checks))
	}

	updated, _ := stores.Models.Get(ctx, mv.ID)
	if updated.Status != store.StatusGated {
		t.Errorf("status = %s, want gated", updated.Status)
	}

	persisted, err := stores.Reports.Get(ctx, mv.ID)
	if err != nil {
		t.Fatalf("report not persisted: %v", err)
	}
	if !persisted.Passed {
		t.Errorf("persisted report lost the verdict")
	}
}

func TestValidateStabilityFailure(t *testing.T) {
	ctx := context.Background()
	load := func(string) (training.Predictor, error) { return goodPredictor(), nil }
	gate, stores := newTestGate(t, &windowStub{records: cleanRecords(60)}, load)

	// Mean accuracy well above the floor, but fold variance above the
	// ceiling: performance passes, stability does not.
	mv := candidate(t, stores.Models, 0.09)

	report, err := gate.Validate(ctx, mv)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Passed {
		t.Fatal("unstable candidate must not pass")
	}

	byName := map[string]store.CheckResult{}
	for _, c := range report.Checks {
		byName[c.Name] = c
	}
	if !byName["performance"].Passed {
		t.Errorf("performance should pass: %s", byName["performance"].Rationale)
	}
	if byName["stability"].Passed {
		t.Error("stability should fail at stddev 0.09")
	}
	// The other checks still ran: the report is complete.
	for _, name := range []string{"fairness", "robustness", "drift"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("check %s missing from the report", name)
		}
	}

	updated, _ := stores.Models.Get(ctx, mv.ID)
	if updated.Status != store.StatusRejected {
		t.Errorf("status = %s, want rejected", updated.Status)
	}
	if updated.Rationale == "" {
		t.Error("rejection rationale missing")
	}
}

func TestValidateCorruptArtifact(t *testing.T) {
	ctx := context.Background()
	load := func(string) (training.Predictor, error) { return nil, errors.New("truncated file") }
	gate, stores := newTestGate(t, &windowStub{records: cleanRecords(60)}, load)
	mv := candidate(t, stores.Models, 0.02)

	_, err := gate.Validate(ctx, mv)
	if !errors.Is(err, ErrCorruptArtifact) {
		t.Fatalf("expected ErrCorruptArtifact, got %v", err)
	}

	// No report, no transition: the candidate stays untouched.
	if _, err := stores.Reports.Get(ctx, mv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("no report should exist, got %v", err)
	}
	updated, _ := stores.Models.Get(ctx, mv.ID)
	if updated.Status != store.StatusCandidate {
		t.Errorf("status = %s, want candidate", updated.Status)
	}
}

func TestValidateReportWriteOnce(t *testing.T) {
	ctx := context.Background()
	load := func(string) (training.Predictor, error) { return goodPredictor(), nil }
	gate, stores := newTestGate(t, &windowStub{records: cleanRecords(60)}, load)
	mv := candidate(t, stores.Models, 0.02)

	if _, err := gate.Validate(ctx, mv); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	if _, err := gate.Validate(ctx, mv); !errors.Is(err, store.ErrReportExists) {
		t.Fatalf("second validate must hit the write-once report, got %v", err)
	}
}

func TestCheckFairness(t *testing.T) {
	gate, _ := newTestGate(t, &windowStub{}, func(string) (training.Predictor, error) { return nil, nil })

	t.Run("skewed positive rates fail", func(t *testing.T) {
		// db2 is always predicted success, network never: parity gap 1.
		predictor := &mapPredictor{rates: map[string]float64{"db2": 0.9, "network": 0.1}}
		var records []store.FeedbackRecord
		for i := 0; i < 15; i++ {
			records = append(records,
				store.FeedbackRecord{IncidentID: fmt.Sprintf("a-%d", i), Category: "db2", Outcome: store.OutcomeSuccess},
				store.FeedbackRecord{IncidentID: fmt.Sprintf("b-%d", i), Category: "network", Outcome: store.OutcomeSuccess})
		}

		result := gate.checkFairness(predictor, records)
		if result.Passed {
			t.Errorf("parity gap 1.0 must fail: %+v", result.Evidence)
		}
	})

	t.Run("tiny groups are excluded", func(t *testing.T) {
		predictor := &mapPredictor{rates: map[string]float64{"db2": 0.9, "exotic": 0.1}}
		var records []store.FeedbackRecord
		for i := 0; i < 15; i++ {
			records = append(records, store.FeedbackRecord{
				IncidentID: fmt.Sprintf("a-%d", i), Category: "db2", Outcome: store.OutcomeSuccess})
		}
		// Three exotic records: below MinGroupSize, ignored.
		for i := 0; i < 3; i++ {
			records = append(records, store.FeedbackRecord{
				IncidentID: fmt.Sprintf("x-%d", i), Category: "exotic", Outcome: store.OutcomeSuccess})
		}

		result := gate.checkFairness(predictor, records)
		if !result.Passed {
			t.Errorf("a single eligible group cannot be unfair: %s", result.Rationale)
		}
	})
}

func TestCheckRobustness(t *testing.T) {
	gate, _ := newTestGate(t, &windowStub{}, func(string) (training.Predictor, error) { return nil, nil })

	t.Run("case-sensitive predictor flips under perturbation", func(t *testing.T) {
		// Upper-case lookups miss the table and fall back below 0.5.
		predictor := &mapPredictor{rates: map[string]float64{"DB2": 0.9}, fallback: 0.1}
		records := []store.FeedbackRecord{
			{IncidentID: "a", Category: "DB2", Outcome: store.OutcomeSuccess},
		}

		result := gate.checkRobustness(predictor, records)
		if result.Passed {
			t.Errorf("prediction flips under case perturbation, consistency = %v",
				result.Evidence["consistency"])
		}
	})

	t.Run("canonical categories are consistent", func(t *testing.T) {
		predictor := &mapPredictor{rates: map[string]float64{"db2": 0.9}, fallback: 0.1}
		records := []store.FeedbackRecord{
			{IncidentID: "a", Category: "db2", Outcome: store.OutcomeSuccess},
		}

		result := gate.checkRobustness(predictor, records)
		if !result.Passed {
			t.Errorf("consistency = %v, want 1", result.Evidence["consistency"])
		}
	})
}

func TestCheckDrift(t *testing.T) {
	gate, _ := newTestGate(t, &windowStub{}, func(string) (training.Predictor, error) { return nil, nil })
	predictor := &mapPredictor{rates: map[string]float64{"db2": 0.9}}

	t.Run("recent regression fails", func(t *testing.T) {
		// The first four fifths succeed (predicted right), the last
		// fifth fails (predicted wrong): the future slice scores 0.
		var records []store.FeedbackRecord
		for i := 0; i < 40; i++ {
			outcome := store.OutcomeSuccess
			if i >= 32 {
				outcome = store.OutcomeFailure
			}
			records = append(records, store.FeedbackRecord{
				IncidentID: fmt.Sprintf("inc-%d", i),
				Category:   "db2",
				Outcome:    outcome,
				RecordedAt: testWindow.Start.Add(time.Duration(i) * time.Hour),
			})
		}

		result := gate.checkDrift(predictor, records)
		if result.Passed {
			t.Errorf("degradation %v should fail", result.Evidence["degradation"])
		}
	})

	t.Run("steady window passes", func(t *testing.T) {
		var records []store.FeedbackRecord
		for i := 0; i < 40; i++ {
			records = append(records, store.FeedbackRecord{
				IncidentID: fmt.Sprintf("inc-%d", i),
				Category:   "db2",
				Outcome:    store.OutcomeSuccess,
				RecordedAt: testWindow.Start.Add(time.Duration(i) * time.Hour),
			})
		}

		result := gate.checkDrift(predictor, records)
		if !result.Passed {
			t.Errorf("no drift expected: %s", result.Rationale)
		}
	})

	t.Run("empty window passes trivially", func(t *testing.T) {
		if result := gate.checkDrift(predictor, nil); !result.Passed {
			t.Error("empty window cannot drift")
		}
	})
}
