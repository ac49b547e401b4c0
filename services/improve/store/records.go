// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/AleutianLearn/services/improve/storage/badger"
)

// -----------------------------------------------------------------------------
// Patterns
// -----------------------------------------------------------------------------

// PatternStore is the append-only pattern record set. Re-detections of
// a subject are appended, never overwritten, so history stays auditable.
type PatternStore struct {
	db  *storage.DB
	ids *idSource
}

func patternKey(id string) []byte {
	return fmt.Appendf(nil, "pat/%s", id)
}

// Append persists patterns, assigning ids. Returns the stored patterns.
func (s *PatternStore) Append(ctx context.Context, patterns []Pattern) ([]Pattern, error) {
	stored := make([]Pattern, 0, len(patterns))
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, p := range patterns {
			p.ID = s.ids.next(p.DetectedAt)
			if err := setJSON(txn, patternKey(p.ID), p); err != nil {
				return err
			}
			stored = append(stored, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// BySubject returns all detections for a subject in detection order,
// newest last. Callers treat the last entry as current and the rest as
// superseded history.
func (s *PatternStore) BySubject(ctx context.Context, subject string) ([]Pattern, error) {
	var out []Pattern
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("pat/"), func(_, val []byte) error {
			var p Pattern
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			if p.Subject == subject {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// Since returns all patterns detected at or after t.
func (s *PatternStore) Since(ctx context.Context, t time.Time) ([]Pattern, error) {
	var out []Pattern
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("pat/"), func(_, val []byte) error {
			var p Pattern
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			if !p.DetectedAt.Before(t) {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Validation Reports
// -----------------------------------------------------------------------------

// ReportStore holds one immutable validation report per model version.
type ReportStore struct {
	db *storage.DB
}

func reportKey(modelID string) []byte {
	return fmt.Appendf(nil, "report/%s", modelID)
}

// Put writes the report for its model. A second write for the same
// model fails with ErrReportExists.
func (s *ReportStore) Put(ctx context.Context, report ValidationReport) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := reportKey(report.ModelID)
		var existing ValidationReport
		switch err := getJSON(txn, key, &existing); err {
		case ErrNotFound:
			return setJSON(txn, key, report)
		case nil:
			return fmt.Errorf("%w: model %s", ErrReportExists, report.ModelID)
		default:
			return err
		}
	})
}

// Get returns the report for the given model.
func (s *ReportStore) Get(ctx context.Context, modelID string) (ValidationReport, error) {
	var report ValidationReport
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, reportKey(modelID), &report)
	})
	return report, err
}

// -----------------------------------------------------------------------------
// A/B Tests and Samples
// -----------------------------------------------------------------------------

// TestStore persists experiments and their raw metric samples.
// Samples are append-only; nothing ever deletes them, so any analysis
// result can be recomputed from the raw set.
type TestStore struct {
	db  *storage.DB
	ids *idSource
}

func testKey(id string) []byte {
	return fmt.Appendf(nil, "abtest/%s", id)
}

func sampleKey(testID, sampleID string) []byte {
	return fmt.Appendf(nil, "sample/%s/%s", testID, sampleID)
}

// PutTest creates or updates an experiment record.
func (s *TestStore) PutTest(ctx context.Context, test ABTest) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, testKey(test.ID), test)
	})
}

// GetTest returns the experiment with the given id.
func (s *TestStore) GetTest(ctx context.Context, id string) (ABTest, error) {
	var test ABTest
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, testKey(id), &test)
	})
	return test, err
}

// ListTests returns all experiments in creation order.
func (s *TestStore) ListTests(ctx context.Context) ([]ABTest, error) {
	var out []ABTest
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("abtest/"), func(_, val []byte) error {
			var t ABTest
			if err := json.Unmarshal(val, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// AppendSample appends one raw metric sample for a test.
func (s *TestStore) AppendSample(ctx context.Context, sample MetricSample) error {
	id := s.ids.next(sample.ObservedAt)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, sampleKey(sample.TestID, id), sample)
	})
}

// Samples returns all raw samples for a test, in append order.
func (s *TestStore) Samples(ctx context.Context, testID string) ([]MetricSample, error) {
	var out []MetricSample
	prefix := fmt.Appendf(nil, "sample/%s/", testID)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(_, val []byte) error {
			if err := ctxDone(ctx); err != nil {
				return err
			}
			var sample MetricSample
			if err := json.Unmarshal(val, &sample); err != nil {
				return err
			}
			out = append(out, sample)
			return nil
		})
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Cycle State
// -----------------------------------------------------------------------------

// CycleStore persists the orchestrator's resumable checkpoint.
type CycleStore struct {
	db  *storage.DB
	ids *idSource
}

var currentCycleKey = []byte("cycle/current")

func cycleKey(id string) []byte {
	return fmt.Appendf(nil, "cycle/%s", id)
}

// Begin creates a new cycle record and marks it current.
func (s *CycleStore) Begin(ctx context.Context, window TimeWindow) (CycleState, error) {
	now := time.Now().UTC()
	state := CycleState{
		CycleID:   s.ids.next(now),
		Phase:     PhaseAggregate,
		StartedAt: now,
		UpdatedAt: now,
		Window:    window,
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, cycleKey(state.CycleID), state); err != nil {
			return err
		}
		return setJSON(txn, currentCycleKey, state.CycleID)
	})
	if err != nil {
		return CycleState{}, err
	}
	return state, nil
}

// Save checkpoints the cycle after a phase transition.
func (s *CycleStore) Save(ctx context.Context, state CycleState) error {
	state.UpdatedAt = time.Now().UTC()
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, cycleKey(state.CycleID), state)
	})
}

// Current returns the active cycle, or ErrNotFound when no cycle has
// ever run.
func (s *CycleStore) Current(ctx context.Context) (CycleState, error) {
	var state CycleState
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var id string
		if err := getJSON(txn, currentCycleKey, &id); err != nil {
			return err
		}
		return getJSON(txn, cycleKey(id), &state)
	})
	return state, err
}

// Get returns the cycle with the given id.
func (s *CycleStore) Get(ctx context.Context, id string) (CycleState, error) {
	var state CycleState
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, cycleKey(id), &state)
	})
	return state, err
}
