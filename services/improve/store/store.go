// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the durable record sets of the improvement
// pipeline on top of BadgerDB.
//
// Key layout (all values JSON):
//
//	fb/{unixnano:020d}/{ulid}         FeedbackRecord (time-ordered scan)
//	fbidx/{incident_id}|{source}      primary key of latest record (dedup)
//	pat/{ulid}                        Pattern (append-only)
//	model/v/{ulid}                    ModelVersion
//	model/production                  id of the production version (CAS)
//	report/{model_id}                 ValidationReport (write-once)
//	abtest/{id}                       ABTest
//	sample/{test_id}/{ulid}           MetricSample (append-only)
//	cycle/{ulid}                      CycleState
//	cycle/current                     id of the active cycle
//
// All record sets are append-only except the production pointer, which
// changes only through Models.PromoteCAS, and ABTest/CycleState records,
// which are state machines updated in place.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"

	storage "github.com/AleutianAI/AleutianLearn/services/improve/storage/badger"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConcurrencyConflict indicates a compare-and-swap on the
	// production pointer failed because another promotion won.
	ErrConcurrencyConflict = errors.New("production pointer changed concurrently")

	// ErrReportExists indicates a validation report was already written
	// for the model version. Reports are immutable.
	ErrReportExists = errors.New("validation report already exists")

	// ErrInvalidTransition indicates a model status change that skips
	// or reverses the lifecycle order.
	ErrInvalidTransition = errors.New("invalid model status transition")
)

// -----------------------------------------------------------------------------
// Stores
// -----------------------------------------------------------------------------

// Stores bundles the typed record sets over one BadgerDB instance.
type Stores struct {
	Feedback *FeedbackStore
	Patterns *PatternStore
	Models   *ModelStore
	Reports  *ReportStore
	Tests    *TestStore
	Cycles   *CycleStore
}

// New creates all record sets over the given database.
func New(db *storage.DB) *Stores {
	ids := newIDSource()
	return &Stores{
		Feedback: &FeedbackStore{db: db, ids: ids},
		Patterns: &PatternStore{db: db, ids: ids},
		Models:   &ModelStore{db: db, ids: ids},
		Reports:  &ReportStore{db: db},
		Tests:    &TestStore{db: db, ids: ids},
		Cycles:   &CycleStore{db: db, ids: ids},
	}
}

// -----------------------------------------------------------------------------
// ID Source
// -----------------------------------------------------------------------------

// idSource produces monotonic ULIDs. Monotonicity within one process
// guarantees that ids assigned in one cycle sort in assignment order,
// which the model lineage and badger range scans rely on.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// next returns a new ULID for the given timestamp.
func (s *idSource) next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// -----------------------------------------------------------------------------
// JSON helpers
// -----------------------------------------------------------------------------

// setJSON marshals v and writes it under key within txn.
func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// getJSON reads key within txn and unmarshals into v.
// Returns ErrNotFound if the key does not exist.
func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// scanPrefix iterates all values under prefix in key order, calling fn
// with each raw value. Iteration stops when fn returns a non-nil error.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ctxDone is a small helper so long scans respect cancellation.
func ctxDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
