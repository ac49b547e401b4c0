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

// FeedbackStore persists feedback records under time-ordered keys so a
// window query is a single range scan.
//
// Thread Safety: Safe for concurrent use.
type FeedbackStore struct {
	db  *storage.DB
	ids *idSource
}

// feedbackKey builds the primary key. The zero-padded unix-nano prefix
// keeps badger's key order identical to time order.
func feedbackKey(recordedAt time.Time, id string) []byte {
	return fmt.Appendf(nil, "fb/%020d/%s", recordedAt.UnixNano(), id)
}

func feedbackIndexKey(incidentID string, source Source) []byte {
	return fmt.Appendf(nil, "fbidx/%s|%s", incidentID, source)
}

// storedFeedback wraps a record with its assigned id for the dedup index.
type storedFeedback struct {
	ID     string         `json:"id"`
	Record FeedbackRecord `json:"record"`
}

// Put appends a feedback record, replacing any older record for the
// same (incident_id, source) pair.
//
// Description:
//
//	Looks up the dedup index; if an existing record for the pair is
//	older than (or equal to) the new one, the old primary entry is
//	deleted and the new record wins. A newer existing record makes
//	Put a no-op, so out-of-order redelivery cannot roll a record back.
//
// Outputs:
//
//	string - The assigned record id (empty when the put was superseded).
//	error - Non-nil on storage failure.
func (s *FeedbackStore) Put(ctx context.Context, rec FeedbackRecord) (string, error) {
	id := s.ids.next(rec.RecordedAt)
	idxKey := feedbackIndexKey(rec.IncidentID, rec.Source)

	var assigned string
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var existing storedFeedback
		err := getJSON(txn, idxKey, &existing)
		switch {
		case err == nil:
			if existing.Record.RecordedAt.After(rec.RecordedAt) {
				// Existing record is newer; keep it.
				return nil
			}
			if err := txn.Delete(feedbackKey(existing.Record.RecordedAt, existing.ID)); err != nil {
				return fmt.Errorf("delete superseded record: %w", err)
			}
		case err != ErrNotFound:
			return err
		}

		stored := storedFeedback{ID: id, Record: rec}
		if err := setJSON(txn, feedbackKey(rec.RecordedAt, id), stored); err != nil {
			return err
		}
		if err := setJSON(txn, idxKey, stored); err != nil {
			return err
		}
		assigned = id
		return nil
	})
	return assigned, err
}

// WindowOptions controls Window queries.
type WindowOptions struct {
	// IncludeUnknown includes records with outcome=unknown, which are
	// excluded by default.
	IncludeUnknown bool
}

// Window returns records with RecordedAt in [start, end), in time order.
func (s *FeedbackStore) Window(ctx context.Context, start, end time.Time, opts WindowOptions) ([]FeedbackRecord, error) {
	var out []FeedbackRecord
	lower := fmt.Appendf(nil, "fb/%020d/", start.UnixNano())
	prefix := []byte("fb/")

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(lower); it.ValidForPrefix(prefix); it.Next() {
			if err := ctxDone(ctx); err != nil {
				return err
			}
			var stored storedFeedback
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			if !stored.Record.RecordedAt.Before(end) {
				break
			}
			if stored.Record.Outcome == OutcomeUnknown && !opts.IncludeUnknown {
				continue
			}
			out = append(out, stored.Record)
		}
		return nil
	})
	return out, err
}

// Count returns the number of resolved records in [start, end).
func (s *FeedbackStore) Count(ctx context.Context, start, end time.Time) (int, error) {
	records, err := s.Window(ctx, start, end, WindowOptions{})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// DeleteBefore removes records older than cutoff, returning the removed
// records so the caller can archive them first. The dedup index entries
// for removed records are cleared as well.
func (s *FeedbackStore) DeleteBefore(ctx context.Context, cutoff time.Time) ([]FeedbackRecord, error) {
	var removed []FeedbackRecord
	prefix := []byte("fb/")
	upper := fmt.Sprintf("fb/%020d/", cutoff.UnixNano())

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		var stale []storedFeedback

		if err := scanPrefix(txn, prefix, func(key, val []byte) error {
			if string(key) >= upper {
				return nil
			}
			var stored storedFeedback
			if err := json.Unmarshal(val, &stored); err != nil {
				return err
			}
			keys = append(keys, key)
			stale = append(stale, stored)
			return nil
		}); err != nil {
			return err
		}

		for i, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			rec := stale[i].Record
			idxKey := feedbackIndexKey(rec.IncidentID, rec.Source)
			var current storedFeedback
			if err := getJSON(txn, idxKey, &current); err == nil && current.ID == stale[i].ID {
				if err := txn.Delete(idxKey); err != nil {
					return err
				}
			}
			removed = append(removed, rec)
		}
		return nil
	})
	return removed, err
}
