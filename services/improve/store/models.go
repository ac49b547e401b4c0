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

// ModelStore is the model version registry.
//
// The production pointer (key "model/production") is the only global
// mutable state in the pipeline. All reads and writes of it happen
// inside single badger transactions, and PromoteCAS is the only write
// path, so at most one version can hold status=production.
//
// Thread Safety: Safe for concurrent use.
type ModelStore struct {
	db  *storage.DB
	ids *idSource
}

var productionKey = []byte("model/production")

func modelKey(id string) []byte {
	return fmt.Appendf(nil, "model/v/%s", id)
}

// Create persists a new model version. The id is assigned here (ULID,
// creation-ordered) and the status forced to candidate.
func (s *ModelStore) Create(ctx context.Context, mv ModelVersion) (ModelVersion, error) {
	now := time.Now().UTC()
	mv.ID = s.ids.next(now)
	mv.CreatedAt = now
	mv.Status = StatusCandidate

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, modelKey(mv.ID), mv)
	})
	if err != nil {
		return ModelVersion{}, err
	}
	return mv, nil
}

// Get returns the model version with the given id.
func (s *ModelStore) Get(ctx context.Context, id string) (ModelVersion, error) {
	var mv ModelVersion
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, modelKey(id), &mv)
	})
	return mv, err
}

// Transition moves a model version to the next lifecycle status,
// enforcing the candidate -> gated -> experimenting -> production order
// (with rejected reachable from any pre-production state). rationale is
// required for terminal states and stored on the version.
func (s *ModelStore) Transition(ctx context.Context, id string, next ModelStatus, rationale string) (ModelVersion, error) {
	var mv ModelVersion
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, modelKey(id), &mv); err != nil {
			return err
		}
		if !mv.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s (model %s)", ErrInvalidTransition, mv.Status, next, id)
		}
		// production is never entered here; that is PromoteCAS's job.
		if next == StatusProduction {
			return fmt.Errorf("%w: production is entered via PromoteCAS only", ErrInvalidTransition)
		}
		mv.Status = next
		if rationale != "" {
			mv.Rationale = rationale
		}
		return setJSON(txn, modelKey(id), mv)
	})
	if err != nil {
		return ModelVersion{}, err
	}
	return mv, nil
}

// CurrentProduction returns the id of the production model, or
// ErrNotFound when nothing has been promoted yet.
func (s *ModelStore) CurrentProduction(ctx context.Context) (string, error) {
	var id string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, productionKey, &id)
	})
	return id, err
}

// PromoteCAS promotes nextID to production if and only if the current
// production pointer still equals expectedCurrent.
//
// Description:
//
//	The whole exchange runs in one transaction: verify the pointer,
//	verify nextID is in a promotable state (experimenting, or gated
//	for a force-promote), demote the prior production version to
//	retired, mark nextID production, and swing the pointer. A stale
//	expectedCurrent fails with ErrConcurrencyConflict and changes
//	nothing, so a promotion race loses loudly instead of silently
//	overwriting a newer deployment.
//
// Inputs:
//
//	expectedCurrent - The production id the caller last observed.
//	  Empty string means "no production model yet".
//	nextID - The version to promote.
//	rationale - Human-readable reason, recorded on both versions.
//
// Outputs:
//
//	error - ErrConcurrencyConflict on a lost race, ErrInvalidTransition
//	  if nextID cannot legally become production.
func (s *ModelStore) PromoteCAS(ctx context.Context, expectedCurrent, nextID, rationale string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var current string
		err := getJSON(txn, productionKey, &current)
		if err != nil && err != ErrNotFound {
			return err
		}
		if current != expectedCurrent {
			return fmt.Errorf("%w: expected %q, found %q", ErrConcurrencyConflict, expectedCurrent, current)
		}

		var next ModelVersion
		if err := getJSON(txn, modelKey(nextID), &next); err != nil {
			return err
		}
		if !next.Status.CanTransition(StatusProduction) && next.Status != StatusGated {
			return fmt.Errorf("%w: %s -> production (model %s)", ErrInvalidTransition, next.Status, nextID)
		}

		if current != "" {
			var prior ModelVersion
			if err := getJSON(txn, modelKey(current), &prior); err != nil {
				return err
			}
			prior.Status = StatusRetired
			prior.Rationale = fmt.Sprintf("superseded by %s", nextID)
			if err := setJSON(txn, modelKey(current), prior); err != nil {
				return err
			}
		}

		next.Status = StatusProduction
		next.Rationale = rationale
		if err := setJSON(txn, modelKey(nextID), next); err != nil {
			return err
		}
		return setJSON(txn, productionKey, nextID)
	})
}

// ListByStatus returns all versions in the given status, in id
// (creation) order.
func (s *ModelStore) ListByStatus(ctx context.Context, status ModelStatus) ([]ModelVersion, error) {
	var out []ModelVersion
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("model/v/"), func(_, val []byte) error {
			var mv ModelVersion
			if err := json.Unmarshal(val, &mv); err != nil {
				return err
			}
			if mv.Status == status {
				out = append(out, mv)
			}
			return nil
		})
	})
	return out, err
}
