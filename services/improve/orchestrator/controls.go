// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// ---- Operator Controls ----

// PauseCycle stops the cycle loop between phases. A phase already in
// flight finishes; no new phase starts until ResumeCycle.
func (o *Orchestrator) PauseCycle() {
	if o.paused.CompareAndSwap(false, true) {
		o.logger.Info("cycle paused by operator")
	}
}

// ResumeCycle lifts an operator pause.
func (o *Orchestrator) ResumeCycle() {
	if o.paused.CompareAndSwap(true, false) {
		o.logger.Info("cycle resumed by operator")
	}
}

// Paused reports whether the cycle loop is paused.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

// AbortTest terminates a running experiment on operator request. The
// treatment model is rejected and the owning cycle, if any, settles on
// the next step.
func (o *Orchestrator) AbortTest(ctx context.Context, testID, reason string) (store.ABTest, error) {
	if strings.TrimSpace(reason) == "" {
		return store.ABTest{}, fmt.Errorf("%w: abort needs a reason", ErrAuditReasonRequired)
	}

	test, err := o.framework.Abort(ctx, testID, "operator abort: "+reason)
	if err != nil {
		return store.ABTest{}, err
	}
	o.logger.Warn("experiment aborted by operator", "test_id", testID, "reason", reason)

	mv, err := o.stores.Models.Get(ctx, test.TreatmentModelID)
	if err == nil && mv.Status == store.StatusExperimenting {
		if _, terr := o.stores.Models.Transition(ctx, mv.ID, store.StatusRejected, "operator abort: "+reason); terr != nil {
			return test, terr
		}
	}
	return test, nil
}

// ForcePromote promotes a gated model to production, bypassing the
// experiment phase. The audit reason is mandatory and is recorded on
// both the promotion and the retired predecessor.
func (o *Orchestrator) ForcePromote(ctx context.Context, modelID, auditReason string) error {
	if strings.TrimSpace(auditReason) == "" {
		return ErrAuditReasonRequired
	}

	mv, err := o.stores.Models.Get(ctx, modelID)
	if err != nil {
		return err
	}
	if mv.Status != store.StatusGated && mv.Status != store.StatusExperimenting {
		return fmt.Errorf("%w: cannot force-promote a %s model",
			store.ErrInvalidTransition, mv.Status)
	}

	current, err := o.stores.Models.CurrentProduction(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := o.stores.Models.PromoteCAS(ctx, current, modelID, "force-promote: "+auditReason); err != nil {
		return err
	}

	o.tel.PromotionsTotal.Add(ctx, 1)
	o.logger.Warn("model force-promoted",
		"model_id", modelID, "replaced", current, "reason", auditReason)
	return nil
}
