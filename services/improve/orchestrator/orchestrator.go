// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives the learning cycle:
// aggregate -> analyze -> retrain -> validate -> experiment -> deploy.
//
// The cycle checkpoint is persisted after every phase transition, so a
// crash resumes from the last completed phase instead of restarting.
// Candidate-level failures are isolated; store-level failures abort the
// cycle and leave the production pointer untouched.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLearn/services/improve/archive"
	"github.com/AleutianAI/AleutianLearn/services/improve/experiment"
	"github.com/AleutianAI/AleutianLearn/services/improve/feedback"
	"github.com/AleutianAI/AleutianLearn/services/improve/patterns"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
	"github.com/AleutianAI/AleutianLearn/services/improve/telemetry"
	"github.com/AleutianAI/AleutianLearn/services/improve/training"
	"github.com/AleutianAI/AleutianLearn/services/improve/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrPaused indicates the cycle loop is paused by an operator.
	ErrPaused = errors.New("orchestrator: cycle is paused")

	// ErrAuditReasonRequired indicates a force-promote without a reason.
	ErrAuditReasonRequired = errors.New("orchestrator: audit reason required")
)

// -----------------------------------------------------------------------------
// Orchestrator
// -----------------------------------------------------------------------------

// Config holds the cycle tunables.
type Config struct {
	// Window is the feedback window one cycle operates on.
	Window time.Duration

	// ExtendedWindow replaces Window after an insufficient-data cycle.
	ExtendedWindow time.Duration

	// Interval is the pause between automatic cycles.
	Interval time.Duration

	// EvaluateInterval is how often running experiments are evaluated.
	EvaluateInterval time.Duration

	// ExperimentHorizon is the duration of launched experiments.
	ExperimentHorizon time.Duration

	// TrafficSplit is the treatment share of launched experiments.
	TrafficSplit float64

	// SignificanceLevel is the uncorrected alpha of launched experiments.
	SignificanceLevel float64

	// HyperparameterSets are the candidate configurations per cycle.
	HyperparameterSets []map[string]any
}

// Orchestrator owns the cycle state machine.
//
// One Orchestrator runs one cycle at a time; cycles for independent
// model families run in separate processes.
//
// Thread Safety: Safe for concurrent use. RunCycle itself is
// serialized by an internal mutex.
type Orchestrator struct {
	stores     *store.Stores
	aggregator *feedback.Aggregator
	analyzer   *patterns.Analyzer
	engine     *training.Engine
	gate       *validation.Gate
	framework  *experiment.Framework
	archiver   archive.Sink
	tel        *telemetry.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	cfg        Config

	runMu  sync.Mutex
	paused atomic.Bool

	// extendNext widens the next cycle's window after insufficient data.
	extendNext atomic.Bool

	now func() time.Time
}

// New wires the orchestrator.
func New(
	stores *store.Stores,
	aggregator *feedback.Aggregator,
	analyzer *patterns.Analyzer,
	engine *training.Engine,
	gate *validation.Gate,
	framework *experiment.Framework,
	archiver archive.Sink,
	tel *telemetry.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		stores:     stores,
		aggregator: aggregator,
		analyzer:   analyzer,
		engine:     engine,
		gate:       gate,
		framework:  framework,
		archiver:   archiver,
		tel:        tel,
		tracer:     otel.Tracer("improve.orchestrator"),
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run loops automatic cycles and experiment evaluation until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	cycleTicker := time.NewTicker(o.cfg.Interval)
	defer cycleTicker.Stop()
	evalTicker := time.NewTicker(o.cfg.EvaluateInterval)
	defer evalTicker.Stop()

	// Resume any interrupted cycle immediately on startup.
	o.step(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cycleTicker.C:
			o.step(ctx)
		case <-evalTicker.C:
			// An in-flight experiment advances the cycle when it
			// concludes, so evaluation also steps the cycle.
			o.step(ctx)
		}
	}
}

func (o *Orchestrator) step(ctx context.Context) {
	state, err := o.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrPaused):
		return
	case err != nil:
		o.logger.Error("cycle step failed", "error", err)
	default:
		o.logger.Debug("cycle step", "cycle_id", state.CycleID, "phase", state.Phase)
	}
}

// RunCycle advances the current cycle as far as it can go in one call.
//
// Description:
//
//	Resumes the persisted cycle if one is mid-flight, otherwise
//	begins a new one. Phases run in order with a checkpoint written
//	after each transition. The experiment phase returns early while
//	its test is still collecting samples; subsequent calls pick the
//	cycle up there.
func (o *Orchestrator) RunCycle(ctx context.Context) (store.CycleState, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.paused.Load() {
		return store.CycleState{}, ErrPaused
	}

	state, err := o.currentOrBegin(ctx)
	if err != nil {
		return store.CycleState{}, err
	}

	ctx, span := o.tracer.Start(ctx, "improve.cycle",
		trace.WithAttributes(attribute.String("cycle.id", state.CycleID)))
	defer span.End()

	for {
		if o.paused.Load() {
			return state, ErrPaused
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		var advanced bool
		phaseStart := o.now()
		phase := state.Phase

		switch state.Phase {
		case store.PhaseAggregate:
			state, advanced, err = o.phaseAggregate(ctx, state)
		case store.PhaseAnalyze:
			state, advanced, err = o.phaseAnalyze(ctx, state)
		case store.PhaseRetrain:
			state, advanced, err = o.phaseRetrain(ctx, state)
		case store.PhaseValidate:
			state, advanced, err = o.phaseValidate(ctx, state)
		case store.PhaseExperiment:
			state, advanced, err = o.phaseExperiment(ctx, state)
		case store.PhaseDeploy:
			state, advanced, err = o.phaseDeploy(ctx, state)
		case store.PhaseDone, store.PhaseFailed:
			return state, nil
		default:
			return state, fmt.Errorf("unknown phase %q", state.Phase)
		}

		o.tel.CyclePhaseDuration.Record(ctx, o.now().Sub(phaseStart).Seconds(),
			metric.WithAttributes(attribute.String("phase", string(phase))))

		if err != nil {
			// Store-level failure: abort the cycle, keep production as-is.
			state.Phase = store.PhaseFailed
			state.Rationale = err.Error()
			if serr := o.stores.Cycles.Save(ctx, state); serr != nil {
				o.logger.Error("checkpoint write failed during abort", "error", serr)
			}
			o.tel.CyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
			return state, err
		}
		if !advanced {
			// Waiting on an experiment horizon.
			return state, nil
		}
		if err := o.stores.Cycles.Save(ctx, state); err != nil {
			return state, err
		}
		if state.Phase == store.PhaseDone || state.Phase == store.PhaseFailed {
			outcome := "done"
			if state.Phase == store.PhaseFailed {
				outcome = "failed"
			}
			o.tel.CyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
			o.logger.Info("cycle finished",
				"cycle_id", state.CycleID, "phase", state.Phase, "rationale", state.Rationale)
			return state, nil
		}
	}
}

// currentOrBegin resumes the persisted cycle or begins a new one.
func (o *Orchestrator) currentOrBegin(ctx context.Context) (store.CycleState, error) {
	state, err := o.stores.Cycles.Current(ctx)
	switch {
	case err == nil && state.Phase != store.PhaseDone && state.Phase != store.PhaseFailed:
		return state, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return store.CycleState{}, err
	}

	window := o.cfg.Window
	if o.extendNext.Swap(false) {
		window = o.cfg.ExtendedWindow
	}
	end := o.now().UTC()
	state, err = o.stores.Cycles.Begin(ctx, store.TimeWindow{Start: end.Add(-window), End: end})
	if err != nil {
		return store.CycleState{}, err
	}
	o.logger.Info("cycle started",
		"cycle_id", state.CycleID,
		"window_start", state.Window.Start,
		"window_end", state.Window.End)
	return state, nil
}

// -----------------------------------------------------------------------------
// Phases
// -----------------------------------------------------------------------------

// phaseAggregate runs the retention sweep and confirms the window has
// any resolved feedback at all.
func (o *Orchestrator) phaseAggregate(ctx context.Context, state store.CycleState) (store.CycleState, bool, error) {
	if _, err := o.aggregator.Sweep(ctx, o.archiver); err != nil {
		// Retention is housekeeping; a failed sweep must not kill the cycle.
		o.logger.Warn("retention sweep failed", "error", err)
	}

	records, err := o.aggregator.Window(ctx, state.Window.Start, state.Window.End, store.WindowOptions{})
	if err != nil {
		return state, false, err
	}
	if len(records) == 0 {
		o.extendNext.Store(true)
		state.Phase = store.PhaseFailed
		state.Rationale = "no resolved feedback in window"
		return state, true, nil
	}

	state.Phase = store.PhaseAnalyze
	return state, true, nil
}

// phaseAnalyze runs the detectors and persists their patterns.
func (o *Orchestrator) phaseAnalyze(ctx context.Context, state store.CycleState) (store.CycleState, bool, error) {
	records, err := o.aggregator.Window(ctx, state.Window.Start, state.Window.End, store.WindowOptions{})
	if err != nil {
		return state, false, err
	}

	baselines, err := o.baselines(ctx, state.Window)
	if err != nil {
		return state, false, err
	}

	detected, err := o.analyzer.Run(ctx, patterns.Snapshot{
		Window:    state.Window,
		Feedback:  records,
		Baselines: baselines,
	})
	if err != nil {
		return state, false, err
	}

	if len(detected) > 0 {
		stored, err := o.stores.Patterns.Append(ctx, detected)
		if err != nil {
			return state, false, err
		}
		for _, p := range stored {
			o.tel.PatternsDetectedTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", string(p.Kind))))
		}
	}

	state.Phase = store.PhaseRetrain
	return state, true, nil
}

// baselines derives per-subject success-rate baselines from the window
// immediately preceding the cycle's window.
func (o *Orchestrator) baselines(ctx context.Context, window store.TimeWindow) (map[string]patterns.Baseline, error) {
	length := window.End.Sub(window.Start)
	prior, err := o.aggregator.Window(ctx, window.Start.Add(-length), window.Start, store.WindowOptions{})
	if err != nil {
		return nil, err
	}

	type obs struct{ successes, total int }
	counts := make(map[string]*obs)
	for _, rec := range prior {
		key := rec.Category
		if key == "" {
			key = "uncategorized"
		}
		c := counts[key]
		if c == nil {
			c = &obs{}
			counts[key] = c
		}
		c.total++
		if rec.Outcome == store.OutcomeSuccess {
			c.successes++
		}
	}

	baselines := make(map[string]patterns.Baseline, len(counts))
	for subject, c := range counts {
		p := float64(c.successes) / float64(c.total)
		baselines[subject] = patterns.Baseline{
			Mean:     p,
			Variance: p * (1 - p),
			Samples:  c.total,
		}
	}
	return baselines, nil
}

// phaseRetrain trains the candidate pool.
func (o *Orchestrator) phaseRetrain(ctx context.Context, state store.CycleState) (store.CycleState, bool, error) {
	baseModelID, err := o.stores.Models.CurrentProduction(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return state, false, err
	}

	candidates, err := o.engine.RetrainAll(ctx, state.Window, baseModelID, o.cfg.HyperparameterSets)
	if err != nil {
		if errors.Is(err, training.ErrInsufficientData) {
			o.extendNext.Store(true)
			state.Phase = store.PhaseFailed
			state.Rationale = err.Error()
			o.logger.Warn("cycle ended early", "reason", state.Rationale)
			return state, true, nil
		}
		return state, false, err
	}

	state.CandidateIDs = nil
	for _, mv := range candidates {
		state.CandidateIDs = append(state.CandidateIDs, mv.ID)
		o.tel.CandidatesTrainedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("result", "trained")))
	}
	state.Phase = store.PhaseValidate
	return state, true, nil
}

// phaseValidate gates every candidate. Per-candidate failures are
// isolated: a corrupt artifact rejects that candidate, not the cycle.
func (o *Orchestrator) phaseValidate(ctx context.Context, state store.CycleState) (store.CycleState, bool, error) {
	state.GatedIDs = nil
	for _, id := range state.CandidateIDs {
		mv, err := o.stores.Models.Get(ctx, id)
		if err != nil {
			return state, false, err
		}
		if mv.Status != store.StatusCandidate {
			continue // rejected during training
		}

		report, err := o.gate.Validate(ctx, mv)
		if err != nil {
			if errors.Is(err, validation.ErrCorruptArtifact) {
				o.logger.Warn("candidate artifact corrupt", "model_id", id, "error", err)
				if _, terr := o.stores.Models.Transition(ctx, id, store.StatusRejected, err.Error()); terr != nil {
					return state, false, terr
				}
				continue
			}
			return state, false, err
		}
		if report.Passed {
			state.GatedIDs = append(state.GatedIDs, id)
		}
	}

	if len(state.GatedIDs) == 0 {
		state.Phase = store.PhaseDone
		state.Rationale = "no candidate passed the validation gate"
		return state, true, nil
	}
	state.Phase = store.PhaseExperiment
	return state, true, nil
}

// phaseExperiment launches or advances the shadow experiment for the
// best gated candidate.
func (o *Orchestrator) phaseExperiment(ctx context.Context, state store.CycleState) (store.CycleState, bool, error) {
	production, err := o.stores.Models.CurrentProduction(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return state, false, err
	}

	// First deployment has nothing to compare against: promote the
	// best gated candidate directly.
	if production == "" {
		best, err := o.bestGated(ctx, state.GatedIDs)
		if err != nil {
			return state, false, err
		}
		if err := o.stores.Models.PromoteCAS(ctx, "", best, "initial deployment: no prior production model"); err != nil {
			return state, false, err
		}
		o.tel.PromotionsTotal.Add(ctx, 1)
		state.Phase = store.PhaseDone
		state.Rationale = fmt.Sprintf("initial deployment of %s", best)
		return state, true, nil
	}

	if state.TestID == "" {
		best, err := o.bestGated(ctx, state.GatedIDs)
		if err != nil {
			return state, false, err
		}
		test, err := o.launchTest(ctx, production, best)
		if err != nil {
			return state, false, err
		}
		state.TestID = test.ID
		return state, true, nil
	}

	test, analysis, err := o.framework.Evaluate(ctx, state.TestID)
	if errors.Is(err, experiment.ErrSafetyViolation) {
		// Evaluate already aborted the test; fall through to the
		// terminal handling below.
		err = nil
	}
	if err != nil {
		return state, false, err
	}

	switch test.State {
	case store.TestRunning, store.TestAnalyzing:
		return state, false, nil // keep waiting

	case store.TestAborted:
		return o.settleRejectedTest(ctx, state, test)

	case store.TestConcluded:
		switch test.Decision {
		case store.DecisionAdopt:
			o.tel.ExperimentsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("decision", "adopt")))
			state.Phase = store.PhaseDeploy
			if analysis != nil {
				state.Rationale = analysis.Rationale
			}
			return state, true, nil

		case store.DecisionInconclusive:
			retry, rerr := o.framework.RetryInconclusive(ctx, test.ID)
			if rerr == nil {
				o.logger.Info("inconclusive experiment retried",
					"test_id", test.ID, "retry_id", retry.ID)
				state.TestID = retry.ID
				return state, true, nil
			}
			if !errors.Is(rerr, experiment.ErrAlreadyRetried) {
				return state, false, rerr
			}
			o.tel.ExperimentsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("decision", "inconclusive")))
			return o.settleRejectedTest(ctx, state, test)

		default: // reject
			o.tel.ExperimentsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("decision", "reject")))
			return o.settleRejectedTest(ctx, state, test)
		}
	}
	return state, false, nil
}

// settleRejectedTest rejects the treatment model and finishes the cycle.
func (o *Orchestrator) settleRejectedTest(ctx context.Context, state store.CycleState, test store.ABTest) (store.CycleState, bool, error) {
	rationale := test.Rationale
	if rationale == "" {
		rationale = fmt.Sprintf("experiment %s decision %s", test.ID, test.Decision)
	}
	mv, err := o.stores.Models.Get(ctx, test.TreatmentModelID)
	if err != nil {
		return state, false, err
	}
	if mv.Status == store.StatusExperimenting {
		if _, err := o.stores.Models.Transition(ctx, test.TreatmentModelID, store.StatusRejected, rationale); err != nil {
			return state, false, err
		}
	}
	state.Phase = store.PhaseDone
	state.Rationale = rationale
	return state, true, nil
}

// launchTest creates and starts the experiment, moving the treatment
// model to experimenting.
func (o *Orchestrator) launchTest(ctx context.Context, controlID, treatmentID string) (store.ABTest, error) {
	if _, err := o.stores.Models.Transition(ctx, treatmentID, store.StatusExperimenting, ""); err != nil {
		return store.ABTest{}, err
	}

	test, err := o.framework.Create(ctx, experiment.Spec{
		ControlModelID:   controlID,
		TreatmentModelID: treatmentID,
		TrafficSplit:     o.cfg.TrafficSplit,
		PrimaryMetrics: []store.PrimaryMetric{
			{
				Name:                   "suggestion_success",
				Kind:                   store.MetricRate,
				MinRelativeImprovement: 0.02,
				HigherIsBetter:         true,
			},
		},
		GuardrailMetrics: []store.GuardrailMetric{
			{Name: "resolution_latency_seconds", Kind: store.MetricContinuous, HigherIsBetter: false},
		},
		SignificanceLevel: o.cfg.SignificanceLevel,
		Horizon:           o.cfg.ExperimentHorizon,
	})
	if err != nil {
		return store.ABTest{}, err
	}
	started, err := o.framework.Start(ctx, test.ID)
	if err != nil {
		return store.ABTest{}, err
	}
	o.logger.Info("experiment launched",
		"test_id", started.ID, "control", controlID, "treatment", treatmentID)
	return started, nil
}

// bestGated picks the gated candidate with the highest offline accuracy.
func (o *Orchestrator) bestGated(ctx context.Context, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", errors.New("no gated candidates")
	}
	bestID, bestAcc := "", -1.0
	for _, id := range ids {
		mv, err := o.stores.Models.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if acc := mv.OfflineMetrics.Accuracy.Mean; acc > bestAcc {
			bestID, bestAcc = id, acc
		}
	}
	return bestID, nil
}

// phaseDeploy promotes the experiment winner via compare-and-swap.
func (o *Orchestrator) phaseDeploy(ctx context.Context, state store.CycleState) (store.CycleState, bool, error) {
	test, err := o.stores.Tests.GetTest(ctx, state.TestID)
	if err != nil {
		return state, false, err
	}

	rationale := fmt.Sprintf("adopted by experiment %s: %s", test.ID, state.Rationale)
	err = o.stores.Models.PromoteCAS(ctx, test.ControlModelID, test.TreatmentModelID, rationale)
	if errors.Is(err, store.ErrConcurrencyConflict) {
		// Someone else moved the pointer. Re-evaluate once: if our
		// candidate is still newer than the new production model, retry
		// against the fresh pointer; otherwise stand down.
		current, cerr := o.stores.Models.CurrentProduction(ctx)
		if cerr != nil {
			return state, false, cerr
		}
		o.logger.Warn("promotion conflict",
			"expected", test.ControlModelID, "found", current, "candidate", test.TreatmentModelID)

		if current >= test.TreatmentModelID {
			// ULIDs order by creation: production moved to something
			// at least as new as our candidate.
			state.Phase = store.PhaseDone
			state.Rationale = fmt.Sprintf("promotion superseded by %s", current)
			return state, true, nil
		}
		err = o.stores.Models.PromoteCAS(ctx, current, test.TreatmentModelID, rationale)
	}
	if err != nil {
		return state, false, err
	}

	// Hand the retired predecessor to cold storage.
	if prior, perr := o.stores.Models.Get(ctx, test.ControlModelID); perr == nil && prior.Status == store.StatusRetired {
		if aerr := o.archiver.ArchiveModel(ctx, prior); aerr != nil {
			o.logger.Warn("model archive failed", "model_id", prior.ID, "error", aerr)
		}
	}

	o.tel.PromotionsTotal.Add(ctx, 1)
	state.Phase = store.PhaseDone
	state.Rationale = fmt.Sprintf("promoted %s to production", test.TreatmentModelID)
	return state, true, nil
}
