// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment implements shadow A/B testing of gated model
// versions: deterministic traffic assignment, sample ingestion, and
// statistically controlled adopt/reject decisions.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrTestNotRunning indicates an operation that requires a running
	// test (sample ingestion after abort or conclusion).
	ErrTestNotRunning = errors.New("experiment: test is not running")

	// ErrSafetyViolation indicates a guard-rail metric significantly
	// regressed. The test is aborted immediately.
	ErrSafetyViolation = errors.New("experiment: guard-rail violation")

	// ErrInvalidSpec indicates a malformed test specification.
	ErrInvalidSpec = errors.New("experiment: invalid test specification")

	// ErrAlreadyRetried indicates an inconclusive test that has already
	// used its single retry.
	ErrAlreadyRetried = errors.New("experiment: retry budget exhausted")
)

// -----------------------------------------------------------------------------
// Framework
// -----------------------------------------------------------------------------

// Spec is the input to Create.
type Spec struct {
	ControlModelID   string
	TreatmentModelID string

	// TrafficSplit is the treatment share, in (0, 0.5].
	TrafficSplit float64

	PrimaryMetrics   []store.PrimaryMetric
	GuardrailMetrics []store.GuardrailMetric

	// SignificanceLevel is the uncorrected alpha. Default: 0.05.
	SignificanceLevel float64

	// Horizon is the fixed duration before analysis is forced.
	Horizon time.Duration
}

// Framework drives the experiment lifecycle.
//
// Thread Safety: Safe for concurrent use; all state lives in the test
// store.
type Framework struct {
	tests   *store.TestStore
	metrics *metrics.Service
	logger  *slog.Logger

	// MinSamplesPerArm gates early stopping so a lucky first handful
	// of samples cannot conclude a test. Default: 30.
	minSamplesPerArm int

	now func() time.Time
}

// Option configures the Framework.
type Option func(*Framework)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(f *Framework) { f.now = now }
}

// WithMinSamplesPerArm overrides the early-stopping floor.
func WithMinSamplesPerArm(n int) Option {
	return func(f *Framework) { f.minSamplesPerArm = n }
}

// New creates the framework.
func New(tests *store.TestStore, ms *metrics.Service, logger *slog.Logger, opts ...Option) *Framework {
	f := &Framework{
		tests:            tests,
		metrics:          ms,
		logger:           logger,
		minSamplesPerArm: 30,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create registers a draft test after validating the spec.
func (f *Framework) Create(ctx context.Context, spec Spec) (store.ABTest, error) {
	if spec.ControlModelID == "" || spec.TreatmentModelID == "" {
		return store.ABTest{}, fmt.Errorf("%w: control and treatment model ids required", ErrInvalidSpec)
	}
	if spec.TrafficSplit <= 0 || spec.TrafficSplit > 0.5 {
		return store.ABTest{}, fmt.Errorf("%w: traffic split %.3f outside (0, 0.5]", ErrInvalidSpec, spec.TrafficSplit)
	}
	if len(spec.PrimaryMetrics) == 0 {
		return store.ABTest{}, fmt.Errorf("%w: at least one primary metric required", ErrInvalidSpec)
	}
	if spec.SignificanceLevel <= 0 || spec.SignificanceLevel >= 1 {
		spec.SignificanceLevel = 0.05
	}
	if spec.Horizon <= 0 {
		return store.ABTest{}, fmt.Errorf("%w: horizon required", ErrInvalidSpec)
	}

	test := store.ABTest{
		ID:                fmt.Sprintf("abt-%d", f.now().UnixNano()),
		ControlModelID:    spec.ControlModelID,
		TreatmentModelID:  spec.TreatmentModelID,
		TrafficSplit:      spec.TrafficSplit,
		PrimaryMetrics:    spec.PrimaryMetrics,
		GuardrailMetrics:  spec.GuardrailMetrics,
		SignificanceLevel: spec.SignificanceLevel,
		State:             store.TestDraft,
		EndsAt:            f.now().Add(spec.Horizon).UTC(),
	}
	if err := f.tests.PutTest(ctx, test); err != nil {
		return store.ABTest{}, err
	}
	return test, nil
}

// Start moves a draft test to running. The horizon fixed at Create
// stays as-is; a draft whose horizon already passed cannot start.
func (f *Framework) Start(ctx context.Context, testID string) (store.ABTest, error) {
	test, err := f.tests.GetTest(ctx, testID)
	if err != nil {
		return store.ABTest{}, err
	}
	if test.State != store.TestDraft {
		return store.ABTest{}, fmt.Errorf("%w: cannot start from state %s", ErrInvalidSpec, test.State)
	}

	test.StartedAt = f.now().UTC()
	if !test.StartedAt.Before(test.EndsAt) {
		return store.ABTest{}, fmt.Errorf("%w: horizon %s already passed", ErrInvalidSpec, test.EndsAt)
	}
	test.State = store.TestRunning
	if err := f.tests.PutTest(ctx, test); err != nil {
		return store.ABTest{}, err
	}

	f.logger.Info("experiment started",
		"test_id", test.ID,
		"control", test.ControlModelID,
		"treatment", test.TreatmentModelID,
		"traffic_split", test.TrafficSplit,
		"ends_at", test.EndsAt)
	return test, nil
}

// Assign maps a subject to a variant.
//
// Description:
//
//	Assignment is a pure hash of (testID, subjectID): the same
//	subject always lands in the same arm for the life of a test, with
//	no assignment table to store. A non-running test drains to
//	control, which is what makes abort an immediate rollback.
func (f *Framework) Assign(test store.ABTest, subjectID string) store.Variant {
	if test.State != store.TestRunning {
		return store.VariantControl
	}
	return assign(test.ID, subjectID, test.TrafficSplit)
}

// assign is the deterministic core, exported to tests via Assign.
func assign(testID, subjectID string, trafficSplit float64) store.Variant {
	h := fnv.New64a()
	h.Write([]byte(testID))
	h.Write([]byte{0})
	h.Write([]byte(subjectID))
	// Map the hash onto [0,1) and compare against the treatment share.
	bucket := float64(h.Sum64()>>11) / float64(1<<53)
	if bucket < trafficSplit {
		return store.VariantTreatment
	}
	return store.VariantControl
}

// Ingest appends one raw metric sample.
//
// Samples may arrive out of order while the test runs; anything after
// abort or conclusion is rejected so a decided test's sample set is
// final.
func (f *Framework) Ingest(ctx context.Context, sample store.MetricSample) error {
	test, err := f.tests.GetTest(ctx, sample.TestID)
	if err != nil {
		return err
	}
	if test.State != store.TestRunning && test.State != store.TestAnalyzing {
		return fmt.Errorf("%w: %s is %s", ErrTestNotRunning, test.ID, test.State)
	}
	if test.State == store.TestAnalyzing {
		// Late samples during analysis are dropped, not errors: the
		// evaluation pass is idempotent over the set it has seen.
		f.logger.Debug("late sample dropped", "test_id", test.ID, "metric", sample.MetricName)
		return nil
	}
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = f.now().UTC()
	}
	return f.tests.AppendSample(ctx, sample)
}

// Abort aborts a running or analyzing test.
//
// State becomes aborted with decision=reject; no further samples are
// accepted and Assign drains every subject to control.
func (f *Framework) Abort(ctx context.Context, testID, reason string) (store.ABTest, error) {
	test, err := f.tests.GetTest(ctx, testID)
	if err != nil {
		return store.ABTest{}, err
	}
	if test.State == store.TestConcluded || test.State == store.TestAborted {
		return test, nil // terminal already, idempotent
	}

	test.State = store.TestAborted
	test.Decision = store.DecisionReject
	test.Rationale = reason
	if err := f.tests.PutTest(ctx, test); err != nil {
		return store.ABTest{}, err
	}

	f.metrics.Inc(ctx, "experiment.aborted", map[string]string{"test_id": testID})
	f.logger.Warn("experiment aborted", "test_id", testID, "reason", reason)
	return test, nil
}

// Evaluate runs one evaluation pass over a running test.
//
// Description:
//
//	The pass is idempotent: it recomputes everything from the raw
//	sample set. Three outcomes are possible:
//	  - a guard-rail significantly regressed: the test is aborted and
//	    ErrSafetyViolation returned;
//	  - every primary metric is significant, practically improved, and
//	    both arms hold enough samples: early stop, conclude with the
//	    analysis decision;
//	  - the horizon has passed: move to analyzing and conclude.
//	Otherwise the test keeps running and the unchanged record is
//	returned.
func (f *Framework) Evaluate(ctx context.Context, testID string) (store.ABTest, *Analysis, error) {
	test, err := f.tests.GetTest(ctx, testID)
	if err != nil {
		return store.ABTest{}, nil, err
	}
	if test.State != store.TestRunning && test.State != store.TestAnalyzing {
		return test, nil, nil
	}

	samples, err := f.tests.Samples(ctx, testID)
	if err != nil {
		return store.ABTest{}, nil, err
	}

	analysis := Analyze(test, samples)

	if analysis.SafetyViolated {
		reason := "guard-rail violation: " + analysis.Rationale
		aborted, aerr := f.Abort(ctx, testID, reason)
		if aerr != nil {
			return store.ABTest{}, nil, aerr
		}
		f.metrics.Inc(ctx, "experiment.safety_violations", map[string]string{"test_id": testID})
		return aborted, analysis, fmt.Errorf("%w: %s", ErrSafetyViolation, analysis.Rationale)
	}

	horizonReached := !f.now().Before(test.EndsAt)
	earlyStop := test.State == store.TestRunning &&
		analysis.Decision == store.DecisionAdopt &&
		analysis.MinArmSize() >= f.minSamplesPerArm

	if !horizonReached && !earlyStop {
		return test, analysis, nil
	}

	test.State = store.TestAnalyzing
	if err := f.tests.PutTest(ctx, test); err != nil {
		return store.ABTest{}, nil, err
	}

	test.State = store.TestConcluded
	test.Decision = analysis.Decision
	test.Rationale = analysis.Rationale
	if err := f.tests.PutTest(ctx, test); err != nil {
		return store.ABTest{}, nil, err
	}

	f.metrics.Inc(ctx, "experiment.concluded",
		map[string]string{"test_id": testID, "decision": string(test.Decision)})
	f.logger.Info("experiment concluded",
		"test_id", testID,
		"decision", test.Decision,
		"early_stop", earlyStop,
		"rationale", test.Rationale)
	return test, analysis, nil
}

// RetryInconclusive launches the single allowed retry of an
// inconclusive test, with a doubled horizon. A test that is itself a
// retry, or not inconclusive, cannot be retried.
func (f *Framework) RetryInconclusive(ctx context.Context, testID string) (store.ABTest, error) {
	prior, err := f.tests.GetTest(ctx, testID)
	if err != nil {
		return store.ABTest{}, err
	}
	if prior.Decision != store.DecisionInconclusive {
		return store.ABTest{}, fmt.Errorf("%w: decision is %q", ErrInvalidSpec, prior.Decision)
	}
	if prior.RetryOf != "" {
		return store.ABTest{}, fmt.Errorf("%w: %s is already the retry of %s", ErrAlreadyRetried, prior.ID, prior.RetryOf)
	}

	horizon := prior.EndsAt.Sub(prior.StartedAt)
	retry, err := f.Create(ctx, Spec{
		ControlModelID:    prior.ControlModelID,
		TreatmentModelID:  prior.TreatmentModelID,
		TrafficSplit:      prior.TrafficSplit,
		PrimaryMetrics:    prior.PrimaryMetrics,
		GuardrailMetrics:  prior.GuardrailMetrics,
		SignificanceLevel: prior.SignificanceLevel,
		Horizon:           2 * horizon,
	})
	if err != nil {
		return store.ABTest{}, err
	}

	retry.RetryOf = prior.ID
	if err := f.tests.PutTest(ctx, retry); err != nil {
		return store.ABTest{}, err
	}
	return f.Start(ctx, retry.ID)
}

// -----------------------------------------------------------------------------
// Analysis
// -----------------------------------------------------------------------------

// MetricAnalysis is the verdict for one metric.
type MetricAnalysis struct {
	Name           string              `json:"name"`
	Kind           store.MetricKind    `json:"kind"`
	ControlN       int                 `json:"control_n"`
	TreatmentN     int                 `json:"treatment_n"`
	ControlMean    float64             `json:"control_mean"`
	TreatmentMean  float64             `json:"treatment_mean"`
	RelativeChange float64             `json:"relative_change"`
	PValue         float64             `json:"p_value"`
	Alpha          float64             `json:"alpha"`
	Significant    bool                `json:"significant"`
	Improved       bool                `json:"improved"`
	EffectSize     float64             `json:"effect_size,omitempty"`
	CI             *ConfidenceInterval `json:"ci,omitempty"`

	// Err records why a metric could not be tested (too few samples).
	Err string `json:"error,omitempty"`
}

// Analysis is the full evaluation of one test's sample set.
type Analysis struct {
	TestID         string             `json:"test_id"`
	Decision       store.TestDecision `json:"decision"`
	Rationale      string             `json:"rationale"`
	Primaries      []MetricAnalysis   `json:"primaries"`
	Guardrails     []MetricAnalysis   `json:"guardrails,omitempty"`
	SafetyViolated bool               `json:"safety_violated"`
}

// MinArmSize returns the smallest arm size across primary metrics.
func (a *Analysis) MinArmSize() int {
	min := 0
	for i, m := range a.Primaries {
		n := m.ControlN
		if m.TreatmentN < n {
			n = m.TreatmentN
		}
		if i == 0 || n < min {
			min = n
		}
	}
	return min
}

// Analyze computes the decision from the raw sample set.
//
// Description:
//
//	Pure function of (test, samples): re-running it over the same set
//	yields the same decision, which is the idempotence the evaluator
//	relies on. The Bonferroni-corrected alpha is applied to
//	every primary metric; guard-rails are tested at the uncorrected
//	alpha since a false alarm there is the safe direction.
//
//	Decision rules: adopt when every primary metric is significant
//	with at least its required relative improvement in the right
//	direction and no guard-rail significantly regressed; reject when
//	any primary metric significantly regressed or a guard-rail was
//	violated; inconclusive otherwise.
func Analyze(test store.ABTest, samples []store.MetricSample) *Analysis {
	byMetric := splitSamples(samples)
	alpha := CorrectedAlpha(test.SignificanceLevel, len(test.PrimaryMetrics))

	analysis := &Analysis{TestID: test.ID}

	allAdoptable := len(test.PrimaryMetrics) > 0
	anyRegression := false
	var notes []string

	for _, pm := range test.PrimaryMetrics {
		arms := byMetric[pm.Name]
		ma := analyzeMetric(pm.Name, pm.Kind, arms, alpha, pm.HigherIsBetter)

		required := pm.MinRelativeImprovement
		practical := ma.Improved && absFloat(ma.RelativeChange) >= required
		if ma.Err != "" || !ma.Significant || !practical {
			allAdoptable = false
		}
		if ma.Significant && !ma.Improved {
			anyRegression = true
			notes = append(notes, fmt.Sprintf("%s significantly regressed (p=%.4f)", pm.Name, ma.PValue))
		}
		analysis.Primaries = append(analysis.Primaries, ma)
	}

	for _, gm := range test.GuardrailMetrics {
		arms := byMetric[gm.Name]
		ma := analyzeMetric(gm.Name, gm.Kind, arms, test.SignificanceLevel, gm.HigherIsBetter)
		if ma.Significant && !ma.Improved {
			analysis.SafetyViolated = true
			notes = append(notes, fmt.Sprintf("guard-rail %s regressed (p=%.4f)", gm.Name, ma.PValue))
		}
		analysis.Guardrails = append(analysis.Guardrails, ma)
	}

	switch {
	case analysis.SafetyViolated:
		analysis.Decision = store.DecisionReject
		analysis.Rationale = strings.Join(notes, "; ")
	case anyRegression:
		analysis.Decision = store.DecisionReject
		analysis.Rationale = strings.Join(notes, "; ")
	case allAdoptable:
		analysis.Decision = store.DecisionAdopt
		analysis.Rationale = fmt.Sprintf("all %d primary metrics significant at corrected alpha %.4f with required improvement",
			len(test.PrimaryMetrics), alpha)
	default:
		analysis.Decision = store.DecisionInconclusive
		analysis.Rationale = "not all primary metrics reached significance with required improvement"
	}
	return analysis
}

type armSamples struct {
	control   []float64
	treatment []float64
}

func splitSamples(samples []store.MetricSample) map[string]*armSamples {
	out := make(map[string]*armSamples)
	for _, s := range samples {
		arms := out[s.MetricName]
		if arms == nil {
			arms = &armSamples{}
			out[s.MetricName] = arms
		}
		switch s.Variant {
		case store.VariantControl:
			arms.control = append(arms.control, s.Value)
		case store.VariantTreatment:
			arms.treatment = append(arms.treatment, s.Value)
		}
	}
	return out
}

func analyzeMetric(name string, kind store.MetricKind, arms *armSamples, alpha float64, higherIsBetter bool) MetricAnalysis {
	ma := MetricAnalysis{Name: name, Kind: kind, Alpha: alpha}
	if arms == nil {
		ma.Err = "no samples"
		return ma
	}
	ma.ControlN = len(arms.control)
	ma.TreatmentN = len(arms.treatment)
	ma.ControlMean = meanOf(arms.control)
	ma.TreatmentMean = meanOf(arms.treatment)
	if ma.ControlMean != 0 {
		ma.RelativeChange = (ma.TreatmentMean - ma.ControlMean) / absFloat(ma.ControlMean)
	}

	delta := ma.TreatmentMean - ma.ControlMean
	if higherIsBetter {
		ma.Improved = delta > 0
	} else {
		ma.Improved = delta < 0
	}

	switch kind {
	case store.MetricRate:
		result, err := TwoProportionZTest(arms.control, arms.treatment, alpha)
		if err != nil {
			ma.Err = err.Error()
			return ma
		}
		ma.PValue = result.PValue
		ma.Significant = result.Significant
	default:
		result, err := WelchTTest(arms.control, arms.treatment, alpha)
		if err != nil {
			ma.Err = err.Error()
			return ma
		}
		ma.PValue = result.PValue
		ma.Significant = result.Significant
		if d, derr := EffectSize(arms.control, arms.treatment); derr == nil {
			ma.EffectSize = d
		}
		if ci, cerr := CalculateCI(arms.control, arms.treatment, 1-alpha); cerr == nil {
			ma.CI = ci
		}
	}
	return ma
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
