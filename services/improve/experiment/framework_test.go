// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	storage "github.com/AleutianAI/AleutianLearn/services/improve/storage/badger"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// fakeClock is a movable time source shared with the framework.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFramework(t *testing.T) (*Framework, *fakeClock) {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ms := metrics.New()
	t.Cleanup(ms.Close)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	f := New(store.New(db).Tests, ms, slog.Default(),
		WithClock(clock.Now),
		WithMinSamplesPerArm(10))
	return f, clock
}

func validSpec() Spec {
	return Spec{
		ControlModelID:   "model-control",
		TreatmentModelID: "model-treatment",
		TrafficSplit:     0.5,
		PrimaryMetrics: []store.PrimaryMetric{{
			Name:                   "suggestion_success",
			Kind:                   store.MetricRate,
			MinRelativeImprovement: 0.02,
			HigherIsBetter:         true,
		}},
		SignificanceLevel: 0.05,
		Horizon:           72 * time.Hour,
	}
}

func startedTest(t *testing.T, f *Framework, spec Spec) store.ABTest {
	t.Helper()
	ctx := context.Background()
	created, err := f.Create(ctx, spec)
	require.NoError(t, err)
	test, err := f.Start(ctx, created.ID)
	require.NoError(t, err)
	return test
}

// ingestRate appends n Bernoulli samples, successes of them 1.
func ingestRate(t *testing.T, f *Framework, testID string, variant store.Variant, metric string, n, successes int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		v := 0.0
		if i < successes {
			v = 1.0
		}
		err := f.Ingest(ctx, store.MetricSample{
			TestID:     testID,
			Variant:    variant,
			MetricName: metric,
			Value:      v,
		})
		require.NoError(t, err)
	}
}

func TestCreateRejectsInvalidSpecs(t *testing.T) {
	f, _ := newTestFramework(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing treatment", func(s *Spec) { s.TreatmentModelID = "" }},
		{"split above half", func(s *Spec) { s.TrafficSplit = 0.6 }},
		{"split zero", func(s *Spec) { s.TrafficSplit = 0 }},
		{"no primary metrics", func(s *Spec) { s.PrimaryMetrics = nil }},
		{"no horizon", func(s *Spec) { s.Horizon = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			_, err := f.Create(ctx, spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestAssign(t *testing.T) {
	f, _ := newTestFramework(t)
	test := startedTest(t, f, validSpec())

	t.Run("deterministic per subject", func(t *testing.T) {
		first := f.Assign(test, "subject-42")
		for i := 0; i < 50; i++ {
			assert.Equal(t, first, f.Assign(test, "subject-42"))
		}
	})

	t.Run("split is roughly honored", func(t *testing.T) {
		treatment := 0
		const subjects = 2000
		for i := 0; i < subjects; i++ {
			if f.Assign(test, fmt.Sprintf("subject-%d", i)) == store.VariantTreatment {
				treatment++
			}
		}
		share := float64(treatment) / subjects
		assert.InDelta(t, 0.5, share, 0.05)
	})

	t.Run("non-running test drains to control", func(t *testing.T) {
		stopped := test
		stopped.State = store.TestAborted
		for i := 0; i < 20; i++ {
			assert.Equal(t, store.VariantControl, f.Assign(stopped, fmt.Sprintf("subject-%d", i)))
		}
	})
}

func TestEvaluateEarlyStop(t *testing.T) {
	f, _ := newTestFramework(t)
	ctx := context.Background()
	test := startedTest(t, f, validSpec())

	// A decisive improvement long before the horizon.
	ingestRate(t, f, test.ID, store.VariantControl, "suggestion_success", 40, 20)
	ingestRate(t, f, test.ID, store.VariantTreatment, "suggestion_success", 40, 36)

	updated, analysis, err := f.Evaluate(ctx, test.ID)
	require.NoError(t, err)
	require.NotNil(t, analysis)
	assert.Equal(t, store.TestConcluded, updated.State)
	assert.Equal(t, store.DecisionAdopt, updated.Decision)
	assert.GreaterOrEqual(t, analysis.MinArmSize(), 10)
}

func TestEvaluateEarlyStopNeedsMinArmSize(t *testing.T) {
	f, _ := newTestFramework(t)
	ctx := context.Background()
	test := startedTest(t, f, validSpec())

	// Decisive but tiny: below the per-arm floor, the test keeps running.
	ingestRate(t, f, test.ID, store.VariantControl, "suggestion_success", 8, 1)
	ingestRate(t, f, test.ID, store.VariantTreatment, "suggestion_success", 8, 8)

	updated, _, err := f.Evaluate(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestRunning, updated.State)
}

func TestEvaluateGuardrailViolation(t *testing.T) {
	f, _ := newTestFramework(t)
	ctx := context.Background()

	spec := validSpec()
	spec.GuardrailMetrics = []store.GuardrailMetric{{
		Name:           "resolution_latency_seconds",
		Kind:           store.MetricContinuous,
		HigherIsBetter: false,
	}}
	test := startedTest(t, f, spec)

	// Primary looks fine; the guard-rail regresses badly.
	ingestRate(t, f, test.ID, store.VariantControl, "suggestion_success", 40, 20)
	ingestRate(t, f, test.ID, store.VariantTreatment, "suggestion_success", 40, 36)
	for i := 0; i < 20; i++ {
		require.NoError(t, f.Ingest(ctx, store.MetricSample{
			TestID: test.ID, Variant: store.VariantControl,
			MetricName: "resolution_latency_seconds", Value: 10 + float64(i%3),
		}))
		require.NoError(t, f.Ingest(ctx, store.MetricSample{
			TestID: test.ID, Variant: store.VariantTreatment,
			MetricName: "resolution_latency_seconds", Value: 30 + float64(i%3),
		}))
	}

	updated, analysis, err := f.Evaluate(ctx, test.ID)
	require.ErrorIs(t, err, ErrSafetyViolation)
	assert.True(t, analysis.SafetyViolated)
	assert.Equal(t, store.TestAborted, updated.State)
	assert.Equal(t, store.DecisionReject, updated.Decision)

	t.Run("no samples after abort", func(t *testing.T) {
		err := f.Ingest(ctx, store.MetricSample{
			TestID: test.ID, Variant: store.VariantControl,
			MetricName: "suggestion_success", Value: 1,
		})
		assert.ErrorIs(t, err, ErrTestNotRunning)
	})
}

func TestEvaluateHorizonInconclusive(t *testing.T) {
	f, clock := newTestFramework(t)
	ctx := context.Background()
	test := startedTest(t, f, validSpec())

	// A difference too small to reach significance.
	ingestRate(t, f, test.ID, store.VariantControl, "suggestion_success", 40, 20)
	ingestRate(t, f, test.ID, store.VariantTreatment, "suggestion_success", 40, 22)

	// Before the horizon the test keeps running.
	updated, _, err := f.Evaluate(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestRunning, updated.State)

	clock.Advance(73 * time.Hour)
	updated, _, err = f.Evaluate(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestConcluded, updated.State)
	assert.Equal(t, store.DecisionInconclusive, updated.Decision)
}

func TestRetryInconclusive(t *testing.T) {
	f, clock := newTestFramework(t)
	ctx := context.Background()
	test := startedTest(t, f, validSpec())

	ingestRate(t, f, test.ID, store.VariantControl, "suggestion_success", 40, 20)
	ingestRate(t, f, test.ID, store.VariantTreatment, "suggestion_success", 40, 22)
	clock.Advance(73 * time.Hour)
	if _, _, err := f.Evaluate(ctx, test.ID); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	retry, err := f.RetryInconclusive(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TestRunning, retry.State)
	assert.Equal(t, test.ID, retry.RetryOf)
	assert.Equal(t, test.ControlModelID, retry.ControlModelID)
	// Doubled horizon.
	assert.Equal(t, 144*time.Hour, retry.EndsAt.Sub(retry.StartedAt))

	t.Run("only one retry", func(t *testing.T) {
		ingestRate(t, f, retry.ID, store.VariantControl, "suggestion_success", 40, 20)
		ingestRate(t, f, retry.ID, store.VariantTreatment, "suggestion_success", 40, 22)
		clock.Advance(145 * time.Hour)
		if _, _, err := f.Evaluate(ctx, retry.ID); err != nil {
			t.Fatalf("evaluate retry: %v", err)
		}

		_, err := f.RetryInconclusive(ctx, retry.ID)
		assert.ErrorIs(t, err, ErrAlreadyRetried)
	})

	t.Run("adopted tests cannot retry", func(t *testing.T) {
		_, err := f.RetryInconclusive(ctx, "no-such-test")
		assert.Error(t, err)
	})
}

func TestAbortIdempotent(t *testing.T) {
	f, _ := newTestFramework(t)
	ctx := context.Background()
	test := startedTest(t, f, validSpec())

	aborted, err := f.Abort(ctx, test.ID, "operator decision")
	require.NoError(t, err)
	assert.Equal(t, store.TestAborted, aborted.State)
	assert.Equal(t, store.DecisionReject, aborted.Decision)
	assert.Equal(t, "operator decision", aborted.Rationale)

	again, err := f.Abort(ctx, test.ID, "second call")
	require.NoError(t, err)
	assert.Equal(t, "operator decision", again.Rationale, "terminal state must not be rewritten")
}

func TestAnalyzeIsPure(t *testing.T) {
	test := store.ABTest{
		ID:                "abt-1",
		SignificanceLevel: 0.05,
		PrimaryMetrics: []store.PrimaryMetric{{
			Name: "suggestion_success", Kind: store.MetricRate,
			MinRelativeImprovement: 0.02, HigherIsBetter: true,
		}},
	}
	var samples []store.MetricSample
	for i := 0; i < 40; i++ {
		samples = append(samples,
			store.MetricSample{TestID: "abt-1", Variant: store.VariantControl, MetricName: "suggestion_success", Value: float64(i % 2)},
			store.MetricSample{TestID: "abt-1", Variant: store.VariantTreatment, MetricName: "suggestion_success", Value: 1},
		)
	}

	first := Analyze(test, samples)
	second := Analyze(test, samples)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Rationale, second.Rationale)
	assert.Equal(t, store.DecisionAdopt, first.Decision)
}

func TestAnalyzeRejectsRegression(t *testing.T) {
	test := store.ABTest{
		ID:                "abt-2",
		SignificanceLevel: 0.05,
		PrimaryMetrics: []store.PrimaryMetric{{
			Name: "suggestion_success", Kind: store.MetricRate,
			MinRelativeImprovement: 0.02, HigherIsBetter: true,
		}},
	}
	var samples []store.MetricSample
	for i := 0; i < 40; i++ {
		samples = append(samples,
			// Control succeeds, treatment mostly fails.
			store.MetricSample{TestID: "abt-2", Variant: store.VariantControl, MetricName: "suggestion_success", Value: 1},
			store.MetricSample{TestID: "abt-2", Variant: store.VariantTreatment, MetricName: "suggestion_success", Value: float64(i % 4 / 3)},
		)
	}

	analysis := Analyze(test, samples)
	assert.Equal(t, store.DecisionReject, analysis.Decision)
	assert.Contains(t, analysis.Rationale, "regressed")
}
