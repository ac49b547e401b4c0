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
	"time"
)

// -----------------------------------------------------------------------------
// Feedback
// -----------------------------------------------------------------------------

// Source identifies where a feedback record originated.
type Source string

const (
	// SourceOperator is a correction entered by a human operator.
	SourceOperator Source = "operator"

	// SourceUser is an end-user satisfaction signal.
	SourceUser Source = "user"

	// SourceSystem is accuracy observed by the serving system itself.
	SourceSystem Source = "system"
)

// Valid reports whether the source is one of the known values.
func (s Source) Valid() bool {
	switch s {
	case SourceOperator, SourceUser, SourceSystem:
		return true
	}
	return false
}

// Outcome is the resolution outcome attached to a feedback record.
type Outcome string

const (
	// OutcomeSuccess means the suggested solution resolved the incident.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure means the suggestion did not resolve the incident.
	OutcomeFailure Outcome = "failure"

	// OutcomeUnknown means the resolution state was never confirmed.
	OutcomeUnknown Outcome = "unknown"
)

// Valid reports whether the outcome is one of the known values.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeUnknown:
		return true
	}
	return false
}

// FeedbackRecord is an immutable outcome fact about one suggestion.
//
// Records are never mutated after ingestion; deduplication replaces an
// older record for the same (IncidentID, Source) pair with the newer one.
type FeedbackRecord struct {
	// IncidentID identifies the incident the suggestion was made for.
	IncidentID string `json:"incident_id"`

	// Source is who reported the outcome (operator|user|system).
	Source Source `json:"source"`

	// SuggestedSolutionID identifies the solution the model suggested.
	SuggestedSolutionID string `json:"suggested_solution_id"`

	// ActualSolution is the solution that actually resolved the
	// incident, when it differed from the suggestion. Empty otherwise.
	ActualSolution string `json:"actual_solution,omitempty"`

	// Outcome is the resolution outcome (success|failure|unknown).
	Outcome Outcome `json:"outcome"`

	// Rating is an optional ordinal satisfaction rating (1-5).
	// Zero means not rated.
	Rating int `json:"rating,omitempty"`

	// Category is the incident category the suggestion targeted
	// (e.g. "DB2", "network"). Used for stratification and fairness
	// groupings downstream.
	Category string `json:"category,omitempty"`

	// LatencyToResolution is how long the incident took to resolve.
	LatencyToResolution time.Duration `json:"latency_to_resolution,omitempty"`

	// Description is the incident description text, used by the
	// new-cluster detector for embedding.
	Description string `json:"description,omitempty"`

	// RecordedAt is when the outcome was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}

// -----------------------------------------------------------------------------
// Patterns
// -----------------------------------------------------------------------------

// PatternKind identifies the detector that produced a pattern.
type PatternKind string

const (
	// PatternNewCluster is a cluster of incidents unlike any known cluster.
	PatternNewCluster PatternKind = "new-cluster"

	// PatternBehaviorShift is a metric deviating from its stored baseline.
	PatternBehaviorShift PatternKind = "behavior-shift"

	// PatternTrend is a statistically significant temporal trend.
	PatternTrend PatternKind = "trend"

	// PatternCorrelation is a cross-subject correlation above threshold.
	PatternCorrelation PatternKind = "correlation"
)

// Pattern is a derived fact produced by one detector in one cycle.
//
// Later detections of the same subject supersede earlier ones by
// appending, never by overwriting, so detection history is auditable.
type Pattern struct {
	// ID is the ULID assigned at persistence time.
	ID string `json:"id"`

	// Kind identifies the producing detector.
	Kind PatternKind `json:"kind"`

	// Subject names the category or system the pattern is about.
	// Correlation patterns use "a|b" pair form.
	Subject string `json:"subject"`

	// Evidence holds summary statistics keyed by name.
	Evidence map[string]float64 `json:"evidence"`

	// SampleIDs references feedback records supporting the pattern.
	SampleIDs []string `json:"sample_ids,omitempty"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// DetectedAt is when the detector reported the pattern.
	DetectedAt time.Time `json:"detected_at"`
}

// -----------------------------------------------------------------------------
// Model Versions
// -----------------------------------------------------------------------------

// ModelStatus is the lifecycle state of a model version.
//
// The only legal forward sequence is
// candidate -> gated -> experimenting -> production; any validation or
// experiment failure moves the version directly to rejected, which is
// terminal. production moves to retired when a successor is promoted.
type ModelStatus string

const (
	StatusCandidate     ModelStatus = "candidate"
	StatusGated         ModelStatus = "gated"
	StatusExperimenting ModelStatus = "experimenting"
	StatusProduction    ModelStatus = "production"
	StatusRetired       ModelStatus = "retired"
	StatusRejected      ModelStatus = "rejected"
)

// nextStatuses maps each status to the set of statuses it may move to.
var nextStatuses = map[ModelStatus][]ModelStatus{
	StatusCandidate:     {StatusGated, StatusRejected},
	StatusGated:         {StatusExperimenting, StatusRejected},
	StatusExperimenting: {StatusProduction, StatusRejected, StatusGated},
	StatusProduction:    {StatusRetired},
	StatusRetired:       {},
	StatusRejected:      {},
}

// CanTransition reports whether s may legally move to next.
//
// experimenting -> gated is the one backward edge: a treatment model
// whose experiment ends without a verdict against it (a superseded
// promotion, an operator standing the test down) returns to the gated
// pool instead of being forced into rejected or production.
func (s ModelStatus) CanTransition(next ModelStatus) bool {
	for _, allowed := range nextStatuses[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OfflineMetrics holds offline evaluation results for a model version.
// Each metric carries the cross-fold mean and standard deviation.
type OfflineMetrics struct {
	Accuracy  MetricStat `json:"accuracy"`
	Precision MetricStat `json:"precision"`
	Recall    MetricStat `json:"recall"`
	F1        MetricStat `json:"f1"`
}

// MetricStat is a mean with its cross-fold standard deviation.
type MetricStat struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// ModelVersion is the artifact record for one trained model.
type ModelVersion struct {
	// ID is a ULID: lexicographic order matches creation order.
	ID string `json:"id"`

	// ParentID is the model this version was trained from, if any.
	ParentID string `json:"parent_id,omitempty"`

	// TrainingWindow is the feedback window the training set came from.
	TrainingWindow TimeWindow `json:"training_data_window"`

	// Hyperparameters are the opaque trainer settings used.
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`

	// OfflineMetrics are the cross-validated offline results.
	OfflineMetrics OfflineMetrics `json:"offline_metrics"`

	// ArtifactRef points to the stored model artifact.
	ArtifactRef string `json:"artifact_ref,omitempty"`

	// Status is the lifecycle state.
	Status ModelStatus `json:"status"`

	// Rationale is the human-readable reason for a terminal state.
	Rationale string `json:"rationale,omitempty"`

	// CreatedAt is when the version was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// -----------------------------------------------------------------------------
// Validation Reports
// -----------------------------------------------------------------------------

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	// Name identifies the check (performance, stability, fairness,
	// robustness, drift).
	Name string `json:"name"`

	// Passed is the boolean verdict.
	Passed bool `json:"passed"`

	// Evidence holds the numeric values the verdict was based on.
	Evidence map[string]float64 `json:"evidence,omitempty"`

	// Rationale explains a failure in human-readable form.
	Rationale string `json:"rationale,omitempty"`
}

// ValidationReport is the immutable gate verdict for one model version.
// Exactly one report may exist per model; writes after the first fail.
type ValidationReport struct {
	ModelID   string        `json:"model_id"`
	Checks    []CheckResult `json:"checks"`
	Passed    bool          `json:"passed"`
	CreatedAt time.Time     `json:"created_at"`
}

// -----------------------------------------------------------------------------
// A/B Tests
// -----------------------------------------------------------------------------

// TestState is the experiment lifecycle state.
type TestState string

const (
	TestDraft     TestState = "draft"
	TestRunning   TestState = "running"
	TestAnalyzing TestState = "analyzing"
	TestConcluded TestState = "concluded"
	TestAborted   TestState = "aborted"
)

// TestDecision is the terminal decision of an experiment.
type TestDecision string

const (
	DecisionNone         TestDecision = ""
	DecisionAdopt        TestDecision = "adopt"
	DecisionReject       TestDecision = "reject"
	DecisionInconclusive TestDecision = "inconclusive"
)

// MetricKind distinguishes how a primary metric is tested.
type MetricKind string

const (
	// MetricRate is a success-rate metric tested with a two-proportion
	// Z-test. Sample values must be 0 or 1.
	MetricRate MetricKind = "rate"

	// MetricContinuous is a continuous metric tested with Welch's t-test.
	MetricContinuous MetricKind = "continuous"
)

// PrimaryMetric is one success criterion of an experiment.
type PrimaryMetric struct {
	// Name is the metric name samples are tagged with.
	Name string `json:"name"`

	// Kind selects the statistical test.
	Kind MetricKind `json:"kind"`

	// MinRelativeImprovement is the required relative improvement of
	// treatment over control (e.g. 0.05 for 5%).
	MinRelativeImprovement float64 `json:"min_relative_improvement"`

	// HigherIsBetter orients the required direction.
	HigherIsBetter bool `json:"higher_is_better"`
}

// GuardrailMetric is a safety metric that must not significantly regress.
type GuardrailMetric struct {
	Name           string     `json:"name"`
	Kind           MetricKind `json:"kind"`
	HigherIsBetter bool       `json:"higher_is_better"`
}

// ABTest is one experiment record.
type ABTest struct {
	ID               string            `json:"id"`
	ControlModelID   string            `json:"control_model_id"`
	TreatmentModelID string            `json:"treatment_model_id"`

	// TrafficSplit is the treatment share, in (0, 0.5].
	TrafficSplit float64 `json:"traffic_split"`

	PrimaryMetrics   []PrimaryMetric   `json:"primary_metrics"`
	GuardrailMetrics []GuardrailMetric `json:"guardrail_metrics,omitempty"`

	// SignificanceLevel is the uncorrected alpha (e.g. 0.05).
	SignificanceLevel float64 `json:"significance_level"`

	State     TestState    `json:"state"`
	Decision  TestDecision `json:"decision,omitempty"`
	Rationale string       `json:"rationale,omitempty"`

	// RetryOf is set when this test is the one-time retry of an
	// inconclusive predecessor.
	RetryOf string `json:"retry_of,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`
	EndsAt    time.Time `json:"ends_at"`
}

// Variant tags a metric sample with the arm that produced it.
type Variant string

const (
	VariantControl   Variant = "control"
	VariantTreatment Variant = "treatment"
)

// MetricSample is one raw observation from a running experiment.
// Samples are append-only; analysis never deletes them so any decision
// can be reproduced from the raw set.
type MetricSample struct {
	TestID     string    `json:"test_id"`
	Variant    Variant   `json:"variant"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// -----------------------------------------------------------------------------
// Cycle State
// -----------------------------------------------------------------------------

// CyclePhase is the orchestrator's resumable checkpoint.
type CyclePhase string

const (
	PhaseAggregate  CyclePhase = "aggregate"
	PhaseAnalyze    CyclePhase = "analyze"
	PhaseRetrain    CyclePhase = "retrain"
	PhaseValidate   CyclePhase = "validate"
	PhaseExperiment CyclePhase = "experiment"
	PhaseDeploy     CyclePhase = "deploy"
	PhaseDone       CyclePhase = "done"
	PhaseFailed     CyclePhase = "failed"
)

// CycleState is the durable record of one learning cycle. It is written
// after every phase transition so a crash resumes rather than restarts.
type CycleState struct {
	CycleID   string     `json:"cycle_id"`
	Phase     CyclePhase `json:"phase"`
	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Window is the feedback window this cycle operates on.
	Window TimeWindow `json:"window"`

	// CandidateIDs are the model versions produced by the retrain phase.
	CandidateIDs []string `json:"candidate_ids,omitempty"`

	// GatedIDs are the candidates that passed the validation gate.
	GatedIDs []string `json:"gated_ids,omitempty"`

	// TestID is the experiment launched by this cycle, if any.
	TestID string `json:"test_id,omitempty"`

	// Rationale records why the cycle ended (success or failure).
	Rationale string `json:"rationale,omitempty"`
}
