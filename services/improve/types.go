// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package improve

import (
	"time"

	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// AbortTestRequest is the body for POST /v1/improve/tests/:id/abort.
type AbortTestRequest struct {
	// Reason is the operator's audit reason. Required.
	Reason string `json:"reason" binding:"required"`
}

// PromoteRequest is the body for POST /v1/improve/models/:id/promote.
type PromoteRequest struct {
	// Reason is the operator's audit reason. Required.
	Reason string `json:"reason" binding:"required"`
}

// SampleRequest is the body for POST /v1/improve/tests/:id/samples.
type SampleRequest struct {
	Variant    string    `json:"variant" binding:"required,oneof=control treatment"`
	MetricName string    `json:"metric_name" binding:"required"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// AlertRuleRequest is the body for POST /v1/improve/alerts.
type AlertRuleRequest struct {
	MetricName string  `json:"metric_name" binding:"required"`
	Aggregate  string  `json:"aggregate,omitempty"`
	Comparator string  `json:"comparator" binding:"required,oneof=above below"`
	Threshold  float64 `json:"threshold"`
	Severity   string  `json:"severity" binding:"required,oneof=info warning critical"`

	// WindowSeconds is the trailing lookback. Default: 300.
	WindowSeconds int `json:"window_seconds,omitempty"`

	// CooldownSeconds suppresses re-notification. Default: 900.
	CooldownSeconds int `json:"cooldown_seconds,omitempty"`
}

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

// IngestResponse is the response for POST /v1/improve/feedback.
type IngestResponse struct {
	// Accepted is true when the event was recorded.
	Accepted bool `json:"accepted"`
}

// ProductionResponse is the response for GET /v1/improve/production.
type ProductionResponse struct {
	// Model is the current production version.
	Model store.ModelVersion `json:"model"`
}

// ModelResponse is the response for GET /v1/improve/models/:id.
type ModelResponse struct {
	Model store.ModelVersion `json:"model"`

	// Report is the validation verdict, when one exists.
	Report *store.ValidationReport `json:"report,omitempty"`
}

// AssignResponse is the response for GET /v1/improve/tests/:id/assign.
type AssignResponse struct {
	TestID    string `json:"test_id"`
	SubjectID string `json:"subject_id"`
	Variant   string `json:"variant"`

	// ModelID is the model serving this subject.
	ModelID string `json:"model_id"`
}

// QueryResponse is the response for GET /v1/improve/metrics/query.
type QueryResponse struct {
	Series metrics.Series `json:"series"`
}

// CycleResponse is the response for the cycle endpoints.
type CycleResponse struct {
	Cycle  store.CycleState `json:"cycle"`
	Paused bool             `json:"paused"`
}

// HealthResponse is the response for GET /v1/improve/health.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /v1/improve/ready.
type ReadyResponse struct {
	// Ready is true if the service is ready to accept requests.
	Ready bool `json:"ready"`

	// StorageOK is true if the badger store answers reads.
	StorageOK bool `json:"storage_ok"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}
