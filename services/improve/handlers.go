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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLearn/services/improve/experiment"
	"github.com/AleutianAI/AleutianLearn/services/improve/feedback"
	"github.com/AleutianAI/AleutianLearn/services/improve/metrics"
	"github.com/AleutianAI/AleutianLearn/services/improve/orchestrator"
	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// Handlers contains the HTTP handlers for the improvement pipeline.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleIngestFeedback handles POST /v1/improve/feedback.
//
// Description:
//
//	Validates and records one feedback event. Malformed events are
//	rejected with 400 and never retried; duplicate (incident, source)
//	pairs overwrite the earlier record. Ingestion is rate limited.
//
// Response:
//
//	202 Accepted: IngestResponse
//	400 Bad Request: Validation error
//	429 Too Many Requests: Rate limited
func (h *Handlers) HandleIngestFeedback(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIngestFeedback")

	if !h.svc.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: ErrRateLimited.Error(),
			Code:  "RATE_LIMITED",
		})
		return
	}

	var ev feedback.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.svc.aggregator.Record(c.Request.Context(), ev); err != nil {
		h.svc.tel.FeedbackRejectedTotal.Add(c.Request.Context(), 1)
		if errors.Is(err, feedback.ErrInvalidRecord) {
			logger.Warn("Feedback rejected", "incident_id", ev.IncidentID, "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(),
				Code:  "INVALID_RECORD",
			})
			return
		}
		logger.Error("Feedback write failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "storage write failed",
			Code:  "STORAGE_ERROR",
		})
		return
	}

	h.svc.tel.FeedbackIngestedTotal.Add(c.Request.Context(), 1)
	c.JSON(http.StatusAccepted, IngestResponse{Accepted: true})
}

// HandleProduction handles GET /v1/improve/production.
//
// Response:
//
//	200 OK: ProductionResponse
//	404 Not Found: Nothing promoted yet
func (h *Handlers) HandleProduction(c *gin.Context) {
	id, err := h.svc.stores.Models.CurrentProduction(c.Request.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "no production model",
				Code:  "NO_PRODUCTION",
			})
			return
		}
		h.internalError(c, "production lookup failed", err)
		return
	}

	mv, err := h.svc.stores.Models.Get(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "production model read failed", err)
		return
	}
	c.JSON(http.StatusOK, ProductionResponse{Model: mv})
}

// HandleGetModel handles GET /v1/improve/models/:id. The validation
// report, if one exists, is attached.
func (h *Handlers) HandleGetModel(c *gin.Context) {
	id := c.Param("id")
	mv, err := h.svc.stores.Models.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "model not found",
				Code:  "NOT_FOUND",
			})
			return
		}
		h.internalError(c, "model read failed", err)
		return
	}

	resp := ModelResponse{Model: mv}
	if report, err := h.svc.stores.Reports.Get(c.Request.Context(), id); err == nil {
		resp.Report = &report
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePromote handles POST /v1/improve/models/:id/promote.
//
// Description:
//
//	Operator force-promote. The audit reason is mandatory and is
//	recorded on the promotion.
//
// Response:
//
//	200 OK: ProductionResponse
//	400 Bad Request: Missing reason
//	409 Conflict: Lost promotion race or illegal lifecycle state
func (h *Handlers) HandlePromote(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandlePromote")

	var req PromoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "audit reason required",
			Code:  "REASON_REQUIRED",
		})
		return
	}

	id := c.Param("id")
	err := h.svc.orch.ForcePromote(c.Request.Context(), id, req.Reason)
	switch {
	case errors.Is(err, orchestrator.ErrAuditReasonRequired):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "REASON_REQUIRED"})
		return
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "model not found", Code: "NOT_FOUND"})
		return
	case errors.Is(err, store.ErrConcurrencyConflict), errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CONFLICT"})
		return
	case err != nil:
		h.internalError(c, "promotion failed", err)
		return
	}

	logger.Info("Model force-promoted", "model_id", id)
	mv, err := h.svc.stores.Models.Get(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "promoted model read failed", err)
		return
	}
	c.JSON(http.StatusOK, ProductionResponse{Model: mv})
}

// HandleCurrentCycle handles GET /v1/improve/cycles/current.
func (h *Handlers) HandleCurrentCycle(c *gin.Context) {
	state, err := h.svc.stores.Cycles.Current(c.Request.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "no cycle has run yet",
				Code:  "NO_CYCLE",
			})
			return
		}
		h.internalError(c, "cycle read failed", err)
		return
	}
	c.JSON(http.StatusOK, CycleResponse{Cycle: state, Paused: h.svc.orch.Paused()})
}

// HandleRunCycle handles POST /v1/improve/cycles/run. It advances the
// cycle synchronously and returns where it stopped.
func (h *Handlers) HandleRunCycle(c *gin.Context) {
	state, err := h.svc.orch.RunCycle(c.Request.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrPaused) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: err.Error(),
				Code:  "PAUSED",
			})
			return
		}
		h.internalError(c, "cycle run failed", err)
		return
	}
	c.JSON(http.StatusOK, CycleResponse{Cycle: state, Paused: h.svc.orch.Paused()})
}

// HandlePauseCycle handles POST /v1/improve/cycles/pause.
func (h *Handlers) HandlePauseCycle(c *gin.Context) {
	h.svc.orch.PauseCycle()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// HandleResumeCycle handles POST /v1/improve/cycles/resume.
func (h *Handlers) HandleResumeCycle(c *gin.Context) {
	h.svc.orch.ResumeCycle()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// HandleGetTest handles GET /v1/improve/tests/:id.
func (h *Handlers) HandleGetTest(c *gin.Context) {
	test, err := h.svc.stores.Tests.GetTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "test not found",
				Code:  "NOT_FOUND",
			})
			return
		}
		h.internalError(c, "test read failed", err)
		return
	}
	c.JSON(http.StatusOK, test)
}

// HandleAssign handles GET /v1/improve/tests/:id/assign.
//
// Description:
//
//	Deterministic variant assignment: the same subject always lands
//	on the same arm for the lifetime of the test. Non-running tests
//	assign everything to control.
func (h *Handlers) HandleAssign(c *gin.Context) {
	subjectID := c.Query("subject_id")
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "subject_id query parameter required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	test, err := h.svc.stores.Tests.GetTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "test not found",
				Code:  "NOT_FOUND",
			})
			return
		}
		h.internalError(c, "test read failed", err)
		return
	}

	variant := h.svc.framework.Assign(test, subjectID)
	modelID := test.ControlModelID
	if variant == store.VariantTreatment {
		modelID = test.TreatmentModelID
	}
	c.JSON(http.StatusOK, AssignResponse{
		TestID:    test.ID,
		SubjectID: subjectID,
		Variant:   string(variant),
		ModelID:   modelID,
	})
}

// HandleIngestSample handles POST /v1/improve/tests/:id/samples.
func (h *Handlers) HandleIngestSample(c *gin.Context) {
	var req SampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	err := h.svc.framework.Ingest(c.Request.Context(), store.MetricSample{
		TestID:     c.Param("id"),
		Variant:    store.Variant(req.Variant),
		MetricName: req.MetricName,
		Value:      req.Value,
		ObservedAt: req.ObservedAt,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "test not found", Code: "NOT_FOUND"})
	case errors.Is(err, experiment.ErrTestNotRunning):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "TEST_NOT_RUNNING"})
	case err != nil:
		h.internalError(c, "sample write failed", err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

// HandleAbortTest handles POST /v1/improve/tests/:id/abort.
func (h *Handlers) HandleAbortTest(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAbortTest")

	var req AbortTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "abort reason required",
			Code:  "REASON_REQUIRED",
		})
		return
	}

	test, err := h.svc.orch.AbortTest(c.Request.Context(), c.Param("id"), req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "test not found", Code: "NOT_FOUND"})
		return
	case err != nil:
		h.internalError(c, "abort failed", err)
		return
	}

	logger.Warn("Test aborted", "test_id", test.ID, "reason", req.Reason)
	c.JSON(http.StatusOK, test)
}

// HandleQueryMetrics handles GET /v1/improve/metrics/query.
//
// Query parameters:
//
//	name - metric name (required)
//	start, end - RFC 3339 timestamps; default: trailing hour
//	granularity - "minute", "hour", "day", "week"; default: "minute"
func (h *Handlers) HandleQueryMetrics(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "name query parameter required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid start time", Code: "INVALID_REQUEST"})
			return
		}
		start = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid end time", Code: "INVALID_REQUEST"})
			return
		}
		end = t
	}

	granularity := metrics.Minute
	switch c.DefaultQuery("granularity", "minute") {
	case "minute":
		granularity = metrics.Minute
	case "hour":
		granularity = metrics.Hour
	case "day":
		granularity = metrics.Day
	case "week":
		granularity = metrics.Week
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid granularity", Code: "INVALID_REQUEST"})
		return
	}

	series, err := h.svc.metrics.Query(c.Request.Context(), name, start, end, granularity)
	if err != nil {
		h.internalError(c, "metric query failed", err)
		return
	}
	c.JSON(http.StatusOK, QueryResponse{Series: series})
}

// HandleConfigureAlert handles POST /v1/improve/alerts.
func (h *Handlers) HandleConfigureAlert(c *gin.Context) {
	var req AlertRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	rule := metrics.AlertRule{
		MetricName: req.MetricName,
		Aggregate:  req.Aggregate,
		Comparator: metrics.Comparator(req.Comparator),
		Threshold:  req.Threshold,
		Severity:   metrics.Severity(req.Severity),
		Window:     time.Duration(req.WindowSeconds) * time.Second,
		Cooldown:   time.Duration(req.CooldownSeconds) * time.Second,
	}
	if err := h.svc.metrics.ConfigureAlert(rule); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_RULE",
		})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// HandleHealth handles GET /v1/improve/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/improve/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	ok := h.svc.ready(c.Request.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ReadyResponse{Ready: ok, StorageOK: ok})
}

// internalError logs and answers a 500 without leaking internals.
func (h *Handlers) internalError(c *gin.Context, msg string, err error) {
	slog.Error(msg, "error", err, "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: msg,
		Code:  "INTERNAL_ERROR",
	})
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
