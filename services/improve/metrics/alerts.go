// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Rules
// -----------------------------------------------------------------------------

// Comparator selects how an aggregate is compared to the threshold.
type Comparator string

const (
	Above Comparator = "above"
	Below Comparator = "below"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule triggers when a metric aggregate crosses a threshold.
type AlertRule struct {
	// MetricName is the metric to evaluate.
	MetricName string `json:"metric_name"`

	// Aggregate selects the bucket field to compare: "avg", "sum",
	// "count", "p95", "p99", "max", "min". Default: "avg".
	Aggregate string `json:"aggregate,omitempty"`

	// Comparator is the comparison direction.
	Comparator Comparator `json:"comparator"`

	// Threshold is the trigger value.
	Threshold float64 `json:"threshold"`

	// Severity grades the alert.
	Severity Severity `json:"severity"`

	// Window is the trailing lookback for the aggregate. Default: 5m.
	Window time.Duration `json:"window,omitempty"`

	// Cooldown suppresses re-notification after a trigger. Default: 15m.
	Cooldown time.Duration `json:"cooldown,omitempty"`
}

// Alert is a raised alert event.
type Alert struct {
	ID         string    `json:"id"`
	MetricName string    `json:"metric_name"`
	Severity   Severity  `json:"severity"`
	Observed   float64   `json:"observed"`
	Threshold  float64   `json:"threshold"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raised_at"`
}

// Notifier delivers raised alerts. The pipeline calls it; delivery
// (email, chat, webhook) is the caller's concern.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, alert Alert)

// Notify calls the wrapped function.
func (f NotifierFunc) Notify(ctx context.Context, alert Alert) { f(ctx, alert) }

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// alertEngine evaluates rules against the latest aggregates.
type alertEngine struct {
	svc      *Service
	notifier Notifier
	now      func() time.Time

	mu        sync.Mutex
	rules     []AlertRule
	lastFired map[string]time.Time // rule key -> last notification
}

func newAlertEngine(svc *Service) *alertEngine {
	return &alertEngine{
		svc:       svc,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (e *alertEngine) configure(rule AlertRule) error {
	if rule.MetricName == "" {
		return errors.New("alert rule requires a metric name")
	}
	if rule.Comparator != Above && rule.Comparator != Below {
		return fmt.Errorf("unknown comparator %q", rule.Comparator)
	}
	if rule.Aggregate == "" {
		rule.Aggregate = "avg"
	}
	if rule.Window <= 0 {
		rule.Window = 5 * time.Minute
	}
	if rule.Cooldown <= 0 {
		rule.Cooldown = 15 * time.Minute
	}

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
	return nil
}

func (e *alertEngine) start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.evaluate(ctx)
			}
		}
	}()
}

// evaluate runs one pass over all rules. Exported through
// Service.StartAlertEvaluator for the background loop; called directly
// in tests.
func (e *alertEngine) evaluate(ctx context.Context) {
	e.mu.Lock()
	rules := make([]AlertRule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	for _, rule := range rules {
		bucket, err := e.svc.Latest(ctx, rule.MetricName, rule.Window, Minute)
		if err != nil {
			continue // no data is not an alert condition
		}

		observed := bucketField(bucket, rule.Aggregate)
		triggered := (rule.Comparator == Above && observed > rule.Threshold) ||
			(rule.Comparator == Below && observed < rule.Threshold)
		if !triggered {
			continue
		}

		key := fmt.Sprintf("%s/%s/%s", rule.MetricName, rule.Aggregate, rule.Comparator)
		now := e.now()

		e.mu.Lock()
		last, fired := e.lastFired[key]
		if fired && now.Sub(last) < rule.Cooldown {
			e.mu.Unlock()
			continue
		}
		e.lastFired[key] = now
		e.mu.Unlock()

		if e.notifier != nil {
			e.notifier.Notify(ctx, Alert{
				ID:         uuid.NewString(),
				MetricName: rule.MetricName,
				Severity:   rule.Severity,
				Observed:   observed,
				Threshold:  rule.Threshold,
				Message: fmt.Sprintf("%s %s(%s)=%.4f %s threshold %.4f",
					rule.MetricName, rule.Aggregate, rule.Window, observed, rule.Comparator, rule.Threshold),
				RaisedAt: now,
			})
		}
	}
}

func bucketField(b Bucket, aggregate string) float64 {
	switch aggregate {
	case "sum":
		return b.Sum
	case "count":
		return float64(b.Count)
	case "min":
		return b.Min
	case "max":
		return b.Max
	case "p50":
		return b.P50
	case "p95":
		return b.P95
	case "p99":
		return b.P99
	default:
		return b.Avg
	}
}
