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
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(WithClock(func() time.Time { return baseTime }))
	t.Cleanup(s.Close)
	return s
}

func TestQueryBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	// Three points in the first minute, one in the third.
	for i, v := range []float64{10, 20, 30} {
		s.Record(ctx, Point{
			Name: "latency", Value: v,
			Timestamp: baseTime.Add(time.Duration(i) * time.Second),
		})
	}
	s.Record(ctx, Point{Name: "latency", Value: 100, Timestamp: baseTime.Add(2 * time.Minute)})

	series, err := s.Query(ctx, "latency", baseTime, baseTime.Add(3*time.Minute), Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(series.Buckets) != 3 {
		t.Fatalf("expected 3 minute buckets, got %d", len(series.Buckets))
	}

	first := series.Buckets[0]
	if first.Count != 3 || first.Sum != 60 || first.Avg != 20 || first.Min != 10 || first.Max != 30 {
		t.Errorf("first bucket aggregates wrong: %+v", first)
	}
	if second := series.Buckets[1]; second.Count != 0 {
		t.Errorf("empty minute should have count 0, got %d", second.Count)
	}
	if third := series.Buckets[2]; third.Count != 1 || third.Avg != 100 {
		t.Errorf("third bucket aggregates wrong: %+v", third)
	}
}

func TestQueryGranularities(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	dayStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 48; h++ {
		s.Record(ctx, Point{
			Name: "ingest", Value: 1,
			Timestamp: dayStart.Add(time.Duration(h) * time.Hour),
		})
	}

	t.Run("hourly", func(t *testing.T) {
		series, err := s.Query(ctx, "ingest", dayStart, dayStart.Add(48*time.Hour), Hour)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(series.Buckets) != 48 {
			t.Errorf("expected 48 buckets, got %d", len(series.Buckets))
		}
	})

	t.Run("daily", func(t *testing.T) {
		series, err := s.Query(ctx, "ingest", dayStart, dayStart.Add(48*time.Hour), Day)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(series.Buckets) != 2 {
			t.Fatalf("expected 2 buckets, got %d", len(series.Buckets))
		}
		if series.Buckets[0].Count != 24 || series.Buckets[1].Count != 24 {
			t.Errorf("daily counts wrong: %+v", series.Buckets)
		}
	})

	t.Run("invalid granularity", func(t *testing.T) {
		_, err := s.Query(ctx, "ingest", dayStart, dayStart.Add(time.Hour), Granularity(42*time.Second))
		if !errors.Is(err, ErrInvalidGranularity) {
			t.Errorf("expected ErrInvalidGranularity, got %v", err)
		}
	})

	t.Run("unknown metric", func(t *testing.T) {
		_, err := s.Query(ctx, "never-recorded", dayStart, dayStart.Add(time.Hour), Hour)
		if !errors.Is(err, ErrUnknownMetric) {
			t.Errorf("expected ErrUnknownMetric, got %v", err)
		}
	})
}

func TestQueryPercentiles(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	for i := 1; i <= 100; i++ {
		s.Record(ctx, Point{Name: "latency", Value: float64(i), Timestamp: baseTime})
	}

	series, err := s.Query(ctx, "latency", baseTime, baseTime.Add(time.Minute), Minute)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	bucket := series.Buckets[0]
	if bucket.P50 != 50 {
		t.Errorf("p50 = %v, want 50", bucket.P50)
	}
	if bucket.P95 != 95 {
		t.Errorf("p95 = %v, want 95", bucket.P95)
	}
	if bucket.P99 != 99 {
		t.Errorf("p99 = %v, want 99", bucket.P99)
	}
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	s.Record(ctx, Point{Name: "rate", Value: 0.9, Timestamp: baseTime.Add(-3 * time.Minute)})
	s.Record(ctx, Point{Name: "rate", Value: 0.5, Timestamp: baseTime.Add(-time.Minute)})

	bucket, err := s.Latest(ctx, "rate", 10*time.Minute, Minute)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if bucket.Avg != 0.5 {
		t.Errorf("latest bucket avg = %v, want the most recent point", bucket.Avg)
	}

	t.Run("no points in window", func(t *testing.T) {
		s.Record(ctx, Point{Name: "stale", Value: 1, Timestamp: baseTime.Add(-time.Hour)})
		if _, err := s.Latest(ctx, "stale", 10*time.Minute, Minute); err == nil {
			t.Error("stale metric should have no bucket in the trailing window")
		}
	})
}

func TestAlerts(t *testing.T) {
	ctx := context.Background()

	t.Run("rule validation", func(t *testing.T) {
		s := newTestService(t)
		if err := s.ConfigureAlert(AlertRule{Comparator: Above}); err == nil {
			t.Error("missing metric name must fail")
		}
		if err := s.ConfigureAlert(AlertRule{MetricName: "x", Comparator: "sideways"}); err == nil {
			t.Error("unknown comparator must fail")
		}
	})

	t.Run("threshold crossing notifies", func(t *testing.T) {
		var raised []Alert
		s := New(WithClock(func() time.Time { return baseTime }),
			WithNotifier(NotifierFunc(func(_ context.Context, a Alert) {
				raised = append(raised, a)
			})))
		t.Cleanup(s.Close)

		err := s.ConfigureAlert(AlertRule{
			MetricName: "error_rate",
			Comparator: Above,
			Threshold:  0.10,
			Severity:   SeverityCritical,
			Window:     10 * time.Minute,
		})
		if err != nil {
			t.Fatalf("configure: %v", err)
		}

		s.Record(ctx, Point{Name: "error_rate", Value: 0.25, Timestamp: baseTime.Add(-time.Minute)})
		s.alerts.evaluate(ctx)

		if len(raised) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(raised))
		}
		if raised[0].Severity != SeverityCritical || raised[0].Observed != 0.25 {
			t.Errorf("alert fields wrong: %+v", raised[0])
		}

		// A second pass inside the cooldown stays quiet.
		s.alerts.evaluate(ctx)
		if len(raised) != 1 {
			t.Errorf("cooldown violated, %d alerts", len(raised))
		}
	})

	t.Run("below threshold stays quiet", func(t *testing.T) {
		var raised []Alert
		s := New(WithClock(func() time.Time { return baseTime }),
			WithNotifier(NotifierFunc(func(_ context.Context, a Alert) {
				raised = append(raised, a)
			})))
		t.Cleanup(s.Close)

		s.ConfigureAlert(AlertRule{
			MetricName: "error_rate",
			Comparator: Above,
			Threshold:  0.10,
			Severity:   SeverityWarning,
			Window:     10 * time.Minute,
		})
		s.Record(ctx, Point{Name: "error_rate", Value: 0.05, Timestamp: baseTime.Add(-time.Minute)})
		s.alerts.evaluate(ctx)

		if len(raised) != 0 {
			t.Errorf("no alert expected, got %d", len(raised))
		}
	})
}

// captureSink records mirrored points.
type captureSink struct {
	points []Point
	closed bool
}

func (c *captureSink) Write(_ context.Context, p Point) { c.points = append(c.points, p) }
func (c *captureSink) Close()                           { c.closed = true }

func TestSinkMirroring(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	s := New(WithSink(sink), WithClock(func() time.Time { return baseTime }))

	s.Inc(ctx, "cycles", map[string]string{"status": "completed"})
	s.Observe(ctx, "duration", 12.5)

	if len(sink.points) != 2 {
		t.Fatalf("expected 2 mirrored points, got %d", len(sink.points))
	}
	if sink.points[0].Name != "cycles" || sink.points[0].Value != 1 {
		t.Errorf("counter point wrong: %+v", sink.points[0])
	}
	if sink.points[0].Timestamp.IsZero() {
		t.Error("zero timestamps must be stamped")
	}

	s.Close()
	if !sink.closed {
		t.Error("close must propagate to the sink")
	}
}
