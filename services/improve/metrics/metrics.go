// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics implements the pipeline's time-series store with
// threshold alerting.
//
// The store is append-only: points are recorded as-is, and aggregates
// (sum/avg/min/max/count/percentiles) are computed lazily on read and
// cached per (metric, window, granularity) until a newer write
// invalidates them. An optional mirror sink (see Sink, InfluxSink)
// receives every point for long-term retention.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownMetric indicates a query for a metric with no points.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrInvalidGranularity indicates an unsupported bucket size.
	ErrInvalidGranularity = errors.New("invalid granularity")
)

// -----------------------------------------------------------------------------
// Points and Series
// -----------------------------------------------------------------------------

// Point is one raw observation.
type Point struct {
	// Name is the metric name (e.g. "feedback.total_collected").
	Name string

	// Value is the observed value.
	Value float64

	// Tags are optional dimensions.
	Tags map[string]string

	// Timestamp is when the observation was made.
	Timestamp time.Time
}

// Granularity is a supported aggregation bucket size.
type Granularity time.Duration

const (
	Minute Granularity = Granularity(time.Minute)
	Hour   Granularity = Granularity(time.Hour)
	Day    Granularity = Granularity(24 * time.Hour)
	Week   Granularity = Granularity(7 * 24 * time.Hour)
)

// Valid reports whether the granularity is one of the supported sizes.
func (g Granularity) Valid() bool {
	switch g {
	case Minute, Hour, Day, Week:
		return true
	}
	return false
}

// Bucket is one aggregated interval of a series.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
	Sum   float64   `json:"sum"`
	Avg   float64   `json:"avg"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	P50   float64   `json:"p50"`
	P95   float64   `json:"p95"`
	P99   float64   `json:"p99"`
}

// Series is the aggregated read view of one metric.
type Series struct {
	Name        string      `json:"name"`
	Granularity Granularity `json:"granularity"`
	Buckets     []Bucket    `json:"buckets"`
}

// Sink receives every recorded point, for mirroring to an external
// time-series database. Implementations must not block the caller.
type Sink interface {
	Write(ctx context.Context, p Point)
	Close()
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Service is the in-process metrics store with alerting.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	mu     sync.RWMutex
	points map[string][]Point // per metric, append order

	// cache holds lazily computed series, invalidated per metric on write.
	cache   map[string]Series
	version map[string]uint64 // bumped on write, embedded in cache keys

	sink Sink

	alerts *alertEngine

	now func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithSink mirrors every recorded point to the given sink.
func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithNotifier sets the alert delivery sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.alerts.notifier = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.alerts.now = now
	}
}

// New creates a metrics service. Call Close when done if a sink or the
// alert evaluator is in use.
func New(opts ...Option) *Service {
	s := &Service{
		points:  make(map[string][]Point),
		cache:   make(map[string]Series),
		version: make(map[string]uint64),
		now:     time.Now,
	}
	s.alerts = newAlertEngine(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends a point. Zero timestamps are stamped with the current
// time. The write invalidates cached aggregates for the metric.
func (s *Service) Record(ctx context.Context, p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}

	s.mu.Lock()
	s.points[p.Name] = append(s.points[p.Name], p)
	s.version[p.Name]++
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Write(ctx, p)
	}
}

// Inc records a counter increment of 1.
func (s *Service) Inc(ctx context.Context, name string, tags map[string]string) {
	s.Record(ctx, Point{Name: name, Value: 1, Tags: tags})
}

// Observe records a gauge or duration observation.
func (s *Service) Observe(ctx context.Context, name string, value float64) {
	s.Record(ctx, Point{Name: name, Value: value})
}

// Query aggregates a metric over [window.start, window.end) at the
// given granularity. Results are cached until the metric is written.
func (s *Service) Query(ctx context.Context, name string, start, end time.Time, g Granularity) (Series, error) {
	if !g.Valid() {
		return Series{}, fmt.Errorf("%w: %v", ErrInvalidGranularity, time.Duration(g))
	}

	s.mu.RLock()
	version := s.version[name]
	cacheKey := fmt.Sprintf("%s/%d/%d/%d/%d", name, start.UnixNano(), end.UnixNano(), int64(g), version)
	if cached, ok := s.cache[cacheKey]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	raw, ok := s.points[name]
	points := make([]Point, len(raw))
	copy(points, raw)
	s.mu.RUnlock()

	if !ok {
		return Series{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}

	series := aggregate(name, points, start, end, g)

	s.mu.Lock()
	s.cache[cacheKey] = series
	s.mu.Unlock()

	return series, nil
}

// Latest returns the most recent aggregate bucket of the metric over
// the trailing window. Used by the alert evaluator.
func (s *Service) Latest(ctx context.Context, name string, window time.Duration, g Granularity) (Bucket, error) {
	end := s.now()
	series, err := s.Query(ctx, name, end.Add(-window), end, g)
	if err != nil {
		return Bucket{}, err
	}
	for i := len(series.Buckets) - 1; i >= 0; i-- {
		if series.Buckets[i].Count > 0 {
			return series.Buckets[i], nil
		}
	}
	return Bucket{}, fmt.Errorf("%w: %s has no points in window", ErrUnknownMetric, name)
}

// ConfigureAlert registers an alert rule. See AlertRule.
func (s *Service) ConfigureAlert(rule AlertRule) error {
	return s.alerts.configure(rule)
}

// StartAlertEvaluator runs the background evaluation pass until ctx is
// cancelled.
func (s *Service) StartAlertEvaluator(ctx context.Context, interval time.Duration) {
	s.alerts.start(ctx, interval)
}

// Close flushes and closes the sink, if any.
func (s *Service) Close() {
	if s.sink != nil {
		s.sink.Close()
	}
}

// -----------------------------------------------------------------------------
// Aggregation
// -----------------------------------------------------------------------------

// aggregate buckets points into the window at granularity g.
func aggregate(name string, points []Point, start, end time.Time, g Granularity) Series {
	step := time.Duration(g)
	series := Series{Name: name, Granularity: g}

	for bucketStart := start.Truncate(step); bucketStart.Before(end); bucketStart = bucketStart.Add(step) {
		bucketEnd := bucketStart.Add(step)

		var values []float64
		for _, p := range points {
			if !p.Timestamp.Before(bucketStart) && p.Timestamp.Before(bucketEnd) &&
				!p.Timestamp.Before(start) && p.Timestamp.Before(end) {
				values = append(values, p.Value)
			}
		}

		bucket := Bucket{Start: bucketStart, Count: len(values)}
		if len(values) > 0 {
			sorted := make([]float64, len(values))
			copy(sorted, values)
			sort.Float64s(sorted)

			bucket.Min = sorted[0]
			bucket.Max = sorted[len(sorted)-1]
			for _, v := range values {
				bucket.Sum += v
			}
			bucket.Avg = bucket.Sum / float64(len(values))
			bucket.P50 = percentile(sorted, 0.50)
			bucket.P95 = percentile(sorted, 0.95)
			bucket.P99 = percentile(sorted, 0.99)
		}
		series.Buckets = append(series.Buckets, bucket)
	}
	return series
}

// percentile computes the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
