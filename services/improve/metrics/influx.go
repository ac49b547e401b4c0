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
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxSink mirrors recorded points to InfluxDB for long-term
// retention and dashboarding. Writes are batched and flushed from a
// background goroutine so Record never blocks on the network.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger

	mu      sync.Mutex
	pending []Point

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// InfluxConfig configures the sink.
type InfluxConfig struct {
	// URL is the InfluxDB server URL.
	URL string

	// Token is the API token.
	Token string

	// Org and Bucket select the write destination.
	Org    string
	Bucket string

	// FlushInterval is how often pending points are written.
	// Default: 10s.
	FlushInterval time.Duration

	// Logger receives write failures. Optional.
	Logger *slog.Logger
}

// NewInfluxSink connects to InfluxDB and starts the flush loop.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	sink := &InfluxSink{
		client:     client,
		writeAPI:   client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:     cfg.Logger,
		flushEvery: cfg.FlushInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go sink.run()
	return sink
}

// Write buffers one point for the next flush.
func (s *InfluxSink) Write(_ context.Context, p Point) {
	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
}

// Close flushes remaining points and closes the client.
func (s *InfluxSink) Close() {
	close(s.stopCh)
	<-s.doneCh
	s.client.Close()
}

func (s *InfluxSink) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *InfluxSink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	points := make([]*write.Point, 0, len(batch))
	for _, p := range batch {
		points = append(points, influxdb2.NewPoint(
			p.Name,
			p.Tags,
			map[string]interface{}{"value": p.Value},
			p.Timestamp,
		))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		if s.logger != nil {
			s.logger.Warn("influx write failed", "points", len(points), "error", err)
		}
	}
}
