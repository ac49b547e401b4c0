// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive moves expired feedback and retired model records to
// cold storage before the hot store drops them.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// Sink receives records on their way out of the hot store.
type Sink interface {
	ArchiveFeedback(ctx context.Context, records []store.FeedbackRecord) error
	ArchiveModel(ctx context.Context, mv store.ModelVersion) error
	Close() error
}

// -----------------------------------------------------------------------------
// No-op sink
// -----------------------------------------------------------------------------

// NopSink discards everything. Used when no archive bucket is
// configured; retention then simply deletes.
type NopSink struct{}

func (NopSink) ArchiveFeedback(context.Context, []store.FeedbackRecord) error { return nil }
func (NopSink) ArchiveModel(context.Context, store.ModelVersion) error        { return nil }
func (NopSink) Close() error                                                  { return nil }

// -----------------------------------------------------------------------------
// GCS sink
// -----------------------------------------------------------------------------

// GCSSink writes JSONL batches to a Cloud Storage bucket under
// feedback/ and models/ prefixes, named by archival timestamp.
type GCSSink struct {
	client *gcs.Client
	bucket string
	prefix string
	logger *slog.Logger

	now func() time.Time
}

// NewGCSSink opens a client against the given bucket. prefix may be
// empty.
func NewGCSSink(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*GCSSink, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSSink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// ArchiveFeedback writes one JSONL object holding the batch.
func (s *GCSSink) ArchiveFeedback(ctx context.Context, records []store.FeedbackRecord) error {
	if len(records) == 0 {
		return nil
	}
	name := fmt.Sprintf("%sfeedback/%s.jsonl", s.objectPrefix(), s.now().UTC().Format("20060102T150405.000000000"))
	if err := s.writeJSONL(ctx, name, func(enc *json.Encoder) error {
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	s.logger.Info("feedback archived", "object", name, "records", len(records))
	return nil
}

// ArchiveModel writes the retired version's full record.
func (s *GCSSink) ArchiveModel(ctx context.Context, mv store.ModelVersion) error {
	name := fmt.Sprintf("%smodels/%s.json", s.objectPrefix(), mv.ID)
	return s.writeJSONL(ctx, name, func(enc *json.Encoder) error {
		return enc.Encode(mv)
	})
}

// Close releases the client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}

func (s *GCSSink) objectPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *GCSSink) writeJSONL(ctx context.Context, name string, write func(*json.Encoder) error) error {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"

	if err := write(json.NewEncoder(w)); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: encode %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	return nil
}
