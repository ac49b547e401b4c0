// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package training

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AleutianAI/AleutianLearn/services/improve/store"
)

// FrequencyTrainer is the built-in reference Trainer: it predicts, per
// category, whether the suggested solution will succeed, based on the
// success frequency observed in the training split. Real deployments
// substitute a Trainer wrapping the actual learning system; this one
// keeps the pipeline runnable end to end and gives tests real metric
// values.
type FrequencyTrainer struct {
	// ArtifactDir is where fitted models are written as JSON.
	ArtifactDir string

	// Smoothing is the Laplace smoothing constant. Default: 1.
	Smoothing float64
}

// frequencyModel is the serialized artifact.
type frequencyModel struct {
	// SuccessRate maps category to smoothed success probability.
	SuccessRate map[string]float64 `json:"success_rate"`

	// GlobalRate backs off categories unseen in training.
	GlobalRate float64 `json:"global_rate"`

	TrainedAt time.Time `json:"trained_at"`
}

// Train fits the frequency table and scores it on the holdout.
func (t *FrequencyTrainer) Train(ctx context.Context, dataset Dataset, _ map[string]any) (string, FoldMetrics, error) {
	if err := ctx.Err(); err != nil {
		return "", FoldMetrics{}, err
	}

	smoothing := t.Smoothing
	if smoothing <= 0 {
		smoothing = 1
	}

	type counts struct{ successes, total float64 }
	perCategory := make(map[string]*counts)
	var globalSuccess, globalTotal float64

	for _, rec := range dataset.Train {
		c := perCategory[rec.Category]
		if c == nil {
			c = &counts{}
			perCategory[rec.Category] = c
		}
		c.total++
		globalTotal++
		if rec.Outcome == store.OutcomeSuccess {
			c.successes++
			globalSuccess++
		}
	}

	model := frequencyModel{
		SuccessRate: make(map[string]float64, len(perCategory)),
		GlobalRate:  (globalSuccess + smoothing) / (globalTotal + 2*smoothing),
		TrainedAt:   time.Now().UTC(),
	}
	for category, c := range perCategory {
		model.SuccessRate[category] = (c.successes + smoothing) / (c.total + 2*smoothing)
	}

	ref, err := t.writeArtifact(model)
	if err != nil {
		return "", FoldMetrics{}, err
	}

	return ref, score(model, dataset.Holdout), nil
}

// score evaluates the model on the holdout with "success" as the
// positive class.
func score(model frequencyModel, holdout []store.FeedbackRecord) FoldMetrics {
	var tp, fp, tn, fn float64
	for _, rec := range holdout {
		rate, ok := model.SuccessRate[rec.Category]
		if !ok {
			rate = model.GlobalRate
		}
		predicted := rate >= 0.5
		actual := rec.Outcome == store.OutcomeSuccess
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && !actual:
			tn++
		default:
			fn++
		}
	}

	total := tp + fp + tn + fn
	m := FoldMetrics{}
	if total > 0 {
		m.Accuracy = (tp + tn) / total
	}
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func (t *FrequencyTrainer) writeArtifact(model frequencyModel) (string, error) {
	dir := t.ArtifactDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("freq-%s.json", ulid.Make().String()))
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// LoadFrequencyModel reads an artifact back. The validation gate uses
// this to re-score a candidate on slices the trainer never saw.
func LoadFrequencyModel(ref string) (Predictor, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref, err)
	}
	var model frequencyModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("corrupt artifact %s: %w", ref, err)
	}
	return &frequencyPredictor{model: model}, nil
}

// Predictor scores one record: the probability the suggested solution
// succeeds.
type Predictor interface {
	PredictSuccess(category string) float64
}

type frequencyPredictor struct {
	model frequencyModel
}

func (p *frequencyPredictor) PredictSuccess(category string) float64 {
	if rate, ok := p.model.SuccessRate[category]; ok {
		return rate
	}
	return p.model.GlobalRate
}
