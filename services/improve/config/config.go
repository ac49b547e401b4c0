// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the pipeline configuration: static wiring
// (ports, paths, endpoints) plus the tunable detection and validation
// thresholds, which can be hot-reloaded at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLearn/services/improve/patterns"
	"github.com/AleutianAI/AleutianLearn/services/improve/training"
	"github.com/AleutianAI/AleutianLearn/services/improve/validation"
)

// ErrInvalidConfig indicates a configuration that fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full pipeline configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Storage    StorageConfig     `yaml:"storage"`
	Feedback   FeedbackConfig    `yaml:"feedback"`
	Embedding  EmbeddingConfig   `yaml:"embedding"`
	Influx     InfluxConfig      `yaml:"influx"`
	Archive    ArchiveConfig     `yaml:"archive"`
	Patterns   patterns.Config   `yaml:"patterns"`
	Training   training.Config   `yaml:"training"`
	Validation validation.Config `yaml:"validation"`
	Experiment ExperimentConfig  `yaml:"experiment"`
	Cycle      CycleConfig       `yaml:"cycle"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address. Default: ":8086".
	Addr string `yaml:"addr"`

	// IngestRateLimit is the sustained feedback ingestion rate per
	// second. Default: 100.
	IngestRateLimit float64 `yaml:"ingest_rate_limit"`

	// IngestBurst is the ingestion burst size. Default: 200.
	IngestBurst int `yaml:"ingest_burst"`
}

// StorageConfig configures the badger store.
type StorageConfig struct {
	// Dir is the badger data directory. Default: "./data/improve".
	Dir string `yaml:"dir"`

	// InMemory runs without persistence (tests, demos).
	InMemory bool `yaml:"in_memory"`
}

// FeedbackConfig configures ingestion and retention.
type FeedbackConfig struct {
	// Retention is the feedback window length. Default: 720h (30 days).
	Retention time.Duration `yaml:"retention"`

	// SweepInterval is how often the retention sweep runs. Default: 1h.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EmbeddingConfig selects the embedder for the new-cluster detector.
type EmbeddingConfig struct {
	// Provider is "openai" or "local". Default: "local".
	Provider string `yaml:"provider"`

	// BaseURL overrides the OpenAI endpoint (proxies, local servers).
	BaseURL string `yaml:"base_url"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// Dimensions is the vector width. Default: 256 local, 1536 openai.
	Dimensions int `yaml:"dimensions"`

	// APIKeyEnv names the environment variable holding the API key.
	// Default: "OPENAI_API_KEY". The key itself never appears in the
	// config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// WeaviateURL enables the Weaviate cluster index when set;
	// otherwise the in-memory index is used.
	WeaviateURL string `yaml:"weaviate_url"`
}

// InfluxConfig configures the optional metric mirror.
type InfluxConfig struct {
	// URL enables the mirror when set.
	URL    string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// TokenEnv names the environment variable holding the API token.
	// Default: "INFLUX_TOKEN".
	TokenEnv string `yaml:"token_env"`
}

// ArchiveConfig configures cold storage.
type ArchiveConfig struct {
	// GCSBucket enables the GCS sink when set.
	GCSBucket string `yaml:"gcs_bucket"`

	// Prefix is the object name prefix inside the bucket.
	Prefix string `yaml:"prefix"`
}

// ExperimentConfig configures the A/B framework defaults.
type ExperimentConfig struct {
	// TrafficSplit is the default treatment share. Default: 0.1.
	TrafficSplit float64 `yaml:"traffic_split"`

	// SignificanceLevel is the default uncorrected alpha. Default: 0.05.
	SignificanceLevel float64 `yaml:"significance_level"`

	// Horizon is the default experiment duration. Default: 168h (7 days).
	Horizon time.Duration `yaml:"horizon"`

	// EvaluateInterval is how often running tests are evaluated.
	// Default: 10m.
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`

	// MinSamplesPerArm gates early stopping. Default: 30.
	MinSamplesPerArm int `yaml:"min_samples_per_arm"`
}

// CycleConfig configures the orchestrator.
type CycleConfig struct {
	// Window is the feedback window one cycle operates on.
	// Default: 168h (7 days).
	Window time.Duration `yaml:"window"`

	// ExtendedWindow replaces Window after an insufficient-data cycle.
	// Default: 336h (14 days).
	ExtendedWindow time.Duration `yaml:"extended_window"`

	// Interval is the pause between automatic cycles. Default: 24h.
	Interval time.Duration `yaml:"interval"`

	// HyperparameterSets are the candidate configurations trained per
	// cycle. Empty means one candidate with trainer defaults.
	HyperparameterSets []map[string]any `yaml:"hyperparameter_sets"`
}

// Defaults returns the full default configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8086",
			IngestRateLimit: 100,
			IngestBurst:     200,
		},
		Storage: StorageConfig{
			Dir: "./data/improve",
		},
		Feedback: FeedbackConfig{
			Retention:     30 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			Dimensions: 256,
			APIKeyEnv:  "OPENAI_API_KEY",
		},
		Influx: InfluxConfig{
			TokenEnv: "INFLUX_TOKEN",
		},
		Patterns:   patterns.DefaultConfig(),
		Training:   training.DefaultConfig(),
		Validation: validation.DefaultConfig(),
		Experiment: ExperimentConfig{
			TrafficSplit:      0.1,
			SignificanceLevel: 0.05,
			Horizon:           7 * 24 * time.Hour,
			EvaluateInterval:  10 * time.Minute,
			MinSamplesPerArm:  30,
		},
		Cycle: CycleConfig{
			Window:         7 * 24 * time.Hour,
			ExtendedWindow: 14 * 24 * time.Hour,
			Interval:       24 * time.Hour,
		},
	}
}

// Load reads a yaml file over the defaults. A missing path returns
// pure defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr required", ErrInvalidConfig)
	}
	if c.Server.IngestRateLimit <= 0 {
		return fmt.Errorf("%w: server.ingest_rate_limit must be positive", ErrInvalidConfig)
	}
	if c.Experiment.TrafficSplit <= 0 || c.Experiment.TrafficSplit > 0.5 {
		return fmt.Errorf("%w: experiment.traffic_split must be in (0, 0.5]", ErrInvalidConfig)
	}
	if c.Experiment.SignificanceLevel <= 0 || c.Experiment.SignificanceLevel >= 1 {
		return fmt.Errorf("%w: experiment.significance_level must be in (0, 1)", ErrInvalidConfig)
	}
	if c.Feedback.Retention <= 0 {
		return fmt.Errorf("%w: feedback.retention must be positive", ErrInvalidConfig)
	}
	if c.Cycle.Window <= 0 {
		return fmt.Errorf("%w: cycle.window must be positive", ErrInvalidConfig)
	}
	if c.Patterns.TauNovel <= 0 {
		return fmt.Errorf("%w: patterns.tau_novel must be positive", ErrInvalidConfig)
	}
	if c.Validation.MaxFairnessGap <= 0 || c.Validation.MaxFairnessGap > 1 {
		return fmt.Errorf("%w: validation.max_fairness_gap must be in (0, 1]", ErrInvalidConfig)
	}
	return nil
}
