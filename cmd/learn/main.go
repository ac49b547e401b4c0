// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command learn runs the Aleutian continuous improvement pipeline.
//
// The pipeline turns operational feedback into model improvements:
// feedback aggregation, pattern detection, retraining, offline
// validation, shadow A/B experiments, and gated promotion to
// production.
//
// Usage:
//
//	learn serve                  # Run the API server and cycle loop
//	learn cycle                  # Advance one cycle synchronously
//	learn status                 # Show production model and cycle state
//	learn version                # Print the version
//
// Configuration is read from learn.yaml (override with --config).
// Secrets come from the environment: OPENAI_API_KEY for embeddings,
// INFLUX_TOKEN for the metric mirror.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLearn/services/improve/config"
)

var (
	configPath string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "learn",
	Short: "Aleutian continuous model improvement pipeline",
	Long: `learn runs the continuous improvement pipeline: it aggregates
operational feedback, detects failure patterns and drift, retrains
candidate models, validates them offline, runs shadow A/B experiments,
and promotes winners to production behind a compare-and-swap pointer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "learn.yaml",
		"Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
