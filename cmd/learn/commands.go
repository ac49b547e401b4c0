// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	improve "github.com/AleutianAI/AleutianLearn/services/improve"
	"github.com/AleutianAI/AleutianLearn/services/improve/config"
)

// =============================================================================
// serve
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the automatic cycle loop",
	Long: `Starts the HTTP surface, the automatic learning cycle loop, the
retention sweeper, the alert evaluator, and the config hot-reload
watcher. Runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := buildPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			p.close(closeCtx)
		}()

		p.metrics.StartAlertEvaluator(ctx, time.Minute)

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return p.service.Serve(ctx, cfg.Server.Addr)
		})

		g.Go(func() error {
			p.orch.Run(ctx)
			return nil
		})

		// Retention sweep between cycles, so expired records leave the
		// window even when no cycle is running.
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Feedback.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if n, err := p.sweepRetention(ctx); err != nil {
						p.logger.Warn("retention sweep failed", "error", err)
					} else if n > 0 {
						p.logger.Info("retention sweep", "archived", n)
					}
				}
			}
		})

		// Threshold hot-reload: detector and gate tunables apply
		// without a restart.
		watcher, err := config.NewWatcher(configPath, p.logger.Slog(), func(next config.Config) {
			p.analyzer.SetConfig(next.Patterns)
		})
		if err != nil {
			p.logger.Warn("config watcher disabled", "error", err)
		} else {
			g.Go(func() error {
				watcher.Run(ctx)
				return nil
			})
		}

		err = g.Wait()
		if err == http.ErrServerClosed || err == context.Canceled {
			return nil
		}
		return err
	},
}

// =============================================================================
// cycle
// =============================================================================

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Advance one learning cycle synchronously",
	Long: `Runs the learning cycle as far as it can go and prints where it
stopped. A cycle waiting on an experiment horizon stops in the
experiment phase; rerun once the horizon has passed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := buildPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			p.close(closeCtx)
		}()

		state, err := p.orch.RunCycle(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("cycle %s: phase=%s", state.CycleID, state.Phase)
		if state.Rationale != "" {
			fmt.Printf(" (%s)", state.Rationale)
		}
		fmt.Println()
		return nil
	},
}

// =============================================================================
// status
// =============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the production model and cycle state of a running server",
	RunE:  runStatusCommand,
}

var (
	styleHeading = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// colorize applies the style only on real terminals.
func colorize(style lipgloss.Style, s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return s
	}
	return style.Render(s)
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	base := "http://localhost" + cfg.Server.Addr
	client := &http.Client{Timeout: 5 * time.Second}

	var health improve.HealthResponse
	if err := getJSON(client, base+"/v1/improve/health", &health); err != nil {
		return fmt.Errorf("service unreachable at %s: %w", base, err)
	}
	fmt.Println(colorize(styleHeading, "Aleutian Learn"), colorize(styleDim, "v"+health.Version))

	var production improve.ProductionResponse
	switch err := getJSON(client, base+"/v1/improve/production", &production); {
	case err == nil:
		fmt.Printf("%s %s\n", colorize(styleOK, "production:"), production.Model.ID)
		fmt.Printf("  accuracy=%.3f precision=%.3f trained=%s\n",
			production.Model.OfflineMetrics.Accuracy.Mean,
			production.Model.OfflineMetrics.Precision.Mean,
			production.Model.CreatedAt.Format(time.RFC3339))
	default:
		fmt.Println(colorize(styleWarn, "production: none"))
	}

	var cycle improve.CycleResponse
	switch err := getJSON(client, base+"/v1/improve/cycles/current", &cycle); {
	case err == nil:
		pausedNote := ""
		if cycle.Paused {
			pausedNote = colorize(styleWarn, " [paused]")
		}
		fmt.Printf("%s %s phase=%s%s\n",
			colorize(styleOK, "cycle:"), cycle.Cycle.CycleID, cycle.Cycle.Phase, pausedNote)
		if cycle.Cycle.Rationale != "" {
			fmt.Printf("  %s\n", colorize(styleDim, cycle.Cycle.Rationale))
		}
	default:
		fmt.Println(colorize(styleDim, "cycle: none yet"))
	}
	return nil
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// =============================================================================
// version
// =============================================================================

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("learn %s\n", improve.ServiceVersion)
	},
}
