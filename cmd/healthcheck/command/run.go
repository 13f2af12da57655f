// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package command

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/orchestrator"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute the check suite against the configured target",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			outcome, err := orchestrator.Run(ctx, settings)
			if err != nil {
				return err
			}

			fmt.Printf("findings: %s\n", outcome.FindingsPath)
			if outcome.ReportPath != "" {
				fmt.Printf("report:   %s\n", outcome.ReportPath)
			}
			if outcome.TrendRunID != 0 {
				fmt.Printf("trend run id: %d\n", outcome.TrendRunID)
			}
			fmt.Printf("checks: %d ok, %d warning, %d critical, %d error, %d skipped (%s)\n",
				outcome.Counts[checks.StatusSuccess],
				outcome.Counts[checks.StatusWarning],
				outcome.Counts[checks.StatusCritical],
				outcome.Counts[checks.StatusError],
				outcome.Counts[checks.StatusSkipped],
				outcome.Duration.Round(1e6))
			if outcome.Degraded {
				log.Warnf("run completed with degraded persistence or report emission")
			}
			return nil
		},
	}
}
