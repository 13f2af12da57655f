// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package command

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/trends"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

func trendsCommand() *cobra.Command {
	var daysBack int
	var metricNames []string

	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Summarize historical runs from the trend store",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if !settings.TrendStorageEnabled {
				return errs.NewConfig("trend storage is not enabled in the configuration")
			}

			store, err := trends.Open(settings.TrendDatabase.DSN(), settings.CompanyName, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Debugf("closing trend store: %v", err)
				}
			}()

			analysis, err := store.GetTrendAnalysis(context.Background(), daysBack, metricNames)
			if err != nil {
				return err
			}

			fmt.Printf("runs analyzed (last %d days): %d\n", daysBack, analysis.RunsAnalyzed)
			if analysis.RunsAnalyzed == 0 {
				return nil
			}
			fmt.Printf("checks: %d total, %d successful, %d failed, avg duration %.1fs\n\n",
				analysis.RunTrends.Total, analysis.RunTrends.Successful,
				analysis.RunTrends.Failed, analysis.RunTrends.AvgDuration)

			names := make([]string, 0, len(analysis.MetricTrends))
			for name := range analysis.MetricTrends {
				names = append(names, name)
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"metric", "trend", "min", "avg", "max", "unit", "points"})
			table.SetAutoFormatHeaders(false)
			table.SetBorder(false)
			for _, name := range names {
				mt := analysis.MetricTrends[name]
				table.Append([]string{
					name, mt.Trend,
					fmt.Sprintf("%.2f", mt.Min),
					fmt.Sprintf("%.2f", mt.Avg),
					fmt.Sprintf("%.2f", mt.Max),
					mt.Unit,
					fmt.Sprintf("%d", len(mt.Values)),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&daysBack, "days", 30, "analysis window in days")
	cmd.Flags().StringSliceVar(&metricNames, "metric", nil, "restrict to specific metric names")
	return cmd
}
