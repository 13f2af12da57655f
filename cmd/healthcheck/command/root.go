// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package command assembles the healthcheck CLI.
package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/version"
)

var cfgPath string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "healthcheck",
		Short:        "Automated health assessment for database and streaming clusters",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the run configuration file")

	root.AddCommand(runCommand())
	root.AddCommand(trendsCommand())
	root.AddCommand(versionCommand())
	return root
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log.SetupLogger(settings.LogLevel)
	return settings, nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("healthcheck %s (commit %s)\n", version.Version, version.Commit)
			return nil
		},
	}
}

// Execute runs the CLI and returns the process exit code: 0 on success, 1 on
// any fatal failure.
func Execute() int {
	defer log.Flush()
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
