// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package orchestrator drives a full run through its phases: connect,
// discover, execute the check suite, write findings, persist trends, emit
// the report, disconnect. Phase failures are either fatal (no target, no
// native connection) or recoverable (persistence, report emission);
// recoverable failures degrade the run instead of aborting it.
package orchestrator

import (
	"context"
	"time"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/report"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/trends"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"

	// Backend and check registrations.
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks/kafka"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks/postgres"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks/recommend"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks/system"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/cassandra"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/clickhouse"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/kafka"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/postgres"
	_ "github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/valkey"
)

// Outcome summarizes a completed run for the caller.
type Outcome struct {
	FindingsPath string
	ReportPath   string
	TrendRunID   int64
	Counts       map[checks.Status]int
	Duration     time.Duration
	// Degraded is set when a recoverable phase failed (trend persistence,
	// report emission); the run still produced findings.
	Degraded bool
}

// Run executes the full phase sequence against the configured target.
// Returned errors are fatal: nothing usable was produced.
func Run(ctx context.Context, settings *config.Settings) (*Outcome, error) {
	started := time.Now()

	conn, err := connector.New(settings.Plugin, settings)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Disconnect(context.Background()); err != nil {
			log.Warnf("disconnect failed: %v", err)
		}
	}()
	log.Infof("connected to %s %s at %s", settings.Plugin, conn.Version(), settings.Host)
	logTopology(conn)

	acc := checks.NewAccumulator()
	runner := checks.NewRunner(acc)
	rc := &checks.RunContext{Connector: conn, Settings: settings, Prior: acc}

	sections, err := runner.RunAll(ctx, checks.ForPlugin(settings.Plugin), rc)
	if err != nil {
		return nil, errs.NewOperation(err, "running check suite")
	}

	outcome := &Outcome{Counts: acc.CountByStatus()}

	findingsPath, err := report.WriteFindings(
		settings.OutputDir, settings.CompanyName, settings.Plugin,
		settings.Host, conn.Version(), acc)
	if err != nil {
		// The findings document is the run's primary artifact.
		return nil, errs.NewPersistence(err, "writing findings document")
	}
	outcome.FindingsPath = findingsPath

	if settings.TrendStorageEnabled {
		runID, err := persistTrends(ctx, settings, conn, acc, time.Since(started))
		if err != nil {
			// Trend storage failing never fails the run.
			log.Errorf("trend persistence failed: %v", err)
			outcome.Degraded = true
		} else {
			outcome.TrendRunID = runID
		}
	}

	reportPath, err := report.WriteReport(settings.OutputDir, settings.CompanyName, sections, acc)
	if err != nil {
		log.Errorf("report emission failed: %v", err)
		outcome.Degraded = true
	} else {
		outcome.ReportPath = reportPath
	}

	outcome.Duration = time.Since(started)
	log.Infof("run finished in %s: %d findings", outcome.Duration.Round(time.Millisecond), acc.Len())
	return outcome, nil
}

func persistTrends(ctx context.Context, settings *config.Settings, conn connector.Connector,
	acc *checks.Accumulator, elapsed time.Duration) (int64, error) {

	extractors, err := trends.LoadExtractors(settings.ExtractorsFile)
	if err != nil {
		return 0, err
	}
	store, err := trends.Open(settings.TrendDatabase.DSN(), settings.CompanyName, extractors)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Debugf("closing trend store: %v", err)
		}
	}()

	counts := acc.CountByStatus()
	failed := counts[checks.StatusError] + counts[checks.StatusCritical]
	run := &trends.RunRecord{
		Company:          settings.CompanyName,
		Database:         settings.Database,
		Host:             settings.Host,
		Timestamp:        time.Now().UTC(),
		TargetVersion:    conn.Version(),
		TotalChecks:      acc.Len(),
		SuccessfulChecks: acc.Len() - failed,
		FailedChecks:     failed,
		DurationSeconds:  elapsed.Seconds(),
	}
	return store.SaveRun(ctx, run, acc)
}

func logTopology(conn connector.Connector) {
	topo := conn.Topology()
	instances := topo.Instances()
	log.Infof("topology: %d instances, environment=%s", len(instances), topo.Meta("environment"))
	for _, n := range instances {
		log.Debugf("  node %s host=%s role=%s state=%s", n.ID, n.Host, n.Role, n.State)
	}
	if unmapped := topo.UnmappedSSHHosts(); len(unmapped) > 0 {
		log.Warnf("ssh hosts without cluster identity: %v", unmapped)
	}
}
