// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package trends

import "fmt"

// schemaDDL returns the idempotent DDL for one tenant schema. Issued at the
// start of every write so a fresh trend database bootstraps itself.
func schemaDDL(schema string) []string {
	q := func(format string, args ...interface{}) string {
		return fmt.Sprintf(format, args...)
	}
	return []string{
		q(`CREATE SCHEMA IF NOT EXISTS %q`, schema),
		q(`CREATE TABLE IF NOT EXISTS %q.health_check_runs (
			run_id            SERIAL PRIMARY KEY,
			company           TEXT NOT NULL,
			database          TEXT NOT NULL,
			host              TEXT NOT NULL,
			timestamp         TIMESTAMP WITH TIME ZONE NOT NULL,
			target_version    TEXT,
			total_checks      INTEGER NOT NULL DEFAULT 0,
			successful_checks INTEGER NOT NULL DEFAULT 0,
			failed_checks     INTEGER NOT NULL DEFAULT 0,
			ai_status         TEXT,
			ai_model          TEXT,
			duration_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		)`, schema),
		q(`CREATE TABLE IF NOT EXISTS %q.module_findings (
			finding_id     SERIAL PRIMARY KEY,
			run_id         INTEGER NOT NULL REFERENCES %q.health_check_runs(run_id) ON DELETE CASCADE,
			check_name     TEXT NOT NULL,
			status         TEXT NOT NULL,
			severity_level TEXT,
			severity_score INTEGER NOT NULL DEFAULT 0,
			data_json      JSONB,
			error_message  TEXT,
			created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		)`, schema, schema),
		q(`CREATE TABLE IF NOT EXISTS %q.trend_metrics (
			metric_id          SERIAL PRIMARY KEY,
			run_id             INTEGER NOT NULL REFERENCES %q.health_check_runs(run_id) ON DELETE CASCADE,
			metric_name        TEXT NOT NULL,
			metric_value       DOUBLE PRECISION NOT NULL,
			metric_unit        TEXT,
			metric_category    TEXT,
			metric_description TEXT,
			created_at         TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		)`, schema, schema),
		q(`CREATE INDEX IF NOT EXISTS idx_runs_company_ts ON %q.health_check_runs (company, timestamp)`, schema),
		q(`CREATE INDEX IF NOT EXISTS idx_findings_run_check ON %q.module_findings (run_id, check_name)`, schema),
		q(`CREATE INDEX IF NOT EXISTS idx_metrics_run_name ON %q.trend_metrics (run_id, metric_name)`, schema),
	}
}
