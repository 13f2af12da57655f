// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package trends

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // trend store driver

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/report"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// RunRecord is the run-level row persisted per engine execution.
type RunRecord struct {
	RunID            int64      `db:"run_id"`
	Company          string     `db:"company"`
	Database         string     `db:"database"`
	Host             string     `db:"host"`
	Timestamp        time.Time  `db:"timestamp"`
	TargetVersion    string     `db:"target_version"`
	TotalChecks      int        `db:"total_checks"`
	SuccessfulChecks int        `db:"successful_checks"`
	FailedChecks     int        `db:"failed_checks"`
	AIStatus         *string    `db:"ai_status"`
	AIModel          *string    `db:"ai_model"`
	DurationSeconds  float64    `db:"duration_seconds"`
	CreatedAt        *time.Time `db:"created_at"`
}

// PersistedFinding is a finding row read back from the store.
type PersistedFinding struct {
	FindingID     int64          `db:"finding_id"`
	RunID         int64          `db:"run_id"`
	CheckName     string         `db:"check_name"`
	Status        string         `db:"status"`
	SeverityLevel sql.NullString `db:"severity_level"`
	SeverityScore int            `db:"severity_score"`
	DataJSON      []byte         `db:"data_json"`
	ErrorMessage  sql.NullString `db:"error_message"`
	CreatedAt     time.Time      `db:"created_at"`
}

// Store wraps the trend database for one tenant. The schema name is
// sanitized exactly once at construction; every statement uses that form.
type Store struct {
	db         *sqlx.DB
	schema     string
	extractors []Extractor
}

// Open connects to the trend database and prepares the tenant schema name.
func Open(dsn, tenant string, extractors []Extractor) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errs.NewPersistence(err, "opening trend database")
	}
	return &Store{db: db, schema: SanitizeSchemaName(tenant), extractors: extractors}, nil
}

// NewWithDB wraps an existing connection (used by tests with sqlmock).
func NewWithDB(db *sqlx.DB, tenant string, extractors []Extractor) *Store {
	return &Store{db: db, schema: SanitizeSchemaName(tenant), extractors: extractors}
}

// Schema returns the sanitized schema name in use.
func (s *Store) Schema() string { return s.schema }

// Close releases the database connection. Idempotent.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ensureSchema(ctx context.Context, tx *sqlx.Tx) error {
	for _, stmt := range schemaDDL(s.schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ddl failed: %w", err)
		}
	}
	return nil
}

// SaveRun persists the run row, every finding, and the extracted metrics in
// one transaction. Any failure rolls the whole run back; the in-memory
// findings are unaffected.
func (s *Store) SaveRun(ctx context.Context, run *RunRecord, acc *checks.Accumulator) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errs.NewPersistence(err, "beginning trend transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				log.Warnf("trend rollback failed: %v", rbErr)
			}
		}
	}()

	if err = s.ensureSchema(ctx, tx); err != nil {
		return 0, errs.NewPersistence(err, "ensuring trend schema %s", s.schema)
	}

	var runID int64
	insertRun := fmt.Sprintf(`INSERT INTO %q.health_check_runs
		(company, database, host, timestamp, target_version, total_checks,
		 successful_checks, failed_checks, ai_status, ai_model, duration_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING run_id`, s.schema)
	err = tx.QueryRowContext(ctx, insertRun,
		run.Company, run.Database, run.Host, run.Timestamp, run.TargetVersion,
		run.TotalChecks, run.SuccessfulChecks, run.FailedChecks,
		run.AIStatus, run.AIModel, run.DurationSeconds).Scan(&runID)
	if err != nil {
		return 0, errs.NewPersistence(err, "inserting run row")
	}

	insertFinding := fmt.Sprintf(`INSERT INTO %q.module_findings
		(run_id, check_name, status, severity_level, severity_score, data_json, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.schema)
	for _, name := range acc.Names() {
		f, _ := acc.Get(name)
		var dataJSON []byte
		if len(f.Data) > 0 {
			dataJSON, err = report.MarshalCanonical(f.Data)
			if err != nil {
				return 0, errs.NewPersistence(err, "encoding data of check %s", name)
			}
		}
		var errMsg interface{}
		if f.ErrorMessage != "" {
			errMsg = f.ErrorMessage
		}
		_, err = tx.ExecContext(ctx, insertFinding,
			runID, name, string(f.Status), severityLevel(f.Severity), f.Severity, dataJSON, errMsg)
		if err != nil {
			return 0, errs.NewPersistence(err, "inserting finding %s", name)
		}
	}

	insertMetric := fmt.Sprintf(`INSERT INTO %q.trend_metrics
		(run_id, metric_name, metric_value, metric_unit, metric_category, metric_description)
		VALUES ($1,$2,$3,$4,$5,$6)`, s.schema)
	for _, m := range ExtractMetrics(s.extractors, acc) {
		_, err = tx.ExecContext(ctx, insertMetric,
			runID, m.Name, m.Value, m.Unit, m.Category, m.Description)
		if err != nil {
			return 0, errs.NewPersistence(err, "inserting metric %s", m.Name)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, errs.NewPersistence(err, "committing run")
	}
	log.Infof("trend run %d persisted (%d findings)", runID, acc.Len())
	return runID, nil
}

func severityLevel(score int) string {
	switch {
	case score >= 8:
		return "critical"
	case score >= 4:
		return "warning"
	default:
		return "info"
	}
}

// GetFindings reads a run's findings back in insertion order.
func (s *Store) GetFindings(ctx context.Context, runID int64) ([]PersistedFinding, error) {
	query := fmt.Sprintf(`SELECT finding_id, run_id, check_name, status, severity_level,
		severity_score, data_json, error_message, created_at
		FROM %q.module_findings WHERE run_id = $1 ORDER BY finding_id`, s.schema)
	var out []PersistedFinding
	if err := s.db.SelectContext(ctx, &out, query, runID); err != nil {
		return nil, errs.NewPersistence(err, "reading findings of run %d", runID)
	}
	return out, nil
}

// Trend directions returned by the classifier.
const (
	TrendIncreasing       = "increasing"
	TrendDecreasing       = "decreasing"
	TrendStable           = "stable"
	TrendInsufficientData = "insufficient_data"
)

// ClassifyTrend compares the mean of the first half of the window to the
// mean of the second half: above +10% is increasing, below -10% is
// decreasing, otherwise stable. Fewer than two points cannot be classified.
func ClassifyTrend(values []float64) string {
	if len(values) < 2 {
		return TrendInsufficientData
	}
	half := len(values) / 2
	firstMean := mean(values[:half])
	secondMean := mean(values[half:])
	switch {
	case secondMean > 1.1*firstMean:
		return TrendIncreasing
	case secondMean < 0.9*firstMean:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// MetricTrend summarizes one metric's series over the analysis window.
type MetricTrend struct {
	Values []float64 `json:"values"`
	Unit   string    `json:"unit"`
	Trend  string    `json:"trend"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Avg    float64   `json:"avg"`
}

// RunTrends aggregates run-level counters over the window.
type RunTrends struct {
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration"`
}

// TrendAnalysis is the retrospective view handed to operators.
type TrendAnalysis struct {
	RunsAnalyzed int                     `json:"runs_analyzed"`
	RunTrends    RunTrends               `json:"run_trends"`
	MetricTrends map[string]*MetricTrend `json:"metric_trends"`
}

// GetTrendAnalysis summarizes the tenant's runs over the trailing window.
// When metricNames is empty every metric present in the window is included.
func (s *Store) GetTrendAnalysis(ctx context.Context, daysBack int, metricNames []string) (*TrendAnalysis, error) {
	since := time.Now().UTC().AddDate(0, 0, -daysBack)

	runsQuery := fmt.Sprintf(`SELECT run_id, total_checks, successful_checks,
		failed_checks, duration_seconds
		FROM %q.health_check_runs WHERE timestamp >= $1 ORDER BY timestamp`, s.schema)
	type runRow struct {
		RunID            int64   `db:"run_id"`
		TotalChecks      int     `db:"total_checks"`
		SuccessfulChecks int     `db:"successful_checks"`
		FailedChecks     int     `db:"failed_checks"`
		DurationSeconds  float64 `db:"duration_seconds"`
	}
	var runs []runRow
	if err := s.db.SelectContext(ctx, &runs, runsQuery, since); err != nil {
		return nil, errs.NewPersistence(err, "reading runs for trend analysis")
	}

	analysis := &TrendAnalysis{
		RunsAnalyzed: len(runs),
		MetricTrends: make(map[string]*MetricTrend),
	}
	if len(runs) == 0 {
		return analysis, nil
	}

	totalDuration := 0.0
	for _, r := range runs {
		analysis.RunTrends.Total += r.TotalChecks
		analysis.RunTrends.Successful += r.SuccessfulChecks
		analysis.RunTrends.Failed += r.FailedChecks
		totalDuration += r.DurationSeconds
	}
	analysis.RunTrends.AvgDuration = totalDuration / float64(len(runs))

	metricsQuery := fmt.Sprintf(`SELECT m.metric_name, m.metric_value, m.metric_unit
		FROM %q.trend_metrics m
		JOIN %q.health_check_runs r ON r.run_id = m.run_id
		WHERE r.timestamp >= $1 ORDER BY r.timestamp, m.metric_id`, s.schema, s.schema)
	type metricRow struct {
		MetricName  string         `db:"metric_name"`
		MetricValue float64        `db:"metric_value"`
		MetricUnit  sql.NullString `db:"metric_unit"`
	}
	var metricRows []metricRow
	if err := s.db.SelectContext(ctx, &metricRows, metricsQuery, since); err != nil {
		return nil, errs.NewPersistence(err, "reading metrics for trend analysis")
	}

	wanted := make(map[string]struct{}, len(metricNames))
	for _, n := range metricNames {
		wanted[n] = struct{}{}
	}

	for _, row := range metricRows {
		if len(wanted) > 0 {
			if _, ok := wanted[row.MetricName]; !ok {
				continue
			}
		}
		mt, ok := analysis.MetricTrends[row.MetricName]
		if !ok {
			mt = &MetricTrend{Unit: row.MetricUnit.String}
			analysis.MetricTrends[row.MetricName] = mt
		}
		mt.Values = append(mt.Values, row.MetricValue)
	}

	for _, mt := range analysis.MetricTrends {
		mt.Trend = ClassifyTrend(mt.Values)
		mt.Min, mt.Max = minMax(mt.Values)
		mt.Avg = mean(mt.Values)
	}
	return analysis, nil
}

func minMax(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
