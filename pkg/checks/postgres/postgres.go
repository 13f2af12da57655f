// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package postgres holds the PostgreSQL check suite.
package postgres

import (
	"context"
	"fmt"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/report"
)

const pluginName = "postgres"

func init() {
	checks.Register(pluginName, &activeConnections{})
	checks.Register(pluginName, &replicationStatus{})
	checks.Register(pluginName, &cacheHitRatio{})
}

// activeConnections compares backend count to max_connections.
type activeConnections struct{}

func (*activeConnections) Name() string    { return "active_connections" }
func (*activeConnections) Weight() int     { return 9 }
func (*activeConnections) Section() string { return "connections" }

func (c *activeConnections) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	res := rc.Connector.ExecuteOperation(ctx, connector.Operation{
		Kind: connector.KindNative,
		Command: `SELECT count(*) AS total,
			count(*) FILTER (WHERE state = 'active') AS active,
			count(*) FILTER (WHERE state = 'idle') AS idle,
			count(*) FILTER (WHERE state = 'idle in transaction') AS idle_in_transaction,
			current_setting('max_connections')::int AS max_connections
			FROM pg_stat_activity`,
	})
	if !res.OK() {
		return "", checks.Errorf("querying pg_stat_activity: %s", res.Err.Message)
	}
	if len(res.Rows) == 0 {
		return "", checks.Errorf("pg_stat_activity returned no rows")
	}
	row := res.Rows[0]
	total := intCol(row, "total")
	maxConns := intCol(row, "max_connections")

	usedPct := 0.0
	if maxConns > 0 {
		usedPct = float64(total) / float64(maxConns) * 100
	}
	warn, crit := 80.0, 90.0
	if v, ok := rc.Settings.Override("pg_connections_warning"); ok {
		warn = v
	}
	if v, ok := rc.Settings.Override("pg_connections_critical"); ok {
		crit = v
	}

	data := map[string]interface{}{
		"total_connections":   total,
		"active":              intCol(row, "active"),
		"idle":                intCol(row, "idle"),
		"idle_in_transaction": intCol(row, "idle_in_transaction"),
		"max_connections":     maxConns,
		"used_percent":        usedPct,
	}
	fragment := report.RenderRows(res.Rows)

	switch {
	case usedPct >= crit:
		return fragment, checks.Critical(9,
			fmt.Sprintf("connection slots %.1f%% used (%d of %d)", usedPct, total, maxConns), data)
	case usedPct >= warn:
		return fragment, checks.Warning(6,
			fmt.Sprintf("connection slots %.1f%% used (%d of %d)", usedPct, total, maxConns), data)
	default:
		return fragment, checks.Success(
			fmt.Sprintf("%d of %d connection slots used", total, maxConns), data)
	}
}

// replicationStatus reports per-standby lag from the primary's view.
type replicationStatus struct{}

func (*replicationStatus) Name() string    { return "replication_status" }
func (*replicationStatus) Weight() int     { return 9 }
func (*replicationStatus) Section() string { return "replication" }

func (c *replicationStatus) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	recovery := rc.Connector.ExecuteOperation(ctx, connector.Operation{
		Kind:    connector.KindNative,
		Command: "SELECT pg_is_in_recovery() AS in_recovery",
	})
	if !res0OK(recovery) {
		return "", checks.Errorf("checking recovery state: %s", recovery.Err.Message)
	}
	if b, _ := recovery.Rows[0].Get("in_recovery"); b == true {
		return "", checks.NotApplicable("connected to a standby; replication is assessed from the primary")
	}

	res := rc.Connector.ExecuteOperation(ctx, connector.Operation{
		Kind: connector.KindNative,
		Command: `SELECT application_name, client_addr::text AS client_addr, state, sync_state,
			pg_wal_lsn_diff(pg_current_wal_lsn(), replay_lsn)::float8 AS lag_bytes
			FROM pg_stat_replication ORDER BY application_name`,
	})
	if !res.OK() {
		return "", checks.Errorf("querying pg_stat_replication: %s", res.Err.Message)
	}

	warnLag, critLag := 50.0*1024*1024, 500.0*1024*1024
	if v, ok := rc.Settings.Override("pg_replication_lag_warning_bytes"); ok {
		warnLag = v
	}
	if v, ok := rc.Settings.Override("pg_replication_lag_critical_bytes"); ok {
		critLag = v
	}

	maxLag := 0.0
	streaming := 0
	var standbys []interface{}
	for _, row := range res.Rows {
		lag := floatCol(row, "lag_bytes")
		if lag > maxLag {
			maxLag = lag
		}
		state, _ := row.Get("state")
		if state == "streaming" {
			streaming++
		}
		standbys = append(standbys, map[string]interface{}{
			"application_name": strCol(row, "application_name"),
			"client_addr":      strCol(row, "client_addr"),
			"state":            strCol(row, "state"),
			"sync_state":       strCol(row, "sync_state"),
			"lag_bytes":        lag,
		})
	}
	data := map[string]interface{}{
		"standby_count": len(res.Rows),
		"streaming":     streaming,
		"max_lag_bytes": maxLag,
		"standbys":      standbys,
	}
	fragment := report.RenderRows(res.Rows)

	switch {
	case len(res.Rows) == 0:
		return report.RenderScalar("standbys", 0),
			checks.Success("no standbys attached", data)
	case maxLag >= critLag:
		return fragment, checks.Critical(9,
			fmt.Sprintf("standby lag reached %.0f MB", maxLag/1024/1024), data)
	case maxLag >= warnLag || streaming < len(res.Rows):
		return fragment, checks.Warning(6,
			fmt.Sprintf("replication degraded: max lag %.0f MB, %d/%d streaming",
				maxLag/1024/1024, streaming, len(res.Rows)), data)
	default:
		return fragment, checks.Success(
			fmt.Sprintf("%d standbys streaming, max lag %.1f MB", len(res.Rows), maxLag/1024/1024), data)
	}
}

// cacheHitRatio reads the buffer cache hit ratio for the connected database.
type cacheHitRatio struct{}

func (*cacheHitRatio) Name() string    { return "cache_hit_ratio" }
func (*cacheHitRatio) Weight() int     { return 7 }
func (*cacheHitRatio) Section() string { return "performance" }

func (c *cacheHitRatio) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	res := rc.Connector.ExecuteOperation(ctx, connector.Operation{
		Kind: connector.KindNative,
		Command: `SELECT blks_hit, blks_read,
			CASE WHEN blks_hit + blks_read = 0 THEN 100.0
			ELSE round(blks_hit::numeric * 100 / (blks_hit + blks_read), 2)::float8 END AS hit_ratio
			FROM pg_stat_database WHERE datname = current_database()`,
	})
	if !res0OK(res) {
		if res.Err != nil {
			return "", checks.Errorf("querying pg_stat_database: %s", res.Err.Message)
		}
		return "", checks.Errorf("pg_stat_database returned no rows")
	}
	row := res.Rows[0]
	ratio := floatCol(row, "hit_ratio")

	warn, crit := 95.0, 90.0
	if v, ok := rc.Settings.Override("pg_cache_hit_warning"); ok {
		warn = v
	}
	if v, ok := rc.Settings.Override("pg_cache_hit_critical"); ok {
		crit = v
	}

	data := map[string]interface{}{
		"cache_hit_ratio": ratio,
		"blks_hit":        floatCol(row, "blks_hit"),
		"blks_read":       floatCol(row, "blks_read"),
	}
	fragment := report.RenderRows(res.Rows)

	switch {
	case ratio < crit:
		return fragment, checks.Critical(8,
			fmt.Sprintf("cache hit ratio %.2f%% is below %.0f%%", ratio, crit), data)
	case ratio < warn:
		return fragment, checks.Warning(5,
			fmt.Sprintf("cache hit ratio %.2f%% is below %.0f%%", ratio, warn), data)
	default:
		return fragment, checks.Success(fmt.Sprintf("cache hit ratio %.2f%%", ratio), data)
	}
}

func res0OK(res connector.Result) bool {
	return res.OK() && len(res.Rows) > 0
}

func intCol(row *connector.Row, col string) int64 {
	return int64(floatCol(row, col))
}

func floatCol(row *connector.Row, col string) float64 {
	v, _ := row.Get(col)
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return 0
	}
}

func strCol(row *connector.Row, col string) string {
	v, _ := row.Get(col)
	s, _ := v.(string)
	return s
}
