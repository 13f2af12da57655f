// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package system holds the technology-independent host checks, all SSH
// based. They register for every plugin and skip cleanly when SSH is not
// configured.
package system

import (
	"context"
	"fmt"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/report"
)

func init() {
	checks.Register(checks.AnyPlugin, &memoryUsage{})
	checks.Register(checks.AnyPlugin, &diskUsage{})
}

var sshRequiredSettings = []string{"ssh_host or ssh_hosts", "ssh_user", "ssh_key_file or ssh_password"}

// memoryUsage reads free -m on every node.
type memoryUsage struct{}

func (*memoryUsage) Name() string    { return "memory_usage" }
func (*memoryUsage) Weight() int     { return 5 }
func (*memoryUsage) Section() string { return "system" }

func (c *memoryUsage) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	if rc.Connector.SSH() == nil {
		return "", checks.Skipped("SSH not configured", sshRequiredSettings...)
	}
	results := rc.Connector.ExecuteOperationAllNodes(ctx, connector.Operation{
		Kind:    connector.KindShell,
		Command: "free -m",
	})

	warn, crit := 85.0, 95.0
	if v, ok := rc.Settings.Override("memory_warning"); ok {
		warn = v
	}
	if v, ok := rc.Settings.Override("memory_critical"); ok {
		crit = v
	}

	perNode := make(map[string]interface{})
	var failed []interface{}
	var fragRows []*connector.Row
	maxPct, worst := 0.0, ""
	for node, res := range results {
		if !res.OK() || len(res.Rows) == 0 {
			failed = append(failed, node)
			continue
		}
		row := memRow(res.Rows)
		if row == nil {
			failed = append(failed, node)
			continue
		}
		total := floatCol(row, "total_bytes")
		avail := floatCol(row, "available_bytes")
		if avail == 0 {
			avail = floatCol(row, "free_bytes")
		}
		pct := 0.0
		if total > 0 {
			pct = (total - avail) / total * 100
		}
		perNode[node] = map[string]interface{}{
			"total_bytes":     total,
			"available_bytes": avail,
			"used_percent":    pct,
		}
		fragRows = append(fragRows, connector.NewRow().
			Set("node", node).
			Set("total_mb", total/1024/1024).
			Set("available_mb", avail/1024/1024).
			Set("used_percent", pct))
		if pct > maxPct {
			maxPct, worst = pct, node
		}
	}
	return classifyUsage("memory", perNode, failed, fragRows, maxPct, worst, warn, crit)
}

// memRow picks the Mem row out of parsed free output.
func memRow(rows []*connector.Row) *connector.Row {
	for _, r := range rows {
		if v, _ := r.Get("kind"); v == "Mem" {
			return r
		}
	}
	if len(rows) > 0 {
		return rows[0]
	}
	return nil
}

// diskUsage reads df -h on every node and assesses the fullest filesystem.
type diskUsage struct{}

func (*diskUsage) Name() string    { return "disk_usage" }
func (*diskUsage) Weight() int     { return 5 }
func (*diskUsage) Section() string { return "system" }

func (c *diskUsage) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	if rc.Connector.SSH() == nil {
		return "", checks.Skipped("SSH not configured", sshRequiredSettings...)
	}
	results := rc.Connector.ExecuteOperationAllNodes(ctx, connector.Operation{
		Kind:    connector.KindShell,
		Command: "df -h",
	})

	warn, crit := 80.0, 90.0
	if v, ok := rc.Settings.Override("disk_warning"); ok {
		warn = v
	}
	if v, ok := rc.Settings.Override("disk_critical"); ok {
		crit = v
	}

	perNode := make(map[string]interface{})
	var failed []interface{}
	var fragRows []*connector.Row
	maxPct, worst := 0.0, ""
	for node, res := range results {
		if !res.OK() || len(res.Rows) == 0 {
			failed = append(failed, node)
			continue
		}
		nodeMax, mount := 0.0, ""
		for _, row := range res.Rows {
			fs := strCol(row, "filesystem")
			if fs == "tmpfs" || fs == "devtmpfs" || fs == "overlay" {
				continue
			}
			pct := floatCol(row, "use_percent")
			if pct > nodeMax {
				nodeMax = pct
				mount = strCol(row, "mounted_on")
			}
		}
		perNode[node] = map[string]interface{}{
			"max_used_percent": nodeMax,
			"fullest_mount":    mount,
		}
		fragRows = append(fragRows, connector.NewRow().
			Set("node", node).
			Set("fullest_mount", mount).
			Set("used_percent", nodeMax))
		if nodeMax > maxPct {
			maxPct, worst = nodeMax, node
		}
	}
	return classifyUsage("disk", perNode, failed, fragRows, maxPct, worst, warn, crit)
}

// classifyUsage is the shared verdict path for the percent-usage checks.
// Partial fan-out failure degrades to a verdict over the reachable nodes with
// the failures recorded; total failure is an error finding.
func classifyUsage(what string, perNode map[string]interface{}, failed []interface{},
	fragRows []*connector.Row, maxPct float64, worst string, warn, crit float64) (string, *checks.Finding) {

	if len(perNode) == 0 {
		return "", checks.Errorf("%s probe failed on every node", what)
	}
	data := map[string]interface{}{
		"max_used_percent": maxPct,
		"worst_node":       worst,
		"per_node":         perNode,
	}
	if len(failed) > 0 {
		data["failed_nodes"] = failed
	}
	fragment := report.RenderRows(fragRows)

	msg := fmt.Sprintf("%s usage peaks at %.1f%% on %s", what, maxPct, worst)
	switch {
	case maxPct >= crit:
		return fragment, checks.Critical(9, msg, data)
	case maxPct >= warn:
		return fragment, checks.Warning(6, msg, data)
	default:
		f := checks.Success(msg, data)
		if len(failed) > 0 {
			f.Message = fmt.Sprintf("%s (%d nodes unreachable)", msg, len(failed))
		}
		return fragment, f
	}
}

func floatCol(row *connector.Row, col string) float64 {
	v, _ := row.Get(col)
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
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
