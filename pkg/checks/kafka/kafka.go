// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package kafka holds the Kafka check suite.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/metrics"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/report"
)

const pluginName = "kafka"

func init() {
	checks.Register(pluginName, &underReplicatedPartitions{})
	checks.Register(pluginName, &consumerGroupLag{})
	checks.Register(pluginName, &fileDescriptors{})
}

// urpDefinition is the default strategy chain for under-replicated
// partitions. A metrics catalog entry of the same logical name overrides it.
var urpDefinition = &metrics.Definition{
	LogicalName: "under_replicated_partitions",
	Unit:        "partitions",
	Aggregation: metrics.AggSum,
	Strategies: []metrics.Strategy{
		{Method: metrics.MethodManagedPrometheus, Metric: "kafka_server_replicamanager_underreplicatedpartitions"},
		{Method: metrics.MethodLocalExporter, Metric: "kafka_server_replicamanager_underreplicatedpartitions"},
		{Method: metrics.MethodJMX, MBean: "kafka.server:type=ReplicaManager,name=UnderReplicatedPartitions"},
	},
}

// underReplicatedPartitions walks the metric strategy chain and falls back
// to partition metadata when no metric source is available.
type underReplicatedPartitions struct{}

func (*underReplicatedPartitions) Name() string    { return "under_replicated_partitions" }
func (*underReplicatedPartitions) Weight() int     { return 10 }
func (*underReplicatedPartitions) Section() string { return "replication" }

func (c *underReplicatedPartitions) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	src := metrics.SourcesFor(rc.Connector, rc.Settings)

	if sample := metrics.Collect(ctx, urpDefinition, src); sample != nil {
		return c.fromSample(rc, sample)
	}
	return c.fromMetadata(ctx, rc)
}

func (c *underReplicatedPartitions) fromSample(rc *checks.RunContext, sample *metrics.Sample) (string, *checks.Finding) {
	totalURP := sample.ClusterValue
	var nodesWithURP []string
	for node, v := range sample.NodeMetrics {
		if v > 0 {
			nodesWithURP = append(nodesWithURP, node)
		}
	}
	sort.Strings(nodesWithURP)

	data := map[string]interface{}{
		"total_urp":         totalURP,
		"nodes_with_urp":    len(nodesWithURP),
		"urp_nodes":         toInterfaceSlice(nodesWithURP),
		"per_node":          floatMapToInterface(sample.NodeMetrics),
		"collection_method": string(sample.Method),
	}
	fragment := report.RenderScalar("under-replicated partitions", totalURP)
	f := c.classify(rc, totalURP, data)
	f.Metadata.CollectionMethod = string(sample.Method)
	f.Metadata.NodeCount = len(sample.NodeMetrics)
	return fragment, f
}

// fromMetadata counts partitions whose ISR is smaller than their replica set.
func (c *underReplicatedPartitions) fromMetadata(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	res := rc.Connector.ExecuteOperation(ctx, connector.Operation{
		Kind:    connector.KindAdmin,
		Command: map[string]interface{}{"operation": "describe_topics"},
	})
	if !res.OK() {
		return "", checks.Errorf("describing topics: %s", res.Err.Message)
	}

	totalURP := 0.0
	nodesWithURP := make(map[string]struct{})
	var affected []*connector.Row
	for _, row := range res.Rows {
		urp, _ := row.Get("under_replicated")
		if urp != true {
			continue
		}
		totalURP++
		affected = append(affected, row)
		if leader, ok := row.Get("leader"); ok {
			nodesWithURP[fmt.Sprintf("%v", leader)] = struct{}{}
		}
	}
	var nodes []string
	for n := range nodesWithURP {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	data := map[string]interface{}{
		"total_urp":         totalURP,
		"nodes_with_urp":    len(nodes),
		"urp_nodes":         toInterfaceSlice(nodes),
		"collection_method": "admin_metadata",
	}
	fragment := report.RenderScalar("under-replicated partitions", totalURP)
	if len(affected) > 0 {
		fragment += report.RenderRows(affected)
	}
	f := c.classify(rc, totalURP, data)
	f.Metadata.CollectionMethod = "admin_metadata"
	f.Metadata.NodeCount = len(rc.Connector.Topology().Instances())
	return fragment, f
}

func (c *underReplicatedPartitions) classify(rc *checks.RunContext, totalURP float64, data map[string]interface{}) *checks.Finding {
	critical := 50.0
	if v, ok := rc.Settings.Override("kafka_urp_critical"); ok {
		critical = v
	}
	switch {
	case totalURP >= critical:
		return checks.Critical(10, fmt.Sprintf("%.0f partitions are under-replicated", totalURP), data)
	case totalURP > 0:
		// Any under-replication is a durability warning even when small.
		return checks.Warning(7, fmt.Sprintf("%.0f partitions are under-replicated", totalURP), data)
	default:
		return checks.Success("all partitions fully replicated", data)
	}
}

// consumerGroupLag sums committed-vs-end offsets across every group.
type consumerGroupLag struct{}

func (*consumerGroupLag) Name() string    { return "consumer_group_lag" }
func (*consumerGroupLag) Weight() int     { return 7 }
func (*consumerGroupLag) Section() string { return "consumers" }

func (c *consumerGroupLag) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	res := rc.Connector.ExecuteOperation(ctx, connector.Operation{
		Kind:    connector.KindAdmin,
		Command: map[string]interface{}{"operation": "consumer_lag", "group_id": "*"},
	})
	if !res.OK() {
		return "", checks.Errorf("fetching consumer lag: %s", res.Err.Message)
	}

	totalLag := 0.0
	perGroup := make(map[string]float64)
	for _, row := range res.Rows {
		lag := floatCol(row, "lag")
		totalLag += lag
		if g := strCol(row, "group"); g != "" {
			perGroup[g] += lag
		}
	}

	warn, crit := 10000.0, 100000.0
	if v, ok := rc.Settings.Override("kafka_lag_warning"); ok {
		warn = v
	}
	if v, ok := rc.Settings.Override("kafka_lag_critical"); ok {
		crit = v
	}

	data := map[string]interface{}{
		"total_lag":   totalLag,
		"group_count": len(perGroup),
		"per_group":   floatMapToInterface(perGroup),
	}
	fragment := report.RenderRows(res.Rows)

	switch {
	case totalLag >= crit:
		return fragment, checks.Critical(8,
			fmt.Sprintf("consumer lag %.0f messages across %d groups", totalLag, len(perGroup)), data)
	case totalLag >= warn:
		return fragment, checks.Warning(5,
			fmt.Sprintf("consumer lag %.0f messages across %d groups", totalLag, len(perGroup)), data)
	default:
		return fragment, checks.Success(
			fmt.Sprintf("consumer lag %.0f messages across %d groups", totalLag, len(perGroup)), data)
	}
}

// fileDescriptors reads /proc/sys/fs/file-nr on every broker over SSH.
type fileDescriptors struct{}

func (*fileDescriptors) Name() string    { return "file_descriptors" }
func (*fileDescriptors) Weight() int     { return 6 }
func (*fileDescriptors) Section() string { return "system" }

func (c *fileDescriptors) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	if rc.Connector.SSH() == nil {
		return "", checks.Skipped("SSH not configured",
			"ssh_host or ssh_hosts", "ssh_user", "ssh_key_file or ssh_password")
	}

	results := rc.Connector.ExecuteOperationAllNodes(ctx, connector.Operation{
		Kind:    connector.KindShell,
		Command: "cat /proc/sys/fs/file-nr",
		// file-nr is three tab-separated counters, no parser applies.
		ReturnRaw: true,
	})

	warn, crit := 70.0, 85.0
	if v, ok := rc.Settings.Override("kafka_fd_warning"); ok {
		warn = v
	}
	if v, ok := rc.Settings.Override("kafka_fd_critical"); ok {
		crit = v
	}

	perNode := make(map[string]interface{})
	var failed []interface{}
	maxPct := 0.0
	worst := ""
	for node, res := range results {
		if !res.OK() {
			failed = append(failed, node)
			continue
		}
		used, max, ok := parseFileNr(res.Rendered)
		if !ok {
			failed = append(failed, node)
			continue
		}
		pct := 0.0
		if max > 0 {
			pct = used / max * 100
		}
		perNode[node] = map[string]interface{}{
			"allocated":    used,
			"max":          max,
			"used_percent": pct,
		}
		if pct > maxPct {
			maxPct = pct
			worst = node
		}
	}
	if len(perNode) == 0 {
		return "", checks.Errorf("file descriptor probe failed on every node")
	}

	data := map[string]interface{}{
		"max_used_percent": maxPct,
		"worst_node":       worst,
		"per_node":         perNode,
	}
	if len(failed) > 0 {
		data["failed_nodes"] = failed
	}
	fragment := report.RenderScalar("max fd usage", fmt.Sprintf("%.1f%% (%s)", maxPct, worst))

	switch {
	case maxPct >= crit:
		return fragment, checks.Critical(9,
			fmt.Sprintf("file descriptors %.1f%% used on %s", maxPct, worst), data)
	case maxPct >= warn:
		return fragment, checks.Warning(6,
			fmt.Sprintf("file descriptors %.1f%% used on %s", maxPct, worst), data)
	default:
		return fragment, checks.Success(
			fmt.Sprintf("file descriptor usage peaks at %.1f%%", maxPct), data)
	}
}

// parseFileNr decodes /proc/sys/fs/file-nr: allocated, unused, max.
func parseFileNr(stdout string) (used, max float64, ok bool) {
	fields := strings.Fields(stdout)
	if len(fields) < 3 {
		return 0, 0, false
	}
	used, err1 := strconv.ParseFloat(fields[0], 64)
	max, err2 := strconv.ParseFloat(fields[2], 64)
	return used, max, err1 == nil && err2 == nil
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func floatMapToInterface(in map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
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
