// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/cloud"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/shellexec"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// Sample is the normalized result of collecting one metric. NodeMetrics keys
// are stable identifiers: broker/instance id when the topology provides one,
// hostname otherwise. Values already in percent are never divided again.
type Sample struct {
	NodeMetrics  map[string]float64     `json:"node_metrics"`
	ClusterTotal float64                `json:"cluster_total"`
	ClusterAvg   float64                `json:"cluster_avg"`
	ClusterMax   float64                `json:"cluster_max"`
	// ClusterValue is the aggregation the definition asked for (zero for
	// per_node metrics).
	ClusterValue float64                `json:"cluster_value"`
	Method       Method                 `json:"method"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Attempt records one strategy try, successful or not, for observability.
type Attempt struct {
	Method Method `json:"method"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Sources bundles the channels the collector may draw from. Nil fields mean
// the matching strategies are unavailable and get skipped with a recorded
// attempt.
type Sources struct {
	Managed   *cloud.ManagedClient
	AWS       *cloud.AWSProbe
	Azure     *cloud.AzureProbe
	Shell     *shellexec.Executor
	Connector connector.Connector
	// CloudResourceID is the dimension value for CloudWatch lookups, usually
	// the managed cluster identifier.
	CloudResourceID string
	ExporterPort    int
	JMXPort         int
}

// Collect walks the definition's strategy chain in declared order and returns
// the first success, normalized. It never returns an error: nil means no
// strategy had data, which callers distinguish from a legitimate zero value.
// A strategy succeeding for only some nodes still counts; per-node gaps are
// recorded in the sample metadata.
func Collect(ctx context.Context, def *Definition, src Sources) *Sample {
	var attempts []Attempt

	for _, strat := range def.Strategies {
		values, gaps, err := collectOne(ctx, def, strat, src)
		if err != nil {
			attempts = append(attempts, Attempt{Method: strat.Method, OK: false, Error: err.Error()})
			log.Debugf("metric %s: strategy %s failed: %v", def.LogicalName, strat.Method, err)
			continue
		}
		attempts = append(attempts, Attempt{Method: strat.Method, OK: true})

		s := newSample(def, values, strat.Method)
		s.Metadata["attempts"] = attemptsMeta(attempts)
		if len(gaps) > 0 {
			s.Metadata["nodes_without_data"] = gaps
		}
		return s
	}

	log.Warnf("metric %s: no strategy produced data after %d attempts", def.LogicalName, len(attempts))
	return nil
}

func attemptsMeta(attempts []Attempt) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(attempts))
	for _, a := range attempts {
		m := map[string]interface{}{"method": string(a.Method), "ok": a.OK}
		if a.Error != "" {
			m["error"] = a.Error
		}
		out = append(out, m)
	}
	return out
}

func newSample(def *Definition, values map[string]float64, method Method) *Sample {
	s := &Sample{
		NodeMetrics: values,
		Method:      method,
		Metadata:    map[string]interface{}{},
	}
	first := true
	for _, v := range values {
		s.ClusterTotal += v
		if first || v > s.ClusterMax {
			s.ClusterMax = v
			first = false
		}
	}
	if len(values) > 0 {
		s.ClusterAvg = s.ClusterTotal / float64(len(values))
	}
	switch def.Aggregation {
	case AggSum:
		s.ClusterValue = s.ClusterTotal
	case AggAvg:
		s.ClusterValue = s.ClusterAvg
	case AggMax:
		s.ClusterValue = s.ClusterMax
	case AggPerNode:
		// Per-node metrics have no single cluster value.
	}
	return s
}

func collectOne(ctx context.Context, def *Definition, strat Strategy, src Sources) (map[string]float64, []string, error) {
	switch strat.Method {
	case MethodManagedPrometheus:
		return collectManaged(ctx, strat, src)
	case MethodCloudMetrics:
		return collectCloud(ctx, strat, src)
	case MethodLocalExporter:
		return collectLocalExporter(ctx, strat, src)
	case MethodJMX:
		return collectJMX(ctx, strat, src)
	case MethodShell:
		return collectShell(ctx, strat, src)
	case MethodNative:
		return collectNative(ctx, strat, src)
	default:
		return nil, nil, fmt.Errorf("unknown collection method %q", strat.Method)
	}
}

func collectManaged(ctx context.Context, strat Strategy, src Sources) (map[string]float64, []string, error) {
	if src.Managed == nil {
		return nil, nil, fmt.Errorf("managed-service API not configured")
	}
	if strat.Metric == "" {
		return nil, nil, fmt.Errorf("managed_prometheus strategy missing metric name")
	}
	values, err := src.Managed.FetchPrometheusMetric(ctx, strat.Metric)
	if err != nil {
		return nil, nil, err
	}
	return values, nil, nil
}

// cloudMetricWindow is the trailing range cloud monitoring APIs are queried
// over. Wide enough to cover CloudWatch's publishing delay.
const cloudMetricWindow = 10 * time.Minute

// collectCloud reads the provider monitoring API, CloudWatch when the AWS
// probe is up and Azure Monitor otherwise. The freshest datapoint in the
// window wins, keyed "cluster".
func collectCloud(ctx context.Context, strat Strategy, src Sources) (map[string]float64, []string, error) {
	if strat.Metric == "" {
		return nil, nil, fmt.Errorf("cloud_metrics strategy missing metric name")
	}

	var points []cloud.MetricDatapoint
	var err error
	switch {
	case src.AWS != nil:
		if strat.Namespace == "" {
			return nil, nil, fmt.Errorf("cloud_metrics strategy missing namespace")
		}
		var dims map[string]string
		if strat.Dimension != "" && src.CloudResourceID != "" {
			dims = map[string]string{strat.Dimension: src.CloudResourceID}
		}
		points, err = src.AWS.GetMetricStatistics(ctx, strat.Namespace, strat.Metric, dims, cloudMetricWindow, time.Minute)
	case src.Azure != nil:
		points, err = src.Azure.GetMetric(ctx, strat.Metric, cloudMetricWindow)
	default:
		return nil, nil, fmt.Errorf("no cloud monitoring probe configured")
	}
	if err != nil {
		return nil, nil, err
	}
	if len(points) == 0 {
		return nil, nil, fmt.Errorf("cloud metric %s returned no datapoints", strat.Metric)
	}

	latest := points[0]
	for _, p := range points[1:] {
		if p.Timestamp.After(latest.Timestamp) {
			latest = p
		}
	}
	return map[string]float64{"cluster": latest.Value}, nil, nil
}

// collectLocalExporter scrapes http://127.0.0.1:<port>/metrics on every node
// through an SSH-tunneled curl and sums the family's samples per node.
func collectLocalExporter(ctx context.Context, strat Strategy, src Sources) (map[string]float64, []string, error) {
	if src.Shell == nil {
		return nil, nil, fmt.Errorf("ssh not configured")
	}
	if strat.Metric == "" {
		return nil, nil, fmt.Errorf("local_exporter strategy missing metric name")
	}
	port := src.ExporterPort
	if port == 0 {
		return nil, nil, fmt.Errorf("exporter_port not configured")
	}

	cmd := fmt.Sprintf("curl -s http://127.0.0.1:%d/metrics", port)
	results := src.Shell.ExecuteAll(ctx, cmd)
	if len(results) == 0 {
		return nil, nil, fmt.Errorf("no connected ssh hosts to scrape")
	}

	values := make(map[string]float64)
	var gaps []string
	for _, r := range results {
		key := r.NodeID
		if key == "" {
			key = r.Host
		}
		if !r.Success {
			gaps = append(gaps, key)
			continue
		}
		perNode, err := cloud.ParsePrometheusMetric(r.Stdout, strat.Metric)
		if err != nil {
			gaps = append(gaps, key)
			continue
		}
		total := 0.0
		for _, v := range perNode {
			total += v
		}
		values[key] = total
	}
	if len(values) == 0 {
		return nil, nil, fmt.Errorf("exporter scrape yielded no values on any node")
	}
	return values, gaps, nil
}

// collectJMX issues a jmxterm-style probe per node over SSH. The strategy's
// command template takes precedence; otherwise one is built from the MBean
// path.
func collectJMX(ctx context.Context, strat Strategy, src Sources) (map[string]float64, []string, error) {
	if src.Shell == nil {
		return nil, nil, fmt.Errorf("ssh not configured")
	}
	cmd := strat.Command
	if cmd == "" {
		if strat.MBean == "" {
			return nil, nil, fmt.Errorf("jmx strategy missing mbean and command")
		}
		port := src.JMXPort
		if port == 0 {
			return nil, nil, fmt.Errorf("jmx_port not configured")
		}
		attr := strat.Attribute
		if attr == "" {
			attr = "Value"
		}
		cmd = fmt.Sprintf("java -jar /opt/jmxterm/jmxterm.jar -l 127.0.0.1:%d -n -v silent -i /dev/stdin get -b %s %s",
			port, strat.MBean, attr)
	}
	return fanOutNumeric(ctx, src, cmd)
}

func collectShell(ctx context.Context, strat Strategy, src Sources) (map[string]float64, []string, error) {
	if src.Shell == nil {
		return nil, nil, fmt.Errorf("ssh not configured")
	}
	if strat.Command == "" {
		return nil, nil, fmt.Errorf("shell strategy missing command")
	}
	return fanOutNumeric(ctx, src, strat.Command)
}

func fanOutNumeric(ctx context.Context, src Sources, cmd string) (map[string]float64, []string, error) {
	results := src.Shell.ExecuteAll(ctx, cmd)
	if len(results) == 0 {
		return nil, nil, fmt.Errorf("no connected ssh hosts")
	}
	values := make(map[string]float64)
	var gaps []string
	for _, r := range results {
		key := r.NodeID
		if key == "" {
			key = r.Host
		}
		if !r.Success {
			gaps = append(gaps, key)
			continue
		}
		v, err := firstNumericToken(r.Stdout)
		if err != nil {
			gaps = append(gaps, key)
			continue
		}
		values[key] = v
	}
	if len(values) == 0 {
		return nil, nil, fmt.Errorf("command %q yielded no numeric output on any node", cmd)
	}
	return values, gaps, nil
}

func firstNumericToken(stdout string) (float64, error) {
	for _, field := range strings.Fields(stdout) {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no numeric token in output")
}

// collectNative runs a catalog query on the primary connection. Result shapes
// accepted: rows of (node_id, value), or a single row whose first numeric
// column is the cluster-level value (keyed "cluster").
func collectNative(ctx context.Context, strat Strategy, src Sources) (map[string]float64, []string, error) {
	if src.Connector == nil {
		return nil, nil, fmt.Errorf("no native connection available")
	}
	if strat.Query == "" {
		return nil, nil, fmt.Errorf("native strategy missing query")
	}
	res := src.Connector.ExecuteOperation(ctx, connector.Operation{
		Kind:    connector.KindNative,
		Command: strat.Query,
	})
	if !res.OK() {
		return nil, nil, fmt.Errorf("native query failed: %s", res.Err.Message)
	}
	if len(res.Rows) == 0 {
		return nil, nil, fmt.Errorf("native query returned no rows")
	}

	values := make(map[string]float64)
	first := res.Rows[0]
	if first.Len() >= 2 {
		if _, hasNode := first.Get("node_id"); hasNode {
			for _, row := range res.Rows {
				id, _ := row.Get("node_id")
				key := fmt.Sprintf("%v", id)
				for _, col := range row.Columns() {
					if col == "node_id" {
						continue
					}
					if v, ok := numeric(rowValue(row, col)); ok {
						values[key] = v
						break
					}
				}
			}
			if len(values) > 0 {
				return values, nil, nil
			}
		}
	}
	for _, col := range first.Columns() {
		if v, ok := numeric(rowValue(first, col)); ok {
			values["cluster"] = v
			return values, nil, nil
		}
	}
	return nil, nil, fmt.Errorf("native query returned no numeric column")
}

func rowValue(row *connector.Row, col string) interface{} {
	v, _ := row.Get(col)
	return v
}

func numeric(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
