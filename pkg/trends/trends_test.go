// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package trends

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
)

func TestSanitizeSchemaName(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"Acme Corp", "acme_corp"},
		{"acme_corp", "acme_corp"},
		{"Acme--Corp!!", "acme_corp"},
		{"  leading  ", "leading"},
		{"3M Company", "t_3m_company"},
		{"", "tenant"},
		{"___", "tenant"},
		{"ACME", "acme"},
	}
	for _, c := range cases {
		assert.Equal(t, c.out, SanitizeSchemaName(c.in), "input %q", c.in)
	}
}

func TestSanitizeSchemaNameIdempotent(t *testing.T) {
	inputs := []string{"Acme Corp", "3M Company", "weird!!name??here", ""}
	for _, in := range inputs {
		once := SanitizeSchemaName(in)
		assert.Equal(t, once, SanitizeSchemaName(once), "input %q", in)
	}
}

func TestSanitizeSchemaNameTruncates(t *testing.T) {
	long := strings.Repeat("a", 100)
	out := SanitizeSchemaName(long)
	assert.Len(t, out, 63)
	assert.False(t, strings.HasSuffix(out, "_"))
}

func TestClassifyTrend(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		want   string
	}{
		{"empty", nil, TrendInsufficientData},
		{"single point", []float64{5}, TrendInsufficientData},
		{"flat", []float64{10, 10, 10, 10}, TrendStable},
		{"within band", []float64{100, 100, 105, 105}, TrendStable},
		{"increasing", []float64{10, 10, 20, 20}, TrendIncreasing},
		{"decreasing", []float64{20, 20, 10, 10}, TrendDecreasing},
		{"just above band", []float64{100, 100, 111, 111}, TrendIncreasing},
		{"just below band", []float64{100, 100, 89, 89}, TrendDecreasing},
		{"odd length", []float64{10, 10, 10, 20, 20}, TrendIncreasing},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ClassifyTrend(c.values))
		})
	}
}

func TestExtractMetrics(t *testing.T) {
	acc := checks.NewAccumulator()
	require.NoError(t, acc.Set("active_connections", checks.Success("ok", map[string]interface{}{
		"total_connections": 42,
	})))
	require.NoError(t, acc.Set("cache_hit_ratio", checks.Success("ok", map[string]interface{}{
		"cache_hit_ratio": 99.2,
	})))
	require.NoError(t, acc.Set("disk_usage", checks.Skipped("SSH not configured", "ssh_hosts")))

	extractors := []Extractor{
		{Check: "active_connections", Field: "total_connections", Metric: "active_connections", Unit: "connections"},
		{Check: "cache_hit_ratio", Field: "cache_hit_ratio", Metric: "cache_hit_ratio", Unit: "percent"},
		{Check: "disk_usage", Field: "max_used_percent", Metric: "disk_used_percent"},
		{Check: "missing_check", Field: "x", Metric: "never"},
	}

	got := ExtractMetrics(extractors, acc)
	require.Len(t, got, 2)
	assert.Equal(t, "active_connections", got[0].Name)
	assert.Equal(t, 42.0, got[0].Value)
	assert.Equal(t, "cache_hit_ratio", got[1].Name)
	assert.InDelta(t, 99.2, got[1].Value, 1e-9)
}

func TestExtractMetricsDottedPath(t *testing.T) {
	acc := checks.NewAccumulator()
	require.NoError(t, acc.Set("replication_status", checks.Success("ok", map[string]interface{}{
		"summary": map[string]interface{}{"max_lag_bytes": int64(2048)},
	})))

	got := ExtractMetrics([]Extractor{
		{Check: "replication_status", Field: "summary.max_lag_bytes", Metric: "replication_lag_bytes"},
	}, acc)
	require.Len(t, got, 1)
	assert.Equal(t, 2048.0, got[0].Value)
}

func TestExtractMetricsSkipsNonNumeric(t *testing.T) {
	acc := checks.NewAccumulator()
	require.NoError(t, acc.Set("replication_status", checks.Success("ok", map[string]interface{}{
		"state": "streaming",
	})))

	got := ExtractMetrics([]Extractor{
		{Check: "replication_status", Field: "state", Metric: "bogus"},
	}, acc)
	assert.Empty(t, got)
}

func TestParseExtractors(t *testing.T) {
	buf := []byte(`
extractors:
  - check: active_connections
    field: total_connections
    metric: active_connections
    unit: connections
    category: capacity
`)
	got, err := ParseExtractors(buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "capacity", got[0].Category)
}

func TestParseExtractorsRejectsIncomplete(t *testing.T) {
	_, err := ParseExtractors([]byte("extractors:\n  - check: x\n"))
	assert.Error(t, err)
}
