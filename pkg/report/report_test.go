// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package report

import (
	"encoding/json"
	"math"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
)

func TestCanonicalizeNormalizesDriverValues(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))
	in := map[string]interface{}{
		"dec":      decimal.NewFromFloat(12.75),
		"when":     ts,
		"elapsed":  1500 * time.Millisecond,
		"nan":      math.NaN(),
		"inf":      math.Inf(1),
		"blob":     []byte("hello"),
		"plain":    int64(7),
		"listing":  []string{"a", "b"},
		"per_node": map[string]float64{"n1": 0.5},
	}
	out, err := Canonicalize(in)
	require.NoError(t, err)

	m := out.(map[string]interface{})
	assert.Equal(t, 12.75, m["dec"])
	assert.Equal(t, "2026-03-14T08:26:53Z", m["when"])
	assert.Equal(t, 1.5, m["elapsed"])
	assert.Nil(t, m["nan"])
	assert.Nil(t, m["inf"])
	assert.Equal(t, "hello", m["blob"])
	assert.Equal(t, int64(7), m["plain"])
	assert.Equal(t, []interface{}{"a", "b"}, m["listing"])
	assert.Equal(t, map[string]interface{}{"n1": 0.5}, m["per_node"])
}

func TestCanonicalizeRows(t *testing.T) {
	rows := []*connector.Row{
		connector.NewRow().Set("name", "a").Set("count", int64(3)),
		connector.NewRow().Set("name", "b").Set("count", int64(5)),
	}
	out, err := Canonicalize(rows)
	require.NoError(t, err)

	seq := out.([]interface{})
	require.Len(t, seq, 2)
	first := seq[0].(map[string]interface{})
	assert.Equal(t, "a", first["name"])
	assert.Equal(t, int64(3), first["count"])
}

func TestCanonicalizeRejectsUnsupportedTypes(t *testing.T) {
	type opaque struct{ X int }
	_, err := Canonicalize(map[string]interface{}{"v": opaque{1}})
	assert.Error(t, err)
	_, err = Canonicalize(make(chan int))
	assert.Error(t, err)
}

func TestMarshalCanonical(t *testing.T) {
	buf, err := MarshalCanonical(map[string]interface{}{"ratio": math.NaN(), "n": 2})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf, &decoded))
	assert.Nil(t, decoded["ratio"])
	assert.Equal(t, 2.0, decoded["n"])
}

func TestRenderRows(t *testing.T) {
	rows := []*connector.Row{
		connector.NewRow().Set("topic", "orders").Set("partitions", 12.0).Set("ratio", 0.995),
		connector.NewRow().Set("topic", "events").Set("partitions", 3.0).Set("ratio", 1.0),
	}
	out := RenderRows(rows)
	assert.Contains(t, out, "topic")
	assert.Contains(t, out, "orders")
	// Whole floats render without a fraction, others with two digits.
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "1.00")
	assert.NotContains(t, out, "12.00")

	assert.Equal(t, "(no rows)\n", RenderRows(nil))
}

func TestRenderScalar(t *testing.T) {
	assert.Equal(t, "max_connections: 100\n", RenderScalar("max_connections", 100.0))
}

func TestInfoAndAttentionBlocks(t *testing.T) {
	info := InfoBlock("file_descriptors", "SSH not configured", []string{"ssh_hosts", "ssh_user"})
	assert.Contains(t, info, "NOTE [file_descriptors]: SSH not configured")
	assert.Contains(t, info, "Required settings: ssh_hosts, ssh_user")

	attn := AttentionBlock("replication_status", "query timed out")
	assert.Contains(t, attn, "ATTENTION [replication_status]: query timed out")
}

func TestWriteFindingsAndReport(t *testing.T) {
	dir := t.TempDir()

	acc := checks.NewAccumulator()
	require.NoError(t, acc.Set("active_connections",
		checks.Success("connection usage is healthy", map[string]interface{}{"used_percent": 42.0})))
	require.NoError(t, acc.Set("file_descriptors",
		checks.Skipped("SSH not configured", "ssh_hosts", "ssh_user")))
	require.NoError(t, acc.Set("cache_hit_ratio", checks.Errorf("query failed: timeout")))

	path, err := WriteFindings(dir, "Acme Corp", "postgres", "db1:5432", "16.3", acc)
	require.NoError(t, err)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc FindingsDocument
	require.NoError(t, json.Unmarshal(buf, &doc))
	assert.Equal(t, "Acme Corp", doc.Company)
	assert.Equal(t, "postgres", doc.Plugin)
	assert.Equal(t, []string{"active_connections", "file_descriptors", "cache_hit_ratio"}, doc.CheckOrder)
	require.Contains(t, doc.Findings, "active_connections")
	entry := doc.Findings["active_connections"].(map[string]interface{})
	assert.Equal(t, "success", entry["status"])

	sections := []checks.SectionResult{{
		Name: "connections",
		Fragments: []checks.Fragment{
			{CheckName: "active_connections", Body: "42 of 100 connections in use\n"},
			{CheckName: "file_descriptors"},
			{CheckName: "cache_hit_ratio"},
		},
	}}
	rpath, err := WriteReport(dir, "Acme Corp", sections, acc)
	require.NoError(t, err)

	text, err := os.ReadFile(rpath)
	require.NoError(t, err)
	body := string(text)
	assert.Contains(t, body, "== connections ==")
	assert.Contains(t, body, "42 of 100 connections in use")
	assert.Contains(t, body, "NOTE [file_descriptors]: SSH not configured")
	assert.Contains(t, body, "ATTENTION [cache_hit_ratio]: query failed: timeout")
}
