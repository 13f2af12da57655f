// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package recommend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
)

func TestRunRecommendationAggregates(t *testing.T) {
	acc := checks.NewAccumulator()
	require.NoError(t, acc.Set("disk_usage",
		checks.Critical(9, "disk usage peaks at 93.0% on node-1", map[string]interface{}{"v": 1})))
	require.NoError(t, acc.Set("memory_usage",
		checks.Warning(6, "memory usage peaks at 90.0% on node-2", map[string]interface{}{"v": 1})))
	require.NoError(t, acc.Set("cache_hit_ratio",
		checks.Success("cache hit ratio 99.20%", map[string]interface{}{"v": 1})))
	require.NoError(t, acc.Set("file_descriptors", checks.Skipped("SSH not configured", "ssh_hosts")))

	rc := &checks.RunContext{Settings: &config.Settings{}, Prior: acc}
	frag, f := (&runRecommendation{}).Run(context.Background(), rc)
	require.NotNil(t, f)

	assert.Equal(t, checks.StatusSuccess, f.Status)
	assert.Equal(t, "2 findings require attention", f.Message)
	assert.Equal(t, 4, f.Data["checks_total"])
	assert.Equal(t, 1, f.Data["count_success"])
	assert.Equal(t, 1, f.Data["count_warning"])
	assert.Equal(t, 1, f.Data["count_critical"])
	assert.Equal(t, 1, f.Data["count_skipped"])

	recs := f.Data["recommendations"].([]interface{})
	require.Len(t, recs, 2)
	first := recs[0].(map[string]interface{})
	assert.Equal(t, "disk_usage", first["check"], "highest severity first")
	assert.Equal(t, 9, first["severity"])

	assert.Contains(t, frag, "1 ok, 1 warning, 1 critical, 0 error, 1 skipped")
	assert.Contains(t, frag, "[9] disk_usage")
}

func TestRunRecommendationCleanRun(t *testing.T) {
	acc := checks.NewAccumulator()
	require.NoError(t, acc.Set("active_connections",
		checks.Success("healthy", map[string]interface{}{"v": 1})))

	rc := &checks.RunContext{Settings: &config.Settings{}, Prior: acc}
	frag, f := (&runRecommendation{}).Run(context.Background(), rc)

	assert.Equal(t, "no issues require attention", f.Message)
	assert.Empty(t, f.Data["recommendations"])
	assert.NotContains(t, frag, "Attention")
}
