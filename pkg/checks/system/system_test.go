// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/connectortest"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/sshpool"
)

func runContext(fake *connectortest.Fake, overrides map[string]float64) *checks.RunContext {
	return &checks.RunContext{
		Connector: fake,
		Settings:  &config.Settings{Plugin: "cassandra", CheckOverrides: overrides},
		Prior:     checks.NewAccumulator(),
	}
}

func freeRows(totalMB, availMB float64) connector.Result {
	return connector.Result{Rows: []*connector.Row{
		connector.NewRow().
			Set("kind", "Mem").
			Set("total_bytes", totalMB*1024*1024).
			Set("available_bytes", availMB*1024*1024),
		connector.NewRow().
			Set("kind", "Swap").
			Set("total_bytes", 2048*1024*1024.0).
			Set("free_bytes", 2048*1024*1024.0),
	}}
}

func TestMemoryUsageSkippedWithoutSSH(t *testing.T) {
	fake := connectortest.NewFake("cassandra")
	_, f := (&memoryUsage{}).Run(context.Background(), runContext(fake, nil))
	require.NotNil(t, f)
	assert.Equal(t, checks.StatusSkipped, f.Status)
	assert.Equal(t, sshRequiredSettings, f.RequiredSettings)
}

func TestMemoryUsageVerdicts(t *testing.T) {
	mk := func(availMB float64) *connectortest.Fake {
		fake := connectortest.NewFake("cassandra")
		fake.Pool = sshpool.NewPool(nil)
		fake.ScriptAllNodes("free -m", map[string]connector.Result{
			"node-1": freeRows(16000, availMB),
		})
		return fake
	}

	_, f := (&memoryUsage{}).Run(context.Background(), runContext(mk(8000), nil))
	assert.Equal(t, checks.StatusSuccess, f.Status)

	_, f = (&memoryUsage{}).Run(context.Background(), runContext(mk(1600), nil)) // 90% used
	assert.Equal(t, checks.StatusWarning, f.Status)

	_, f = (&memoryUsage{}).Run(context.Background(), runContext(mk(320), nil)) // 98% used
	assert.Equal(t, checks.StatusCritical, f.Status)

	// Override moves the warning floor above the observed usage.
	_, f = (&memoryUsage{}).Run(context.Background(),
		runContext(mk(1600), map[string]float64{"memory_warning": 95, "memory_critical": 99}))
	assert.Equal(t, checks.StatusSuccess, f.Status)
}

func TestMemoryUsagePartialFailure(t *testing.T) {
	fake := connectortest.NewFake("cassandra")
	fake.Pool = sshpool.NewPool(nil)
	fake.ScriptAllNodes("free -m", map[string]connector.Result{
		"node-1": freeRows(16000, 8000),
		"node-2": connector.ErrResultf("ssh", "connection timed out"),
	})

	_, f := (&memoryUsage{}).Run(context.Background(), runContext(fake, nil))
	require.NotNil(t, f)
	assert.Equal(t, checks.StatusSuccess, f.Status)
	assert.Equal(t, []interface{}{"node-2"}, f.Data["failed_nodes"])
	assert.Contains(t, f.Message, "1 nodes unreachable")
}

func TestMemoryUsageAllNodesFail(t *testing.T) {
	fake := connectortest.NewFake("cassandra")
	fake.Pool = sshpool.NewPool(nil)
	fake.ScriptAllNodes("free -m", map[string]connector.Result{
		"node-1": connector.ErrResultf("ssh", "auth failed"),
	})
	_, f := (&memoryUsage{}).Run(context.Background(), runContext(fake, nil))
	assert.Equal(t, checks.StatusError, f.Status)
}

func dfRows(rootPct, dataPct float64) connector.Result {
	return connector.Result{Rows: []*connector.Row{
		connector.NewRow().Set("filesystem", "/dev/sda1").
			Set("use_percent", rootPct).Set("mounted_on", "/"),
		connector.NewRow().Set("filesystem", "tmpfs").
			Set("use_percent", 99.0).Set("mounted_on", "/dev/shm"),
		connector.NewRow().Set("filesystem", "/dev/sdb1").
			Set("use_percent", dataPct).Set("mounted_on", "/var/lib/data"),
	}}
}

func TestDiskUsageIgnoresVirtualFilesystems(t *testing.T) {
	fake := connectortest.NewFake("cassandra")
	fake.Pool = sshpool.NewPool(nil)
	fake.ScriptAllNodes("df -h", map[string]connector.Result{
		"node-1": dfRows(40, 55),
	})

	_, f := (&diskUsage{}).Run(context.Background(), runContext(fake, nil))
	require.NotNil(t, f)
	// The 99% tmpfs must not drive the verdict.
	assert.Equal(t, checks.StatusSuccess, f.Status)
	assert.Equal(t, 55.0, f.Data["max_used_percent"])
	perNode := f.Data["per_node"].(map[string]interface{})
	entry := perNode["node-1"].(map[string]interface{})
	assert.Equal(t, "/var/lib/data", entry["fullest_mount"])
}

func TestDiskUsageThresholds(t *testing.T) {
	mk := func(pct float64) *connectortest.Fake {
		fake := connectortest.NewFake("cassandra")
		fake.Pool = sshpool.NewPool(nil)
		fake.ScriptAllNodes("df -h", map[string]connector.Result{
			"node-1": dfRows(10, pct),
		})
		return fake
	}

	_, f := (&diskUsage{}).Run(context.Background(), runContext(mk(85), nil))
	assert.Equal(t, checks.StatusWarning, f.Status)

	_, f = (&diskUsage{}).Run(context.Background(), runContext(mk(93), nil))
	assert.Equal(t, checks.StatusCritical, f.Status)
	assert.Equal(t, "node-1", f.Data["worst_node"])
}

func TestMemRowPrefersMemKind(t *testing.T) {
	rows := []*connector.Row{
		connector.NewRow().Set("kind", "Swap"),
		connector.NewRow().Set("kind", "Mem").Set("total_bytes", 1.0),
	}
	r := memRow(rows)
	require.NotNil(t, r)
	v, _ := r.Get("kind")
	assert.Equal(t, "Mem", v)

	// Falls back to the first row when free output has no Mem line.
	r = memRow(rows[:1])
	require.NotNil(t, r)
	assert.Nil(t, memRow(nil))
}
