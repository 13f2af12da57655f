// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package kafka

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
		Settings:  &config.Settings{Plugin: "kafka", CheckOverrides: overrides},
		Prior:     checks.NewAccumulator(),
	}
}

func topicRow(topic string, partition int, urp bool, leader int) *connector.Row {
	return connector.NewRow().
		Set("topic", topic).
		Set("partition", partition).
		Set("leader", leader).
		Set("under_replicated", urp)
}

// The fake carries no managed client or SSH channel, so the metric strategy
// chain is exhausted and the check falls back to partition metadata.
func TestURPFallsBackToMetadata(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	fake.Script("describe_topics", connector.Result{Rows: []*connector.Row{
		topicRow("orders", 0, false, 1),
		topicRow("orders", 1, true, 2),
		topicRow("events", 0, true, 2),
	}})

	_, f := (&underReplicatedPartitions{}).Run(context.Background(), runContext(fake, nil))
	require.NotNil(t, f)
	assert.Equal(t, checks.StatusWarning, f.Status)
	assert.Equal(t, 7, f.Severity)
	assert.Equal(t, 2.0, f.Data["total_urp"])
	assert.Equal(t, 1, f.Data["nodes_with_urp"], "count of affected nodes")
	assert.Equal(t, []interface{}{"2"}, f.Data["urp_nodes"])
	assert.Equal(t, "admin_metadata", f.Metadata.CollectionMethod)
}

func TestURPAllReplicated(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	fake.Script("describe_topics", connector.Result{Rows: []*connector.Row{
		topicRow("orders", 0, false, 1),
	}})
	_, f := (&underReplicatedPartitions{}).Run(context.Background(), runContext(fake, nil))
	assert.Equal(t, checks.StatusSuccess, f.Status)
}

func TestURPCriticalThresholdOverride(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	rows := []*connector.Row{
		topicRow("orders", 0, true, 1),
		topicRow("orders", 1, true, 1),
	}
	fake.Script("describe_topics", connector.Result{Rows: rows})

	_, f := (&underReplicatedPartitions{}).Run(context.Background(),
		runContext(fake, map[string]float64{"kafka_urp_critical": 2}))
	assert.Equal(t, checks.StatusCritical, f.Status)
	assert.Equal(t, 10, f.Severity)
}

func TestURPMetadataUnavailable(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	_, f := (&underReplicatedPartitions{}).Run(context.Background(), runContext(fake, nil))
	assert.Equal(t, checks.StatusError, f.Status)
}

func lagRow(group, topic string, partition int, lag int64) *connector.Row {
	return connector.NewRow().
		Set("group", group).
		Set("topic", topic).
		Set("partition", partition).
		Set("lag", lag)
}

func TestConsumerGroupLag(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	fake.Script("consumer_lag", connector.Result{Rows: []*connector.Row{
		lagRow("billing", "orders", 0, 120),
		lagRow("billing", "orders", 1, 80),
		lagRow("audit", "events", 0, 0),
	}})

	_, f := (&consumerGroupLag{}).Run(context.Background(), runContext(fake, nil))
	require.NotNil(t, f)
	assert.Equal(t, checks.StatusSuccess, f.Status)
	assert.Equal(t, 200.0, f.Data["total_lag"])
	assert.Equal(t, 2, f.Data["group_count"])
	perGroup := f.Data["per_group"].(map[string]interface{})
	assert.Equal(t, 200.0, perGroup["billing"])
}

func TestConsumerGroupLagThresholds(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	fake.Script("consumer_lag", connector.Result{Rows: []*connector.Row{
		lagRow("billing", "orders", 0, 20000),
	}})
	_, f := (&consumerGroupLag{}).Run(context.Background(), runContext(fake, nil))
	assert.Equal(t, checks.StatusWarning, f.Status)

	_, f = (&consumerGroupLag{}).Run(context.Background(),
		runContext(fake, map[string]float64{"kafka_lag_warning": 50000}))
	assert.Equal(t, checks.StatusSuccess, f.Status)

	fake.Script("consumer_lag", connector.Result{Rows: []*connector.Row{
		lagRow("billing", "orders", 0, 150000),
	}})
	_, f = (&consumerGroupLag{}).Run(context.Background(), runContext(fake, nil))
	assert.Equal(t, checks.StatusCritical, f.Status)
}

func TestFileDescriptorsSkippedWithoutSSH(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	_, f := (&fileDescriptors{}).Run(context.Background(), runContext(fake, nil))
	require.NotNil(t, f)
	assert.Equal(t, checks.StatusSkipped, f.Status)
	assert.Contains(t, f.RequiredSettings, "ssh_user")
}

func TestFileDescriptorsFanOut(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	fake.Pool = sshpool.NewPool(nil)
	fake.ScriptAllNodes("cat /proc/sys/fs/file-nr", map[string]connector.Result{
		"broker-1": {Rendered: "8192\t0\t1048576\n"},
		"broker-2": {Rendered: "950000\t0\t1000000\n"},
		"broker-3": connector.ErrResultf("ssh", "connection refused"),
	})

	_, f := (&fileDescriptors{}).Run(context.Background(), runContext(fake, nil))
	require.NotNil(t, f)
	assert.Equal(t, checks.StatusCritical, f.Status)
	assert.Equal(t, "broker-2", f.Data["worst_node"])
	assert.InDelta(t, 95.0, f.Data["max_used_percent"].(float64), 0.01)
	assert.Equal(t, []interface{}{"broker-3"}, f.Data["failed_nodes"])
}

func TestFileDescriptorsAllNodesFail(t *testing.T) {
	fake := connectortest.NewFake("kafka")
	fake.Pool = sshpool.NewPool(nil)
	fake.ScriptAllNodes("cat /proc/sys/fs/file-nr", map[string]connector.Result{
		"broker-1": connector.ErrResultf("ssh", "connection refused"),
	})
	_, f := (&fileDescriptors{}).Run(context.Background(), runContext(fake, nil))
	assert.Equal(t, checks.StatusError, f.Status)
}

func TestParseFileNr(t *testing.T) {
	used, max, ok := parseFileNr("8192\t0\t1048576\n")
	require.True(t, ok)
	assert.Equal(t, 8192.0, used)
	assert.Equal(t, 1048576.0, max)

	_, _, ok = parseFileNr("garbage")
	assert.False(t, ok)
}
