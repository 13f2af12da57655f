// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instance(id, host string, role Role) *Node {
	return &Node{ID: id, Host: host, Role: role, EndpointType: EndpointInstance, State: StateActive}
}

func TestAddNodeRejectsDuplicateIDs(t *testing.T) {
	topo := New()
	require.NoError(t, topo.AddNode(instance("n1", "10.0.0.1", RoleWriter)))
	assert.Error(t, topo.AddNode(instance("n1", "10.0.0.2", RoleReader)))
	assert.Error(t, topo.AddNode(&Node{Host: "10.0.0.3"}))
	assert.Len(t, topo.Nodes(), 1)
}

func TestInstancesExcludeVirtualEndpoints(t *testing.T) {
	topo := New()
	require.NoError(t, topo.AddNode(instance("n1", "10.0.0.1", RoleWriter)))
	require.NoError(t, topo.AddNode(&Node{
		ID: "cluster-ep", Host: "cluster.example.com",
		EndpointType: EndpointCluster, State: StateActive,
	}))
	assert.Len(t, topo.Nodes(), 2)
	assert.Len(t, topo.Instances(), 1)
	assert.Equal(t, "n1", topo.Writer().ID)
}

func TestMapSSHHostsExactAndSubstring(t *testing.T) {
	topo := New()
	require.NoError(t, topo.AddNode(instance("n1", "10.0.0.1", RoleWriter)))
	require.NoError(t, topo.AddNode(instance("n2", "db2.internal.example.com", RoleReader)))

	topo.MapSSHHosts([]string{"10.0.0.1", "db2.internal", "stranger.example.com"}, nil)

	require.NotNil(t, topo.NodeForSSHHost("10.0.0.1"))
	assert.Equal(t, "n1", topo.NodeForSSHHost("10.0.0.1").ID)
	require.NotNil(t, topo.NodeForSSHHost("db2.internal"))
	assert.Equal(t, "n2", topo.NodeForSSHHost("db2.internal").ID)
	assert.Nil(t, topo.NodeForSSHHost("stranger.example.com"))
	assert.Equal(t, []string{"stranger.example.com"}, topo.UnmappedSSHHosts())
}

func TestUnmappedSSHHostsKeepBindingOrder(t *testing.T) {
	topo := New()
	require.NoError(t, topo.AddNode(instance("n1", "10.0.0.1", RoleWriter)))

	topo.MapSSHHosts([]string{"zz.example.com", "aa.example.com", "10.0.0.1", "mm.example.com"}, nil)
	// Rebinding a host must not duplicate it.
	topo.MapSSHHosts([]string{"aa.example.com"}, nil)

	assert.Equal(t,
		[]string{"zz.example.com", "aa.example.com", "mm.example.com"},
		topo.UnmappedSSHHosts())
}

func TestMapSSHHostsCustomMapper(t *testing.T) {
	topo := New()
	require.NoError(t, topo.AddNode(instance("broker-7", "10.1.1.7", RoleUnknown)))

	mapper := func(sshHost string, nodes []*Node) *Node {
		for _, n := range nodes {
			if n.ID == "broker-7" && sshHost == "kafka-7.internal" {
				return n
			}
		}
		return nil
	}
	topo.MapSSHHosts([]string{"kafka-7.internal"}, mapper)
	require.NotNil(t, topo.NodeForSSHHost("kafka-7.internal"))
	assert.Equal(t, "broker-7", topo.NodeForSSHHost("kafka-7.internal").ID)
}

func TestDetectorBelowThresholdUnclassified(t *testing.T) {
	d := NewDetector()
	d.Observe(EnvManaged, "weak_hint", 0.3)
	env, score := d.Classify()
	assert.Equal(t, EnvUnclassified, env)
	assert.InDelta(t, 0.3, score, 1e-9)
}

func TestDetectorClassifiesWinner(t *testing.T) {
	d := NewDetector()
	d.Observe(EnvManaged, "api_reachable", 0.9)
	d.Observe(EnvSelfHosted, "ssh_configured", 0.4)
	env, _ := d.Classify()
	assert.Equal(t, EnvManaged, env)
}

func TestDetectorTieBreaksTowardManaged(t *testing.T) {
	d := NewDetector()
	d.Observe(EnvManaged, "a", 0.7)
	d.Observe(EnvSelfHosted, "b", 0.7)
	env, _ := d.Classify()
	assert.Equal(t, EnvManaged, env)
}

func TestDetectorClampsWeights(t *testing.T) {
	d := NewDetector()
	d.Observe(EnvHACluster, "huge", 5.0)
	sig := d.Signals()
	require.Len(t, sig, 1)
	assert.Equal(t, 1.0, sig[0].Weight)
}
