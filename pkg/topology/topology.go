// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package topology models cluster membership: node identities, roles, and the
// mapping from configured SSH hosts to cluster members.
package topology

import (
	"fmt"
	"strings"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// Role classifies what a node does in its cluster.
type Role string

// Node roles.
const (
	RoleWriter     Role = "writer"
	RoleReader     Role = "reader"
	RoleController Role = "controller"
	RoleUnknown    Role = "unknown"
)

// EndpointType distinguishes real instances from virtual connection targets.
type EndpointType string

// Endpoint types. Cluster and reader-LB endpoints are connection targets but
// never participate in per-instance checks.
const (
	EndpointInstance EndpointType = "instance"
	EndpointCluster  EndpointType = "cluster"
	EndpointReaderLB EndpointType = "reader_lb"
)

// State is the node's membership state.
type State string

// Node states.
const (
	StateActive  State = "active"
	StateDown    State = "down"
	StateJoining State = "joining"
	StateLeaving State = "leaving"
)

// Node is one cluster member (or virtual endpoint).
type Node struct {
	ID           string            `json:"id"`
	Host         string            `json:"host"`
	Role         Role              `json:"role"`
	EndpointType EndpointType      `json:"endpoint_type"`
	State        State             `json:"state"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsInstance reports whether the node is a real instance rather than a
// virtual endpoint.
func (n *Node) IsInstance() bool {
	return n.EndpointType == EndpointInstance
}

// HostMapper lets a caller supply plugin-specific SSH-host-to-node matching
// when address comparison is not enough.
type HostMapper func(sshHost string, nodes []*Node) *Node

// Topology is the discovered cluster membership for a run.
type Topology struct {
	nodes    []*Node
	byID     map[string]*Node
	sshMap   map[string]*Node // ssh host -> node; nil value = bound but unmapped
	sshOrder []string         // binding order of sshMap keys
	meta     map[string]string
	version  string
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{
		byID:   make(map[string]*Node),
		sshMap: make(map[string]*Node),
		meta:   make(map[string]string),
	}
}

// AddNode inserts a node, enforcing ID uniqueness among instances.
func (t *Topology) AddNode(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("topology: node with empty id (host=%s)", n.Host)
	}
	if _, dup := t.byID[n.ID]; dup {
		return fmt.Errorf("topology: duplicate node id %q", n.ID)
	}
	if n.Metadata == nil {
		n.Metadata = make(map[string]string)
	}
	t.nodes = append(t.nodes, n)
	t.byID[n.ID] = n
	return nil
}

// Nodes returns every node including virtual endpoints, in discovery order.
func (t *Topology) Nodes() []*Node {
	out := make([]*Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Instances returns only instance-type nodes, the targets of per-node checks.
func (t *Topology) Instances() []*Node {
	var out []*Node
	for _, n := range t.nodes {
		if n.IsInstance() {
			out = append(out, n)
		}
	}
	return out
}

// NodeByID looks a node up by its stable identity.
func (t *Topology) NodeByID(id string) *Node {
	return t.byID[id]
}

// Writer returns the first writer-role instance, if any.
func (t *Topology) Writer() *Node {
	for _, n := range t.nodes {
		if n.IsInstance() && n.Role == RoleWriter {
			return n
		}
	}
	return nil
}

// SetVersion records the target software version reported at connect time.
func (t *Topology) SetVersion(v string) { t.version = v }

// Version returns the recorded target version.
func (t *Topology) Version() string { return t.version }

// SetMeta records cluster-level metadata (environment classification etc.).
func (t *Topology) SetMeta(key, value string) { t.meta[key] = value }

// Meta reads cluster-level metadata.
func (t *Topology) Meta(key string) string { return t.meta[key] }

// MapSSHHosts binds each configured SSH host to a node. Matching order per
// host: exact address match, substring match, then the optional mapper
// callback. Unmapped hosts stay bound with a warning; they can run commands
// but their output cannot be attributed to a cluster member.
func (t *Topology) MapSSHHosts(sshHosts []string, mapper HostMapper) {
	for _, h := range sshHosts {
		n := t.matchHost(h, mapper)
		if _, bound := t.sshMap[h]; !bound {
			t.sshOrder = append(t.sshOrder, h)
		}
		t.sshMap[h] = n
		if n == nil {
			log.Warnf("ssh host %s is not in cluster membership; commands will run but cannot be attributed to a node", h)
		} else {
			log.Debugf("ssh host %s mapped to node %s", h, n.ID)
		}
	}
}

func (t *Topology) matchHost(sshHost string, mapper HostMapper) *Node {
	instances := t.Instances()
	for _, n := range instances {
		if n.Host == sshHost {
			return n
		}
	}
	for _, n := range instances {
		if n.Host == "" {
			continue
		}
		if strings.Contains(n.Host, sshHost) || strings.Contains(sshHost, n.Host) {
			return n
		}
	}
	if mapper != nil {
		return mapper(sshHost, instances)
	}
	return nil
}

// NodeForSSHHost returns the node a configured SSH host is mapped to, or nil
// when the host is present but not a cluster member.
func (t *Topology) NodeForSSHHost(host string) *Node {
	return t.sshMap[host]
}

// UnmappedSSHHosts lists configured SSH hosts without a cluster identity.
func (t *Topology) UnmappedSSHHosts() []string {
	var out []string
	for _, h := range t.sshHostsInOrder() {
		if t.sshMap[h] == nil {
			out = append(out, h)
		}
	}
	return out
}

func (t *Topology) sshHostsInOrder() []string {
	out := make([]string, len(t.sshOrder))
	copy(out, t.sshOrder)
	return out
}
