// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package cassandra implements the Cassandra backend: CQL over gocql for the
// native channel, system-table topology discovery, and nodetool dispatch
// over the SSH pool.
package cassandra

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"
	"github.com/mitchellh/mapstructure"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/plugin"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

const pluginName = "cassandra"

func init() {
	connector.Register(pluginName, func(s *config.Settings) (connector.Connector, error) {
		return New(s)
	})
}

// Connector is the Cassandra backend.
type Connector struct {
	plugin.Base
	session *gocql.Session
}

// New builds an unconnected Cassandra backend.
func New(s *config.Settings) (*Connector, error) {
	return &Connector{Base: plugin.NewBase(pluginName, s)}, nil
}

// Connect opens the CQL session, reads version and membership from the
// system tables, and brings auxiliary channels up.
func (c *Connector) Connect(ctx context.Context) error {
	c.SetState(connector.StateConnecting)
	s := c.Settings()

	cluster := gocql.NewCluster(s.Host)
	if s.Port != 0 {
		cluster.Port = s.Port
	}
	if s.User != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: s.User, Password: s.Password}
	}
	cluster.Timeout = s.StatementTimeout
	cluster.ConnectTimeout = s.StatementTimeout
	cluster.Consistency = gocql.LocalOne

	session, err := cluster.CreateSession()
	if err != nil {
		c.SetState(connector.StateDisconnected)
		return errs.NewConnection(err, "opening cql session to %s", s.Host)
	}
	c.session = session
	c.SetState(connector.StateConnected)

	if err := c.discoverTopology(ctx); err != nil {
		c.session.Close()
		c.session = nil
		c.SetState(connector.StateDisconnected)
		return err
	}

	c.ConnectAux(ctx)
	c.BindSSHHosts(nil)
	c.classifyEnvironment()
	return nil
}

// Disconnect closes the session and auxiliary channels. Idempotent.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnecting)
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.CloseAux()
	c.SetState(connector.StateDisconnected)
	return nil
}

// discoverTopology reads system.local for the contact point and system.peers
// for the rest of the ring.
func (c *Connector) discoverTopology(ctx context.Context) error {
	var hostID gocql.UUID
	var release, dc, rack string
	err := c.session.Query(
		"SELECT host_id, release_version, data_center, rack FROM system.local").
		WithContext(ctx).Scan(&hostID, &release, &dc, &rack)
	if err != nil {
		return errs.NewOperation(err, "reading system.local")
	}
	c.SetVersion(release)
	local := &topology.Node{
		ID:           hostID.String(),
		Host:         c.Settings().Host,
		Role:         topology.RoleWriter, // every cassandra node accepts writes
		EndpointType: topology.EndpointInstance,
		State:        topology.StateActive,
		Metadata:     map[string]string{"data_center": dc, "rack": rack},
	}
	if err := c.Topology().AddNode(local); err != nil {
		return err
	}

	iter := c.session.Query(
		"SELECT host_id, peer, release_version, data_center, rack FROM system.peers").
		WithContext(ctx).Iter()
	for {
		var peerID gocql.UUID
		var peer, peerRelease, peerDC, peerRack string
		if !iter.Scan(&peerID, &peer, &peerRelease, &peerDC, &peerRack) {
			break
		}
		n := &topology.Node{
			ID:           peerID.String(),
			Host:         peer,
			Role:         topology.RoleWriter,
			EndpointType: topology.EndpointInstance,
			State:        topology.StateActive,
			Metadata:     map[string]string{"data_center": peerDC, "rack": peerRack, "release_version": peerRelease},
		}
		if err := c.Topology().AddNode(n); err != nil {
			log.Warnf("skipping peer %s: %v", peer, err)
		}
	}
	if err := iter.Close(); err != nil {
		return errs.NewOperation(err, "reading system.peers")
	}
	return nil
}

func (c *Connector) classifyEnvironment() {
	d := topology.NewDetector()
	s := c.Settings()
	if s.ManagedAPIURL != "" {
		d.Observe(topology.EnvManaged, "managed_api_configured", 0.9)
	}
	dcs := make(map[string]struct{})
	for _, n := range c.Topology().Instances() {
		if dc := n.Metadata["data_center"]; dc != "" {
			dcs[dc] = struct{}{}
			// Managed Cassandra providers name datacenters after cloud regions.
			if strings.HasPrefix(dc, "AWS_") || strings.HasPrefix(dc, "AZURE_") || strings.HasPrefix(dc, "GCP_") {
				d.Observe(topology.EnvManaged, "cloud_region_datacenter", 0.7)
			}
		}
	}
	if len(c.Topology().Instances()) > 1 {
		d.Observe(topology.EnvHACluster, "multi_node_ring", 0.6)
	}
	if len(dcs) > 1 {
		d.Observe(topology.EnvHACluster, "multi_datacenter", 0.3)
	}
	if s.SSHConfigured() {
		d.Observe(topology.EnvSelfHosted, "ssh_access_configured", 0.4)
	}
	env, score := d.Classify()
	c.Topology().SetMeta("environment", string(env))
	log.Infof("environment classified as %s (score %.2f)", env, score)
}

// ExecuteOperation dispatches one operation. Native commands are CQL text;
// nodetool commands run over SSH on one mapped host.
func (c *Connector) ExecuteOperation(ctx context.Context, op connector.Operation) connector.Result {
	switch op.Kind {
	case connector.KindNative:
		return c.execCQL(ctx, op)
	case connector.KindAdmin:
		return c.execAdmin(ctx, op)
	case connector.KindShell:
		return c.ExecShell(ctx, op)
	case connector.KindNodetool:
		return c.ExecShell(ctx, nodetoolOp(op))
	case connector.KindNodetoolCluster:
		// Cluster-scoped nodetool subcommands report ring-wide state from any
		// single node.
		return c.ExecShell(ctx, nodetoolOp(op))
	default:
		return c.Unsupported(op.Kind)
	}
}

// ExecuteOperationAllNodes fans shell and nodetool operations across the
// ring. Native operations run once on the session, keyed by the local node.
func (c *Connector) ExecuteOperationAllNodes(ctx context.Context, op connector.Operation) map[string]connector.Result {
	switch op.Kind {
	case connector.KindShell:
		return c.ExecShellAllNodes(ctx, op)
	case connector.KindNodetool:
		return c.ExecShellAllNodes(ctx, nodetoolOp(op))
	case connector.KindNative:
		key := "local"
		if inst := c.Topology().Instances(); len(inst) > 0 {
			key = inst[0].ID
		}
		return map[string]connector.Result{key: c.execCQL(ctx, op)}
	default:
		return map[string]connector.Result{"_dispatch": c.Unsupported(op.Kind)}
	}
}

// nodetoolOp rewrites a nodetool operation into a shell operation whose
// command goes through the safelist like any other probe.
func nodetoolOp(op connector.Operation) connector.Operation {
	sub, _ := op.Command.(string)
	return connector.Operation{
		Kind:      connector.KindShell,
		Command:   strings.TrimSpace("nodetool " + sub),
		ReturnRaw: op.ReturnRaw,
	}
}

func (c *Connector) execCQL(ctx context.Context, op connector.Operation) connector.Result {
	if c.session == nil {
		return connector.ErrResultf("native dispatch", "not connected")
	}
	stmt, err := op.CommandString()
	if err != nil {
		return connector.ErrResult(err, "native dispatch")
	}
	iter := c.session.Query(stmt, op.Params...).WithContext(ctx).Iter()

	cols := make([]string, 0, len(iter.Columns()))
	for _, ci := range iter.Columns() {
		cols = append(cols, ci.Name)
	}

	var rows []*connector.Row
	for {
		m := make(map[string]interface{}, len(cols))
		if !iter.MapScan(m) {
			break
		}
		r := connector.NewRow()
		for _, col := range cols {
			r.Set(col, normalizeValue(m[col]))
		}
		rows = append(rows, r)
	}
	if err := iter.Close(); err != nil {
		return connector.ErrResult(err, "cql query")
	}
	return connector.Result{Rows: rows}
}

// adminCommand is the decoded admin payload.
type adminCommand struct {
	Operation string `mapstructure:"operation"`
	Keyspace  string `mapstructure:"keyspace"`
}

func (c *Connector) execAdmin(ctx context.Context, op connector.Operation) connector.Result {
	var cmd adminCommand
	if err := mapstructure.Decode(op.Command, &cmd); err != nil {
		return connector.ErrResult(err, "admin dispatch")
	}
	switch cmd.Operation {
	case "list_keyspaces":
		return c.execCQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT keyspace_name, replication FROM system_schema.keyspaces",
		})
	case "list_tables":
		if cmd.Keyspace == "" {
			return connector.ErrResultf("admin dispatch", "list_tables requires keyspace")
		}
		return c.execCQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT table_name, gc_grace_seconds, compaction FROM system_schema.tables WHERE keyspace_name = ?",
			Params:  []interface{}{cmd.Keyspace},
		})
	case "cluster_name":
		return c.execCQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT cluster_name, partitioner FROM system.local",
		})
	default:
		return connector.ErrResultf("admin dispatch", "unknown admin operation %q", cmd.Operation)
	}
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case gocql.UUID:
		return t.String()
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = vv
		}
		return out
	case []byte:
		return fmt.Sprintf("%x", t)
	default:
		return v
	}
}
