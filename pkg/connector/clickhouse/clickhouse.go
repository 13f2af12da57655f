// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package clickhouse implements the ClickHouse backend on the native
// protocol, with topology read from system.clusters.
package clickhouse

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/mitchellh/mapstructure"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/plugin"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

const pluginName = "clickhouse"

func init() {
	connector.Register(pluginName, func(s *config.Settings) (connector.Connector, error) {
		return New(s)
	})
}

// Connector is the ClickHouse backend.
type Connector struct {
	plugin.Base
	conn chdriver.Conn
}

// New builds an unconnected ClickHouse backend.
func New(s *config.Settings) (*Connector, error) {
	return &Connector{Base: plugin.NewBase(pluginName, s)}, nil
}

// Connect opens the native connection, reads version and cluster membership,
// and brings auxiliary channels up.
func (c *Connector) Connect(ctx context.Context) error {
	c.SetState(connector.StateConnecting)
	s := c.Settings()

	port := s.Port
	if port == 0 {
		port = 9000
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{net.JoinHostPort(s.Host, strconv.Itoa(port))},
		Auth: clickhouse.Auth{
			Database: s.Database,
			Username: s.User,
			Password: s.Password,
		},
		DialTimeout: 10 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": int(s.StatementTimeout.Seconds()),
		},
	})
	if err != nil {
		c.SetState(connector.StateDisconnected)
		return errs.NewConnection(err, "opening clickhouse connection to %s", s.Host)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		c.SetState(connector.StateDisconnected)
		return errs.NewConnection(err, "pinging clickhouse at %s", s.Host)
	}
	c.conn = conn
	c.SetState(connector.StateConnected)

	if err := c.detectVersion(ctx); err != nil {
		return err
	}
	if err := c.discoverTopology(ctx); err != nil {
		log.Warnf("clickhouse topology discovery incomplete: %v", err)
	}

	c.ConnectAux(ctx)
	c.BindSSHHosts(nil)
	c.classifyEnvironment()
	return nil
}

// Disconnect closes the connection and auxiliary channels. Idempotent.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnecting)
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Debugf("closing clickhouse connection: %v", err)
		}
		c.conn = nil
	}
	c.CloseAux()
	c.SetState(connector.StateDisconnected)
	return nil
}

func (c *Connector) detectVersion(ctx context.Context) error {
	var v string
	if err := c.conn.QueryRow(ctx, "SELECT version()").Scan(&v); err != nil {
		return errs.NewConnection(err, "reading clickhouse version")
	}
	c.SetVersion(v)
	return nil
}

// discoverTopology reads system.clusters. Standalone servers have no cluster
// rows; the contact point alone forms the topology then.
func (c *Connector) discoverTopology(ctx context.Context) error {
	rows, err := c.conn.Query(ctx,
		`SELECT cluster, shard_num, replica_num, host_name, host_address, is_local
		 FROM system.clusters ORDER BY cluster, shard_num, replica_num`)
	if err != nil {
		return errs.NewOperation(err, "reading system.clusters")
	}
	defer rows.Close()

	added := 0
	for rows.Next() {
		var cluster, hostName, hostAddr string
		var shard, replica uint32
		var isLocal uint8
		if err := rows.Scan(&cluster, &shard, &replica, &hostName, &hostAddr, &isLocal); err != nil {
			return errs.NewOperation(err, "scanning system.clusters row")
		}
		id := fmt.Sprintf("%s/%d/%d", cluster, shard, replica)
		n := &topology.Node{
			ID:           id,
			Host:         hostName,
			Role:         topology.RoleWriter,
			EndpointType: topology.EndpointInstance,
			State:        topology.StateActive,
			Metadata: map[string]string{
				"cluster":      cluster,
				"shard":        strconv.Itoa(int(shard)),
				"replica":      strconv.Itoa(int(replica)),
				"host_address": hostAddr,
				"is_local":     strconv.Itoa(int(isLocal)),
			},
		}
		if err := c.Topology().AddNode(n); err != nil {
			log.Debugf("skipping cluster row %s: %v", id, err)
			continue
		}
		added++
	}
	if added == 0 {
		return c.Topology().AddNode(&topology.Node{
			ID:           c.Settings().Host,
			Host:         c.Settings().Host,
			Role:         topology.RoleWriter,
			EndpointType: topology.EndpointInstance,
			State:        topology.StateActive,
		})
	}
	return nil
}

func (c *Connector) classifyEnvironment() {
	d := topology.NewDetector()
	s := c.Settings()
	if s.ManagedAPIURL != "" {
		d.Observe(topology.EnvManaged, "managed_api_configured", 0.9)
	}
	if strings.Contains(s.Host, "clickhouse.cloud") {
		d.Observe(topology.EnvManaged, "cloud_endpoint_suffix", 0.9)
	}
	if len(c.Topology().Instances()) > 1 {
		d.Observe(topology.EnvHACluster, "replicated_cluster", 0.6)
	}
	if s.SSHConfigured() {
		d.Observe(topology.EnvSelfHosted, "ssh_access_configured", 0.4)
	}
	env, score := d.Classify()
	c.Topology().SetMeta("environment", string(env))
	log.Infof("environment classified as %s (score %.2f)", env, score)
}

// ExecuteOperation dispatches one operation. Native commands are SQL text;
// http_api reaches the HTTP interface for endpoints the native protocol
// lacks.
func (c *Connector) ExecuteOperation(ctx context.Context, op connector.Operation) connector.Result {
	switch op.Kind {
	case connector.KindNative:
		return c.execSQL(ctx, op)
	case connector.KindAdmin:
		return c.execAdmin(ctx, op)
	case connector.KindShell:
		return c.ExecShell(ctx, op)
	case connector.KindHTTPAPI:
		return c.ExecHTTPAPI(ctx, op)
	default:
		return c.Unsupported(op.Kind)
	}
}

// ExecuteOperationAllNodes fans shell operations across the fleet. Native
// operations run once; system tables already aggregate cluster state.
func (c *Connector) ExecuteOperationAllNodes(ctx context.Context, op connector.Operation) map[string]connector.Result {
	switch op.Kind {
	case connector.KindShell:
		return c.ExecShellAllNodes(ctx, op)
	case connector.KindNative:
		key := "cluster"
		if inst := c.Topology().Instances(); len(inst) > 0 {
			key = inst[0].ID
		}
		return map[string]connector.Result{key: c.execSQL(ctx, op)}
	default:
		return map[string]connector.Result{"_dispatch": c.Unsupported(op.Kind)}
	}
}

func (c *Connector) execSQL(ctx context.Context, op connector.Operation) connector.Result {
	if c.conn == nil {
		return connector.ErrResultf("native dispatch", "not connected")
	}
	sql, err := op.CommandString()
	if err != nil {
		return connector.ErrResult(err, "native dispatch")
	}
	rows, err := c.conn.Query(ctx, sql, op.Params...)
	if err != nil {
		return connector.ErrResult(err, "clickhouse query")
	}
	defer rows.Close()

	cols := rows.Columns()
	types := rows.ColumnTypes()

	var out []*connector.Row
	for rows.Next() {
		dests := make([]interface{}, len(cols))
		for i, ct := range types {
			dests[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dests...); err != nil {
			return connector.ErrResult(err, "clickhouse row decode")
		}
		r := connector.NewRow()
		for i, col := range cols {
			r.Set(col, normalizeValue(reflect.ValueOf(dests[i]).Elem().Interface()))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return connector.ErrResult(err, "clickhouse query")
	}
	return connector.Result{Rows: out}
}

// adminCommand is the decoded admin payload.
type adminCommand struct {
	Operation string `mapstructure:"operation"`
	Database  string `mapstructure:"database"`
}

func (c *Connector) execAdmin(ctx context.Context, op connector.Operation) connector.Result {
	var cmd adminCommand
	if err := mapstructure.Decode(op.Command, &cmd); err != nil {
		return connector.ErrResult(err, "admin dispatch")
	}
	switch cmd.Operation {
	case "parts_summary":
		return c.execSQL(ctx, connector.Operation{
			Kind: connector.KindNative,
			Command: `SELECT database, table, count() AS parts, sum(bytes_on_disk) AS bytes_on_disk
				FROM system.parts WHERE active GROUP BY database, table ORDER BY bytes_on_disk DESC LIMIT 50`,
		})
	case "replication_queue":
		return c.execSQL(ctx, connector.Operation{
			Kind: connector.KindNative,
			Command: `SELECT database, table, count() AS queue_size, countIf(num_tries > 10) AS stuck
				FROM system.replication_queue GROUP BY database, table`,
		})
	case "current_metrics":
		return c.execSQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT metric, value FROM system.metrics ORDER BY metric",
		})
	case "list_databases":
		return c.execSQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT name, engine FROM system.databases ORDER BY name",
		})
	default:
		return connector.ErrResultf("admin dispatch", "unknown admin operation %q", cmd.Operation)
	}
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case uint8:
		return int(t)
	case uint32:
		return int64(t)
	case *string:
		if t == nil {
			return nil
		}
		return *t
	default:
		return v
	}
}
