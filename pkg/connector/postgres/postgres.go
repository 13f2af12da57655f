// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package postgres implements the PostgreSQL backend on a native pgx
// connection pool, with replication-catalog topology discovery and
// capability probing at connect time.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitchellh/mapstructure"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/plugin"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

const pluginName = "postgres"

func init() {
	connector.Register(pluginName, func(s *config.Settings) (connector.Connector, error) {
		return New(s)
	})
}

// Connector is the PostgreSQL backend.
type Connector struct {
	plugin.Base
	db *pgxpool.Pool
}

// New builds an unconnected PostgreSQL backend.
func New(s *config.Settings) (*Connector, error) {
	if s.Database == "" {
		return nil, errs.NewConfig("postgres: database is required")
	}
	return &Connector{Base: plugin.NewBase(pluginName, s)}, nil
}

func (c *Connector) dsn() string {
	s := c.Settings()
	port := s.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s", s.Host, port, s.Database, s.User, s.Password)
}

// Connect opens the native pool, detects version and capabilities, discovers
// topology from the replication catalogs, and brings auxiliary channels up.
func (c *Connector) Connect(ctx context.Context) error {
	c.SetState(connector.StateConnecting)

	pc, err := pgxpool.ParseConfig(c.dsn())
	if err != nil {
		c.SetState(connector.StateDisconnected)
		return errs.NewConfig("postgres: bad connection settings: %v", err)
	}
	pc.MaxConns = 4
	timeoutMs := c.Settings().StatementTimeout.Milliseconds()
	pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", timeoutMs)
	pc.ConnConfig.RuntimeParams["application_name"] = "healthcheck"

	db, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		c.SetState(connector.StateDisconnected)
		return errs.NewConnection(err, "opening postgres pool to %s", c.Settings().Host)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		c.SetState(connector.StateDisconnected)
		return errs.NewConnection(err, "pinging postgres at %s", c.Settings().Host)
	}
	c.db = db
	c.SetState(connector.StateConnected)

	if err := c.detectVersion(ctx); err != nil {
		return err
	}
	c.detectCapabilities(ctx)
	if err := c.discoverTopology(ctx); err != nil {
		log.Warnf("postgres topology discovery incomplete: %v", err)
	}

	c.ConnectAux(ctx)
	c.enrichManagedTopology(ctx)
	c.BindSSHHosts(nil)
	c.classifyEnvironment(ctx)
	return nil
}

// enrichManagedTopology merges the RDS control-plane view of the cluster into
// the catalog-discovered topology. Aurora cluster and reader endpoints never
// appear in pg_stat_replication, so the control plane is the only source for
// them.
func (c *Connector) enrichManagedTopology(ctx context.Context) {
	probe := c.AWS()
	if probe == nil {
		return
	}
	clusterID := c.Settings().ManagedClusterID
	if clusterID == "" {
		clusterID = firstHostLabel(c.Settings().Host)
	}
	if clusterID == "" {
		return
	}

	nodes, err := probe.DescribeCluster(ctx, clusterID)
	if err != nil {
		log.Warnf("rds cluster discovery for %s failed: %v", clusterID, err)
		return
	}
	added := 0
	for _, n := range nodes {
		if err := c.Topology().AddNode(n); err != nil {
			log.Debugf("rds node %s already known from catalogs: %v", n.ID, err)
			continue
		}
		added++
	}
	if added > 0 {
		c.Topology().SetMeta("rds_cluster_id", clusterID)
		log.Infof("rds control plane contributed %d nodes for cluster %s", added, clusterID)
	}
}

// firstHostLabel extracts the leading DNS label, the cluster identifier for
// RDS endpoints like mycluster.cluster-abc.us-east-1.rds.amazonaws.com.
func firstHostLabel(host string) string {
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return ""
}

// Disconnect closes the pool and auxiliary channels. Idempotent.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnecting)
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
	c.CloseAux()
	c.SetState(connector.StateDisconnected)
	return nil
}

func (c *Connector) detectVersion(ctx context.Context) error {
	var v string
	if err := c.db.QueryRow(ctx, "SHOW server_version").Scan(&v); err != nil {
		return errs.NewConnection(err, "reading server_version")
	}
	c.SetVersion(v)
	return nil
}

func (c *Connector) detectCapabilities(ctx context.Context) {
	var hasStatements bool
	err := c.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_stat_statements')").Scan(&hasStatements)
	if err != nil {
		log.Debugf("pg_stat_statements probe failed: %v", err)
	}

	var ioTiming string
	if err := c.db.QueryRow(ctx, "SHOW track_io_timing").Scan(&ioTiming); err != nil {
		log.Debugf("track_io_timing probe failed: %v", err)
	}

	c.MutateCapabilities(func(caps *connector.Capabilities) {
		caps.HasPgStatStatements = hasStatements
		caps.HasIOTiming = strings.EqualFold(ioTiming, "on")
	})
}

// discoverTopology reads the replication catalogs. When connected to a
// standby only the local node is visible; the run proceeds single-node.
func (c *Connector) discoverTopology(ctx context.Context) error {
	var inRecovery bool
	if err := c.db.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return errs.NewOperation(err, "reading pg_is_in_recovery")
	}

	role := topology.RoleWriter
	if inRecovery {
		role = topology.RoleReader
	}
	local := &topology.Node{
		ID:           c.Settings().Host,
		Host:         c.Settings().Host,
		Role:         role,
		EndpointType: topology.EndpointInstance,
		State:        topology.StateActive,
	}
	if err := c.Topology().AddNode(local); err != nil {
		return err
	}
	if inRecovery {
		c.Topology().SetMeta("connected_to", "standby")
		return nil
	}

	rows, err := c.db.Query(ctx,
		`SELECT client_addr::text, application_name, state, sync_state
		 FROM pg_stat_replication`)
	if err != nil {
		return errs.NewOperation(err, "reading pg_stat_replication")
	}
	defer rows.Close()
	for rows.Next() {
		var addr, appName, state, syncState *string
		if err := rows.Scan(&addr, &appName, &state, &syncState); err != nil {
			return errs.NewOperation(err, "scanning pg_stat_replication row")
		}
		host := strDeref(addr)
		id := host
		if id == "" {
			id = strDeref(appName)
		}
		if id == "" {
			continue
		}
		standby := &topology.Node{
			ID:           id,
			Host:         host,
			Role:         topology.RoleReader,
			EndpointType: topology.EndpointInstance,
			State:        topology.StateActive,
			Metadata: map[string]string{
				"application_name": strDeref(appName),
				"wal_state":        strDeref(state),
				"sync_state":       strDeref(syncState),
			},
		}
		if err := c.Topology().AddNode(standby); err != nil {
			log.Warnf("skipping standby %s: %v", id, err)
		}
	}
	return rows.Err()
}

// classifyEnvironment feeds weighted deployment signals into the detector and
// records the verdict as topology metadata.
func (c *Connector) classifyEnvironment(ctx context.Context) {
	d := topology.NewDetector()
	s := c.Settings()

	if s.ManagedAPIURL != "" {
		d.Observe(topology.EnvManaged, "managed_api_configured", 0.9)
	}
	if s.AWSRegion != "" {
		d.Observe(topology.EnvManaged, "aws_credentials_present", 0.5)
	}
	if s.AzureResourceID != "" {
		d.Observe(topology.EnvManaged, "azure_resource_configured", 0.5)
	}
	if strings.Contains(strings.ToLower(c.Version()), "aurora") {
		d.Observe(topology.EnvManaged, "aurora_version_string", 1.0)
	}

	var superuser string
	if err := c.db.QueryRow(ctx, "SHOW is_superuser").Scan(&superuser); err == nil {
		// Managed services never hand out true superuser.
		if strings.EqualFold(superuser, "off") {
			d.Observe(topology.EnvManaged, "superuser_withheld", 0.3)
		} else {
			d.Observe(topology.EnvSelfHosted, "superuser_granted", 0.4)
		}
	}
	if len(c.Topology().Instances()) > 1 {
		d.Observe(topology.EnvHACluster, "standbys_attached", 0.6)
	} else {
		d.Observe(topology.EnvSelfHosted, "single_instance", 0.3)
	}
	if s.SSHConfigured() {
		d.Observe(topology.EnvSelfHosted, "ssh_access_configured", 0.4)
	}

	env, score := d.Classify()
	c.Topology().SetMeta("environment", string(env))
	log.Infof("environment classified as %s (score %.2f, %d signals)", env, score, len(d.Signals()))
}

// ExecuteOperation dispatches one operation. Native commands are SQL text.
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
// operations run once on the primary connection, keyed by the local node.
func (c *Connector) ExecuteOperationAllNodes(ctx context.Context, op connector.Operation) map[string]connector.Result {
	switch op.Kind {
	case connector.KindShell:
		return c.ExecShellAllNodes(ctx, op)
	case connector.KindNative:
		key := c.Settings().Host
		if w := c.Topology().Writer(); w != nil {
			key = w.ID
		}
		return map[string]connector.Result{key: c.execSQL(ctx, op)}
	default:
		return map[string]connector.Result{"_dispatch": c.Unsupported(op.Kind)}
	}
}

func (c *Connector) execSQL(ctx context.Context, op connector.Operation) connector.Result {
	if c.db == nil {
		return connector.ErrResultf("native dispatch", "not connected")
	}
	sql, err := op.CommandString()
	if err != nil {
		return connector.ErrResult(err, "native dispatch")
	}
	rows, err := c.db.Query(ctx, sql, op.Params...)
	if err != nil {
		return connector.ErrResult(err, "postgres query")
	}
	defer rows.Close()

	cols := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		cols = append(cols, fd.Name)
	}

	var out []*connector.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return connector.ErrResult(err, "postgres row decode")
		}
		r := connector.NewRow()
		for i, col := range cols {
			r.Set(col, normalizeValue(vals[i]))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return connector.ErrResult(err, "postgres query")
	}
	return connector.Result{Rows: out}
}

// adminCommand is the decoded shape of an admin operation payload.
type adminCommand struct {
	Operation string `mapstructure:"operation"`
	Name      string `mapstructure:"name"`
}

func (c *Connector) execAdmin(ctx context.Context, op connector.Operation) connector.Result {
	var cmd adminCommand
	if err := mapstructure.Decode(op.Command, &cmd); err != nil {
		return connector.ErrResult(err, "admin dispatch")
	}
	switch cmd.Operation {
	case "show_setting":
		if cmd.Name == "" {
			return connector.ErrResultf("admin dispatch", "show_setting requires name")
		}
		return c.execSQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT name, setting, unit, source FROM pg_settings WHERE name = $1",
			Params:  []interface{}{cmd.Name},
		})
	case "list_extensions":
		return c.execSQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT extname, extversion FROM pg_extension ORDER BY extname",
		})
	case "database_size":
		return c.execSQL(ctx, connector.Operation{
			Kind:    connector.KindNative,
			Command: "SELECT pg_database_size(current_database()) AS size_bytes",
		})
	default:
		return connector.ErrResultf("admin dispatch", "unknown admin operation %q", cmd.Operation)
	}
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case [16]byte: // uuid
		return fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])
	default:
		return v
	}
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
