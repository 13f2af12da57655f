// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package valkey implements the Valkey/Redis backend: RESP commands for the
// native channel, INFO-derived topology, and cluster discovery when cluster
// mode is enabled.
package valkey

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/plugin"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

const pluginName = "valkey"

func init() {
	connector.Register(pluginName, func(s *config.Settings) (connector.Connector, error) {
		return New(s)
	})
	// Redis-protocol targets are interchangeable at this level.
	connector.Register("redis", func(s *config.Settings) (connector.Connector, error) {
		return New(s)
	})
}

// Connector is the Valkey/Redis backend.
type Connector struct {
	plugin.Base
	client *redis.Client
}

// New builds an unconnected Valkey backend.
func New(s *config.Settings) (*Connector, error) {
	return &Connector{Base: plugin.NewBase(pluginName, s)}, nil
}

// Connect opens the client, reads version and replication topology from
// INFO, and brings auxiliary channels up.
func (c *Connector) Connect(ctx context.Context) error {
	c.SetState(connector.StateConnecting)
	s := c.Settings()

	port := s.Port
	if port == 0 {
		port = 6379
	}
	c.client = redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(s.Host, strconv.Itoa(port)),
		Username:    s.User,
		Password:    s.Password,
		ReadTimeout: s.StatementTimeout,
		DialTimeout: s.StatementTimeout,
	})
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.client = nil
		c.SetState(connector.StateDisconnected)
		return errs.NewConnection(err, "pinging valkey at %s", s.Host)
	}
	c.SetState(connector.StateConnected)

	if err := c.discoverTopology(ctx); err != nil {
		log.Warnf("valkey topology discovery incomplete: %v", err)
	}

	c.ConnectAux(ctx)
	c.BindSSHHosts(nil)
	c.classifyEnvironment()
	return nil
}

// Disconnect closes the client and auxiliary channels. Idempotent.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnecting)
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			log.Debugf("closing valkey client: %v", err)
		}
		c.client = nil
	}
	c.CloseAux()
	c.SetState(connector.StateDisconnected)
	return nil
}

// discoverTopology builds membership from INFO server and replication. In
// cluster mode CLUSTER NODES supersedes the replication view.
func (c *Connector) discoverTopology(ctx context.Context) error {
	info, err := c.client.Info(ctx, "server", "replication", "cluster").Result()
	if err != nil {
		return errs.NewOperation(err, "reading INFO")
	}
	fields := parseInfo(info)

	if v := firstNonEmpty(fields["valkey_version"], fields["redis_version"]); v != "" {
		c.SetVersion(v)
	}

	if fields["cluster_enabled"] == "1" {
		if err := c.discoverClusterNodes(ctx); err == nil {
			c.Topology().SetMeta("cluster_mode", "enabled")
			return nil
		}
		log.Warnf("CLUSTER NODES failed, falling back to replication view")
	}

	role := topology.RoleWriter
	if fields["role"] == "slave" || fields["role"] == "replica" {
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

	// Replicas appear as slave0, slave1, ... lines on a primary.
	for k, v := range fields {
		if !strings.HasPrefix(k, "slave") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(k, "slave")); err != nil {
			continue
		}
		attrs := parseKVList(v)
		host := attrs["ip"]
		if host == "" {
			continue
		}
		id := host
		if p := attrs["port"]; p != "" {
			id = net.JoinHostPort(host, p)
		}
		state := topology.StateActive
		if attrs["state"] != "online" {
			state = topology.StateDown
		}
		n := &topology.Node{
			ID:           id,
			Host:         host,
			Role:         topology.RoleReader,
			EndpointType: topology.EndpointInstance,
			State:        state,
			Metadata:     map[string]string{"replica_state": attrs["state"]},
		}
		if err := c.Topology().AddNode(n); err != nil {
			log.Debugf("skipping replica %s: %v", id, err)
		}
	}
	return nil
}

func (c *Connector) discoverClusterNodes(ctx context.Context) error {
	raw, err := c.client.ClusterNodes(ctx).Result()
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		id, addr, flags := fields[0], fields[1], fields[2]
		host := addr
		if i := strings.IndexAny(addr, ":@"); i >= 0 {
			host = addr[:i]
		}
		role := topology.RoleReader
		if strings.Contains(flags, "master") {
			role = topology.RoleWriter
		}
		state := topology.StateActive
		if strings.Contains(flags, "fail") {
			state = topology.StateDown
		}
		n := &topology.Node{
			ID:           id,
			Host:         host,
			Role:         role,
			EndpointType: topology.EndpointInstance,
			State:        state,
			Metadata:     map[string]string{"flags": flags, "addr": addr},
		}
		if err := c.Topology().AddNode(n); err != nil {
			log.Debugf("skipping cluster node %s: %v", id, err)
		}
	}
	return nil
}

func (c *Connector) classifyEnvironment() {
	d := topology.NewDetector()
	s := c.Settings()
	if s.ManagedAPIURL != "" {
		d.Observe(topology.EnvManaged, "managed_api_configured", 0.9)
	}
	if strings.Contains(s.Host, "cache.amazonaws.com") {
		d.Observe(topology.EnvManaged, "elasticache_endpoint_suffix", 0.9)
	}
	if len(c.Topology().Instances()) > 1 {
		d.Observe(topology.EnvHACluster, "replicas_attached", 0.6)
	}
	if s.SSHConfigured() {
		d.Observe(topology.EnvSelfHosted, "ssh_access_configured", 0.4)
	}
	env, score := d.Classify()
	c.Topology().SetMeta("environment", string(env))
	log.Infof("environment classified as %s (score %.2f)", env, score)
}

// ExecuteOperation dispatches one operation. Native commands are RESP
// command lines ("INFO memory", "DBSIZE"); INFO output comes back as one
// row of key/value columns.
func (c *Connector) ExecuteOperation(ctx context.Context, op connector.Operation) connector.Result {
	switch op.Kind {
	case connector.KindNative:
		return c.execCommand(ctx, op)
	case connector.KindAdmin:
		return c.execAdmin(ctx, op)
	case connector.KindShell:
		return c.ExecShell(ctx, op)
	default:
		return c.Unsupported(op.Kind)
	}
}

// ExecuteOperationAllNodes fans shell operations across the fleet; native
// operations run once on the contact point.
func (c *Connector) ExecuteOperationAllNodes(ctx context.Context, op connector.Operation) map[string]connector.Result {
	switch op.Kind {
	case connector.KindShell:
		return c.ExecShellAllNodes(ctx, op)
	case connector.KindNative:
		key := c.Settings().Host
		if inst := c.Topology().Instances(); len(inst) > 0 {
			key = inst[0].ID
		}
		return map[string]connector.Result{key: c.execCommand(ctx, op)}
	default:
		return map[string]connector.Result{"_dispatch": c.Unsupported(op.Kind)}
	}
}

func (c *Connector) execCommand(ctx context.Context, op connector.Operation) connector.Result {
	if c.client == nil {
		return connector.ErrResultf("native dispatch", "not connected")
	}
	cmd, err := op.CommandString()
	if err != nil {
		return connector.ErrResult(err, "native dispatch")
	}
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return connector.ErrResultf("native dispatch", "empty command")
	}
	args := make([]interface{}, 0, len(parts)+len(op.Params))
	for _, p := range parts {
		args = append(args, p)
	}
	args = append(args, op.Params...)

	val, err := c.client.Do(ctx, args...).Result()
	if err != nil {
		return connector.ErrResult(err, "valkey command")
	}
	return renderValue(cmd, val, op.ReturnRaw)
}

func renderValue(cmd string, val interface{}, returnRaw bool) connector.Result {
	switch t := val.(type) {
	case string:
		res := connector.Result{Rendered: t}
		if returnRaw {
			return res
		}
		if strings.EqualFold(strings.Fields(cmd)[0], "info") || strings.Contains(t, "\r\n") {
			res.Rows = infoRows(t)
		} else {
			res.Rows = []*connector.Row{connector.NewRow().Set("value", t)}
		}
		return res
	case int64:
		return connector.Result{
			Rendered: strconv.FormatInt(t, 10),
			Rows:     []*connector.Row{connector.NewRow().Set("value", t)},
		}
	case []interface{}:
		var rows []*connector.Row
		for i, item := range t {
			rows = append(rows, connector.NewRow().Set("index", i).Set("value", fmt.Sprintf("%v", item)))
		}
		return connector.Result{Rows: rows}
	case map[interface{}]interface{}:
		r := connector.NewRow()
		for k, v := range t {
			r.Set(fmt.Sprintf("%v", k), fmt.Sprintf("%v", v))
		}
		return connector.Result{Rows: []*connector.Row{r}}
	default:
		return connector.Result{
			Rendered: fmt.Sprintf("%v", val),
			Rows:     []*connector.Row{connector.NewRow().Set("value", fmt.Sprintf("%v", val))},
		}
	}
}

// adminCommand is the decoded admin payload.
type adminCommand struct {
	Operation string `mapstructure:"operation"`
	Section   string `mapstructure:"section"`
	Pattern   string `mapstructure:"pattern"`
	Count     int    `mapstructure:"count"`
}

func (c *Connector) execAdmin(ctx context.Context, op connector.Operation) connector.Result {
	if c.client == nil {
		return connector.ErrResultf("admin dispatch", "not connected")
	}
	var cmd adminCommand
	if err := mapstructure.Decode(op.Command, &cmd); err != nil {
		return connector.ErrResult(err, "admin dispatch")
	}
	switch cmd.Operation {
	case "info":
		var sections []string
		if cmd.Section != "" {
			sections = []string{cmd.Section}
		}
		raw, err := c.client.Info(ctx, sections...).Result()
		if err != nil {
			return connector.ErrResult(err, "info")
		}
		return connector.Result{Rendered: raw, Rows: infoRows(raw)}
	case "dbsize":
		n, err := c.client.DBSize(ctx).Result()
		if err != nil {
			return connector.ErrResult(err, "dbsize")
		}
		return connector.Result{Rows: []*connector.Row{connector.NewRow().Set("keys", n)}}
	case "config_get":
		pattern := cmd.Pattern
		if pattern == "" {
			pattern = "*"
		}
		m, err := c.client.ConfigGet(ctx, pattern).Result()
		if err != nil {
			return connector.ErrResult(err, "config_get")
		}
		var rows []*connector.Row
		for _, k := range sortedKeys(m) {
			rows = append(rows, connector.NewRow().Set("parameter", k).Set("value", m[k]))
		}
		return connector.Result{Rows: rows}
	case "slowlog":
		count := int64(cmd.Count)
		if count == 0 {
			count = 25
		}
		entries, err := c.client.SlowLogGet(ctx, count).Result()
		if err != nil {
			return connector.ErrResult(err, "slowlog")
		}
		var rows []*connector.Row
		for _, e := range entries {
			rows = append(rows, connector.NewRow().
				Set("id", e.ID).
				Set("time", e.Time.UTC()).
				Set("duration_us", e.Duration.Microseconds()).
				Set("command", strings.Join(e.Args, " ")))
		}
		return connector.Result{Rows: rows}
	case "cluster_info":
		raw, err := c.client.ClusterInfo(ctx).Result()
		if err != nil {
			return connector.ErrResult(err, "cluster_info")
		}
		return connector.Result{Rendered: raw, Rows: infoRows(raw)}
	default:
		return connector.ErrResultf("admin dispatch", "unknown admin operation %q", cmd.Operation)
	}
}

// parseInfo flattens INFO output into a key -> value map.
func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, ":"); i > 0 {
			out[line[:i]] = line[i+1:]
		}
	}
	return out
}

// infoRows renders INFO output as one row, numeric values converted.
func infoRows(raw string) []*connector.Row {
	fields := parseInfo(raw)
	r := connector.NewRow()
	for _, k := range sortedKeys(fields) {
		v := fields[k]
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			r.Set(k, f)
		} else {
			r.Set(k, v)
		}
	}
	return []*connector.Row{r}
}

// parseKVList parses "ip=10.0.0.2,port=6379,state=online" attribute lists.
func parseKVList(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if i := strings.Index(pair, "="); i > 0 {
			out[pair[:i]] = pair[i+1:]
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
