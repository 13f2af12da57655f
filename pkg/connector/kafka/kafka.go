// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package kafka implements the Kafka backend over the admin protocol:
// metadata-driven topology, KRaft detection, topic and broker inspection,
// and consumer-group lag computation.
package kafka

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector/plugin"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

const pluginName = "kafka"

func init() {
	connector.Register(pluginName, func(s *config.Settings) (connector.Connector, error) {
		return New(s)
	})
}

// Connector is the Kafka backend.
type Connector struct {
	plugin.Base
	client *kafkago.Client
}

// New builds an unconnected Kafka backend.
func New(s *config.Settings) (*Connector, error) {
	return &Connector{Base: plugin.NewBase(pluginName, s)}, nil
}

func (c *Connector) bootstrapAddr() string {
	s := c.Settings()
	port := s.Port
	if port == 0 {
		port = 9092
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Connect reaches the bootstrap broker, builds topology from cluster
// metadata, detects KRaft mode, and brings auxiliary channels up.
func (c *Connector) Connect(ctx context.Context) error {
	c.SetState(connector.StateConnecting)
	c.client = &kafkago.Client{
		Addr:    kafkago.TCP(c.bootstrapAddr()),
		Timeout: c.Settings().StatementTimeout,
	}

	meta, err := c.client.Metadata(ctx, &kafkago.MetadataRequest{})
	if err != nil {
		c.client = nil
		c.SetState(connector.StateDisconnected)
		return errs.NewConnection(err, "fetching metadata from %s", c.bootstrapAddr())
	}
	c.SetState(connector.StateConnected)

	for _, b := range meta.Brokers {
		role := topology.RoleUnknown
		if b.ID == meta.Controller.ID {
			role = topology.RoleController
		}
		n := &topology.Node{
			ID:           strconv.Itoa(b.ID),
			Host:         b.Host,
			Role:         role,
			EndpointType: topology.EndpointInstance,
			State:        topology.StateActive,
			Metadata:     map[string]string{"rack": b.Rack, "port": strconv.Itoa(b.Port)},
		}
		if err := c.Topology().AddNode(n); err != nil {
			log.Warnf("skipping broker %d: %v", b.ID, err)
		}
	}
	c.Topology().SetMeta("controller_id", strconv.Itoa(meta.Controller.ID))

	c.detectMode(ctx, meta)

	c.ConnectAux(ctx)
	c.BindSSHHosts(nil)
	c.classifyEnvironment()
	return nil
}

// Disconnect releases the protocol client and auxiliary channels.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnecting)
	c.client = nil
	c.CloseAux()
	c.SetState(connector.StateDisconnected)
	return nil
}

// detectMode probes broker configuration for KRaft and a version hint. The
// probe degrades silently when the cluster denies DescribeConfigs.
func (c *Connector) detectMode(ctx context.Context, meta *kafkago.MetadataResponse) {
	if len(meta.Brokers) == 0 {
		return
	}
	entries, err := c.brokerConfig(ctx, meta.Brokers[0].ID,
		[]string{"process.roles", "inter.broker.protocol.version", "zookeeper.connect"})
	if err != nil {
		log.Debugf("broker config probe failed: %v", err)
		return
	}
	if roles := entries["process.roles"]; roles != "" {
		c.MutateCapabilities(func(caps *connector.Capabilities) { caps.IsKRaft = true })
		c.Topology().SetMeta("process_roles", roles)
	}
	if v := entries["inter.broker.protocol.version"]; v != "" {
		c.SetVersion(v)
	}
}

func (c *Connector) classifyEnvironment() {
	d := topology.NewDetector()
	s := c.Settings()
	if s.ManagedAPIURL != "" {
		d.Observe(topology.EnvManaged, "managed_api_configured", 0.9)
	}
	if strings.Contains(s.Host, "amazonaws.com") {
		d.Observe(topology.EnvManaged, "msk_endpoint_suffix", 0.8)
	}
	if len(c.Topology().Instances()) > 1 {
		d.Observe(topology.EnvHACluster, "multiple_brokers", 0.6)
	}
	if s.SSHConfigured() {
		d.Observe(topology.EnvSelfHosted, "ssh_access_configured", 0.4)
	}
	env, score := d.Classify()
	c.Topology().SetMeta("environment", string(env))
	log.Infof("environment classified as %s (score %.2f)", env, score)
}

func (c *Connector) brokerConfig(ctx context.Context, brokerID int, names []string) (map[string]string, error) {
	resp, err := c.client.DescribeConfigs(ctx, &kafkago.DescribeConfigsRequest{
		Resources: []kafkago.DescribeConfigRequestResource{{
			ResourceType: kafkago.ResourceTypeBroker,
			ResourceName: strconv.Itoa(brokerID),
			ConfigNames:  names,
		}},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, res := range resp.Resources {
		if res.Error != nil {
			return nil, res.Error
		}
		for _, e := range res.ConfigEntries {
			out[e.ConfigName] = e.ConfigValue
		}
	}
	return out, nil
}

// ExecuteOperation dispatches one operation. Kafka has no native query
// language; the admin channel is the primary one.
func (c *Connector) ExecuteOperation(ctx context.Context, op connector.Operation) connector.Result {
	switch op.Kind {
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

// ExecuteOperationAllNodes fans shell operations across the brokers. Admin
// operations are cluster-scoped; they run once keyed "cluster".
func (c *Connector) ExecuteOperationAllNodes(ctx context.Context, op connector.Operation) map[string]connector.Result {
	switch op.Kind {
	case connector.KindShell:
		return c.ExecShellAllNodes(ctx, op)
	case connector.KindAdmin:
		return map[string]connector.Result{"cluster": c.execAdmin(ctx, op)}
	default:
		return map[string]connector.Result{"_dispatch": c.Unsupported(op.Kind)}
	}
}

// adminCommand is the decoded admin payload.
type adminCommand struct {
	Operation   string   `mapstructure:"operation"`
	Topic       string   `mapstructure:"topic"`
	Topics      []string `mapstructure:"topics"`
	GroupID     string   `mapstructure:"group_id"`
	BrokerID    *int     `mapstructure:"broker_id"`
	BrokerIDs   []int    `mapstructure:"broker_ids"`
	ConfigNames []string `mapstructure:"config_names"`
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
	case "list_topics":
		return c.listTopics(ctx)
	case "describe_topics":
		return c.describeTopics(ctx, cmd.topicList())
	case "broker_config":
		return c.brokerConfigResult(ctx, cmd)
	case "topic_config":
		return c.topicConfig(ctx, cmd)
	case "consumer_lag":
		return c.consumerLag(ctx, cmd.GroupID)
	case "describe_log_dirs":
		return c.describeLogDirs(ctx, cmd.BrokerIDs)
	default:
		return connector.ErrResultf("admin dispatch", "unknown admin operation %q", cmd.Operation)
	}
}

func (c *Connector) listTopics(ctx context.Context) connector.Result {
	meta, err := c.client.Metadata(ctx, &kafkago.MetadataRequest{})
	if err != nil {
		return connector.ErrResult(err, "list_topics")
	}
	var rows []*connector.Row
	for _, t := range meta.Topics {
		if t.Error != nil {
			log.Debugf("topic %s metadata error: %v", t.Name, t.Error)
			continue
		}
		rf := 0
		if len(t.Partitions) > 0 {
			rf = len(t.Partitions[0].Replicas)
		}
		rows = append(rows, connector.NewRow().
			Set("topic", t.Name).
			Set("partitions", len(t.Partitions)).
			Set("replication_factor", rf).
			Set("internal", t.Internal))
	}
	return connector.Result{Rows: rows}
}

// topicList merges the list form with the singular fallback used by
// topic-scoped operations.
func (cmd adminCommand) topicList() []string {
	if len(cmd.Topics) > 0 {
		return cmd.Topics
	}
	if cmd.Topic != "" {
		return []string{cmd.Topic}
	}
	return nil
}

// describeTopics emits one row per partition. A partition is
// under-replicated when its in-sync replica set is smaller than its replica
// set.
func (c *Connector) describeTopics(ctx context.Context, topics []string) connector.Result {
	req := &kafkago.MetadataRequest{}
	if len(topics) > 0 {
		req.Topics = topics
	}
	meta, err := c.client.Metadata(ctx, req)
	if err != nil {
		return connector.ErrResult(err, "describe_topics")
	}
	var rows []*connector.Row
	for _, t := range meta.Topics {
		if t.Error != nil {
			continue
		}
		for _, p := range t.Partitions {
			rows = append(rows, connector.NewRow().
				Set("topic", t.Name).
				Set("partition", p.ID).
				Set("leader", p.Leader.ID).
				Set("replicas", brokerIDs(p.Replicas)).
				Set("isr", brokerIDs(p.Isr)).
				Set("under_replicated", len(p.Isr) < len(p.Replicas)))
		}
	}
	return connector.Result{Rows: rows}
}

func brokerIDs(brokers []kafkago.Broker) []interface{} {
	out := make([]interface{}, 0, len(brokers))
	for _, b := range brokers {
		out = append(out, b.ID)
	}
	return out
}

func (c *Connector) brokerConfigResult(ctx context.Context, cmd adminCommand) connector.Result {
	id := 0
	if cmd.BrokerID != nil {
		id = *cmd.BrokerID
	} else if inst := c.Topology().Instances(); len(inst) > 0 {
		id, _ = strconv.Atoi(inst[0].ID)
	}
	entries, err := c.brokerConfig(ctx, id, cmd.ConfigNames)
	if err != nil {
		return connector.ErrResult(err, "broker_config")
	}
	return configRows(entries)
}

func (c *Connector) topicConfig(ctx context.Context, cmd adminCommand) connector.Result {
	if cmd.Topic == "" {
		return connector.ErrResultf("topic_config", "topic is required")
	}
	resp, err := c.client.DescribeConfigs(ctx, &kafkago.DescribeConfigsRequest{
		Resources: []kafkago.DescribeConfigRequestResource{{
			ResourceType: kafkago.ResourceTypeTopic,
			ResourceName: cmd.Topic,
			ConfigNames:  cmd.ConfigNames,
		}},
	})
	if err != nil {
		return connector.ErrResult(err, "topic_config")
	}
	entries := make(map[string]string)
	for _, res := range resp.Resources {
		if res.Error != nil {
			return connector.ErrResult(res.Error, "topic_config")
		}
		for _, e := range res.ConfigEntries {
			entries[e.ConfigName] = e.ConfigValue
		}
	}
	return configRows(entries)
}

func configRows(entries map[string]string) connector.Result {
	var rows []*connector.Row
	for _, k := range sortedKeys(entries) {
		rows = append(rows, connector.NewRow().Set("config", k).Set("value", entries[k]))
	}
	return connector.Result{Rows: rows}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// consumerLag computes committed-vs-latest lag per group, topic and
// partition. group "*" (or empty) covers every group the cluster reports.
func (c *Connector) consumerLag(ctx context.Context, group string) connector.Result {
	groups, err := c.resolveGroups(ctx, group)
	if err != nil {
		return connector.ErrResult(err, "consumer_lag")
	}
	if len(groups) == 0 {
		return connector.Result{Rows: nil, Rendered: "no consumer groups"}
	}

	latest, err := c.latestOffsets(ctx)
	if err != nil {
		return connector.ErrResult(err, "consumer_lag")
	}

	var rows []*connector.Row
	for _, g := range groups {
		fetched, err := c.client.OffsetFetch(ctx, &kafkago.OffsetFetchRequest{GroupID: g})
		if err != nil {
			log.Warnf("offset fetch for group %s failed: %v", g, err)
			continue
		}
		for topic, parts := range fetched.Topics {
			for _, p := range parts {
				if p.CommittedOffset < 0 {
					continue
				}
				end, ok := latest[offsetKey{topic, p.Partition}]
				if !ok {
					continue
				}
				lag := end - p.CommittedOffset
				if lag < 0 {
					lag = 0
				}
				rows = append(rows, connector.NewRow().
					Set("group", g).
					Set("topic", topic).
					Set("partition", p.Partition).
					Set("committed_offset", p.CommittedOffset).
					Set("end_offset", end).
					Set("lag", lag))
			}
		}
	}
	return connector.Result{Rows: rows}
}

func (c *Connector) resolveGroups(ctx context.Context, group string) ([]string, error) {
	if group != "" && group != "*" {
		return []string{group}, nil
	}
	resp, err := c.client.ListGroups(ctx, &kafkago.ListGroupsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing consumer groups: %w", err)
	}
	var out []string
	for _, g := range resp.Groups {
		out = append(out, g.GroupID)
	}
	return out, nil
}

type offsetKey struct {
	topic     string
	partition int
}

func (c *Connector) latestOffsets(ctx context.Context) (map[offsetKey]int64, error) {
	meta, err := c.client.Metadata(ctx, &kafkago.MetadataRequest{})
	if err != nil {
		return nil, err
	}
	req := &kafkago.ListOffsetsRequest{Topics: make(map[string][]kafkago.OffsetRequest)}
	for _, t := range meta.Topics {
		if t.Internal || t.Error != nil {
			continue
		}
		for _, p := range t.Partitions {
			req.Topics[t.Name] = append(req.Topics[t.Name], kafkago.LastOffsetOf(p.ID))
		}
	}
	if len(req.Topics) == 0 {
		return map[offsetKey]int64{}, nil
	}
	resp, err := c.client.ListOffsets(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(map[offsetKey]int64)
	for topic, parts := range resp.Topics {
		for _, p := range parts {
			if p.Error != nil {
				continue
			}
			out[offsetKey{topic, p.Partition}] = p.LastOffset
		}
	}
	return out, nil
}

// describeLogDirs sizes the brokers' log directories over SSH. The wire
// protocol's DescribeLogDirs has no client support here, so the probe reads
// log.dirs from broker config and runs du on every mapped host. A non-empty
// brokerIDs restricts the result to those brokers.
func (c *Connector) describeLogDirs(ctx context.Context, brokerIDs []int) connector.Result {
	if c.Shell() == nil {
		return connector.ErrResultf("describe_log_dirs", "ssh is not configured")
	}
	logDir := "/var/lib/kafka"
	if inst := c.Topology().Instances(); len(inst) > 0 {
		if id, err := strconv.Atoi(inst[0].ID); err == nil {
			if entries, err := c.brokerConfig(ctx, id, []string{"log.dirs", "log.dir"}); err == nil {
				if d := firstDir(entries["log.dirs"], entries["log.dir"]); d != "" {
					logDir = d
				}
			}
		}
	}

	filter := brokerIDSet(brokerIDs)
	var rows []*connector.Row
	for _, r := range c.Shell().ExecuteAll(ctx, fmt.Sprintf("du -sk %s", logDir)) {
		key := r.NodeID
		if key == "" {
			key = r.Host
		}
		if len(filter) > 0 {
			if _, wanted := filter[key]; !wanted {
				continue
			}
		}
		row := connector.NewRow().Set("broker", key).Set("log_dir", logDir)
		if !r.Success {
			row.Set("error", r.Error)
		} else if fields := strings.Fields(r.Stdout); len(fields) > 0 {
			if kb, err := strconv.ParseFloat(fields[0], 64); err == nil {
				row.Set("size_bytes", kb*1024)
			}
		}
		rows = append(rows, row)
	}
	return connector.Result{Rows: rows}
}

func brokerIDSet(ids []int) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[strconv.Itoa(id)] = struct{}{}
	}
	return out
}

func firstDir(values ...string) string {
	for _, v := range values {
		if v == "" {
			continue
		}
		return strings.Split(v, ",")[0]
	}
	return ""
}
