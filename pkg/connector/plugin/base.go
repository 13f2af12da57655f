// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package plugin provides the shared scaffolding technology backends embed:
// lifecycle state, auxiliary channels (SSH pool, shell executor, managed-API
// client), and dispatch for the operation kinds every backend handles the
// same way.
package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/cloud"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/shellexec"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/sshpool"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// Base carries the state and auxiliary channels common to every backend.
// Backends embed it and implement the native channel themselves.
type Base struct {
	name     string
	settings *config.Settings

	mu      sync.RWMutex
	state   connector.ConnState
	version string
	caps    connector.Capabilities

	topo    *topology.Topology
	pool    *sshpool.Pool
	shell   *shellexec.Executor
	managed *cloud.ManagedClient
	aws     *cloud.AWSProbe
	azure   *cloud.AzureProbe

	httpClient *http.Client
}

// NewBase initializes the shared state for a backend.
func NewBase(name string, settings *config.Settings) Base {
	return Base{
		name:       name,
		settings:   settings,
		state:      connector.StateDisconnected,
		topo:       topology.New(),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name returns the backend's registry name.
func (b *Base) Name() string { return b.name }

// Settings returns the run configuration.
func (b *Base) Settings() *config.Settings { return b.settings }

// State returns the native-connection lifecycle state.
func (b *Base) State() connector.ConnState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState transitions the lifecycle state.
func (b *Base) SetState(s connector.ConnState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Version returns the target software version detected at connect time.
func (b *Base) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// SetVersion records the detected target version on the base and topology.
func (b *Base) SetVersion(v string) {
	b.mu.Lock()
	b.version = v
	b.mu.Unlock()
	b.topo.SetVersion(v)
}

// Capabilities returns the detected capability set.
func (b *Base) Capabilities() connector.Capabilities {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.caps
}

// MutateCapabilities applies fn under the lock.
func (b *Base) MutateCapabilities(fn func(*connector.Capabilities)) {
	b.mu.Lock()
	fn(&b.caps)
	b.mu.Unlock()
}

// Topology returns the discovered cluster membership.
func (b *Base) Topology() *topology.Topology { return b.topo }

// SSH returns the run's SSH pool, nil when SSH is not configured.
func (b *Base) SSH() *sshpool.Pool { return b.pool }

// Shell returns the validated shell executor, nil without SSH.
func (b *Base) Shell() *shellexec.Executor { return b.shell }

// Managed returns the managed-service API client, nil when not configured.
func (b *Base) Managed() *cloud.ManagedClient { return b.managed }

// AWS returns the CloudWatch/RDS probe, nil when no region is configured.
func (b *Base) AWS() *cloud.AWSProbe { return b.aws }

// Azure returns the Azure Monitor probe, nil when no resource is configured.
func (b *Base) Azure() *cloud.AzureProbe { return b.azure }

// ConnectAux brings the auxiliary channels up. SSH hosts that fail to connect
// are logged and excluded; a completely dead pool degrades the run rather
// than failing it. Call after the native connection succeeds.
func (b *Base) ConnectAux(ctx context.Context) {
	s := b.settings
	if s.SSHConfigured() {
		hosts := make([]sshpool.HostConfig, 0, len(s.AllSSHHosts()))
		for _, h := range s.AllSSHHosts() {
			hosts = append(hosts, sshpool.HostConfig{
				Host:              h,
				Port:              s.SSHPort,
				User:              s.SSHUser,
				KeyFile:           s.SSHKeyFile,
				Password:          s.SSHPassword,
				ConnectTimeout:    s.SSHTimeout,
				CommandTimeout:    s.SSHCommandTimeout,
				KeepaliveInterval: s.SSHKeepaliveInterval,
				StrictHostKey:     s.StrictHostKeys(),
				KnownHostsFile:    s.SSHKnownHostsFile,
			})
		}
		b.pool = sshpool.NewPool(hosts)
		connected := b.pool.ConnectAll(ctx)
		b.shell = shellexec.NewExecutor(b.pool, s.SSHAllowUnsafeCommands)
		b.MutateCapabilities(func(c *connector.Capabilities) { c.HasSSH = len(connected) > 0 })
	}
	if s.ManagedAPIURL != "" && s.ManagedClusterID != "" {
		b.managed = cloud.NewManagedClient(s)
		b.MutateCapabilities(func(c *connector.Capabilities) { c.HasCloudMetrics = true })
	}
	if s.AWSRegion != "" {
		probe, err := cloud.NewAWSProbe(ctx, s)
		if err != nil {
			log.Warnf("aws probe unavailable: %v", err)
		} else {
			b.aws = probe
			b.MutateCapabilities(func(c *connector.Capabilities) { c.HasCloudMetrics = true })
		}
	}
	if s.AzureResourceID != "" {
		probe, err := cloud.NewAzureProbe(s)
		if err != nil {
			log.Warnf("azure probe unavailable: %v", err)
		} else {
			b.azure = probe
			b.MutateCapabilities(func(c *connector.Capabilities) { c.HasCloudMetrics = true })
		}
	}
}

// BindSSHHosts maps the configured SSH hosts onto the discovered topology and
// installs the node-id resolver on the pool. Call once topology is known.
func (b *Base) BindSSHHosts(mapper topology.HostMapper) {
	if b.pool == nil {
		return
	}
	b.topo.MapSSHHosts(b.pool.Hosts(), mapper)
	b.pool.SetNodeIDResolver(func(host string) string {
		if n := b.topo.NodeForSSHHost(host); n != nil {
			return n.ID
		}
		return ""
	})
}

// CloseAux tears the auxiliary channels down. Idempotent.
func (b *Base) CloseAux() {
	if b.pool != nil {
		b.pool.CloseAll()
	}
}

// ExecShell runs a shell operation on the first connected host and parses
// its output with the registered parser for the command, falling back to raw
// lines.
func (b *Base) ExecShell(ctx context.Context, op connector.Operation) connector.Result {
	cmd, err := op.CommandString()
	if err != nil {
		return connector.ErrResult(err, "shell dispatch")
	}
	if b.shell == nil {
		return connector.ErrResultf("shell dispatch", "ssh is not configured")
	}
	hosts := b.pool.ConnectedHosts()
	if len(hosts) == 0 {
		return connector.ErrResultf("shell dispatch", "no connected ssh hosts")
	}
	stdout, stderr, code, err := b.shell.Execute(ctx, hosts[0], cmd, 0)
	if err != nil {
		return connector.ErrResult(err, fmt.Sprintf("shell on %s", hosts[0]))
	}
	if code != 0 {
		return connector.ErrResultf(fmt.Sprintf("shell on %s", hosts[0]),
			"command exited %d: %s", code, firstLine(stderr))
	}
	return b.renderShell(cmd, stdout, op.ReturnRaw)
}

// ExecShellAllNodes fans a shell operation across every connected host. Keys
// are node ids when the topology mapped the host, the raw host otherwise.
func (b *Base) ExecShellAllNodes(ctx context.Context, op connector.Operation) map[string]connector.Result {
	out := make(map[string]connector.Result)
	cmd, err := op.CommandString()
	if err != nil {
		out["_dispatch"] = connector.ErrResult(err, "shell dispatch")
		return out
	}
	if b.shell == nil {
		out["_dispatch"] = connector.ErrResultf("shell dispatch", "ssh is not configured")
		return out
	}
	for _, r := range b.shell.ExecuteAll(ctx, cmd) {
		key := r.NodeID
		if key == "" {
			key = r.Host
		}
		if !r.Success {
			out[key] = connector.ErrResultf(fmt.Sprintf("shell on %s", r.Host), "%s", r.Error)
			continue
		}
		out[key] = b.renderShell(cmd, r.Stdout, op.ReturnRaw)
	}
	return out
}

func (b *Base) renderShell(cmd, stdout string, returnRaw bool) connector.Result {
	res := connector.Result{Rendered: stdout}
	if returnRaw {
		return res
	}
	if p := shellexec.ParserFor(cmd); p != nil {
		rows, err := p(stdout)
		if err != nil {
			log.Debugf("parsing output of %q failed, returning raw lines: %v", cmd, err)
			res.Rows = shellexec.RawLines(stdout)
			return res
		}
		res.Rows = rows
		return res
	}
	res.Rows = shellexec.RawLines(stdout)
	return res
}

// ExecHTTPAPI issues a GET against the backend's HTTP surface. Command is the
// full URL; the body comes back rendered and as one row per line.
func (b *Base) ExecHTTPAPI(ctx context.Context, op connector.Operation) connector.Result {
	u, err := op.CommandString()
	if err != nil {
		return connector.ErrResult(err, "http_api dispatch")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return connector.ErrResult(err, "http_api dispatch")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return connector.ErrResult(err, "http_api request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return connector.ErrResult(err, "http_api body")
	}
	if resp.StatusCode != http.StatusOK {
		return connector.ErrResultf("http_api request", "GET %s returned %d", u, resp.StatusCode)
	}
	res := connector.Result{Rendered: string(body)}
	if !op.ReturnRaw {
		res.Rows = shellexec.RawLines(string(body))
	}
	return res
}

// Unsupported builds the standard result for an operation kind the backend
// does not implement.
func (b *Base) Unsupported(kind connector.Kind) connector.Result {
	return connector.ErrResultf("dispatch", "backend %s does not support %s operations", b.name, kind)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
