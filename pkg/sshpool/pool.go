// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package sshpool manages one SSH session per configured host for the
// duration of a run, with keepalive, strict host-key policy, and parallel
// command fan-out.
package sshpool

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// HostConfig describes one SSH target.
type HostConfig struct {
	Host              string
	Port              int
	User              string
	KeyFile           string
	Password          string
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	KeepaliveInterval time.Duration
	StrictHostKey     bool
	KnownHostsFile    string
}

// HostResult is one entry of a fan-out result set.
type HostResult struct {
	Host     string `json:"host"`
	NodeID   string `json:"node_id,omitempty"`
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// NodeIDResolver maps an SSH host to its cluster identity for fan-out
// results. Installed by the connector once topology is known.
type NodeIDResolver func(host string) string

type manager struct {
	cfg    HostConfig
	mu     sync.Mutex
	client *ssh.Client
	stop   chan struct{}
}

// Pool holds one manager per configured host.
type Pool struct {
	mu       sync.RWMutex
	order    []string
	managers map[string]*manager
	resolver NodeIDResolver
}

// NewPool builds (but does not open) a manager per host.
func NewPool(hosts []HostConfig) *Pool {
	p := &Pool{managers: make(map[string]*manager, len(hosts))}
	for _, h := range hosts {
		if _, dup := p.managers[h.Host]; dup {
			continue
		}
		if h.Port == 0 {
			h.Port = 22
		}
		p.order = append(p.order, h.Host)
		p.managers[h.Host] = &manager{cfg: h}
	}
	return p
}

// SetNodeIDResolver installs the host-to-node-identity mapping used to
// annotate fan-out results.
func (p *Pool) SetNodeIDResolver(r NodeIDResolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolver = r
}

// Hosts returns the configured hosts in declaration order.
func (p *Pool) Hosts() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// ConnectedHosts returns the hosts with a live session, in declaration order.
func (p *Pool) ConnectedHosts() []string {
	var out []string
	for _, h := range p.order {
		m := p.managers[h]
		m.mu.Lock()
		alive := m.client != nil
		m.mu.Unlock()
		if alive {
			out = append(out, h)
		}
	}
	return out
}

// ConnectAll attempts to open every host's session in parallel and returns
// the hosts that connected. Per-host failures are logged, not returned.
func (p *Pool) ConnectAll(ctx context.Context) []string {
	var g errgroup.Group
	for _, h := range p.order {
		m := p.managers[h]
		g.Go(func() error {
			if err := m.connect(ctx); err != nil {
				log.Warnf("ssh connect to %s failed: %v", m.cfg.Host, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	ok := p.ConnectedHosts()
	log.Infof("ssh pool: %d/%d hosts connected", len(ok), len(p.order))
	return ok
}

func (m *manager) connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}

	auth, err := m.authMethods()
	if err != nil {
		return err
	}
	hostKeyCallback, err := m.hostKeyCallback()
	if err != nil {
		return err
	}

	cc := &ssh.ClientConfig{
		User:            m.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         m.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))
	dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout, KeepAlive: m.cfg.KeepaliveInterval}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errs.NewAuxiliaryChannel(err, "dialing %s", addr)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		conn.Close()
		return errs.NewAuxiliaryChannel(err, "ssh handshake with %s", addr)
	}
	m.client = ssh.NewClient(c, chans, reqs)
	m.stop = make(chan struct{})
	go m.keepalive()
	log.Debugf("ssh session established with %s", addr)
	return nil
}

func (m *manager) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if m.cfg.KeyFile != "" {
		key, err := os.ReadFile(m.cfg.KeyFile)
		if err != nil {
			return nil, errs.NewAuxiliaryChannel(err, "reading ssh key %s", m.cfg.KeyFile)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errs.NewAuxiliaryChannel(err, "parsing ssh key %s", m.cfg.KeyFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if m.cfg.Password != "" {
		methods = append(methods, ssh.Password(m.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errs.NewConfig("ssh host %s has neither key file nor password", m.cfg.Host)
	}
	return methods, nil
}

func (m *manager) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !m.cfg.StrictHostKey {
		// Explicit opt-out. Warn on every connection so the relaxed policy
		// stays visible in the logs.
		log.Warnf("ssh host-key verification disabled for %s; connections are vulnerable to MITM", m.cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}
	path := m.cfg.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errs.NewConfig("strict host-key checking needs a known_hosts file: %v", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, errs.NewConfig("loading known_hosts %s: %v", path, err)
	}
	return cb, nil
}

// keepalive sends an SSH-level keepalive on the configured interval until the
// session closes, preventing idle-timeout drops during long runs.
func (m *manager) keepalive() {
	interval := m.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.mu.Lock()
			c := m.client
			m.mu.Unlock()
			if c == nil {
				return
			}
			if _, _, err := c.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warnf("ssh keepalive to %s failed: %v", m.cfg.Host, err)
				return
			}
		}
	}
}

// Execute runs a command on a specific host. The timeout bounds the command;
// zero falls back to the host's configured command timeout.
func (p *Pool) Execute(ctx context.Context, host, command string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	p.mu.RLock()
	m, ok := p.managers[host]
	p.mu.RUnlock()
	if !ok {
		return "", "", -1, errs.NewAuxiliaryChannel(nil, "ssh host %s is not configured", host)
	}
	return m.execute(ctx, command, timeout)
}

func (m *manager) execute(ctx context.Context, command string, timeout time.Duration) (string, string, int, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return "", "", -1, errs.NewConnection(nil, "ssh session to %s is not alive", m.cfg.Host)
	}
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, errs.NewAuxiliaryChannel(err, "opening ssh session on %s", m.cfg.Host)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err = <-done:
	case <-timer:
		_ = session.Signal(ssh.SIGKILL)
		return outBuf.String(), errBuf.String(), -1,
			errs.NewTimeout(nil, "command on %s exceeded %s", m.cfg.Host, timeout)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return outBuf.String(), errBuf.String(), -1,
			errs.NewTimeout(ctx.Err(), "command on %s canceled", m.cfg.Host)
	}

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*ssh.ExitError); ok {
			exitCode = ee.ExitStatus()
			err = nil // non-zero exit is a result, not a transport failure
		} else {
			return outBuf.String(), errBuf.String(), -1,
				errs.NewOperation(err, "running command on %s", m.cfg.Host)
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// ExecuteAll fans a command out across all connected hosts in parallel. It
// never returns an error; per-host failures become entries with
// Success=false. Every connected host appears exactly once.
func (p *Pool) ExecuteAll(ctx context.Context, command string) []HostResult {
	hosts := p.ConnectedHosts()
	results := make([]HostResult, len(hosts))

	var g errgroup.Group
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			out, errOut, code, err := p.Execute(ctx, h, command, 0)
			r := HostResult{Host: h, Stdout: out, Stderr: errOut, ExitCode: code}
			if err != nil {
				r.Success = false
				r.Error = err.Error()
			} else {
				r.Success = code == 0
				if code != 0 {
					r.Error = fmt.Sprintf("exit code %d", code)
				}
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	p.mu.RLock()
	resolver := p.resolver
	p.mu.RUnlock()
	if resolver != nil {
		for i := range results {
			results[i].NodeID = resolver(results[i].Host)
		}
	}
	return results
}

// CloseAll tears down every session. Idempotent.
func (p *Pool) CloseAll() {
	for _, h := range p.order {
		m := p.managers[h]
		m.mu.Lock()
		if m.client != nil {
			close(m.stop)
			if err := m.client.Close(); err != nil {
				log.Debugf("closing ssh session to %s: %v", h, err)
			}
			m.client = nil
		}
		m.mu.Unlock()
	}
}
