// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package shellexec validates and executes shell probes over the SSH pool and
// parses their output into structured rows.
package shellexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/sshpool"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// safeCommands is the default safelist of command names the executor will
// run. Anything else is rejected unless the unsafe opt-out is set.
var safeCommands = map[string]struct{}{
	"cat": {}, "df": {}, "du": {}, "free": {}, "find": {}, "grep": {},
	"head": {}, "hostname": {}, "lsof": {}, "ls": {}, "netstat": {},
	"nodetool": {}, "nproc": {}, "ps": {}, "redis-cli": {}, "ss": {},
	"stat": {}, "sysctl": {}, "tail": {}, "uname": {}, "uptime": {},
	"vmstat": {}, "wc": {}, "curl": {}, "java": {}, "jcmd": {}, "jstat": {},
	"ulimit": {}, "timeout": {},
}

// emptyOKCommands legitimately may produce no output; empty stdout from them
// is informational, not an error.
var emptyOKCommands = map[string]struct{}{
	"find": {}, "grep": {}, "lsof": {},
}

var dangerousTokens = []string{";", "&&", "||", "`", "$"}

// Executor routes validated shell commands to the SSH pool.
type Executor struct {
	pool        *sshpool.Pool
	allowUnsafe bool
}

// NewExecutor wraps an SSH pool. allowUnsafe disables the safelist and
// metacharacter checks; its use is logged at warning level.
func NewExecutor(pool *sshpool.Pool, allowUnsafe bool) *Executor {
	if allowUnsafe {
		log.Warnf("shell command sanitization disabled by configuration; all commands will be executed verbatim")
	}
	return &Executor{pool: pool, allowUnsafe: allowUnsafe}
}

// Pool exposes the underlying SSH pool.
func (e *Executor) Pool() *sshpool.Pool { return e.pool }

// Validate enforces the command safelist and rejects dangerous shell
// metacharacters. Pipelines are allowed as long as every stage's command name
// is safelisted.
func (e *Executor) Validate(command string) error {
	if e.allowUnsafe {
		log.Warnf("executing unsanitized command: %s", command)
		return nil
	}
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return errs.NewOperation(nil, "empty shell command")
	}
	for _, tok := range dangerousTokens {
		if strings.Contains(trimmed, tok) {
			return errs.NewOperation(nil, "command rejected: contains %q", strings.TrimSpace(tok))
		}
	}
	for _, stage := range strings.Split(trimmed, "|") {
		fields := strings.Fields(stage)
		if len(fields) == 0 {
			return errs.NewOperation(nil, "command rejected: empty pipeline stage")
		}
		name := fields[0]
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		if _, ok := safeCommands[name]; !ok {
			return errs.NewOperation(nil, "command rejected: %q is not in the safelist", name)
		}
	}
	return nil
}

// EmptyOutputOK reports whether an empty stdout from this command is
// legitimate.
func EmptyOutputOK(command string) bool {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return false
	}
	name := fields[0]
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	_, ok := emptyOKCommands[name]
	return ok
}

// Execute validates and runs a command on one host.
func (e *Executor) Execute(ctx context.Context, host, command string, timeout time.Duration) (string, string, int, error) {
	if err := e.Validate(command); err != nil {
		return "", "", -1, err
	}
	stdout, stderr, code, err := e.pool.Execute(ctx, host, command, timeout)
	if err != nil {
		return stdout, stderr, code, err
	}
	if stdout == "" && EmptyOutputOK(command) {
		log.Debugf("command %q on %s returned no output (expected for this command)", command, host)
	}
	return stdout, stderr, code, nil
}

// ExecuteAll validates once then fans the command out across all connected
// hosts. Validation failure yields one synthetic failed entry per host so the
// caller still sees full coverage.
func (e *Executor) ExecuteAll(ctx context.Context, command string) []sshpool.HostResult {
	if err := e.Validate(command); err != nil {
		hosts := e.pool.ConnectedHosts()
		out := make([]sshpool.HostResult, 0, len(hosts))
		for _, h := range hosts {
			out = append(out, sshpool.HostResult{
				Host: h, Success: false, ExitCode: -1,
				Error: fmt.Sprintf("command validation failed: %v", err),
			})
		}
		return out
	}
	return e.pool.ExecuteAll(ctx, command)
}
