// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package connectortest provides a scriptable connector for check and
// engine tests.
package connectortest

import (
	"context"
	"fmt"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/sshpool"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
)

// Fake is a connector whose operation results are scripted by the test.
// Results are keyed by the operation's command string (or the admin
// payload's operation tag).
type Fake struct {
	PluginName  string
	Ver         string
	Caps        connector.Capabilities
	Topo        *topology.Topology
	Pool        *sshpool.Pool
	Results     map[string]connector.Result
	NodeResults map[string]map[string]connector.Result

	Ops []connector.Operation
}

// NewFake returns a fake with an empty topology and no scripted results.
func NewFake(name string) *Fake {
	return &Fake{
		PluginName:  name,
		Topo:        topology.New(),
		Results:     make(map[string]connector.Result),
		NodeResults: make(map[string]map[string]connector.Result),
	}
}

// Script registers the result returned for a command key.
func (f *Fake) Script(key string, res connector.Result) {
	f.Results[key] = res
}

// ScriptAllNodes registers the per-node result set for a command key.
func (f *Fake) ScriptAllNodes(key string, res map[string]connector.Result) {
	f.NodeResults[key] = res
}

func (f *Fake) Name() string                            { return f.PluginName }
func (f *Fake) Connect(ctx context.Context) error       { return nil }
func (f *Fake) Disconnect(ctx context.Context) error    { return nil }
func (f *Fake) State() connector.ConnState              { return connector.StateConnected }
func (f *Fake) Version() string                         { return f.Ver }
func (f *Fake) Capabilities() connector.Capabilities    { return f.Caps }
func (f *Fake) Topology() *topology.Topology            { return f.Topo }
func (f *Fake) SSH() *sshpool.Pool                      { return f.Pool }

func opKey(op connector.Operation) string {
	if s, ok := op.Command.(string); ok {
		return s
	}
	if m, ok := op.Command.(map[string]interface{}); ok {
		if tag, ok := m["operation"].(string); ok {
			return tag
		}
	}
	return fmt.Sprintf("%v", op.Command)
}

// ExecuteOperation returns the scripted result for the operation's key, or
// an error result when nothing was scripted.
func (f *Fake) ExecuteOperation(ctx context.Context, op connector.Operation) connector.Result {
	f.Ops = append(f.Ops, op)
	key := opKey(op)
	if res, ok := f.Results[key]; ok {
		return res
	}
	return connector.ErrResultf("fake", "no scripted result for %q", key)
}

// ExecuteOperationAllNodes returns the scripted per-node results for the key.
func (f *Fake) ExecuteOperationAllNodes(ctx context.Context, op connector.Operation) map[string]connector.Result {
	f.Ops = append(f.Ops, op)
	key := opKey(op)
	if res, ok := f.NodeResults[key]; ok {
		return res
	}
	return map[string]connector.Result{
		"_dispatch": connector.ErrResultf("fake", "no scripted per-node result for %q", key),
	}
}
