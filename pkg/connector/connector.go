// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package connector

import (
	"context"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/sshpool"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
)

// Capabilities are detected at connect time and steer which checks and
// collection strategies apply.
type Capabilities struct {
	// PostgreSQL.
	HasPgStatStatements bool
	HasIOTiming         bool
	// Kafka.
	IsKRaft bool
	// Auxiliary channels.
	HasSSH          bool
	HasCloudMetrics bool
}

// ConnState tracks the native-connection lifecycle.
type ConnState string

// Connection states. Reconnection is never automatic; losing the primary
// connection terminates the run.
const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateDisconnecting ConnState = "disconnecting"
)

// Connector is the single channel through which checks reach a technology.
//
// ExecuteOperation never returns a Go error for single-operation failures;
// those surface in Result.Err so the calling check can decide how to react.
// Connect fails with a connection error only when the native channel is
// unreachable; auxiliary channels (SSH, cloud) degrade with a log line.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() ConnState

	Version() string
	Capabilities() Capabilities
	Topology() *topology.Topology

	// SSH returns the run's SSH pool, or nil when SSH is not configured.
	SSH() *sshpool.Pool

	ExecuteOperation(ctx context.Context, op Operation) Result
	// ExecuteOperationAllNodes fans the operation out across the fleet and
	// returns per-node results keyed by node id (or host for unmapped SSH
	// hosts). Partial failure is expected; each entry carries its own error.
	ExecuteOperationAllNodes(ctx context.Context, op Operation) map[string]Result
}
