// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package valkey

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
)

func connected(t *testing.T) (*Connector, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)

	c, err := New(&config.Settings{
		Plugin: "valkey", Host: srv.Host(), Port: port, CompanyName: "Acme",
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c, srv
}

func TestConnectAndDisconnect(t *testing.T) {
	c, _ := connected(t)
	assert.Equal(t, connector.StateConnected, c.State())

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, connector.StateDisconnected, c.State())
	// Idempotent.
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectRefused(t *testing.T) {
	c, err := New(&config.Settings{Plugin: "valkey", Host: "127.0.0.1", Port: 1, CompanyName: "Acme"})
	require.NoError(t, err)
	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, connector.StateDisconnected, c.State())
}

func TestExecCommandScalar(t *testing.T) {
	c, srv := connected(t)
	srv.Set("k1", "v1")
	srv.Set("k2", "v2")

	res := c.ExecuteOperation(context.Background(), connector.Operation{
		Kind: connector.KindNative, Command: "DBSIZE",
	})
	require.True(t, res.OK(), res.Rendered)
	require.Len(t, res.Rows, 1)
	v, _ := res.Rows[0].Get("value")
	assert.Equal(t, int64(2), v)
}

func TestExecCommandString(t *testing.T) {
	c, srv := connected(t)
	srv.Set("greeting", "hello")

	res := c.ExecuteOperation(context.Background(), connector.Operation{
		Kind: connector.KindNative, Command: "GET greeting",
	})
	require.True(t, res.OK())
	require.Len(t, res.Rows, 1)
	v, _ := res.Rows[0].Get("value")
	assert.Equal(t, "hello", v)
}

func TestAdminDBSize(t *testing.T) {
	c, srv := connected(t)
	srv.Set("only", "one")

	res := c.ExecuteOperation(context.Background(), connector.Operation{
		Kind:    connector.KindAdmin,
		Command: map[string]interface{}{"operation": "dbsize"},
	})
	require.True(t, res.OK())
	keys, _ := res.Rows[0].Get("keys")
	assert.Equal(t, int64(1), keys)
}

func TestAdminUnknownOperation(t *testing.T) {
	c, _ := connected(t)
	res := c.ExecuteOperation(context.Background(), connector.Operation{
		Kind:    connector.KindAdmin,
		Command: map[string]interface{}{"operation": "flush_everything"},
	})
	assert.False(t, res.OK())
}

func TestUnsupportedKind(t *testing.T) {
	c, _ := connected(t)
	res := c.ExecuteOperation(context.Background(), connector.Operation{
		Kind: connector.KindNodetool, Command: "status",
	})
	assert.False(t, res.OK())
}

func TestParseInfo(t *testing.T) {
	raw := "# Server\r\nredis_version:7.2.4\r\nrole:master\r\n\r\n# Replication\r\nconnected_slaves:1\r\nslave0:ip=10.0.0.2,port=6379,state=online,offset=100,lag=0\r\n"
	fields := parseInfo(raw)
	assert.Equal(t, "7.2.4", fields["redis_version"])
	assert.Equal(t, "master", fields["role"])
	assert.Equal(t, "ip=10.0.0.2,port=6379,state=online,offset=100,lag=0", fields["slave0"])
	assert.NotContains(t, fields, "# Server")
}

func TestParseKVList(t *testing.T) {
	attrs := parseKVList("ip=10.0.0.2,port=6379,state=online")
	assert.Equal(t, "10.0.0.2", attrs["ip"])
	assert.Equal(t, "6379", attrs["port"])
	assert.Equal(t, "online", attrs["state"])
	assert.Empty(t, parseKVList(""))
}

func TestInfoRowsConvertsNumerics(t *testing.T) {
	rows := infoRows("uptime_in_seconds:86400\r\nrole:master\r\n")
	require.Len(t, rows, 1)
	up, _ := rows[0].Get("uptime_in_seconds")
	assert.Equal(t, 86400.0, up)
	role, _ := rows[0].Get("role")
	assert.Equal(t, "master", role)
}

func TestRenderValueShapes(t *testing.T) {
	res := renderValue("GET x", "plain", false)
	require.Len(t, res.Rows, 1)

	res = renderValue("INFO", "used_memory:1024\r\n", false)
	require.Len(t, res.Rows, 1)
	v, ok := res.Rows[0].Get("used_memory")
	require.True(t, ok)
	assert.Equal(t, 1024.0, v)

	res = renderValue("KEYS *", []interface{}{"a", "b"}, false)
	require.Len(t, res.Rows, 2)
	idx, _ := res.Rows[1].Get("index")
	assert.Equal(t, 1, idx)

	res = renderValue("GET x", "raw body", true)
	assert.Equal(t, "raw body", res.Rendered)
	assert.Empty(t, res.Rows)
}

func TestSortedKeys(t *testing.T) {
	m := map[string]string{"zeta": "", "alpha": "", "mid": ""}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, sortedKeys(m))
}
