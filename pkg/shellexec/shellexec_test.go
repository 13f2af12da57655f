// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package shellexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSafelist(t *testing.T) {
	e := NewExecutor(nil, false)

	cases := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"plain safelisted", "df -h", false},
		{"pipeline of safelisted stages", "ps aux | grep kafka | wc -l", false},
		{"absolute path resolves to basename", "/usr/bin/free -m", false},
		{"not safelisted", "rm -rf /", true},
		{"pipeline with unsafe stage", "cat /etc/passwd | sh", true},
		{"semicolon rejected", "df -h; uptime", true},
		{"and-chain rejected", "df -h && uptime", true},
		{"backtick rejected", "cat `hostname`", true},
		{"dollar rejected", "cat $HOME/file", true},
		{"empty command", "   ", true},
		{"empty pipeline stage", "df -h | ", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := e.Validate(c.command)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUnsafeOptOut(t *testing.T) {
	e := NewExecutor(nil, true)
	assert.NoError(t, e.Validate("rm -rf /tmp/scratch; reboot"))
}

func TestEmptyOutputOK(t *testing.T) {
	assert.True(t, EmptyOutputOK("grep broken /var/log/syslog"))
	assert.True(t, EmptyOutputOK("find /data -name '*.hints'"))
	assert.False(t, EmptyOutputOK("df -h"))
}

func TestParserForMatchesBySubstring(t *testing.T) {
	assert.NotNil(t, ParserFor("nodetool status"))
	assert.NotNil(t, ParserFor("timeout 30 nodetool tpstats"))
	assert.NotNil(t, ParserFor("cat /proc/meminfo"))
	assert.Nil(t, ParserFor("uptime"))
}

func TestParseSizeToBytes(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"512M", 512 * 1 << 20},
		{"1.5G", 1.5 * (1 << 30)},
		{"2T", 2 * 1 << 40},
		{"100K", 100 * 1 << 10},
		{"256.3 GiB", 256.3 * (1 << 30)},
		{"10MB", 10e6},
		{"42B", 42},
		{"1024", 1024},
	}
	for _, c := range cases {
		got, err := ParseSizeToBytes(c.in)
		require.NoError(t, err, c.in)
		assert.InDelta(t, c.want, got, c.want*1e-9+0.001, c.in)
	}

	_, err := ParseSizeToBytes("")
	assert.Error(t, err)
	_, err = ParseSizeToBytes("-")
	assert.Error(t, err)
	_, err = ParseSizeToBytes("lots")
	assert.Error(t, err)
}

func TestParseDurationToMs(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"150ms", 150},
		{"2.5s", 2500},
		{"1m", 60000},
		{"30us", 0.03},
		{"5", 5},
	}
	for _, c := range cases {
		got, err := ParseDurationToMs(c.in)
		require.NoError(t, err, c.in)
		assert.InDelta(t, c.want, got, 1e-9, c.in)
	}
	_, err := ParseDurationToMs("fast")
	assert.Error(t, err)
}

const nodetoolStatusSample = `Datacenter: dc1
==============
Status=Up/Down
|/ State=Normal/Leaving/Joining/Moving
--  Address    Load       Tokens  Owns    Host ID                               Rack
UN  10.0.0.1   256.3 GiB  256     32.1%   a31c1b2e-0000-0000-0000-000000000001  rack1
UN  10.0.0.2   198.7 GiB  256     33.4%   a31c1b2e-0000-0000-0000-000000000002  rack2
DN  10.0.0.3   210.0 GiB  256     34.5%   a31c1b2e-0000-0000-0000-000000000003  rack3
`

func TestParseNodetoolStatus(t *testing.T) {
	rows, err := ParseNodetoolStatus(nodetoolStatusSample)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	first := rows[0]
	addr, _ := first.Get("address")
	assert.Equal(t, "10.0.0.1", addr)
	status, _ := first.Get("status")
	assert.Equal(t, "U", status)
	load, _ := first.Get("load_bytes")
	assert.InDelta(t, 256.3*(1<<30), load.(float64), 1e6)
	dc, _ := first.Get("datacenter")
	assert.Equal(t, "dc1", dc)
	rack, _ := first.Get("rack")
	assert.Equal(t, "rack1", rack)

	down := rows[2]
	status, _ = down.Get("status")
	assert.Equal(t, "D", status)

	_, err = ParseNodetoolStatus("error: connection refused")
	assert.Error(t, err)
}

const nodetoolTpstatsSample = `Pool Name                         Active   Pending      Completed   Blocked  All time blocked
ReadStage                              0         0        1091373         0                 0
MutationStage                          2         5        2304489         0                12
CompactionExecutor                     1         3          48211         0                 0

Message type           Dropped
READ                         0
MUTATION                     7
`

func TestParseNodetoolTpstats(t *testing.T) {
	rows, err := ParseNodetoolTpstats(nodetoolTpstatsSample)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	mutation := rows[1]
	name, _ := mutation.Get("pool_name")
	assert.Equal(t, "MutationStage", name)
	pending, _ := mutation.Get("pending")
	assert.Equal(t, 5.0, pending)
	blocked, _ := mutation.Get("all_time_blocked")
	assert.Equal(t, 12.0, blocked)
}

const freeMSample = `              total        used        free      shared  buff/cache   available
Mem:          15886        9120         642         210        6123        6230
Swap:          2047           0        2047
`

func TestParseFreeM(t *testing.T) {
	rows, err := ParseFreeM(freeMSample)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	mem := rows[0]
	kind, _ := mem.Get("kind")
	assert.Equal(t, "Mem", kind)
	total, _ := mem.Get("total_bytes")
	assert.InDelta(t, 15886*1024*1024, total.(float64), 1)
	avail, _ := mem.Get("available_bytes")
	assert.InDelta(t, 6230*1024*1024, avail.(float64), 1)

	swap := rows[1]
	kind, _ = swap.Get("kind")
	assert.Equal(t, "Swap", kind)

	_, err = ParseFreeM("free: command not found")
	assert.Error(t, err)
}

const dfHSample = `Filesystem      Size  Used Avail Use% Mounted on
/dev/nvme0n1p1  500G  380G  120G  76% /
tmpfs           7.8G     0  7.8G   0% /dev/shm
/dev/nvme1n1    1.8T  1.5T  300G  84% /var/lib/data
`

func TestParseDfH(t *testing.T) {
	rows, err := ParseDfH(dfHSample)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	root := rows[0]
	fs, _ := root.Get("filesystem")
	assert.Equal(t, "/dev/nvme0n1p1", fs)
	pct, _ := root.Get("use_percent")
	assert.Equal(t, 76.0, pct)
	mount, _ := root.Get("mounted_on")
	assert.Equal(t, "/", mount)
	size, _ := root.Get("size_bytes")
	assert.InDelta(t, 500*float64(1<<30), size.(float64), 1)
}

func TestParseProcMeminfo(t *testing.T) {
	sample := "MemTotal:       16267364 kB\nMemAvailable:    6380212 kB\nHugePages_Total:       0\n"
	rows, err := ParseProcMeminfo(sample)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	total, ok := rows[0].Get("MemTotal")
	require.True(t, ok)
	assert.InDelta(t, 16267364*1024, total.(float64), 1)
	huge, ok := rows[0].Get("HugePages_Total")
	require.True(t, ok)
	assert.Equal(t, 0.0, huge)
}

func TestParseRedisInfo(t *testing.T) {
	sample := "# Server\r\nredis_version:7.2.4\r\nuptime_in_seconds:86400\r\nrole:master\r\n"
	rows, err := ParseRedisInfo(sample)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	up, _ := rows[0].Get("uptime_in_seconds")
	assert.Equal(t, 86400.0, up)
	role, _ := rows[0].Get("role")
	assert.Equal(t, "master", role)
}

func TestRawLines(t *testing.T) {
	rows := RawLines("first\n\nsecond\n")
	require.Len(t, rows, 2)
	l, _ := rows[0].Get("line")
	assert.Equal(t, "first", l)
}
