// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package shellexec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
)

// Parser converts raw stdout into structured rows.
type Parser func(stdout string) ([]*connector.Row, error)

var parsers = map[string]Parser{
	"nodetool status":  ParseNodetoolStatus,
	"nodetool tpstats": ParseNodetoolTpstats,
	"free -m":          ParseFreeM,
	"df -h":            ParseDfH,
	"/proc/meminfo":    ParseProcMeminfo,
	"redis-cli info":   ParseRedisInfo,
}

// ParserFor returns the registered parser whose key is a prefix of the
// command, or nil when the output should be returned as raw lines.
func ParserFor(command string) Parser {
	for key, p := range parsers {
		if strings.Contains(command, key) {
			return p
		}
	}
	return nil
}

// RegisterParser adds or replaces a parser for commands containing key.
func RegisterParser(key string, p Parser) {
	parsers[key] = p
}

// ParseSizeToBytes normalizes human size strings (512M, 1.5G, 2T, 100K, plain
// bytes) to a byte count.
func ParseSizeToBytes(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, fmt.Errorf("empty size string")
	}
	mult := 1.0
	suffixes := []struct {
		tag string
		mul float64
	}{
		{"TiB", 1 << 40}, {"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"TB", 1e12}, {"GB", 1e9}, {"MB", 1e6}, {"KB", 1e3},
		{"T", 1 << 40}, {"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
		{"B", 1},
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf.tag) {
			mult = suf.mul
			s = strings.TrimSuffix(s, suf.tag)
			break
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing size %q: %w", s, err)
	}
	return v * mult, nil
}

// ParseDurationToMs normalizes duration strings (150ms, 2.5s, 1m, 30us) to
// milliseconds.
func ParseDurationToMs(s string) (float64, error) {
	s = strings.TrimSpace(s)
	suffixes := []struct {
		tag string
		mul float64
	}{
		{"ms", 1}, {"us", 0.001}, {"µs", 0.001}, {"ns", 1e-6},
		{"s", 1000}, {"m", 60000}, {"h", 3600000},
	}
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf.tag) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, suf.tag), 64)
			if err != nil {
				return 0, fmt.Errorf("parsing duration %q: %w", s, err)
			}
			return v * suf.mul, nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	return v, nil
}

// ParseNodetoolStatus parses `nodetool status` into one row per node with
// normalized load bytes.
//
// Expected shape:
//
//	Datacenter: dc1
//	==============
//	Status=Up/Down || State=Normal/Leaving/Joining/Moving
//	--  Address        Load       Tokens  Owns   Host ID    Rack
//	UN  10.0.0.1       256.3 GiB  256     32.1%  uuid-1     rack1
func ParseNodetoolStatus(stdout string) ([]*connector.Row, error) {
	var rows []*connector.Row
	datacenter := ""
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Datacenter:") {
			datacenter = strings.TrimSpace(strings.TrimPrefix(line, "Datacenter:"))
			continue
		}
		if len(line) < 2 {
			continue
		}
		status, state := line[0], line[1]
		if (status != 'U' && status != 'D') || !strings.ContainsRune("NLJM", rune(state)) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		// Load is two tokens: value + unit.
		loadBytes, err := ParseSizeToBytes(fields[2] + fields[3])
		if err != nil {
			loadBytes = 0
		}
		row := connector.NewRow().
			Set("address", fields[1]).
			Set("status", string(status)).
			Set("state", string(state)).
			Set("load_bytes", loadBytes).
			Set("tokens", fields[4]).
			Set("owns", strings.TrimSuffix(fields[5], "%")).
			Set("host_id", fields[6]).
			Set("datacenter", datacenter)
		if len(fields) > 7 {
			row.Set("rack", fields[7])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("nodetool status: no node lines recognized")
	}
	return rows, nil
}

// ParseNodetoolTpstats parses `nodetool tpstats` thread-pool lines into rows.
func ParseNodetoolTpstats(stdout string) ([]*connector.Row, error) {
	var rows []*connector.Row
	inPools := false
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, " \r")
		if strings.HasPrefix(line, "Pool Name") {
			inPools = true
			continue
		}
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "Message type") {
			inPools = false
			continue
		}
		if !inPools {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		row := connector.NewRow().Set("pool_name", fields[0])
		cols := []string{"active", "pending", "completed", "blocked", "all_time_blocked"}
		ok := true
		for i, col := range cols {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				ok = false
				break
			}
			row.Set(col, v)
		}
		if ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("nodetool tpstats: no pool lines recognized")
	}
	return rows, nil
}

// ParseFreeM parses `free -m` into one row per memory line with byte values.
func ParseFreeM(stdout string) ([]*connector.Row, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("free -m: unexpected output")
	}
	header := strings.Fields(lines[0])
	var rows []*connector.Row
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		row := connector.NewRow().Set("kind", strings.TrimSuffix(fields[0], ":"))
		for i, v := range fields[1:] {
			if i >= len(header) {
				break
			}
			mb, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			row.Set(header[i]+"_bytes", mb*1024*1024)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("free -m: no memory lines recognized")
	}
	return rows, nil
}

// ParseDfH parses `df -h` into one row per filesystem with normalized bytes.
func ParseDfH(stdout string) ([]*connector.Row, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("df -h: unexpected output")
	}
	var rows []*connector.Row
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		size, err1 := ParseSizeToBytes(fields[1])
		used, err2 := ParseSizeToBytes(fields[2])
		avail, err3 := ParseSizeToBytes(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		pct, _ := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
		rows = append(rows, connector.NewRow().
			Set("filesystem", fields[0]).
			Set("size_bytes", size).
			Set("used_bytes", used).
			Set("available_bytes", avail).
			Set("use_percent", pct).
			Set("mounted_on", fields[5]))
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("df -h: no filesystem lines recognized")
	}
	return rows, nil
}

// ParseProcMeminfo parses /proc/meminfo into a single attribute row with byte
// values.
func ParseProcMeminfo(stdout string) ([]*connector.Row, error) {
	row := connector.NewRow()
	for _, line := range strings.Split(stdout, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		if len(fields) > 1 && strings.EqualFold(fields[1], "kB") {
			v *= 1024
		}
		row.Set(key, v)
	}
	if row.Len() == 0 {
		return nil, fmt.Errorf("/proc/meminfo: no attributes recognized")
	}
	return []*connector.Row{row}, nil
}

// ParseRedisInfo parses `redis-cli info` (or the INFO command reply) into a
// single attribute row. Numeric values are converted; the rest stay strings.
func ParseRedisInfo(stdout string) ([]*connector.Row, error) {
	row := connector.NewRow()
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			row.Set(parts[0], v)
		} else {
			row.Set(parts[0], parts[1])
		}
	}
	if row.Len() == 0 {
		return nil, fmt.Errorf("redis info: no attributes recognized")
	}
	return []*connector.Row{row}, nil
}

// RawLines returns stdout as one row per non-empty line, for commands without
// a dedicated parser.
func RawLines(stdout string) []*connector.Row {
	var rows []*connector.Row
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, connector.NewRow().Set("line", line))
	}
	return rows
}
