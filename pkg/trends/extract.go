// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package trends

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/shopspring/decimal"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// Extractor maps one field of one check's data payload to a named trend
// metric. Field is a dotted path into the finding's data tree; intermediate
// segments must be maps.
type Extractor struct {
	Check       string `yaml:"check"`
	Field       string `yaml:"field"`
	Metric      string `yaml:"metric"`
	Unit        string `yaml:"unit,omitempty"`
	Category    string `yaml:"category,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// ExtractedMetric is one numeric value pulled out of a run's findings.
type ExtractedMetric struct {
	Name        string
	Value       float64
	Unit        string
	Category    string
	Description string
}

type extractorFile struct {
	Extractors []Extractor `yaml:"extractors"`
}

// LoadExtractors reads the extractor table from a YAML file. A missing path
// returns the built-in defaults.
func LoadExtractors(path string) ([]Extractor, error) {
	if path == "" {
		return DefaultExtractors(), nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extractor table %s: %w", path, err)
	}
	return ParseExtractors(buf)
}

// ParseExtractors decodes the extractor table from YAML bytes.
func ParseExtractors(buf []byte) ([]Extractor, error) {
	var file extractorFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("decoding extractor table: %w", err)
	}
	for i, e := range file.Extractors {
		if e.Check == "" || e.Field == "" || e.Metric == "" {
			return nil, fmt.Errorf("extractor %d: check, field and metric are required", i)
		}
	}
	return file.Extractors, nil
}

// DefaultExtractors covers the stock checks shipped with the engine.
func DefaultExtractors() []Extractor {
	return []Extractor{
		{Check: "active_connections", Field: "total_connections", Metric: "active_connections", Unit: "connections", Category: "capacity", Description: "Total backend connections"},
		{Check: "cache_hit_ratio", Field: "cache_hit_ratio", Metric: "cache_hit_ratio", Unit: "percent", Category: "performance", Description: "Buffer cache hit ratio"},
		{Check: "replication_status", Field: "max_lag_bytes", Metric: "replication_lag_bytes", Unit: "bytes", Category: "replication", Description: "Largest standby lag"},
		{Check: "under_replicated_partitions", Field: "total_urp", Metric: "under_replicated_partitions", Unit: "partitions", Category: "replication", Description: "Cluster-wide under-replicated partitions"},
		{Check: "consumer_group_lag", Field: "total_lag", Metric: "consumer_group_lag", Unit: "messages", Category: "throughput", Description: "Summed consumer group lag"},
		{Check: "file_descriptors", Field: "max_used_percent", Metric: "fd_used_percent", Unit: "percent", Category: "capacity", Description: "Worst-node file descriptor usage"},
		{Check: "memory_usage", Field: "max_used_percent", Metric: "memory_used_percent", Unit: "percent", Category: "capacity", Description: "Worst-node memory usage"},
		{Check: "disk_usage", Field: "max_used_percent", Metric: "disk_used_percent", Unit: "percent", Category: "capacity", Description: "Worst-node disk usage"},
	}
}

// ExtractMetrics walks the extractor table against the run's findings.
// Missing checks, missing fields and non-numeric values are skipped with a
// debug log line; extraction never fails a run.
func ExtractMetrics(extractors []Extractor, acc *checks.Accumulator) []ExtractedMetric {
	var out []ExtractedMetric
	for _, ex := range extractors {
		f, ok := acc.Get(ex.Check)
		if !ok || len(f.Data) == 0 {
			continue
		}
		raw, ok := lookupPath(f.Data, ex.Field)
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			log.Debugf("extractor %s.%s: value %T is not numeric", ex.Check, ex.Field, raw)
			continue
		}
		out = append(out, ExtractedMetric{
			Name:        ex.Metric,
			Value:       v,
			Unit:        ex.Unit,
			Category:    ex.Category,
			Description: ex.Description,
		})
	}
	return out
}

func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = data
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case decimal.Decimal:
		f, _ := t.Float64()
		return f, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
