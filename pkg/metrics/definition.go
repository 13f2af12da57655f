// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package metrics implements the adaptive metric collection framework: metric
// definitions with an ordered strategy chain, and the collector that walks
// the chain until a source yields data.
package metrics

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Method names a collection strategy.
type Method string

// Collection methods, in default trust order.
const (
	MethodManagedPrometheus Method = "managed_prometheus"
	MethodCloudMetrics      Method = "cloud_metrics"
	MethodLocalExporter     Method = "local_exporter"
	MethodJMX               Method = "jmx"
	MethodShell             Method = "shell"
	MethodNative            Method = "native"
)

// Aggregation derives cluster-level values from per-node values.
type Aggregation string

// Aggregations.
const (
	AggSum     Aggregation = "sum"
	AggAvg     Aggregation = "avg"
	AggMax     Aggregation = "max"
	AggPerNode Aggregation = "per_node"
)

// Strategy is one entry of a metric's collection chain.
type Strategy struct {
	Method Method `yaml:"method"`
	// Metric is the Prometheus family name for the prometheus-based methods,
	// or the provider metric name for cloud_metrics.
	Metric string `yaml:"metric,omitempty"`
	// Namespace and Dimension locate a CloudWatch metric; Dimension names the
	// dimension key that carries the cluster identifier. Azure ignores both.
	Namespace string `yaml:"namespace,omitempty"`
	Dimension string `yaml:"dimension,omitempty"`
	// MBean and Attribute locate a JMX value.
	MBean     string `yaml:"mbean,omitempty"`
	Attribute string `yaml:"attribute,omitempty"`
	// Command is the shell probe template; its stdout's first numeric token
	// is the value.
	Command string `yaml:"command,omitempty"`
	// Query is the native statement for the primary connection.
	Query string `yaml:"query,omitempty"`
}

// Thresholds are numeric bounds a check compares the collected value to.
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// Definition is one metric's static configuration.
type Definition struct {
	LogicalName string      `yaml:"logical_name"`
	Unit        string      `yaml:"unit,omitempty"`
	Percent     bool        `yaml:"percent,omitempty"`
	Aggregation Aggregation `yaml:"aggregation"`
	Thresholds  Thresholds  `yaml:"thresholds"`
	Strategies  []Strategy  `yaml:"strategies"`
}

// Catalog is the loaded set of metric definitions, keyed by logical name.
type Catalog struct {
	byName map[string]*Definition
}

type catalogFile struct {
	Metrics []*Definition `yaml:"metrics"`
}

// LoadCatalog reads metric definitions from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metric catalog %s: %w", path, err)
	}
	return ParseCatalog(buf)
}

// ParseCatalog decodes metric definitions from YAML bytes.
func ParseCatalog(buf []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("decoding metric catalog: %w", err)
	}
	c := &Catalog{byName: make(map[string]*Definition, len(file.Metrics))}
	for _, def := range file.Metrics {
		if def.LogicalName == "" {
			return nil, fmt.Errorf("metric catalog entry without logical_name")
		}
		if _, dup := c.byName[def.LogicalName]; dup {
			return nil, fmt.Errorf("metric %q defined twice", def.LogicalName)
		}
		if def.Aggregation == "" {
			def.Aggregation = AggSum
		}
		if len(def.Strategies) == 0 {
			return nil, fmt.Errorf("metric %q has no strategies", def.LogicalName)
		}
		c.byName[def.LogicalName] = def
	}
	return c, nil
}

// Get looks a definition up by logical name.
func (c *Catalog) Get(name string) (*Definition, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Len returns the number of defined metrics.
func (c *Catalog) Len() int { return len(c.byName) }
