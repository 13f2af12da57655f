// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package topology

import (
	"sort"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// Environment classifies where the target cluster runs.
type Environment string

// Environment classifications.
const (
	EnvManaged      Environment = "managed"
	EnvHACluster    Environment = "ha_cluster"
	EnvSelfHosted   Environment = "self_hosted"
	EnvUnclassified Environment = "unclassified"
)

// A classification requires its accumulated signal weight to reach this
// threshold; otherwise the environment stays unclassified and the engine
// treats it as self-hosted.
const classifyThreshold = 0.6

// Signal is one piece of evidence for an environment classification, e.g. a
// managed-only endpoint suffix, a characteristic replication-slot name, or a
// reachable control-plane HTTP endpoint.
type Signal struct {
	Environment Environment
	Name        string
	Weight      float64
}

// Detector accumulates weighted signals and classifies the environment.
type Detector struct {
	signals []Signal
}

// NewDetector returns an empty detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Observe records a signal. Weights are clamped to [0, 1].
func (d *Detector) Observe(env Environment, name string, weight float64) {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	d.signals = append(d.signals, Signal{Environment: env, Name: name, Weight: weight})
	log.Debugf("environment signal %s -> %s (weight %.2f)", name, env, weight)
}

// Classify sums weights per environment and returns the winner when it passes
// the threshold. Ties break in favor of managed, then HA cluster, so that the
// more specific classification wins over generic self-hosted evidence.
func (d *Detector) Classify() (Environment, float64) {
	totals := make(map[Environment]float64)
	for _, s := range d.signals {
		totals[s.Environment] += s.Weight
	}

	order := []Environment{EnvManaged, EnvHACluster, EnvSelfHosted}
	type scored struct {
		env   Environment
		total float64
	}
	var ranked []scored
	for _, env := range order {
		ranked = append(ranked, scored{env, totals[env]})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].total > ranked[j].total })

	best := ranked[0]
	if best.total < classifyThreshold {
		return EnvUnclassified, best.total
	}
	return best.env, best.total
}

// Signals returns the observed evidence, for finding metadata.
func (d *Detector) Signals() []Signal {
	out := make([]Signal, len(d.signals))
	copy(out, d.signals)
	return out
}
