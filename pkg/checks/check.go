// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package checks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
)

// Weight bounds. Weight-10 checks run first.
const (
	MinWeight = 1
	MaxWeight = 10
)

// PriorFindings is the read view a check gets over findings produced by
// earlier (higher-weight) checks. Stateless checks simply ignore it.
type PriorFindings interface {
	Get(checkName string) (*Finding, bool)
	Names() []string
	All() map[string]*Finding
}

// RunContext is everything a check needs: the connector to its target, the
// resolved settings, and the findings recorded so far.
type RunContext struct {
	Connector connector.Connector
	Settings  *config.Settings
	Prior     PriorFindings
}

// Check inspects one aspect of the target and emits a report fragment plus a
// finding. Checks never return a Go error for data-quality problems; they
// return warning/critical/error findings instead. Panics and engine faults
// are recovered by the runner.
type Check interface {
	// Name is the stable identifier findings are keyed by.
	Name() string
	// Weight orders execution, 10 (critical) down to 1 (cosmetic).
	Weight() int
	// Section groups checks for report layout only.
	Section() string
	Run(ctx context.Context, rc *RunContext) (string, *Finding)
}

// catalog is the per-plugin check registry. The pseudo-plugin "*" holds
// checks applicable to every technology (SSH-based system checks, the
// recommendation stub).
var (
	catalogMu sync.RWMutex
	catalog   = make(map[string][]Check)
)

// AnyPlugin registers a check for every technology.
const AnyPlugin = "*"

// Register adds a check to a plugin's catalog. Called from init functions;
// duplicate names within a plugin panic at import time.
func Register(plugin string, c Check) {
	if c.Weight() < MinWeight || c.Weight() > MaxWeight {
		panic(fmt.Sprintf("check %q has weight %d outside [%d,%d]", c.Name(), c.Weight(), MinWeight, MaxWeight))
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	for _, existing := range catalog[plugin] {
		if existing.Name() == c.Name() {
			panic(fmt.Sprintf("check %q registered twice for plugin %q", c.Name(), plugin))
		}
	}
	catalog[plugin] = append(catalog[plugin], c)
}

// ForPlugin returns the checks applicable to a plugin, in descending weight
// order; declaration order is preserved within equal weight. Plugin-specific
// checks come before AnyPlugin checks of the same weight.
func ForPlugin(plugin string) []Check {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	var out []Check
	out = append(out, catalog[plugin]...)
	out = append(out, catalog[AnyPlugin]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight() > out[j].Weight() })
	return out
}
