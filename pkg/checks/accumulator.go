// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package checks

import (
	"fmt"
	"sync"
)

// Accumulator holds every finding of the in-progress run, keyed by check name
// with insertion order preserved. Later checks read earlier findings through
// it, and the trend writer consumes the full set at run end.
type Accumulator struct {
	mu    sync.RWMutex
	order []string
	items map[string]*Finding
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{items: make(map[string]*Finding)}
}

// Set stores a finding. Overwriting an existing entry is an engine-level
// programming error and is rejected.
func (a *Accumulator) Set(checkName string, f *Finding) error {
	if f == nil {
		return fmt.Errorf("accumulator: nil finding for check %q", checkName)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.items[checkName]; exists {
		return fmt.Errorf("accumulator: finding for check %q already recorded", checkName)
	}
	a.order = append(a.order, checkName)
	a.items[checkName] = f
	return nil
}

// Get returns the finding recorded for a check, if any.
func (a *Accumulator) Get(checkName string) (*Finding, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.items[checkName]
	return f, ok
}

// Names returns the recorded check names in insertion order.
func (a *Accumulator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// All returns the findings keyed by check name. The map is a copy; the
// findings are shared.
func (a *Accumulator) All() map[string]*Finding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*Finding, len(a.items))
	for k, v := range a.items {
		out[k] = v
	}
	return out
}

// Len returns the number of recorded findings.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}

// CountByStatus tallies findings per status class.
func (a *Accumulator) CountByStatus() map[Status]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Status]int)
	for _, f := range a.items {
		out[f.Status]++
	}
	return out
}
