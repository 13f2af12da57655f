// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
)

// Factory builds a connector for the configured target.
type Factory func(settings *config.Settings) (Connector, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a plugin factory to the catalog. Plugins call this from their
// init function; duplicate names panic early, at import time.
func Register(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("connector: plugin %q registered twice", name))
	}
	factories[name] = f
}

// New instantiates the connector for the named plugin.
func New(name string, settings *config.Settings) (Connector, error) {
	factoryMu.RLock()
	f, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector: unknown plugin %q (available: %v)", name, Available())
	}
	return f(settings)
}

// Available lists the registered plugin names, sorted.
func Available() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
