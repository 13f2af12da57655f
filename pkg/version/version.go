// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package version exposes the build version, overridden at link time.
package version

var (
	// Version is the semantic version of the build.
	Version = "0.9.0-devel"
	// Commit is the VCS revision the binary was built from.
	Commit = "unknown"
)
