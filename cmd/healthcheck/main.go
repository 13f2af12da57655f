// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package main is the healthcheck command line entry point.
package main

import (
	"os"

	"github.com/xtpclark/pg-healthcheck2-sub001/cmd/healthcheck/command"
)

func main() {
	os.Exit(command.Execute())
}
