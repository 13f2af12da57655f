// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package connector defines the uniform operation-dispatch contract through
// which checks reach a technology backend, plus the registry of available
// backend plugins.
package connector

import (
	"encoding/json"
	"fmt"
)

// Kind selects the channel an operation is routed through.
type Kind string

// Operation kinds recognised by the dispatcher. Not every backend supports
// every kind; unsupported kinds come back as operation errors, never panics.
const (
	KindNative          Kind = "native"
	KindAdmin           Kind = "admin"
	KindShell           Kind = "shell"
	KindNodetool        Kind = "nodetool"
	KindNodetoolCluster Kind = "nodetool_cluster"
	KindHTTPAPI         Kind = "http_api"
)

// Operation is a single request against a backend. Command is opaque to the
// engine; each connector interprets it for the operation's kind. Admin
// commands are small maps with an "operation" tag (decoded per backend with
// mapstructure).
type Operation struct {
	Kind      Kind
	Command   interface{}
	Params    []interface{}
	ReturnRaw bool
}

// CommandString returns Command as a string for the shell-style kinds.
func (op Operation) CommandString() (string, error) {
	s, ok := op.Command.(string)
	if !ok {
		return "", fmt.Errorf("operation kind %s requires a string command, got %T", op.Kind, op.Command)
	}
	return s, nil
}

// Row is a result row with insertion-ordered columns.
type Row struct {
	cols []string
	vals map[string]interface{}
}

// NewRow returns an empty row.
func NewRow() *Row {
	return &Row{vals: make(map[string]interface{})}
}

// Set stores a value under col, appending the column on first use.
func (r *Row) Set(col string, v interface{}) *Row {
	if _, ok := r.vals[col]; !ok {
		r.cols = append(r.cols, col)
	}
	r.vals[col] = v
	return r
}

// Get fetches the value stored under col.
func (r *Row) Get(col string) (interface{}, bool) {
	v, ok := r.vals[col]
	return v, ok
}

// Columns returns the column names in insertion order.
func (r *Row) Columns() []string {
	out := make([]string, len(r.cols))
	copy(out, r.cols)
	return out
}

// Len returns the number of columns.
func (r *Row) Len() int { return len(r.cols) }

// MarshalJSON serializes the row preserving column order.
func (r *Row) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, c := range r.cols {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.vals[c])
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	return append(buf, '}'), nil
}

// OpError is the error record attached to a failed operation result.
type OpError struct {
	Message string `json:"error"`
	Context string `json:"context,omitempty"`
}

func (e *OpError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Context)
	}
	return e.Message
}

// Result is what ExecuteOperation hands back. Exactly one of Rows or Err is
// populated on a completed call.
type Result struct {
	Rendered string
	Rows     []*Row
	Err      *OpError
}

// OK reports whether the operation produced rows rather than an error.
func (r Result) OK() bool { return r.Err == nil }

// ErrResult builds a failed Result from an error and a context tag.
func ErrResult(err error, context string) Result {
	return Result{
		Rendered: fmt.Sprintf("ERROR: %v", err),
		Err:      &OpError{Message: err.Error(), Context: context},
	}
}

// ErrResultf builds a failed Result from a format string.
func ErrResultf(context, format string, args ...interface{}) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{
		Rendered: "ERROR: " + msg,
		Err:      &OpError{Message: msg, Context: context},
	}
}
