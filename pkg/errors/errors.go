// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package errors defines the engine-wide error taxonomy. Each kind carries a
// distinct propagation policy: config and primary-connection errors abort the
// run, auxiliary-channel and single-operation errors are recovered locally by
// the affected check.
package errors

import (
	"errors"
	"fmt"
)

type kind int

const (
	kindConfig kind = iota
	kindConnection
	kindAuxiliaryChannel
	kindOperation
	kindTimeout
	kindPersistence
)

type engineError struct {
	kind    kind
	msg     string
	wrapped error
}

func (e *engineError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.wrapped)
	}
	return e.msg
}

func (e *engineError) Unwrap() error { return e.wrapped }

func newError(k kind, err error, format string, args ...interface{}) error {
	return &engineError{kind: k, msg: fmt.Sprintf(format, args...), wrapped: err}
}

func isKind(err error, k kind) bool {
	var e *engineError
	if errors.As(err, &e) {
		return e.kind == k
	}
	return false
}

// NewConfig reports missing or malformed configuration. Aborts before connect.
func NewConfig(format string, args ...interface{}) error {
	return newError(kindConfig, nil, format, args...)
}

// NewConnection reports an unreachable primary channel. Aborts the run.
func NewConnection(err error, format string, args ...interface{}) error {
	return newError(kindConnection, err, format, args...)
}

// NewAuxiliaryChannel reports an unreachable SSH/cloud/managed-API channel.
// Affected checks return skipped or unavailable findings.
func NewAuxiliaryChannel(err error, format string, args ...interface{}) error {
	return newError(kindAuxiliaryChannel, err, format, args...)
}

// NewOperation reports a single failed operation, surfaced in the operation
// result rather than raised.
func NewOperation(err error, format string, args ...interface{}) error {
	return newError(kindOperation, err, format, args...)
}

// NewTimeout reports an operation that exceeded its deadline.
func NewTimeout(err error, format string, args ...interface{}) error {
	return newError(kindTimeout, err, format, args...)
}

// NewPersistence reports a trend-store write failure. The run's in-memory
// findings survive; only persistence rolls back.
func NewPersistence(err error, format string, args ...interface{}) error {
	return newError(kindPersistence, err, format, args...)
}

// IsConfig checks for a configuration error.
func IsConfig(err error) bool { return isKind(err, kindConfig) }

// IsConnection checks for a primary-connection error.
func IsConnection(err error) bool { return isKind(err, kindConnection) }

// IsAuxiliaryChannel checks for an auxiliary-channel error.
func IsAuxiliaryChannel(err error) bool { return isKind(err, kindAuxiliaryChannel) }

// IsOperation checks for a single-operation error. Timeouts qualify too,
// timeout being a subtype of operation failure.
func IsOperation(err error) bool {
	return isKind(err, kindOperation) || isKind(err, kindTimeout)
}

// IsTimeout checks for a timeout error.
func IsTimeout(err error) bool { return isKind(err, kindTimeout) }

// IsPersistence checks for a trend-store persistence error.
func IsPersistence(err error) bool { return isKind(err, kindPersistence) }
