// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package checks defines the check contract, the finding envelope every check
// emits, the in-run accumulator, and the runner that drives them in weight
// order.
package checks

import (
	"fmt"
	"time"
)

// Status is the conclusion class of a finding.
type Status string

// Finding statuses.
const (
	StatusSuccess       Status = "success"
	StatusWarning       Status = "warning"
	StatusCritical      Status = "critical"
	StatusError         Status = "error"
	StatusSkipped       Status = "skipped"
	StatusUnavailable   Status = "unavailable"
	StatusNotApplicable Status = "not_applicable"
)

// Severity bounds. 0 is healthy, 10 is critical.
const (
	SeverityHealthy  = 0
	SeverityCritical = 10
)

// Metadata carries observability fields attached to every finding.
type Metadata struct {
	CollectionMethod string            `json:"collection_method,omitempty"`
	TimestampUTC     time.Time         `json:"timestamp_utc"`
	SourceVersions   map[string]string `json:"source_versions,omitempty"`
	NodeCount        int               `json:"broker_or_node_count,omitempty"`
}

// Finding is the machine-readable half of a check's output. Data must be a
// rooted tree of scalars, ordered sequences and string-keyed maps; the report
// encoder enforces that when the finding is serialized.
type Finding struct {
	Status           Status                 `json:"status"`
	Severity         int                    `json:"severity"`
	Message          string                 `json:"message"`
	Data             map[string]interface{} `json:"data,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	RequiredSettings []string               `json:"required_settings,omitempty"`
	Metadata         Metadata               `json:"metadata"`
}

// Validate enforces the envelope invariants.
func (f *Finding) Validate() error {
	if f.Severity < SeverityHealthy || f.Severity > SeverityCritical {
		return fmt.Errorf("finding severity %d out of range [0,10]", f.Severity)
	}
	switch f.Status {
	case StatusError:
		if f.ErrorMessage == "" {
			return fmt.Errorf("finding with status=error requires error_message")
		}
	case StatusSkipped:
		if f.Reason == "" {
			return fmt.Errorf("finding with status=skipped requires reason")
		}
	case StatusSuccess, StatusWarning, StatusCritical:
		if len(f.Data) == 0 {
			return fmt.Errorf("finding with status=%s requires non-empty data", f.Status)
		}
	case StatusUnavailable, StatusNotApplicable:
	default:
		return fmt.Errorf("unknown finding status %q", f.Status)
	}
	return nil
}

func newFinding(status Status, severity int, message string) *Finding {
	return &Finding{
		Status:   status,
		Severity: severity,
		Message:  message,
		Metadata: Metadata{TimestampUTC: time.Now().UTC()},
	}
}

// Success builds a healthy finding.
func Success(message string, data map[string]interface{}) *Finding {
	f := newFinding(StatusSuccess, SeverityHealthy, message)
	f.Data = data
	return f
}

// Warning builds a warning finding with the given severity.
func Warning(severity int, message string, data map[string]interface{}) *Finding {
	f := newFinding(StatusWarning, severity, message)
	f.Data = data
	return f
}

// Critical builds a critical finding with the given severity.
func Critical(severity int, message string, data map[string]interface{}) *Finding {
	f := newFinding(StatusCritical, severity, message)
	f.Data = data
	return f
}

// Errorf builds an error finding from a failure the check could not recover.
func Errorf(format string, args ...interface{}) *Finding {
	msg := fmt.Sprintf(format, args...)
	f := newFinding(StatusError, 5, msg)
	f.ErrorMessage = msg
	return f
}

// Skipped builds a skipped finding naming the missing prerequisites.
func Skipped(reason string, requiredSettings ...string) *Finding {
	f := newFinding(StatusSkipped, SeverityHealthy, reason)
	f.Reason = reason
	f.RequiredSettings = requiredSettings
	return f
}

// Unavailable builds a finding for a check whose data source is down.
func Unavailable(reason string) *Finding {
	f := newFinding(StatusUnavailable, SeverityHealthy, reason)
	f.Reason = reason
	return f
}

// NotApplicable builds a finding for a check that does not apply to the
// target (wrong version, missing feature).
func NotApplicable(reason string) *Finding {
	f := newFinding(StatusNotApplicable, SeverityHealthy, reason)
	f.Reason = reason
	return f
}
