// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package recommend aggregates the run's findings into a prioritized
// recommendation summary. It runs last (weight 1) so every other finding is
// visible through the prior-findings view.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
)

func init() {
	checks.Register(checks.AnyPlugin, &runRecommendation{})
}

type runRecommendation struct{}

func (*runRecommendation) Name() string    { return "run_recommendation" }
func (*runRecommendation) Weight() int     { return 1 }
func (*runRecommendation) Section() string { return "summary" }

type issue struct {
	check    string
	severity int
	status   checks.Status
	message  string
}

func (c *runRecommendation) Run(ctx context.Context, rc *checks.RunContext) (string, *checks.Finding) {
	counts := make(map[checks.Status]int)
	var issues []issue
	for _, name := range rc.Prior.Names() {
		f, _ := rc.Prior.Get(name)
		counts[f.Status]++
		if f.Status == checks.StatusWarning || f.Status == checks.StatusCritical {
			issues = append(issues, issue{check: name, severity: f.Severity, status: f.Status, message: f.Message})
		}
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].severity > issues[j].severity })

	var actions []interface{}
	var sb strings.Builder
	sb.WriteString("Run summary:\n")
	fmt.Fprintf(&sb, "  %d ok, %d warning, %d critical, %d error, %d skipped\n",
		counts[checks.StatusSuccess], counts[checks.StatusWarning],
		counts[checks.StatusCritical], counts[checks.StatusError], counts[checks.StatusSkipped])
	if len(issues) > 0 {
		sb.WriteString("Attention, highest severity first:\n")
		for _, is := range issues {
			fmt.Fprintf(&sb, "  [%d] %s: %s\n", is.severity, is.check, is.message)
			actions = append(actions, map[string]interface{}{
				"check":    is.check,
				"severity": is.severity,
				"status":   string(is.status),
				"message":  is.message,
			})
		}
	}

	data := map[string]interface{}{
		"checks_total":    len(rc.Prior.Names()),
		"count_success":   counts[checks.StatusSuccess],
		"count_warning":   counts[checks.StatusWarning],
		"count_critical":  counts[checks.StatusCritical],
		"count_error":     counts[checks.StatusError],
		"count_skipped":   counts[checks.StatusSkipped],
		"recommendations": actions,
	}

	msg := "no issues require attention"
	if len(issues) > 0 {
		msg = fmt.Sprintf("%d findings require attention", len(issues))
	}
	return sb.String(), checks.Success(msg, data)
}
