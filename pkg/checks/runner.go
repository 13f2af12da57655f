// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package checks

import (
	"context"
	"fmt"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// SectionResult is one report section: its name and the fragments produced by
// the checks grouped under it, in execution order.
type SectionResult struct {
	Name      string
	Fragments []Fragment
}

// Fragment pairs a check with its rendered report text.
type Fragment struct {
	CheckName string
	Body      string
}

// Runner executes checks one at a time in weight order, capturing findings in
// the accumulator. Checks are never run in parallel: findings of weight-K
// checks must be visible to weight-(K-1) checks.
type Runner struct {
	acc *Accumulator
}

// NewRunner wraps an accumulator.
func NewRunner(acc *Accumulator) *Runner {
	return &Runner{acc: acc}
}

// Accumulator returns the runner's accumulator.
func (r *Runner) Accumulator() *Accumulator { return r.acc }

// RunAll drives every check, grouped into report sections. The returned error
// reports engine-level faults (accumulator misuse, canceled run); individual
// check failures are captured as error findings and never abort the run.
func (r *Runner) RunAll(ctx context.Context, checkList []Check, rc *RunContext) ([]SectionResult, error) {
	var sections []SectionResult
	sectionIdx := make(map[string]int)

	for _, c := range checkList {
		if err := ctx.Err(); err != nil {
			return sections, fmt.Errorf("run canceled before check %s: %w", c.Name(), err)
		}

		fragment, finding := r.runOne(ctx, c, rc)
		if finding == nil {
			finding = Errorf("check %s returned no finding", c.Name())
		}
		if err := finding.Validate(); err != nil {
			log.Errorf("check %s emitted an invalid finding: %v", c.Name(), err)
			finding = Errorf("check %s emitted an invalid finding: %v", c.Name(), err)
		}
		if err := r.acc.Set(c.Name(), finding); err != nil {
			// Duplicate findings are an engine bug, not a target problem.
			return sections, err
		}

		name := c.Section()
		if name == "" {
			name = "general"
		}
		idx, ok := sectionIdx[name]
		if !ok {
			sections = append(sections, SectionResult{Name: name})
			idx = len(sections) - 1
			sectionIdx[name] = idx
		}
		sections[idx].Fragments = append(sections[idx].Fragments, Fragment{CheckName: c.Name(), Body: fragment})

		log.Infof("check %s finished: status=%s severity=%d", c.Name(), finding.Status, finding.Severity)
	}
	return sections, nil
}

// runOne invokes a single check, converting panics and engine-level errors
// into error findings so one misbehaving check cannot abort the run.
func (r *Runner) runOne(ctx context.Context, c Check, rc *RunContext) (fragment string, finding *Finding) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("check %s panicked: %v", c.Name(), rec)
			fragment = ""
			finding = Errorf("check panicked: %v", rec)
		}
	}()
	return c.Run(ctx, rc)
}
