// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package report renders operation rows into report fragments and writes the
// canonical findings tree to disk.
package report

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
)

// RenderRows produces the stable tabular representation of a result set.
// Column order follows the first row; rows keep their sequence. This is the
// only place the engine turns rows into report text.
func RenderRows(rows []*connector.Row) string {
	if len(rows) == 0 {
		return "(no rows)\n"
	}

	headers := rows[0].Columns()
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader(headers)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetColumnSeparator("|")

	for _, row := range rows {
		cells := make([]string, len(headers))
		for i, col := range headers {
			v, ok := row.Get(col)
			if !ok {
				cells[i] = ""
				continue
			}
			cells[i] = formatCell(v)
		}
		table.Append(cells)
	}
	table.Render()
	return sb.String()
}

func formatCell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%.2f", t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// RenderScalar produces a one-line fragment for a single named value.
func RenderScalar(name string, value interface{}) string {
	return fmt.Sprintf("%s: %s\n", name, formatCell(value))
}

// InfoBlock renders the informational block emitted for skipped and
// unavailable checks, naming the missing prerequisite.
func InfoBlock(checkName, reason string, requiredSettings []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "NOTE [%s]: %s\n", checkName, reason)
	if len(requiredSettings) > 0 {
		fmt.Fprintf(&sb, "Required settings: %s\n", strings.Join(requiredSettings, ", "))
	}
	return sb.String()
}

// AttentionBlock renders the attention block emitted for error checks.
func AttentionBlock(checkName, errorMessage string) string {
	return fmt.Sprintf("ATTENTION [%s]: %s\n", checkName, errorMessage)
}
