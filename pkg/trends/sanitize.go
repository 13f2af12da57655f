// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package trends persists runs, findings and extracted metrics in a
// relational schema (one schema per tenant) and answers retrospective trend
// queries.
package trends

import "strings"

// maxIdentifierLen is PostgreSQL's identifier limit.
const maxIdentifierLen = 63

// SanitizeSchemaName normalizes a tenant name into a safe SQL schema
// identifier: lowercase, non-alphanumerics collapsed to single underscores,
// truncated to the backend limit. The function is deterministic and
// idempotent; the sanitized form is the one persisted and used everywhere
// downstream.
func SanitizeSchemaName(tenant string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(tenant) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(sb.String(), "_")
	if out == "" {
		out = "tenant"
	}
	// Identifiers must not start with a digit.
	if out[0] >= '0' && out[0] <= '9' {
		out = "t_" + out
	}
	if len(out) > maxIdentifierLen {
		out = strings.TrimRight(out[:maxIdentifierLen], "_")
	}
	return out
}
