// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/checks"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// FindingsDocument is the canonical on-disk form of a run's findings.
type FindingsDocument struct {
	Company       string                 `json:"company"`
	Plugin        string                 `json:"plugin"`
	Target        string                 `json:"target"`
	TargetVersion string                 `json:"target_version,omitempty"`
	GeneratedAt   string                 `json:"generated_at"`
	Findings      map[string]interface{} `json:"findings"`
	CheckOrder    []string               `json:"check_order"`
}

// WriteFindings serializes the accumulated findings to
// <dir>/findings_<company>_<timestamp>.json in canonical tree form and
// returns the path.
func WriteFindings(dir, company, plugin, target, version string, acc *checks.Accumulator) (string, error) {
	doc := FindingsDocument{
		Company:       company,
		Plugin:        plugin,
		Target:        target,
		TargetVersion: version,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Findings:      make(map[string]interface{}),
		CheckOrder:    acc.Names(),
	}

	for name, f := range acc.All() {
		data, err := Canonicalize(f.Data)
		if err != nil {
			return "", fmt.Errorf("canonicalizing data of check %s: %w", name, err)
		}
		doc.Findings[name] = map[string]interface{}{
			"status":            string(f.Status),
			"severity":          f.Severity,
			"message":           f.Message,
			"data":              data,
			"error_message":     f.ErrorMessage,
			"reason":            f.Reason,
			"required_settings": f.RequiredSettings,
			"metadata": map[string]interface{}{
				"collection_method":    f.Metadata.CollectionMethod,
				"timestamp_utc":        f.Metadata.TimestampUTC.UTC().Format(time.RFC3339),
				"source_versions":      f.Metadata.SourceVersions,
				"broker_or_node_count": f.Metadata.NodeCount,
			},
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("findings_%s_%s.json",
		sanitizeFileName(company), time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding findings: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("writing findings file: %w", err)
	}
	log.Infof("findings written to %s", path)
	return path, nil
}

// WriteReport concatenates section fragments into a plain-text report file.
// Skipped/unavailable checks get informational blocks, errors get attention
// blocks, so the report is complete regardless of failures.
func WriteReport(dir, company string, sections []checks.SectionResult, acc *checks.Accumulator) (string, error) {
	var sb strings.Builder
	for _, section := range sections {
		fmt.Fprintf(&sb, "== %s ==\n\n", section.Name)
		for _, frag := range section.Fragments {
			f, ok := acc.Get(frag.CheckName)
			if ok {
				switch f.Status {
				case checks.StatusSkipped, checks.StatusUnavailable, checks.StatusNotApplicable:
					sb.WriteString(InfoBlock(frag.CheckName, f.Reason, f.RequiredSettings))
					sb.WriteString("\n")
					continue
				case checks.StatusError:
					sb.WriteString(AttentionBlock(frag.CheckName, f.ErrorMessage))
					sb.WriteString("\n")
					continue
				}
			}
			fmt.Fprintf(&sb, "-- %s --\n", frag.CheckName)
			sb.WriteString(frag.Body)
			sb.WriteString("\n")
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("report_%s_%s.txt",
		sanitizeFileName(company), time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing report file: %w", err)
	}
	log.Infof("report written to %s", path)
	return path, nil
}

func sanitizeFileName(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
