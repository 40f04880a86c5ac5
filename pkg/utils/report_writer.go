/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: report_writer.go
Description: Utility for writing command results (batch outcomes, corpus reports, schedules,
triage summaries) to an output directory. Handles timestamped, kind-specific file naming,
ensures directories exist and encodes as JSON or YAML.
*/

package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported report encodings
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Encode writes v to w as JSON or YAML
func Encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// WriteReport writes result under <dir>/<kind>/ and returns the file path.
// Files are named <timestamp>_<kind>_<target>.<ext>, e.g. 2026-06-11_01-30-00_report_zlib.yaml
func WriteReport(dir, kind, target, format string, result interface{}) (string, error) {
	if format != FormatJSON && format != FormatYAML {
		return "", fmt.Errorf("unsupported format: %s", format)
	}
	reportDir := filepath.Join(dir, kind)
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	if target == "" {
		target = "all"
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filePath := filepath.Join(reportDir, fmt.Sprintf("%s_%s_%s.%s", timestamp, kind, target, format))

	f, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	if err := Encode(f, format, result); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return filePath, nil
}
