package quality

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"deedsreg/internal/models"
)

// ReportFilename is the report written into the output folder
const ReportFilename = "quality.yaml"

// Report compares the alignment before and after registration.
type Report struct {
	// Before scores the padded moving volume against the fixed volume
	Before *Metrics `yaml:"fixedVsMoving,omitempty"`

	// After scores the deformed volume against the fixed volume
	After *Metrics `yaml:"fixedVsDeformed,omitempty"`
}

// Improved reports whether registration increased the mutual information
func (r Report) Improved() bool {
	return r.Before != nil && r.After != nil && r.After.MutualInformation > r.Before.MutualInformation
}

// Evaluate builds a report. A nil moving or deformed volume leaves the
// corresponding entry empty.
func Evaluate(fixed, moving, deformed *models.Volume) (Report, error) {
	var report Report
	if moving != nil {
		m, err := Compare(fixed, moving)
		if err != nil {
			return report, fmt.Errorf("failed to compare fixed and moving: %w", err)
		}
		report.Before = &m
	}
	if deformed != nil {
		m, err := Compare(fixed, deformed)
		if err != nil {
			return report, fmt.Errorf("failed to compare fixed and deformed: %w", err)
		}
		report.After = &m
	}
	return report, nil
}

// WriteReport saves the report as YAML in dir and returns the file path.
func WriteReport(dir string, report Report) (string, error) {
	data, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal quality report: %w", err)
	}

	path := filepath.Join(dir, ReportFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write quality report: %w", err)
	}
	return path, nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (Report, error) {
	var report Report
	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("failed to read quality report: %w", err)
	}
	if err := yaml.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("failed to parse quality report: %w", err)
	}
	return report, nil
}
