// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Reporter collects scenario outcomes and optionally writes them as JSON
type Reporter struct {
	outputFile string
	logger     *slog.Logger

	mu      sync.Mutex
	reports []*ScenarioReport
}

// NewReporter creates a reporter. An empty outputFile disables the file.
func NewReporter(outputFile string, logger *slog.Logger) *Reporter {
	return &Reporter{outputFile: outputFile, logger: logger}
}

// ScenarioReport is the outcome of one scenario
type ScenarioReport struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// FinalReport is the file written by Close
type FinalReport struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	TotalScenarios int               `json:"total_scenarios"`
	SuccessfulRuns int               `json:"successful_runs"`
	FailedRuns     int               `json:"failed_runs"`
	TotalDuration  time.Duration     `json:"total_duration"`
	Scenarios      []*ScenarioReport `json:"scenarios"`
}

// StartScenario starts tracking a scenario
func (r *Reporter) StartScenario(name, description string) *ScenarioReport {
	report := &ScenarioReport{Name: name, Description: description, StartTime: time.Now(), Status: StatusRunning}
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	return report
}

// FinishScenario records the outcome of report
func (r *Reporter) FinishScenario(report *ScenarioReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	if err != nil {
		report.Status = StatusFailed
		report.Error = err.Error()
		return
	}
	report.Status = StatusSuccess
}

// Summary builds the final report from what has run so far
func (r *Reporter) Summary() FinalReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := FinalReport{GeneratedAt: time.Now(), TotalScenarios: len(r.reports)}
	for _, rep := range r.reports {
		c := *rep
		switch c.Status {
		case StatusSuccess:
			out.SuccessfulRuns++
		case StatusFailed:
			out.FailedRuns++
		}
		out.TotalDuration += c.Duration
		out.Scenarios = append(out.Scenarios, &c)
	}
	return out
}

// Close writes the report file when one was configured
func (r *Reporter) Close() error {
	if r.outputFile == "" {
		return nil
	}
	final := r.Summary()
	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(r.outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	r.logger.Info("Report written", "file", r.outputFile, "scenarios", final.TotalScenarios,
		"successful", final.SuccessfulRuns, "failed", final.FailedRuns)
	return nil
}
