package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Session outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// SessionReport is the JSON summary written when a report path is configured.
type SessionReport struct {
	SessionID  string `json:"session_id"`
	Command    string `json:"command,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Calls      int    `json:"calls"`
	LoggedIn   bool   `json:"logged_in"`
	DurationMs int64  `json:"duration_ms"`

	Metrics map[string]any `json:"metrics"`
}

// Outcome classifies a session error.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// BuildSessionReport composes a report from a session result.
// runErr is the error Run returned, if any.
func BuildSessionReport(sessionID, command string, result *Result, runErr error, exitCode int) *SessionReport {
	if result == nil {
		result = &Result{}
	}
	report := &SessionReport{
		SessionID:  sessionID,
		Command:    command,
		Outcome:    Outcome(runErr),
		ExitCode:   exitCode,
		Calls:      result.Calls,
		LoggedIn:   result.LoggedIn,
		DurationMs: result.Duration.Milliseconds(),
		Metrics:    result.Metrics.Fields(),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	return report
}

// WriteSessionReport writes the report as JSON to path.
// If path is "-", writes to stderr.
func WriteSessionReport(report *SessionReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		return writeSessionReportTo(report, os.Stderr)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := writeSessionReportTo(report, f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

func writeSessionReportTo(report *SessionReport, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
