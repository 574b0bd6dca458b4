package cmd

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/pkgsync/types"
)

// Exit codes.
const (
	// ExitClean is used for errors the user can act on: server-declared
	// errors, missing directories, a missing project file.
	ExitClean = -1
	// ExitFailure is used for everything else.
	ExitFailure = 1
)

var errorColor = lipgloss.Color("#EF4444")

// ErrorStyle renders clean errors.
var ErrorStyle = lipgloss.NewStyle().Foreground(errorColor)

// ExitCode maps a session error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case types.IsClean(err):
		return ExitClean
	default:
		return ExitFailure
	}
}

// FormatError renders err for the terminal. Clean errors print their
// message only; others are prefixed with "Error: ".
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	if types.IsClean(err) {
		return ErrorStyle.Render(err.Error())
	}
	return fmt.Sprintf("Error: %v", err)
}

// exitError carries a session error through cli.App. It implements
// cli.ExitCoder; its message is the terminal rendering of the error.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string { return FormatError(e.err) }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

// ExitError wraps err so the app's exit handler prints it and exits with
// the mapped code. Returns nil for nil.
func ExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	return &exitError{err: err, code: ExitCode(err)}
}
