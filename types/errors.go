package types

import "errors"

// ErrClean classifies user-facing failures that are expected in normal use
// (bad directory, server-declared error, missing project root).
// The CLI prints these without a stack trace and exits non-zero.
//
// Error types opt in by implementing Is(target error) bool and matching
// ErrClean, so errors.Is(err, ErrClean) works through any wrapping.
var ErrClean = errors.New("clean error")

// ErrInvariant classifies internal contract violations, such as an upload
// directive arriving before any package has been loaded.
var ErrInvariant = errors.New("invariant violation")

// CleanError is a generic user-facing failure with a fixed message.
type CleanError struct {
	Message string
}

func (e *CleanError) Error() string {
	return e.Message
}

// Is reports whether target is ErrClean.
func (e *CleanError) Is(target error) bool {
	return target == ErrClean
}

// NewCleanError returns a CleanError with the given message.
func NewCleanError(message string) error {
	return &CleanError{Message: message}
}

// InvariantViolation reports an internal contract violation.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Message
}

// Is reports whether target is ErrInvariant.
func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariant
}

// IsClean reports whether err is a user-facing clean failure.
func IsClean(err error) bool {
	return errors.Is(err, ErrClean)
}
