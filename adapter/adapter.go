// Package adapter defines the boundary for session completion notifications.
//
// Adapters publish one event when a session ends so downstream systems
// (deploy dashboards, chat bots) can react to publishes and failures.
// Notification is best effort: a publish failure never changes the
// session outcome.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventTypeSessionCompleted is the only event type published.
const EventTypeSessionCompleted = "session_completed"

// SessionCompletedEvent is the payload published when a session finishes.
type SessionCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "session_completed"
	SessionID       string `json:"session_id"`
	Command         string `json:"command,omitempty"`
	Outcome         string `json:"outcome"` // success or error
	Error           string `json:"error,omitempty"`
	Server          string `json:"server"`
	Timestamp       string `json:"timestamp"` // RFC 3339, UTC
	Calls           int    `json:"calls"`
	FilesIndexed    int64  `json:"files_indexed"`
	FilesUploaded   int64  `json:"files_uploaded"`
	BytesUploaded   int64  `json:"bytes_uploaded"`
	DurationMs      int64  `json:"duration_ms"`
}

// Adapter publishes session completion events to a downstream system.
type Adapter interface {
	// Publish sends the event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *SessionCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// BackoffBase is the delay before the first retry; each further retry doubles it.
const BackoffBase = 500 * time.Millisecond

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Retry calls attempt up to 1+retries times with exponential backoff
// between attempts. It stops early when attempt returns an error matching
// ErrPermanent or when ctx is done. name prefixes returned errors.
func Retry(ctx context.Context, name string, retries int, attempt func(context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BackoffBase
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
