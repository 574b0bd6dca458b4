package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/pkgsync/adapter"
	"github.com/pithecene-io/pkgsync/adapter/redis"
	"github.com/pithecene-io/pkgsync/adapter/webhook"
	"github.com/pithecene-io/pkgsync/cli/config"
	"github.com/pithecene-io/pkgsync/iox"
	"github.com/pithecene-io/pkgsync/log"
	"github.com/pithecene-io/pkgsync/runtime"
	"github.com/pithecene-io/pkgsync/types"
)

// Notification adapter types accepted in notify.type.
const (
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// buildAdapter creates the adapter named by cfg.
// Returns nil, nil when notifications are disabled.
func buildAdapter(cfg config.NotifyConfig) (adapter.Adapter, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("notify.url is required when notify.type=%s", cfg.Type)
	}

	switch cfg.Type {
	case NotifyWebhook:
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case NotifyRedis:
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		a, err := redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q (must be webhook or redis)", cfg.Type)
	}
}

// buildEvent composes the completion event for a finished session.
func buildEvent(sessionID, command, server string, result *runtime.Result, runErr error, now time.Time) *adapter.SessionCompletedEvent {
	if result == nil {
		result = &runtime.Result{}
	}
	event := &adapter.SessionCompletedEvent{
		ContractVersion: types.ContractVersion,
		EventType:       adapter.EventTypeSessionCompleted,
		SessionID:       sessionID,
		Command:         command,
		Outcome:         runtime.Outcome(runErr),
		Server:          server,
		Timestamp:       now.UTC().Format(time.RFC3339),
		Calls:           result.Calls,
		FilesIndexed:    result.Metrics.FilesHashed,
		FilesUploaded:   result.Metrics.UploadsSucceeded,
		BytesUploaded:   result.Metrics.BytesUploaded,
		DurationMs:      result.Duration.Milliseconds(),
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	return event
}

// notify publishes event through the configured adapter. Failures are
// logged and never change the session outcome.
func notify(ctx context.Context, cfg config.NotifyConfig, event *adapter.SessionCompletedEvent, logger *log.Logger) {
	a, err := buildAdapter(cfg)
	if err != nil {
		logger.Warn("notification adapter not created", map[string]any{"error": err.Error()})
		return
	}
	if a == nil {
		return
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(ctx, event); err != nil {
		logger.Warn("session notification failed", map[string]any{
			"adapter": cfg.Type,
			"error":   err.Error(),
		})
		return
	}
	logger.Debug("session notification published", map[string]any{"adapter": cfg.Type})
}
