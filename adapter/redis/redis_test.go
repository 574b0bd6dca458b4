package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/pkgsync/adapter"
	"github.com/pithecene-io/pkgsync/iox"
)

func testEvent() *adapter.SessionCompletedEvent {
	return &adapter.SessionCompletedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventTypeSessionCompleted,
		SessionID:       "sess-001",
		Command:         "publish",
		Outcome:         "error",
		Error:           "not logged in",
		Server:          "https://pkgsync.example.com",
		Timestamp:       "2026-10-15T12:00:00Z",
		Calls:           1,
		DurationMs:      80,
	}
}

// asyncReceive reads one message from the subscriber in the background.
// Call it before Publish: miniredis delivers pub/sub messages synchronously.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish_Channels(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"default", "", DefaultChannel},
		{"custom", "deploys:pkgsync", "deploys:pkgsync"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)

			a, err := New(Config{URL: "redis://" + mr.Addr(), Channel: tt.channel, Retries: 1})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			t.Cleanup(iox.CloseFunc(a))
			if a.Channel() != tt.want {
				t.Errorf("channel = %q, want %q", a.Channel(), tt.want)
			}

			sub := mr.NewSubscriber()
			sub.Subscribe(tt.want)
			ch := asyncReceive(sub)

			if err := a.Publish(t.Context(), testEvent()); err != nil {
				t.Fatalf("publish: %v", err)
			}

			msg := waitMessage(t, ch)
			if msg.Channel != tt.want {
				t.Errorf("message channel = %q, want %q", msg.Channel, tt.want)
			}

			var received adapter.SessionCompletedEvent
			if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if received.SessionID != "sess-001" || received.Outcome != "error" || received.Error != "not logged in" {
				t.Errorf("received = %+v", received)
			}
		})
	}
}

func TestPublish_Unreachable(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 2, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(a))

	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(iox.CloseFunc(a))

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty url", Config{}},
		{"invalid url", Config{URL: "not-a-redis-url"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	a, err := New(Config{URL: "redis://localhost:6379"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, a.config.Timeout)
	}
}
