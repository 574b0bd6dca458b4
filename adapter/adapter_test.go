package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetry(t *testing.T) {
	transient := errors.New("transient")
	permanent := fmt.Errorf("bad request: %w", ErrPermanent)

	tests := []struct {
		name         string
		retries      int
		results      []error // returned in order; last one repeats
		wantErr      error
		wantAttempts int
	}{
		{"first try", 3, []error{nil}, nil, 1},
		{"second try", 3, []error{transient, nil}, nil, 2},
		{"exhausted", 1, []error{transient}, transient, 2},
		{"permanent stops", 3, []error{permanent}, ErrPermanent, 1},
		{"no retries", 0, []error{transient}, transient, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Retry(t.Context(), "test", tt.retries, func(context.Context) error {
				i := min(attempts, len(tt.results)-1)
				attempts++
				return tt.results[i]
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
		})
	}
}

func TestRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	called := false
	err := Retry(ctx, "test", 3, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("attempt must not run after cancellation")
	}
}
