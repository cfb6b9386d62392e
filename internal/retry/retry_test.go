package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cause := errors.New("persistent")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		calls++
		return cause
	})
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if !errors.Is(err, cause) {
		t.Errorf("error should wrap the last failure, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(3), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestDelayFor_CapsAtMaxDelay(t *testing.T) {
	cfg := &Config{
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}
	if d := delayFor(cfg, 1); d != time.Second {
		t.Errorf("delayFor(1) = %v", d)
	}
	if d := delayFor(cfg, 2); d != 2*time.Second {
		t.Errorf("delayFor(2) = %v", d)
	}
	if d := delayFor(cfg, 10); d != 4*time.Second {
		t.Errorf("delayFor(10) = %v, want the cap", d)
	}
}
