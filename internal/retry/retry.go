// Package retry provides bounded exponential backoff for operations
// against the chain and the ledger.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts  int           // maximum number of attempts
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on the delay between attempts
	Multiplier   float64       // exponential backoff multiplier
}

// DefaultConfig returns the default retry configuration.
// Pattern: 1s, 2s, 4s, 8s, capped at 30s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Func is a function that can be retried. The attempt number starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do executes fn with exponential backoff until it succeeds, the
// attempts are exhausted, or the context is cancelled.
func Do(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(delayFor(cfg, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func delayFor(cfg *Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
