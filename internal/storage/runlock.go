package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	runLockKey    = "circlepool:reconciler:lock"
	lastReportKey = "circlepool:reconciler:last_report"
)

// ErrLockHeld indicates another reconciler run currently holds the lock.
var ErrLockHeld = errors.New("reconciler run already in progress")

// releaseScript deletes the lock only when the caller still owns it, so
// an expired lock taken over by another run is never released by the
// original holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RunLock is an advisory lock ensuring two reconciler invocations never
// overlap. The reconciler itself stays stateless; the lock only guards
// re-entrancy under overlapping scheduler ticks and manual triggers.
type RunLock struct {
	store *RedisStore
	ttl   time.Duration
	token string
}

// NewRunLock creates a run lock with the given expiry. The TTL bounds
// how long a crashed run can block its successors.
func NewRunLock(store *RedisStore, ttl time.Duration) *RunLock {
	return &RunLock{store: store, ttl: ttl}
}

// Acquire takes the lock or fails with ErrLockHeld.
func (l *RunLock) Acquire(ctx context.Context) error {
	token := uuid.New().String()
	ok, err := l.store.Client().SetNX(ctx, runLockKey, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	l.token = token
	return nil
}

// Release frees the lock if this holder still owns it.
func (l *RunLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := releaseScript.Run(ctx, l.store.Client(), []string{runLockKey}, token).Err(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// StoreLastReport persists the most recent run report JSON.
func (l *RunLock) StoreLastReport(ctx context.Context, reportJSON []byte) error {
	if err := l.store.Client().Set(ctx, lastReportKey, reportJSON, 0).Err(); err != nil {
		return fmt.Errorf("failed to store run report: %w", err)
	}
	return nil
}

// LastReport returns the most recent run report JSON, or nil when no
// run has completed yet.
func (l *RunLock) LastReport(ctx context.Context) ([]byte, error) {
	val, err := l.store.Client().Get(ctx, lastReportKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run report: %w", err)
	}
	return val, nil
}
