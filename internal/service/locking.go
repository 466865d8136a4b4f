package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

const lockPollInterval = 50 * time.Millisecond

// acquireLock takes key from locks. With wait > 0 a held lock is retried
// until wait elapses; otherwise domain.ErrLockHeld is returned at once. A
// nil manager grants every lock.
func acquireLock(ctx context.Context, locks domain.LockManager, key string, ttl, wait time.Duration) (func(), error) {
	if locks == nil {
		return func() {}, nil
	}
	deadline := time.Now().Add(wait)
	for {
		unlock, err := locks.Acquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || wait <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		t := time.NewTimer(lockPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// withLock runs fn while holding key.
func withLock(ctx context.Context, locks domain.LockManager, key string, ttl, wait time.Duration, fn func() error) error {
	unlock, err := acquireLock(ctx, locks, key, ttl, wait)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
