package lbank

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// Backoff is a bounded exponential retry policy for idempotent calls.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff is 3 attempts with 500ms, 1s between them, capped at 5s.
var DefaultBackoff = Backoff{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Delay returns the wait before retry n (0-based): BaseDelay * 2^n, capped
// at MaxDelay.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		return b.BaseDelay
	}
	if n > 30 {
		return b.MaxDelay
	}
	d := b.BaseDelay * time.Duration(1<<n)
	if d > b.MaxDelay || d <= 0 {
		return b.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached.
func (b Backoff) Do(ctx context.Context, sleep func(context.Context, time.Duration) error, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}
		if serr := sleep(ctx, b.Delay(i)); serr != nil {
			return err
		}
	}
	return err
}

// retryable reports whether err is a transport failure, a 5xx or a 429.
// Errors carried in a 200 response envelope are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var xerr *domain.ExchangeError
	if errors.As(err, &xerr) {
		return xerr.Temporary()
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	var terr *transportError
	return errors.As(err, &terr)
}

// transportError marks a failure before any HTTP response was read.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
