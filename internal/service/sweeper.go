package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned int
	Updated int
	Skipped int
	Failed  int
}

// SweepFunc performs one complete, independent pass.
type SweepFunc func(ctx context.Context) (SweepReport, error)

// Sweeper runs a SweepFunc on a fixed interval. At most one sweep of a given
// name runs at a time: an in-process flag guards against overlapping ticks
// and the worker:<name> lock against other processes.
type Sweeper struct {
	name     string
	interval time.Duration
	sweep    SweepFunc
	locks    domain.LockManager
	running  atomic.Bool
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. locks may be nil for a single process.
func NewSweeper(name string, interval time.Duration, sweep SweepFunc, locks domain.LockManager, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		name:     name,
		interval: interval,
		sweep:    sweep,
		locks:    locks,
		logger:   logger.With(slog.String("component", name)),
	}
}

// Name returns the worker name.
func (s *Sweeper) Name() string { return s.name }

// Run sweeps once at start and then on every tick. Call in a goroutine.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
	}
}

// RunOnce performs a single sweep unless one is already in flight, in which
// case ran is false.
func (s *Sweeper) RunOnce(ctx context.Context) (report SweepReport, ran bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.DebugContext(ctx, "sweep already running, skipped")
		return SweepReport{}, false, nil
	}
	defer s.running.Store(false)

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, domain.WorkerLockKey(s.name), s.interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.logger.DebugContext(ctx, "sweep running elsewhere, skipped")
				return SweepReport{}, false, nil
			}
			return SweepReport{}, false, err
		}
		defer unlock()
	}

	start := time.Now()
	report, err = s.sweep(ctx)
	if err != nil {
		return report, true, err
	}
	s.logger.InfoContext(ctx, "sweep complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("took", time.Since(start)),
	)
	return report, true, nil
}
