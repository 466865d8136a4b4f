// Package pipeline runs the background jobs of the trader: the reconcile and
// PnL sweepers and the cold-storage archive job.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// ArchiveResult counts the rows uploaded by one archive run.
type ArchiveResult struct {
	Cutoff    time.Time
	Signals   int64
	Positions int64
	Orders    int64
}

// Archiver copies terminal signals, positions and orders older than the
// retention window to blob storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver. retentionDays below 1 is treated as 1.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	if retentionDays < 1 {
		retentionDays = 1
	}
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger,
	}
}

// Run executes a single archive run. Each kind is attempted even when an
// earlier one fails; the first error is returned.
func (a *Archiver) Run(ctx context.Context) (ArchiveResult, error) {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	res := ArchiveResult{Cutoff: cutoff}
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	var firstErr error
	run := func(kind string, fn func(context.Context, time.Time) (int64, error), dst *int64) {
		n, err := fn(ctx, cutoff)
		if err != nil {
			a.logger.Error("archive failed", slog.String("kind", kind), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("archiving %s before %v: %w", kind, cutoff, err)
			}
			return
		}
		*dst = n
	}
	run("signals", a.blobArchiver.ArchiveSignals, &res.Signals)
	run("positions", a.blobArchiver.ArchivePositions, &res.Positions)
	run("orders", a.blobArchiver.ArchiveOrders, &res.Orders)

	a.logger.Info("archive run complete",
		slog.Int64("signals", res.Signals),
		slog.Int64("positions", res.Positions),
		slog.Int64("orders", res.Orders),
	)
	return res, firstErr
}

// RunCron runs the archiver on a 5-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	schedule, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := schedule.next(a.now().UTC())
		if err != nil {
			return err
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

type cronField struct {
	wildcard bool
	values   map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.wildcard || f.values[v]
}

// parseCronField accepts "*", single values, comma lists and a-b ranges.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	f := cronField{values: make(map[int]bool)}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		from, to, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(from)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron value %q: %w", part, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(to); err != nil {
				return cronField{}, fmt.Errorf("invalid cron range %q: %w", part, err)
			}
		}
		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("cron value %q out of range [%d,%d]", part, lo, hi)
		}
		for v := start; v <= end; v++ {
			f.values[v] = true
		}
	}
	return f, nil
}

type cronSchedule [5]cronField

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var s cronSchedule
	for i, f := range fields {
		parsed, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return cronSchedule{}, err
		}
		s[i] = parsed
	}
	return s, nil
}

func (s cronSchedule) matches(t time.Time) bool {
	return s[0].matches(t.Minute()) &&
		s[1].matches(t.Hour()) &&
		s[2].matches(t.Day()) &&
		s[3].matches(int(t.Month())) &&
		s[4].matches(int(t.Weekday()))
}

// next returns the first minute strictly after t that matches. The search is
// bounded to one year.
func (s cronSchedule) next(t time.Time) (time.Time, error) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time within one year")
}
