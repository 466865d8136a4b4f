package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/platform/lbank"
)

// PnLWorker copies the exchange's unrealized PnL onto live positions.
type PnLWorker struct {
	exchange  Exchange
	positions domain.PositionStore
	locks     domain.LockManager
	lockTTL   time.Duration
	events    eventSink
	now       func() time.Time
	logger    *slog.Logger
}

// NewPnLWorker creates a PnLWorker.
func NewPnLWorker(deps WorkerDeps, logger *slog.Logger) *PnLWorker {
	deps = deps.withDefaults()
	logger = logger.With(slog.String("component", "pnl_worker"))
	return &PnLWorker{
		exchange:  deps.Exchange,
		positions: deps.Positions,
		locks:     deps.Locks,
		lockTTL:   deps.LockTTL,
		events:    eventSink{bus: deps.Bus, logger: logger},
		now:       deps.Now,
		logger:    logger,
	}
}

var pnlStatuses = []domain.PositionStatus{domain.PositionStatusOpen, domain.PositionStatusPartiallyClosed}

// Sweep refreshes unrealized_pnl for every open or partially closed
// position. Exchange positions are fetched once per symbol per sweep.
// Positions with no matching exchange entry are skipped.
func (w *PnLWorker) Sweep(ctx context.Context) (SweepReport, error) {
	positions, err := w.positions.ListByStatus(ctx, pnlStatuses, domain.ListOpts{})
	if err != nil {
		return SweepReport{}, fmt.Errorf("pnl: list positions: %w", err)
	}

	bySymbol := make(map[string][]lbank.ExchangePosition)
	var rep SweepReport
	for _, p := range positions {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		entries, ok := bySymbol[p.Symbol]
		if !ok {
			entries, err = w.exchange.Positions(ctx, p.Symbol)
			if err != nil {
				rep.Failed++
				w.logger.ErrorContext(ctx, "fetch exchange positions failed",
					slog.String("symbol", p.Symbol),
					slog.String("error", err.Error()),
				)
				continue
			}
			bySymbol[p.Symbol] = entries
		}
		pnl, found := matchPnL(entries, p.Side)
		if !found {
			rep.Skipped++
			continue
		}

		var changed bool
		err := withLock(ctx, w.locks, domain.PositionLockKey(p.ID), w.lockTTL, 0, func() error {
			cur, err := w.positions.GetByID(ctx, p.ID)
			if err != nil {
				return err
			}
			if !statusIn(cur.Status, pnlStatuses) || cur.UnrealizedPnL.Equal(pnl) {
				return nil
			}
			cur.UnrealizedPnL = pnl
			cur.UpdatedAt = w.now()
			if err := w.positions.Update(ctx, cur); err != nil {
				return err
			}
			changed = true
			return nil
		})
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			rep.Skipped++
		case err != nil:
			rep.Failed++
			w.logger.ErrorContext(ctx, "update unrealized pnl failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		case changed:
			rep.Updated++
			w.events.emit(ctx, domain.ChannelPositions, "position.pnl", map[string]any{
				"position_id":    p.ID,
				"symbol":         p.Symbol,
				"unrealized_pnl": pnl.String(),
			})
		}
	}
	return rep, nil
}

func matchPnL(entries []lbank.ExchangePosition, side domain.Direction) (decimal.Decimal, bool) {
	for _, e := range entries {
		if e.MatchesSide(string(side)) {
			return e.UnrealizedPnl, true
		}
	}
	return decimal.Zero, false
}

func priceString(p *decimal.Decimal) string {
	if p == nil {
		return ""
	}
	return p.String()
}
