package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// VolumePrecision is the number of decimal places submitted order volumes
// are rounded to.
const VolumePrecision int32 = 4

var hundred = decimal.NewFromInt(100)

// RiskConfig holds the tunable parameters for pre-trade risk checks.
type RiskConfig struct {
	MaxOpenPositions int
	// CapacityLockTTL bounds how long one signal may hold the capacity lock.
	// It must cover the exchange calls made between the count check and the
	// position insert.
	CapacityLockTTL time.Duration
	// LockWait is how long to wait for the capacity lock before giving up.
	LockWait time.Duration
}

// RiskService sizes entries and bounds the number of live positions.
type RiskService struct {
	positions domain.PositionStore
	locks     domain.LockManager
	cfg       RiskConfig
	logger    *slog.Logger
}

// NewRiskService creates a RiskService with all required dependencies.
func NewRiskService(
	positions domain.PositionStore,
	locks domain.LockManager,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskService {
	if cfg.CapacityLockTTL <= 0 {
		cfg.CapacityLockTTL = 2 * time.Minute
	}
	return &RiskService{
		positions: positions,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "risk_service")),
	}
}

// liveStatuses count against the open-position bound.
var liveStatuses = []domain.PositionStatus{domain.PositionStatusOpen, domain.PositionStatusPending}

// ReserveCapacity takes the global capacity lock and checks the number of
// open and pending positions against the configured maximum. On success the
// caller holds the lock until it calls release, which must happen after the
// new position has been inserted (or the attempt abandoned).
func (s *RiskService) ReserveCapacity(ctx context.Context) (release func(), err error) {
	unlock, err := acquireLock(ctx, s.locks, domain.CapacityLockKey, s.cfg.CapacityLockTTL, s.cfg.LockWait)
	if err != nil {
		return nil, fmt.Errorf("risk_service: %w", err)
	}
	open, err := s.positions.CountByStatus(ctx, liveStatuses)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("risk_service: count open positions: %w", err)
	}
	if s.cfg.MaxOpenPositions > 0 && open >= int64(s.cfg.MaxOpenPositions) {
		unlock()
		s.logger.WarnContext(ctx, "risk_service: max positions reached",
			slog.Int64("open", open),
			slog.Int("max", s.cfg.MaxOpenPositions),
		)
		return nil, fmt.Errorf("%w: %d/%d open positions", domain.ErrCapacity, open, s.cfg.MaxOpenPositions)
	}
	return unlock, nil
}

// Sizing is the outcome of the risk-based position size calculation.
type Sizing struct {
	RiskAmount decimal.Decimal
	SLDistance decimal.Decimal
	// Size is the unrounded position size.
	Size decimal.Decimal
	// Volume is Size rounded to VolumePrecision; this is what gets submitted.
	Volume decimal.Decimal
	// Margin is the notional at entry divided by leverage.
	Margin decimal.Decimal
}

// SLDistance returns |entry - stop|.
func SLDistance(entry, stop decimal.Decimal) decimal.Decimal {
	return entry.Sub(stop).Abs()
}

// PositionSize computes
//
//	risk   = balance * riskPercent / 100
//	size   = risk * leverage / |entry - stop|
//	volume = round(size, 4)
//
// A zero stop distance, a non-positive balance or leverage, or a volume that
// rounds to zero is rejected.
func PositionSize(balance, riskPercent decimal.Decimal, leverage int, entry, stop decimal.Decimal) (Sizing, error) {
	dist := SLDistance(entry, stop)
	if dist.IsZero() {
		return Sizing{}, &domain.ValidationError{Field: "stop_loss", Reason: "stop loss equals entry price"}
	}
	if !balance.IsPositive() {
		return Sizing{}, fmt.Errorf("%w: balance %s is not positive", domain.ErrValidation, balance)
	}
	if leverage <= 0 {
		return Sizing{}, &domain.ValidationError{Field: "leverage", Reason: "must be positive"}
	}
	lev := decimal.NewFromInt(int64(leverage))
	risk := balance.Mul(riskPercent).Div(hundred)
	size := risk.Mul(lev).Div(dist)
	volume := size.Round(VolumePrecision)
	if !volume.IsPositive() {
		return Sizing{}, fmt.Errorf("%w: position size %s rounds to zero", domain.ErrValidation, size)
	}
	return Sizing{
		RiskAmount: risk,
		SLDistance: dist,
		Size:       size,
		Volume:     volume,
		Margin:     volume.Mul(entry).Div(lev).Round(8),
	}, nil
}

// CloseQuantity returns round(remaining * percent / 100, 4), capped at
// remaining. A percentage outside 1..100 is treated as a full close. A
// partial close smaller than one volume step yields zero, and the caller
// sends nothing.
func CloseQuantity(remaining decimal.Decimal, percent int) decimal.Decimal {
	if percent <= 0 || percent >= 100 {
		return remaining
	}
	qty := remaining.Mul(decimal.NewFromInt(int64(percent))).Div(hundred).Round(VolumePrecision)
	if qty.GreaterThan(remaining) {
		return remaining
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return qty
}
