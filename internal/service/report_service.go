package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// ReportService answers the read-only questions asked by the HTTP API.
type ReportService struct {
	signals   domain.SignalStore
	updates   domain.SignalUpdateStore
	positions domain.PositionStore
	orders    domain.OrderStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewReportService creates a ReportService with all required dependencies.
func NewReportService(
	signals domain.SignalStore,
	updates domain.SignalUpdateStore,
	positions domain.PositionStore,
	orders domain.OrderStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ReportService {
	return &ReportService{
		signals:   signals,
		updates:   updates,
		positions: positions,
		orders:    orders,
		audit:     audit,
		logger:    logger.With(slog.String("component", "report_service")),
	}
}

// Stats is the dashboard summary.
type Stats struct {
	TotalSignals       int64           `json:"total_signals"`
	OpenPositions      int64           `json:"open_positions"`
	ClosedPositions    int64           `json:"closed_positions"`
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	WinRate            float64         `json:"win_rate"`
}

// Stats aggregates signal and position counters.
func (s *ReportService) Stats(ctx context.Context) (Stats, error) {
	total, err := s.signals.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("report: count signals: %w", err)
	}
	ps, err := s.positions.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("report: position stats: %w", err)
	}
	return Stats{
		TotalSignals:       total,
		OpenPositions:      ps.Open,
		ClosedPositions:    ps.Closed,
		TotalRealizedPnL:   ps.RealizedPnL,
		TotalUnrealizedPnL: ps.UnrealizedPnL,
		WinRate:            ps.WinRate(),
	}, nil
}

// SignalDetail is a signal with its update log.
type SignalDetail struct {
	domain.Signal
	Updates []domain.SignalUpdate `json:"updates"`
}

// Signals lists signals newest first. An empty status list returns all.
func (s *ReportService) Signals(ctx context.Context, statuses []domain.SignalStatus, opts domain.ListOpts) ([]domain.Signal, error) {
	return s.signals.ListByStatus(ctx, statuses, opts)
}

// Signal returns one signal and its updates.
func (s *ReportService) Signal(ctx context.Context, id string) (SignalDetail, error) {
	sig, err := s.signals.GetByID(ctx, id)
	if err != nil {
		return SignalDetail{}, err
	}
	updates, err := s.updates.ListBySignal(ctx, id)
	if err != nil {
		return SignalDetail{}, fmt.Errorf("report: list updates: %w", err)
	}
	if updates == nil {
		updates = []domain.SignalUpdate{}
	}
	return SignalDetail{Signal: sig, Updates: updates}, nil
}

// Positions lists positions in the given statuses, or all of them.
func (s *ReportService) Positions(ctx context.Context, statuses []domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	return s.positions.ListByStatus(ctx, statuses, opts)
}

// PositionOrders returns a position's orders, oldest first.
func (s *ReportService) PositionOrders(ctx context.Context, positionID string) ([]domain.Order, error) {
	if _, err := s.positions.GetByID(ctx, positionID); err != nil {
		return nil, err
	}
	return s.orders.ListByPosition(ctx, positionID)
}

// Orders lists orders in the given statuses.
func (s *ReportService) Orders(ctx context.Context, statuses []domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error) {
	return s.orders.ListByStatus(ctx, statuses, opts)
}

// Audit returns audit log entries newest first.
func (s *ReportService) Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return []domain.AuditEntry{}, nil
	}
	return s.audit.List(ctx, opts)
}

// LiveCounts returns the number of positions per live status.
func (s *ReportService) LiveCounts(ctx context.Context) (map[domain.PositionStatus]int64, error) {
	out := make(map[domain.PositionStatus]int64, 3)
	for _, st := range []domain.PositionStatus{
		domain.PositionStatusPending,
		domain.PositionStatusOpen,
		domain.PositionStatusPartiallyClosed,
	} {
		n, err := s.positions.CountByStatus(ctx, []domain.PositionStatus{st})
		if err != nil {
			return nil, fmt.Errorf("report: count %s positions: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}
