package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SignalStore persists signals.
type SignalStore interface {
	Create(ctx context.Context, sig Signal) error
	GetByID(ctx context.Context, id string) (Signal, error)
	UpdateStatus(ctx context.Context, id string, status SignalStatus) error
	// ListByStatus returns signals newest first (created_at DESC, id DESC).
	ListByStatus(ctx context.Context, statuses []SignalStatus, opts ListOpts) ([]Signal, error)
	ListBefore(ctx context.Context, statuses []SignalStatus, before time.Time) ([]Signal, error)
	Count(ctx context.Context) (int64, error)
}

// SignalUpdateStore persists the append-only update log.
type SignalUpdateStore interface {
	Append(ctx context.Context, u SignalUpdate) error
	ListBySignal(ctx context.Context, signalID string) ([]SignalUpdate, error)
}

// PositionStats aggregates position PnL for reporting.
type PositionStats struct {
	Open          int64           `json:"open_positions"`
	Closed        int64           `json:"closed_positions"`
	Winning       int64           `json:"winning_positions"`
	RealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
}

// WinRate returns the winning share of closed positions in percent.
func (s PositionStats) WinRate() float64 {
	if s.Closed == 0 {
		return 0
	}
	return float64(s.Winning) / float64(s.Closed) * 100
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	CountByStatus(ctx context.Context, statuses []PositionStatus) (int64, error)
	ListByStatus(ctx context.Context, statuses []PositionStatus, opts ListOpts) ([]Position, error)
	// FindForSignal returns the most recent position of the signal in one of
	// the given statuses.
	FindForSignal(ctx context.Context, signalID string, statuses []PositionStatus) (Position, error)
	ListBefore(ctx context.Context, statuses []PositionStatus, before time.Time) ([]Position, error)
	Stats(ctx context.Context) (PositionStats, error)
}

// OrderStore persists exchange orders.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByStatus(ctx context.Context, statuses []OrderStatus, opts ListOpts) ([]Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]Order, error)
	ListBefore(ctx context.Context, statuses []OrderStatus, before time.Time) ([]Order, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Outcomes recorded for a processed upstream message.
const (
	OutcomeHandled = "handled"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// ProcessedMessage records the final outcome of one upstream message,
// including messages that were dropped without writing a Signal or
// SignalUpdate row.
type ProcessedMessage struct {
	ChannelID     int64     `json:"channel_id"`
	ExternalMsgID int64     `json:"external_msg_id"`
	MessageType   string    `json:"message_type"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// ProcessedStore remembers which upstream messages were already handled so a
// replayed stream entry is skipped.
type ProcessedStore interface {
	// Mark records m. Marking a message twice keeps the first outcome.
	Mark(ctx context.Context, m ProcessedMessage) error
	Seen(ctx context.Context, channelID, externalMsgID int64) (bool, error)
}
