package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks a position from entry to closure.
type PositionStatus string

const (
	PositionStatusPending         PositionStatus = "pending"
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
	PositionStatusFailed          PositionStatus = "failed"
	PositionStatusCancelled       PositionStatus = "cancelled"
)

// Valid reports whether s is a known position status.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionStatusPending, PositionStatusOpen, PositionStatusPartiallyClosed,
		PositionStatusClosed, PositionStatusFailed, PositionStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the position can no longer change status.
func (s PositionStatus) Terminal() bool {
	switch s {
	case PositionStatusClosed, PositionStatusFailed, PositionStatusCancelled:
		return true
	case PositionStatusPending, PositionStatusOpen, PositionStatusPartiallyClosed:
		return false
	default:
		return false
	}
}

// CanTransition reports whether a position may move from s to next.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return next == PositionStatusOpen || next == PositionStatusPartiallyClosed ||
			next == PositionStatusClosed || next == PositionStatusFailed || next == PositionStatusCancelled
	case PositionStatusOpen:
		return next == PositionStatusPartiallyClosed || next == PositionStatusClosed
	case PositionStatusPartiallyClosed:
		return next == PositionStatusPartiallyClosed || next == PositionStatusClosed
	case PositionStatusClosed, PositionStatusFailed, PositionStatusCancelled:
		return false
	default:
		return false
	}
}

// Position is the exchange-side holding opened in response to a Signal.
type Position struct {
	ID                string           `json:"id"`
	SignalID          string           `json:"signal_id"`
	Symbol            string           `json:"symbol"`
	Side              Direction        `json:"side"`
	Leverage          int              `json:"leverage"`
	MarginType        MarginType       `json:"margin_type"`
	Quantity          decimal.Decimal  `json:"quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	MarginUsed        decimal.Decimal  `json:"margin_used"`
	EntryPrice        *decimal.Decimal `json:"entry_price,omitempty"`
	CurrentStopLoss   *decimal.Decimal `json:"current_stop_loss,omitempty"`
	CurrentTakeProfit *decimal.Decimal `json:"current_take_profit,omitempty"`
	RealizedPnL       decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal  `json:"unrealized_pnl"`
	Status            PositionStatus   `json:"status"`
	OpenedAt          *time.Time       `json:"opened_at,omitempty"`
	ClosedAt          *time.Time       `json:"closed_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Validate checks the quantity invariants.
func (p Position) Validate() error {
	if p.RemainingQuantity.IsNegative() {
		return fmt.Errorf("%w: position %s remaining quantity %s is negative", ErrValidation, p.ID, p.RemainingQuantity)
	}
	if p.RemainingQuantity.GreaterThan(p.Quantity) {
		return fmt.Errorf("%w: position %s remaining %s exceeds quantity %s", ErrValidation, p.ID, p.RemainingQuantity, p.Quantity)
	}
	if p.RemainingQuantity.IsZero() && !p.Status.Terminal() {
		return fmt.Errorf("%w: position %s has no remaining quantity but status %s", ErrValidation, p.ID, p.Status)
	}
	return nil
}

// Transition moves the position to next, rejecting illegal moves.
func (p *Position) Transition(next PositionStatus, now time.Time) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("%w: position %s %s -> %s", ErrInvalidTransition, p.ID, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// ApplyClose reduces the remaining quantity by qty (clamped to what is left)
// and moves the position to PARTIALLY_CLOSED or CLOSED. It returns the
// quantity actually removed.
func (p *Position) ApplyClose(qty decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: close quantity %s must be positive", ErrValidation, qty)
	}
	if qty.GreaterThan(p.RemainingQuantity) {
		qty = p.RemainingQuantity
	}
	next := PositionStatusPartiallyClosed
	remaining := p.RemainingQuantity.Sub(qty)
	if !remaining.IsPositive() {
		remaining = decimal.Zero
		next = PositionStatusClosed
	}
	if err := p.Transition(next, now); err != nil {
		return decimal.Zero, err
	}
	p.RemainingQuantity = remaining
	if next == PositionStatusClosed {
		closedAt := now
		p.ClosedAt = &closedAt
	}
	return qty, nil
}

// Open promotes a pending position once its entry order has filled.
func (p *Position) Open(entry decimal.Decimal, now time.Time) error {
	if err := p.Transition(PositionStatusOpen, now); err != nil {
		return err
	}
	e := entry
	openedAt := now
	p.EntryPrice = &e
	p.OpenedAt = &openedAt
	return nil
}
