package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the trade direction of a signal or position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// ParseDirection converts a raw string into a Direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", ErrValidation, s)
	}
	return d, nil
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort:
		return true
	default:
		return false
	}
}

// OpenSide returns the order side that opens a position in this direction.
func (d Direction) OpenSide() OrderSide {
	switch d {
	case DirectionShort:
		return OrderSideOpenShort
	default:
		return OrderSideOpenLong
	}
}

// CloseSide returns the order side that reduces a position in this direction.
func (d Direction) CloseSide() OrderSide {
	switch d {
	case DirectionShort:
		return OrderSideCloseShort
	default:
		return OrderSideCloseLong
	}
}

// MarginType selects isolated or cross margin.
type MarginType string

const (
	MarginIsolated MarginType = "isolated"
	MarginCross    MarginType = "cross"
)

// ParseMarginType converts a raw string into a MarginType.
func ParseMarginType(s string) (MarginType, error) {
	m := MarginType(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown margin type %q", ErrValidation, s)
	}
	return m, nil
}

// Valid reports whether m is a known margin type.
func (m MarginType) Valid() bool {
	switch m {
	case MarginIsolated, MarginCross:
		return true
	default:
		return false
	}
}

// PositionTypeCode is the exchange's numeric code for the margin type.
func (m MarginType) PositionTypeCode() string {
	switch m {
	case MarginCross:
		return "2"
	default:
		return "1"
	}
}

// SignalStatus tracks a signal through its lifecycle.
type SignalStatus string

const (
	SignalStatusNew             SignalStatus = "new"
	SignalStatusActive          SignalStatus = "active"
	SignalStatusPartiallyClosed SignalStatus = "partially_closed"
	SignalStatusClosed          SignalStatus = "closed"
	SignalStatusCancelled       SignalStatus = "cancelled"
	SignalStatusExpired         SignalStatus = "expired"
)

// Valid reports whether s is a known signal status.
func (s SignalStatus) Valid() bool {
	switch s {
	case SignalStatusNew, SignalStatusActive, SignalStatusPartiallyClosed,
		SignalStatusClosed, SignalStatusCancelled, SignalStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalStatusClosed, SignalStatusCancelled, SignalStatusExpired:
		return true
	case SignalStatusNew, SignalStatusActive, SignalStatusPartiallyClosed:
		return false
	default:
		return false
	}
}

// CanTransition reports whether a signal may move from s to next.
func (s SignalStatus) CanTransition(next SignalStatus) bool {
	switch s {
	case SignalStatusNew:
		return next == SignalStatusActive || next == SignalStatusCancelled || next == SignalStatusExpired
	case SignalStatusActive:
		return next == SignalStatusPartiallyClosed || next == SignalStatusClosed ||
			next == SignalStatusCancelled || next == SignalStatusExpired
	case SignalStatusPartiallyClosed:
		return next == SignalStatusClosed || next == SignalStatusCancelled || next == SignalStatusExpired
	case SignalStatusClosed, SignalStatusCancelled, SignalStatusExpired:
		return false
	default:
		return false
	}
}

// Signal is one parsed trading idea.
type Signal struct {
	ID            string            `json:"id"`
	ExternalMsgID int64             `json:"external_msg_id"`
	ChannelID     int64             `json:"channel_id"`
	RawText       string            `json:"raw_text"`
	RawImagePath  string            `json:"raw_image_path,omitempty"`
	Symbol        string            `json:"symbol"`
	Direction     Direction         `json:"direction"`
	EntryLow      decimal.Decimal   `json:"entry_low"`
	EntryHigh     *decimal.Decimal  `json:"entry_high,omitempty"`
	StopLoss      decimal.Decimal   `json:"stop_loss"`
	TakeProfits   []decimal.Decimal `json:"take_profits,omitempty"` // at most three
	RiskPercent   decimal.Decimal   `json:"risk_percent"`
	Leverage      int               `json:"leverage"`
	MarginType    MarginType        `json:"margin_type"`
	Status        SignalStatus      `json:"status"`
	Confidence    float64           `json:"confidence"`
	SignalTime    *time.Time        `json:"signal_time,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// MaxTakeProfits is the number of take-profit levels kept on a signal.
const MaxTakeProfits = 3

// TakeProfit returns the n-th (1-based) take-profit level, if present.
func (s Signal) TakeProfit(n int) (decimal.Decimal, bool) {
	if n < 1 || n > len(s.TakeProfits) {
		return decimal.Zero, false
	}
	return s.TakeProfits[n-1], true
}

// Transition moves the signal to next, rejecting illegal moves.
func (s *Signal) Transition(next SignalStatus, now time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: signal %s %s -> %s", ErrInvalidTransition, s.ID, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}

// UpdateKind classifies a follow-up message about a signal.
type UpdateKind string

const (
	UpdateEntryHit       UpdateKind = "entry_hit"
	UpdateTPHit          UpdateKind = "tp_hit"
	UpdateSLModified     UpdateKind = "sl_modified"
	UpdatePartialClose   UpdateKind = "partial_close"
	UpdateFullClose      UpdateKind = "full_close"
	UpdateRiskFree       UpdateKind = "risk_free"
	UpdatePositionClosed UpdateKind = "position_closed"
	UpdateInfo           UpdateKind = "info"
)

// ParseUpdateKind converts a raw message type into an UpdateKind.
func ParseUpdateKind(s string) (UpdateKind, error) {
	k := UpdateKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown update kind %q", ErrValidation, s)
	}
	return k, nil
}

// Valid reports whether k is a known update kind.
func (k UpdateKind) Valid() bool {
	switch k {
	case UpdateEntryHit, UpdateTPHit, UpdateSLModified, UpdatePartialClose,
		UpdateFullClose, UpdateRiskFree, UpdatePositionClosed, UpdateInfo:
		return true
	default:
		return false
	}
}

// SignalUpdate is an append-only event attached to exactly one Signal.
type SignalUpdate struct {
	ID            string           `json:"id"`
	SignalID      string           `json:"signal_id"`
	ExternalMsgID int64            `json:"external_msg_id"`
	RawText       string           `json:"raw_text"`
	Kind          UpdateKind       `json:"kind"`
	TPNumber      *int             `json:"tp_number,omitempty"`
	NewStopLoss   *decimal.Decimal `json:"new_stop_loss,omitempty"`
	ClosePercent  *int             `json:"close_percent,omitempty"`
	ProfitPercent *float64         `json:"profit_percent,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}
