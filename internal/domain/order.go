package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the exchange order side. The exchange expresses direction and
// intent (open/close) in a single field.
type OrderSide string

const (
	OrderSideOpenLong   OrderSide = "open_long"
	OrderSideOpenShort  OrderSide = "open_short"
	OrderSideCloseLong  OrderSide = "close_long"
	OrderSideCloseShort OrderSide = "close_short"
)

// Valid reports whether s is a known order side.
func (s OrderSide) Valid() bool {
	switch s {
	case OrderSideOpenLong, OrderSideOpenShort, OrderSideCloseLong, OrderSideCloseShort:
		return true
	default:
		return false
	}
}

// Opening reports whether the side opens exposure.
func (s OrderSide) Opening() bool {
	switch s {
	case OrderSideOpenLong, OrderSideOpenShort:
		return true
	case OrderSideCloseLong, OrderSideCloseShort:
		return false
	default:
		return false
	}
}

// OrderType is limit or market.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeLimit, OrderTypeMarket:
		return true
	default:
		return false
	}
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusSubmitted, OrderStatusFilled,
		OrderStatusPartiallyFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusSubmitted || next == OrderStatusFailed || next == OrderStatusCancelled
	case OrderStatusSubmitted:
		return next == OrderStatusFilled || next == OrderStatusPartiallyFilled ||
			next == OrderStatusCancelled || next == OrderStatusFailed
	case OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled || next == OrderStatusCancelled
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return false
	default:
		return false
	}
}

// Order is one exchange order belonging to a Position.
type Order struct {
	ID              string           `json:"id"`
	PositionID      string           `json:"position_id"`
	ExchangeOrderID string           `json:"exchange_order_id"`
	Side            OrderSide        `json:"side"`
	Type            OrderType        `json:"type"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Quantity        decimal.Decimal  `json:"quantity"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	FilledPrice     *decimal.Decimal `json:"filled_price,omitempty"`
	Status          OrderStatus      `json:"status"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Validate checks the fill invariant.
func (o Order) Validate() error {
	if o.FilledQuantity.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: order %s filled %s exceeds quantity %s", ErrValidation, o.ID, o.FilledQuantity, o.Quantity)
	}
	return nil
}

// Transition moves the order to next, rejecting illegal moves.
func (o *Order) Transition(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, o.ID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// MarkFilled records a complete fill. When fillPrice is nil the limit price
// is used.
func (o *Order) MarkFilled(fillPrice *decimal.Decimal, now time.Time) error {
	if err := o.Transition(OrderStatusFilled, now); err != nil {
		return err
	}
	o.FilledQuantity = o.Quantity
	switch {
	case fillPrice != nil:
		p := *fillPrice
		o.FilledPrice = &p
	case o.Price != nil:
		p := *o.Price
		o.FilledPrice = &p
	}
	return nil
}
