package lbank

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// flexBool unmarshals from a JSON bool or a string ("true"/"false").
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexString unmarshals from a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// envelope is the common response wrapper. Result and ErrorCode are
// pointers so that a missing field does not read as a failure.
type envelope struct {
	Result    *flexBool       `json:"result"`
	ErrorCode *flexString     `json:"error_code"`
	Msg       string          `json:"msg"`
	Data      json.RawMessage `json:"data"`
}

func (e envelope) failed() bool {
	if e.Result != nil && !bool(*e.Result) {
		return true
	}
	if e.ErrorCode != nil {
		code := string(*e.ErrorCode)
		if code != "" && code != "0" {
			return true
		}
	}
	return false
}

func (e envelope) code() string {
	if e.ErrorCode == nil {
		return ""
	}
	return string(*e.ErrorCode)
}

// --------------------------------------------------------------------------
// Public market data
// --------------------------------------------------------------------------

// Instrument is one tradable contract.
type Instrument struct {
	Symbol         string          `json:"symbol"`
	SymbolName     string          `json:"symbolName"`
	BaseCurrency   string          `json:"baseCurrency"`
	ClearCurrency  string          `json:"clearCurrency"`
	PriceTick      decimal.Decimal `json:"priceTick"`
	VolumeTick     decimal.Decimal `json:"volumeTick"`
	MinOrderVolume decimal.Decimal `json:"minOrderVolume"`
	MaxOrderVolume decimal.Decimal `json:"maxOrderVolume"`
}

// Ticker is the market data snapshot of one contract.
type Ticker struct {
	Symbol       string          `json:"symbol"`
	LastPrice    decimal.Decimal `json:"lastPrice"`
	MarkedPrice  decimal.Decimal `json:"markedPrice"`
	HighestPrice decimal.Decimal `json:"highestPrice"`
	LowestPrice  decimal.Decimal `json:"lowestPrice"`
	Volume       decimal.Decimal `json:"volume"`
	Turnover     decimal.Decimal `json:"turnover"`
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Orders int             `json:"orders"`
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Symbol string      `json:"symbol"`
	Asks   []BookLevel `json:"asks"`
	Bids   []BookLevel `json:"bids"`
}

// --------------------------------------------------------------------------
// Private account and trading
// --------------------------------------------------------------------------

// Account is the USDT account summary.
type Account struct {
	Asset            string          `json:"asset"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	Balance          decimal.Decimal `json:"balance"`
	FrozenMargin     decimal.Decimal `json:"frozenMargin"`
	PositionMargin   decimal.Decimal `json:"positionMargin"`
	UnrealizedPnl    decimal.Decimal `json:"unrealizedPnl"`
}

// ExchangePosition is one holding as reported by the exchange.
type ExchangePosition struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	PositionSide  string          `json:"positionSide"`
	Volume        decimal.Decimal `json:"volume"`
	OpenPrice     decimal.Decimal `json:"openPrice"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	Leverage      flexString      `json:"leverage"`
}

// MatchesSide reports whether the entry belongs to a holding on side
// ("long" or "short"), checking side first and positionSide second.
func (p ExchangePosition) MatchesSide(side string) bool {
	want := strings.ToLower(side)
	if strings.ToLower(p.Side) == want {
		return true
	}
	return strings.ToLower(p.PositionSide) == want
}

// OrderRequest describes a new order.
type OrderRequest struct {
	Symbol string
	Side   string // open_long, open_short, close_long, close_short
	Volume decimal.Decimal
	Price  *decimal.Decimal // sent for limit orders only
	Type   string           // limit or market
}

// OrderAck is the response to an accepted order.
type OrderAck struct {
	OrderID flexString `json:"orderId"`
}

// ID returns the exchange order id as a string.
func (a OrderAck) ID() string { return string(a.OrderID) }

// OrderDetail is the exchange view of one order.
type OrderDetail struct {
	OrderID    flexString       `json:"orderId"`
	Symbol     string           `json:"symbol"`
	Status     string           `json:"status"`
	Side       string           `json:"side"`
	Price      *decimal.Decimal `json:"price"`
	AvgPrice   *decimal.Decimal `json:"avgPrice"`
	Volume     *decimal.Decimal `json:"volume"`
	DealVolume *decimal.Decimal `json:"dealVolume"`
}

// Exchange status values the reconciler acts on.
const (
	StatusFilled          = "filled"
	StatusCompleted       = "completed"
	StatusCancelled       = "cancelled"
	StatusCanceled        = "canceled"
	StatusPartiallyFilled = "partially_filled"
)

// NormalizedStatus lowercases the status and folds the spelling variants
// into filled, cancelled or partially_filled. Anything else is returned
// lowercased.
func (d OrderDetail) NormalizedStatus() string {
	s := strings.ToLower(strings.TrimSpace(d.Status))
	switch s {
	case StatusFilled, StatusCompleted:
		return StatusFilled
	case StatusCancelled, StatusCanceled:
		return StatusCancelled
	case StatusPartiallyFilled, "partial_filled", "partially-filled":
		return StatusPartiallyFilled
	default:
		return s
	}
}

// StopOrderRequest sets a stop-loss or take-profit trigger.
type StopOrderRequest struct {
	Symbol    string
	Side      string // long or short
	StopPrice decimal.Decimal
	OrderType string // stop_loss or take_profit
}

// Stop order types.
const (
	StopTypeStopLoss   = "stop_loss"
	StopTypeTakeProfit = "take_profit"
)

// ServerTime is the exchange clock in milliseconds.
type ServerTime int64

func (t *ServerTime) UnmarshalJSON(data []byte) error {
	var f flexString
	if err := f.UnmarshalJSON(data); err != nil {
		return err
	}
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return err
	}
	*t = ServerTime(n)
	return nil
}
