package domain

import (
	"math"
	"strings"
	"time"
)

// MessageType is the classifier's label for an inbound message.
type MessageType string

const (
	MessageNewSignal MessageType = "new_signal"
)

// Origin identifies the upstream message an event was extracted from.
type Origin struct {
	ExternalMsgID int64     `json:"external_msg_id"`
	ChannelID     int64     `json:"channel_id"`
	RawText       string    `json:"raw_text"`
	RawImagePath  string    `json:"raw_image_path,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// ParsedEvent is the record produced by the upstream classifier. Numeric
// fields are pointers because the classifier omits what it cannot extract.
// Every number arrives as a JSON number, so integral fields such as leverage
// are decoded as floats ("8.0" is common) and read through the Int* methods.
type ParsedEvent struct {
	MessageType     MessageType `json:"message_type"`
	Symbol          string      `json:"symbol"`
	Direction       string      `json:"direction"`
	EntryPriceLow   *float64    `json:"entry_price_low"`
	EntryPriceHigh  *float64    `json:"entry_price_high"`
	StopLoss        *float64    `json:"stop_loss"`
	TakeProfits     []float64   `json:"take_profits"`
	RiskPercent     *float64    `json:"risk_percent"`
	Leverage        *float64    `json:"leverage"`
	MarginType      string      `json:"margin_type"`
	TPNumber        *float64    `json:"tp_number"`
	ProfitPercent   *float64    `json:"profit_percent"`
	ClosePercentage *float64    `json:"close_percentage"`
	NewStopLoss     *float64    `json:"new_stop_loss"`
	Confidence      float64     `json:"confidence"`
	Origin          Origin      `json:"origin"`

	// StreamID is the id of the stream entry the event was read from. It is
	// not part of the wire format.
	StreamID string `json:"-"`
}

// IntLeverage returns the leverage rounded to a whole number.
func (e ParsedEvent) IntLeverage() *int { return wholeNumber(e.Leverage) }

// IntTPNumber returns the take-profit number rounded to a whole number.
func (e ParsedEvent) IntTPNumber() *int { return wholeNumber(e.TPNumber) }

// IntClosePercentage returns the close percentage rounded to a whole number.
func (e ParsedEvent) IntClosePercentage() *int { return wholeNumber(e.ClosePercentage) }

// wholeNumber rounds v to the nearest int. Nil, NaN and values outside the
// int32 range yield nil.
func wholeNumber(v *float64) *int {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	r := math.Round(*v)
	if r > math.MaxInt32 || r < math.MinInt32 {
		return nil
	}
	n := int(r)
	return &n
}

// IsNewSignal reports whether the event opens a new trading idea.
func (e ParsedEvent) IsNewSignal() bool {
	return e.MessageType == MessageNewSignal
}

// UpdateKind maps the message type onto a SignalUpdate kind.
func (e ParsedEvent) UpdateKind() (UpdateKind, error) {
	return ParseUpdateKind(string(e.MessageType))
}

// Forwardable reports whether the event should reach the orchestrator.
// Informational messages that name no symbol are dropped upstream.
func (e ParsedEvent) Forwardable() bool {
	if e.MessageType == MessageType(UpdateInfo) && strings.TrimSpace(e.Symbol) == "" {
		return false
	}
	return e.MessageType != ""
}
