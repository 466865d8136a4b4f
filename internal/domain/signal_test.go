package domain

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("short")
	require.NoError(t, err)
	assert.Equal(t, DirectionShort, d)
	assert.Equal(t, OrderSideOpenShort, d.OpenSide())
	assert.Equal(t, OrderSideCloseShort, d.CloseSide())

	_, err = ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMarginTypeCode(t *testing.T) {
	assert.Equal(t, "1", MarginIsolated.PositionTypeCode())
	assert.Equal(t, "2", MarginCross.PositionTypeCode())
}

func TestSignalTransition(t *testing.T) {
	now := time.Now()
	s := Signal{ID: "sig-1", Status: SignalStatusNew}

	require.NoError(t, s.Transition(SignalStatusActive, now))
	require.NoError(t, s.Transition(SignalStatusPartiallyClosed, now))
	require.NoError(t, s.Transition(SignalStatusClosed, now))
	assert.True(t, s.Status.Terminal())

	err := s.Transition(SignalStatusActive, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, SignalStatusClosed, s.Status)
}

func TestSignalTakeProfit(t *testing.T) {
	s := Signal{TakeProfits: []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(20)}}

	tp, ok := s.TakeProfit(1)
	require.True(t, ok)
	assert.True(t, tp.Equal(decimal.NewFromInt(10)))

	_, ok = s.TakeProfit(3)
	assert.False(t, ok)
	_, ok = s.TakeProfit(0)
	assert.False(t, ok)
}

func TestParsedEventForwardable(t *testing.T) {
	assert.False(t, ParsedEvent{MessageType: "info"}.Forwardable())
	assert.True(t, ParsedEvent{MessageType: "info", Symbol: "BTC"}.Forwardable())
	assert.True(t, ParsedEvent{MessageType: MessageNewSignal}.Forwardable())
	assert.False(t, ParsedEvent{}.Forwardable())

	kind, err := ParsedEvent{MessageType: "tp_hit"}.UpdateKind()
	require.NoError(t, err)
	assert.Equal(t, UpdateTPHit, kind)
}

func TestExchangeErrorIs(t *testing.T) {
	var err error = &ExchangeError{Op: "place_order", Path: "/x", StatusCode: http.StatusTooManyRequests}
	assert.True(t, errors.Is(err, ErrExchange))
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrUnauthorized))

	err = &ExchangeError{Op: "balance", Path: "/x", StatusCode: http.StatusForbidden}
	assert.True(t, errors.Is(err, ErrUnauthorized))

	var vErr error = &ValidationError{Field: "stop_loss", Reason: "missing"}
	assert.ErrorIs(t, vErr, ErrValidation)
}
