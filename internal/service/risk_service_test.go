package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

func TestPositionSize(t *testing.T) {
	testCases := []struct {
		name       string
		balance    string
		risk       string
		leverage   int
		entry      string
		stop       string
		wantRisk   string
		wantDist   string
		wantVolume string
	}{
		{"eth long", "1000", "1", 8, "1966.3", "1900", "10", "66.3", "1.2066"},
		{"short above entry", "1000", "1", 8, "1900", "1966.3", "10", "66.3", "1.2066"},
		{"tiny distance", "100", "2", 1, "1", "0.99995", "2", "0.00005", "40000"},
		{"small", "50", "0.5", 10, "60000", "59000", "0.25", "1000", "0.0025"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := PositionSize(dec(tc.balance), dec(tc.risk), tc.leverage, dec(tc.entry), dec(tc.stop))
			require.NoError(t, err)
			assert.True(t, s.RiskAmount.Equal(dec(tc.wantRisk)), "risk %s", s.RiskAmount)
			assert.True(t, s.SLDistance.Equal(dec(tc.wantDist)), "dist %s", s.SLDistance)
			assert.True(t, s.Volume.Equal(dec(tc.wantVolume)), "volume %s", s.Volume)
			assert.True(t, s.Volume.Equal(s.Size.Round(VolumePrecision)))
			assert.True(t, s.Size.IsPositive())
		})
	}
}

func TestPositionSizeRejects(t *testing.T) {
	_, err := PositionSize(dec("1000"), dec("1"), 8, dec("100"), dec("100"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = PositionSize(decimal.Zero, dec("1"), 8, dec("100"), dec("90"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = PositionSize(dec("1000"), dec("1"), 0, dec("100"), dec("90"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	// 0.01 * 1% * 1 / 1000 rounds to zero.
	_, err = PositionSize(dec("0.01"), dec("1"), 1, dec("2000"), dec("1000"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCloseQuantity(t *testing.T) {
	testCases := []struct {
		remaining string
		percent   int
		want      string
	}{
		{"1.2066", 50, "0.6033"},
		{"1.2066", 100, "1.2066"},
		{"1.2066", 0, "1.2066"},
		{"1.2066", 150, "1.2066"},
		{"0.0001", 50, "0.0001"},
		{"0.0003", 50, "0.0002"},
		{"0.0004", 10, "0"},
		{"0.0002", 20, "0"},
		{"10", 33, "3.3"},
	}
	for _, tc := range testCases {
		got := CloseQuantity(dec(tc.remaining), tc.percent)
		assert.True(t, got.Equal(dec(tc.want)), "%s x %d%% = %s, want %s", tc.remaining, tc.percent, got, tc.want)
		assert.True(t, got.LessThanOrEqual(dec(tc.remaining)))
	}
}

func TestReserveCapacity(t *testing.T) {
	positions := newMemPositions()
	locks := newMemLocks()
	svc := NewRiskService(positions, locks, RiskConfig{MaxOpenPositions: 1}, discardLogger())
	ctx := context.Background()

	release, err := svc.ReserveCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, locks.heldCount())

	// A second reservation while the first is held cannot proceed.
	_, err = svc.ReserveCapacity(ctx)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	release()

	positions.put(domain.Position{
		ID:                "p1",
		Status:            domain.PositionStatusPending,
		Quantity:          decimal.NewFromInt(1),
		RemainingQuantity: decimal.NewFromInt(1),
	})
	_, err = svc.ReserveCapacity(ctx)
	assert.ErrorIs(t, err, domain.ErrCapacity)
	assert.Zero(t, locks.heldCount())
}
