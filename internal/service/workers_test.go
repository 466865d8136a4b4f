package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/platform/lbank"
)

var workerNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type workerHarness struct {
	ex        *fakeExchange
	positions *memPositions
	orders    *memOrders
	locks     *memLocks
	audit     *memAudit
	notifier  *fakeNotifier
	deps      WorkerDeps
}

func newWorkerHarness() *workerHarness {
	h := &workerHarness{
		ex:        newFakeExchange(),
		positions: newMemPositions(),
		orders:    newMemOrders(),
		locks:     newMemLocks(),
		audit:     &memAudit{},
		notifier:  &fakeNotifier{},
	}
	h.deps = WorkerDeps{
		Exchange:  h.ex,
		Orders:    h.orders,
		Positions: h.positions,
		Locks:     h.locks,
		Audit:     h.audit,
		Bus:       &memBus{},
		Notifier:  h.notifier,
		Now:       func() time.Time { return workerNow },
	}
	return h
}

func (h *workerHarness) seedEntry(posID, orderID, exchangeID string) {
	qty := dec("1.2066")
	price := dec("1966.3")
	h.positions.put(domain.Position{
		ID:                posID,
		SignalID:          "sig-" + posID,
		Symbol:            "ETHUSDT",
		Side:              domain.DirectionLong,
		Quantity:          qty,
		RemainingQuantity: qty,
		Status:            domain.PositionStatusPending,
	})
	h.orders.put(domain.Order{
		ID:              orderID,
		PositionID:      posID,
		ExchangeOrderID: exchangeID,
		Side:            domain.OrderSideOpenLong,
		Type:            domain.OrderTypeLimit,
		Price:           &price,
		Quantity:        qty,
		Status:          domain.OrderStatusSubmitted,
	})
}

func TestReconcileFilledPromotesPosition(t *testing.T) {
	h := newWorkerHarness()
	h.seedEntry("p1", "o1", "ex-1")
	avg := dec("1965.8")
	h.ex.details["ex-1"] = lbank.OrderDetail{Status: "FILLED", AvgPrice: &avg}

	rep, err := NewReconcileWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Updated: 1}, rep)

	order := h.orders.get("o1")
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(order.Quantity))
	require.NotNil(t, order.FilledPrice)
	assert.True(t, order.FilledPrice.Equal(avg))

	pos := h.positions.get("p1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	require.NotNil(t, pos.EntryPrice)
	assert.True(t, pos.EntryPrice.Equal(avg))
	require.NotNil(t, pos.OpenedAt)
	assert.Equal(t, workerNow, *pos.OpenedAt)

	assert.Contains(t, h.audit.events(), "reconcile.order_filled")
	assert.Equal(t, []string{NotifyOrderFilled}, h.notifier.got())
	assert.Zero(t, h.locks.heldCount())
}

func TestReconcileCompletedFallsBackToLimitPrice(t *testing.T) {
	h := newWorkerHarness()
	h.seedEntry("p1", "o1", "ex-1")
	h.ex.details["ex-1"] = lbank.OrderDetail{Status: "completed"}

	_, err := NewReconcileWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)

	order := h.orders.get("o1")
	require.NotNil(t, order.FilledPrice)
	assert.True(t, order.FilledPrice.Equal(dec("1966.3")))
	assert.True(t, h.positions.get("p1").EntryPrice.Equal(dec("1966.3")))
}

func TestReconcileCancelled(t *testing.T) {
	h := newWorkerHarness()
	h.seedEntry("p1", "o1", "ex-1")
	h.ex.details["ex-1"] = lbank.OrderDetail{Status: "Canceled"}

	rep, err := NewReconcileWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, domain.OrderStatusCancelled, h.orders.get("o1").Status)
	assert.Equal(t, domain.PositionStatusCancelled, h.positions.get("p1").Status)
}

func TestReconcileCloseOrderFillDoesNotTouchPosition(t *testing.T) {
	h := newWorkerHarness()
	h.seedEntry("p1", "o1", "ex-1")
	o := h.orders.get("o1")
	o.Status = domain.OrderStatusFilled
	h.orders.put(o)
	pos := h.positions.get("p1")
	pos.Status = domain.PositionStatusPartiallyClosed
	h.positions.put(pos)
	h.orders.put(domain.Order{
		ID:              "o2",
		PositionID:      "p1",
		ExchangeOrderID: "ex-2",
		Side:            domain.OrderSideCloseLong,
		Type:            domain.OrderTypeMarket,
		Quantity:        dec("0.6"),
		Status:          domain.OrderStatusSubmitted,
	})
	avg := dec("2000")
	h.ex.details["ex-2"] = lbank.OrderDetail{Status: "filled", AvgPrice: &avg}

	rep, err := NewReconcileWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Updated: 1}, rep)
	assert.Equal(t, domain.OrderStatusFilled, h.orders.get("o2").Status)
	assert.Equal(t, domain.PositionStatusPartiallyClosed, h.positions.get("p1").Status)
}

func TestReconcilePartiallyFilled(t *testing.T) {
	h := newWorkerHarness()
	h.seedEntry("p1", "o1", "ex-1")
	deal := dec("0.5")
	h.ex.details["ex-1"] = lbank.OrderDetail{Status: "partially_filled", DealVolume: &deal}
	w := NewReconcileWorker(h.deps, discardLogger())

	rep, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)
	order := h.orders.get("o1")
	assert.Equal(t, domain.OrderStatusPartiallyFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(deal))
	assert.Equal(t, domain.PositionStatusPending, h.positions.get("p1").Status)

	// Same fill again is not a change.
	rep, err = w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Updated)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	h := newWorkerHarness()
	h.seedEntry("p1", "o1", "ex-missing")
	h.seedEntry("p2", "o2", "ex-2")
	h.seedEntry("p3", "o3", "ex-3")
	h.ex.details["ex-2"] = lbank.OrderDetail{Status: "filled"}
	h.ex.details["ex-3"] = lbank.OrderDetail{Status: "new"}
	h.locks.hold(domain.PositionLockKey("p3"))

	rep, err := NewReconcileWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 3, Updated: 1, Skipped: 1, Failed: 1}, rep)
	assert.Equal(t, domain.OrderStatusSubmitted, h.orders.get("o1").Status)
	assert.Equal(t, domain.OrderStatusFilled, h.orders.get("o2").Status)
	assert.Equal(t, domain.OrderStatusSubmitted, h.orders.get("o3").Status)
}

func TestReconcileUnknownStatusIsNoop(t *testing.T) {
	h := newWorkerHarness()
	h.seedEntry("p1", "o1", "ex-1")
	h.ex.details["ex-1"] = lbank.OrderDetail{Status: "NEW"}

	rep, err := NewReconcileWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1}, rep)
	assert.Equal(t, domain.OrderStatusSubmitted, h.orders.get("o1").Status)
}

func seedOpen(h *workerHarness, id, symbol string, side domain.Direction) {
	h.positions.put(domain.Position{
		ID:                id,
		Symbol:            symbol,
		Side:              side,
		Quantity:          decimal.NewFromInt(1),
		RemainingQuantity: decimal.NewFromInt(1),
		Status:            domain.PositionStatusOpen,
	})
}

func TestPnLSweep(t *testing.T) {
	h := newWorkerHarness()
	seedOpen(h, "p1", "ETHUSDT", domain.DirectionLong)
	seedOpen(h, "p2", "ETHUSDT", domain.DirectionShort)
	seedOpen(h, "p3", "BTCUSDT", domain.DirectionLong)
	h.ex.positions["ETHUSDT"] = []lbank.ExchangePosition{
		{Symbol: "ETHUSDT", Side: "LONG", UnrealizedPnl: dec("12.5")},
		{Symbol: "ETHUSDT", PositionSide: "short", UnrealizedPnl: dec("-3.25")},
	}

	rep, err := NewPnLWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 3, Updated: 2, Skipped: 1}, rep)
	assert.True(t, h.positions.get("p1").UnrealizedPnL.Equal(dec("12.5")))
	assert.True(t, h.positions.get("p2").UnrealizedPnL.Equal(dec("-3.25")))
	assert.True(t, h.positions.get("p3").UnrealizedPnL.IsZero())
}

func TestPnLSweepFetchesEachSymbolOnce(t *testing.T) {
	h := newWorkerHarness()
	seedOpen(h, "p1", "ETHUSDT", domain.DirectionLong)
	seedOpen(h, "p2", "ETHUSDT", domain.DirectionLong)
	h.ex.positions["ETHUSDT"] = []lbank.ExchangePosition{{Side: "long", UnrealizedPnl: dec("1")}}

	_, err := NewPnLWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.ex.calls)
}

func TestPnLSweepExchangeFailure(t *testing.T) {
	h := newWorkerHarness()
	seedOpen(h, "p1", "ETHUSDT", domain.DirectionLong)
	h.ex.fail("Positions", errors.New("timeout"))

	rep, err := NewPnLWorker(h.deps, discardLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
}

func TestSweeperSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int
	sweep := func(ctx context.Context) (SweepReport, error) {
		runs++
		close(started)
		<-release
		return SweepReport{Scanned: 1}, nil
	}
	s := NewSweeper("reconcile", time.Minute, sweep, newMemLocks(), discardLogger())

	done := make(chan bool)
	go func() {
		_, ran, err := s.RunOnce(context.Background())
		assert.NoError(t, err)
		done <- ran
	}()
	<-started

	_, ran, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, 1, runs)
}

func TestSweeperSkipsWhenLockedElsewhere(t *testing.T) {
	locks := newMemLocks()
	locks.hold(domain.WorkerLockKey("pnl"))
	var runs int
	s := NewSweeper("pnl", time.Minute, func(context.Context) (SweepReport, error) {
		runs++
		return SweepReport{}, nil
	}, locks, discardLogger())

	_, ran, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, runs)
}

func TestSweeperReleasesLock(t *testing.T) {
	locks := newMemLocks()
	s := NewSweeper("pnl", time.Minute, func(context.Context) (SweepReport, error) {
		return SweepReport{}, errors.New("boom")
	}, locks, discardLogger())

	_, ran, err := s.RunOnce(context.Background())
	assert.True(t, ran)
	assert.Error(t, err)
	assert.Zero(t, locks.heldCount())

	_, ran, _ = s.RunOnce(context.Background())
	assert.True(t, ran)
}
