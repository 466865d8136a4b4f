package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/platform/lbank"
)

// ReconcileWorker brings local orders in line with the exchange's view of
// them and promotes pending positions once their entry fills.
type ReconcileWorker struct {
	exchange  Exchange
	orders    domain.OrderStore
	positions domain.PositionStore
	locks     domain.LockManager
	lockTTL   time.Duration
	events    eventSink
	now       func() time.Time
	logger    *slog.Logger
}

// WorkerDeps are the collaborators shared by the sweep workers.
type WorkerDeps struct {
	Exchange  Exchange
	Orders    domain.OrderStore
	Positions domain.PositionStore
	Locks     domain.LockManager
	Audit     domain.AuditStore
	Bus       domain.SignalBus
	Notifier  Notifier
	LockTTL   time.Duration
	Now       func() time.Time
}

func (d WorkerDeps) withDefaults() WorkerDeps {
	if d.LockTTL <= 0 {
		d.LockTTL = 30 * time.Second
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// NewReconcileWorker creates a ReconcileWorker.
func NewReconcileWorker(deps WorkerDeps, logger *slog.Logger) *ReconcileWorker {
	deps = deps.withDefaults()
	logger = logger.With(slog.String("component", "reconcile_worker"))
	return &ReconcileWorker{
		exchange:  deps.Exchange,
		orders:    deps.Orders,
		positions: deps.Positions,
		locks:     deps.Locks,
		lockTTL:   deps.LockTTL,
		events:    eventSink{bus: deps.Bus, audit: deps.Audit, notifier: deps.Notifier, logger: logger},
		now:       deps.Now,
		logger:    logger,
	}
}

var openOrderStatuses = []domain.OrderStatus{domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled}

// Sweep checks every submitted or partially filled order against the
// exchange. A failure on one order is logged and counted; orders whose
// position lock is held are skipped until the next sweep.
func (w *ReconcileWorker) Sweep(ctx context.Context) (SweepReport, error) {
	orders, err := w.orders.ListByStatus(ctx, openOrderStatuses, domain.ListOpts{})
	if err != nil {
		return SweepReport{}, fmt.Errorf("reconcile: list orders: %w", err)
	}
	var rep SweepReport
	for _, o := range orders {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		var changed bool
		err := withLock(ctx, w.locks, domain.PositionLockKey(o.PositionID), w.lockTTL, 0, func() error {
			var err error
			changed, err = w.reconcileOrder(ctx, o.ID)
			return err
		})
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			rep.Skipped++
			w.logger.DebugContext(ctx, "position locked, order skipped",
				slog.String("order_id", o.ID),
				slog.String("position_id", o.PositionID),
			)
		case err != nil:
			rep.Failed++
			w.logger.ErrorContext(ctx, "reconcile order failed",
				slog.String("order_id", o.ID),
				slog.String("exchange_order_id", o.ExchangeOrderID),
				slog.String("error", err.Error()),
			)
		case changed:
			rep.Updated++
		}
	}
	return rep, nil
}

// reconcileOrder must be called with the position lock held.
func (w *ReconcileWorker) reconcileOrder(ctx context.Context, orderID string) (bool, error) {
	order, err := w.orders.GetByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !statusIn(order.Status, openOrderStatuses) {
		return false, nil
	}
	pos, err := w.positions.GetByID(ctx, order.PositionID)
	if err != nil {
		return false, fmt.Errorf("load position %s: %w", order.PositionID, err)
	}
	detail, err := w.exchange.OrderDetail(ctx, pos.Symbol, order.ExchangeOrderID)
	if err != nil {
		return false, err
	}

	now := w.now()
	switch detail.NormalizedStatus() {
	case lbank.StatusFilled:
		fill := detail.AvgPrice
		if fill != nil && !fill.IsPositive() {
			fill = nil
		}
		if err := order.MarkFilled(fill, now); err != nil {
			return false, err
		}
		if err := w.orders.Update(ctx, order); err != nil {
			return false, err
		}
		promoted := false
		if pos.Status == domain.PositionStatusPending && order.Side.Opening() {
			if order.FilledPrice != nil {
				err = pos.Open(*order.FilledPrice, now)
			} else {
				err = pos.Transition(domain.PositionStatusOpen, now)
				openedAt := now
				pos.OpenedAt = &openedAt
			}
			if err != nil {
				return true, err
			}
			if err := w.positions.Update(ctx, pos); err != nil {
				return true, err
			}
			promoted = true
		}
		fields := orderFields(order, pos)
		fields["position_opened"] = promoted
		w.logger.InfoContext(ctx, "order filled",
			slog.String("order_id", order.ID),
			slog.String("position_id", pos.ID),
			slog.Bool("position_opened", promoted),
		)
		w.events.emit(ctx, domain.ChannelOrders, "reconcile.order_filled", fields)
		w.events.notify(ctx, NotifyOrderFilled, "Order filled",
			fmt.Sprintf("%s %s %s @ %s", pos.Symbol, order.Side, order.Quantity, priceString(order.FilledPrice)))
		return true, nil

	case lbank.StatusCancelled:
		if err := order.Transition(domain.OrderStatusCancelled, now); err != nil {
			return false, err
		}
		if err := w.orders.Update(ctx, order); err != nil {
			return false, err
		}
		if pos.Status == domain.PositionStatusPending && order.Side.Opening() && order.FilledQuantity.IsZero() {
			if err := pos.Transition(domain.PositionStatusCancelled, now); err != nil {
				return true, err
			}
			if err := w.positions.Update(ctx, pos); err != nil {
				return true, err
			}
		}
		w.logger.InfoContext(ctx, "order cancelled on exchange",
			slog.String("order_id", order.ID),
			slog.String("position_status", string(pos.Status)),
		)
		w.events.emit(ctx, domain.ChannelOrders, "reconcile.order_cancelled", orderFields(order, pos))
		return true, nil

	case lbank.StatusPartiallyFilled:
		if detail.DealVolume == nil || !detail.DealVolume.IsPositive() {
			return false, nil
		}
		filled := *detail.DealVolume
		if filled.GreaterThan(order.Quantity) {
			filled = order.Quantity
		}
		if filled.Equal(order.FilledQuantity) && order.Status == domain.OrderStatusPartiallyFilled {
			return false, nil
		}
		if err := order.Transition(domain.OrderStatusPartiallyFilled, now); err != nil {
			return false, err
		}
		order.FilledQuantity = filled
		if detail.AvgPrice != nil && detail.AvgPrice.IsPositive() {
			p := *detail.AvgPrice
			order.FilledPrice = &p
		}
		if err := w.orders.Update(ctx, order); err != nil {
			return false, err
		}
		w.events.emit(ctx, domain.ChannelOrders, "reconcile.order_partially_filled", orderFields(order, pos))
		return true, nil

	default:
		return false, nil
	}
}

func orderFields(o domain.Order, p domain.Position) map[string]any {
	return map[string]any{
		"order_id":          o.ID,
		"exchange_order_id": o.ExchangeOrderID,
		"position_id":       p.ID,
		"symbol":            p.Symbol,
		"side":              string(o.Side),
		"status":            string(o.Status),
		"filled_quantity":   o.FilledQuantity.String(),
		"filled_price":      priceString(o.FilledPrice),
		"position_status":   string(p.Status),
	}
}
