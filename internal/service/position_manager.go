package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/platform/lbank"
)

// settleTimeout bounds the compensation and terminal status writes, which run
// detached from the handler context so an expired event deadline cannot leave
// an accepted order live or a signal stuck in NEW.
const settleTimeout = 15 * time.Second

// ManagerConfig holds the trading defaults and limits of the PositionManager.
type ManagerConfig struct {
	DefaultRiskPercent  float64
	DefaultLeverage     int
	DefaultMarginType   domain.MarginType
	MaxOpenPositions    int
	DefaultClosePercent int
	// LockTTL is the TTL of the per-position lock.
	LockTTL time.Duration
	// LockWait is how long a handler waits for a held lock.
	LockWait        time.Duration
	CapacityLockTTL time.Duration
	DryRun          bool
}

// DefaultManagerConfig returns the stock trading defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultRiskPercent:  1.0,
		DefaultLeverage:     8,
		DefaultMarginType:   domain.MarginIsolated,
		MaxOpenPositions:    5,
		DefaultClosePercent: 50,
		LockTTL:             30 * time.Second,
		LockWait:            10 * time.Second,
		CapacityLockTTL:     2 * time.Minute,
	}
}

// ManagerDeps are the collaborators of the PositionManager. Audit, Bus,
// Notifier, Locks and Processed are optional; Now and NewID default to the
// wall clock and random UUIDs.
type ManagerDeps struct {
	Exchange  Exchange
	Signals   domain.SignalStore
	Updates   domain.SignalUpdateStore
	Positions domain.PositionStore
	Orders    domain.OrderStore
	Audit     domain.AuditStore
	Processed domain.ProcessedStore
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Notifier  Notifier
	Now       func() time.Time
	NewID     func() string
}

// PositionManager turns parsed signals into exchange positions and applies
// follow-up updates to them. It is not safe for concurrent use: events must
// be fed to it one at a time, in receipt order.
type PositionManager struct {
	cfg       ManagerConfig
	exchange  Exchange
	signals   domain.SignalStore
	updates   domain.SignalUpdateStore
	positions domain.PositionStore
	orders    domain.OrderStore
	processed domain.ProcessedStore
	locks     domain.LockManager
	risk      *RiskService
	matcher   *SignalMatcher
	events    eventSink
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// NewPositionManager creates a PositionManager.
func NewPositionManager(cfg ManagerConfig, deps ManagerDeps, logger *slog.Logger) *PositionManager {
	def := DefaultManagerConfig()
	if cfg.DefaultRiskPercent <= 0 {
		cfg.DefaultRiskPercent = def.DefaultRiskPercent
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = def.DefaultLeverage
	}
	if !cfg.DefaultMarginType.Valid() {
		cfg.DefaultMarginType = def.DefaultMarginType
	}
	if cfg.DefaultClosePercent <= 0 || cfg.DefaultClosePercent > 100 {
		cfg.DefaultClosePercent = def.DefaultClosePercent
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.CapacityLockTTL <= 0 {
		cfg.CapacityLockTTL = def.CapacityLockTTL
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	logger = logger.With(slog.String("component", "position_manager"))
	return &PositionManager{
		cfg:       cfg,
		exchange:  deps.Exchange,
		signals:   deps.Signals,
		updates:   deps.Updates,
		positions: deps.Positions,
		orders:    deps.Orders,
		processed: deps.Processed,
		locks:     deps.Locks,
		risk: NewRiskService(deps.Positions, deps.Locks, RiskConfig{
			MaxOpenPositions: cfg.MaxOpenPositions,
			CapacityLockTTL:  cfg.CapacityLockTTL,
			LockWait:         cfg.LockWait,
		}, logger),
		matcher: NewSignalMatcher(deps.Signals, logger),
		events: eventSink{
			bus:      deps.Bus,
			audit:    deps.Audit,
			notifier: deps.Notifier,
			logger:   logger,
		},
		now:    deps.Now,
		newID:  deps.NewID,
		logger: logger,
	}
}

// Config returns the effective configuration.
func (m *PositionManager) Config() ManagerConfig { return m.cfg }

// Handle dispatches ev to HandleNewSignal or HandleUpdate. A message that
// already has a recorded outcome is skipped, and every handled message gets
// one, so replaying the event stream never re-executes a message.
func (m *PositionManager) Handle(ctx context.Context, ev domain.ParsedEvent) error {
	if m.seen(ctx, ev) {
		m.logger.InfoContext(ctx, "replayed message skipped",
			slog.Int64("channel_id", ev.Origin.ChannelID),
			slog.Int64("external_msg_id", ev.Origin.ExternalMsgID),
			slog.String("message_type", string(ev.MessageType)),
		)
		return nil
	}
	var err error
	if ev.IsNewSignal() {
		_, err = m.HandleNewSignal(ctx, ev)
	} else {
		_, err = m.HandleUpdate(ctx, ev)
	}
	m.markProcessed(ctx, ev, err)
	return err
}

func (m *PositionManager) tracksMessages(ev domain.ParsedEvent) bool {
	return m.processed != nil && !m.cfg.DryRun && ev.Origin.ExternalMsgID != 0
}

// seen reports whether ev's message was processed before. A lookup failure is
// logged and treated as unseen; the unique message ids on signals and updates
// still reject duplicates.
func (m *PositionManager) seen(ctx context.Context, ev domain.ParsedEvent) bool {
	if !m.tracksMessages(ev) {
		return false
	}
	ok, err := m.processed.Seen(ctx, ev.Origin.ChannelID, ev.Origin.ExternalMsgID)
	if err != nil {
		m.logger.WarnContext(ctx, "processed lookup failed",
			slog.Int64("external_msg_id", ev.Origin.ExternalMsgID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

func (m *PositionManager) markProcessed(ctx context.Context, ev domain.ParsedEvent, handleErr error) {
	if !m.tracksMessages(ev) {
		return
	}
	rec := domain.ProcessedMessage{
		ChannelID:     ev.Origin.ChannelID,
		ExternalMsgID: ev.Origin.ExternalMsgID,
		MessageType:   string(ev.MessageType),
		Outcome:       outcomeOf(handleErr),
		ProcessedAt:   m.now(),
	}
	if handleErr != nil {
		rec.Detail = handleErr.Error()
	}
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := m.processed.Mark(sctx, rec); err != nil {
		m.logger.ErrorContext(ctx, "record processed message failed",
			slog.Int64("external_msg_id", rec.ExternalMsgID),
			slog.String("error", err.Error()),
		)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return domain.OutcomeHandled
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrCapacity),
		errors.Is(err, domain.ErrNoMatch),
		errors.Is(err, domain.ErrAlreadyExists):
		return domain.OutcomeDropped
	default:
		return domain.OutcomeFailed
	}
}

// settleContext keeps ctx's values but not its cancellation or deadline.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// ---------------------------------------------------------------------------
// New signals
// ---------------------------------------------------------------------------

// HandleNewSignal validates ev, persists it as a Signal and runs the entry
// sequence on the exchange. Exchange failures are reported through the
// result's failed step and leave the Signal CANCELLED; the returned error is
// reserved for validation, capacity and persistence problems, none of which
// reach the exchange.
func (m *PositionManager) HandleNewSignal(ctx context.Context, ev domain.ParsedEvent) (NewSignalResult, error) {
	var res NewSignalResult

	sig, err := m.signalFromEvent(ev)
	if err != nil {
		m.logger.WarnContext(ctx, "signal rejected",
			slog.Int64("external_msg_id", ev.Origin.ExternalMsgID),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	symbol := NormalizeSymbol(sig.Symbol)

	if m.cfg.DryRun {
		m.logger.InfoContext(ctx, "dry run: would open position",
			slog.String("symbol", symbol),
			slog.String("direction", string(sig.Direction)),
			slog.String("entry", sig.EntryLow.String()),
			slog.String("stop_loss", sig.StopLoss.String()),
			slog.String("risk_percent", sig.RiskPercent.String()),
			slog.Int("leverage", sig.Leverage),
		)
		res.Status = domain.SignalStatusNew
		res.DryRun = true
		return res, nil
	}

	release, err := m.risk.ReserveCapacity(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "signal dropped",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	var released bool
	releaseCapacity := func() {
		if !released {
			released = true
			release()
		}
	}
	defer releaseCapacity()

	if err := m.signals.Create(ctx, sig); err != nil {
		return res, fmt.Errorf("position_manager: create signal: %w", err)
	}
	res.SignalID = sig.ID
	res.Status = sig.Status

	if SLDistance(sig.EntryLow, sig.StopLoss).IsZero() {
		err := &domain.ValidationError{Field: "stop_loss", Reason: "stop loss equals entry price"}
		m.logger.WarnContext(ctx, "signal not executed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	if s := res.record(m.step(StepSetLeverage, func() error {
		return m.exchange.SetLeverage(ctx, symbol, sig.Leverage)
	})); !s.OK() {
		m.cancelSignal(ctx, &sig, &res, s)
		return res, nil
	}
	if s := res.record(m.step(StepSetMarginType, func() error {
		return m.exchange.SetMarginType(ctx, symbol, sig.MarginType)
	})); !s.OK() {
		s.Compensation = CompensationNotNeeded
		res.Steps[len(res.Steps)-1] = s
		m.cancelSignal(ctx, &sig, &res, s)
		return res, nil
	}

	var sizing Sizing
	if s := res.record(m.step(StepReadBalance, func() error {
		bal, err := m.exchange.Balance(ctx)
		if err != nil {
			return err
		}
		sizing, err = PositionSize(bal, sig.RiskPercent, sig.Leverage, sig.EntryLow, sig.StopLoss)
		return err
	})); !s.OK() {
		s.Compensation = CompensationNotNeeded
		res.Steps[len(res.Steps)-1] = s
		m.cancelSignal(ctx, &sig, &res, s)
		return res, nil
	}
	m.logger.InfoContext(ctx, "position sized",
		slog.String("signal_id", sig.ID),
		slog.String("risk_amount", sizing.RiskAmount.String()),
		slog.String("sl_distance", sizing.SLDistance.String()),
		slog.String("size", sizing.Size.String()),
		slog.String("volume", sizing.Volume.String()),
	)

	entry := sig.EntryLow
	openSide := sig.Direction.OpenSide()
	var exchangeOrderID string
	if s := res.record(m.step(StepPlaceEntryOrder, func() error {
		id, err := m.exchange.PlaceOrder(ctx, lbank.OrderRequest{
			Symbol: symbol,
			Side:   string(openSide),
			Volume: sizing.Volume,
			Price:  &entry,
			Type:   string(domain.OrderTypeLimit),
		})
		exchangeOrderID = id
		return err
	})); !s.OK() {
		s.Compensation = CompensationNotNeeded
		res.Steps[len(res.Steps)-1] = s
		m.cancelSignal(ctx, &sig, &res, s)
		return res, nil
	}
	res.ExchangeOrderID = exchangeOrderID

	now := m.now()
	stop := sig.StopLoss
	pos := domain.Position{
		ID:                m.newID(),
		SignalID:          sig.ID,
		Symbol:            symbol,
		Side:              sig.Direction,
		Leverage:          sig.Leverage,
		MarginType:        sig.MarginType,
		Quantity:          sizing.Volume,
		RemainingQuantity: sizing.Volume,
		MarginUsed:        sizing.Margin,
		CurrentStopLoss:   &stop,
		Status:            domain.PositionStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order := domain.Order{
		ID:              m.newID(),
		PositionID:      pos.ID,
		ExchangeOrderID: exchangeOrderID,
		Side:            openSide,
		Type:            domain.OrderTypeLimit,
		Price:           &entry,
		Quantity:        sizing.Volume,
		FilledQuantity:  decimal.Zero,
		Status:          domain.OrderStatusSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var positionCreated bool
	if s := res.record(m.step(StepRecordPosition, func() error {
		if err := m.positions.Create(ctx, pos); err != nil {
			return fmt.Errorf("create position: %w", err)
		}
		positionCreated = true
		if err := m.orders.Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return nil
	})); !s.OK() {
		s = m.compensateEntry(ctx, s, symbol, exchangeOrderID)
		if positionCreated && s.Compensation == CompensationCancelled {
			if err := pos.Transition(domain.PositionStatusCancelled, m.now()); err == nil {
				sctx, cancel := settleContext(ctx)
				err := m.positions.Update(sctx, pos)
				cancel()
				if err != nil {
					m.logger.ErrorContext(ctx, "cancel orphan position failed",
						slog.String("position_id", pos.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
		res.Steps[len(res.Steps)-1] = s
		m.cancelSignal(ctx, &sig, &res, s)
		return res, nil
	}
	res.PositionID = pos.ID
	res.OrderID = order.ID
	releaseCapacity()

	if s := res.record(m.step(StepSetStopLoss, func() error {
		return m.exchange.SetStopLoss(ctx, symbol, string(sig.Direction), sig.StopLoss)
	})); !s.OK() {
		s = m.compensateEntry(ctx, s, symbol, exchangeOrderID)
		if s.Compensation == CompensationCancelled {
			m.cancelEntry(ctx, pos.ID, order.ID)
		}
		res.Steps[len(res.Steps)-1] = s
		m.cancelSignal(ctx, &sig, &res, s)
		return res, nil
	}

	if tp1, ok := sig.TakeProfit(1); ok {
		m.placeTakeProfit(ctx, pos.ID, symbol, sig.Direction, tp1)
	}

	if err := sig.Transition(domain.SignalStatusActive, m.now()); err != nil {
		return res, err
	}
	sctx, cancel := settleContext(ctx)
	err = m.signals.UpdateStatus(sctx, sig.ID, sig.Status)
	cancel()
	if err != nil {
		return res, fmt.Errorf("position_manager: activate signal: %w", err)
	}
	res.Status = sig.Status

	m.logger.InfoContext(ctx, "signal active",
		slog.String("signal_id", sig.ID),
		slog.String("position_id", pos.ID),
		slog.String("symbol", symbol),
		slog.String("volume", sizing.Volume.String()),
	)
	fields := map[string]any{
		"signal_id":         sig.ID,
		"position_id":       pos.ID,
		"order_id":          order.ID,
		"exchange_order_id": exchangeOrderID,
		"symbol":            symbol,
		"direction":         string(sig.Direction),
		"quantity":          sizing.Volume.String(),
		"entry":             entry.String(),
		"stop_loss":         stop.String(),
	}
	m.events.emit(ctx, domain.ChannelSignals, "signal.active", fields)
	m.events.emit(ctx, domain.ChannelPositions, "position.pending", fields)
	m.events.notify(ctx, NotifySignalActive, "Signal active",
		fmt.Sprintf("%s %s %s @ %s, SL %s", symbol, sig.Direction, sizing.Volume, entry, stop))
	return res, nil
}

func (m *PositionManager) step(name Step, fn func() error) StepResult {
	return StepResult{Step: name, Err: fn()}
}

// compensateEntry cancels an entry order the exchange already accepted. The
// cancel is issued once, on a context that survives the handler deadline.
func (m *PositionManager) compensateEntry(ctx context.Context, s StepResult, symbol, exchangeOrderID string) StepResult {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := m.exchange.CancelOrder(sctx, symbol, exchangeOrderID); err != nil {
		s.Compensation = CompensationFailed
		s.CompensationErr = err
		m.logger.ErrorContext(ctx, "cancel entry order failed",
			slog.String("step", string(s.Step)),
			slog.String("exchange_order_id", exchangeOrderID),
			slog.String("error", err.Error()),
		)
		return s
	}
	s.Compensation = CompensationCancelled
	return s
}

// cancelEntry marks a pending position and its entry order CANCELLED after
// the entry order was cancelled on the exchange.
func (m *PositionManager) cancelEntry(parent context.Context, positionID, orderID string) {
	ctx, cancel := settleContext(parent)
	defer cancel()
	err := withLock(ctx, m.locks, domain.PositionLockKey(positionID), m.cfg.LockTTL, m.cfg.LockWait, func() error {
		pos, err := m.positions.GetByID(ctx, positionID)
		if err != nil {
			return err
		}
		order, err := m.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		now := m.now()
		if order.Status.CanTransition(domain.OrderStatusCancelled) {
			_ = order.Transition(domain.OrderStatusCancelled, now)
			if err := m.orders.Update(ctx, order); err != nil {
				return err
			}
		}
		if pos.Status == domain.PositionStatusPending {
			_ = pos.Transition(domain.PositionStatusCancelled, now)
			if err := m.positions.Update(ctx, pos); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "mark entry cancelled failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

// placeTakeProfit sets the first take-profit trigger. Failure is logged only.
func (m *PositionManager) placeTakeProfit(ctx context.Context, positionID, symbol string, side domain.Direction, price decimal.Decimal) {
	if err := m.exchange.SetTakeProfit(ctx, symbol, string(side), price); err != nil {
		m.logger.WarnContext(ctx, "set take profit failed",
			slog.String("position_id", positionID),
			slog.String("price", price.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	err := withLock(ctx, m.locks, domain.PositionLockKey(positionID), m.cfg.LockTTL, m.cfg.LockWait, func() error {
		pos, err := m.positions.GetByID(ctx, positionID)
		if err != nil {
			return err
		}
		tp := price
		pos.CurrentTakeProfit = &tp
		pos.UpdatedAt = m.now()
		return m.positions.Update(ctx, pos)
	})
	if err != nil {
		m.logger.WarnContext(ctx, "record take profit failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

// cancelSignal moves the signal to CANCELLED after a failed step and reports
// the failure and any compensation.
func (m *PositionManager) cancelSignal(parent context.Context, sig *domain.Signal, res *NewSignalResult, s StepResult) {
	ctx, cancel := settleContext(parent)
	defer cancel()
	m.logger.WarnContext(ctx, "signal step failed",
		slog.String("signal_id", sig.ID),
		slog.String("step", string(s.Step)),
		slog.String("compensation", string(s.Compensation)),
		slog.String("error", s.Err.Error()),
	)
	if err := sig.Transition(domain.SignalStatusCancelled, m.now()); err != nil {
		m.logger.ErrorContext(ctx, "cancel signal", slog.String("error", err.Error()))
	} else if err := m.signals.UpdateStatus(ctx, sig.ID, sig.Status); err != nil {
		m.logger.ErrorContext(ctx, "persist cancelled signal failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	}
	res.Status = sig.Status

	fields := map[string]any{
		"signal_id":    sig.ID,
		"symbol":       NormalizeSymbol(sig.Symbol),
		"step":         string(s.Step),
		"error":        s.Err.Error(),
		"compensation": string(s.Compensation),
	}
	if res.ExchangeOrderID != "" {
		fields["exchange_order_id"] = res.ExchangeOrderID
	}
	m.events.emit(ctx, domain.ChannelSignals, "signal.cancelled", fields)
	m.events.notify(ctx, NotifySignalCancelled, "Signal cancelled",
		fmt.Sprintf("%s: %s failed: %v", NormalizeSymbol(sig.Symbol), s.Step, s.Err))

	if s.Compensation == CompensationNone {
		return
	}
	if s.CompensationErr != nil {
		fields["compensation_error"] = s.CompensationErr.Error()
	}
	m.events.emit(ctx, domain.ChannelOrders, "compensation."+string(s.Compensation), fields)
	m.events.notify(ctx, NotifyCompensation, "Compensation "+string(s.Compensation),
		fmt.Sprintf("signal %s after %s", sig.ID, s.Step))
}

// signalFromEvent builds a NEW signal from ev, applying defaults.
func (m *PositionManager) signalFromEvent(ev domain.ParsedEvent) (domain.Signal, error) {
	if strings.TrimSpace(ev.Symbol) == "" {
		return domain.Signal{}, &domain.ValidationError{Field: "symbol", Reason: "missing"}
	}
	if strings.TrimSpace(ev.Direction) == "" {
		return domain.Signal{}, &domain.ValidationError{Field: "direction", Reason: "missing"}
	}
	dir, err := domain.ParseDirection(strings.ToLower(strings.TrimSpace(ev.Direction)))
	if err != nil {
		return domain.Signal{}, &domain.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown value %q", ev.Direction)}
	}
	if ev.EntryPriceLow == nil || *ev.EntryPriceLow <= 0 {
		return domain.Signal{}, &domain.ValidationError{Field: "entry_price_low", Reason: "missing"}
	}
	if ev.StopLoss == nil || *ev.StopLoss <= 0 {
		return domain.Signal{}, &domain.ValidationError{Field: "stop_loss", Reason: "missing"}
	}

	risk := m.cfg.DefaultRiskPercent
	if ev.RiskPercent != nil && *ev.RiskPercent > 0 {
		risk = *ev.RiskPercent
	}
	leverage := m.cfg.DefaultLeverage
	if lev := ev.IntLeverage(); lev != nil && *lev > 0 {
		leverage = *lev
	}
	margin := m.cfg.DefaultMarginType
	if ev.MarginType != "" {
		if mt, err := domain.ParseMarginType(strings.ToLower(ev.MarginType)); err == nil {
			margin = mt
		}
	}

	now := m.now()
	sig := domain.Signal{
		ID:            m.newID(),
		ExternalMsgID: ev.Origin.ExternalMsgID,
		ChannelID:     ev.Origin.ChannelID,
		RawText:       ev.Origin.RawText,
		RawImagePath:  ev.Origin.RawImagePath,
		Symbol:        strings.TrimSpace(ev.Symbol),
		Direction:     dir,
		EntryLow:      decimal.NewFromFloat(*ev.EntryPriceLow),
		StopLoss:      decimal.NewFromFloat(*ev.StopLoss),
		RiskPercent:   decimal.NewFromFloat(risk),
		Leverage:      leverage,
		MarginType:    margin,
		Status:        domain.SignalStatusNew,
		Confidence:    ev.Confidence,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ev.EntryPriceHigh != nil {
		hi := decimal.NewFromFloat(*ev.EntryPriceHigh)
		sig.EntryHigh = &hi
	}
	for i, tp := range ev.TakeProfits {
		if i == domain.MaxTakeProfits {
			break
		}
		sig.TakeProfits = append(sig.TakeProfits, decimal.NewFromFloat(tp))
	}
	if !ev.Origin.ReceivedAt.IsZero() {
		at := ev.Origin.ReceivedAt.UTC()
		sig.SignalTime = &at
	}
	return sig, nil
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

var (
	stopMovableStatuses = []domain.PositionStatus{domain.PositionStatusOpen, domain.PositionStatusPending}
	closableStatuses    = []domain.PositionStatus{
		domain.PositionStatusOpen,
		domain.PositionStatusPending,
		domain.PositionStatusPartiallyClosed,
	}
)

// HandleUpdate routes a follow-up message to the signal it refers to,
// records it and applies it. Exchange failures are logged, audited and
// reported in the result; the position is left as it was.
func (m *PositionManager) HandleUpdate(ctx context.Context, ev domain.ParsedEvent) (UpdateResult, error) {
	kind, err := ev.UpdateKind()
	if err != nil {
		m.logger.WarnContext(ctx, "update rejected",
			slog.Int64("external_msg_id", ev.Origin.ExternalMsgID),
			slog.String("error", err.Error()),
		)
		return UpdateResult{}, err
	}
	res := UpdateResult{Kind: kind}

	sig, err := m.matcher.Match(ctx, ev.Symbol)
	if err != nil {
		m.logger.WarnContext(ctx, "update dropped",
			slog.String("kind", string(kind)),
			slog.String("symbol", ev.Symbol),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	res.SignalID = sig.ID

	upd := domain.SignalUpdate{
		ID:            m.newID(),
		SignalID:      sig.ID,
		ExternalMsgID: ev.Origin.ExternalMsgID,
		RawText:       ev.Origin.RawText,
		Kind:          kind,
		TPNumber:      ev.IntTPNumber(),
		ClosePercent:  ev.IntClosePercentage(),
		ProfitPercent: ev.ProfitPercent,
		CreatedAt:     m.now(),
	}
	if ev.NewStopLoss != nil {
		sl := decimal.NewFromFloat(*ev.NewStopLoss)
		upd.NewStopLoss = &sl
	}

	if m.cfg.DryRun {
		m.logger.InfoContext(ctx, "dry run: would apply update",
			slog.String("signal_id", sig.ID),
			slog.String("kind", string(kind)),
		)
		return res, nil
	}

	if err := m.updates.Append(ctx, upd); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			m.logger.InfoContext(ctx, "duplicate update dropped",
				slog.Int64("external_msg_id", upd.ExternalMsgID),
			)
		}
		return res, fmt.Errorf("position_manager: append update: %w", err)
	}
	res.UpdateID = upd.ID

	switch kind {
	case domain.UpdateEntryHit, domain.UpdateTPHit, domain.UpdateInfo:
		m.logger.InfoContext(ctx, "update recorded",
			slog.String("signal_id", sig.ID),
			slog.String("kind", string(kind)),
		)
	case domain.UpdateRiskFree:
		m.moveStopLoss(ctx, sig, sig.EntryLow, &res)
	case domain.UpdateSLModified:
		if upd.NewStopLoss == nil {
			m.logger.InfoContext(ctx, "sl_modified without new stop loss ignored", slog.String("signal_id", sig.ID))
			break
		}
		m.moveStopLoss(ctx, sig, *upd.NewStopLoss, &res)
	case domain.UpdatePartialClose:
		pct := m.cfg.DefaultClosePercent
		if p := upd.ClosePercent; p != nil && *p > 0 {
			pct = *p
		}
		m.closePosition(ctx, sig, pct, &res)
	case domain.UpdateFullClose, domain.UpdatePositionClosed:
		m.closePosition(ctx, sig, 100, &res)
	default:
		m.logger.WarnContext(ctx, "unhandled update kind", slog.String("kind", string(kind)))
	}
	return res, nil
}

// moveStopLoss re-places the stop trigger of the signal's live position and
// records the new level.
func (m *PositionManager) moveStopLoss(ctx context.Context, sig domain.Signal, price decimal.Decimal, res *UpdateResult) {
	pos, ok := m.findPosition(ctx, sig, stopMovableStatuses)
	if !ok {
		return
	}
	res.PositionID = pos.ID

	err := withLock(ctx, m.locks, domain.PositionLockKey(pos.ID), m.cfg.LockTTL, m.cfg.LockWait, func() error {
		pos, err := m.positions.GetByID(ctx, pos.ID)
		if err != nil {
			return err
		}
		if !statusIn(pos.Status, stopMovableStatuses) {
			return nil
		}
		if err := m.exchange.SetStopLoss(ctx, pos.Symbol, string(pos.Side), price); err != nil {
			return err
		}
		sl := price
		pos.CurrentStopLoss = &sl
		pos.UpdatedAt = m.now()
		if err := m.positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		m.updateFailed(ctx, sig, pos.ID, res, err)
		return
	}
	if res.Applied {
		m.logger.InfoContext(ctx, "stop loss moved",
			slog.String("position_id", pos.ID),
			slog.String("kind", string(res.Kind)),
			slog.String("stop_loss", price.String()),
		)
		m.events.emit(ctx, domain.ChannelPositions, "update."+string(res.Kind), map[string]any{
			"signal_id":   sig.ID,
			"position_id": pos.ID,
			"stop_loss":   price.String(),
		})
	}
}

// closePosition submits a market order on the closing side for percent of
// the remaining quantity (100 closes everything) and applies it.
func (m *PositionManager) closePosition(ctx context.Context, sig domain.Signal, percent int, res *UpdateResult) {
	pos, ok := m.findPosition(ctx, sig, closableStatuses)
	if !ok {
		return
	}
	res.PositionID = pos.ID

	var closed, belowStep decimal.Decimal
	var after domain.Position
	err := withLock(ctx, m.locks, domain.PositionLockKey(pos.ID), m.cfg.LockTTL, m.cfg.LockWait, func() error {
		pos, err := m.positions.GetByID(ctx, pos.ID)
		if err != nil {
			return err
		}
		if !statusIn(pos.Status, closableStatuses) || !pos.RemainingQuantity.IsPositive() {
			return nil
		}
		qty := CloseQuantity(pos.RemainingQuantity, percent)
		if !qty.IsPositive() {
			belowStep = pos.RemainingQuantity
			return nil
		}
		side := pos.Side.CloseSide()
		exchangeID, err := m.exchange.PlaceOrder(ctx, lbank.OrderRequest{
			Symbol: pos.Symbol,
			Side:   string(side),
			Volume: qty,
			Type:   string(domain.OrderTypeMarket),
		})
		if err != nil {
			return err
		}

		// The exchange holds the order from here on, so the writes below
		// must not be cut short by the handler deadline.
		sctx, cancel := settleContext(ctx)
		defer cancel()
		now := m.now()
		order := domain.Order{
			ID:              m.newID(),
			PositionID:      pos.ID,
			ExchangeOrderID: exchangeID,
			Side:            side,
			Type:            domain.OrderTypeMarket,
			Quantity:        qty,
			FilledQuantity:  decimal.Zero,
			Status:          domain.OrderStatusSubmitted,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		// The position only shrinks by recorded close orders. An order row
		// that cannot be written leaves the position untouched and the order
		// details in the audit log for manual recovery.
		if err := m.orders.Create(sctx, order); err != nil {
			m.events.emit(sctx, domain.ChannelOrders, "order.unrecorded", map[string]any{
				"signal_id":         sig.ID,
				"position_id":       pos.ID,
				"exchange_order_id": exchangeID,
				"symbol":            pos.Symbol,
				"side":              string(side),
				"quantity":          qty.String(),
				"error":             err.Error(),
			})
			return fmt.Errorf("record close order %s: %w", exchangeID, err)
		}
		res.OrderID = order.ID

		if closed, err = pos.ApplyClose(qty, now); err != nil {
			return err
		}
		if err := m.positions.Update(sctx, pos); err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		after = pos
		res.Applied = true
		return nil
	})
	if err != nil {
		m.updateFailed(ctx, sig, pos.ID, res, err)
		return
	}
	if belowStep.IsPositive() {
		m.logger.WarnContext(ctx, "close quantity below volume step, nothing sent",
			slog.String("position_id", pos.ID),
			slog.Int("percent", percent),
			slog.String("remaining", belowStep.String()),
		)
		m.events.emit(ctx, domain.ChannelPositions, "update.skipped", map[string]any{
			"signal_id":   sig.ID,
			"position_id": pos.ID,
			"kind":        string(res.Kind),
			"percent":     percent,
			"remaining":   belowStep.String(),
		})
		return
	}
	if !res.Applied {
		return
	}

	m.logger.InfoContext(ctx, "position reduced",
		slog.String("position_id", after.ID),
		slog.String("kind", string(res.Kind)),
		slog.String("closed", closed.String()),
		slog.String("remaining", after.RemainingQuantity.String()),
		slog.String("status", string(after.Status)),
	)
	fields := map[string]any{
		"signal_id":   sig.ID,
		"position_id": after.ID,
		"order_id":    res.OrderID,
		"closed":      closed.String(),
		"remaining":   after.RemainingQuantity.String(),
		"status":      string(after.Status),
	}
	m.events.emit(ctx, domain.ChannelPositions, "update."+string(res.Kind), fields)

	if after.Status != domain.PositionStatusClosed {
		return
	}
	if sig.Status.CanTransition(domain.SignalStatusClosed) {
		_ = sig.Transition(domain.SignalStatusClosed, m.now())
		sctx, cancel := settleContext(ctx)
		err := m.signals.UpdateStatus(sctx, sig.ID, sig.Status)
		cancel()
		if err != nil {
			m.logger.ErrorContext(ctx, "close signal failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	m.events.emit(ctx, domain.ChannelPositions, "position.closed", fields)
	m.events.notify(ctx, NotifyPositionClosed, "Position closed",
		fmt.Sprintf("%s %s closed (%s)", after.Symbol, after.Side, res.Kind))
}

// findPosition returns the signal's most recent position in statuses. A
// missing position is a silent no-op.
func (m *PositionManager) findPosition(ctx context.Context, sig domain.Signal, statuses []domain.PositionStatus) (domain.Position, bool) {
	pos, err := m.positions.FindForSignal(ctx, sig.ID, statuses)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.ErrorContext(ctx, "find position failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
		} else {
			m.logger.DebugContext(ctx, "no position for update", slog.String("signal_id", sig.ID))
		}
		return domain.Position{}, false
	}
	return pos, true
}

func (m *PositionManager) updateFailed(ctx context.Context, sig domain.Signal, positionID string, res *UpdateResult, err error) {
	res.Err = err
	res.Applied = false
	m.logger.ErrorContext(ctx, "update failed",
		slog.String("signal_id", sig.ID),
		slog.String("position_id", positionID),
		slog.String("kind", string(res.Kind)),
		slog.String("error", err.Error()),
	)
	m.events.emit(ctx, domain.ChannelPositions, "update.failed", map[string]any{
		"signal_id":   sig.ID,
		"position_id": positionID,
		"kind":        string(res.Kind),
		"error":       err.Error(),
	})
	m.events.notify(ctx, NotifyError, "Update failed",
		fmt.Sprintf("%s on %s: %v", res.Kind, NormalizeSymbol(sig.Symbol), err))
}

func statusIn[S comparable](s S, set []S) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
