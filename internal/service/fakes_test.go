package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/platform/lbank"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Exchange
// ---------------------------------------------------------------------------

type stopCall struct {
	Symbol string
	Side   string
	Price  decimal.Decimal
}

type fakeExchange struct {
	mu sync.Mutex

	balance   decimal.Decimal
	errs      map[string]error
	details   map[string]lbank.OrderDetail
	positions map[string][]lbank.ExchangePosition

	leverage  []int
	margins   []domain.MarginType
	placed    []lbank.OrderRequest
	cancelled []string
	stops     []stopCall
	tps       []stopCall
	nextID    int
	calls     int

	// beforeStop runs inside SetStopLoss; a non-nil error is returned.
	beforeStop func() error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		balance:   decimal.NewFromInt(1000),
		errs:      make(map[string]error),
		details:   make(map[string]lbank.OrderDetail),
		positions: make(map[string][]lbank.ExchangePosition),
	}
}

func (f *fakeExchange) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *fakeExchange) err(method string) error {
	f.calls++
	return f.errs[method]
}

func (f *fakeExchange) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SetLeverage"); err != nil {
		return err
	}
	f.leverage = append(f.leverage, leverage)
	return nil
}

func (f *fakeExchange) SetMarginType(_ context.Context, _ string, margin domain.MarginType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SetMarginType"); err != nil {
		return err
	}
	f.margins = append(f.margins, margin)
	return nil
}

func (f *fakeExchange) Balance(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("Balance"); err != nil {
		return decimal.Zero, err
	}
	return f.balance, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req lbank.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("PlaceOrder"); err != nil {
		return "", err
	}
	f.nextID++
	f.placed = append(f.placed, req)
	return fmt.Sprintf("ex-%d", f.nextID), nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, orderID)
	return f.err("CancelOrder")
}

func (f *fakeExchange) SetStopLoss(_ context.Context, symbol, side string, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeStop != nil {
		if err := f.beforeStop(); err != nil {
			return err
		}
	}
	if err := f.err("SetStopLoss"); err != nil {
		return err
	}
	f.stops = append(f.stops, stopCall{Symbol: symbol, Side: side, Price: price})
	return nil
}

func (f *fakeExchange) SetTakeProfit(_ context.Context, symbol, side string, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("SetTakeProfit"); err != nil {
		return err
	}
	f.tps = append(f.tps, stopCall{Symbol: symbol, Side: side, Price: price})
	return nil
}

func (f *fakeExchange) OrderDetail(_ context.Context, _ string, orderID string) (lbank.OrderDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("OrderDetail"); err != nil {
		return lbank.OrderDetail{}, err
	}
	d, ok := f.details[orderID]
	if !ok {
		return lbank.OrderDetail{}, &domain.ExchangeError{Op: "order_detail", StatusCode: 404}
	}
	return d, nil
}

func (f *fakeExchange) Positions(_ context.Context, symbol string) ([]lbank.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("Positions"); err != nil {
		return nil, err
	}
	return f.positions[symbol], nil
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

type memSignals struct {
	mu sync.Mutex
	m  map[string]domain.Signal
}

func newMemSignals() *memSignals { return &memSignals{m: make(map[string]domain.Signal)} }

func (s *memSignals) Create(_ context.Context, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.m {
		if existing.ExternalMsgID == sig.ExternalMsgID {
			return fmt.Errorf("signal %d: %w", sig.ExternalMsgID, domain.ErrAlreadyExists)
		}
	}
	s.m[sig.ID] = sig
	return nil
}

func (s *memSignals) GetByID(_ context.Context, id string) (domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.m[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return sig, nil
}

func (s *memSignals) UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	sig, ok := s.m[id]
	if !ok {
		return domain.ErrNotFound
	}
	sig.Status = status
	s.m[id] = sig
	return nil
}

func (s *memSignals) ListByStatus(_ context.Context, statuses []domain.SignalStatus, _ domain.ListOpts) ([]domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Signal
	for _, sig := range s.m {
		if len(statuses) == 0 || statusIn(sig.Status, statuses) {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *memSignals) ListBefore(ctx context.Context, statuses []domain.SignalStatus, before time.Time) ([]domain.Signal, error) {
	all, _ := s.ListByStatus(ctx, statuses, domain.ListOpts{})
	var out []domain.Signal
	for _, sig := range all {
		if sig.UpdatedAt.Before(before) {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (s *memSignals) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.m)), nil
}

func (s *memSignals) status(id string) domain.SignalStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id].Status
}

type memUpdates struct {
	mu   sync.Mutex
	list []domain.SignalUpdate
}

func (u *memUpdates) Append(_ context.Context, upd domain.SignalUpdate) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.list {
		if existing.ExternalMsgID == upd.ExternalMsgID {
			return fmt.Errorf("update %d: %w", upd.ExternalMsgID, domain.ErrAlreadyExists)
		}
	}
	u.list = append(u.list, upd)
	return nil
}

func (u *memUpdates) ListBySignal(_ context.Context, signalID string) ([]domain.SignalUpdate, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []domain.SignalUpdate
	for _, upd := range u.list {
		if upd.SignalID == signalID {
			out = append(out, upd)
		}
	}
	return out, nil
}

type memPositions struct {
	mu        sync.Mutex
	m         map[string]domain.Position
	createErr error
	updates   int
}

func newMemPositions() *memPositions { return &memPositions{m: make(map[string]domain.Position)} }

func (p *memPositions) Create(_ context.Context, pos domain.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return p.createErr
	}
	if _, ok := p.m[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	p.m[pos.ID] = pos
	return nil
}

func (p *memPositions) Update(ctx context.Context, pos domain.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := p.m[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	if err := pos.Validate(); err != nil {
		return err
	}
	p.updates++
	p.m[pos.ID] = pos
	return nil
}

func (p *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.m[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (p *memPositions) CountByStatus(ctx context.Context, statuses []domain.PositionStatus) (int64, error) {
	list, _ := p.ListByStatus(ctx, statuses, domain.ListOpts{})
	return int64(len(list)), nil
}

func (p *memPositions) ListByStatus(_ context.Context, statuses []domain.PositionStatus, _ domain.ListOpts) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Position
	for _, pos := range p.m {
		if len(statuses) == 0 || statusIn(pos.Status, statuses) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (p *memPositions) FindForSignal(ctx context.Context, signalID string, statuses []domain.PositionStatus) (domain.Position, error) {
	list, _ := p.ListByStatus(ctx, statuses, domain.ListOpts{})
	for _, pos := range list {
		if pos.SignalID == signalID {
			return pos, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (p *memPositions) ListBefore(ctx context.Context, statuses []domain.PositionStatus, before time.Time) ([]domain.Position, error) {
	list, _ := p.ListByStatus(ctx, statuses, domain.ListOpts{})
	var out []domain.Position
	for _, pos := range list {
		if pos.UpdatedAt.Before(before) {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p *memPositions) Stats(context.Context) (domain.PositionStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st domain.PositionStats
	for _, pos := range p.m {
		switch pos.Status {
		case domain.PositionStatusOpen, domain.PositionStatusPartiallyClosed:
			st.Open++
			st.UnrealizedPnL = st.UnrealizedPnL.Add(pos.UnrealizedPnL)
		case domain.PositionStatusClosed:
			st.Closed++
			if pos.RealizedPnL.IsPositive() {
				st.Winning++
			}
		}
		st.RealizedPnL = st.RealizedPnL.Add(pos.RealizedPnL)
	}
	return st, nil
}

func (p *memPositions) get(id string) domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[id]
}

func (p *memPositions) put(pos domain.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[pos.ID] = pos
}

type memOrders struct {
	mu        sync.Mutex
	m         map[string]domain.Order
	createErr error
}

func newMemOrders() *memOrders { return &memOrders{m: make(map[string]domain.Order)} }

func (o *memOrders) Create(_ context.Context, order domain.Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.createErr != nil {
		return o.createErr
	}
	o.m[order.ID] = order
	return nil
}

func (o *memOrders) Update(ctx context.Context, order domain.Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := o.m[order.ID]; !ok {
		return domain.ErrNotFound
	}
	if err := order.Validate(); err != nil {
		return err
	}
	o.m[order.ID] = order
	return nil
}

func (o *memOrders) GetByID(_ context.Context, id string) (domain.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	order, ok := o.m[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

func (o *memOrders) ListByStatus(_ context.Context, statuses []domain.OrderStatus, _ domain.ListOpts) ([]domain.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.Order
	for _, order := range o.m {
		if len(statuses) == 0 || statusIn(order.Status, statuses) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (o *memOrders) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	all, _ := o.ListByStatus(ctx, nil, domain.ListOpts{})
	var out []domain.Order
	for _, order := range all {
		if order.PositionID == positionID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (o *memOrders) ListBefore(ctx context.Context, statuses []domain.OrderStatus, before time.Time) ([]domain.Order, error) {
	all, _ := o.ListByStatus(ctx, statuses, domain.ListOpts{})
	var out []domain.Order
	for _, order := range all {
		if order.UpdatedAt.Before(before) {
			out = append(out, order)
		}
	}
	return out, nil
}

func (o *memOrders) get(id string) domain.Order {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m[id]
}

func (o *memOrders) put(order domain.Order) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[order.ID] = order
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func (a *memAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

type msgKey struct{ channel, msg int64 }

type memProcessed struct {
	mu sync.Mutex
	m  map[msgKey]domain.ProcessedMessage
}

func newMemProcessed() *memProcessed {
	return &memProcessed{m: make(map[msgKey]domain.ProcessedMessage)}
}

func (p *memProcessed) Mark(ctx context.Context, rec domain.ProcessedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	k := msgKey{rec.ChannelID, rec.ExternalMsgID}
	if _, ok := p.m[k]; !ok {
		p.m[k] = rec
	}
	return nil
}

func (p *memProcessed) Seen(_ context.Context, channelID, externalMsgID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[msgKey{channelID, externalMsgID}]
	return ok, nil
}

func (p *memProcessed) outcome(ev domain.ParsedEvent) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[msgKey{ev.Origin.ChannelID, ev.Origin.ExternalMsgID}].Outcome
}

// ---------------------------------------------------------------------------
// Locks, bus, notifier
// ---------------------------------------------------------------------------

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: make(map[string]bool)} }

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, key)
		})
	}, nil
}

func (l *memLocks) hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = true
}

func (l *memLocks) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

type published struct {
	Channel string
	Payload []byte
}

type memBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{Channel: channel, Payload: payload})
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}
