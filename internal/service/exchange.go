package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/platform/lbank"
)

// Exchange is the part of the exchange client used by the orchestrator and
// the sweep workers. *lbank.Client satisfies it.
type Exchange interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error
	Balance(ctx context.Context) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req lbank.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	SetStopLoss(ctx context.Context, symbol, side string, stopPrice decimal.Decimal) error
	SetTakeProfit(ctx context.Context, symbol, side string, stopPrice decimal.Decimal) error
	OrderDetail(ctx context.Context, symbol, orderID string) (lbank.OrderDetail, error)
	Positions(ctx context.Context, symbol string) ([]lbank.ExchangePosition, error)
}

var _ Exchange = (*lbank.Client)(nil)

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
