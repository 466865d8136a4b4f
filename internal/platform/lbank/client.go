// Package lbank is the REST client for the LBank USDT-margined perpetual
// contract API.
package lbank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/crypto"
	"github.com/alanyoungcy/signaltrader/internal/domain"
)

const (
	DefaultBaseURL      = "https://lbkperp.lbank.com"
	DefaultProductGroup = "SwapU"
	DefaultTimeout      = 30 * time.Second
	DefaultAsset        = "USDT"
	DefaultDepth        = 10

	pathServerTime   = "/cfd/openApi/v1/pub/getTime"
	pathInstrument   = "/cfd/openApi/v1/pub/instrument"
	pathMarketData   = "/cfd/openApi/v1/pub/marketData"
	pathMarketOrder  = "/cfd/openApi/v1/pub/marketOrder"
	pathAccount      = "/cfd/openApi/v1/prv/account"
	pathPosition     = "/cfd/openApi/v1/prv/position"
	pathLeverage     = "/cfd/openApi/v1/prv/setLeverage"
	pathMarginType   = "/cfd/openApi/v1/prv/setMarginType"
	pathOrder        = "/cfd/openApi/v1/prv/order"
	pathCancelOrder  = "/cfd/openApi/v1/prv/cancelOrder"
	pathOrderDetail  = "/cfd/openApi/v1/prv/orderDetail"
	pathOpenOrders   = "/cfd/openApi/v1/prv/openOrders"
	pathSetStopOrder = "/cfd/openApi/v1/prv/setStopOrder"
)

// Rate limiter keys for unsigned and signed endpoints.
const (
	LimiterKeyPublic  = "lbank:public"
	LimiterKeyPrivate = "lbank:private"
)

// Config holds the connection settings for Client.
type Config struct {
	BaseURL         string
	APIKey          string
	SecretKey       string
	SignatureMethod string
	ProductGroup    string
	Timeout         time.Duration
	Retry           Backoff
}

// Client issues signed requests against the contract API. It holds no state
// beyond credentials and the HTTP transport and is safe for concurrent use.
//
// Read calls and trigger/leverage/margin settings are retried with Backoff.
// PlaceOrder and CancelOrder are sent exactly once: the exchange has no
// client-supplied idempotency key, so a retry after a timeout could
// duplicate an order.
type Client struct {
	baseURL      string
	productGroup string
	httpClient   *http.Client
	signer       *crypto.LBankSigner
	retry        Backoff
	limiter      domain.RateLimiter
	sleep        func(context.Context, time.Duration) error
}

// NewClient creates a client. limiter may be nil.
func NewClient(cfg Config, limiter domain.RateLimiter) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ProductGroup == "" {
		cfg.ProductGroup = DefaultProductGroup
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultBackoff
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		productGroup: cfg.ProductGroup,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		signer:       crypto.NewLBankSigner(cfg.APIKey, cfg.SecretKey, cfg.SignatureMethod),
		retry:        cfg.Retry,
		limiter:      limiter,
		sleep:        sleepCtx,
	}
}

// --------------------------------------------------------------------------
// Public endpoints
// --------------------------------------------------------------------------

// ServerTime returns the exchange clock in Unix milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var ts ServerTime
	if err := c.public(ctx, "server_time", pathServerTime, nil, &ts); err != nil {
		return 0, err
	}
	return int64(ts), nil
}

// Instruments lists the contracts of the product group.
func (c *Client) Instruments(ctx context.Context) ([]Instrument, error) {
	var out []Instrument
	q := url.Values{"productGroup": {c.productGroup}}
	if err := c.public(ctx, "instruments", pathInstrument, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarketData returns tickers for every contract of the product group.
func (c *Client) MarketData(ctx context.Context) ([]Ticker, error) {
	var out []Ticker
	q := url.Values{"productGroup": {c.productGroup}}
	if err := c.public(ctx, "market_data", pathMarketData, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OrderBook returns the depth snapshot for symbol. depth <= 0 selects 10.
func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	var out OrderBook
	q := url.Values{"symbol": {symbol}, "depth": {strconv.Itoa(depth)}}
	if err := c.public(ctx, "order_book", pathMarketOrder, q, &out); err != nil {
		return OrderBook{}, err
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Account endpoints
// --------------------------------------------------------------------------

// Account returns the USDT account summary.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	params := map[string]string{"asset": DefaultAsset, "productGroup": c.productGroup}
	if err := c.private(ctx, "account", pathAccount, params, true, &out); err != nil {
		return Account{}, err
	}
	return out, nil
}

// Balance returns the available USDT balance.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	acct, err := c.Account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.AvailableBalance, nil
}

// Positions returns the open exchange positions, optionally for one symbol.
func (c *Client) Positions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	params := map[string]string{"productGroup": c.productGroup}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var out []ExchangePosition
	if err := c.private(ctx, "positions", pathPosition, params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Trading endpoints
// --------------------------------------------------------------------------

// SetLeverage sets the leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":       symbol,
		"leverage":     strconv.Itoa(leverage),
		"productGroup": c.productGroup,
	}
	return c.private(ctx, "set_leverage", pathLeverage, params, true, nil)
}

// SetMarginType switches symbol to isolated or cross margin.
func (c *Client) SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error {
	if !margin.Valid() {
		return &domain.ValidationError{Field: "margin_type", Reason: fmt.Sprintf("unknown %q", margin)}
	}
	params := map[string]string{
		"symbol":       symbol,
		"positionType": margin.PositionTypeCode(),
		"productGroup": c.productGroup,
	}
	return c.private(ctx, "set_margin_type", pathMarginType, params, true, nil)
}

// PlaceOrder submits an order once and returns the exchange order id. The
// price is sent only for limit orders.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.Type == "" {
		req.Type = string(domain.OrderTypeLimit)
	}
	params := map[string]string{
		"symbol":       req.Symbol,
		"side":         req.Side,
		"volume":       req.Volume.String(),
		"type":         req.Type,
		"productGroup": c.productGroup,
	}
	if req.Type == string(domain.OrderTypeLimit) && req.Price != nil {
		params["price"] = req.Price.String()
	}
	var ack OrderAck
	if err := c.private(ctx, "place_order", pathOrder, params, false, &ack); err != nil {
		return "", err
	}
	return ack.ID(), nil
}

// CancelOrder cancels an open order once.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":       symbol,
		"orderId":      orderID,
		"productGroup": c.productGroup,
	}
	return c.private(ctx, "cancel_order", pathCancelOrder, params, false, nil)
}

// OrderDetail fetches the exchange state of one order.
func (c *Client) OrderDetail(ctx context.Context, symbol, orderID string) (OrderDetail, error) {
	params := map[string]string{
		"symbol":       symbol,
		"orderId":      orderID,
		"productGroup": c.productGroup,
	}
	var out OrderDetail
	if err := c.private(ctx, "order_detail", pathOrderDetail, params, true, &out); err != nil {
		return OrderDetail{}, err
	}
	return out, nil
}

// OpenOrders lists open orders, optionally for one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderDetail, error) {
	params := map[string]string{"productGroup": c.productGroup}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var out []OrderDetail
	if err := c.private(ctx, "open_orders", pathOpenOrders, params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetStopLoss places a mark-price stop-loss trigger for the position on
// side ("long" or "short").
func (c *Client) SetStopLoss(ctx context.Context, symbol, side string, stopPrice decimal.Decimal) error {
	return c.setStopOrder(ctx, StopOrderRequest{Symbol: symbol, Side: side, StopPrice: stopPrice, OrderType: StopTypeStopLoss})
}

// SetTakeProfit places a mark-price take-profit trigger.
func (c *Client) SetTakeProfit(ctx context.Context, symbol, side string, stopPrice decimal.Decimal) error {
	return c.setStopOrder(ctx, StopOrderRequest{Symbol: symbol, Side: side, StopPrice: stopPrice, OrderType: StopTypeTakeProfit})
}

func (c *Client) setStopOrder(ctx context.Context, req StopOrderRequest) error {
	params := map[string]string{
		"symbol":       req.Symbol,
		"side":         req.Side,
		"stopPrice":    req.StopPrice.String(),
		"triggerType":  "mark_price",
		"orderType":    req.OrderType,
		"productGroup": c.productGroup,
	}
	return c.private(ctx, "set_"+req.OrderType, pathSetStopOrder, params, true, nil)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// public issues an unsigned GET. Public reads are always retryable.
func (c *Client) public(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.retry.Do(ctx, c.sleep, func() error {
		if err := c.wait(ctx, LimiterKeyPublic); err != nil {
			return err
		}
		target := c.baseURL + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("lbank: %s: create request: %w", op, err)
		}
		return c.do(req, op, path, out)
	})
}

// private signs params and issues a POST with a JSON body. A fresh
// timestamp and nonce are generated for every attempt.
func (c *Client) private(ctx context.Context, op, path string, params map[string]string, retry bool, out any) error {
	send := func() error {
		if err := c.wait(ctx, LimiterKeyPrivate); err != nil {
			return err
		}
		signed := make(map[string]string, len(params)+5)
		for k, v := range params {
			signed[k] = v
		}
		headers, err := c.signer.SignRequest(signed)
		if err != nil {
			return fmt.Errorf("lbank: %s: %w", op, err)
		}
		body, err := json.Marshal(signed)
		if err != nil {
			return fmt.Errorf("lbank: %s: marshal request body: %w", op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("lbank: %s: create request: %w", op, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return c.do(req, op, path, out)
	}
	if !retry {
		return send()
	}
	return c.retry.Do(ctx, c.sleep, send)
}

func (c *Client) wait(ctx context.Context, key string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, key); err != nil {
		return fmt.Errorf("lbank: rate limiter %s: %w", key, err)
	}
	return nil
}

// do sends req and decodes the envelope's data into out (when non-nil).
func (c *Client) do(req *http.Request, op, path string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: fmt.Errorf("lbank: %s: http request: %w", op, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("lbank: %s: read response: %w", op, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.ExchangeError{Op: op, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &domain.ExchangeError{Op: op, Path: path, Msg: "malformed response: " + err.Error(), Body: string(respBody)}
	}
	if env.failed() {
		return &domain.ExchangeError{Op: op, Path: path, Code: env.code(), Msg: env.Msg, Body: string(respBody)}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &domain.ExchangeError{Op: op, Path: path, Msg: "decode data: " + err.Error(), Body: string(respBody)}
	}
	return nil
}
