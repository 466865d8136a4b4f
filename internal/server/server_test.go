package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/server/handler"
	"github.com/alanyoungcy/signaltrader/internal/service"
)

type fakeReports struct {
	signals        []domain.Signal
	positions      []domain.Position
	orders         map[string][]domain.Order
	gotPosStatuses []domain.PositionStatus
	gotSignalOpts  domain.ListOpts
	statsErr       error
}

func (f *fakeReports) Stats(context.Context) (service.Stats, error) {
	if f.statsErr != nil {
		return service.Stats{}, f.statsErr
	}
	return service.Stats{TotalSignals: int64(len(f.signals)), OpenPositions: 1, TotalRealizedPnL: decimal.RequireFromString("12.5"), WinRate: 0.5}, nil
}

func (f *fakeReports) Signals(_ context.Context, _ []domain.SignalStatus, opts domain.ListOpts) ([]domain.Signal, error) {
	f.gotSignalOpts = opts
	return f.signals, nil
}

func (f *fakeReports) Signal(_ context.Context, id string) (service.SignalDetail, error) {
	for _, s := range f.signals {
		if s.ID == id {
			return service.SignalDetail{Signal: s, Updates: []domain.SignalUpdate{}}, nil
		}
	}
	return service.SignalDetail{}, domain.ErrNotFound
}

func (f *fakeReports) Positions(_ context.Context, statuses []domain.PositionStatus, _ domain.ListOpts) ([]domain.Position, error) {
	f.gotPosStatuses = statuses
	return f.positions, nil
}

func (f *fakeReports) PositionOrders(_ context.Context, id string) ([]domain.Order, error) {
	orders, ok := f.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return orders, nil
}

func (f *fakeReports) Orders(context.Context, []domain.OrderStatus, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}

func (f *fakeReports) Audit(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{ID: 1, Event: "signal.active"}}, nil
}

func (f *fakeReports) LiveCounts(context.Context) (map[domain.PositionStatus]int64, error) {
	return map[domain.PositionStatus]int64{domain.PositionStatusOpen: 2}, nil
}

type fakeBlobs struct {
	files map[string]string
}

func (b *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := b.files[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewBufferString(body)), nil
}

func (b *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, body := range b.files {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func newTestHandler(t *testing.T, reports *fakeReports, apiKey string) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	blobs := &fakeBlobs{files: map[string]string{"archive/positions/2026-01.jsonl": "{\"id\":\"p1\"}\n"}}
	handlers := Handlers{
		Health:    handler.NewHealthHandler(map[string]handler.HealthCheck{"postgres": func(context.Context) error { return nil }}, logger),
		Status:    handler.NewStatusHandler("full", true, reports, logger),
		Signals:   handler.NewSignalHandler(reports, logger),
		Positions: handler.NewPositionHandler(reports, logger),
		Orders:    handler.NewOrderHandler(reports, logger),
		Archive:   handler.NewArchiveHandler(blobs, logger),
	}
	return NewHandler(Config{APIKey: apiKey, RateWindow: time.Second}, handlers, nil, nil, logger)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatsAndStatus(t *testing.T) {
	reports := &fakeReports{signals: []domain.Signal{{ID: "s1"}, {ID: "s2"}}}
	h := newTestHandler(t, reports, "")

	rec := get(t, h, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 2, stats["total_signals"])
	assert.Equal(t, "12.5", stats["total_realized_pnl"])

	rec = get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "full", status["mode"])
	assert.Equal(t, true, status["dry_run"])
}

func TestStatsErrorIs500(t *testing.T) {
	h := newTestHandler(t, &fakeReports{statsErr: errors.New("db down")}, "")
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/stats").Code)
}

func TestSignalEndpoints(t *testing.T) {
	reports := &fakeReports{signals: []domain.Signal{{ID: "s1", Symbol: "BTCUSDT", Status: domain.SignalStatusActive}}}
	h := newTestHandler(t, reports, "")

	rec := get(t, h, "/api/signals?limit=1000&offset=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ListOpts{Limit: 500, Offset: 5}, reports.gotSignalOpts)

	rec = get(t, h, "/api/signals/s1")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "BTCUSDT", detail["symbol"])
	assert.Equal(t, []any{}, detail["updates"])

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/signals/missing").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/signals?status=bogus").Code)
}

func TestPositionEndpoints(t *testing.T) {
	reports := &fakeReports{
		orders: map[string][]domain.Order{"p1": {{ID: "o1", PositionID: "p1"}}},
	}
	h := newTestHandler(t, reports, "")

	rec := get(t, h, "/api/positions?status=open,PARTIALLY_CLOSED")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.PositionStatus{domain.PositionStatusOpen, domain.PositionStatusPartiallyClosed}, reports.gotPosStatuses)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())

	rec = get(t, h, "/api/positions/p1/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"o1"`)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/positions/p9/orders").Code)
	assert.JSONEq(t, `{"orders":[]}`, get(t, h, "/api/orders").Body.String())
}

func TestArchiveEndpoints(t *testing.T) {
	h := newTestHandler(t, &fakeReports{}, "")

	rec := get(t, h, "/api/archive?kind=positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "archive/positions/2026-01.jsonl")

	rec = get(t, h, "/api/archive/positions/2026-01.jsonl")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{\"id\":\"p1\"}\n", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/archive/orders/2026-01.jsonl").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/archive/positions/notes.txt").Code)
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	h := newTestHandler(t, &fakeReports{}, "k")

	assert.Equal(t, http.StatusOK, get(t, h, "/api/health").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/stats").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "signal.active")
}
