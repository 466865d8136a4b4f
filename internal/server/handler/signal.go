package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/service"
)

// ReportService is the read side the reporting endpoints depend on.
type ReportService interface {
	Stats(ctx context.Context) (service.Stats, error)
	Signals(ctx context.Context, statuses []domain.SignalStatus, opts domain.ListOpts) ([]domain.Signal, error)
	Signal(ctx context.Context, id string) (service.SignalDetail, error)
	Positions(ctx context.Context, statuses []domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error)
	PositionOrders(ctx context.Context, positionID string) ([]domain.Order, error)
	Orders(ctx context.Context, statuses []domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error)
	Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	LiveCounts(ctx context.Context) (map[domain.PositionStatus]int64, error)
}

var _ ReportService = (*service.ReportService)(nil)

// SignalHandler serves signal and dashboard summary endpoints.
type SignalHandler struct {
	reports ReportService
	logger  *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(reports ReportService, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{reports: reports, logger: logHandler(logger, "signal")}
}

// GetStats returns the dashboard summary.
// GET /api/stats
func (h *SignalHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reports.Stats(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListSignals returns signals newest first.
// GET /api/signals?status=active,new&limit=50&offset=0
func (h *SignalHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses[domain.SignalStatus](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	signals, err := h.reports.Signals(r.Context(), statuses, parseListOpts(r))
	if err != nil {
		writeStoreError(w, r, h.logger, "signals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": nonNil(signals)})
}

// GetSignal returns one signal with its update log.
// GET /api/signals/{id}
func (h *SignalHandler) GetSignal(w http.ResponseWriter, r *http.Request) {
	detail, err := h.reports.Signal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, h.logger, "signal", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListAudit returns audit entries newest first.
// GET /api/audit?limit=50
func (h *SignalHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reports.Audit(r.Context(), parseListOpts(r))
	if err != nil {
		writeStoreError(w, r, h.logger, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
