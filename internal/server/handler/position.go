package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// PositionHandler serves position endpoints.
type PositionHandler struct {
	reports ReportService
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(reports ReportService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{reports: reports, logger: logHandler(logger, "position")}
}

// ListPositions returns positions, optionally filtered by status.
// GET /api/positions?status=open,partially_closed
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses[domain.PositionStatus](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := h.reports.Positions(r.Context(), statuses, parseListOpts(r))
	if err != nil {
		writeStoreError(w, r, h.logger, "positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": nonNil(positions)})
}

// ListPositionOrders returns the orders of one position, oldest first.
// GET /api/positions/{id}/orders
func (h *PositionHandler) ListPositionOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.reports.PositionOrders(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, h.logger, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": nonNil(orders)})
}
