package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// OrderHandler serves order endpoints.
type OrderHandler struct {
	reports ReportService
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(reports ReportService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{reports: reports, logger: logHandler(logger, "order")}
}

// ListOrders returns orders, optionally filtered by status.
// GET /api/orders?status=submitted&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses[domain.OrderStatus](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orders, err := h.reports.Orders(r.Context(), statuses, parseListOpts(r))
	if err != nil {
		writeStoreError(w, r, h.logger, "orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": nonNil(orders)})
}
