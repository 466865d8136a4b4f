package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// LiveCounter reports the number of positions per live status.
type LiveCounter interface {
	LiveCounts(ctx context.Context) (map[domain.PositionStatus]int64, error)
}

// StatusHandler serves the runtime status for the dashboard.
type StatusHandler struct {
	mode      string
	dryRun    bool
	startedAt time.Time
	counts    LiveCounter
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, dryRun bool, counts LiveCounter, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, dryRun: dryRun, startedAt: time.Now(), counts: counts, logger: logger}
}

// GetStatus responds with the mode, dry-run flag, uptime and live position
// counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counts.LiveCounts(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"dry_run":        h.dryRun,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"positions":      counts,
	})
}
