package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// Notification event types.
const (
	NotifySignalActive    = "signal_active"
	NotifySignalCancelled = "signal_cancelled"
	NotifyPositionClosed  = "position_closed"
	NotifyOrderFilled     = "order_filled"
	NotifyCompensation    = "compensation"
	NotifyError           = "error"
)

// eventSink fans a decision out to the bus, the audit log and the notifier.
// Every target is optional and failures are logged, never returned.
type eventSink struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

// emit publishes {"event": name, ...fields} on channel and writes the same
// fields to the audit log under name.
func (e eventSink) emit(ctx context.Context, channel, name string, fields map[string]any) {
	if e.audit != nil {
		if err := e.audit.Log(ctx, name, fields); err != nil {
			e.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", name),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.bus == nil {
		return
	}
	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["event"] = name
	payload, err := json.Marshal(msg)
	if err != nil {
		e.logger.WarnContext(ctx, "marshal event failed", slog.String("event", name), slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

func (e eventSink) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
