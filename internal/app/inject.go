package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/alanyoungcy/signaltrader/internal/cache/redis"
	"github.com/alanyoungcy/signaltrader/internal/config"
	"github.com/alanyoungcy/signaltrader/internal/domain"
	"github.com/alanyoungcy/signaltrader/internal/feed"
)

// Inject appends the parsed events in the JSON file at path (one object or an
// array) to the ingest stream. It is the manual entry point for replaying or
// hand-crafting signals.
func Inject(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("inject: read %s: %w", path, err)
	}
	events, err := decodeEvents(raw)
	if err != nil {
		return 0, fmt.Errorf("inject: %w", err)
	}

	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   1,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return 0, fmt.Errorf("inject: redis: %w", err)
	}
	defer rc.Close()

	bus := redis.NewSignalBus(rc)
	for i, ev := range events {
		if err := feed.Append(ctx, bus, cfg.Ingest.Stream, ev); err != nil {
			return i, fmt.Errorf("inject: event %d: %w", i, err)
		}
		logger.InfoContext(ctx, "event injected",
			slog.String("message_type", string(ev.MessageType)),
			slog.Int64("external_msg_id", ev.Origin.ExternalMsgID),
		)
	}
	return len(events), nil
}

func decodeEvents(raw []byte) ([]domain.ParsedEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var events []domain.ParsedEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		return events, nil
	}
	var ev domain.ParsedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return []domain.ParsedEvent{ev}, nil
}
