// Package feed moves parsed classifier events from the Redis event stream
// onto the in-process queue consumed by the executor.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// DefaultStream is the Redis stream the classifier appends to.
const DefaultStream = "signals:events"

// Config controls how the feeder reads the stream.
type Config struct {
	Stream string
	// StartID is the stream id to read after when Cursor holds no position
	// yet. "0-0" reads the stream from the beginning.
	StartID      string
	BatchSize    int
	PollInterval time.Duration
	QueueSize    int
	// Cursor stores the id of the last handled entry. With a nil Cursor
	// every run starts at StartID.
	Cursor       domain.StreamCursor
}

// blockingReader is implemented by buses that can wait for new entries
// instead of polling.
type blockingReader interface {
	StreamReadBlock(ctx context.Context, stream, lastID string, count int, block time.Duration) ([]domain.StreamMessage, error)
}

// StreamFeeder reads ParsedEvents from a stream in order and pushes them onto
// a single buffered channel.
type StreamFeeder struct {
	bus    domain.SignalBus
	cfg    Config
	lastID string
	out    chan domain.ParsedEvent
	logger *slog.Logger
}

// NewStreamFeeder creates a StreamFeeder.
func NewStreamFeeder(bus domain.SignalBus, cfg Config, logger *slog.Logger) *StreamFeeder {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.StartID == "" {
		cfg.StartID = "0-0"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &StreamFeeder{
		bus:    bus,
		cfg:    cfg,
		lastID: cfg.StartID,
		out:    make(chan domain.ParsedEvent, cfg.QueueSize),
		logger: logger.With(slog.String("component", "stream_feeder")),
	}
}

// Events is the queue the executor consumes. It is closed when Run returns.
func (f *StreamFeeder) Events() <-chan domain.ParsedEvent { return f.out }

// LastID returns the id of the last stream entry consumed.
func (f *StreamFeeder) LastID() string { return f.lastID }

// Run reads the stream until ctx is cancelled, starting after the stored
// cursor when there is one.
func (f *StreamFeeder) Run(ctx context.Context) error {
	defer close(f.out)
	if f.cfg.Cursor != nil {
		id, err := f.cfg.Cursor.Load(ctx, f.cfg.Stream)
		if err != nil {
			return fmt.Errorf("feed: load cursor: %w", err)
		}
		if id != "" {
			f.lastID = id
		}
	}
	f.logger.InfoContext(ctx, "stream feeder started",
		slog.String("stream", f.cfg.Stream),
		slog.String("start_id", f.lastID),
	)
	defer f.logger.Info("stream feeder stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := f.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
			if !sleep(ctx, f.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		for _, msg := range msgs {
			if err := f.forward(ctx, msg); err != nil {
				return err
			}
		}
		if len(msgs) == 0 {
			if _, ok := f.bus.(blockingReader); ok {
				continue
			}
			if !sleep(ctx, f.cfg.PollInterval) {
				return ctx.Err()
			}
		}
	}
}

func (f *StreamFeeder) read(ctx context.Context) ([]domain.StreamMessage, error) {
	if br, ok := f.bus.(blockingReader); ok {
		return br.StreamReadBlock(ctx, f.cfg.Stream, f.lastID, f.cfg.BatchSize, f.cfg.PollInterval)
	}
	return f.bus.StreamRead(ctx, f.cfg.Stream, f.lastID, f.cfg.BatchSize)
}

// forward decodes one entry and queues it. Undecodable and non-forwardable
// entries are skipped; the read position always advances.
func (f *StreamFeeder) forward(ctx context.Context, msg domain.StreamMessage) error {
	f.lastID = msg.ID
	if len(msg.Payload) == 0 {
		f.logger.WarnContext(ctx, "stream entry without payload", slog.String("id", msg.ID))
		return nil
	}
	var ev domain.ParsedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		// The cursor only moves on handled events, so an undecodable tail is
		// re-read and skipped again after a restart.
		f.logger.WarnContext(ctx, "undecodable stream entry",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ev.Forwardable() {
		f.logger.DebugContext(ctx, "event not forwarded",
			slog.String("id", msg.ID),
			slog.String("message_type", string(ev.MessageType)),
		)
		return nil
	}
	ev.StreamID = msg.ID
	select {
	case f.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit stores id as the position to resume after. The executor calls it
// once the event read at id has been handled.
func (f *StreamFeeder) Commit(ctx context.Context, id string) error {
	if f.cfg.Cursor == nil || id == "" {
		return nil
	}
	if err := f.cfg.Cursor.Save(ctx, f.cfg.Stream, id); err != nil {
		return fmt.Errorf("feed: commit %s: %w", id, err)
	}
	return nil
}

// Append encodes ev and appends it to stream. It is the producer side used by
// the classifier bridge and the inject command.
func Append(ctx context.Context, bus domain.SignalBus, stream string, ev domain.ParsedEvent) error {
	if stream == "" {
		stream = DefaultStream
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}
	return bus.StreamAppend(ctx, stream, payload)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
