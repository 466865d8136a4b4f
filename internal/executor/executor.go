// Package executor is the single consumer of the parsed-event queue. It hands
// events to the position manager one at a time, in receipt order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

const commitTimeout = 5 * time.Second

// Handler applies one parsed event. *service.PositionManager satisfies it.
type Handler interface {
	Handle(ctx context.Context, ev domain.ParsedEvent) error
}

// Committer records that the event read at a stream id has been handled.
// *feed.StreamFeeder satisfies it.
type Committer interface {
	Commit(ctx context.Context, streamID string) error
}

// Executor reads parsed events from a channel, drops duplicates and passes
// the rest to the Handler sequentially. A failing or panicking event is
// logged and never stops the loop.
type Executor struct {
	eventCh <-chan domain.ParsedEvent
	handler Handler
	dedup   *Dedup
	commit  Committer
	logger  *slog.Logger

	cleanupInterval time.Duration
	handleTimeout   time.Duration

	processed int64
	failed    int64
}

// NewExecutor creates an Executor that reads events from eventCh and applies
// them through handler.
func NewExecutor(eventCh <-chan domain.ParsedEvent, handler Handler, logger *slog.Logger) *Executor {
	return &Executor{
		eventCh:         eventCh,
		handler:         handler,
		dedup:           NewDedup(10 * time.Minute),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
		handleTimeout:   2 * time.Minute,
	}
}

// Run starts the executor's main loop. It processes events until the context
// is cancelled, at which point it drains any events already buffered in the
// channel and returns.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case ev, ok := <-e.eventCh:
			if !ok {
				// Channel closed; shut down.
				return nil
			}
			e.process(ctx, ev)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process handles a single event. Panics are recovered here so one bad event
// cannot take the loop down.
func (e *Executor) process(ctx context.Context, ev domain.ParsedEvent) {
	log := e.logger.With(
		slog.Int64("external_msg_id", ev.Origin.ExternalMsgID),
		slog.String("message_type", string(ev.MessageType)),
		slog.String("symbol", ev.Symbol),
	)
	defer func() {
		if r := recover(); r != nil {
			e.failed++
			log.Error("event handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	// Runs before the recover above, so a panicking event is committed too
	// and is not replayed after a restart.
	defer e.commitEvent(ctx, ev, log)

	if e.dedup.IsDuplicate(eventKey(ev)) {
		log.Debug("event deduplicated, skipping")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, e.handleTimeout)
	defer cancel()

	e.processed++
	if err := e.handler.Handle(hctx, ev); err != nil {
		e.failed++
		switch {
		case errors.Is(err, domain.ErrValidation),
			errors.Is(err, domain.ErrCapacity),
			errors.Is(err, domain.ErrNoMatch),
			errors.Is(err, domain.ErrAlreadyExists):
			log.Warn("event dropped", slog.String("error", err.Error()))
		default:
			log.Error("event handling failed", slog.String("error", err.Error()))
		}
		return
	}
	log.Debug("event handled")
}

// commitEvent advances the stored stream position past ev. It runs on a
// context detached from cancellation so shutdown does not lose the commit.
func (e *Executor) commitEvent(ctx context.Context, ev domain.ParsedEvent, log *slog.Logger) {
	if e.commit == nil || ev.StreamID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := e.commit.Commit(cctx, ev.StreamID); err != nil {
		log.Error("commit stream position failed",
			slog.String("stream_id", ev.StreamID),
			slog.String("error", err.Error()),
		)
	}
}

// drain processes any events already buffered in the channel after context
// cancellation, so queued events are not silently dropped.
func (e *Executor) drain() {
	for {
		select {
		case ev, ok := <-e.eventCh:
			if !ok {
				return
			}
			e.logger.Warn("draining event after shutdown",
				slog.Int64("external_msg_id", ev.Origin.ExternalMsgID),
			)
			// A short-lived context keeps shutdown from hanging on
			// exchange calls.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, ev)
			cancel()
		default:
			return
		}
	}
}

// eventKey identifies the upstream message an event came from.
func eventKey(ev domain.ParsedEvent) string {
	if ev.Origin.ExternalMsgID == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", ev.Origin.ChannelID, ev.Origin.ExternalMsgID)
}

// SetDedupTTL replaces the dedup instance with a new one using the given TTL.
// Must be called before Run.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}

// SetCommitter makes the executor report every consumed event to c. Must be
// called before Run.
func (e *Executor) SetCommitter(c Committer) {
	e.commit = c
}

// SetHandleTimeout bounds how long one event may take. Must be called before
// Run.
func (e *Executor) SetHandleTimeout(d time.Duration) {
	if d > 0 {
		e.handleTimeout = d
	}
}

// Stats returns the number of events handed to the handler and how many of
// them failed. Only safe to call after Run has returned.
func (e *Executor) Stats() (processed, failed int64) {
	return e.processed, e.failed
}
