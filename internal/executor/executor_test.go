package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

type recordingHandler struct {
	seen  []int64
	errOn map[int64]error
	panic int64
}

func (h *recordingHandler) Handle(_ context.Context, ev domain.ParsedEvent) error {
	id := ev.Origin.ExternalMsgID
	if id == h.panic {
		panic("boom")
	}
	h.seen = append(h.seen, id)
	return h.errOn[id]
}

func event(id int64) domain.ParsedEvent {
	return domain.ParsedEvent{
		MessageType: domain.MessageNewSignal,
		Symbol:      "ETHUSDT",
		Origin:      domain.Origin{ExternalMsgID: id, ChannelID: 7},
	}
}

func TestExecutorProcessesInOrder(t *testing.T) {
	ch := make(chan domain.ParsedEvent, 10)
	h := &recordingHandler{
		errOn: map[int64]error{3: domain.ErrCapacity, 4: errors.New("db down")},
		panic: 5,
	}
	e := NewExecutor(ch, h, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, id := range []int64{1, 2, 2, 3, 4, 5, 6} {
		ch <- event(id)
	}
	close(ch)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, []int64{1, 2, 3, 4, 6}, h.seen)
	processed, failed := e.Stats()
	assert.Equal(t, int64(6), processed)
	assert.Equal(t, int64(3), failed)
}

func TestExecutorDrainsOnCancel(t *testing.T) {
	ch := make(chan domain.ParsedEvent, 4)
	h := &recordingHandler{}
	e := NewExecutor(ch, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch <- event(1)
	ch <- event(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ElementsMatch(t, []int64{1, 2}, h.seen)
}

type recordingCommitter struct {
	ids []string
}

func (c *recordingCommitter) Commit(_ context.Context, id string) error {
	c.ids = append(c.ids, id)
	return nil
}

func TestExecutorCommitsEveryConsumedEvent(t *testing.T) {
	ch := make(chan domain.ParsedEvent, 10)
	h := &recordingHandler{
		errOn: map[int64]error{3: domain.ErrNoMatch},
		panic: 4,
	}
	c := &recordingCommitter{}
	e := NewExecutor(ch, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.SetCommitter(c)

	for i, id := range []int64{1, 2, 2, 3, 4} {
		ev := event(id)
		ev.StreamID = fmt.Sprintf("%d-0", i+1)
		ch <- ev
	}
	noStream := event(9)
	ch <- noStream
	close(ch)

	require.NoError(t, e.Run(context.Background()))
	// Dropped, duplicate and panicking events still move the cursor.
	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0", "5-0"}, c.ids)
	assert.Equal(t, []int64{1, 2, 3, 9}, h.seen)
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	assert.False(t, d.IsDuplicate(""))
	assert.False(t, d.IsDuplicate(""))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.IsDuplicate("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "7:42", eventKey(event(42)))
	assert.Empty(t, eventKey(domain.ParsedEvent{}))
}
