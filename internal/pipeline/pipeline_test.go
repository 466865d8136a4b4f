package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	cutoff    time.Time
	signalErr error
}

func (f *fakeArchiver) ArchiveSignals(_ context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return 3, f.signalErr
}

func (f *fakeArchiver) ArchivePositions(context.Context, time.Time) (int64, error) { return 2, nil }
func (f *fakeArchiver) ArchiveOrders(context.Context, time.Time) (int64, error)    { return 5, nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiverRunUsesRetentionCutoff(t *testing.T) {
	fa := &fakeArchiver{}
	a := NewArchiver(fa, 30, testLogger())
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*24*time.Hour), fa.cutoff)
	assert.Equal(t, int64(3), res.Signals)
	assert.Equal(t, int64(2), res.Positions)
	assert.Equal(t, int64(5), res.Orders)
}

func TestArchiverRunContinuesAfterFailure(t *testing.T) {
	fa := &fakeArchiver{signalErr: errors.New("bucket gone")}
	a := NewArchiver(fa, 0, testLogger())

	res, err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
	assert.Zero(t, res.Signals)
	assert.Equal(t, int64(2), res.Positions)
	assert.Equal(t, int64(5), res.Orders)
}

func TestCronNext(t *testing.T) {
	s, err := parseCron("0 3 1 * *")
	require.NoError(t, err)
	next, err := s.next(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC), next)

	s, err = parseCron("*/5 * * * *")
	assert.Error(t, err)
	_ = s

	s, err = parseCron("30 9-17 * * 1-5")
	require.NoError(t, err)
	// Saturday 2026-01-17 rolls to Monday 09:30.
	next, err = s.next(time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 19, 9, 30, 0, 0, time.UTC), next)
}

func TestCronRejectsBadFields(t *testing.T) {
	for _, expr := range []string{"", "0 3 1 *", "60 * * * *", "0 24 * * *", "5-1 * * * *"} {
		_, err := parseCron(expr)
		assert.Error(t, err, expr)
	}
}

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.err != nil {
		return j.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestOrchestratorStopsOnCancel(t *testing.T) {
	a, b := &countingJob{name: "a"}, &countingJob{name: "b"}
	o := NewOrchestrator([]Job{a, b}, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return a.runs.Load() == 1 && b.runs.Load() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestOrchestratorPropagatesJobError(t *testing.T) {
	bad := &countingJob{name: "bad", err: errors.New("boom")}
	idle := &countingJob{name: "idle"}
	o := NewOrchestrator([]Job{bad, idle}, nil, "", testLogger())

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
}
