package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "multipart")
}

// positionLister embeds the store interface and overrides the one method the
// archiver calls.
type positionLister struct {
	domain.PositionStore
	rows     []domain.Position
	statuses []domain.PositionStatus
}

func (p *positionLister) ListBefore(_ context.Context, statuses []domain.PositionStatus, _ time.Time) ([]domain.Position, error) {
	p.statuses = statuses
	return p.rows, nil
}

type auditRecorder struct {
	domain.AuditStore
	events []string
}

func (a *auditRecorder) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func TestArchivePositions(t *testing.T) {
	w := &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
	positions := &positionLister{rows: []domain.Position{
		{ID: "p1", Symbol: "ETHUSDT", Status: domain.PositionStatusClosed, Quantity: decimal.NewFromInt(1)},
		{ID: "p2", Symbol: "BTCUSDT", Status: domain.PositionStatusCancelled, Quantity: decimal.NewFromInt(2)},
	}}
	audit := &auditRecorder{}
	a := NewArchiver(w, nil, positions, nil, audit)

	before := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchivePositions(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.ElementsMatch(t, archivedPositionStatuses, positions.statuses)

	body, ok := w.objects["archive/positions/2026-02.jsonl"]
	require.True(t, ok)
	assert.Equal(t, "application/x-ndjson", w.types["archive/positions/2026-02.jsonl"])

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var p domain.Position
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p1", "p2"}, ids)
	assert.Equal(t, []string{"archive.positions"}, audit.events)
}

func TestArchiveNothingToDo(t *testing.T) {
	w := &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
	audit := &auditRecorder{}
	a := NewArchiver(w, nil, &positionLister{}, nil, audit)

	n, err := a.ArchivePositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
	assert.Empty(t, audit.events)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://r2.example.com", normaliseEndpoint("https://r2.example.com", false))
}
