package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// multipartThreshold is the payload size above which archives are uploaded
// with the multipart uploader.
const multipartThreshold = 16 * 1024 * 1024

// Statuses eligible for archiving. Live records are never archived.
var (
	archivedSignalStatuses = []domain.SignalStatus{
		domain.SignalStatusClosed, domain.SignalStatusCancelled, domain.SignalStatusExpired,
	}
	archivedPositionStatuses = []domain.PositionStatus{
		domain.PositionStatusClosed, domain.PositionStatusCancelled, domain.PositionStatusFailed,
	}
	archivedOrderStatuses = []domain.OrderStatus{
		domain.OrderStatusFilled, domain.OrderStatusCancelled, domain.OrderStatusFailed,
	}
)

// ArchiveImpl implements domain.Archiver by querying the stores for terminal
// records last updated before a cutoff, serializing them to JSONL and
// uploading the result.
//
// Archived rows are not deleted from Postgres here.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	signals   domain.SignalStore
	positions domain.PositionStore
	orders    domain.OrderStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	signals domain.SignalStore,
	positions domain.PositionStore,
	orders domain.OrderStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		signals:   signals,
		positions: positions,
		orders:    orders,
		audit:     audit,
	}
}

// ArchiveSignals uploads terminal signals to archive/signals/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveSignals(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.signals.ListBefore(ctx, archivedSignalStatuses, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive signals query: %w", err)
	}
	return upload(ctx, a, "signals", before, rows)
}

// ArchivePositions uploads terminal positions to archive/positions/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.positions.ListBefore(ctx, archivedPositionStatuses, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	return upload(ctx, a, "positions", before, rows)
}

// ArchiveOrders uploads terminal orders to archive/orders/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.orders.ListBefore(ctx, archivedOrderStatuses, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	return upload(ctx, a, "orders", before, rows)
}

// upload writes rows as one JSONL object and records the run in the audit
// log. Nothing is written when rows is empty.
func upload[T any](ctx context.Context, a *ArchiveImpl, kind string, before time.Time, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(rows))
	if a.audit == nil {
		return count, nil
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/signals/2026-01.jsonl
//	archive/positions/2026-01.jsonl
//	archive/orders/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("%s%s/%s.jsonl", domain.ArchivePrefix, kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON, one
// compact record per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
