package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const signalSelectCols = `id, external_msg_id, channel_id, raw_text, raw_image_path,
	symbol, direction, entry_low, entry_high, stop_loss, take_profits,
	risk_percent, leverage, margin_type, status, confidence, signal_time,
	created_at, updated_at`

// signalNewestFirst is the deterministic ordering used for matching.
const signalNewestFirst = "created_at DESC, id DESC"

func scanSignal(row pgx.Row) (domain.Signal, error) {
	var s domain.Signal
	var direction, margin, status string
	var entryHigh decimal.NullDecimal
	var tpJSON []byte

	err := row.Scan(
		&s.ID, &s.ExternalMsgID, &s.ChannelID, &s.RawText, &s.RawImagePath,
		&s.Symbol, &direction, &s.EntryLow, &entryHigh, &s.StopLoss, &tpJSON,
		&s.RiskPercent, &s.Leverage, &margin, &status, &s.Confidence, &s.SignalTime,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Signal{}, err
	}
	s.Direction = domain.Direction(direction)
	s.MarginType = domain.MarginType(margin)
	s.Status = domain.SignalStatus(status)
	s.EntryHigh = decPtr(entryHigh)
	if len(tpJSON) > 0 {
		if err := json.Unmarshal(tpJSON, &s.TakeProfits); err != nil {
			return domain.Signal{}, fmt.Errorf("decode take_profits: %w", err)
		}
	}
	return s, nil
}

func scanSignals(rows pgx.Rows) ([]domain.Signal, error) {
	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create inserts a new signal. A duplicate external message id yields
// domain.ErrAlreadyExists.
func (s *SignalStore) Create(ctx context.Context, sig domain.Signal) error {
	tps := sig.TakeProfits
	if tps == nil {
		tps = []decimal.Decimal{}
	}
	tpJSON, err := json.Marshal(tps)
	if err != nil {
		return fmt.Errorf("postgres: marshal take profits: %w", err)
	}

	const query = `
		INSERT INTO signals (
			id, external_msg_id, channel_id, raw_text, raw_image_path,
			symbol, direction, entry_low, entry_high, stop_loss, take_profits,
			risk_percent, leverage, margin_type, status, confidence, signal_time,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $18
		)`

	_, err = s.pool.Exec(ctx, query,
		sig.ID, sig.ExternalMsgID, sig.ChannelID, sig.RawText, sig.RawImagePath,
		sig.Symbol, string(sig.Direction), sig.EntryLow, nullDec(sig.EntryHigh), sig.StopLoss, tpJSON,
		sig.RiskPercent, sig.Leverage, string(sig.MarginType), string(sig.Status), sig.Confidence, sig.SignalTime,
		sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create signal %s: %w", sig.ID, mapWriteErr(err))
	}
	return nil
}

// GetByID retrieves a single signal.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalSelectCols+` FROM signals WHERE id = $1`, id)
	sig, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	return sig, nil
}

// UpdateStatus sets the status. Transition legality is checked by the caller.
func (s *SignalStore) UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signals SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update signal status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByStatus returns signals in any of statuses, newest first.
func (s *SignalStore) ListByStatus(ctx context.Context, statuses []domain.SignalStatus, opts domain.ListOpts) ([]domain.Signal, error) {
	query := `SELECT ` + signalSelectCols + ` FROM signals WHERE 1=1`
	var args []any
	if len(statuses) > 0 {
		query += ` AND status = ANY($1)`
		args = append(args, statusArgs(statuses))
	}
	query, args = window(query, args, "created_at", signalNewestFirst, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals: %w", err)
	}
	defer rows.Close()

	out, err := scanSignals(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan signals: %w", err)
	}
	return out, nil
}

// ListBefore returns signals in statuses last updated before the cutoff.
func (s *SignalStore) ListBefore(ctx context.Context, statuses []domain.SignalStatus, before time.Time) ([]domain.Signal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signalSelectCols+` FROM signals
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, statusArgs(statuses), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals before: %w", err)
	}
	defer rows.Close()

	out, err := scanSignals(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan signals before: %w", err)
	}
	return out, nil
}

// Count returns the total number of signals.
func (s *SignalStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM signals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count signals: %w", err)
	}
	return n, nil
}

// SignalUpdateStore implements domain.SignalUpdateStore using PostgreSQL.
type SignalUpdateStore struct {
	pool *pgxpool.Pool
}

// NewSignalUpdateStore creates a new SignalUpdateStore.
func NewSignalUpdateStore(pool *pgxpool.Pool) *SignalUpdateStore {
	return &SignalUpdateStore{pool: pool}
}

// Append inserts an update. Rows are never modified afterwards.
func (s *SignalUpdateStore) Append(ctx context.Context, u domain.SignalUpdate) error {
	const query = `
		INSERT INTO signal_updates (
			id, signal_id, external_msg_id, raw_text, kind,
			tp_number, new_stop_loss, close_percent, profit_percent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		u.ID, u.SignalID, u.ExternalMsgID, u.RawText, string(u.Kind),
		u.TPNumber, nullDec(u.NewStopLoss), u.ClosePercent, u.ProfitPercent, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append signal update %s: %w", u.ID, mapWriteErr(err))
	}
	return nil
}

// ListBySignal returns the updates of one signal in arrival order.
func (s *SignalUpdateStore) ListBySignal(ctx context.Context, signalID string) ([]domain.SignalUpdate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, signal_id, external_msg_id, raw_text, kind,
			tp_number, new_stop_loss, close_percent, profit_percent, created_at
		 FROM signal_updates WHERE signal_id = $1 ORDER BY created_at, id`, signalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signal updates: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalUpdate
	for rows.Next() {
		var u domain.SignalUpdate
		var kind string
		var newSL decimal.NullDecimal
		if err := rows.Scan(
			&u.ID, &u.SignalID, &u.ExternalMsgID, &u.RawText, &kind,
			&u.TPNumber, &newSL, &u.ClosePercent, &u.ProfitPercent, &u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal update: %w", err)
		}
		u.Kind = domain.UpdateKind(kind)
		u.NewStopLoss = decPtr(newSL)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list signal updates rows: %w", err)
	}
	return out, nil
}
