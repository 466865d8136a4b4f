package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, signal_id, symbol, side, leverage, margin_type,
	quantity, remaining_quantity, margin_used,
	entry_price, current_stop_loss, current_take_profit,
	realized_pnl, unrealized_pnl, status, opened_at, closed_at,
	created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, margin, status string
	var entry, stop, take decimal.NullDecimal

	err := row.Scan(
		&p.ID, &p.SignalID, &p.Symbol, &side, &p.Leverage, &margin,
		&p.Quantity, &p.RemainingQuantity, &p.MarginUsed,
		&entry, &stop, &take,
		&p.RealizedPnL, &p.UnrealizedPnL, &status, &p.OpenedAt, &p.ClosedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Direction(side)
	p.MarginType = domain.MarginType(margin)
	p.Status = domain.PositionStatus(status)
	p.EntryPrice = decPtr(entry)
	p.CurrentStopLoss = decPtr(stop)
	p.CurrentTakeProfit = decPtr(take)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, signal_id, symbol, side, leverage, margin_type,
			quantity, remaining_quantity, margin_used,
			entry_price, current_stop_loss, current_take_profit,
			realized_pnl, unrealized_pnl, status, opened_at, closed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $18
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.SignalID, p.Symbol, string(p.Side), p.Leverage, string(p.MarginType),
		p.Quantity, p.RemainingQuantity, p.MarginUsed,
		nullDec(p.EntryPrice), nullDec(p.CurrentStopLoss), nullDec(p.CurrentTakeProfit),
		p.RealizedPnL, p.UnrealizedPnL, string(p.Status), p.OpenedAt, p.ClosedAt,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, mapWriteErr(err))
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			remaining_quantity  = $2,
			margin_used         = $3,
			entry_price         = $4,
			current_stop_loss   = $5,
			current_take_profit = $6,
			realized_pnl        = $7,
			unrealized_pnl      = $8,
			status              = $9,
			opened_at           = $10,
			closed_at           = $11,
			updated_at          = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.RemainingQuantity, p.MarginUsed,
		nullDec(p.EntryPrice), nullDec(p.CurrentStopLoss), nullDec(p.CurrentTakeProfit),
		p.RealizedPnL, p.UnrealizedPnL, string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// CountByStatus counts positions in any of statuses.
func (s *PositionStore) CountByStatus(ctx context.Context, statuses []domain.PositionStatus) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE status = ANY($1)`, statusArgs(statuses)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}

// ListByStatus returns positions in any of statuses, newest first. An empty
// status list matches every position.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses []domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	var args []any
	if len(statuses) > 0 {
		query += ` AND status = ANY($1)`
		args = append(args, statusArgs(statuses))
	}
	query, args = window(query, args, "created_at", "created_at DESC, id DESC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// FindForSignal returns the most recent position of signalID in statuses.
func (s *PositionStore) FindForSignal(ctx context.Context, signalID string, statuses []domain.PositionStatus) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE signal_id = $1 AND status = ANY($2)
		 ORDER BY created_at DESC, id DESC LIMIT 1`, signalID, statusArgs(statuses))

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: find position for signal %s: %w", signalID, err)
	}
	return p, nil
}

// ListBefore returns positions in statuses last updated before the cutoff.
func (s *PositionStore) ListBefore(ctx context.Context, statuses []domain.PositionStatus, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, statusArgs(statuses), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions before: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions before: %w", err)
	}
	return positions, nil
}

// Stats aggregates position counts and PnL for reporting.
func (s *PositionStore) Stats(ctx context.Context) (domain.PositionStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('open', 'partially_closed')),
			COUNT(*) FILTER (WHERE status = 'closed'),
			COUNT(*) FILTER (WHERE status = 'closed' AND realized_pnl > 0),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(SUM(unrealized_pnl) FILTER (WHERE status IN ('open', 'partially_closed')), 0)
		FROM positions`

	var st domain.PositionStats
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.Open, &st.Closed, &st.Winning, &st.RealizedPnL, &st.UnrealizedPnL,
	)
	if err != nil {
		return domain.PositionStats{}, fmt.Errorf("postgres: position stats: %w", err)
	}
	return st, nil
}
