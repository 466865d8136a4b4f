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

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, position_id, exchange_order_id, side, order_type,
	price, quantity, filled_quantity, filled_price, status, error_message,
	created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, typ, status string
	var price, filledPrice decimal.NullDecimal

	err := row.Scan(
		&o.ID, &o.PositionID, &o.ExchangeOrderID, &side, &typ,
		&price, &o.Quantity, &o.FilledQuantity, &filledPrice, &status, &o.ErrorMessage,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.Price = decPtr(price)
	o.FilledPrice = decPtr(filledPrice)
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Create inserts a new order into the database.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, position_id, exchange_order_id, side, order_type,
			price, quantity, filled_quantity, filled_price, status, error_message,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $12
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.PositionID, o.ExchangeOrderID, string(o.Side), string(o.Type),
		nullDec(o.Price), o.Quantity, o.FilledQuantity, nullDec(o.FilledPrice),
		string(o.Status), o.ErrorMessage,
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, mapWriteErr(err))
	}
	return nil
}

// Update writes the fill state and status of an order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			exchange_order_id = $2,
			filled_quantity   = $3,
			filled_price      = $4,
			status            = $5,
			error_message     = $6,
			updated_at        = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, o.ExchangeOrderID, o.FilledQuantity, nullDec(o.FilledPrice),
		string(o.Status), o.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByStatus returns orders in any of statuses, oldest first so that the
// reconciler visits them in submission order.
func (s *OrderStore) ListByStatus(ctx context.Context, statuses []domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE status = ANY($1)`
	args := []any{statusArgs(statuses)}
	query, args = window(query, args, "created_at", "created_at, id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}

// ListByPosition returns the orders of one position in submission order.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE position_id = $1 ORDER BY created_at, id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for position %s: %w", positionID, err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders for position: %w", err)
	}
	return orders, nil
}

// ListBefore returns orders in statuses last updated before the cutoff.
func (s *OrderStore) ListBefore(ctx context.Context, statuses []domain.OrderStatus, before time.Time) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, statusArgs(statuses), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders before: %w", err)
	}
	return orders, nil
}
