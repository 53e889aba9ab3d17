package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/execgate/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ domain.OrderStore = (*OrderStore)(nil)

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, symbol, side, kind, quantity, investment_amount,
			limit_price, stop_price, trail_percent,
			status, filled_quantity, avg_fill_price,
			parent_id, broker_name, broker_order_id, strategy,
			created_at, executed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			NULLIF($13, ''), $14, $15, $16,
			$17, $18, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.Symbol, string(o.Side), string(o.Kind),
		o.Quantity, o.InvestmentAmount,
		o.LimitPrice, o.StopPrice, o.TrailPercent,
		string(o.Status), o.FilledQuantity, o.AvgFillPrice,
		o.ParentID, o.BrokerName, o.BrokerOrderID, string(o.Strategy),
		o.CreatedAt, o.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus changes the status of an existing order, stamping executed_at
// when the order reaches a terminal state.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	var query string
	if status.Terminal() {
		query = `UPDATE orders SET status = $1, executed_at = COALESCE(executed_at, NOW()), updated_at = NOW() WHERE id = $2`
	} else {
		query = `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`
	}

	tag, err := s.pool.Exec(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateFill records the accumulated fill quantity, the blended average
// price and the resulting status in one write.
func (s *OrderStore) UpdateFill(ctx context.Context, id string, filledQty, avgPrice float64, status domain.OrderStatus) error {
	var query string
	if status.Terminal() {
		query = `UPDATE orders SET filled_quantity = $1, avg_fill_price = $2, status = $3,
			executed_at = COALESCE(executed_at, NOW()), updated_at = NOW() WHERE id = $4`
	} else {
		query = `UPDATE orders SET filled_quantity = $1, avg_fill_price = $2, status = $3,
			updated_at = NOW() WHERE id = $4`
	}

	tag, err := s.pool.Exec(ctx, query, filledQty, avgPrice, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update order fill %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetBrokerOrder records which broker accepted the order and its identifier
// on that broker.
func (s *OrderStore) SetBrokerOrder(ctx context.Context, id, brokerName, brokerOrderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET broker_name = $1, broker_order_id = $2, updated_at = NOW() WHERE id = $3`,
		brokerName, brokerOrderID, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: set broker order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `id, symbol, side, kind, quantity, investment_amount,
	limit_price, stop_price, trail_percent,
	status, filled_quantity, avg_fill_price,
	COALESCE(parent_id, ''), broker_name, broker_order_id, strategy,
	created_at, executed_at`

func scanOrderFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, kind, status, strategy string

	err := scanner.Scan(
		&o.ID, &o.Symbol, &side, &kind,
		&o.Quantity, &o.InvestmentAmount,
		&o.LimitPrice, &o.StopPrice, &o.TrailPercent,
		&status, &o.FilledQuantity, &o.AvgFillPrice,
		&o.ParentID, &o.BrokerName, &o.BrokerOrderID, &strategy,
		&o.CreatedAt, &o.ExecutedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.OrderSide(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.Strategy = domain.ChunkStrategy(strategy)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListBySymbol returns orders for a symbol with pagination and time
// filtering.
func (s *OrderStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE symbol = $1`
	args := []any{symbol}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by symbol: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by symbol: %w", err)
	}
	return orders, nil
}

// ListOpen returns all non-terminal parent orders, oldest first so the
// reconciler repairs in submission order.
func (s *OrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('pending', 'partially_filled')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}

// ListChildren returns the chunk children of a parent order in creation
// order.
func (s *OrderStore) ListChildren(ctx context.Context, parentID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE parent_id = $1 ORDER BY created_at ASC`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan children of %s: %w", parentID, err)
	}
	return orders, nil
}

// ListBefore returns terminal orders created before the cutoff, used by the
// archiver.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE created_at < $1
		   AND status IN ('filled', 'rejected', 'cancelled', 'expired')
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders before cutoff: %w", err)
	}
	return orders, nil
}
