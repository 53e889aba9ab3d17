package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/execgate/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

var _ domain.FillStore = (*FillStore)(nil)

// Insert appends one execution record.
func (s *FillStore) Insert(ctx context.Context, fill domain.Fill) error {
	const query = `
		INSERT INTO fills (id, order_id, broker, quantity, price, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		fill.ID, fill.OrderID, fill.Broker, fill.Quantity, fill.Price, fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", fill.ID, err)
	}
	return nil
}

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Broker, &f.Quantity, &f.Price, &f.Timestamp); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ListByOrder returns all fills for an order in execution order.
func (s *FillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, broker, quantity, price, ts FROM fills
		 WHERE order_id = $1 ORDER BY ts ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for %s: %w", orderID, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills for %s: %w", orderID, err)
	}
	return fills, nil
}

// ListBefore returns fills executed before the cutoff, used by the archiver.
func (s *FillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, broker, quantity, price, ts FROM fills
		 WHERE ts < $1 ORDER BY ts ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills before cutoff: %w", err)
	}
	return fills, nil
}
