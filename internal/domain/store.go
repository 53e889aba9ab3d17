package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders and their status transitions.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
	UpdateFill(ctx context.Context, id string, filledQty, avgPrice float64, status OrderStatus) error
	SetBrokerOrder(ctx context.Context, id, brokerName, brokerOrderID string) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Order, error)
	ListOpen(ctx context.Context) ([]Order, error)
	ListChildren(ctx context.Context, parentID string) ([]Order, error)
	ListBefore(ctx context.Context, before time.Time) ([]Order, error)
}

// FillStore persists individual executions.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListByOrder(ctx context.Context, orderID string) ([]Fill, error)
	ListBefore(ctx context.Context, before time.Time) ([]Fill, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of admission decisions and
// terminal outcomes.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
