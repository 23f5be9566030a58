// Package ledger defines the persistence interfaces for the execution
// core's durable state: orders, positions, and reconciliation
// discrepancies. The ledger is the system's own record; reconciliation
// diffs it against venue snapshots and the venue always wins.
package ledger

import (
	"context"
	"errors"

	"catalyst/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("ledger: record not found")

// ErrVenueIDConflict is returned when an update tries to change an order's
// venue id after one has been recorded. The venue id is write-once.
var ErrVenueIDConflict = errors.New("ledger: venue id already set")

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its internal id.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// FindOrder retrieves an order by internal id or venue id.
	FindOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// OpenOrders returns all orders in a non-terminal status.
	OpenOrders(ctx context.Context) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order. It enforces the
	// order lifecycle: an illegal status transition or an attempt to
	// overwrite the venue id fails and leaves the record untouched.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or replaces the position for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the current position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// DeletePosition removes the position for a symbol.
	DeletePosition(ctx context.Context, symbol string) error
}

// DiscrepancyStore persists reconciliation findings. Records are kept after
// resolution for audit.
type DiscrepancyStore interface {
	// SaveDiscrepancy inserts a new discrepancy and fills in its id.
	SaveDiscrepancy(ctx context.Context, d *domain.Discrepancy) error

	// ResolveDiscrepancy marks a discrepancy corrected.
	ResolveDiscrepancy(ctx context.Context, id int64) error

	// ListDiscrepancies returns discrepancies, open ones only when
	// openOnly is set, newest first.
	ListDiscrepancies(ctx context.Context, openOnly bool) ([]domain.Discrepancy, error)
}

// Store is the full ledger surface.
type Store interface {
	OrderStore
	PositionStore
	DiscrepancyStore
	Close() error
}
