// Package store defines the transactional storage contract used by the
// checkout engine. Implementations live in postgres, mysql and memstore.
package store

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-checkout-engine/internal/orders"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrStaleVersion is returned when a conditional write matched no row.
	ErrStaleVersion = errors.New("store: stale version")
)

type IsolationLevel int

const (
	Serializable IsolationLevel = iota
	RepeatableRead
	ReadCommitted
)

func (l IsolationLevel) String() string {
	switch l {
	case Serializable:
		return "serializable"
	case RepeatableRead:
		return "repeatable_read"
	case ReadCommitted:
		return "read_committed"
	}
	return "unknown"
}

type TxOptions struct {
	Isolation IsolationLevel
}

// DB opens transactions.
type DB interface {
	BeginTx(ctx context.Context, opts TxOptions) (Tx, error)
}

// Tx is one open transaction. Rollback after Commit is a no-op.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// GetProduct reads a product; lock=true takes a row lock for the rest of the tx.
	GetProduct(ctx context.Context, id string, lock bool) (orders.Product, error)
	// DecrementInventory subtracts qty from a tracked product and bumps its version
	// in one statement, guarded by version = expectedVersion and inventory >= qty.
	// It returns ErrStaleVersion when the guard fails.
	DecrementInventory(ctx context.Context, id string, qty int, expectedVersion int64) error
	// SetInventory overwrites the stock column without touching the version.
	SetInventory(ctx context.Context, id string, stock orders.Stock) error
	// BumpVersion increments the version if it still equals expectedVersion.
	BumpVersion(ctx context.Context, id string, expectedVersion int64) error

	GetAddress(ctx context.Context, id string) (orders.Address, error)
	InsertAddress(ctx context.Context, a orders.Address) error

	InsertOrder(ctx context.Context, o orders.Order) error
	InsertOrderItems(ctx context.Context, items []orders.OrderItem) error
	GetOrder(ctx context.Context, id string, lock bool) (orders.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status orders.Status) error
}
