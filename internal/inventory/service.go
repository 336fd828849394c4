// Package inventory administers product stock on top of the txn primitives.
package inventory

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
	"github.com/ariefcatur/go-checkout-engine/internal/txn"
)

type Service struct {
	Exec   *txn.Executor
	Logger *zap.Logger
}

func NewService(exec *txn.Executor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Exec: exec, Logger: logger}
}

// SetStock overwrites the stock of a product the caller read at
// expectedVersion. A concurrent change fails with ConcurrencyConflict.
func (s *Service) SetStock(ctx context.Context, productID string, expectedVersion int64, stock orders.Stock) (orders.Product, error) {
	if t, ok := stock.(orders.Tracked); ok && t.Count < 0 {
		return orders.Product{}, apperr.Validation("inventory must not be negative").
			WithDetails(map[string]any{"product_id": productID, "inventory": t.Count})
	}
	p, err := txn.WithOptimisticConcurrency(ctx, s.Exec, productID, expectedVersion,
		func(ctx context.Context, tx store.Tx, p orders.Product) (orders.Product, error) {
			if err := tx.SetInventory(ctx, p.ID, stock); err != nil {
				return orders.Product{}, err
			}
			p.Stock = stock
			p.Version++
			return p, nil
		})
	if err != nil {
		return orders.Product{}, err
	}
	s.Logger.Info("stock set",
		zap.String("product_id", productID),
		zap.Any("inventory", orders.StockToNullable(stock)),
		zap.Int64("version", p.Version),
	)
	return p, nil
}

// AddStock adjusts a tracked product's inventory by delta under a row lock.
// Restocks use a positive delta, write-offs a negative one.
func (s *Service) AddStock(ctx context.Context, productID string, delta int) (orders.Product, error) {
	p, err := txn.WithPessimisticLock(ctx, s.Exec, productID,
		func(ctx context.Context, tx store.Tx, p orders.Product) (orders.Product, error) {
			t, ok := p.Stock.(orders.Tracked)
			if !ok {
				return orders.Product{}, apperr.BadRequest("product %s does not track inventory", p.ID).
					WithDetails(map[string]any{"product_id": p.ID})
			}
			next := t.Count + delta
			if next < 0 {
				return orders.Product{}, apperr.Validation("inventory of product %s would become negative", p.ID).
					WithDetails(map[string]any{"product_id": p.ID, "available": t.Count, "delta": delta})
			}
			if err := tx.SetInventory(ctx, p.ID, orders.Tracked{Count: next}); err != nil {
				return orders.Product{}, err
			}
			if err := tx.BumpVersion(ctx, p.ID, p.Version); err != nil {
				if errors.Is(err, store.ErrStaleVersion) {
					return orders.Product{}, apperr.WriteConflict(err, "product %s changed during stock adjustment", p.ID)
				}
				return orders.Product{}, err
			}
			p.Stock = orders.Tracked{Count: next}
			p.Version++
			return p, nil
		})
	if err != nil {
		return orders.Product{}, err
	}
	s.Logger.Info("stock adjusted",
		zap.String("product_id", productID),
		zap.Int("delta", delta),
		zap.Int64("version", p.Version),
	)
	return p, nil
}
