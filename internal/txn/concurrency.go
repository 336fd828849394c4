package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
)

// ReadProduct reads a product inside tx. lock=true holds a row lock
// (SELECT ... FOR UPDATE) until the transaction ends.
func ReadProduct(ctx context.Context, tx store.Tx, id string, lock bool) (orders.Product, error) {
	p, err := tx.GetProduct(ctx, id, lock)
	if errors.Is(err, store.ErrNotFound) {
		return p, apperr.NotFound("product %s not found", id).WithDetails(map[string]any{"product_id": id})
	}
	return p, err
}

// LockProduct is ReadProduct with a row lock.
func LockProduct(ctx context.Context, tx store.Tx, id string) (orders.Product, error) {
	return ReadProduct(ctx, tx, id, true)
}

// CheckVersion fails with ConcurrencyConflict when p was modified after the
// caller read it. The caller must re-read and resubmit.
func CheckVersion(p orders.Product, expected int64) error {
	if p.Version == expected {
		return nil
	}
	return staleVersion(p.ID, expected, p.Version)
}

func staleVersion(id string, expected, current int64) error {
	return apperr.ConcurrencyConflict("product %s was modified concurrently", id).WithDetails(map[string]any{
		"product_id":       id,
		"expected_version": expected,
		"current_version":  current,
	})
}

// WithOptimisticConcurrency runs mutate against a product only while its
// version still equals expectedVersion, then bumps the version in the same
// transaction. Mutators must not touch the version themselves.
func WithOptimisticConcurrency[T any](
	ctx context.Context,
	e *Executor,
	productID string,
	expectedVersion int64,
	mutate func(ctx context.Context, tx store.Tx, p orders.Product) (T, error),
	opts ...Option,
) (T, error) {
	return Run[T](ctx, e, func(ctx context.Context, tx store.Tx) (T, error) {
		var zero T
		p, err := ReadProduct(ctx, tx, productID, false)
		if err != nil {
			return zero, err
		}
		if err := CheckVersion(p, expectedVersion); err != nil {
			return zero, err
		}
		res, err := mutate(ctx, tx, p)
		if err != nil {
			return zero, err
		}
		if err := tx.BumpVersion(ctx, productID, expectedVersion); err != nil {
			if errors.Is(err, store.ErrStaleVersion) {
				cur, rerr := tx.GetProduct(ctx, productID, false)
				if rerr != nil {
					return zero, fmt.Errorf("re-read product %s after stale version: %w", productID, rerr)
				}
				return zero, staleVersion(productID, expectedVersion, cur.Version)
			}
			return zero, err
		}
		return res, nil
	}, opts...)
}

// WithPessimisticLock locks the product row and hands it to worker. Every
// retry takes the lock again from scratch.
func WithPessimisticLock[T any](
	ctx context.Context,
	e *Executor,
	productID string,
	worker func(ctx context.Context, tx store.Tx, p orders.Product) (T, error),
	opts ...Option,
) (T, error) {
	return Run[T](ctx, e, func(ctx context.Context, tx store.Tx) (T, error) {
		p, err := LockProduct(ctx, tx, productID)
		if err != nil {
			var zero T
			return zero, err
		}
		return worker(ctx, tx, p)
	}, opts...)
}
