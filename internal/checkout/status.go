package checkout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
	"github.com/ariefcatur/go-checkout-engine/internal/txn"
)

// StatusChange is the outcome of a status update. Changed is false when the
// order was already in the target status.
type StatusChange struct {
	Order   orders.Order
	From    orders.Status
	Changed bool
}

// MarkPaid moves an order to PAID once the payment was captured.
func (e *Engine) MarkPaid(ctx context.Context, orderID string) (StatusChange, error) {
	return e.transition(ctx, orderID, orders.StatusPaid)
}

// MarkFailed moves an order to PAYMENT_FAILED. Inventory is not restocked here.
func (e *Engine) MarkFailed(ctx context.Context, orderID string) (StatusChange, error) {
	return e.transition(ctx, orderID, orders.StatusPaymentFailed)
}

func (e *Engine) transition(ctx context.Context, orderID string, to orders.Status) (StatusChange, error) {
	ch, err := txn.Run[StatusChange](ctx, e.exec, func(ctx context.Context, tx store.Tx) (StatusChange, error) {
		o, err := readOrder(ctx, tx, orderID, true)
		if err != nil {
			return StatusChange{}, err
		}
		if o.Status == to {
			return StatusChange{Order: o, From: o.Status}, nil
		}
		if !orders.CanTransition(o.Status, to) {
			return StatusChange{}, apperr.Conflict("order %s cannot move from %s to %s", o.ID, o.Status, to).
				WithDetails(map[string]any{"order_id": o.ID, "from": o.Status, "to": to})
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, to); err != nil {
			return StatusChange{}, err
		}
		from := o.Status
		o.Status = to
		o.UpdatedAt = e.now()
		return StatusChange{Order: o, From: from, Changed: true}, nil
	}, e.txOpts...)
	if err != nil {
		return StatusChange{}, err
	}
	if ch.Changed {
		e.logger.Info("order status changed",
			zap.String("order_id", orderID),
			zap.String("from", string(ch.From)),
			zap.String("to", string(to)),
		)
	}
	return ch, nil
}

// GetOrder returns an order with its items.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return txn.Run[orders.Order](ctx, e.exec, func(ctx context.Context, tx store.Tx) (orders.Order, error) {
		return readOrder(ctx, tx, orderID, false)
	}, append(append([]txn.Option{}, e.txOpts...), txn.Isolation(store.ReadCommitted))...)
}

func readOrder(ctx context.Context, tx store.Tx, id string, lock bool) (orders.Order, error) {
	o, err := tx.GetOrder(ctx, id, lock)
	if errors.Is(err, store.ErrNotFound) {
		return o, apperr.NotFound("order %s not found", id).WithDetails(map[string]any{"order_id": id})
	}
	return o, err
}
