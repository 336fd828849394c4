// Package checkout places orders: it verifies and decrements inventory for
// every line of a cart and persists the order in a single retried transaction.
package checkout

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
	"github.com/ariefcatur/go-checkout-engine/internal/txn"
)

// Strategy selects how a line's product row is guarded.
type Strategy string

const (
	// Pessimistic takes a row lock on every product before decrementing.
	Pessimistic Strategy = "pessimistic"
	// Optimistic reads without a lock and relies on the version-guarded write.
	Optimistic Strategy = "optimistic"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Pessimistic, "":
		return Pessimistic, nil
	case Optimistic:
		return Optimistic, nil
	}
	return "", apperr.BadRequest("unknown checkout strategy %q", s)
}

type Engine struct {
	exec     *txn.Executor
	logger   *zap.Logger
	strategy Strategy
	txOpts   []txn.Option
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithStrategy(s Strategy) Option { return func(e *Engine) { e.strategy = s } }

// WithTxOptions applies per-call executor options to every transaction.
func WithTxOptions(opts ...txn.Option) Option {
	return func(e *Engine) { e.txOpts = append(e.txOpts, opts...) }
}

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDs(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

func New(exec *txn.Executor, opts ...Option) *Engine {
	e := &Engine{
		exec:     exec,
		logger:   zap.NewNop(),
		strategy: Pessimistic,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlaceOrder converts a cart into a PENDING order. Either every line is
// decremented and the order with all its items is stored, or nothing is.
func (e *Engine) PlaceOrder(ctx context.Context, in orders.PlaceOrderInput) (orders.Order, error) {
	if err := validate(in); err != nil {
		return orders.Order{}, err
	}

	o, err := txn.Run[orders.Order](ctx, e.exec, func(ctx context.Context, tx store.Tx) (orders.Order, error) {
		return e.place(ctx, tx, in)
	}, e.txOpts...)
	if err != nil {
		e.logger.Info("checkout rejected",
			zap.String("user_id", in.UserID),
			zap.Int("lines", len(in.Items)),
			zap.String("kind", string(apperr.Classify(err))),
			zap.Error(err),
		)
		return orders.Order{}, err
	}
	e.logger.Info("order placed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.Int64("total_cents", o.TotalCents),
	)
	return o, nil
}

func validate(in orders.PlaceOrderInput) error {
	if in.UserID == "" {
		return apperr.New(apperr.KindUnauthorized, "missing user")
	}
	if len(in.Items) == 0 {
		return apperr.Validation("order must contain at least one item")
	}
	var total int64
	for i, it := range in.Items {
		if it.ProductID == "" {
			return apperr.Validation("item %d: product_id is required", i).WithDetails(map[string]any{"index": i})
		}
		if it.Quantity <= 0 {
			return apperr.Validation("item %d: quantity must be positive", i).WithDetails(map[string]any{
				"index": i, "product_id": it.ProductID, "quantity": it.Quantity,
			})
		}
		if it.PriceCents < 0 {
			return apperr.Validation("item %d: price must not be negative", i).WithDetails(map[string]any{
				"index": i, "product_id": it.ProductID,
			})
		}
		// the total is stored as is, so it must fit in int64
		if it.PriceCents > 0 && int64(it.Quantity) > math.MaxInt64/it.PriceCents {
			return totalOutOfRange(i, it)
		}
		lineTotal := it.PriceCents * int64(it.Quantity)
		if total > math.MaxInt64-lineTotal {
			return totalOutOfRange(i, it)
		}
		total += lineTotal
	}
	if in.AddressID != nil && in.Address != nil {
		return apperr.Validation("address_id and address are mutually exclusive")
	}
	return nil
}

func totalOutOfRange(i int, it orders.LineItem) error {
	return apperr.Validation("order total out of range").WithDetails(map[string]any{
		"index": i, "product_id": it.ProductID, "quantity": it.Quantity, "price_cents": it.PriceCents,
	})
}

// place is one transaction attempt. Everything it builds is local so a retry
// starts clean.
func (e *Engine) place(ctx context.Context, tx store.Tx, in orders.PlaceOrderInput) (orders.Order, error) {
	var total int64
	for _, it := range in.Items {
		if err := e.reserve(ctx, tx, it); err != nil {
			return orders.Order{}, err
		}
		total += it.PriceCents * int64(it.Quantity)
	}

	addressID, err := e.resolveAddress(ctx, tx, in)
	if err != nil {
		return orders.Order{}, err
	}

	now := e.now()
	o := orders.Order{
		ID:         e.newID(),
		UserID:     in.UserID,
		Status:     orders.StatusPending,
		TotalCents: total,
		AddressID:  addressID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return orders.Order{}, err
	}

	items := make([]orders.OrderItem, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, orders.OrderItem{
			ID:             e.newID(),
			OrderID:        o.ID,
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			UnitPriceCents: it.PriceCents,
		})
	}
	if err := tx.InsertOrderItems(ctx, items); err != nil {
		return orders.Order{}, err
	}
	o.Items = items
	return o, nil
}

// reserve checks and decrements one line. A repeated product sees the version
// left by the previous line of the same cart.
func (e *Engine) reserve(ctx context.Context, tx store.Tx, it orders.LineItem) error {
	p, err := txn.ReadProduct(ctx, tx, it.ProductID, e.strategy == Pessimistic)
	if err != nil {
		return err
	}
	if it.ExpectedVersion != nil {
		if err := txn.CheckVersion(p, *it.ExpectedVersion); err != nil {
			return err
		}
	}

	switch s := p.Stock.(type) {
	case orders.Untracked:
		return nil
	case orders.Tracked:
		if s.Count < it.Quantity {
			return apperr.BadRequest("insufficient inventory for product %s", p.ID).WithDetails(map[string]any{
				"product_id": p.ID,
				"requested":  it.Quantity,
				"available":  s.Count,
			})
		}
		err := tx.DecrementInventory(ctx, p.ID, it.Quantity, p.Version)
		if errors.Is(err, store.ErrStaleVersion) {
			return apperr.WriteConflict(err, "product %s changed during checkout", p.ID)
		}
		return err
	default:
		return apperr.Internal(errors.New("unknown stock variant"))
	}
}

func (e *Engine) resolveAddress(ctx context.Context, tx store.Tx, in orders.PlaceOrderInput) (*string, error) {
	switch {
	case in.AddressID != nil:
		a, err := tx.GetAddress(ctx, *in.AddressID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && a.UserID != in.UserID) {
			return nil, apperr.NotFound("address %s not found", *in.AddressID)
		}
		if err != nil {
			return nil, err
		}
		return &a.ID, nil
	case in.Address != nil && in.Address.Save:
		a := orders.Address{
			ID:         e.newID(),
			UserID:     in.UserID,
			Line1:      in.Address.Line1,
			Line2:      in.Address.Line2,
			City:       in.Address.City,
			Region:     in.Address.Region,
			PostalCode: in.Address.PostalCode,
			Country:    in.Address.Country,
			CreatedAt:  e.now(),
		}
		if err := tx.InsertAddress(ctx, a); err != nil {
			return nil, err
		}
		return &a.ID, nil
	}
	return nil, nil
}
