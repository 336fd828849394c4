package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
)

// Beginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type Store struct{ DB Beginner }

func NewStore(db Beginner) *Store { return &Store{DB: db} }

func isoLevel(l store.IsolationLevel) pgx.TxIsoLevel {
	switch l {
	case store.RepeatableRead:
		return pgx.RepeatableRead
	case store.ReadCommitted:
		return pgx.ReadCommitted
	default:
		return pgx.Serializable
	}
}

func (s *Store) BeginTx(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(opts.Isolation)})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

const productColumns = `id, title, price_cents, discounted_price_cents, inventory, version, created_at, updated_at`

func (t *pgTx) GetProduct(ctx context.Context, id string, lock bool) (orders.Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	var (
		p   orders.Product
		inv *int
	)
	err := t.tx.QueryRow(ctx, q, id).Scan(
		&p.ID, &p.Title, &p.PriceCents, &p.DiscountedPriceCents, &inv, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Product{}, fmt.Errorf("get product %s: %w", id, err)
	}
	p.Stock = orders.StockFromNullable(inv)
	return p, nil
}

func (t *pgTx) DecrementInventory(ctx context.Context, id string, qty int, expectedVersion int64) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE products
		SET inventory = inventory - $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3 AND inventory IS NOT NULL AND inventory >= $2`,
		id, qty, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("decrement inventory %s: %w", id, err)
	}
	if ct.RowsAffected() != 1 {
		return t.missOrStale(ctx, id)
	}
	return nil
}

func (t *pgTx) SetInventory(ctx context.Context, id string, stock orders.Stock) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET inventory = $2, updated_at = now() WHERE id = $1`,
		id, orders.StockToNullable(stock))
	if err != nil {
		return fmt.Errorf("set inventory %s: %w", id, err)
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) BumpVersion(ctx context.Context, id string, expectedVersion int64) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET version = version + 1, updated_at = now() WHERE id = $1 AND version = $2`,
		id, expectedVersion)
	if err != nil {
		return fmt.Errorf("bump version %s: %w", id, err)
	}
	if ct.RowsAffected() != 1 {
		return t.missOrStale(ctx, id)
	}
	return nil
}

// missOrStale tells a missing row apart from a failed guard after a
// conditional write touched nothing.
func (t *pgTx) missOrStale(ctx context.Context, id string) error {
	var one int
	err := t.tx.QueryRow(ctx, `SELECT 1 FROM products WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrStaleVersion
}

func (t *pgTx) GetAddress(ctx context.Context, id string) (orders.Address, error) {
	var a orders.Address
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, line1, line2, city, region, postal_code, country, is_default, created_at
		FROM addresses WHERE id = $1`, id).Scan(
		&a.ID, &a.UserID, &a.Line1, &a.Line2, &a.City, &a.Region, &a.PostalCode, &a.Country, &a.IsDefault, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Address{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Address{}, fmt.Errorf("get address %s: %w", id, err)
	}
	return a, nil
}

func (t *pgTx) InsertAddress(ctx context.Context, a orders.Address) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO addresses(id, user_id, line1, line2, city, region, postal_code, country, is_default, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.UserID, a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country, a.IsDefault, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_cents, address_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.UserID, string(o.Status), o.TotalCents, o.AddressID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) InsertOrderItems(ctx context.Context, items []orders.OrderItem) error {
	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(`
			INSERT INTO order_items(id, order_id, product_id, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5)`,
			it.ID, it.OrderID, it.ProductID, it.Quantity, it.UnitPriceCents,
		)
	}
	br := t.tx.SendBatch(ctx, b)
	for range items {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert order items: %w", err)
		}
	}
	return br.Close()
}

func (t *pgTx) GetOrder(ctx context.Context, id string, lock bool) (orders.Order, error) {
	q := `SELECT id, user_id, status, total_cents, address_id, created_at, updated_at FROM orders WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	var (
		o      orders.Order
		status string
	)
	err := t.tx.QueryRow(ctx, q, id).Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &o.AddressID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	o.Status = orders.Status(status)

	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price_cents
		FROM order_items WHERE order_id = $1 ORDER BY seq`, id)
	if err != nil {
		return orders.Order{}, fmt.Errorf("get order items %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPriceCents); err != nil {
			return orders.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, id string, status orders.Status) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update order status %s: %w", id, err)
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}
