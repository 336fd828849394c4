// Package mysql implements store.DB on database/sql with go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
)

// Open parses dsn, forces parseTime and returns a pinged pool.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	conn, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func isoLevel(l store.IsolationLevel) sql.IsolationLevel {
	switch l {
	case store.RepeatableRead:
		return sql.LevelRepeatableRead
	case store.ReadCommitted:
		return sql.LevelReadCommitted
	default:
		return sql.LevelSerializable
	}
}

func (s *Store) BeginTx(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: isoLevel(opts.Isolation)})
	if err != nil {
		return nil, err
	}
	return &myTx{tx: tx, now: s.now}, nil
}

type myTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *myTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *myTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *myTx) GetProduct(ctx context.Context, id string, lock bool) (orders.Product, error) {
	q := `SELECT id, title, price_cents, discounted_price_cents, inventory, version, created_at, updated_at
		FROM products WHERE id = ?`
	if lock {
		q += ` FOR UPDATE`
	}
	var (
		p          orders.Product
		discounted sql.NullInt64
		inv        sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &p.Title, &p.PriceCents, &discounted, &inv, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Product{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Product{}, fmt.Errorf("query product %s: %w", id, err)
	}
	if discounted.Valid {
		p.DiscountedPriceCents = &discounted.Int64
	}
	if inv.Valid {
		p.Stock = orders.Tracked{Count: int(inv.Int64)}
	} else {
		p.Stock = orders.Untracked{}
	}
	return p, nil
}

func (t *myTx) DecrementInventory(ctx context.Context, id string, qty int, expectedVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET inventory = inventory - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND inventory IS NOT NULL AND inventory >= ?`,
		qty, t.now(), id, expectedVersion, qty,
	)
	if err != nil {
		return fmt.Errorf("decrement inventory %s: %w", id, err)
	}
	return t.expectOne(ctx, res, id)
}

func (t *myTx) SetInventory(ctx context.Context, id string, stock orders.Stock) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET inventory = ?, updated_at = ? WHERE id = ?`,
		orders.StockToNullable(stock), t.now(), id)
	if err != nil {
		return fmt.Errorf("set inventory %s: %w", id, err)
	}
	// updated_at always changes, so zero affected rows means the row is gone
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *myTx) BumpVersion(ctx context.Context, id string, expectedVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		t.now(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("bump version %s: %w", id, err)
	}
	return t.expectOne(ctx, res, id)
}

func (t *myTx) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = t.tx.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrStaleVersion
}

func (t *myTx) GetAddress(ctx context.Context, id string) (orders.Address, error) {
	var a orders.Address
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, line1, line2, city, region, postal_code, country, is_default, created_at
		FROM addresses WHERE id = ?`, id).Scan(
		&a.ID, &a.UserID, &a.Line1, &a.Line2, &a.City, &a.Region, &a.PostalCode, &a.Country, &a.IsDefault, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Address{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Address{}, fmt.Errorf("query address %s: %w", id, err)
	}
	return a, nil
}

func (t *myTx) InsertAddress(ctx context.Context, a orders.Address) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO addresses (id, user_id, line1, line2, city, region, postal_code, country, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country, a.IsDefault, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	return nil
}

func (t *myTx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_cents, address_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, string(o.Status), o.TotalCents, o.AddressID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *myTx) InsertOrderItems(ctx context.Context, items []orders.OrderItem) error {
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO order_items (id, order_id, product_id, quantity, unit_price_cents)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare order items: %w", err)
	}
	defer stmt.Close()
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.OrderID, it.ProductID, it.Quantity, it.UnitPriceCents); err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return nil
}

func (t *myTx) GetOrder(ctx context.Context, id string, lock bool) (orders.Order, error) {
	q := `SELECT id, user_id, status, total_cents, address_id, created_at, updated_at FROM orders WHERE id = ?`
	if lock {
		q += ` FOR UPDATE`
	}
	var (
		o       orders.Order
		status  string
		address sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, q, id).Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &address, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("query order %s: %w", id, err)
	}
	o.Status = orders.Status(status)
	if address.Valid {
		o.AddressID = &address.String
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price_cents
		FROM order_items WHERE order_id = ? ORDER BY seq`, id)
	if err != nil {
		return orders.Order{}, fmt.Errorf("query order items %s: %w", id, err)
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

func (t *myTx) UpdateOrderStatus(ctx context.Context, id string, status orders.Status) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), t.now(), id)
	if err != nil {
		return fmt.Errorf("update order status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
