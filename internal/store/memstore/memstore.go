// Package memstore is an in-memory store.DB. Transactions run one at a time,
// which makes every schedule serial and therefore serializable. Faults can be
// injected per operation to exercise the retry paths.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
)

// Operation names accepted by InjectFault.
const (
	OpBegin              = "begin"
	OpCommit             = "commit"
	OpGetProduct         = "get_product"
	OpDecrementInventory = "decrement_inventory"
	OpInsertOrder        = "insert_order"
	OpInsertOrderItems   = "insert_order_items"
)

type state struct {
	products  map[string]orders.Product
	addresses map[string]orders.Address
	orders    map[string]orders.Order
	items     map[string][]orders.OrderItem
}

func (s state) clone() state {
	out := state{
		products:  make(map[string]orders.Product, len(s.products)),
		addresses: make(map[string]orders.Address, len(s.addresses)),
		orders:    make(map[string]orders.Order, len(s.orders)),
		items:     make(map[string][]orders.OrderItem, len(s.items)),
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.addresses {
		out.addresses[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.items {
		out.items[k] = v
	}
	return out
}

type Stats struct {
	Begins    int
	Commits   int
	Rollbacks int
}

type Store struct {
	sem chan struct{}

	mu     sync.Mutex
	data   state
	faults map[string][]error
	stats  Stats
	now    func() time.Time
}

func New() *Store {
	return &Store{
		sem: make(chan struct{}, 1),
		data: state{
			products:  map[string]orders.Product{},
			addresses: map[string]orders.Address{},
			orders:    map[string]orders.Order{},
			items:     map[string][]orders.OrderItem{},
		},
		faults: map[string][]error{},
		now:    time.Now,
	}
}

// Seed inserts or replaces products outside of any transaction.
func (s *Store) Seed(products ...orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		if p.Stock == nil {
			p.Stock = orders.Untracked{}
		}
		s.data.products[p.ID] = p
	}
}

// SeedAddress inserts an address outside of any transaction.
func (s *Store) SeedAddress(a orders.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.addresses[a.ID] = a
}

// InjectFault makes the next `times` calls of op fail with err.
func (s *Store) InjectFault(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.faults[op] = append(s.faults[op], err)
	}
}

func (s *Store) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.faults[op] = q[1:]
	return err
}

func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.products[id]
	return p, ok
}

func (s *Store) Addresses() []orders.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Address, 0, len(s.data.addresses))
	for _, a := range s.data.addresses {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Orders returns every committed order with its items, oldest first.
func (s *Store) Orders() []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.data.orders))
	for id, o := range s.data.orders {
		o.Items = append([]orders.OrderItem(nil), s.data.items[id]...)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, items := range s.data.items {
		n += len(items)
	}
	return n
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) BeginTx(ctx context.Context, _ store.TxOptions) (store.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := s.fault(OpBegin); err != nil {
		<-s.sem
		return nil, err
	}

	s.mu.Lock()
	s.stats.Begins++
	work := s.data.clone()
	s.mu.Unlock()

	return &tx{s: s, work: work}, nil
}

type tx struct {
	s    *Store
	work state
	done bool
}

func (t *tx) finish() {
	if !t.done {
		t.done = true
		<-t.s.sem
	}
}

func (t *tx) check(ctx context.Context, op string) error {
	if t.done {
		return fmt.Errorf("memstore: transaction already closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.s.fault(op)
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.check(ctx, OpCommit); err != nil {
		if !t.done {
			t.s.mu.Lock()
			t.s.stats.Rollbacks++
			t.s.mu.Unlock()
			t.finish()
		}
		return err
	}
	t.s.mu.Lock()
	t.s.data = t.work
	t.s.stats.Commits++
	t.s.mu.Unlock()
	t.finish()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	t.s.stats.Rollbacks++
	t.s.mu.Unlock()
	t.finish()
	return nil
}

func (t *tx) GetProduct(ctx context.Context, id string, _ bool) (orders.Product, error) {
	if err := t.check(ctx, OpGetProduct); err != nil {
		return orders.Product{}, err
	}
	p, ok := t.work.products[id]
	if !ok {
		return orders.Product{}, store.ErrNotFound
	}
	return p, nil
}

func (t *tx) DecrementInventory(ctx context.Context, id string, qty int, expectedVersion int64) error {
	if err := t.check(ctx, OpDecrementInventory); err != nil {
		return err
	}
	p, ok := t.work.products[id]
	if !ok {
		return store.ErrNotFound
	}
	tracked, isTracked := p.Stock.(orders.Tracked)
	if !isTracked || p.Version != expectedVersion || tracked.Count < qty {
		return store.ErrStaleVersion
	}
	p.Stock = orders.Tracked{Count: tracked.Count - qty}
	p.Version++
	p.UpdatedAt = t.s.now()
	t.work.products[id] = p
	return nil
}

func (t *tx) SetInventory(ctx context.Context, id string, stock orders.Stock) error {
	if err := t.check(ctx, "set_inventory"); err != nil {
		return err
	}
	p, ok := t.work.products[id]
	if !ok {
		return store.ErrNotFound
	}
	if tr, isTracked := stock.(orders.Tracked); isTracked && tr.Count < 0 {
		return fmt.Errorf("memstore: inventory must be >= 0, got %d", tr.Count)
	}
	p.Stock = stock
	p.UpdatedAt = t.s.now()
	t.work.products[id] = p
	return nil
}

func (t *tx) BumpVersion(ctx context.Context, id string, expectedVersion int64) error {
	if err := t.check(ctx, "bump_version"); err != nil {
		return err
	}
	p, ok := t.work.products[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Version != expectedVersion {
		return store.ErrStaleVersion
	}
	p.Version++
	t.work.products[id] = p
	return nil
}

func (t *tx) GetAddress(ctx context.Context, id string) (orders.Address, error) {
	if err := t.check(ctx, "get_address"); err != nil {
		return orders.Address{}, err
	}
	a, ok := t.work.addresses[id]
	if !ok {
		return orders.Address{}, store.ErrNotFound
	}
	return a, nil
}

func (t *tx) InsertAddress(ctx context.Context, a orders.Address) error {
	if err := t.check(ctx, "insert_address"); err != nil {
		return err
	}
	if _, dup := t.work.addresses[a.ID]; dup {
		return fmt.Errorf("memstore: duplicate address %s", a.ID)
	}
	t.work.addresses[a.ID] = a
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	if err := t.check(ctx, OpInsertOrder); err != nil {
		return err
	}
	if _, dup := t.work.orders[o.ID]; dup {
		return fmt.Errorf("memstore: duplicate order %s", o.ID)
	}
	o.Items = nil
	t.work.orders[o.ID] = o
	return nil
}

func (t *tx) InsertOrderItems(ctx context.Context, items []orders.OrderItem) error {
	if err := t.check(ctx, OpInsertOrderItems); err != nil {
		return err
	}
	for _, it := range items {
		if _, ok := t.work.orders[it.OrderID]; !ok {
			return fmt.Errorf("memstore: order %s does not exist", it.OrderID)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("memstore: quantity must be > 0")
		}
		cur := t.work.items[it.OrderID]
		next := make([]orders.OrderItem, len(cur), len(cur)+1)
		copy(next, cur)
		t.work.items[it.OrderID] = append(next, it)
	}
	return nil
}

func (t *tx) GetOrder(ctx context.Context, id string, _ bool) (orders.Order, error) {
	if err := t.check(ctx, "get_order"); err != nil {
		return orders.Order{}, err
	}
	o, ok := t.work.orders[id]
	if !ok {
		return orders.Order{}, store.ErrNotFound
	}
	o.Items = append([]orders.OrderItem(nil), t.work.items[id]...)
	return o, nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, id string, status orders.Status) error {
	if err := t.check(ctx, "update_order_status"); err != nil {
		return err
	}
	o, ok := t.work.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = t.s.now()
	t.work.orders[id] = o
	return nil
}
