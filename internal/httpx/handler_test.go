package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/redisx"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
	"github.com/ariefcatur/go-checkout-engine/internal/store/memstore"
	"github.com/ariefcatur/go-checkout-engine/internal/txn"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []kafkago.Message
}

func (p *recordingPublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
}

func (p *recordingPublisher) envelopes(t *testing.T) []orders.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]orders.Envelope, 0, len(p.msgs))
	for _, m := range p.msgs {
		var env orders.Envelope
		require.NoError(t, kafkax.UnmarshalEnvelope(m.Value, &env))
		out = append(out, env)
	}
	return out
}

// memIdem mirrors redisx.Idempotency in memory.
type memIdem struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func (m *memIdem) Claim(_ context.Context, userID, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userID + ":" + key
	v, ok := m.vals[k]
	if !ok {
		m.vals[k] = nil
		return nil, nil
	}
	if v == nil {
		return nil, redisx.ErrInFlight
	}
	return v, nil
}

func (m *memIdem) Complete(_ context.Context, userID, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[userID+":"+key] = response
	return nil
}

func (m *memIdem) Release(_ context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userID + ":" + key
	if m.vals[k] == nil {
		delete(m.vals, k)
	}
	return nil
}

type memCache struct {
	mu          sync.Mutex
	vals        map[string]redisx.CachedStatus
	invalidated []string
}

func (c *memCache) Get(_ context.Context, id string) (redisx.CachedStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.vals[id]
	return s, ok, nil
}

func (c *memCache) Set(_ context.Context, id string, s redisx.CachedStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[id] = s
	return nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vals, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

type fixture struct {
	db      *memstore.Store
	router  *chi.Mux
	created *recordingPublisher
	status  *recordingPublisher
	cache   *memCache
	idem    *memIdem
}

func newFixture(t *testing.T, dev bool) *fixture {
	t.Helper()
	db := memstore.New()
	db.Seed(
		orders.Product{ID: "mug", Title: "Mug", PriceCents: 1500, Stock: orders.Tracked{Count: 2}},
		orders.Product{ID: "ebook", Title: "Ebook", PriceCents: 900},
	)
	exec := txn.NewExecutor(db,
		txn.WithSleep(func(context.Context, time.Duration) error { return nil }),
		txn.WithJitter(func() time.Duration { return 0 }),
	)
	f := &fixture{
		db:      db,
		created: &recordingPublisher{},
		status:  &recordingPublisher{},
		cache:   &memCache{vals: map[string]redisx.CachedStatus{}},
		idem:    &memIdem{vals: map[string][]byte{}},
	}
	reg := prometheus.NewRegistry()
	f.router = NewRouter(nil, NewServerMetrics("test", reg), reg, 0)
	errs := ErrorWriter{DevMode: dev}
	(&OrdersHandler{
		Orders:        checkout.New(exec),
		Created:       f.created,
		StatusChanged: f.status,
		Idem:          f.idem,
		Cache:         f.cache,
		Errors:        errs,
		Service:       "checkout-test",
	}).Register(f.router)
	(&StockHandler{Stock: inventory.NewService(exec, nil), Errors: errs}).Register(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type errResp struct {
	Error struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
		Cause   string         `json:"cause"`
	} `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const cartBody = `{"items":[{"product_id":"mug","quantity":1,"price_cents":1500},{"product_id":"ebook","quantity":2,"price_cents":900}]}`

func TestCheckout_Created(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/checkout", "u1", cartBody)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decode[orderResp](t, rec)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, int64(3300), o.TotalCents)
	assert.Len(t, o.Items, 2)

	envs := f.created.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, orders.EventOrderCreated, envs[0].EventType)
	assert.Equal(t, o.OrderID, envs[0].CorrelationID)
	payload, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](envs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(3300), payload.TotalCents)

	cached, ok, _ := f.cache.Get(context.Background(), o.OrderID)
	require.True(t, ok)
	assert.Equal(t, "PENDING", cached.Status)
}

func TestCheckout_Errors(t *testing.T) {
	f := newFixture(t, false)

	cases := []struct {
		name   string
		user   string
		body   string
		status int
		kind   string
	}{
		{"no user", "", cartBody, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad json", "u1", `{`, http.StatusBadRequest, "BAD_REQUEST"},
		{"empty cart", "u1", `{"items":[]}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown product", "u1", `{"items":[{"product_id":"nope","quantity":1,"price_cents":1}]}`, http.StatusNotFound, "NOT_FOUND"},
		{"out of stock", "u1", `{"items":[{"product_id":"mug","quantity":3,"price_cents":1500}]}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"stale version", "u1", `{"items":[{"product_id":"mug","quantity":1,"price_cents":1500,"expected_version":9}]}`, http.StatusConflict, "CONCURRENCY_CONFLICT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/checkout", tc.user, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			e := decode[errResp](t, rec)
			assert.Equal(t, tc.kind, e.Error.Kind)
			assert.Empty(t, e.Error.Cause)
		})
	}
	assert.Empty(t, f.created.envelopes(t))
}

func TestCheckout_InsufficientInventoryDetails(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/checkout", "u1", `{"items":[{"product_id":"mug","quantity":5,"price_cents":1500}]}`)

	e := decode[errResp](t, rec)
	assert.Equal(t, "mug", e.Error.Details["product_id"])
	assert.Equal(t, float64(5), e.Error.Details["requested"])
	assert.Equal(t, float64(2), e.Error.Details["available"])
}

func TestCheckout_InternalErrorHidesCause(t *testing.T) {
	for _, dev := range []bool{false, true} {
		f := newFixture(t, dev)
		f.db.InjectFault(memstore.OpInsertOrder, errors.New("disk on fire"), 1)

		rec := f.do(t, http.MethodPost, "/checkout", "u1", cartBody)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		e := decode[errResp](t, rec)
		assert.Equal(t, "internal error", e.Error.Message)
		if dev {
			assert.Contains(t, e.Error.Cause, "disk on fire")
		} else {
			assert.Empty(t, e.Error.Cause)
		}
	}
}

func TestCheckout_RetriesTransientFailure(t *testing.T) {
	f := newFixture(t, false)
	f.db.InjectFault(memstore.OpCommit, &pgconn.PgError{Code: "40001"}, 2)

	rec := f.do(t, http.MethodPost, "/checkout", "u1", cartBody)

	assert.Equal(t, http.StatusCreated, rec.Code)
	p, _ := f.db.Product("mug")
	assert.Equal(t, orders.Tracked{Count: 1}, p.Stock)
}

func TestCheckout_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, false)

	first := f.do(t, http.MethodPost, "/checkout", "u1", cartBody, HeaderIdempotencyKey, "k1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := f.do(t, http.MethodPost, "/checkout", "u1", cartBody, HeaderIdempotencyKey, "k1")

	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, f.db.Orders(), 1)
	assert.Len(t, f.created.envelopes(t), 1)

	// another user may reuse the key
	third := f.do(t, http.MethodPost, "/checkout", "u2", cartBody, HeaderIdempotencyKey, "k1")
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Empty(t, third.Header().Get(HeaderReplayed))
}

func TestCheckout_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	f := newFixture(t, false)
	bad := `{"items":[{"product_id":"mug","quantity":9,"price_cents":1500}]}`

	rec := f.do(t, http.MethodPost, "/checkout", "u1", bad, HeaderIdempotencyKey, "k2")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/checkout", "u1", cartBody, HeaderIdempotencyKey, "k2")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCheckout_IdempotencyKeyInFlight(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.idem.Claim(context.Background(), "u1", "k3")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/checkout", "u1", cartBody, HeaderIdempotencyKey, "k3")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.db.Orders())
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t, false)
	created := decode[orderResp](t, f.do(t, http.MethodPost, "/checkout", "u1", cartBody))

	rec := f.do(t, http.MethodGet, "/orders/"+created.OrderID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.OrderID, decode[orderResp](t, rec).OrderID)

	rec = f.do(t, http.MethodPost, "/orders/"+created.OrderID+"/paid", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.StatusPaid, decode[orderResp](t, rec).Status)
	assert.Equal(t, []string{created.OrderID}, f.cache.invalidated)

	rec = f.do(t, http.MethodGet, "/orders/"+created.OrderID+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAID", decode[redisx.CachedStatus](t, rec).Status)

	// paid again is a no-op and announces nothing
	rec = f.do(t, http.MethodPost, "/orders/"+created.OrderID+"/paid", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.status.envelopes(t), 1)
	payload, err := kafkax.UnwrapPayload[orders.OrderStatusPayload](f.status.envelopes(t)[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, payload.From)
	assert.Equal(t, orders.StatusPaid, payload.To)

	rec = f.do(t, http.MethodPost, "/orders/"+created.OrderID+"/failed", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/orders/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStockRoutes(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPut, "/products/mug/stock", "", `{"expected_version":0,"inventory":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[productResp](t, rec)
	require.NotNil(t, p.Inventory)
	assert.Equal(t, 10, *p.Inventory)
	assert.Equal(t, int64(1), p.Version)

	rec = f.do(t, http.MethodPut, "/products/mug/stock", "", `{"expected_version":0,"inventory":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONCURRENCY_CONFLICT", decode[errResp](t, rec).Error.Kind)

	rec = f.do(t, http.MethodPut, "/products/mug/stock", "", `{"inventory":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/products/mug/stock/adjust", "", `{"delta":-4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, *decode[productResp](t, rec).Inventory)

	rec = f.do(t, http.MethodPost, "/products/ebook/stock/adjust", "", `{"delta":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/products/mug/stock", "", `{"expected_version":2,"inventory":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[productResp](t, rec).Inventory)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPost, "/checkout", "u1", cartBody)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{route="/checkout",status="201"} 1`)
}

// stallingDB makes the first transaction hang on its first product read until
// the attempt deadline passes.
type stallingDB struct {
	*memstore.Store
	stalled bool
	mu      sync.Mutex
}

func (d *stallingDB) BeginTx(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	tx, err := d.Store.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stalled {
		return tx, nil
	}
	d.stalled = true
	return stallingTx{tx}, nil
}

type stallingTx struct{ store.Tx }

func (t stallingTx) GetProduct(ctx context.Context, _ string, _ bool) (orders.Product, error) {
	<-ctx.Done()
	return orders.Product{}, ctx.Err()
}

func TestCheckout_TimedOutAttemptIsRetriedWithinRequest(t *testing.T) {
	mem := memstore.New()
	mem.Seed(orders.Product{ID: "mug", PriceCents: 1500, Stock: orders.Tracked{Count: 2}})
	defaults := txn.DefaultOptions()
	defaults.Timeout = 50 * time.Millisecond
	exec := txn.NewExecutor(&stallingDB{Store: mem},
		txn.WithDefaults(defaults),
		txn.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	router := NewRouter(nil, nil, nil, 0)
	(&OrdersHandler{Orders: checkout.New(exec), Timeout: txn.Budget(defaults)}).Register(router)

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{"items":[{"product_id":"mug","quantity":1,"price_cents":1500}]}`))
	req.Header.Set(HeaderUserID, "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, mem.Stats().Begins)
	p, _ := mem.Product("mug")
	assert.Equal(t, orders.Tracked{Count: 1}, p.Stock)
}

func TestTxBudget(t *testing.T) {
	assert.Equal(t, txn.Budget(txn.DefaultOptions()), txBudget(0))
	assert.Greater(t, txBudget(0), txn.DefaultTimeout)
	assert.Equal(t, time.Second, txBudget(time.Second))
}
