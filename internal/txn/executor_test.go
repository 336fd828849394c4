package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
	"github.com/ariefcatur/go-checkout-engine/internal/store/memstore"
)

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newTestExecutor(db store.DB, opts ...ExecutorOption) (*Executor, *recordedSleep) {
	rec := &recordedSleep{}
	base := []ExecutorOption{
		WithSleep(rec.sleep),
		WithJitter(func() time.Duration { return 0 }),
	}
	return NewExecutor(db, append(base, opts...)...), rec
}

func serializationFailure() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func decrementOne(ctx context.Context, tx store.Tx) (int64, error) {
	p, err := LockProduct(ctx, tx, "p1")
	if err != nil {
		return 0, err
	}
	if err := tx.DecrementInventory(ctx, "p1", 1, p.Version); err != nil {
		return 0, err
	}
	return p.Version + 1, nil
}

func TestRun_SuccessFirstAttempt(t *testing.T) {
	db := memstore.New()
	db.Seed(orders.Product{ID: "p1", Stock: orders.Tracked{Count: 3}})
	exec, rec := newTestExecutor(db)

	v, err := Run(context.Background(), exec, decrementOne)

	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Empty(t, rec.delays)
	assert.Equal(t, memstore.Stats{Begins: 1, Commits: 1}, db.Stats())
}

func TestRun_RetriesSerializationFailureThenSucceeds(t *testing.T) {
	db := memstore.New()
	db.Seed(orders.Product{ID: "p1", Stock: orders.Tracked{Count: 3}})
	db.InjectFault(memstore.OpCommit, serializationFailure(), 1)
	exec, rec := newTestExecutor(db)

	v, err := Run(context.Background(), exec, decrementOne)

	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, rec.delays)

	// the failed attempt left nothing behind: a single decrement
	p, _ := db.Product("p1")
	assert.Equal(t, orders.Tracked{Count: 2}, p.Stock)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, memstore.Stats{Begins: 2, Commits: 1, Rollbacks: 1}, db.Stats())
}

func TestRun_DeadlockMidWorkIsRetried(t *testing.T) {
	db := memstore.New()
	db.Seed(orders.Product{ID: "p1", Stock: orders.Tracked{Count: 3}})
	db.InjectFault(memstore.OpDecrementInventory, &pgconn.PgError{Code: "40P01"}, 2)
	exec, _ := newTestExecutor(db)

	_, err := Run(context.Background(), exec, decrementOne)

	require.NoError(t, err)
	p, _ := db.Product("p1")
	assert.Equal(t, orders.Tracked{Count: 2}, p.Stock)
	assert.Equal(t, 3, db.Stats().Begins)
}

func TestRun_ExhaustsRetries(t *testing.T) {
	db := memstore.New()
	db.Seed(orders.Product{ID: "p1", Stock: orders.Tracked{Count: 3}})
	db.InjectFault(memstore.OpCommit, serializationFailure(), 10)
	exec, rec := newTestExecutor(db)

	_, err := Run(context.Background(), exec, decrementOne)

	require.Error(t, err)
	typed, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConflict, typed.Kind)
	assert.Equal(t, 4, db.Stats().Begins, "maxRetries=3 means 4 attempts")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, rec.delays)

	p, _ := db.Product("p1")
	assert.Equal(t, orders.Tracked{Count: 3}, p.Stock)
}

func TestRun_BusinessErrorIsNotRetried(t *testing.T) {
	db := memstore.New()
	exec, rec := newTestExecutor(db)

	_, err := Run(context.Background(), exec, func(ctx context.Context, tx store.Tx) (struct{}, error) {
		return struct{}{}, apperr.ConcurrencyConflict("stale")
	})

	assert.True(t, apperr.IsKind(err, apperr.KindConcurrencyConflict))
	assert.Empty(t, rec.delays)
	assert.Equal(t, 1, db.Stats().Begins)
}

func TestRun_UnknownErrorBecomesInternal(t *testing.T) {
	db := memstore.New()
	exec, _ := newTestExecutor(db)
	raw := errors.New("driver exploded")

	_, err := Run(context.Background(), exec, func(ctx context.Context, tx store.Tx) (int, error) {
		return 0, raw
	})

	typed, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInternal, typed.Kind)
	assert.ErrorIs(t, err, raw)
	assert.Equal(t, 1, db.Stats().Begins)
}

func TestRun_PerAttemptTimeoutIsRetried(t *testing.T) {
	db := memstore.New()
	exec, rec := newTestExecutor(db)
	calls := 0

	_, err := Run(context.Background(), exec, func(ctx context.Context, tx store.Tx) (int, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 1, nil
	}, Timeout(10*time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, rec.delays, 1)
}

func TestRun_CallerCancellationStopsRetrying(t *testing.T) {
	db := memstore.New()
	db.InjectFault(memstore.OpCommit, serializationFailure(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	exec, _ := newTestExecutor(db, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := Run(ctx, exec, func(ctx context.Context, tx store.Tx) (int, error) { return 1, nil })

	assert.True(t, apperr.IsKind(err, apperr.KindServiceUnavailable))
	assert.Equal(t, 1, db.Stats().Begins)
}

func TestRun_PerCallOptions(t *testing.T) {
	db := memstore.New()
	db.InjectFault(memstore.OpCommit, serializationFailure(), 10)
	exec, rec := newTestExecutor(db)

	_, err := Run(context.Background(), exec, func(ctx context.Context, tx store.Tx) (int, error) {
		return 1, nil
	}, MaxRetries(1), Backoff(10*time.Millisecond, 15*time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 2, db.Stats().Begins)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, rec.delays)
}

func TestDelay(t *testing.T) {
	exec := NewExecutor(memstore.New(), WithJitter(func() time.Duration { return 50 * time.Millisecond }))
	o := DefaultOptions()

	assert.Equal(t, 150*time.Millisecond, exec.Delay(0, o))
	assert.Equal(t, 250*time.Millisecond, exec.Delay(1, o))
	assert.Equal(t, 450*time.Millisecond, exec.Delay(2, o))
	assert.Equal(t, 3*time.Second, exec.Delay(10, o))
	assert.Equal(t, 3*time.Second, exec.Delay(60, o))
}

func TestDelay_DefaultJitterBounds(t *testing.T) {
	exec := NewExecutor(memstore.New())
	o := DefaultOptions()
	for i := 0; i < 100; i++ {
		d := exec.Delay(0, o)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestBudget(t *testing.T) {
	o := DefaultOptions()

	// 4 attempts of 10s plus 200ms + 300ms + 500ms of worst-case backoff
	assert.Equal(t, 41*time.Second, Budget(o))
	assert.Greater(t, Budget(o), o.Timeout, "a caller deadline of one attempt timeout leaves no room to retry")

	o.MaxRetries = 0
	assert.Equal(t, o.Timeout, Budget(o))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	db := memstore.New()
	db.Seed(orders.Product{ID: "p1", Stock: orders.Tracked{Count: 3}})
	db.InjectFault(memstore.OpCommit, serializationFailure(), 1)
	exec, _ := newTestExecutor(db, WithMetrics(m))

	_, err := Run(context.Background(), exec, decrementOne)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues(outcomeCommitted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues(string(apperr.KindConflict))))
}
