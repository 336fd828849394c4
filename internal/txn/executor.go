// Package txn runs units of work inside retried database transactions and
// provides the optimistic and pessimistic concurrency primitives built on them.
package txn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 3 * time.Second
	DefaultTimeout      = 10 * time.Second

	maxJitter       = 100 * time.Millisecond
	rollbackTimeout = 5 * time.Second
)

// Options control a single Run call.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Isolation    store.IsolationLevel
	Timeout      time.Duration // per attempt
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Isolation:    store.Serializable,
		Timeout:      DefaultTimeout,
	}
}

// Option overrides the executor defaults for one call.
type Option func(*Options)

func MaxRetries(n int) Option { return func(o *Options) { o.MaxRetries = n } }

func Backoff(initial, max time.Duration) Option {
	return func(o *Options) {
		o.InitialDelay = initial
		o.MaxDelay = max
	}
}

func Isolation(l store.IsolationLevel) Option { return func(o *Options) { o.Isolation = l } }

func Timeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

// Work is the body of one transaction attempt. It may run more than once and
// must keep all of its writes inside tx.
type Work[T any] func(ctx context.Context, tx store.Tx) (T, error)

// Executor is the single entry point for transactional work. It holds no
// per-call state and is safe for concurrent use.
type Executor struct {
	db       store.DB
	defaults Options
	logger   *zap.Logger
	metrics  *Metrics
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() time.Duration
}

type ExecutorOption func(*Executor)

func WithDefaults(o Options) ExecutorOption {
	return func(e *Executor) { e.defaults = o }
}

func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

func WithJitter(fn func() time.Duration) ExecutorOption {
	return func(e *Executor) { e.jitter = fn }
}

func NewExecutor(db store.DB, opts ...ExecutorOption) *Executor {
	e := &Executor{
		db:       db,
		defaults: DefaultOptions(),
		logger:   zap.NewNop(),
		sleep:    sleepCtx,
		jitter:   func() time.Duration { return rand.N(maxJitter) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Defaults returns the options applied when a call passes none.
func (e *Executor) Defaults() Options { return e.defaults }

// Delay is the wait before the retry that follows attempt (0-based):
// min(initial * 2^attempt + jitter, max).
func (e *Executor) Delay(attempt int, o Options) time.Duration {
	return backoff(attempt, o, e.jitter())
}

func backoff(attempt int, o Options, jitter time.Duration) time.Duration {
	d := o.InitialDelay
	for i := 0; i < attempt && d < o.MaxDelay; i++ {
		d *= 2
	}
	d += jitter
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	return d
}

// Budget is the longest a Run with o can take: every attempt hitting its
// timeout plus the largest possible backoff between them. Callers that bound
// a Run with their own deadline need at least this much for every retry to
// happen.
func Budget(o Options) time.Duration {
	total := time.Duration(o.MaxRetries+1) * o.Timeout
	for attempt := 0; attempt < o.MaxRetries; attempt++ {
		total += backoff(attempt, o, maxJitter)
	}
	return total
}

// Run executes work in a transaction, retrying transient failures with
// exponential backoff. The returned error is always an *apperr.Error.
// At most one attempt commits.
func Run[T any](ctx context.Context, e *Executor, work Work[T], opts ...Option) (T, error) {
	o := e.defaults
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	start := time.Now()
	for attempt := 0; ; attempt++ {
		res, err := runAttempt(ctx, e.db, o, work)
		if err == nil {
			e.metrics.observe(outcomeCommitted, time.Since(start))
			if attempt > 0 {
				e.logger.Info("transaction committed after retry", zap.Int("attempt", attempt))
			}
			return res, nil
		}

		typed := apperr.From(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.metrics.observe(outcomeAborted, time.Since(start))
			e.logger.Warn("transaction aborted by caller context", zap.Int("attempt", attempt), zap.Error(err))
			return zero, apperr.Wrap(apperr.KindServiceUnavailable, err, "request aborted")
		}
		if !typed.Retryable {
			e.metrics.observe(outcomeFailed, time.Since(start))
			e.logger.Debug("transaction failed", zap.Int("attempt", attempt), zap.String("kind", string(typed.Kind)), zap.Error(err))
			return zero, typed
		}
		if attempt >= o.MaxRetries {
			e.metrics.observe(outcomeExhausted, time.Since(start))
			e.logger.Warn("transaction retries exhausted",
				zap.Int("attempts", attempt+1),
				zap.String("kind", string(typed.Kind)),
				zap.Error(err),
			)
			return zero, typed
		}

		delay := e.Delay(attempt, o)
		e.metrics.retried(typed.Kind)
		e.logger.Info("retrying transaction",
			zap.Int("attempt", attempt),
			zap.String("kind", string(typed.Kind)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			e.metrics.observe(outcomeAborted, time.Since(start))
			return zero, apperr.Wrap(apperr.KindServiceUnavailable, err, "request aborted")
		}
	}
}

func runAttempt[T any](ctx context.Context, db store.DB, o Options, work Work[T]) (res T, err error) {
	actx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	tx, err := db.BeginTx(actx, store.TxOptions{Isolation: o.Isolation})
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer rcancel()
		_ = tx.Rollback(rctx)
	}()

	res, err = work(actx, tx)
	if err != nil {
		return res, err
	}
	if err = tx.Commit(actx); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
