// Package bootstrap wires the pieces shared by the binaries under cmd/.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/config"
	"github.com/ariefcatur/go-checkout-engine/internal/mysql"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/postgres"
	"github.com/ariefcatur/go-checkout-engine/internal/store"
	"github.com/ariefcatur/go-checkout-engine/internal/store/memstore"
	"github.com/ariefcatur/go-checkout-engine/internal/txn"
)

// DemoProducts seed the memory driver so the API is usable without a database.
var DemoProducts = []orders.Product{
	{ID: "mug", Title: "Enamel mug", PriceCents: 1500, Stock: orders.Tracked{Count: 25}},
	{ID: "poster", Title: "Launch poster", PriceCents: 2500, Stock: orders.Tracked{Count: 3}},
	{ID: "ebook", Title: "Field guide (PDF)", PriceCents: 900, Stock: orders.Untracked{}},
}

// OpenStore connects the driver named by cfg.StoreDriver. The returned func
// releases the connection pool.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.DB, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.DefaultPoolConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		return postgres.NewStore(pool), pool.Close, nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("mysql connect: %w", err)
		}
		return mysql.NewStore(db), func() { _ = db.Close() }, nil
	case "memory":
		logger.Warn("using in-memory store, data is lost on exit")
		s := memstore.New()
		s.Seed(DemoProducts...)
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewExecutor builds the transaction executor from cfg.Tx and registers its
// metrics on reg.
func NewExecutor(cfg config.Config, db store.DB, logger *zap.Logger, reg prometheus.Registerer) *txn.Executor {
	defaults := txn.DefaultOptions()
	defaults.MaxRetries = cfg.Tx.MaxRetries
	defaults.InitialDelay = cfg.Tx.InitialDelay
	defaults.MaxDelay = cfg.Tx.MaxDelay
	defaults.Timeout = cfg.Tx.Timeout
	return txn.NewExecutor(db,
		txn.WithDefaults(defaults),
		txn.WithLogger(logger.Named("txn")),
		txn.WithMetrics(txn.NewMetrics("checkout", reg)),
	)
}
