package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/config"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/store/memstore"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreDriver: "memory",
		Tx: config.TxConfig{
			MaxRetries:   5,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Timeout:      2 * time.Second,
		},
	}
}

func TestOpenStore_MemorySeedsDemoProducts(t *testing.T) {
	db, closeFn, err := OpenStore(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	mem, ok := db.(*memstore.Store)
	require.True(t, ok)
	for _, want := range DemoProducts {
		p, found := mem.Product(want.ID)
		require.True(t, found, want.ID)
		assert.Equal(t, want.Stock, p.Stock)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"

	_, _, err := OpenStore(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewExecutor_UsesConfig(t *testing.T) {
	db, closeFn, err := OpenStore(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	reg := prometheus.NewRegistry()

	exec := NewExecutor(memoryConfig(), db, zap.NewNop(), reg)

	d := exec.Defaults()
	assert.Equal(t, 5, d.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, d.InitialDelay)
	assert.Equal(t, time.Second, d.MaxDelay)
	assert.Equal(t, 2*time.Second, d.Timeout)

	_, err = reg.Gather()
	assert.NoError(t, err)
	assert.Equal(t, orders.Untracked{}, DemoProducts[2].Stock)
}
