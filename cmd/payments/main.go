package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/bootstrap"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/config"
	"github.com/ariefcatur/go-checkout-engine/internal/httpx"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/logger"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/payments"
	"github.com/ariefcatur/go-checkout-engine/internal/redisx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreDriver == "memory" {
		log.Fatalf("payments worker needs a shared database, STORE_DRIVER=memory is not supported")
	}
	lg, err := logger.New(cfg.LogLevel, cfg.DevMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()
	logger.SetGlobal(lg)
	service := cfg.ServiceName + "-payments"
	lg = lg.With(zap.String("service", service))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, closeDB, err := bootstrap.OpenStore(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("store", zap.Error(err))
	}
	defer closeDB()
	reg := prometheus.NewRegistry()
	exec := bootstrap.NewExecutor(cfg, db, lg, reg)
	engine := checkout.New(exec, checkout.WithLogger(lg.Named("checkout")))

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	statusChanged := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatus, 1024, lg)
	// outlives ctx so handlers still running at shutdown can publish
	statusChanged.Start(context.Background())

	h := &payments.Handler{
		Orders:        engine,
		Dedup:         redisx.NewDedup(rdb, "payments"),
		Cache:         redisx.NewStatusCache(rdb),
		StatusChanged: statusChanged,
		Logger:        lg,
		ServiceName:   service,
	}

	var wg sync.WaitGroup
	for _, topic := range []string{orders.TopicPaymentAuthorized, orders.TopicPaymentFailed} {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentsGroup, topic, cfg.PaymentsWorkers, lg)
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			lg.Info("consumer started", zap.String("topic", topic), zap.String("group", cfg.PaymentsGroup), zap.Int("workers", cfg.PaymentsWorkers))
			if err := cons.Start(ctx, h.Handle); err != nil {
				lg.Error("consumer exit", zap.String("topic", topic), zap.Error(err))
				cancel()
			}
		}(topic)
	}

	// health and metrics only
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpx.NewRouter(lg, nil, reg, 5*time.Second), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics listener", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	lg.Info("shutting down consumers")
	cancel()
	// consumers return after their workers finish, so nothing publishes after this
	wg.Wait()
	statusChanged.Close()
	statusChanged.WaitClosed()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
}
