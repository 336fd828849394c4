package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/bootstrap"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/config"
	"github.com/ariefcatur/go-checkout-engine/internal/httpx"
	"github.com/ariefcatur/go-checkout-engine/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/logger"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/redisx"
	"github.com/ariefcatur/go-checkout-engine/internal/txn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.DevMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()
	logger.SetGlobal(lg)
	lg = lg.With(zap.String("service", cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// DB
	db, closeDB, err := bootstrap.OpenStore(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("store", zap.Error(err))
	}
	defer closeDB()

	strategy, err := checkout.ParseStrategy(cfg.CheckoutStrategy)
	if err != nil {
		lg.Fatal("checkout strategy", zap.Error(err))
	}
	exec := bootstrap.NewExecutor(cfg, db, lg, reg)
	engine := checkout.New(exec,
		checkout.WithLogger(lg.Named("checkout")),
		checkout.WithStrategy(strategy),
	)
	stock := inventory.NewService(exec, lg.Named("inventory"))

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers
	created := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024, lg)
	created.Start(ctx)
	statusChanged := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatus, 1024, lg)
	statusChanged.Start(ctx)

	// every retry of a transaction has to fit inside the request
	budget := txn.Budget(exec.Defaults())
	router := httpx.NewRouter(lg, httpx.NewServerMetrics("checkout", reg), reg, budget+5*time.Second)
	errs := httpx.ErrorWriter{Logger: lg, DevMode: cfg.DevMode}
	(&httpx.OrdersHandler{
		Orders:        engine,
		Timeout:       budget,
		Created:       created,
		StatusChanged: statusChanged,
		Idem:          redisx.NewIdempotency(rdb),
		Cache:         redisx.NewStatusCache(rdb),
		Errors:        errs,
		Logger:        lg,
		Service:       cfg.ServiceName,
	}).Register(router)
	(&httpx.StockHandler{Stock: stock, Errors: errs, Timeout: budget}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver), zap.String("strategy", string(strategy)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	lg.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", zap.Error(err))
	}
	// closing the inbox flushes what is buffered, then the writer closes
	created.Close()
	statusChanged.Close()
	cancel()
	created.WaitClosed()
	statusChanged.WaitClosed()
}
