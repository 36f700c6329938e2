package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/BidForge/exchange/core"
	"github.com/itskum47/BidForge/exchange/kv"
	"github.com/itskum47/BidForge/exchange/market"
	"github.com/itskum47/BidForge/exchange/observability"
)

func main() {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	store, err := buildStore(ctx, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer store.Close()

	cfg := core.DefaultConfig()
	if n := envInt("MAX_AUCTION_ATTEMPTS"); n > 0 {
		cfg.MaxAuctionAttempts = n
	}
	if n := envInt("MAX_CONCURRENT_AUCTIONS"); n > 0 {
		cfg.RateLimit.MaxConcurrentAuctions = n
	}
	if n := envInt("MAX_SUBMITS_PER_MINUTE"); n > 0 {
		cfg.RateLimit.MaxSubmitsPerWindow = n
	}

	gw := NewGateway(logger.Named("gateway"))
	ex := core.New(cfg, store, gw, nil, logger)
	gw.Bind(ex)

	observability.RegisterQueueDepth(func() map[market.Priority]int { return ex.Stats().Depths })
	observability.RegisterConnectedAgents(func() int { return ex.Registry().ConnectedCount() })
	observability.RegisterActiveAuctions(func() int { return ex.Stats().ActiveAuctions })
	events, cancelEvents := ex.Events()
	go observability.WatchEvents(events)
	defer cancelEvents()

	if err := ex.Start(ctx); err != nil {
		logger.Fatal("exchange start failed", zap.Error(err))
	}

	addr := os.Getenv("EXCHANGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	api := NewAPI(ex, gw, logger.Named("api"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("exchange listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := ex.Shutdown(shutdownCtx); err != nil {
		logger.Warn("exchange shutdown", zap.Error(err))
	}
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("PRODUCTION_MODE") == "true" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// buildStore selects the persistence backend. Memory is the default for
// single-node development; redis and postgres share state across
// restarts and replicas.
func buildStore(ctx context.Context, logger *zap.Logger) (kv.Store, error) {
	switch os.Getenv("STORE_BACKEND") {
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		logger.Info("using redis store", zap.String("addr", addr))
		return kv.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), envInt("REDIS_DB"))
	case "postgres":
		logger.Info("using postgres store")
		return kv.NewPostgresStore(ctx, os.Getenv("DATABASE_URL"))
	default:
		logger.Info("using in-memory store")
		return kv.NewMemoryStore(), nil
	}
}

func envInt(key string) int {
	v, _ := strconv.Atoi(os.Getenv(key))
	return v
}
