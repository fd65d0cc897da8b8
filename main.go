// market-gateway is the data-acquisition edge between polling dashboard
// widgets and a small set of rate-limited financial-data providers. It
// enforces per-provider burst and daily quotas, serializes upstream calls
// through one paced queue, deduplicates concurrent identical fetches, caches
// responses under a byte budget, and normalizes provider payloads into
// canonical rows.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"market-gateway/internal/cache"
	"market-gateway/internal/circuitbreaker"
	"market-gateway/internal/common/logging"
	"market-gateway/internal/config"
	"market-gateway/internal/coordinator"
	"market-gateway/internal/gateway"
	"market-gateway/internal/middleware"
	"market-gateway/internal/normalize"
	"market-gateway/internal/provider"
	"market-gateway/internal/queue"
	"market-gateway/internal/ratelimit"
	"market-gateway/internal/server"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger()
	defer logging.MustSync()
	logger := logging.GetGlobalLogger()

	credentials, err := cfg.Credentials()
	if err != nil {
		logger.Error("Failed to load provider credentials", err)
		os.Exit(1)
	}

	providers := provider.NewRegistry(credentials,
		provider.WithExtraHosts(cfg.ExtraAllowedDomains...),
		provider.WithCustomTTL(cfg.CustomCacheTTL),
	)

	store := cache.New(cfg.CacheMaxBytes)
	limiter := ratelimit.NewRegistry()
	quota := ratelimit.NewDailyTracker()

	breakers, err := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures:         cfg.BreakerMaxFailures,
		Timeout:             cfg.BreakerTimeout,
		MaxHalfOpenRequests: 1,
	}, logger)
	if err != nil {
		logger.Error("Failed to create circuit breakers", err)
		os.Exit(1)
	}

	q, err := queue.New(http.DefaultClient, breakers, queue.Config{
		MinDelay:   cfg.QueueMinDelay,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: cfg.QueueRetryDelay,
	}, logger)
	if err != nil {
		logger.Error("Failed to create request queue", err)
		os.Exit(1)
	}

	coord := coordinator.New(store, q, logger)
	normalizer := normalize.New(providers, logger)

	handler := gateway.NewHandler(gateway.Deps{
		Providers:  providers,
		Limiter:    limiter,
		Quota:      quota,
		Coord:      coord,
		Normalizer: normalizer,
		Store:      store,
		Queue:      q,
		Breakers:   breakers,
		Timeout:    cfg.RequestTimeout,
		Logger:     logger,
	})

	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.RequestLogging)
	handler.Register(router)

	// periodic hygiene: expired cache entries and stale daily-quota counters
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 5m", func() {
		if removed := store.CleanupExpired(); removed > 0 {
			logger.Debug("Cache sweep removed expired entries",
				logging.Field{Key: "removed", Value: removed})
		}
	}); err != nil {
		logger.Error("Failed to schedule cache sweep", err)
		os.Exit(1)
	}
	if _, err := sweeper.AddFunc("@daily", func() {
		if removed := quota.Prune(2); removed > 0 {
			logger.Info("Pruned stale daily-quota counters",
				logging.Field{Key: "removed", Value: removed})
		}
	}); err != nil {
		logger.Error("Failed to schedule quota pruning", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(router, cfg.Port, logger)
	srv.Start()
	logger.Info("Market gateway started",
		logging.Field{Key: "port", Value: cfg.Port},
		logging.Field{Key: "min_delay", Value: cfg.QueueMinDelay.String()},
		logging.Field{Key: "cache_max_bytes", Value: cfg.CacheMaxBytes},
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown did not complete cleanly", err)
	}
}
