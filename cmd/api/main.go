package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmz4pf/kasgate-sub001/config"
	httpHandler "github.com/dmz4pf/kasgate-sub001/internal/adapter/http/handler"
	pgStorage "github.com/dmz4pf/kasgate-sub001/internal/adapter/storage/postgres"
	redisStorage "github.com/dmz4pf/kasgate-sub001/internal/adapter/storage/redis"
	"github.com/dmz4pf/kasgate-sub001/internal/address"
	"github.com/dmz4pf/kasgate-sub001/internal/chain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/domain"
	"github.com/dmz4pf/kasgate-sub001/internal/core/ports"
	"github.com/dmz4pf/kasgate-sub001/internal/session"
	"github.com/dmz4pf/kasgate-sub001/internal/webhook"
	"github.com/dmz4pf/kasgate-sub001/pkg/logger"

	"github.com/rs/zerolog"
)

const shutdownGrace = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
	Str("mode", cfg.Server.Mode).
	Str("network", string(cfg.Gateway.Network)).
	Int("port", cfg.Server.Port).
	Msg("Starting KasGate")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	store := pgStorage.NewStore(pool)

	// C2: address derivation
	oracle := address.NewHDKeychainOracle(string(cfg.Gateway.Network))
	addresses := address.NewService(oracle, store, string(cfg.Gateway.Network))

	// C3/C4/C5: node feed, REST fallback, merged watcher
	rpcClient := chain.NewWSRpcClient(cfg.Gateway.RPCURL, log)
	restPoller := chain.NewHTTPRestPoller(cfg.Gateway.RestAPIURL, &http.Client{Timeout: 5 * time.Second}, log)
	dedup := chain.NewRedisDedupWindow(rdb)
	watcher := chain.NewWatcher(rpcClient, restPoller, dedup, log)

	// C7: signed, durable webhook delivery
	signer := webhook.NewHMACSigner()
	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)
	dispatcher := webhook.NewDispatcher(store, signer, idempotencyCache, webhook.Config{
			Workers: cfg.Gateway.WebhookWorkers,
			MaxAttempts: cfg.Gateway.WebhookMaxAttempts,
			PollInterval: 5 * time.Second,
		}, log)

	// C6: session state machine, wired to its C2/C5/C7 collaborators
	tokens := session.NewTokenIssuer(cfg.Gateway.SubscriptionTokenSecret, "kasgate")
	engine := session.NewEngine(store, addresses, watcher, dispatcher, tokens, session.Config{
			RequiredConfirmations: cfg.Gateway.RequiredConfirmations,
		}, log)

	watcher.OnEvent(func(ev domain.PaymentEvent) {
			engine.HandleEvent(context.Background(), ev)
		})

	if err := watcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start chain watcher")
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start webhook dispatcher")
	}
	sweepStop := startExpirySweeper(ctx, engine, log)

	// Ambient observability surface only; the merchant-facing session API
	// lives in a separate, out-of-scope HTTP layer.
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
			HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
			RPCState: rpcClient.State,
			StartedAt: time.Now(),
		})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown: drain in-flight work within the 30s grace window
	// before forcing exit on every suspension point.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	close(sweepStop)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Webhook dispatcher did not drain within grace window")
	}
	if err := watcher.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Chain watcher did not stop cleanly")
	}

	log.Info().Msg("Shutdown complete")
}

// startExpirySweeper runs one pass of expiry sweep every tick until
// stop is closed; the caller closes stop during shutdown.
func startExpirySweeper(ctx context.Context, engine *session.Engine, log zerolog.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := engine.SweepExpired(ctx)
				if err != nil {
					log.Error().Err(err).Msg("expiry sweep failed")
					continue
				}
				if n > 0 {
					log.Info().Int("count", n).Msg("expired sessions swept")
				}
			}
		}
	}()
	return stop
}

