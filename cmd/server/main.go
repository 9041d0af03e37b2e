package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/web3-frozen/market-aggregator/internal/aggregator"
	"github.com/web3-frozen/market-aggregator/internal/config"
	"github.com/web3-frozen/market-aggregator/internal/cooldown"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/handler"
	"github.com/web3-frozen/market-aggregator/internal/metrics"
	"github.com/web3-frozen/market-aggregator/internal/middleware"
	"github.com/web3-frozen/market-aggregator/internal/store"
)

const (
	attemptRetention = 7 * 24 * time.Hour
	pruneEvery       = time.Hour
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	srcs, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Error("invalid sources configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchOpts := []fetch.Option{
		fetch.WithUserAgent(srcs.UserAgent),
		fetch.WithRateLimit(srcs.RateLimit.RPS, srcs.RateLimit.Burst),
		fetch.WithBreakers(srcs.Breaker.Failures, srcs.Breaker.OpenFor),
		fetch.WithObserver(metrics.FetchObserver{}),
	}
	var checks []handler.Check

	// Redis cooldowns (retry up to 30s for ExternalSecret to sync), in-memory otherwise
	if cfg.RedisURL != "" {
		var rc *cooldown.Redis
		for i := 0; i < 6; i++ {
			rc, err = cooldown.New(cfg.RedisURL, cfg.RedisPassword)
			if err == nil {
				break
			}
			logger.Warn("redis not ready, retrying...", "attempt", i+1, "error", err)
			time.Sleep(5 * time.Second)
		}
		if err != nil {
			logger.Error("failed to connect to redis after retries", "error", err)
			os.Exit(1)
		}
		defer rc.Close()
		fetchOpts = append(fetchOpts, fetch.WithCooldown(rc))
		checks = append(checks, handler.Check{Name: "redis", Ping: rc.Ping})
		logger.Info("redis connected for upstream cooldowns")
	} else {
		fetchOpts = append(fetchOpts, fetch.WithCooldown(cooldown.NewMemory()))
		logger.Info("REDIS_URL not set, cooldowns are per process")
	}

	// Attempt audit log
	var attempts handler.AttemptReader
	var recorder *store.Recorder
	recorderDone := make(chan struct{})
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected and migrated")

		recorder = store.NewRecorder(db, logger, 1024)
		go func() {
			recorder.Run(ctx)
			close(recorderDone)
		}()
		go pruneLoop(ctx, db, logger)

		fetchOpts = append(fetchOpts, fetch.WithObserver(recorder))
		checks = append(checks, handler.Check{Name: "postgres", Ping: db.Ping})
		attempts = db
	} else {
		logger.Info("DATABASE_URL not set, upstream attempts are not recorded")
		close(recorderDone)
	}

	fetcher := fetch.New(logger, fetchOpts...)
	svc, err := aggregator.NewService(srcs, fetcher, cfg.OnchainAPIKey, logger)
	if err != nil {
		logger.Error("failed to build aggregator", "error", err)
		os.Exit(1)
	}

	// HTTP routes
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.FrontendOrigin))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handler.Health())
	r.Get("/readyz", handler.Ready(checks...))

	r.Route("/api", func(r chi.Router) {
		r.Get("/price", handler.Price(svc))
		r.Get("/open-interest", handler.OpenInterest(svc))
		r.Get("/options/max-pain", handler.MaxPain(svc))
		r.Get("/network/hashrate", handler.Hashrate(svc))
		r.Get("/cohorts", handler.Cohorts(svc))
		r.Get("/holders", handler.Holders(svc))
		r.Get("/exchange-flows", handler.ExchangeFlows(svc))
		r.Get("/valuation", handler.Valuation(svc))
		r.Get("/upstreams", handler.Upstreams(attempts))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	<-recorderDone
	if recorder != nil && recorder.Dropped() > 0 {
		logger.Warn("upstream attempts dropped under load", "count", recorder.Dropped())
	}
}

func pruneLoop(ctx context.Context, db *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PruneAttempts(ctx, attemptRetention)
			if err != nil {
				logger.Warn("prune upstream attempts failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned upstream attempts", "rows", n)
			}
		}
	}
}
