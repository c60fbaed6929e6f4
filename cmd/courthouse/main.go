// The courthouse is the judging server: it admits contestant runs,
// dispatches writs to executors, reaps expired leases and serves the
// scoreboard.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/code-court/courthouse/internal/api"
	"github.com/code-court/courthouse/internal/auth"
	"github.com/code-court/courthouse/internal/config"
	"github.com/code-court/courthouse/internal/infra"
	"github.com/code-court/courthouse/internal/metrics"
	"github.com/code-court/courthouse/internal/queue"
	"github.com/code-court/courthouse/internal/reaper"
	"github.com/code-court/courthouse/internal/scoreboard"
	"github.com/code-court/courthouse/internal/store"
)

func main() {
	configPath := flag.String("config", "courthouse.yaml", "path to the YAML config file")
	flag.Parse()

	// A .env file is optional; the real environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Seed(ctx, st); err != nil {
		log.Fatalf("seed: %v", err)
	}
	if !config.Production() {
		if err := store.SeedDevData(ctx, st); err != nil {
			log.Fatalf("dev seed: %v", err)
		}
		logger.Info("dev data seeded, admin/pass and testuser1/pass are available")
	}

	met := metrics.New()
	values := config.NewValues(st)
	q := queue.New(st, met)
	agg := scoreboard.New(st, scoreCache(cfg, logger), met)
	tokens := auth.NewTokenStore(0)

	rp := reaper.New(st, values, met, time.Duration(cfg.Reaper.PeriodSeconds)*time.Second)
	go rp.Run(ctx)
	go watchQueueDepth(ctx, st, met)

	srv := api.NewServer(api.Options{
		Store:   st,
		Queue:   q,
		Scores:  agg,
		Tokens:  tokens,
		Values:  values,
		Metrics: met,
		Logger:  logger,
		BaseURL: cfg.Server.BaseURL,
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("courthouse listening", "addr", httpSrv.Addr, "base_url", cfg.Server.BaseURL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "postgres" {
		pg, err := store.NewPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	return store.NewMemory(), nil
}

// scoreCache prefers Redis when configured so standings survive restarts
// and shared replicas agree; otherwise the process-local cache serves.
func scoreCache(cfg *config.Config, logger *slog.Logger) scoreboard.Cache {
	if cfg.Scoring.RedisAddr == "" {
		return scoreboard.NewLocalCache()
	}
	client, err := infra.NewGoRedisAdapter(cfg.Scoring.RedisAddr, cfg.Scoring.RedisPassword, cfg.Scoring.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, using local score cache", "error", err)
		return scoreboard.NewLocalCache()
	}
	return scoreboard.NewRedisCache(client, "", 0)
}

// watchQueueDepth keeps the pending-runs gauge current.
func watchQueueDepth(ctx context.Context, st store.Store, met *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.PendingRunCount(ctx); err == nil {
				met.SetPendingRuns(n)
			}
		}
	}
}
