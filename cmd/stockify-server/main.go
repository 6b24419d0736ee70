package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/stockify"
	"github.com/ineyio/stockify/imagesource"
	"github.com/ineyio/stockify/inference/gemini"
	"github.com/ineyio/stockify/meter"
	"github.com/ineyio/stockify/quota"
	quotapg "github.com/ineyio/stockify/quota/postgres"
	quotaredis "github.com/ineyio/stockify/quota/redis"
	"github.com/ineyio/stockify/ratelimit"
	"github.com/ineyio/stockify/retry"
	"github.com/ineyio/stockify/server"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := flag.String("config", envOr("STOCKIFY_CONFIG", "stockify.yaml"), "path to the YAML config")
	flag.Parse()

	cfg, err := stockify.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Gemini.APIKey == "" {
		return fmt.Errorf("gemini api key is required (gemini.api_key or GEMINI_API_KEY)")
	}

	ctx := context.Background()

	ledger, closeLedger, err := newLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch, err := stockify.NewOrchestrator(cfg, gemini.FromConfig(cfg.Gemini),
		stockify.WithQuotaLedger(ledger),
		stockify.WithRateLimiter(ratelimit.New()),
		stockify.WithRetryPolicy(retry.FromConfig(cfg.Retry)),
		stockify.WithMeter(meter.Multi{meter.NewLogMeter(logger), meter.NewPromMeter(reg)}),
	)
	if err != nil {
		return err
	}

	loader := imagesource.NewLoader(
		imagesource.WithMaxBytes(cfg.Server.MaxUploadBytes),
		imagesource.WithMaxEdge(maxEdge(cfg.Server.MaxEdge)),
	)
	srv := server.New(orch,
		server.WithQuotaLedger(ledger),
		server.WithLoader(loader),
		server.WithGatherer(reg),
		server.WithLogger(logger),
	)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stockify server starting", "addr", addr, "ledger", backendName(cfg.Ledger.Backend), "models", len(cfg.Models))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-quit:
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// newLedger builds the configured quota ledger and a function releasing its connections.
func newLedger(ctx context.Context, cfg stockify.LedgerConfig) (stockify.QuotaLedger, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		var opts []quotaredis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, quotaredis.WithKeyPrefix(cfg.KeyPrefix))
		}
		return quotaredis.New(client, opts...), func() { client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		var opts []quotapg.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(cfg.KeyPrefix))
		}
		l := quotapg.New(pool, opts...)
		if err := l.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return l, pool.Close, nil

	default:
		return quota.NewMemoryLedger(), func() {}, nil
	}
}

func backendName(b string) string {
	if b == "" {
		return "memory"
	}
	return b
}

func maxEdge(px int) int {
	if px == 0 {
		return imagesource.DefaultMaxEdge
	}
	return px
}

func logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(envOr("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
