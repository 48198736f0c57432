// Package main is the entry point for the Bonito gateway server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"bonito/internal/audit"
	"bonito/internal/auth"
	"bonito/internal/cache"
	"bonito/internal/config"
	"bonito/internal/crypto"
	"bonito/internal/gateway"
	"bonito/internal/httpapi"
	"bonito/internal/provider"
	"bonito/internal/ratelimit"
	"bonito/internal/routing"
	"bonito/internal/secrets"
	"bonito/internal/storage/postgres"
	"bonito/internal/telemetry"
)

const secretsRefreshInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	// Local development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting bonito",
		"environment", cfg.Environment,
		"port", cfg.Server.Port)

	db, err := postgres.Open(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := postgres.Migrate(db, cfg.Database.SchemaPath); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	store := postgres.New(db)

	redis, err := cache.NewRedis(cfg.Cache.URL)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redis.Close()

	secretStore, err := secrets.New(cfg.Secrets.VaultAddr, cfg.Secrets.VaultToken)
	if err != nil {
		slog.Error("failed to connect to vault", "error", err)
		os.Exit(1)
	}
	if err := secretStore.Refresh(context.Background()); err != nil {
		slog.Warn("initial secret refresh failed, serving from environment", "error", err)
	}

	vault, err := crypto.NewVaultFromString(cfg.Security.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialise credential vault", "error", err)
		os.Exit(1)
	}
	slog.Info("credential vault ready", "key_id", vault.KeyID())

	tokens, err := auth.NewTokenService(cfg.Security.SecretKey, redis)
	if err != nil {
		slog.Error("failed to initialise token service", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	limiter := ratelimit.New(redis)
	latency := routing.NewLatencyTracker(redis)
	engine := routing.New(store, latency)
	manager := provider.NewManager(vault, secretStore)

	recorder := gateway.NewRecorder(store, limiter, metrics,
		cfg.Recorder.QueueSize, cfg.Recorder.Workers)
	auditor := audit.NewService(store)

	pipeline := gateway.NewService(
		auth.NewAuthenticator(store),
		store,
		limiter,
		engine,
		manager,
		latency,
		recorder,
		metrics,
	)

	server := httpapi.NewServer(cfg, httpapi.Deps{
		Store:    store,
		Pipeline: pipeline,
		Tokens:   tokens,
		Vault:    vault,
		Cache:    redis,
		Secrets:  secretStore,
		Audit:    auditor,
		Metrics:  telemetry.Handler(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic Vault refresh so rotated secrets take effect without restart.
	go func() {
		ticker := time.NewTicker(secretsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := secretStore.Refresh(ctx); err != nil {
					slog.Warn("secret refresh failed", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	// Drain async writers after the listener stops accepting work.
	recorder.Close()
	auditor.Close()

	slog.Info("bonito stopped")
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
