package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pyotel/chicken-feed/internal/clock"
	"github.com/pyotel/chicken-feed/internal/config"
	"github.com/pyotel/chicken-feed/internal/detector"
	"github.com/pyotel/chicken-feed/internal/httpapi"
	"github.com/pyotel/chicken-feed/internal/store"
)

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	cfg := config.LoadCollector()
	setupLogging(cfg.LogLevel)

	if cfg.PostgresUser == "" || cfg.PostgresDB == "" {
		slog.Error("POSTGRES_USER and POSTGRES_DB are required")
		os.Exit(1)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Error("invalid timezone", "tz", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresSSLMode)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	var commands *store.CommandQueue
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		commands = store.NewCommandQueue(rdb)
	} else {
		slog.Info("REDIS_ADDR not set, remote commands disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det := detector.New(repo, loc, cfg.GracePeriod, clock.System())
	if err := det.Start(ctx); err != nil {
		slog.Error("failed to start detector", "error", err)
		os.Exit(1)
	}

	api := httpapi.NewServer(repo, commands, loc)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("collector listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down collector")

	cancel()
	det.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	slog.Info("collector stopped")
}
