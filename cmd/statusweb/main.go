// Command statusweb serves the runtime status dashboard: a small HTML
// page and WebSocket stream over internal/events for whichever
// front-end processes publish to it, plus a separate Prometheus
// /metrics endpoint for the counters internal/metrics exposes from
// every process in the deployment.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nugget/pts/internal/config"
	"github.com/nugget/pts/internal/events"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	metricsAddr := flag.String("metrics-address", ":9090", "address for the Prometheus /metrics endpoint")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	store, err := storage.Open(cfg.StorageDir + "/pts.db")
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	bus := events.New()
	server := web.NewServer(cfg.Web.Address, cfg.Web.Port, bus, logger)

	server.SetStatsFunc(func() web.StatsSnapshot {
		// Only JobsRunning is derivable from durable storage in this
		// process. The remaining counters are cumulative across every
		// dispatch/control/mailpump/taskrunner process in the
		// deployment, not just this one, so they are reported
		// authoritatively over Prometheus's /metrics endpoint instead
		// of here; the dashboard shows zero for them rather than a
		// misleadingly partial count.
		running, err := store.ListUnfinishedJobs(context.Background())
		if err != nil {
			logger.Warn("stats: failed to list unfinished jobs", "error", err)
			return web.StatsSnapshot{}
		}
		return web.StatsSnapshot{JobsRunning: int64(len(running))}
	})

	server.SetHealthFunc(func() map[string]web.HealthStatus {
		now := time.Now()
		status := make(map[string]web.HealthStatus)

		if err := rdb.Ping(context.Background()).Err(); err != nil {
			status["redis"] = web.HealthStatus{OK: false, Detail: err.Error(), CheckedAt: now}
		} else {
			status["redis"] = web.HealthStatus{OK: true, CheckedAt: now}
		}

		if cfg.SMTP.Configured() {
			status["smtp"] = web.HealthStatus{OK: true, Detail: cfg.SMTP.Host, CheckedAt: now}
		} else {
			status["smtp"] = web.HealthStatus{OK: false, Detail: "not configured", CheckedAt: now}
		}

		if cfg.Email.Configured() {
			status["imap"] = web.HealthStatus{OK: true, CheckedAt: now}
		} else {
			status["imap"] = web.HealthStatus{OK: false, Detail: "not configured", CheckedAt: now}
		}

		return status
	})

	metricsServer := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics server listening", "address", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("statusweb starting", "address", cfg.Web.Address, "port", cfg.Web.Port)
	if err := server.Start(ctx); err != nil {
		logger.Error("status server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("statusweb stopped")
}
