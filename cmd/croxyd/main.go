// Package main is the entry point for the croxy relay daemon.
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

	"croxyrelay/config"
	"croxyrelay/internal/admin"
	"croxyrelay/internal/autoclassifier"
	"croxyrelay/internal/cache"
	"croxyrelay/internal/httpclient"
	"croxyrelay/internal/logging"
	"croxyrelay/internal/metrics"
	"croxyrelay/internal/metricslog"
	"croxyrelay/internal/observability"
	"croxyrelay/internal/proxy"
	"croxyrelay/internal/router"
	"croxyrelay/internal/server"
)

// buildVersion is stamped at build time via -ldflags; "dev" otherwise.
var buildVersion = "dev"

const evictionInterval = 60 * time.Second

// runEvictionLoop periodically sweeps expired records out of store until
// ctx is cancelled at shutdown.
func runEvictionLoop(ctx context.Context, store *metrics.Store) {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.EvictExpired()
		}
	}
}

func main() {
	attachFlag := flag.Bool("attach", false, "after replay, keep tailing the metrics log and load newly appended lines into the store")
	versionFlag := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("croxyd " + buildVersion)
		os.Exit(0)
	}

	logger := logging.New(os.Stdout, slog.LevelInfo)
	slog.SetDefault(logger)
	slog.Info("starting croxyd", "version", buildVersion)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if len(cfg.Providers) == 0 {
		slog.Error("at least one provider must be configured")
		os.Exit(1)
	}

	decisionCache, err := initCache(cfg)
	if err != nil {
		slog.Error("failed to initialize decision cache", "error", err)
		os.Exit(1)
	}
	defer decisionCache.Close()

	window := time.Duration(cfg.Retention.Minutes) * time.Minute
	if !cfg.Retention.Enabled {
		// Disabling retention means "never expire records", not "expire
		// them immediately" -- approximate that with a window no real
		// process uptime will exceed, rather than special-casing zero
		// throughout the store.
		window = 100 * 365 * 24 * time.Hour
	}
	store := metrics.New(window)

	if cfg.Metrics.Enabled {
		store.AttachObserver(observability.NewCollectors())
	}

	var logWriter *metricslog.Writer
	if cfg.Logging.Metrics.Enabled {
		logWriter, err = metricslog.NewWriter(metricslog.Config{
			Path:      cfg.Logging.Metrics.Path,
			MaxSizeMB: cfg.Logging.Metrics.MaxSizeMB,
			MaxFiles:  cfg.Logging.Metrics.MaxFiles,
		})
		if err != nil {
			slog.Error("failed to open metrics log", "error", err)
			os.Exit(1)
		}
		defer logWriter.Close()

		slog.Info("replaying metrics log", "path", cfg.Logging.Metrics.Path)
		if err := metricslog.Replay(cfg.Logging.Metrics.Path, cfg.Logging.Metrics.MaxFiles, window, store); err != nil {
			slog.Error("failed to replay metrics log", "error", err)
			os.Exit(1)
		}
		store.AttachLogger(logWriter)

		if *attachFlag {
			tailCtx, cancelTail := context.WithCancel(context.Background())
			defer cancelTail()
			go metricslog.Tail(tailCtx, cfg.Logging.Metrics.Path, store)
		}
	}

	classifierClient := httpclient.NewDefaultHTTPClient()
	classifier := autoclassifier.New(autoclassifier.Config{
		URL: cfg.AutoRouter.URL, Model: cfg.AutoRouter.Model, TimeoutMs: cfg.AutoRouter.TimeoutMs,
	}, decisionCache, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	rt, err := router.FromConfig(cfg, classifier, classifierClient, func(format string, args ...any) {
		slog.Warn(fmt.Sprintf(format, args...))
	})
	if err != nil {
		slog.Error("invalid routing configuration", "error", err)
		os.Exit(1)
	}

	state := &proxy.AppState{
		Router:      rt,
		Client:      httpclient.NewUpstreamClient(nil),
		Metrics:     store,
		MaxBodySize: cfg.Server.MaxBodySizeBytes,
	}

	evictCtx, cancelEvict := context.WithCancel(context.Background())
	defer cancelEvict()
	go runEvictionLoop(evictCtx, store)

	var adminHandler *admin.Handler
	if cfg.Admin.Enabled {
		adminHandler = admin.NewHandler(store)
	}

	srv := server.New(state, server.Config{
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		AdminEnabled:    cfg.Admin.Enabled,
		AdminEndpoint:   cfg.Admin.Endpoint,
		AdminHandler:    adminHandler,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("listening", "address", addr)

	if err := srv.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
		} else {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}
}

// initCache builds the classifier decision cache backend named by
// cfg.Cache.Type, defaulting to the local file cache.
func initCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{
			URL:       cfg.Cache.Redis.URL,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
	case "disabled":
		return cache.NewLocalCache(""), nil
	default:
		return cache.NewLocalCache(cfg.Cache.LocalPath), nil
	}
}
