// ABOUTME: Daemon command for running hikmaai-tif as a service
// ABOUTME: Wires the feed store, scheduler, NATS control plane, Redis publishing, and HTTP API

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hikmaai-io/hikmaai-tif/internal/api"
	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/connector"
	"github.com/hikmaai-io/hikmaai-tif/internal/control"
	"github.com/hikmaai-io/hikmaai-tif/internal/feedsync"
	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
	internalredis "github.com/hikmaai-io/hikmaai-tif/internal/redis"
	"github.com/hikmaai-io/hikmaai-tif/internal/store"
)

type daemonFlags struct {
	DataDir   string
	NatsURL   string
	HTTPAddr  string
	RedisAddr string
}

func newDaemonCmd() *cobra.Command {
	var flags daemonFlags

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the feed ingestion daemon",
		Long: `Start the HikmaAI TIF daemon. Every enabled feed in the config file is
registered with the scheduler and retrieved on its interval.

When configured, the daemon also accepts feed register/deregister/refresh
commands over NATS, publishes feed status and run events to Redis, and
serves a status API plus Prometheus metrics over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyDaemonFlags(cfg, flags)
			return runDaemon(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "data directory for the feed index")
	cmd.Flags().StringVar(&flags.NatsURL, "nats-url", "", "NATS server URL for the control plane")
	cmd.Flags().StringVar(&flags.HTTPAddr, "http-addr", "", "HTTP address for the status API and metrics")
	cmd.Flags().StringVar(&flags.RedisAddr, "redis-addr", "", "Redis address for status publishing")

	return cmd
}

// applyDaemonFlags overrides config values with non-empty flags.
func applyDaemonFlags(cfg *config.Config, flags daemonFlags) {
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if flags.NatsURL != "" {
		cfg.NATS.URL = flags.NatsURL
	}
	if flags.HTTPAddr != "" {
		cfg.HTTP.Addr = flags.HTTPAddr
	}
	if flags.RedisAddr != "" {
		cfg.Redis.Addr = flags.RedisAddr
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting hikmaai-tif daemon",
		slog.String("version", version),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("alias", cfg.Store.Alias),
		slog.Int("configured_feeds", len(cfg.Feeds)),
	)

	// Tracing.
	tp, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Enabled:       cfg.Tracing.Enabled,
		ServiceName:   "hikmaai-tif",
		Version:       version,
		Endpoint:      cfg.Tracing.Endpoint,
		Insecure:      cfg.Tracing.Insecure,
		SamplingRatio: cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		return fmt.Errorf("creating tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", slog.Any("error", err))
		}
	}()

	// Metrics.
	reg := prometheus.NewRegistry()
	var metrics *observability.FeedMetrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewFeedMetrics(reg, cfg.Metrics.Namespace)
	}

	audit := observability.NewAuditLogger(logger)

	// Feed store.
	index, err := store.OpenIndex(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening feed index: %w", err)
	}
	feedStore := store.NewFeedStore(index,
		store.WithFilter(store.NewFilterFromConfig(cfg.Store)),
		store.WithLogger(logger),
		store.WithAuditLogger(audit),
		store.WithMetrics(metrics),
	)
	defer func() {
		if err := feedStore.Close(); err != nil {
			logger.Warn("feed store close error", slog.Any("error", err))
		}
	}()

	if err := feedStore.WarmFilter(ctx); err != nil {
		// Lookups fall back to the index until the next warm.
		logger.Warn("failed to warm document filter", slog.Any("error", err))
	}

	builder := &feedsync.Builder{
		Connectors: connector.NewRegistry(connector.DepsFromConfig(cfg)),
		Store:      feedStore,
		Timeout:    cfg.Scheduler.RunTimeout.Std(),
		Logger:     logger,
	}

	// Redis status publishing.
	var (
		observers []feedsync.Observer
		history   api.RunHistory
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := internalredis.NewClient(ctx, internalredis.ConfigFromSettings(cfg.Redis))
		if err != nil {
			return fmt.Errorf("creating redis client: %w", err)
		}
		defer redisClient.Close()

		events, err := internalredis.NewRunEventStream(redisClient, internalredis.RunEventStreamConfig{Logger: logger})
		if err != nil {
			return fmt.Errorf("creating run event stream: %w", err)
		}
		observers = append(observers,
			internalredis.NewStatusPublisher(redisClient, internalredis.StatusPublisherConfig{
				TTL:    cfg.Redis.TTL.Std(),
				Logger: logger,
			}),
			events,
		)
		history = events
		logger.Info("redis status publishing enabled",
			slog.String("addr", cfg.Redis.Addr),
			slog.String("prefix", cfg.Redis.KeyPrefix),
		)
	}

	// Scheduler.
	manager := feedsync.NewManager(feedsync.ManagerConfig{
		Resolution:        cfg.Scheduler.Resolution.Std(),
		MaxConcurrentRuns: cfg.Scheduler.MaxConcurrentRuns,
		Logger:            logger,
		Audit:             audit,
		Metrics:           metrics,
		Observers:         observers,
	})
	defer manager.Stop()

	n, err := registerConfiguredFeeds(ctx, manager, builder, cfg.Feeds)
	if err != nil {
		return err
	}
	logger.Info("configured feeds registered", slog.Int("feeds", n))

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting feed manager: %w", err)
	}

	// NATS control plane.
	if cfg.NATS.URL != "" {
		natsCfg := control.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Subject = cfg.NATS.Subject
		natsCfg.QueueGroup = cfg.NATS.Queue

		natsClient := control.NewClient(natsCfg, control.NewHandler(manager, builder, logger), logger)
		if err := natsClient.Connect(ctx); err != nil {
			return err
		}
		defer natsClient.Close()

		if err := natsClient.Subscribe(ctx); err != nil {
			return err
		}
	}

	// HTTP status API.
	var httpServer *http.Server
	if cfg.HTTP.Addr != "" {
		handler := api.NewHandler(api.HandlerConfig{
			Scheduler: manager,
			Store:     feedStore,
			History:   history,
		})

		mux := http.NewServeMux()
		handler.RegisterRoutes(mux)
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

		httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           otelhttp.NewHandler(observability.RequestIDMiddleware(api.LoggingMiddleware(logger, mux)), "hikmaai-tif.http"),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			logger.Info("starting HTTP server", slog.String("addr", cfg.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", slog.Any("error", err))
				cancel()
			}
		}()
	}

	logger.Info("daemon ready")
	<-ctx.Done()

	logger.Info("shutting down daemon")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", slog.Any("error", err))
		}
	}

	manager.Stop()

	logger.Info("daemon stopped")
	return nil
}

// feedRegistrar is the part of the feed manager used at startup.
type feedRegistrar interface {
	Register(ctx context.Context, feedID string, task feedsync.Task, interval time.Duration) error
}

// registerConfiguredFeeds registers every enabled feed and returns how
// many were registered. A feed that fails to build stops startup.
func registerConfiguredFeeds(ctx context.Context, m feedRegistrar, builder *feedsync.Builder, feeds []config.FeedConfig) (int, error) {
	n := 0
	for _, feed := range feeds {
		if !feed.IsEnabled() {
			continue
		}

		task, err := builder.Build(feed)
		if err != nil {
			return n, fmt.Errorf("building feed %s: %w", feed.ID, err)
		}
		if err := m.Register(ctx, feed.ID, task, feed.Interval.Std()); err != nil {
			return n, fmt.Errorf("registering feed %s: %w", feed.ID, err)
		}
		n++
	}
	return n, nil
}
