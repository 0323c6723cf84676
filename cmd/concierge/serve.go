package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/salonkit/concierge/internal/app"
	"github.com/salonkit/concierge/internal/backoff"
	"github.com/salonkit/concierge/internal/booking"
	"github.com/salonkit/concierge/internal/cache"
	"github.com/salonkit/concierge/internal/channels/telegram"
	"github.com/salonkit/concierge/internal/config"
	"github.com/salonkit/concierge/internal/observability"
	"github.com/salonkit/concierge/internal/profiles"
	"github.com/salonkit/concierge/internal/realtime"
	"github.com/salonkit/concierge/internal/tools"
)

// buildServeCmd creates the "serve" command that runs the gateway.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the concierge gateway",
		Long: `Start the concierge gateway.

The gateway will:
1. Load and validate configuration
2. Open the profile store and warm the tool registry
3. Connect the inference session pool
4. Start the Telegram long polling adapter
5. Serve /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  concierge serve

  # Start with custom config
  concierge serve --config /etc/concierge/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "concierge.yaml",
		"Path to YAML configuration file")

	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := profiles.Open(cfg.Profiles.Path)
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	defer store.Close()

	ttlCache := cache.NewTTLCache()
	ttlCache.StartSweeper(ctx, cfg.Cache.SweepInterval)

	planner := booking.NewPlanner(
		booking.NewClient(booking.Config{
			BaseURL:      cfg.Booking.BaseURL,
			CompanyID:    cfg.Booking.CompanyID,
			PartnerToken: cfg.Booking.PartnerToken,
			UserToken:    cfg.Booking.UserToken,
			Timeout:      cfg.Booking.Timeout,
		}, logger),
		ttlCache,
		booking.TTLs{
			Services: cfg.Cache.ServicesTTL,
			Staff:    cfg.Cache.StaffTTL,
			Slots:    cfg.Cache.SlotsTTL,
		},
		logger, metrics)

	dispatcher, err := tools.NewDispatcher(
		tools.BookingTools(planner, store, tools.CatalogTTLs{
			Services: cfg.Cache.ServicesTTL,
			Staff:    cfg.Cache.StaffTTL,
			Slots:    cfg.Cache.SlotsTTL,
		}),
		ttlCache, logger, metrics)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	toolSpecs, err := marshalToolSpecs(dispatcher)
	if err != nil {
		return err
	}

	pool := realtime.NewPool(realtime.PoolConfig{
		Size:                cfg.Realtime.PoolSize,
		AcquireTimeout:      cfg.Realtime.AcquireTimeout,
		CleanupInterval:     cfg.Realtime.CleanupInterval,
		DeepCleanupInterval: cfg.Realtime.DeepCleanupInterval,
		Session: realtime.Options{
			URL:              cfg.Realtime.URL,
			APIKey:           cfg.Realtime.APIKey,
			Model:            cfg.Realtime.Model,
			Instructions:     cfg.Realtime.Instructions,
			ToolSpecs:        toolSpecs,
			Capacity:         cfg.Realtime.SessionCapacity,
			ConnectAttempts:  cfg.Realtime.ConnectAttempts,
			ConnectBackoff:   backoff.DefaultPolicy(),
			PingInterval:     cfg.Realtime.PingInterval,
			PingBaseTimeout:  cfg.Realtime.PingBaseTimeout,
			PingMaxTimeout:   cfg.Realtime.PingMaxTimeout,
			PingGrowthFactor: cfg.Realtime.PingGrowthFactor,
			FailureThreshold: cfg.Realtime.FailureThreshold,
			RecoveryTimeout:  cfg.Realtime.RecoveryTimeout,
		},
	}, &realtime.WebsocketDialer{}, logger, metrics)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("connect session pool: %w", err)
	}
	defer pool.Close()

	adapter, err := telegram.NewAdapter(telegram.Config{
		Token:     cfg.Telegram.BotToken,
		EditRate:  cfg.Telegram.EditRate,
		EditBurst: cfg.Telegram.EditBurst,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create telegram adapter: %w", err)
	}

	streamer := realtime.NewStreamer(pool, dispatcher, adapter, realtime.StreamerConfig{
		EditInterval:      cfg.Stream.EditInterval,
		FirstEventTimeout: cfg.Realtime.FirstEventTimeout,
	}, logger, metrics)

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}

	httpServer := app.NewServer(cfg.Server.Addr, pool, registry, logger)
	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	logger.Info(ctx, "concierge gateway started",
		"http_addr", cfg.Server.Addr,
		"pool_size", cfg.Realtime.PoolSize,
		"tools", len(toolSpecs))

	service := app.NewService(cfg.RateLimit, streamer, adapter, adapter.Turns(), logger, metrics)
	runErr := service.Run(ctx)

	logger.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "telegram adapter shutdown error", "error", err)
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http server shutdown error", "error", err)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// marshalToolSpecs renders the registry's function specs for the
// session handshake.
func marshalToolSpecs(dispatcher *tools.Dispatcher) ([]json.RawMessage, error) {
	specs := dispatcher.Specs()
	out := make([]json.RawMessage, 0, len(specs))
	for _, spec := range specs {
		raw, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("marshal tool spec %s: %w", spec.Name, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
