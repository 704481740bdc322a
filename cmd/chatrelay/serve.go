// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/httpapi"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/observability"
	"github.com/chatrelay/chatrelay/internal/relay"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/internal/wire"
)

// Default values for serve command flags.
const (
	defaultWireAddr    = ":7000"
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = "127.0.0.1:9100"
	defaultLogFormat   = "json"

	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay process",
		Long: `Start the relay process: the TCP ingest/delivery server, the
history HTTP API, and the metrics endpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd)
		},
	}

	cmd.Flags().String("wire-addr", defaultWireAddr, "TCP listen address for chat clients")
	cmd.Flags().String("http-addr", defaultHTTPAddr, "history API listen address")
	cmd.Flags().String("metrics-addr", defaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("store", config.StoreMemory, "message store backend (memory, redis, or postgres)")
	cmd.Flags().String("database-url", "", "PostgreSQL connection string (default: DATABASE_URL)")
	cmd.Flags().String("redis-url", "", "Redis connection string (default: REDIS_URL)")
	cmd.Flags().String("log-format", defaultLogFormat, "log format (json or text)")

	return cmd
}

// runServe starts every relay component and blocks until a shutdown signal,
// a component failure, or context cancellation.
func runServe(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	logging.SetDefault("chatrelay", version, cfg.LogFormat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("starting relay",
		"store", cfg.Store,
		"wire_addr", cfg.WireAddr,
		"http_addr", cfg.HTTPAddr,
	)

	msgStore, msgBus, release, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	registry := relay.NewRegistry()
	svc := relay.NewService(msgStore, msgBus, slog.Default())

	deliverer := relay.NewDeliverer(msgBus, registry, slog.Default())
	deliverErr := make(chan error, 1)
	go func() { deliverErr <- deliverer.Run(ctx) }()

	wireServer := wire.NewServer(cfg.WireAddr, svc, registry)
	wireErr := make(chan error, 1)
	go func() { wireErr <- wireServer.Run(ctx) }()

	historyServer := httpapi.NewServer(cfg.HTTPAddr, svc, slog.Default())
	historyErrCh, err := historyServer.Start()
	if err != nil {
		return oops.Code("HTTP_START_FAILED").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, historyErrCh, "history")

	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		// Backends are connected and listeners bound, so the process is ready.
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool { return true })
		obsErrCh, obsErr := obsServer.Start()
		if obsErr != nil {
			stopHistoryServer(historyServer)
			return oops.Code("METRICS_START_FAILED").Wrap(obsErr)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Relay started")
	slog.Info("relay ready")

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-wireErr:
		if err != nil {
			runErr = oops.Code("WIRE_SERVER_FAILED").Wrap(err)
		}
	case err := <-deliverErr:
		if err != nil {
			runErr = oops.Code("DELIVERY_FAILED").Wrap(err)
		}
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}
	if err := historyServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping history server", "error", err)
	}

	slog.Info("shutdown complete")
	return runErr
}

// buildBackends creates the message store and broadcast bus for the
// configured backend. The returned release func closes the underlying
// connections and must be called at shutdown.
func buildBackends(ctx context.Context, cfg *config.Config) (relay.MessageStore, relay.Bus, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		// Single-process mode: history and fan-out stay in-process.
		return relay.NewMemoryStore(), relay.NewMemoryBus(), func() {}, nil

	case config.StoreRedis:
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		release := func() {
			if err := client.Close(); err != nil {
				slog.Warn("error closing redis client", "error", err)
			}
		}
		return store.NewRedisListStore(client, slog.Default()),
			bus.NewRedisBus(client, slog.Default()), release, nil

	case config.StorePostgres:
		pgStore, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			pgStore.Close()
			return nil, nil, nil, err
		}
		release := func() {
			if err := client.Close(); err != nil {
				slog.Warn("error closing redis client", "error", err)
			}
			pgStore.Close()
		}
		return pgStore, bus.NewRedisBus(client, slog.Default()), release, nil

	default:
		return nil, nil, nil, oops.Code("CONFIG_INVALID").Errorf("unknown store kind %q", cfg.Store)
	}
}

// connectPostgres opens the message store pool, retrying transient failures
// so the relay survives a database that comes up slightly later.
func connectPostgres(ctx context.Context, dsn string) (*store.PostgresStore, error) {
	var pgStore *store.PostgresStore

	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var connectErr error
		pgStore, connectErr = store.ConnectPostgres(ctx, dsn)
		if connectErr != nil {
			slog.Warn("database not reachable, retrying", "error", connectErr)
			return retry.RetryableError(connectErr)
		}
		return nil
	})
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}

	slog.Info("connected to database")
	return pgStore, nil
}

// connectRedis creates a Redis client and verifies connectivity with the
// same retry policy as the database.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("url", url).Wrap(err)
	}
	client := redis.NewClient(opts)

	backoff := retry.WithMaxRetries(connectAttempts, retry.NewExponential(connectBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			slog.Warn("redis not reachable, retrying", "error", pingErr)
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			slog.Debug("error closing redis client", "error", closeErr)
		}
		return nil, oops.Code("REDIS_CONNECT_FAILED").Wrap(err)
	}

	slog.Info("connected to redis")
	return client, nil
}

func stopHistoryServer(srv *httpapi.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("failed to stop history server during cleanup", "error", err)
	}
}

// monitorServerErrors monitors a server's error channel and cancels the
// context on error so one component failure shuts down the whole process.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
