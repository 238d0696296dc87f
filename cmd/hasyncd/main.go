package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/rickgao/hasync"
	"github.com/rickgao/hasync/internal/buffer"
	"github.com/rickgao/hasync/internal/config"
	"github.com/rickgao/hasync/internal/database"
	"github.com/rickgao/hasync/internal/history"
	"github.com/rickgao/hasync/internal/model"
	"github.com/rickgao/hasync/internal/retry"
	"github.com/rickgao/hasync/internal/tokenstore"
	"github.com/rickgao/hasync/internal/version"
)

func main() {
	flags := pflag.NewFlagSet("hasyncd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "configs/hasyncd.local.yaml", "path to config file")
	logJSON := flags.Bool("log-json", false, "log as JSON instead of text")
	logLevel := flags.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flags.Bool("version", false, "print version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println(version.UserAgent(), version.Commit)
		return
	}

	logger := newLogger(os.Stdout, *logJSON, *logLevel)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("hasyncd failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, asJSON bool, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(configPath string, logger *slog.Logger) error {
	logger.Info("starting hasyncd",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("configuration loaded",
		"server", cfg.Server.URL,
		"auth_mode", cfg.Auth.Mode,
		"token_store", cfg.Auth.Store.Backend,
		"watch", len(cfg.Watch.Entities),
		"history", cfg.History.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional database for history and token persistence
	var pool *pgxpool.Pool
	if cfg.Database.Configured() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err = database.ConnectWithRetry(ctx, cfg.Database, retry.DefaultPolicy(), logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		logger.Info("database connected")
	}

	tokens, err := openTokenStore(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	if closer, ok := tokens.(io.Closer); ok {
		defer closer.Close()
	}

	client, err := hasync.New(cfg,
		hasync.WithLogger(logger),
		hasync.WithTokenStore(tokens),
		hasync.WithOnReauth(func(err error) {
			logger.Error("re-authentication required; reconnect with SIGHUP after fixing credentials", "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// History writer
	var writer *history.StateWriter
	if cfg.History.Enabled {
		if pool == nil {
			return errors.New("history.enabled requires a database")
		}
		if err := history.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		queue := buffer.New[history.Record](cfg.History.BatchSize, cfg.History.BufferSize)
		writer = history.NewStateWriter(history.Config{
			BatchSize:     cfg.History.BatchSize,
			FlushInterval: cfg.History.FlushInterval,
		}, queue, pool, logger.With("component", "history"))
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start history writer: %w", err)
		}
	}

	// Start health server early so we can monitor connection progress
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHealthHandler(client, pool, cfg.Metrics.Path, logger),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	checkCtx, checkCancel := context.WithTimeout(ctx, cfg.Server.Timeout)
	if info, err := client.CheckServer(checkCtx); err != nil {
		logger.Warn("server check failed; continuing to connect", "error", err)
	} else {
		logger.Info("server reachable",
			"location", info.LocationName,
			"version", info.Version,
			"state", info.State,
		)
	}
	checkCancel()

	for _, id := range cfg.Watch.Entities {
		client.Watch(id, func(st model.EntityState) {
			logger.Debug("entity updated",
				"entity_id", st.EntityID,
				"state", st.State,
				"last_updated", st.LastUpdated,
			)
		})
	}
	if writer != nil {
		for _, id := range cfg.History.Entities {
			client.Watch(id, writer.Observe)
		}
	}

	logger.Info("hasyncd running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// SIGINT/SIGTERM stop; SIGHUP reconnects; SIGUSR1 signals that the user
	// is back and the credential should be checked.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

wait:
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reconnecting")
			client.Reconnect()
		case syscall.SIGUSR1:
			logger.Info("received SIGUSR1, checking credential")
			client.VisibilityRegained()
		default:
			logger.Info("received shutdown signal", "signal", sig)
			break wait
		}
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)
	if err := client.Stop(shutdownCtx); err != nil {
		logger.Warn("client stop", "error", err)
	}
	if writer != nil {
		if err := writer.Stop(shutdownCtx); err != nil {
			logger.Warn("history writer stop", "error", err)
		}
		stats := writer.Stats()
		logger.Info("history writer stopped", "inserts", stats.Inserts, "conflicts", stats.Conflicts, "errors", stats.Errors)
	}
	cancel()

	logger.Info("hasyncd stopped")
	return nil
}

// openTokenStore opens the configured OAuth token store, creating its table
// for the postgres backend.
func openTokenStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (tokenstore.Store, error) {
	var db tokenstore.DB
	if pool != nil {
		db = pool
	}

	r := cfg.Auth.Store.Redis
	store, err := tokenstore.Open(cfg.Auth.Store.Backend, tokenstore.RedisConfig{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
	}, db, logger.With("component", "tokenstore"))
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	if pg, ok := store.(*tokenstore.Postgres); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}
