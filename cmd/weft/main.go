package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/weft-dev/weft/internal/actions"
	"github.com/weft-dev/weft/internal/engine"
	"github.com/weft-dev/weft/internal/logging"
	"github.com/weft-dev/weft/internal/scheduler"
	"github.com/weft-dev/weft/internal/store"
	"github.com/weft-dev/weft/internal/streaming"
	"github.com/weft-dev/weft/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "weft:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// stdout belongs to the MCP stdio transport; logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	dbPath := cfg.DBPath
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	st, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.HTTPConfig{}, actions.ShellConfig{}); err != nil {
		return fmt.Errorf("register actions: %w", err)
	}

	hub := streaming.NewMemoryHub()
	eventLog := store.NewEventLog(st)

	eng, err := engine.New(engine.Options{
		Store:    st,
		Registry: registry,
		Events:   eventLog,
		Hub:      hub,
		Logger:   logger,
		PoolSize: cfg.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	if cfg.Scheduler {
		sched := scheduler.New(st, eng, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("trigger job recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewWeftServer(mcp.WeftServerDeps{
		Engine:   eng,
		Store:    st,
		Registry: registry,
		Hub:      hub,
		Logger:   logger,
	})

	logger.Info("weft started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("scheduler", cfg.Scheduler),
	)

	return srv.Serve(ctx)
}
