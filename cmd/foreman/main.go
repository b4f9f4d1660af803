package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/foreman/internal/dispatch"
	"github.com/rendis/foreman/internal/expressions"
	"github.com/rendis/foreman/internal/feedback"
	"github.com/rendis/foreman/internal/logging"
	"github.com/rendis/foreman/internal/orchestrator"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/internal/validation"
	"github.com/rendis/foreman/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "foreman:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	registry, err := expressions.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("build expression engines: %w", err)
	}
	classifier := feedback.NewClassifier(registry, logger)
	engine := feedback.NewEngine(store, classifier, logger, duration(cfg.AbortCeiling, time.Hour))

	scheduler := dispatch.NewScheduler(nil, logger,
		dispatch.WithPoolSize(cfg.PoolSize),
		dispatch.WithEvents(store),
	)
	orch := orchestrator.New(scheduler, engine, store, logger,
		orchestrator.WithMaxStageRetries(cfg.MaxStageRetries),
	)

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	janitor := state.NewJanitor(store, duration(cfg.MaxLoopAge, state.DefaultMaxLoopAge), logger)
	if err := janitor.Start(cfg.CleanupSchedule); err != nil {
		return err
	}
	defer janitor.Stop()

	srv := mcp.NewForemanServer(mcp.ForemanServerDeps{
		Orchestrator: orch,
		Scheduler:    scheduler,
		Engine:       engine,
		Store:        store,
		Validator:    validator,
		Logger:       logger,
	})

	logger.Info("foreman started", slog.String("db_path", cfg.DBPath))
	return srv.Serve(ctx)
}

// buildStore assembles the state layer: an authoritative in-memory store,
// optionally mirrored into libsql and reloaded at process start.
func buildStore(ctx context.Context, cfg Config, logger *slog.Logger) (state.Store, func(), error) {
	if !cfg.Persistence {
		mem := state.NewMemoryStore()
		return mem, func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	backend, err := state.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := backend.Migrate(ctx); err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}

	durable := state.NewDurableStore(backend, logger)
	if err := durable.Load(ctx); err != nil {
		logger.Warn("state reload failed, starting empty", slog.String("error", err.Error()))
	}
	return durable, func() { _ = durable.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	// MCP owns stdout; logs go to stderr.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
