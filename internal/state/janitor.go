package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/foreman/pkg/schema"
)

// DefaultMaxLoopAge is how long an active loop may linger before the janitor
// archives it as failed.
const DefaultMaxLoopAge = 24 * time.Hour

// Janitor periodically removes stale active loops from the store. Cleanup
// can also be triggered on demand via RunOnce.
type Janitor struct {
	store  Store
	maxAge time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
}

// NewJanitor creates a Janitor with the given retention age. A non-positive
// maxAge falls back to DefaultMaxLoopAge.
func NewJanitor(store Store, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if maxAge <= 0 {
		maxAge = DefaultMaxLoopAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, maxAge: maxAge, logger: logger}
}

// Start schedules the cleanup on the given cron expression (standard five
// field syntax, e.g. "0 * * * *" for hourly).
func (j *Janitor) Start(cronExpr string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}

	c := cron.New()
	id, err := c.AddFunc(cronExpr, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error("scheduled cleanup failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration,
			"invalid cleanup schedule %q: %s", cronExpr, err.Error()).WithCause(err)
	}

	j.cron = c
	j.entry = id
	c.Start()
	j.logger.Info("janitor started", slog.String("schedule", cronExpr))
	return nil
}

// Stop halts the scheduled cleanup, waiting for a running cycle to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.cron = nil
	j.logger.Info("janitor stopped")
}

// RunOnce performs a single cleanup pass and reports the removed count.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	removed, err := j.store.CleanupStale(ctx, j.maxAge)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		j.logger.InfoContext(ctx, "removed stale feedback loops",
			slog.Int("count", removed),
			slog.Duration("max_age", j.maxAge))
	}
	_ = j.store.AppendEvent(ctx, &Event{
		RunID: "janitor",
		Type:  schema.EventCleanupRun,
	})
	return removed, nil
}
