package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/foreman/pkg/schema"
)

// DurableStore layers the authoritative MemoryStore over a durable backend.
// Every register/resolve/cleanup is mirrored to the backend; a backend write
// failure is logged and the in-memory state remains authoritative for the
// current process lifetime. Durability is best-effort, not required for
// single-run correctness.
type DurableStore struct {
	mem     *MemoryStore
	backend Store
	logger  *slog.Logger
}

// NewDurableStore creates a layered store. backend may be nil, in which case
// the store is purely in-memory.
func NewDurableStore(backend Store, logger *slog.Logger) *DurableStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DurableStore{
		mem:     NewMemoryStore(),
		backend: backend,
		logger:  logger,
	}
}

// Load rebuilds the in-memory state from the durable backend. Called once at
// process start.
func (s *DurableStore) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	active, err := s.backend.ListActive(ctx, LoopFilter{})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "reload active loops").WithCause(err)
	}
	history, err := s.backend.ListHistory(ctx, LoopFilter{})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "reload loop history").WithCause(err)
	}
	s.mem.Load(active, history)
	s.logger.Info("state reloaded",
		slog.Int("active_loops", len(active)),
		slog.Int("history", len(history)))
	return nil
}

func (s *DurableStore) RegisterLoop(ctx context.Context, loop *schema.FeedbackContext) error {
	if err := s.mem.RegisterLoop(ctx, loop); err != nil {
		return err
	}
	s.mirror(ctx, "register loop", func() error { return s.backend.RegisterLoop(ctx, loop) })
	return nil
}

func (s *DurableStore) GetLoop(ctx context.Context, loopID string) (*schema.FeedbackContext, error) {
	return s.mem.GetLoop(ctx, loopID)
}

func (s *DurableStore) GetActiveByKey(ctx context.Context, runID, stage, workOrderID string) (*schema.FeedbackContext, error) {
	return s.mem.GetActiveByKey(ctx, runID, stage, workOrderID)
}

func (s *DurableStore) UpdateLoop(ctx context.Context, loop *schema.FeedbackContext) error {
	if err := s.mem.UpdateLoop(ctx, loop); err != nil {
		return err
	}
	s.mirror(ctx, "update loop", func() error { return s.backend.UpdateLoop(ctx, loop) })
	return nil
}

func (s *DurableStore) ListActive(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error) {
	return s.mem.ListActive(ctx, filter)
}

func (s *DurableStore) ResolveLoop(ctx context.Context, loopID string, state schema.LoopState) error {
	if err := s.mem.ResolveLoop(ctx, loopID, state); err != nil {
		return err
	}
	s.mirror(ctx, "resolve loop", func() error { return s.backend.ResolveLoop(ctx, loopID, state) })
	return nil
}

func (s *DurableStore) ListHistory(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error) {
	return s.mem.ListHistory(ctx, filter)
}

func (s *DurableStore) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	removed, err := s.mem.CleanupStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	s.mirror(ctx, "cleanup stale loops", func() error {
		_, err := s.backend.CleanupStale(ctx, olderThan)
		return err
	})
	return removed, nil
}

func (s *DurableStore) AppendEvent(ctx context.Context, event *Event) error {
	if err := s.mem.AppendEvent(ctx, event); err != nil {
		return err
	}
	s.mirror(ctx, "append event", func() error { return s.backend.AppendEvent(ctx, event) })
	return nil
}

func (s *DurableStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return s.mem.GetEvents(ctx, runID, since)
}

func (s *DurableStore) Migrate(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Migrate(ctx)
}

func (s *DurableStore) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// mirror runs a backend write, logging instead of failing on error.
func (s *DurableStore) mirror(ctx context.Context, op string, fn func() error) {
	if s.backend == nil {
		return
	}
	if err := fn(); err != nil {
		s.logger.ErrorContext(ctx, "persistence failure, in-memory state remains authoritative",
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
}

var _ Store = (*DurableStore)(nil)
