package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/foreman/pkg/schema"
)

// MemoryStore is the in-process authoritative Store. All mutation happens
// under a single mutex, which gives the atomic read-modify-write per
// active-loop key the concurrency model requires.
type MemoryStore struct {
	mu      sync.RWMutex
	active  map[string]*schema.FeedbackContext // loop_id -> loop
	byKey   map[string]string                  // (run/stage/order) key -> loop_id
	history []*schema.FeedbackContext

	events   []*Event
	eventSeq atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active: make(map[string]*schema.FeedbackContext),
		byKey:  make(map[string]string),
	}
}

func (s *MemoryStore) RegisterLoop(ctx context.Context, loop *schema.FeedbackContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := loop.Key()
	if existing, ok := s.byKey[key]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"active loop %s already exists for %s", existing, key)
	}

	cp := *loop
	s.active[loop.LoopID] = &cp
	s.byKey[key] = loop.LoopID
	return nil
}

func (s *MemoryStore) GetLoop(ctx context.Context, loopID string) (*schema.FeedbackContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if loop, ok := s.active[loopID]; ok {
		cp := *loop
		return &cp, nil
	}
	for _, loop := range s.history {
		if loop.LoopID == loopID {
			cp := *loop
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "loop %s not found", loopID)
}

func (s *MemoryStore) GetActiveByKey(ctx context.Context, runID, stage, workOrderID string) (*schema.FeedbackContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := runID + "/" + stage + "/" + workOrderID
	loopID, ok := s.byKey[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active loop for %s", key)
	}
	cp := *s.active[loopID]
	return &cp, nil
}

func (s *MemoryStore) UpdateLoop(ctx context.Context, loop *schema.FeedbackContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.active[loop.LoopID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "active loop %s not found", loop.LoopID)
	}
	if loop.RetryCount < existing.RetryCount {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"loop %s: retry_count may not decrease (%d -> %d)",
			loop.LoopID, existing.RetryCount, loop.RetryCount)
	}

	cp := *loop
	cp.UpdatedAt = time.Now().UTC()
	s.active[loop.LoopID] = &cp
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.FeedbackContext
	for _, loop := range s.active {
		if !matchLoop(loop, filter) {
			continue
		}
		cp := *loop
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveLoop(ctx context.Context, loopID string, state schema.LoopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loop, ok := s.active[loopID]
	if !ok {
		// Already resolved: idempotent no-op if present in history.
		for _, h := range s.history {
			if h.LoopID == loopID {
				return nil
			}
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "loop %s not found", loopID)
	}

	delete(s.active, loopID)
	delete(s.byKey, loop.Key())

	cp := *loop
	cp.State = state
	cp.UpdatedAt = time.Now().UTC()
	s.history = append(s.history, &cp)
	return nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.FeedbackContext
	for _, loop := range s.history {
		if !matchLoop(loop, filter) {
			continue
		}
		cp := *loop
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for id, loop := range s.active {
		if loop.CreatedAt.After(cutoff) {
			continue
		}
		delete(s.active, id)
		delete(s.byKey, loop.Key())

		cp := *loop
		cp.State = schema.LoopStateClosedFailed
		cp.UpdatedAt = time.Now().UTC()
		s.history = append(s.history, &cp)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	cp.ID = s.eventSeq.Add(1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if e.ID <= since {
			continue
		}
		if runID != "" && e.RunID != runID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Load replaces the store contents with the given records. Used to rebuild
// the authoritative state from the durable backend at process start.
func (s *MemoryStore) Load(active, history []*schema.FeedbackContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = make(map[string]*schema.FeedbackContext, len(active))
	s.byKey = make(map[string]string, len(active))
	for _, loop := range active {
		cp := *loop
		s.active[loop.LoopID] = &cp
		s.byKey[loop.Key()] = loop.LoopID
	}
	s.history = make([]*schema.FeedbackContext, 0, len(history))
	for _, loop := range history {
		cp := *loop
		s.history = append(s.history, &cp)
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func matchLoop(loop *schema.FeedbackContext, filter LoopFilter) bool {
	if filter.RunID != "" && loop.RunID != filter.RunID {
		return false
	}
	if filter.Stage != "" && loop.Stage != filter.Stage {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
