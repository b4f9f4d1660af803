package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/foreman/pkg/schema"
)

// flakyBackend wraps a MemoryStore and fails writes on demand.
type flakyBackend struct {
	*MemoryStore
	failWrites bool
}

func (f *flakyBackend) RegisterLoop(ctx context.Context, loop *schema.FeedbackContext) error {
	if f.failWrites {
		return errors.New("disk on fire")
	}
	return f.MemoryStore.RegisterLoop(ctx, loop)
}

func (f *flakyBackend) ResolveLoop(ctx context.Context, loopID string, state schema.LoopState) error {
	if f.failWrites {
		return errors.New("disk on fire")
	}
	return f.MemoryStore.ResolveLoop(ctx, loopID, state)
}

func TestDurableStore_MirrorsWritesToBackend(t *testing.T) {
	backend := &flakyBackend{MemoryStore: NewMemoryStore()}
	s := NewDurableStore(backend, nil)
	ctx := context.Background()

	require.NoError(t, s.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))

	mirrored, err := backend.GetLoop(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", mirrored.RunID)

	require.NoError(t, s.ResolveLoop(ctx, "l1", schema.LoopStateClosedSuccess))
	archived, err := backend.GetLoop(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, schema.LoopStateClosedSuccess, archived.State)
}

func TestDurableStore_BackendFailureKeepsMemoryAuthoritative(t *testing.T) {
	backend := &flakyBackend{MemoryStore: NewMemoryStore(), failWrites: true}
	s := NewDurableStore(backend, nil)
	ctx := context.Background()

	// Write succeeds even though the backend rejects it.
	require.NoError(t, s.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))

	got, err := s.GetLoop(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "l1", got.LoopID)

	// The backend never saw it.
	_, err = backend.MemoryStore.GetLoop(ctx, "l1")
	assert.True(t, schema.IsNotFound(err))
}

func TestDurableStore_LoadRebuildsFromBackend(t *testing.T) {
	backend := &flakyBackend{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, backend.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))
	require.NoError(t, backend.RegisterLoop(ctx, loop("l2", "run-1", "build", "t2")))
	require.NoError(t, backend.ResolveLoop(ctx, "l2", schema.LoopStateClosedFailed))

	s := NewDurableStore(backend, nil)
	require.NoError(t, s.Load(ctx))

	active, err := s.ListActive(ctx, LoopFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "l1", active[0].LoopID)

	history, err := s.ListHistory(ctx, LoopFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDurableStore_NilBackendIsPurelyInMemory(t *testing.T) {
	s := NewDurableStore(nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))
	require.NoError(t, s.Close())
}

func TestJanitor_RunOnce(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()

	stale := loop("l1", "run-1", "build", "t1")
	stale.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, mem.RegisterLoop(ctx, stale))
	require.NoError(t, mem.RegisterLoop(ctx, loop("l2", "run-1", "build", "t2")))

	j := NewJanitor(mem, 24*time.Hour, nil)
	removed, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	events, err := mem.GetEvents(ctx, "janitor", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventCleanupRun, events[0].Type)
}

func TestJanitor_StartRejectsBadSchedule(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), time.Hour, nil)
	err := j.Start("not a cron expression")
	require.Error(t, err)
	assert.True(t, schema.IsConfiguration(err))
}

func TestJanitor_StartAndStop(t *testing.T) {
	j := NewJanitor(NewMemoryStore(), time.Hour, nil)
	require.NoError(t, j.Start("0 * * * *"))
	assert.Error(t, j.Start("0 * * * *"), "second start must be rejected")
	j.Stop()
	// Stop is safe to call twice.
	j.Stop()
}
