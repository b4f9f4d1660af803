package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/foreman/pkg/schema"
)

func loop(loopID, runID, stage, workOrderID string) *schema.FeedbackContext {
	now := time.Now().UTC()
	return &schema.FeedbackContext{
		LoopID:              loopID,
		RunID:               runID,
		Stage:               stage,
		ExecutorID:          "exec-1",
		WorkOrderID:         workOrderID,
		OriginalInstruction: "fix it",
		MaxRetries:          3,
		State:               schema.LoopStateOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestMemoryStore_RegisterAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))

	got, err := s.GetLoop(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)

	byKey, err := s.GetActiveByKey(ctx, "run-1", "build", "t1")
	require.NoError(t, err)
	assert.Equal(t, "l1", byKey.LoopID)
}

func TestMemoryStore_OneActiveLoopPerKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))

	err := s.RegisterLoop(ctx, loop("l2", "run-1", "build", "t1"))
	require.Error(t, err)
	assert.True(t, schema.IsConflict(err))

	// Different work order under the same stage is fine.
	require.NoError(t, s.RegisterLoop(ctx, loop("l3", "run-1", "build", "t2")))

	// After resolving, the key is free again.
	require.NoError(t, s.ResolveLoop(ctx, "l1", schema.LoopStateClosedFailed))
	require.NoError(t, s.RegisterLoop(ctx, loop("l4", "run-1", "build", "t1")))
}

func TestMemoryStore_UpdateRejectsRetryCountDecrease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l := loop("l1", "run-1", "build", "t1")
	l.RetryCount = 2
	require.NoError(t, s.RegisterLoop(ctx, l))

	l.RetryCount = 1
	err := s.UpdateLoop(ctx, l)
	require.Error(t, err)
	assert.True(t, schema.IsConflict(err))

	l.RetryCount = 3
	require.NoError(t, s.UpdateLoop(ctx, l))
}

func TestMemoryStore_UpdateUnknownLoop(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateLoop(context.Background(), loop("ghost", "r", "s", "t"))
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestMemoryStore_ResolveIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))
	require.NoError(t, s.ResolveLoop(ctx, "l1", schema.LoopStateClosedSuccess))

	// Second resolve is a no-op, not an error.
	require.NoError(t, s.ResolveLoop(ctx, "l1", schema.LoopStateClosedSuccess))

	// Resolving a loop that never existed is still not found.
	err := s.ResolveLoop(ctx, "ghost", schema.LoopStateClosedSuccess)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))

	got, err := s.GetLoop(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, schema.LoopStateClosedSuccess, got.State)

	history, err := s.ListHistory(ctx, LoopFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemoryStore_ListActiveFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RegisterLoop(ctx, loop("l1", "run-1", "build", "t1")))
	require.NoError(t, s.RegisterLoop(ctx, loop("l2", "run-1", "verify", "t1")))
	require.NoError(t, s.RegisterLoop(ctx, loop("l3", "run-2", "build", "t1")))

	all, err := s.ListActive(ctx, LoopFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byRun, err := s.ListActive(ctx, LoopFilter{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	byStage, err := s.ListActive(ctx, LoopFilter{RunID: "run-1", Stage: "verify"})
	require.NoError(t, err)
	require.Len(t, byStage, 1)
	assert.Equal(t, "l2", byStage[0].LoopID)
}

func TestMemoryStore_CleanupStale(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stale := loop("l1", "run-1", "build", "t1")
	stale.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.RegisterLoop(ctx, stale))
	require.NoError(t, s.RegisterLoop(ctx, loop("l2", "run-1", "build", "t2")))

	removed, err := s.CleanupStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetActiveByKey(ctx, "run-1", "build", "t1")
	assert.True(t, schema.IsNotFound(err))

	// Archived as failed, not dropped.
	archived, err := s.GetLoop(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, schema.LoopStateClosedFailed, archived.State)

	// Fresh loop untouched.
	_, err = s.GetActiveByKey(ctx, "run-1", "build", "t2")
	assert.NoError(t, err)
}

func TestMemoryStore_EventsAreOrderedAndFiltered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-1", Type: schema.EventStageStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-2", Type: schema.EventStageStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run-1", Type: schema.EventStageCompleted}))

	events, err := s.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStageStarted, events[0].Type)
	assert.Equal(t, schema.EventStageCompleted, events[1].Type)
	assert.Less(t, events[0].ID, events[1].ID)

	since, err := s.GetEvents(ctx, "run-1", events[0].ID)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, schema.EventStageCompleted, since[0].Type)
}

func TestMemoryStore_LoadRebuildsState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	active := []*schema.FeedbackContext{loop("l1", "run-1", "build", "t1")}
	closed := loop("l2", "run-1", "build", "t2")
	closed.State = schema.LoopStateClosedSuccess

	s.Load(active, []*schema.FeedbackContext{closed})

	got, err := s.GetActiveByKey(ctx, "run-1", "build", "t1")
	require.NoError(t, err)
	assert.Equal(t, "l1", got.LoopID)

	history, err := s.ListHistory(ctx, LoopFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Duplicate key registration still enforced after reload.
	err = s.RegisterLoop(ctx, loop("l9", "run-1", "build", "t1"))
	assert.True(t, schema.IsConflict(err))
}
