package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/foreman/pkg/schema"
)

// Event is an immutable entry in the orchestration event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Stage     string          `json:"stage,omitempty"`
	LoopID    string          `json:"loop_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LoopFilter specifies criteria for listing feedback loops.
type LoopFilter struct {
	RunID string `json:"run_id,omitempty"`
	Stage string `json:"stage,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Store defines the persistence contract for feedback loops and events.
// The active-loop table and the append-only history are disjoint: a loop id
// appears in history only after being removed from the active set.
// All implementations must be safe for concurrent use.
type Store interface {
	// Active feedback loops
	RegisterLoop(ctx context.Context, loop *schema.FeedbackContext) error
	GetLoop(ctx context.Context, loopID string) (*schema.FeedbackContext, error)
	GetActiveByKey(ctx context.Context, runID, stage, workOrderID string) (*schema.FeedbackContext, error)
	UpdateLoop(ctx context.Context, loop *schema.FeedbackContext) error
	ListActive(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error)

	// ResolveLoop closes a loop (success or abort), removes it from the
	// active set and archives an immutable copy. Resolving an already
	// resolved loop is a no-op.
	ResolveLoop(ctx context.Context, loopID string, state schema.LoopState) error
	ListHistory(ctx context.Context, filter LoopFilter) ([]*schema.FeedbackContext, error)

	// CleanupStale removes active loops older than the given age and
	// archives them as failed. Returns the removed count.
	CleanupStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// EventAppender is the subset of Store used by components that only emit
// events (FSMs, the scheduler).
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}
