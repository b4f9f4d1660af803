package orchestrator

import (
	"context"
	"sync"

	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/pkg/schema"
)

// TransitionHook is called before or after a stage transition.
type TransitionHook func(from, to string) error

type stageHookKey struct {
	from, to schema.StageStatus
}

// StageFSM manages stage lifecycle state transitions and emits the
// corresponding event on each one. The caller is responsible for persisting
// stage results.
type StageFSM struct {
	mu       sync.Mutex
	appender state.EventAppender
	before   map[stageHookKey][]TransitionHook
	after    map[stageHookKey][]TransitionHook
}

// NewStageFSM creates a StageFSM that emits events via the given appender.
func NewStageFSM(appender state.EventAppender) *StageFSM {
	return &StageFSM{
		appender: appender,
		before:   make(map[stageHookKey][]TransitionHook),
		after:    make(map[stageHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a stage transition.
func (f *StageFSM) OnBefore(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a stage transition.
func (f *StageFSM) OnAfter(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a stage state transition, emitting the
// corresponding event.
func (f *StageFSM) Transition(ctx context.Context, runID, stage string, from, to schema.StageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStageTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid stage transition: %s -> %s", from, to).
			WithStage(stage).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := stageHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stageEventType(from, to); eventType != "" && f.appender != nil {
		event := &state.Event{
			RunID: runID,
			Stage: stage,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit stage event: %s", err.Error()).
				WithStage(stage).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStageTransition(from, to schema.StageStatus) bool {
	allowed, ok := schema.ValidStageTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stageEventType(from, to schema.StageStatus) string {
	switch to {
	case schema.StageStatusRunning:
		if from == schema.StageStatusSuspended {
			return schema.EventStageResumed
		}
		return schema.EventStageStarted
	case schema.StageStatusCompleted:
		return schema.EventStageCompleted
	case schema.StageStatusFailed:
		return schema.EventStageFailed
	case schema.StageStatusSuspended:
		return schema.EventStageSuspended
	default:
		return ""
	}
}
