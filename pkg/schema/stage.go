package schema

import "encoding/json"

// StageStatus represents the lifecycle state of a pipeline stage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSuspended StageStatus = "suspended"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// ValidStageTransitions defines the allowed state transitions for stages.
// SUSPENDED is entered while a redirected feedback loop against another
// stage is pending resolution.
var ValidStageTransitions = map[StageStatus][]StageStatus{
	StageStatusPending:   {StageStatusRunning, StageStatusFailed},
	StageStatusRunning:   {StageStatusCompleted, StageStatusFailed, StageStatusSuspended},
	StageStatusSuspended: {StageStatusRunning, StageStatusFailed},
	StageStatusCompleted: {},
	StageStatusFailed:    {},
}

// StageDefinition describes one named phase of the outer pipeline.
type StageDefinition struct {
	Name       string         `json:"name"`
	DependsOn  []string       `json:"depends_on,omitempty"` // stage names that must be COMPLETED first
	ExecutorID string         `json:"executor_id"`
	Mode       DispatchMode   `json:"mode,omitempty"` // default: parallel
	Orders     []*WorkOrder   `json:"orders"`
	Strategy   *RetryStrategy `json:"strategy,omitempty"`
	// Verification marks stages that check artifacts produced elsewhere.
	// Failures in verification stages are candidates for cross-stage routing.
	Verification bool `json:"verification,omitempty"`
	// Produces names the stage whose artifact this verification stage checks.
	Produces string `json:"verifies_stage,omitempty"`
}

// StageResult aggregates one stage attempt.
type StageResult struct {
	Stage      string          `json:"stage"`
	Status     StageStatus     `json:"status"`
	Run        *PipelineRun    `json:"run,omitempty"`
	Validation json.RawMessage `json:"validation,omitempty"`
	LoopIDs    []string        `json:"loop_ids,omitempty"`
	RetryCount int             `json:"retry_count"`
	// Terminal is true for FAILED-with-no-recourse; a failed stage with
	// unresolved loops still has a pending redirected resolution.
	Terminal    bool     `json:"terminal,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

// RunResult is the top-level outcome of an orchestrated pipeline.
type RunResult struct {
	RunID      string                  `json:"run_id"`
	Status     RunStatus               `json:"status"`
	Stages     map[string]*StageResult `json:"stages"`
	Order      []string                `json:"order"` // stage execution order
	Manual     bool                    `json:"requires_manual_intervention,omitempty"`
	Unresolved []string                `json:"unresolved_remediation,omitempty"`
}

// Event type constants for the orchestration event log.
const (
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventStageSuspended = "stage_suspended"
	EventStageResumed   = "stage_resumed"

	EventLoopOpened     = "loop_opened"
	EventLoopRetried    = "loop_retried"
	EventLoopEscalated  = "loop_escalated"
	EventLoopRedirected = "loop_redirected"
	EventLoopClosed     = "loop_closed"
	EventLoopAborted    = "loop_aborted"

	EventBatchAssembled = "batch_assembled"
	EventCleanupRun     = "cleanup_run"
)
