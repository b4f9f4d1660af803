package schema

import (
	"time"
)

// WorkOrderStatus represents the lifecycle state of a work order.
// Transitions are monotonically forward; a terminal status never changes.
type WorkOrderStatus string

const (
	WorkOrderStatusPending    WorkOrderStatus = "pending"
	WorkOrderStatusDispatched WorkOrderStatus = "dispatched"
	WorkOrderStatusCompleted  WorkOrderStatus = "completed"
	WorkOrderStatusFailed     WorkOrderStatus = "failed"
	WorkOrderStatusCancelled  WorkOrderStatus = "cancelled"
)

// ValidWorkOrderTransitions defines the allowed forward transitions for work orders.
var ValidWorkOrderTransitions = map[WorkOrderStatus][]WorkOrderStatus{
	WorkOrderStatusPending:    {WorkOrderStatusDispatched, WorkOrderStatusCancelled},
	WorkOrderStatusDispatched: {WorkOrderStatusCompleted, WorkOrderStatusFailed, WorkOrderStatusCancelled},
	WorkOrderStatusCompleted:  {},
	WorkOrderStatusFailed:     {},
	WorkOrderStatusCancelled:  {},
}

// CanTransitionWorkOrder reports whether from -> to is a legal work order transition.
func CanTransitionWorkOrder(from, to WorkOrderStatus) bool {
	for _, a := range ValidWorkOrderTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// WorkOrder is a unit of requested work handed to an external executor.
// The description and instruction text are opaque to foreman; it never
// interprets executor-specific syntax.
type WorkOrder struct {
	TaskID          string          `json:"task_id"`
	ExecutorID      string          `json:"executor_id"`
	Description     string          `json:"description"`
	InstructionText string          `json:"instruction_text,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"` // task IDs, order-irrelevant
	Timeout         time.Duration   `json:"timeout,omitempty"`
	Critical        bool            `json:"critical,omitempty"`
	Status          WorkOrderStatus `json:"status"`
	Result          string          `json:"result,omitempty"` // opaque executor-reported result
	Error           string          `json:"error,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Transition moves the work order to a new status, stamping timestamps.
// Returns an INVALID_TRANSITION error when the move is backward or illegal.
func (w *WorkOrder) Transition(to WorkOrderStatus) error {
	if !CanTransitionWorkOrder(w.Status, to) {
		return NewErrorf(ErrCodeInvalidTransition,
			"work order %s: invalid transition %s -> %s", w.TaskID, w.Status, to)
	}
	now := time.Now().UTC()
	switch to {
	case WorkOrderStatusDispatched:
		w.StartedAt = &now
	case WorkOrderStatusCompleted, WorkOrderStatusFailed, WorkOrderStatusCancelled:
		w.CompletedAt = &now
	}
	w.Status = to
	return nil
}

// IsTerminal reports whether the work order reached a terminal status.
func (w *WorkOrder) IsTerminal() bool {
	return w.Status == WorkOrderStatusCompleted ||
		w.Status == WorkOrderStatusFailed ||
		w.Status == WorkOrderStatusCancelled
}

// DispatchMode selects how a set of work orders is dispatched.
type DispatchMode string

const (
	DispatchModeParallel   DispatchMode = "parallel"
	DispatchModeSequential DispatchMode = "sequential"
	DispatchModeGraph      DispatchMode = "dependency_graph"
)

// RunStatus represents the aggregate state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// PipelineRun is one execution of a work order set under a dispatch mode.
// Owned exclusively by the scheduler invocation that created it; immutable
// once dispatch completes.
type PipelineRun struct {
	RunID        string            `json:"run_id"`
	Mode         DispatchMode      `json:"mode"`
	Orders       []*WorkOrder      `json:"orders"`
	Status       RunStatus         `json:"status"`
	Batch        *InstructionBatch `json:"batch,omitempty"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	Elapsed      time.Duration     `json:"elapsed"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Finish stamps the run with its aggregate outcome. A run with zero orders
// is vacuously successful.
func (r *PipelineRun) Finish() {
	now := time.Now().UTC()
	r.CompletedAt = &now
	r.Elapsed = now.Sub(r.StartedAt)
	if r.FailureCount > 0 {
		r.Status = RunStatusFailed
		return
	}
	r.Status = RunStatusCompleted
}
