package schema

import (
	"encoding/json"
	"time"
)

// LoopState represents the lifecycle state of a feedback loop.
type LoopState string

const (
	LoopStateOpen          LoopState = "open"
	LoopStateClosedSuccess LoopState = "closed_success"
	LoopStateClosedFailed  LoopState = "closed_failed"
)

// FeedbackContext tracks one unresolved validation failure and its
// remediation attempts. Exactly one active context may exist per
// (run_id, stage, work_order_id); closing it archives an immutable copy.
type FeedbackContext struct {
	LoopID              string          `json:"loop_id"`
	RunID               string          `json:"run_id"`
	Stage               string          `json:"stage"`
	ExecutorID          string          `json:"executor_id"`
	WorkOrderID         string          `json:"work_order_id"`
	OriginalInstruction string          `json:"original_instruction"`
	LastValidation      json.RawMessage `json:"last_validation,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	Escalated           bool            `json:"escalated"`
	State               LoopState       `json:"state"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Key returns the uniqueness key for the active-loop table.
func (c *FeedbackContext) Key() string {
	return c.RunID + "/" + c.Stage + "/" + c.WorkOrderID
}

// Age returns the elapsed time since the loop was opened.
func (c *FeedbackContext) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// RetryStrategy is the per-stage retry and escalation configuration.
type RetryStrategy struct {
	MaxAttempts         int               `json:"max_attempts"`
	BackoffFactor       float64           `json:"backoff_factor,omitempty"`
	TimeoutMultiplier   float64           `json:"timeout_multiplier,omitempty"`
	EscalationThreshold int               `json:"escalation_threshold"`
	AbortConditions     []string          `json:"abort_conditions,omitempty"`  // failure-reason keywords forcing abort
	RemediationHints    map[string]string `json:"remediation_hints,omitempty"` // failure-type keyword -> guidance
	Specialists         map[string]string `json:"specialists,omitempty"`       // failure keyword -> specialist executor
	DefaultEscalation   string            `json:"default_escalation,omitempty"`
	// ClassifierRules optionally extends the built-in keyword classifier
	// with ordered expression predicates (cel:, expr: or jq: prefixed).
	ClassifierRules []ClassifierRule `json:"classifier_rules,omitempty"`
}

// ClassifierRule is one ordered entry of the pluggable failure classifier:
// when the predicate matches the failure payload, the classification applies.
type ClassifierRule struct {
	Predicate      string `json:"predicate"`      // "<engine>:<expression>", e.g. "cel:..." or "jq:..."
	Classification string `json:"classification"` // artifact_defect | verifier_defect
}

// DefaultRetryStrategy returns the stage strategy used when none is configured.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		MaxAttempts:         3,
		BackoffFactor:       2.0,
		TimeoutMultiplier:   1.5,
		EscalationThreshold: 2,
	}
}

// DecisionAction enumerates the possible outcomes of a feedback decision.
type DecisionAction string

const (
	ActionRetry    DecisionAction = "retry"
	ActionEscalate DecisionAction = "escalate"
	ActionAbort    DecisionAction = "abort"
	ActionContinue DecisionAction = "continue"
	ActionRollback DecisionAction = "rollback"
	ActionRedirect DecisionAction = "redirect"
)

// Decision is the sealed sum type returned by the feedback engine. Each
// variant carries only the fields relevant to its action, so invalid
// combinations (an abort with a target executor) cannot be constructed.
type Decision interface {
	Action() DecisionAction
	DecisionConfidence() float64
	DecisionReasoning() string
	sealedDecision()
}

// RetryDecision re-opens the loop under the same executor with a refreshed,
// augmented instruction.
type RetryDecision struct {
	TargetExecutor         string        `json:"target_executor"`
	AugmentedInstruction   string        `json:"augmented_instruction"`
	ValidationRequirements []string      `json:"validation_requirements,omitempty"`
	SuccessCriteria        []string      `json:"success_criteria,omitempty"`
	Confidence             float64       `json:"confidence"`
	EstimatedRemediation   time.Duration `json:"estimated_remediation"`
	Reasoning              string        `json:"reasoning"`
}

// EscalateDecision rebinds the loop to a different, presumably more capable,
// executor. Target is always different from the loop's current executor.
type EscalateDecision struct {
	TargetExecutor       string        `json:"target_executor"`
	AugmentedInstruction string        `json:"augmented_instruction"`
	FailureHistory       []string      `json:"failure_history,omitempty"`
	SuccessCriteria      []string      `json:"success_criteria,omitempty"`
	Confidence           float64       `json:"confidence"`
	EstimatedRemediation time.Duration `json:"estimated_remediation"`
	Reasoning            string        `json:"reasoning"`
}

// AbortDecision closes the loop as failed. Remediation carries the manual
// intervention text bundled into the run result.
type AbortDecision struct {
	Remediation string  `json:"remediation"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// ContinueDecision acknowledges a successful validation; the loop closes.
type ContinueDecision struct {
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// RollbackDecision requests undoing the stage's artifact before retrying.
type RollbackDecision struct {
	Checkpoint string  `json:"checkpoint,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// RedirectDecision routes a verification failure back to the stage and
// executor that produced the defective artifact, carrying the verification
// failure as context.
type RedirectDecision struct {
	TargetStage          string        `json:"target_stage"`
	TargetExecutor       string        `json:"target_executor"`
	CarriedFailure       string        `json:"carried_failure"`
	AugmentedInstruction string        `json:"augmented_instruction"`
	Confidence           float64       `json:"confidence"`
	EstimatedRemediation time.Duration `json:"estimated_remediation"`
	Reasoning            string        `json:"reasoning"`
}

func (RetryDecision) Action() DecisionAction    { return ActionRetry }
func (EscalateDecision) Action() DecisionAction { return ActionEscalate }
func (AbortDecision) Action() DecisionAction    { return ActionAbort }
func (ContinueDecision) Action() DecisionAction { return ActionContinue }
func (RollbackDecision) Action() DecisionAction { return ActionRollback }
func (RedirectDecision) Action() DecisionAction { return ActionRedirect }

func (d RetryDecision) DecisionConfidence() float64    { return d.Confidence }
func (d EscalateDecision) DecisionConfidence() float64 { return d.Confidence }
func (d AbortDecision) DecisionConfidence() float64    { return d.Confidence }
func (d ContinueDecision) DecisionConfidence() float64 { return d.Confidence }
func (d RollbackDecision) DecisionConfidence() float64 { return d.Confidence }
func (d RedirectDecision) DecisionConfidence() float64 { return d.Confidence }

func (d RetryDecision) DecisionReasoning() string    { return d.Reasoning }
func (d EscalateDecision) DecisionReasoning() string { return d.Reasoning }
func (d AbortDecision) DecisionReasoning() string    { return d.Reasoning }
func (d ContinueDecision) DecisionReasoning() string { return d.Reasoning }
func (d RollbackDecision) DecisionReasoning() string { return d.Reasoning }
func (d RedirectDecision) DecisionReasoning() string { return d.Reasoning }

func (RetryDecision) sealedDecision()    {}
func (EscalateDecision) sealedDecision() {}
func (AbortDecision) sealedDecision()    {}
func (ContinueDecision) sealedDecision() {}
func (RollbackDecision) sealedDecision() {}
func (RedirectDecision) sealedDecision() {}
