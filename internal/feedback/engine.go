package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/foreman/internal/logging"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/pkg/schema"
)

const (
	// DefaultAbortCeiling caps a loop's total age regardless of retry_count,
	// so slow-failing loops cannot linger below max_attempts forever.
	DefaultAbortCeiling = time.Hour

	// escalationConfidence is deliberately conservative: handing work to a
	// different executor carries inherent uncertainty.
	escalationConfidence = 0.7

	baseRemediationTime = 10 * time.Minute
)

// DecisionRequest carries everything the engine needs to decide on one
// failed validation.
type DecisionRequest struct {
	Loop       *schema.FeedbackContext
	Strategy   *schema.RetryStrategy
	Validation *schema.ValidationResult

	// Stage is the failing stage's definition. When it is a verification
	// stage, ProducerStage/ProducerExecutor name where an artifact defect
	// should be routed.
	Stage            *schema.StageDefinition
	ProducerStage    string
	ProducerExecutor string
}

// Engine is the feedback decision engine: given a failed validation it
// decides retry, escalate, abort or redirect, and builds the remediation
// instruction. It holds an injected Store and explicit strategy
// configuration; there is no global state.
type Engine struct {
	store      state.Store
	classifier *Classifier
	logger     *slog.Logger

	abortCeiling time.Duration
	now          func() time.Time
}

// NewEngine creates a feedback engine. abortCeiling <= 0 falls back to
// DefaultAbortCeiling.
func NewEngine(store state.Store, classifier *Classifier, logger *slog.Logger, abortCeiling time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if abortCeiling <= 0 {
		abortCeiling = DefaultAbortCeiling
	}
	return &Engine{
		store:        store,
		classifier:   classifier,
		logger:       logger,
		abortCeiling: abortCeiling,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// OpenLoop registers a new feedback loop for a failed work order. At most
// one active loop may exist per (run, stage, work order); opening a second
// one is a conflict.
func (e *Engine) OpenLoop(ctx context.Context, runID, stage, executorID, workOrderID, instruction string, strategy *schema.RetryStrategy) (*schema.FeedbackContext, error) {
	if strategy == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "missing retry strategy").WithStage(stage)
	}

	now := e.now()
	loop := &schema.FeedbackContext{
		LoopID:              uuid.NewString(),
		RunID:               runID,
		Stage:               stage,
		ExecutorID:          executorID,
		WorkOrderID:         workOrderID,
		OriginalInstruction: instruction,
		MaxRetries:          strategy.MaxAttempts,
		State:               schema.LoopStateOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.store.RegisterLoop(ctx, loop); err != nil {
		return nil, err
	}

	e.appendEvent(ctx, loop, schema.EventLoopOpened, map[string]any{
		"executor_id":   executorID,
		"work_order_id": workOrderID,
	})
	return loop, nil
}

// Decide evaluates a failed validation in the fixed order: severity
// classification, abort check, cross-stage routing, escalation check, retry
// default. A successful validation yields a continue decision.
func (e *Engine) Decide(ctx context.Context, req DecisionRequest) (schema.Decision, error) {
	loop, strategy := req.Loop, req.Strategy
	if loop == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decision request has no loop")
	}
	if strategy == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "missing retry strategy").WithStage(loop.Stage)
	}
	if req.Validation == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decision request has no validation result")
	}

	ctx = logging.WithLoopID(logging.WithRunID(ctx, loop.RunID), loop.LoopID)

	if req.Validation.Success {
		return schema.ContinueDecision{
			Confidence: 1.0,
			Reasoning:  "validation succeeded, loop closes",
		}, nil
	}

	failure := req.Validation.FirstFailure()
	reason := failureReason(loop, failure)
	severity := ClassifySeverity(reason, string(loop.LastValidation))

	// Abort check: attempts exhausted, abort-condition keyword, or age ceiling.
	if abort, why := e.shouldAbort(loop, strategy, reason); abort {
		return schema.AbortDecision{
			Remediation: e.buildRemediation(loop, strategy, failure, severity),
			Confidence:  0.9,
			Reasoning:   why,
		}, nil
	}

	// Cross-stage routing: a verification stage reporting an artifact defect
	// must not retry the verifier; blame is routed to the producing stage.
	if req.Stage != nil && req.Stage.Verification {
		class, matchedRule := e.classifier.Classify(ctx, loop, failure, req.Validation, strategy.ClassifierRules)
		if class == ClassArtifactDefect && req.ProducerStage != "" {
			e.logger.InfoContext(ctx, "verification failure classified as artifact defect",
				slog.String("rule", matchedRule),
				slog.String("producer_stage", req.ProducerStage))
			return schema.RedirectDecision{
				TargetStage:          req.ProducerStage,
				TargetExecutor:       req.ProducerExecutor,
				CarriedFailure:       reason,
				AugmentedInstruction: e.buildRedirectInstruction(loop, failure, req.ProducerStage),
				Confidence:           0.8,
				EstimatedRemediation: 2 * baseRemediationTime,
				Reasoning: fmt.Sprintf(
					"verification failure matched %s: the defect is in the artifact produced by stage %s, not in the verification process",
					matchedRule, req.ProducerStage),
			}, nil
		}
	}

	// Escalation check. As in the abort check, the incoming failure counts
	// as an attempt, so threshold 2 escalates on the second failure.
	if loop.RetryCount+1 >= strategy.EscalationThreshold {
		return e.decideEscalation(ctx, loop, strategy, failure, severity)
	}

	// Retry (default).
	confidence := 0.9 - 0.2*float64(loop.RetryCount)
	if confidence < 0.3 {
		confidence = 0.3
	}
	return schema.RetryDecision{
		TargetExecutor:       loop.ExecutorID,
		AugmentedInstruction: e.buildRetryInstruction(loop, strategy, failure, severity),
		ValidationRequirements: []string{
			"re-run the stage validation after applying the fix",
			"report the validation result with structured failure records",
		},
		SuccessCriteria:      successCriteria(loop.Stage, req.Validation),
		Confidence:           confidence,
		EstimatedRemediation: remediationEstimate(strategy, loop.RetryCount),
		Reasoning: fmt.Sprintf("attempt %d of %d for stage %s, retrying with the same executor",
			loop.RetryCount+1, strategy.MaxAttempts, loop.Stage),
	}, nil
}

// decideEscalation picks a different executor for a persistently failing
// loop. A loop that has already escalated once is forced to abort, as is a
// loop with no distinct escalation target.
func (e *Engine) decideEscalation(ctx context.Context, loop *schema.FeedbackContext, strategy *schema.RetryStrategy, failure *schema.FailureRecord, severity Severity) (schema.Decision, error) {
	if loop.Escalated {
		return schema.AbortDecision{
			Remediation: e.buildRemediation(loop, strategy, failure, severity),
			Confidence:  0.9,
			Reasoning:   "loop already escalated once; a second escalation is disallowed",
		}, nil
	}

	target := e.pickEscalationTarget(loop, strategy, failure)
	if target == "" || target == loop.ExecutorID {
		return schema.AbortDecision{
			Remediation: e.buildRemediation(loop, strategy, failure, severity),
			Confidence:  0.9,
			Reasoning:   "no escalation target distinct from the current executor is configured",
		}, nil
	}

	history := e.failureHistory(ctx, loop)
	return schema.EscalateDecision{
		TargetExecutor:       target,
		AugmentedInstruction: e.buildEscalationInstruction(loop, failure, history),
		FailureHistory:       history,
		SuccessCriteria:      successCriteria(loop.Stage, nil),
		Confidence:           escalationConfidence,
		EstimatedRemediation: 3 * baseRemediationTime,
		Reasoning: fmt.Sprintf("attempt %d reached escalation threshold %d; reassigning from %s to %s",
			loop.RetryCount+1, strategy.EscalationThreshold, loop.ExecutorID, target),
	}, nil
}

// ApplyDecision mutates loop state according to the decision and emits the
// corresponding event. For redirect decisions it closes the verifier's loop
// and opens the redirected loop, which is returned; all other decisions
// return nil.
func (e *Engine) ApplyDecision(ctx context.Context, loop *schema.FeedbackContext, decision schema.Decision, validation *schema.ValidationResult) (*schema.FeedbackContext, error) {
	ctx = logging.WithLoopID(logging.WithRunID(ctx, loop.RunID), loop.LoopID)

	switch d := decision.(type) {
	case schema.ContinueDecision:
		return nil, e.ResolveSuccess(ctx, loop.LoopID)

	case schema.RetryDecision:
		loop.RetryCount++
		e.recordFailure(loop, validation)
		if err := e.store.UpdateLoop(ctx, loop); err != nil {
			return nil, err
		}
		e.appendEvent(ctx, loop, schema.EventLoopRetried, map[string]any{
			"retry_count":    loop.RetryCount,
			"failure_reason": loop.FailureReason,
			"confidence":     d.Confidence,
		})
		return nil, nil

	case schema.EscalateDecision:
		previous := loop.ExecutorID
		loop.RetryCount++
		loop.ExecutorID = d.TargetExecutor
		loop.Escalated = true
		e.recordFailure(loop, validation)
		if err := e.store.UpdateLoop(ctx, loop); err != nil {
			return nil, err
		}
		e.appendEvent(ctx, loop, schema.EventLoopEscalated, map[string]any{
			"from_executor":  previous,
			"to_executor":    d.TargetExecutor,
			"failure_reason": loop.FailureReason,
		})
		return nil, nil

	case schema.AbortDecision:
		if err := e.store.ResolveLoop(ctx, loop.LoopID, schema.LoopStateClosedFailed); err != nil {
			return nil, err
		}
		e.appendEvent(ctx, loop, schema.EventLoopAborted, map[string]any{
			"reasoning":   d.Reasoning,
			"remediation": d.Remediation,
		})
		return nil, nil

	case schema.RedirectDecision:
		// The verifier's loop closes; the failure is now tracked by the
		// redirected loop against the producing stage.
		if err := e.store.ResolveLoop(ctx, loop.LoopID, schema.LoopStateClosedFailed); err != nil {
			return nil, err
		}
		e.appendEvent(ctx, loop, schema.EventLoopRedirected, map[string]any{
			"target_stage":    d.TargetStage,
			"target_executor": d.TargetExecutor,
		})

		strategy := schema.DefaultRetryStrategy()
		redirected, err := e.OpenLoop(ctx, loop.RunID, d.TargetStage, d.TargetExecutor,
			loop.WorkOrderID, d.AugmentedInstruction, strategy)
		if err != nil {
			return nil, err
		}
		redirected.FailureReason = d.CarriedFailure
		redirected.LastValidation = loop.LastValidation
		if err := e.store.UpdateLoop(ctx, redirected); err != nil {
			return nil, err
		}
		return redirected, nil

	case schema.RollbackDecision:
		e.appendEvent(ctx, loop, schema.EventLoopRetried, map[string]any{
			"rollback":   true,
			"checkpoint": d.Checkpoint,
		})
		return nil, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown decision action: %s", decision.Action())
	}
}

// ResolveSuccess closes a loop after a successful validation. Resolving an
// already resolved loop is a no-op.
func (e *Engine) ResolveSuccess(ctx context.Context, loopID string) error {
	if err := e.store.ResolveLoop(ctx, loopID, schema.LoopStateClosedSuccess); err != nil {
		return err
	}
	_ = e.store.AppendEvent(ctx, &state.Event{
		RunID:  logging.RunID(ctx),
		LoopID: loopID,
		Type:   schema.EventLoopClosed,
	})
	return nil
}

// --- decision internals ---

func (e *Engine) shouldAbort(loop *schema.FeedbackContext, strategy *schema.RetryStrategy, reason string) (bool, string) {
	// The incoming failure counts as an attempt: a loop retried N times is
	// failing its (N+1)th attempt right now.
	if attempt := loop.RetryCount + 1; attempt >= strategy.MaxAttempts {
		return true, fmt.Sprintf("attempt %d reached max_attempts %d", attempt, strategy.MaxAttempts)
	}

	lowered := strings.ToLower(reason)
	for _, cond := range strategy.AbortConditions {
		if cond != "" && strings.Contains(lowered, strings.ToLower(cond)) {
			return true, fmt.Sprintf("failure matched abort condition %q", cond)
		}
	}

	if age := loop.Age(e.now()); age > e.abortCeiling {
		return true, fmt.Sprintf("loop age %s exceeded ceiling %s", age.Round(time.Second), e.abortCeiling)
	}
	return false, ""
}

func (e *Engine) pickEscalationTarget(loop *schema.FeedbackContext, strategy *schema.RetryStrategy, failure *schema.FailureRecord) string {
	reason := strings.ToLower(failureReason(loop, failure))
	keywords := make([]string, 0, len(strategy.Specialists))
	for keyword := range strategy.Specialists {
		keywords = append(keywords, keyword)
	}
	// Sorted so the chosen specialist is stable when several keywords match.
	sort.Strings(keywords)
	for _, keyword := range keywords {
		specialist := strategy.Specialists[keyword]
		if strings.Contains(reason, strings.ToLower(keyword)) && specialist != loop.ExecutorID {
			return specialist
		}
	}
	return strategy.DefaultEscalation
}

// failureHistory reconstructs every prior failure of the loop from the
// event log, oldest first.
func (e *Engine) failureHistory(ctx context.Context, loop *schema.FeedbackContext) []string {
	events, err := e.store.GetEvents(ctx, loop.RunID, 0)
	if err != nil {
		e.logger.WarnContext(ctx, "could not load failure history",
			slog.String("error", err.Error()))
		return []string{loop.FailureReason}
	}

	var history []string
	for _, ev := range events {
		if ev.LoopID != loop.LoopID {
			continue
		}
		if ev.Type != schema.EventLoopRetried && ev.Type != schema.EventLoopEscalated {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if reason, ok := payload["failure_reason"].(string); ok && reason != "" {
			history = append(history, reason)
		}
	}
	if loop.FailureReason != "" {
		history = append(history, loop.FailureReason)
	}
	return history
}

func (e *Engine) recordFailure(loop *schema.FeedbackContext, validation *schema.ValidationResult) {
	if validation == nil {
		return
	}
	if raw, err := json.Marshal(validation); err == nil {
		loop.LastValidation = raw
	}
	if failure := validation.FirstFailure(); failure != nil {
		loop.FailureReason = failureReason(loop, failure)
	}
}

// buildRetryInstruction assembles original instruction + structured failure
// summary + remediation hints + explicit success criteria.
func (e *Engine) buildRetryInstruction(loop *schema.FeedbackContext, strategy *schema.RetryStrategy, failure *schema.FailureRecord, severity Severity) string {
	var sb strings.Builder
	sb.WriteString(loop.OriginalInstruction)
	sb.WriteString("\n\n--- Remediation (attempt ")
	fmt.Fprintf(&sb, "%d) ---\n", loop.RetryCount+1)
	sb.WriteString(severityGuidance(severity))
	sb.WriteString("\n")
	writeFailureSummary(&sb, failure)

	for _, hint := range matchHints(strategy, loop, failure) {
		fmt.Fprintf(&sb, "Hint: %s\n", hint)
	}
	if failure != nil && strategy.TimeoutMultiplier > 1 &&
		strings.Contains(strings.ToLower(failure.Type+" "+failure.Message), "timeout") {
		fmt.Fprintf(&sb, "Hint: increase the operation timeout by a factor of %.1f before retrying.\n",
			strategy.TimeoutMultiplier)
	}

	sb.WriteString("\nSuccess criteria:\n")
	for _, c := range successCriteria(loop.Stage, nil) {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	return sb.String()
}

// remediationEstimate grows the base estimate with each retry. The strategy's
// backoff factor sets the growth curve; an unset or flat factor grows linearly.
func remediationEstimate(strategy *schema.RetryStrategy, retryCount int) time.Duration {
	if strategy.BackoffFactor > 1 {
		return time.Duration(float64(baseRemediationTime) * math.Pow(strategy.BackoffFactor, float64(retryCount)))
	}
	return baseRemediationTime * time.Duration(retryCount+1)
}

// buildEscalationInstruction embeds the full prior-failure history and the
// do-not-patch-the-symptom guidance for the new executor.
func (e *Engine) buildEscalationInstruction(loop *schema.FeedbackContext, failure *schema.FailureRecord, history []string) string {
	var sb strings.Builder
	sb.WriteString(loop.OriginalInstruction)
	sb.WriteString("\n\n--- Escalation ---\n")
	fmt.Fprintf(&sb, "A previous executor attempted this task %d time(s) without success.\n", loop.RetryCount)
	sb.WriteString("Prior failures, oldest first:\n")
	for i, h := range history {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, h)
	}
	writeFailureSummary(&sb, failure)
	sb.WriteString("\nDo not merely patch the symptom: identify why the previous attempts failed and address the root cause.\n")
	return sb.String()
}

func (e *Engine) buildRedirectInstruction(loop *schema.FeedbackContext, failure *schema.FailureRecord, producerStage string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Verification of the artifact produced by stage %s failed.\n", producerStage)
	sb.WriteString("The defect is in the artifact, not in the verification process.\n")
	writeFailureSummary(&sb, failure)
	sb.WriteString("\nFix the artifact so the verification below passes unchanged.\n")
	if loop.OriginalInstruction != "" {
		fmt.Fprintf(&sb, "\nVerification instruction for reference:\n%s\n", loop.OriginalInstruction)
	}
	return sb.String()
}

// buildRemediation is the manual-intervention text bundled with an abort.
func (e *Engine) buildRemediation(loop *schema.FeedbackContext, strategy *schema.RetryStrategy, failure *schema.FailureRecord, severity Severity) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stage %s requires manual intervention after %d attempt(s).\n", loop.Stage, loop.RetryCount)
	sb.WriteString(severityGuidance(severity))
	sb.WriteString("\n")
	writeFailureSummary(&sb, failure)
	for _, hint := range matchHints(strategy, loop, failure) {
		fmt.Fprintf(&sb, "Suggested direction: %s\n", hint)
	}
	return sb.String()
}

func writeFailureSummary(sb *strings.Builder, failure *schema.FailureRecord) {
	if failure == nil {
		return
	}
	fmt.Fprintf(sb, "\nFailure [%s]: %s\n", failure.Type, failure.Message)
	if failure.HasExpectedActual() {
		fmt.Fprintf(sb, "Expected: %s\nActual:   %s\n", failure.Expected, failure.Actual)
	}
	for _, fix := range suggestedFixes(failure) {
		fmt.Fprintf(sb, "Suggested fix: %s\n", fix)
	}
}

// suggestedFixes reads remediation suggestions carried on a failure record,
// as attached by quality-gate folding. Handles both the in-process []string
// and the JSON round-tripped []any shape.
func suggestedFixes(failure *schema.FailureRecord) []string {
	switch v := failure.Details["suggested_fixes"].(type) {
	case []string:
		return v
	case []any:
		fixes := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				fixes = append(fixes, s)
			}
		}
		return fixes
	}
	return nil
}

// matchHints substring-matches the strategy's keyword table against the
// failure text and collects the configured guidance.
func matchHints(strategy *schema.RetryStrategy, loop *schema.FeedbackContext, failure *schema.FailureRecord) []string {
	haystack := strings.ToLower(failureReason(loop, failure))
	keywords := make([]string, 0, len(strategy.RemediationHints))
	for keyword := range strategy.RemediationHints {
		keywords = append(keywords, keyword)
	}
	sort.Strings(keywords)

	var hints []string
	for _, keyword := range keywords {
		if strings.Contains(haystack, strings.ToLower(keyword)) {
			hints = append(hints, strategy.RemediationHints[keyword])
		}
	}
	return hints
}

func successCriteria(stage string, validation *schema.ValidationResult) []string {
	criteria := []string{
		fmt.Sprintf("the %s stage validation reports success=true", stage),
		"no new failures are introduced",
	}
	if validation != nil {
		for _, f := range validation.Failures {
			criteria = append(criteria, fmt.Sprintf("failure %q no longer occurs", f.Type))
		}
	}
	return criteria
}

func failureReason(loop *schema.FeedbackContext, failure *schema.FailureRecord) string {
	if failure != nil {
		return failure.Type + ": " + failure.Message
	}
	return loop.FailureReason
}

func (e *Engine) appendEvent(ctx context.Context, loop *schema.FeedbackContext, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := e.store.AppendEvent(ctx, &state.Event{
		RunID:   loop.RunID,
		Stage:   loop.Stage,
		LoopID:  loop.LoopID,
		Type:    eventType,
		Payload: raw,
	}); err != nil {
		e.logger.WarnContext(ctx, "event append failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}
