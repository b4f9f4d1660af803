package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/rendis/foreman/internal/dispatch"
	"github.com/rendis/foreman/internal/feedback"
	"github.com/rendis/foreman/internal/logging"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/pkg/schema"
)

// DefaultMaxStageRetries caps how many times a single stage is re-dispatched
// under retry or escalation decisions before the orchestrator gives up.
const DefaultMaxStageRetries = 3

// Validator obtains the validation result for one completed stage dispatch.
// Implementations typically bridge to the external executors reporting back;
// the default derives the result from production outcomes alone.
type Validator interface {
	ValidateStage(ctx context.Context, stage *schema.StageDefinition, run *schema.PipelineRun) (*schema.ValidationResult, error)
}

// DispatchValidator is the built-in Validator: a stage passes when every
// work order produced successfully.
type DispatchValidator struct{}

func (DispatchValidator) ValidateStage(_ context.Context, _ *schema.StageDefinition, run *schema.PipelineRun) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{Success: run.FailureCount == 0}
	for _, order := range run.Orders {
		if order.Status == schema.WorkOrderStatusFailed {
			result.Failures = append(result.Failures, schema.FailureRecord{
				Type:    "production_failure",
				Message: fmt.Sprintf("task %s: %s", order.TaskID, order.Error),
			})
		}
	}
	return result, nil
}

// Orchestrator sequences pipeline stages by their declared dependencies,
// dispatches each through the scheduler, and drives failed validations
// through the feedback engine until the stage completes, aborts, or the
// per-stage retry ceiling is reached.
type Orchestrator struct {
	scheduler  *dispatch.Scheduler
	engine     *feedback.Engine
	store      state.Store
	fsm        *StageFSM
	validator  Validator
	logger     *slog.Logger
	maxRetries int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithValidator overrides the built-in dispatch-derived validator.
func WithValidator(v Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithMaxStageRetries overrides the per-stage re-dispatch ceiling.
func WithMaxStageRetries(n int) Option {
	return func(o *Orchestrator) { o.maxRetries = n }
}

// New creates an Orchestrator.
func New(scheduler *dispatch.Scheduler, engine *feedback.Engine, store state.Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		scheduler:  scheduler,
		engine:     engine,
		store:      store,
		fsm:        NewStageFSM(store),
		validator:  DispatchValidator{},
		logger:     logger,
		maxRetries: DefaultMaxStageRetries,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the full pipeline. Stage ordering is resolved up front; a
// cyclic or inconsistent stage graph fails before any stage starts.
// Dependents of a failed stage are never started and stay pending.
func (o *Orchestrator) Execute(ctx context.Context, stages []*schema.StageDefinition) (*schema.RunResult, error) {
	order, byName, err := sortStages(stages)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	o.logger.InfoContext(ctx, "pipeline started", slog.Int("stages", len(order)))

	result := &schema.RunResult{
		RunID:  runID,
		Status: schema.RunStatusActive,
		Stages: make(map[string]*schema.StageResult, len(order)),
		Order:  order,
	}

	for _, name := range order {
		stage := byName[name]

		if blocked := o.blockedBy(stage, result); blocked != "" {
			// Never started: pending is distinct from attempted-and-failed.
			result.Stages[name] = &schema.StageResult{
				Stage:  name,
				Status: schema.StageStatusPending,
			}
			o.logger.WarnContext(ctx, "stage skipped, dependency failed",
				slog.String("stage", name), slog.String("dependency", blocked))
			continue
		}

		stageResult := o.executeStage(ctx, runID, stage, byName)
		result.Stages[name] = stageResult

		if stageResult.Status == schema.StageStatusFailed {
			if stageResult.Terminal {
				result.Manual = true
			}
			result.Unresolved = append(result.Unresolved, stageResult.Remediation...)
		}
	}

	result.Status = schema.RunStatusCompleted
	for _, sr := range result.Stages {
		if sr.Status != schema.StageStatusCompleted {
			result.Status = schema.RunStatusFailed
			break
		}
	}

	o.logger.InfoContext(ctx, "pipeline finished",
		slog.String("status", string(result.Status)),
		slog.Bool("manual_intervention", result.Manual))
	return result, nil
}

// executeStage dispatches one stage and drives its feedback loop until it
// completes, aborts, or exhausts the retry ceiling.
func (o *Orchestrator) executeStage(ctx context.Context, runID string, stage *schema.StageDefinition, byName map[string]*schema.StageDefinition) *schema.StageResult {
	ctx = logging.WithStage(ctx, stage.Name)
	sr := &schema.StageResult{Stage: stage.Name, Status: schema.StageStatusPending}

	if err := o.fsm.Transition(ctx, runID, stage.Name, schema.StageStatusPending, schema.StageStatusRunning); err != nil {
		return o.failTerminal(sr, err.Error())
	}
	sr.Status = schema.StageStatusRunning

	strategy := stage.Strategy
	if strategy == nil {
		strategy = schema.DefaultRetryStrategy()
	}
	executorID := stage.ExecutorID
	// Augmented instructions from retry decisions, keyed by task.
	augment := map[string]string{}

	for attempt := 0; attempt < o.maxRetries; attempt++ {
		sr.RetryCount = attempt
		run, err := o.scheduler.Dispatch(ctx, stage.Mode, cloneOrders(stage.Orders, executorID, augment))
		if err != nil {
			return o.failStage(ctx, runID, sr, true, err.Error())
		}
		sr.Run = run

		validation, err := o.validator.ValidateStage(ctx, stage, run)
		if err != nil {
			return o.failStage(ctx, runID, sr, true, err.Error())
		}

		if validation.Success {
			o.closeOpenLoops(ctx, runID, stage.Name)
			if err := o.fsm.Transition(ctx, runID, stage.Name, schema.StageStatusRunning, schema.StageStatusCompleted); err != nil {
				return o.failTerminal(sr, err.Error())
			}
			sr.Status = schema.StageStatusCompleted
			return sr
		}

		loop, err := o.loopFor(ctx, runID, stage, executorID, run, strategy)
		if err != nil {
			return o.failStage(ctx, runID, sr, true, err.Error())
		}
		sr.LoopIDs = appendUnique(sr.LoopIDs, loop.LoopID)

		decision, err := o.engine.Decide(ctx, feedback.DecisionRequest{
			Loop:             loop,
			Strategy:         strategy,
			Validation:       validation,
			Stage:            stage,
			ProducerStage:    stage.Produces,
			ProducerExecutor: producerExecutor(stage, byName),
		})
		if err != nil {
			return o.failStage(ctx, runID, sr, true, err.Error())
		}

		redirected, err := o.engine.ApplyDecision(ctx, loop, decision, validation)
		if err != nil {
			return o.failStage(ctx, runID, sr, true, err.Error())
		}

		switch d := decision.(type) {
		case schema.RetryDecision:
			augment[loop.WorkOrderID] = d.AugmentedInstruction

		case schema.EscalateDecision:
			executorID = d.TargetExecutor
			augment[loop.WorkOrderID] = d.AugmentedInstruction

		case schema.AbortDecision:
			sr.Remediation = append(sr.Remediation, d.Remediation)
			return o.failStage(ctx, runID, sr, true, d.Reasoning)

		case schema.RedirectDecision:
			return o.handleRedirect(ctx, runID, sr, stage, byName, d, redirected)

		default:
			return o.failStage(ctx, runID, sr, true,
				fmt.Sprintf("unexpected decision %s for failed validation", decision.Action()))
		}
	}

	sr.Remediation = append(sr.Remediation,
		fmt.Sprintf("stage %s exhausted %d dispatch attempts and requires manual intervention", stage.Name, o.maxRetries))
	return o.failStage(ctx, runID, sr, true, "stage retry ceiling reached")
}

// handleRedirect suspends the verification stage, re-runs the producing
// stage against the redirected loop's instruction, and resumes verification
// when the producer succeeds. A failed remediation leaves the stage failed
// but non-terminal: the redirected loop is the pending recourse.
func (o *Orchestrator) handleRedirect(ctx context.Context, runID string, sr *schema.StageResult, stage *schema.StageDefinition, byName map[string]*schema.StageDefinition, d schema.RedirectDecision, redirected *schema.FeedbackContext) *schema.StageResult {
	if err := o.fsm.Transition(ctx, runID, stage.Name, schema.StageStatusRunning, schema.StageStatusSuspended); err != nil {
		return o.failTerminal(sr, err.Error())
	}
	sr.Status = schema.StageStatusSuspended
	if redirected != nil {
		sr.LoopIDs = appendUnique(sr.LoopIDs, redirected.LoopID)
	}

	producer := byName[d.TargetStage]
	if producer == nil {
		sr.Remediation = append(sr.Remediation,
			fmt.Sprintf("redirect target stage %s is not part of the pipeline", d.TargetStage))
		return o.failSuspended(ctx, runID, sr, true, "redirect target missing")
	}

	o.logger.InfoContext(ctx, "remediating producer stage",
		slog.String("producer", producer.Name))

	augment := map[string]string{}
	if redirected != nil {
		// Every producer order carries the verification failure context.
		for _, order := range producer.Orders {
			augment[order.TaskID] = d.AugmentedInstruction
		}
	}
	run, err := o.scheduler.Dispatch(ctx, producer.Mode, cloneOrders(producer.Orders, d.TargetExecutor, augment))
	if err == nil && run.FailureCount > 0 {
		err = schema.NewErrorf(schema.ErrCodeProduction,
			"producer stage %s remediation failed %d order(s)", producer.Name, run.FailureCount)
	}
	if err != nil {
		if redirected != nil {
			sr.Remediation = append(sr.Remediation,
				fmt.Sprintf("loop %s against stage %s is unresolved: %s", redirected.LoopID, d.TargetStage, err.Error()))
		}
		return o.failSuspended(ctx, runID, sr, false, err.Error())
	}

	if redirected != nil {
		if err := o.engine.ResolveSuccess(ctx, redirected.LoopID); err != nil {
			o.logger.WarnContext(ctx, "redirected loop resolution failed",
				slog.String("loop_id", redirected.LoopID), slog.String("error", err.Error()))
		}
	}

	if err := o.fsm.Transition(ctx, runID, stage.Name, schema.StageStatusSuspended, schema.StageStatusRunning); err != nil {
		return o.failTerminal(sr, err.Error())
	}
	sr.Status = schema.StageStatusRunning

	// Re-verify the remediated artifact.
	verifyRun, err := o.scheduler.Dispatch(ctx, stage.Mode, cloneOrders(stage.Orders, stage.ExecutorID, nil))
	if err != nil {
		return o.failStage(ctx, runID, sr, true, err.Error())
	}
	sr.Run = verifyRun
	validation, err := o.validator.ValidateStage(ctx, stage, verifyRun)
	if err != nil {
		return o.failStage(ctx, runID, sr, true, err.Error())
	}
	if !validation.Success {
		sr.Remediation = append(sr.Remediation,
			fmt.Sprintf("stage %s still fails after remediating %s", stage.Name, d.TargetStage))
		return o.failStage(ctx, runID, sr, true, "verification failed after producer remediation")
	}

	o.closeOpenLoops(ctx, runID, stage.Name)
	if err := o.fsm.Transition(ctx, runID, stage.Name, schema.StageStatusRunning, schema.StageStatusCompleted); err != nil {
		return o.failTerminal(sr, err.Error())
	}
	sr.Status = schema.StageStatusCompleted
	return sr
}

// loopFor returns the stage's active loop for the failing work order,
// opening one on the first failure.
func (o *Orchestrator) loopFor(ctx context.Context, runID string, stage *schema.StageDefinition, executorID string, run *schema.PipelineRun, strategy *schema.RetryStrategy) (*schema.FeedbackContext, error) {
	workOrderID, instruction := failingOrder(run)
	loop, err := o.store.GetActiveByKey(ctx, runID, stage.Name, workOrderID)
	if err == nil {
		return loop, nil
	}
	if !schema.IsNotFound(err) {
		return nil, err
	}
	return o.engine.OpenLoop(ctx, runID, stage.Name, executorID, workOrderID, instruction, strategy)
}

func (o *Orchestrator) closeOpenLoops(ctx context.Context, runID, stage string) {
	loops, err := o.store.ListActive(ctx, state.LoopFilter{RunID: runID, Stage: stage})
	if err != nil {
		o.logger.WarnContext(ctx, "could not list active loops", slog.String("error", err.Error()))
		return
	}
	for _, loop := range loops {
		if err := o.engine.ResolveSuccess(ctx, loop.LoopID); err != nil {
			o.logger.WarnContext(ctx, "loop close failed",
				slog.String("loop_id", loop.LoopID), slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) failStage(ctx context.Context, runID string, sr *schema.StageResult, terminal bool, reason string) *schema.StageResult {
	if err := o.fsm.Transition(ctx, runID, sr.Stage, schema.StageStatusRunning, schema.StageStatusFailed); err != nil {
		o.logger.WarnContext(ctx, "stage fail transition rejected", slog.String("error", err.Error()))
	}
	return o.markFailed(ctx, sr, terminal, reason)
}

func (o *Orchestrator) failSuspended(ctx context.Context, runID string, sr *schema.StageResult, terminal bool, reason string) *schema.StageResult {
	if err := o.fsm.Transition(ctx, runID, sr.Stage, schema.StageStatusSuspended, schema.StageStatusFailed); err != nil {
		o.logger.WarnContext(ctx, "stage fail transition rejected", slog.String("error", err.Error()))
	}
	return o.markFailed(ctx, sr, terminal, reason)
}

func (o *Orchestrator) markFailed(ctx context.Context, sr *schema.StageResult, terminal bool, reason string) *schema.StageResult {
	sr.Status = schema.StageStatusFailed
	sr.Terminal = terminal
	o.logger.ErrorContext(ctx, "stage failed",
		slog.String("stage", sr.Stage),
		slog.Bool("terminal", terminal),
		slog.String("reason", reason))
	return sr
}

func (o *Orchestrator) failTerminal(sr *schema.StageResult, reason string) *schema.StageResult {
	sr.Status = schema.StageStatusFailed
	sr.Terminal = true
	sr.Remediation = append(sr.Remediation, reason)
	return sr
}

// blockedBy returns the name of the first dependency that did not complete,
// or "" if the stage may run.
func (o *Orchestrator) blockedBy(stage *schema.StageDefinition, result *schema.RunResult) string {
	for _, dep := range stage.DependsOn {
		sr, ok := result.Stages[dep]
		if !ok || sr.Status != schema.StageStatusCompleted {
			return dep
		}
	}
	return ""
}

// --- helpers ---

// sortStages validates the stage graph and returns execution order. The
// same Kahn construction as work-order sorting: ready stages drain in
// declaration order so ties stay deterministic.
func sortStages(stages []*schema.StageDefinition) ([]string, map[string]*schema.StageDefinition, error) {
	if len(stages) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline has no stages")
	}

	byName := make(map[string]*schema.StageDefinition, len(stages))
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, nil, schema.NewError(schema.ErrCodeConfiguration, "stage with empty name")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate stage name: %s", s.Name)
		}
		byName[s.Name] = s
		index[s.Name] = i
	}

	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return nil, nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "stage %s depends on itself", s.Name)
			}
			if _, ok := byName[dep]; !ok {
				return nil, nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"stage %s depends on unknown stage %s", s.Name, dep)
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var ready []string
	for _, s := range stages {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}
	sortReady(ready, index)

	order := make([]string, 0, len(stages))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sortReady(ready, index)
	}

	if len(order) != len(stages) {
		var unresolved []string
		for name, d := range indegree {
			if d > 0 {
				unresolved = append(unresolved, name)
			}
		}
		sort.Strings(unresolved)
		return nil, nil, schema.NewError(schema.ErrCodeCycleDetected, "stage dependency cycle detected").
			WithDetails(map[string]any{"unresolved": unresolved})
	}
	return order, byName, nil
}

func sortReady(ready []string, index map[string]int) {
	sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
}

// cloneOrders rebuilds a stage's work orders for one dispatch attempt:
// fresh pending status, the attempt's executor, and any augmented
// remediation instruction from a prior decision.
func cloneOrders(orders []*schema.WorkOrder, executorID string, augment map[string]string) []*schema.WorkOrder {
	out := make([]*schema.WorkOrder, len(orders))
	for i, order := range orders {
		clone := *order
		clone.Status = schema.WorkOrderStatusPending
		clone.Error = ""
		clone.StartedAt = nil
		clone.CompletedAt = nil
		if executorID != "" {
			clone.ExecutorID = executorID
		}
		if text, ok := augment[order.TaskID]; ok {
			clone.InstructionText = text
		}
		clone.DependsOn = append([]string(nil), order.DependsOn...)
		out[i] = &clone
	}
	return out
}

// failingOrder picks the first failed order of a run, in submission order.
func failingOrder(run *schema.PipelineRun) (workOrderID, instruction string) {
	for _, order := range run.Orders {
		if order.Status == schema.WorkOrderStatusFailed {
			return order.TaskID, order.Description
		}
	}
	if len(run.Orders) > 0 {
		return run.Orders[0].TaskID, run.Orders[0].Description
	}
	return "", ""
}

func producerExecutor(stage *schema.StageDefinition, byName map[string]*schema.StageDefinition) string {
	if stage.Produces == "" {
		return ""
	}
	if producer, ok := byName[stage.Produces]; ok {
		return producer.ExecutorID
	}
	return ""
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
