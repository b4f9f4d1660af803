package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/foreman/internal/dispatch"
	"github.com/rendis/foreman/internal/expressions"
	"github.com/rendis/foreman/internal/feedback"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/pkg/schema"
)

// scriptedValidator returns pre-seeded validation results per stage, in
// call order, falling back to success when the script runs out.
type scriptedValidator struct {
	mu     sync.Mutex
	script map[string][]*schema.ValidationResult
	calls  map[string]int
}

func newScriptedValidator() *scriptedValidator {
	return &scriptedValidator{
		script: make(map[string][]*schema.ValidationResult),
		calls:  make(map[string]int),
	}
}

func (v *scriptedValidator) add(stage string, result *schema.ValidationResult) {
	v.script[stage] = append(v.script[stage], result)
}

func (v *scriptedValidator) ValidateStage(_ context.Context, stage *schema.StageDefinition, _ *schema.PipelineRun) (*schema.ValidationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := v.calls[stage.Name]
	v.calls[stage.Name]++
	if n < len(v.script[stage.Name]) {
		return v.script[stage.Name][n], nil
	}
	return &schema.ValidationResult{Success: true}, nil
}

func failing(msg string) *schema.ValidationResult {
	return &schema.ValidationResult{
		Success:  false,
		Failures: []schema.FailureRecord{{Type: "test_failure", Message: msg}},
	}
}

func newTestOrchestrator(t *testing.T, store state.Store, opts ...Option) *Orchestrator {
	t.Helper()
	registry, err := expressions.NewDefaultRegistry()
	require.NoError(t, err)
	engine := feedback.NewEngine(store, feedback.NewClassifier(registry, nil), nil, 0)
	scheduler := dispatch.NewScheduler(nil, nil, dispatch.WithEvents(store))
	return New(scheduler, engine, store, nil, opts...)
}

func stage(name string, deps ...string) *schema.StageDefinition {
	return &schema.StageDefinition{
		Name:       name,
		DependsOn:  deps,
		ExecutorID: "exec-" + name,
		Mode:       schema.DispatchModeParallel,
		Orders: []*schema.WorkOrder{
			{TaskID: name + "-t1", ExecutorID: "exec-" + name, Description: "work for " + name},
		},
	}
}

func TestExecute_HappyPathRunsStagesInDependencyOrder(t *testing.T) {
	store := state.NewMemoryStore()
	o := newTestOrchestrator(t, store)

	result, err := o.Execute(context.Background(), []*schema.StageDefinition{
		stage("deploy", "test"),
		stage("build"),
		stage("test", "build"),
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, []string{"build", "test", "deploy"}, result.Order)
	assert.False(t, result.Manual)
	for _, name := range result.Order {
		sr := result.Stages[name]
		require.NotNil(t, sr)
		assert.Equal(t, schema.StageStatusCompleted, sr.Status, name)
		require.NotNil(t, sr.Run)
		assert.Equal(t, schema.RunStatusCompleted, sr.Run.Status)
	}

	events, err := store.GetEvents(context.Background(), result.RunID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventStageStarted)
	assert.Contains(t, types, schema.EventStageCompleted)
}

func TestExecute_CyclicStageGraphFailsBeforeAnyStageStarts(t *testing.T) {
	store := state.NewMemoryStore()
	o := newTestOrchestrator(t, store)

	_, err := o.Execute(context.Background(), []*schema.StageDefinition{
		stage("a", "b"),
		stage("b", "a"),
	})
	require.Error(t, err)
	fe, ok := err.(*schema.ForemanError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)

	events, err := store.GetEvents(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, events, "no stage may start on a cyclic graph")
}

func TestExecute_UnknownStageDependency(t *testing.T) {
	o := newTestOrchestrator(t, state.NewMemoryStore())
	_, err := o.Execute(context.Background(), []*schema.StageDefinition{stage("a", "ghost")})
	require.Error(t, err)
	assert.True(t, schema.IsConfiguration(err))
}

func TestExecute_EmptyPipeline(t *testing.T) {
	o := newTestOrchestrator(t, state.NewMemoryStore())
	_, err := o.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, schema.IsConfiguration(err))
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	store := state.NewMemoryStore()
	validator := newScriptedValidator()
	validator.add("build", failing("flaky compile"))
	o := newTestOrchestrator(t, store, WithValidator(validator))

	result, err := o.Execute(context.Background(), []*schema.StageDefinition{stage("build")})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	sr := result.Stages["build"]
	assert.Equal(t, schema.StageStatusCompleted, sr.Status)
	assert.Equal(t, 1, sr.RetryCount)
	require.Len(t, sr.LoopIDs, 1)

	// The loop opened for the first failure is closed as success.
	closed, err := store.GetLoop(context.Background(), sr.LoopIDs[0])
	require.NoError(t, err)
	assert.Equal(t, schema.LoopStateClosedSuccess, closed.State)
}

func TestExecute_PersistentFailureAbortsAndRequestsManualIntervention(t *testing.T) {
	store := state.NewMemoryStore()
	validator := newScriptedValidator()
	for i := 0; i < 10; i++ {
		validator.add("build", failing("broken forever"))
	}
	o := newTestOrchestrator(t, store, WithValidator(validator))

	result, err := o.Execute(context.Background(), []*schema.StageDefinition{stage("build")})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	sr := result.Stages["build"]
	assert.Equal(t, schema.StageStatusFailed, sr.Status)
	assert.True(t, sr.Terminal)
	assert.True(t, result.Manual)
	assert.NotEmpty(t, result.Unresolved)
}

func TestExecute_DependentsOfFailedStageStayPending(t *testing.T) {
	store := state.NewMemoryStore()
	validator := newScriptedValidator()
	for i := 0; i < 10; i++ {
		validator.add("build", failing("broken forever"))
	}
	o := newTestOrchestrator(t, store, WithValidator(validator))

	result, err := o.Execute(context.Background(), []*schema.StageDefinition{
		stage("build"),
		stage("test", "build"),
		stage("deploy", "test"),
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, schema.StageStatusFailed, result.Stages["build"].Status)
	// Never attempted, distinct from attempted-and-failed.
	assert.Equal(t, schema.StageStatusPending, result.Stages["test"].Status)
	assert.Equal(t, schema.StageStatusPending, result.Stages["deploy"].Status)
	assert.Nil(t, result.Stages["test"].Run)
}

func TestExecute_EscalationSwitchesExecutor(t *testing.T) {
	store := state.NewMemoryStore()
	validator := newScriptedValidator()
	// The first failure retries; the second reaches the threshold of 2 and
	// escalates; the escalated attempt passes.
	validator.add("build", failing("attempt one"))
	validator.add("build", failing("attempt two"))

	def := stage("build")
	def.Strategy = &schema.RetryStrategy{
		MaxAttempts:         5,
		EscalationThreshold: 2,
		DefaultEscalation:   "exec-senior",
	}
	o := newTestOrchestrator(t, store, WithValidator(validator), WithMaxStageRetries(5))

	result, err := o.Execute(context.Background(), []*schema.StageDefinition{def})
	require.NoError(t, err)

	sr := result.Stages["build"]
	assert.Equal(t, schema.StageStatusCompleted, sr.Status)

	require.Len(t, sr.LoopIDs, 1)
	closed, err := store.GetLoop(context.Background(), sr.LoopIDs[0])
	require.NoError(t, err)
	assert.True(t, closed.Escalated)
	assert.Equal(t, "exec-senior", closed.ExecutorID)
	assert.Equal(t, schema.LoopStateClosedSuccess, closed.State)
}

func TestExecute_VerificationArtifactDefectRedirectsAndRecovers(t *testing.T) {
	store := state.NewMemoryStore()
	validator := newScriptedValidator()
	validator.add("verify", &schema.ValidationResult{
		Success: false,
		Failures: []schema.FailureRecord{{
			Type:     "test_failure",
			Message:  "response mismatch",
			Expected: json.RawMessage(`"a"`),
			Actual:   json.RawMessage(`"b"`),
		}},
	})
	o := newTestOrchestrator(t, store, WithValidator(validator))

	build := stage("build")
	verify := stage("verify", "build")
	verify.Verification = true
	verify.Produces = "build"

	result, err := o.Execute(context.Background(), []*schema.StageDefinition{build, verify})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	sr := result.Stages["verify"]
	assert.Equal(t, schema.StageStatusCompleted, sr.Status)
	// Verifier loop plus the redirected producer loop.
	assert.Len(t, sr.LoopIDs, 2)

	events, err := store.GetEvents(context.Background(), result.RunID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventLoopRedirected)
	assert.Contains(t, types, schema.EventStageSuspended)
	assert.Contains(t, types, schema.EventStageResumed)
}

func TestSortStages_DeterministicOrder(t *testing.T) {
	order, _, err := sortStages([]*schema.StageDefinition{
		stage("c", "a"),
		stage("b", "a"),
		stage("a"),
	})
	require.NoError(t, err)
	// b and c tie after a; declaration order breaks the tie (c first).
	assert.Equal(t, []string{"a", "c", "b"}, order)
}

func TestSortStages_DuplicateName(t *testing.T) {
	_, _, err := sortStages([]*schema.StageDefinition{stage("a"), stage("a")})
	require.Error(t, err)
	assert.True(t, schema.IsConfiguration(err))
}

func TestStageFSM_RejectsInvalidTransition(t *testing.T) {
	fsm := NewStageFSM(state.NewMemoryStore())
	err := fsm.Transition(context.Background(), "run-1", "build",
		schema.StageStatusCompleted, schema.StageStatusRunning)
	require.Error(t, err)
	fe, ok := err.(*schema.ForemanError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
}

func TestStageFSM_HooksRunAroundTransition(t *testing.T) {
	store := state.NewMemoryStore()
	fsm := NewStageFSM(store)

	var order []string
	fsm.OnBefore(schema.StageStatusPending, schema.StageStatusRunning, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.StageStatusPending, schema.StageStatusRunning, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "run-1", "build",
		schema.StageStatusPending, schema.StageStatusRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, order)

	events, err := store.GetEvents(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStageStarted, events[0].Type)
}
