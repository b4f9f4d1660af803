package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/foreman/internal/logging"
	"github.com/rendis/foreman/internal/state"
	"github.com/rendis/foreman/pkg/schema"
)

// Scheduler turns a set of work orders plus a dispatch mode into an
// instruction batch and per-order outcomes. It produces instructions; it
// never executes them.
type Scheduler struct {
	producer    Producer
	poolSize    int
	prodTimeout time.Duration
	events      state.EventAppender
	logger      *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPoolSize bounds the concurrent production workers of a parallel dispatch.
func WithPoolSize(n int) Option {
	return func(s *Scheduler) { s.poolSize = n }
}

// WithProductionTimeout overrides the per-unit production safety net.
func WithProductionTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.prodTimeout = d }
}

// WithEvents wires an event appender for batch lifecycle events.
func WithEvents(appender state.EventAppender) Option {
	return func(s *Scheduler) { s.events = appender }
}

// NewScheduler creates a Scheduler. producer may be nil, in which case the
// built-in template producer is used.
func NewScheduler(producer Producer, logger *slog.Logger, opts ...Option) *Scheduler {
	if producer == nil {
		producer = NewTemplateProducer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		producer:    producer,
		poolSize:    DefaultPoolSize,
		prodTimeout: DefaultProductionTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch routes to the mode-specific dispatch operation.
func (s *Scheduler) Dispatch(ctx context.Context, mode schema.DispatchMode, orders []*schema.WorkOrder) (*schema.PipelineRun, error) {
	switch mode {
	case schema.DispatchModeParallel, "":
		return s.DispatchParallel(ctx, orders)
	case schema.DispatchModeSequential:
		return s.DispatchSequential(ctx, orders)
	case schema.DispatchModeGraph:
		return s.DispatchGraph(ctx, orders)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown dispatch mode: %s", mode)
	}
}

// DispatchParallel produces every order's instruction independently across
// the bounded worker pool. A single order's production failure is recorded
// on that order only and never aborts siblings. The assembled batch keeps
// original submission order regardless of completion order.
func (s *Scheduler) DispatchParallel(ctx context.Context, orders []*schema.WorkOrder) (*schema.PipelineRun, error) {
	run := s.newRun(schema.DispatchModeParallel, orders)
	ctx = logging.WithRunID(ctx, run.RunID)
	if len(orders) == 0 {
		return s.finish(ctx, run)
	}

	pool := NewWorkerPool(s.poolSize)
	defer pool.Shutdown()

	produced := make([]string, len(orders))
	failures := make([]error, len(orders))

	for i, order := range orders {
		if err := order.Transition(schema.WorkOrderStatusDispatched); err != nil {
			return nil, err
		}
		i, order := i, order
		err := pool.Submit(ctx, func(ctx context.Context) error {
			text, err := s.produce(ctx, order, nil)
			if err != nil {
				failures[i] = err
				return err
			}
			produced[i] = text
			return nil
		})
		if err != nil {
			failures[i] = err
		}
	}

	// Join barrier: the only suspension point of a parallel dispatch.
	pool.Wait()

	// Re-index to original submission order after the join.
	for i, order := range orders {
		s.applyOutcome(run, order, produced[i], failures[i])
	}

	return s.finish(ctx, run)
}

// DispatchSequential processes orders in declared order, augmenting each
// instruction with the immediately preceding order's reported result. The
// first failure stops iteration; not-yet-processed orders remain pending,
// distinguishing "never attempted" from "attempted and failed".
func (s *Scheduler) DispatchSequential(ctx context.Context, orders []*schema.WorkOrder) (*schema.PipelineRun, error) {
	run := s.newRun(schema.DispatchModeSequential, orders)
	ctx = logging.WithRunID(ctx, run.RunID)
	return s.runSequential(ctx, run, orders)
}

// DispatchGraph topologically sorts orders by their declared dependencies,
// then executes as a sequential pipeline over that order. A cyclic graph is
// a configuration error raised before any order is touched.
func (s *Scheduler) DispatchGraph(ctx context.Context, orders []*schema.WorkOrder) (*schema.PipelineRun, error) {
	sorted, err := TopoSort(orders)
	if err != nil {
		return nil, err
	}
	run := s.newRun(schema.DispatchModeGraph, orders)
	ctx = logging.WithRunID(ctx, run.RunID)
	return s.runSequential(ctx, run, sorted)
}

func (s *Scheduler) runSequential(ctx context.Context, run *schema.PipelineRun, ordered []*schema.WorkOrder) (*schema.PipelineRun, error) {
	var prior *schema.WorkOrder
	for _, order := range ordered {
		if err := order.Transition(schema.WorkOrderStatusDispatched); err != nil {
			return nil, err
		}

		text, err := s.produce(ctx, order, prior)
		s.applyOutcome(run, order, text, err)
		if err != nil {
			// Remaining orders stay pending: never attempted, not failed.
			break
		}
		prior = order
	}
	return s.finish(ctx, run)
}

// produce invokes the producer under the per-order timeout with a panic
// guard: a panicking producer is recorded as that order's production failure,
// never silently counted as a success.
func (s *Scheduler) produce(ctx context.Context, order, prior *schema.WorkOrder) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeProduction,
				"instruction production panicked for task %s: %v", order.TaskID, r)
		}
	}()

	prodCtx, cancel := context.WithTimeout(ctx, s.productionTimeout(order))
	defer cancel()
	return s.producer.Produce(prodCtx, order, prior)
}

// applyOutcome finalizes one order after production and records it on the run.
func (s *Scheduler) applyOutcome(run *schema.PipelineRun, order *schema.WorkOrder, text string, err error) {
	if err != nil {
		order.Error = err.Error()
		_ = order.Transition(schema.WorkOrderStatusFailed)
		run.FailureCount++
		run.Batch.FailedCount++
		return
	}
	order.InstructionText = text
	_ = order.Transition(schema.WorkOrderStatusCompleted)
	run.SuccessCount++
	run.Batch.Entries = append(run.Batch.Entries, schema.BatchEntry{
		TaskID:     order.TaskID,
		ExecutorID: order.ExecutorID,
		Spec:       text,
	})
	run.Batch.EntryCount = len(run.Batch.Entries)
}

func (s *Scheduler) newRun(mode schema.DispatchMode, orders []*schema.WorkOrder) *schema.PipelineRun {
	runID := uuid.NewString()
	return &schema.PipelineRun{
		RunID:     runID,
		Mode:      mode,
		Orders:    orders,
		Status:    schema.RunStatusActive,
		StartedAt: time.Now().UTC(),
		Batch: &schema.InstructionBatch{
			RunID:       runID,
			GeneratedAt: time.Now().UTC(),
		},
	}
}

func (s *Scheduler) finish(ctx context.Context, run *schema.PipelineRun) (*schema.PipelineRun, error) {
	run.Finish()
	s.logger.InfoContext(ctx, "dispatch complete",
		slog.String("mode", string(run.Mode)),
		slog.Int("success", run.SuccessCount),
		slog.Int("failure", run.FailureCount),
		slog.Duration("elapsed", run.Elapsed))

	if s.events != nil {
		payload, _ := json.Marshal(map[string]any{
			"mode":    string(run.Mode),
			"entries": run.Batch.EntryCount,
			"failed":  run.Batch.FailedCount,
		})
		_ = s.events.AppendEvent(ctx, &state.Event{
			RunID:   run.RunID,
			Type:    schema.EventBatchAssembled,
			Payload: payload,
		})
	}
	return run, nil
}

func (s *Scheduler) productionTimeout(order *schema.WorkOrder) time.Duration {
	if order.Timeout > 0 {
		return order.Timeout
	}
	return s.prodTimeout
}
