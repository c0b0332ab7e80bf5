// Package engine executes linearized pipelines. Steps run strictly in
// order; each step gets its own timeout and fixed-delay retry budget,
// and the quota saga opened at task creation is settled here.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tideflow-ai/tideflow/internal/featurestore"
	"github.com/tideflow-ai/tideflow/internal/metrics"
	"github.com/tideflow-ai/tideflow/internal/payload"
	"github.com/tideflow-ai/tideflow/internal/provider"
	"github.com/tideflow-ai/tideflow/internal/quota"
	"github.com/tideflow-ai/tideflow/internal/taskstore"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

// ErrEmptyPipeline is returned when a feature has no runnable steps.
var ErrEmptyPipeline = errors.New("feature has no pipeline steps")

// Engine drives task execution against the task store.
type Engine struct {
	tasks    taskstore.Store
	features featurestore.Store
	registry *provider.Registry
	quota    *quota.Coordinator
	payloads *payload.Service
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates an execution engine. payloads may be nil to keep all
// outputs inline.
func New(tasks taskstore.Store, features featurestore.Store, registry *provider.Registry, coordinator *quota.Coordinator, payloads *payload.Service, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tasks:    tasks,
		features: features,
		registry: registry,
		quota:    coordinator,
		payloads: payloads,
		logger:   logger,
		tracer:   otel.Tracer("tideflow/engine"),
	}
}

// stepResult carries one provider attempt's outcome across the
// timeout race.
type stepResult struct {
	output json.RawMessage
	err    error
}

// Execute runs the feature's pipeline for the given task. It owns all
// task and step state transitions after the task leaves pending, and
// settles the task's quota reservation: Confirm on success, Cancel on
// any failure. Intended to run in its own goroutine; the returned
// error mirrors what was persisted on the task.
func (e *Engine) Execute(ctx context.Context, taskID, featureID string, input json.RawMessage) error {
	ctx, span := e.tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("feature.id", featureID),
		),
	)
	defer span.End()

	metrics.TasksActive.Inc()
	defer metrics.TasksActive.Dec()
	start := time.Now()

	pipeline, err := e.loadPipeline(ctx, featureID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failTask(ctx, taskID, start, fmt.Sprintf("load pipeline: %v", err))
	}

	if err := e.setTaskStatus(ctx, taskID, types.TaskStatusProcessing, nil, ""); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failTask(ctx, taskID, start, fmt.Sprintf("mark task processing: %v", err))
	}

	steps := make([]*types.TaskStep, len(pipeline.Steps))
	for i, step := range pipeline.Steps {
		steps[i] = &types.TaskStep{
			TaskID:      taskID,
			Index:       i,
			Type:        step.Type,
			ProviderRef: step.ProviderRef,
			Status:      types.StepStatusPending,
		}
	}
	if err := e.tasks.CreateSteps(ctx, taskID, steps); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failTask(ctx, taskID, start, fmt.Sprintf("create steps: %v", err))
	}

	current := input
	for i := range pipeline.Steps {
		output, err := e.runStep(ctx, taskID, i, &pipeline.Steps[i], steps[i], current)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return e.failTask(ctx, taskID, start, fmt.Sprintf("step %d (%s): %v", i, pipeline.Steps[i].Type, err))
		}
		// Output of each step feeds the next one.
		current = output
	}

	final := current
	if e.payloads != nil && final != nil {
		stored, err := e.payloads.OffloadTask(ctx, taskID, final)
		if err != nil {
			e.logger.Warn("task output offload failed, storing inline",
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
		} else {
			final = stored
		}
	}

	if err := e.setTaskStatus(ctx, taskID, types.TaskStatusSuccess, final, ""); err != nil {
		// An unpersisted success is a failure as far as the account is
		// concerned: the debit must not stand.
		span.SetStatus(codes.Error, err.Error())
		return e.failTask(ctx, taskID, start, fmt.Sprintf("persist task success: %v", err))
	}

	if err := e.quota.Confirm(ctx, taskID); err != nil {
		// The task already succeeded; the reservation stays open for
		// the reconciler rather than failing the task retroactively.
		e.logger.Error("quota confirm failed after successful task",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
	}

	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusSuccess)).Inc()
	metrics.TaskDuration.WithLabelValues(string(types.TaskStatusSuccess)).Observe(time.Since(start).Seconds())
	e.logger.Info("task completed",
		slog.String("task_id", taskID),
		slog.String("feature_id", featureID),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// loadPipeline fetches the feature and rejects unrunnable ones.
func (e *Engine) loadPipeline(ctx context.Context, featureID string) (*types.Pipeline, error) {
	feature, err := e.features.Get(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if feature.Pipeline == nil || len(feature.Pipeline.Steps) == 0 {
		return nil, ErrEmptyPipeline
	}
	return feature.Pipeline, nil
}

// runStep executes one pipeline step, retrying per its policy. The
// step row is mutated in place across attempts. A timed-out attempt
// counts as a failed attempt; the provider call is abandoned, not
// interrupted beyond ctx cancellation.
func (e *Engine) runStep(ctx context.Context, taskID string, index int, step *types.Step, row *types.TaskStep, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := e.tracer.Start(ctx, "engine.runStep",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("step.index", index),
			attribute.String("step.type", step.Type),
		),
	)
	defer span.End()

	p, err := e.registry.Get(step.Type, step.ProviderRef)
	if err != nil {
		// No provider is not retryable; fail the step immediately.
		now := time.Now().UTC()
		row.Status = types.StepStatusFailed
		row.Error = err.Error()
		row.StartedAt = &now
		row.FinishedAt = &now
		e.tasks.UpdateStep(ctx, taskID, index, row)
		e.emitStepStatus(ctx, taskID, index, row)
		metrics.StepsTotal.WithLabelValues(step.Type, string(types.StepStatusFailed)).Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	timeout := time.Duration(step.Timeout()) * time.Millisecond
	delay := time.Duration(step.RetryDelay()) * time.Millisecond
	attempts := step.Retry.MaxRetries + 1

	start := time.Now()
	now := start.UTC()
	row.Status = types.StepStatusProcessing
	row.Input = input
	row.StartedAt = &now
	if err := e.tasks.UpdateStep(ctx, taskID, index, row); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persist step start: %w", err)
	}
	e.emitStepStatus(ctx, taskID, index, row)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		row.Attempts = attempt
		if attempt > 1 {
			e.tasks.UpdateStep(ctx, taskID, index, row)
			e.emitStepStatus(ctx, taskID, index, row)
		}

		output, err := e.attempt(ctx, p, input, taskID, timeout)
		if err == nil {
			stored := output
			if e.payloads != nil && stored != nil {
				if offloaded, oerr := e.payloads.OffloadStep(ctx, taskID, index, stored); oerr == nil {
					stored = offloaded
				} else {
					e.logger.Warn("step output offload failed, storing inline",
						slog.String("task_id", taskID),
						slog.Int("step_index", index),
						slog.Any("error", oerr),
					)
				}
			}

			done := time.Now().UTC()
			row.Status = types.StepStatusCompleted
			row.Output = stored
			row.Error = ""
			row.FinishedAt = &done
			if err := e.tasks.UpdateStep(ctx, taskID, index, row); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, fmt.Errorf("persist step result: %w", err)
			}
			e.emitStepStatus(ctx, taskID, index, row)

			metrics.StepsTotal.WithLabelValues(step.Type, string(types.StepStatusCompleted)).Inc()
			metrics.StepDuration.WithLabelValues(step.Type, string(types.StepStatusCompleted)).Observe(time.Since(start).Seconds())
			metrics.StepRetries.WithLabelValues(string(types.StepStatusCompleted)).Observe(float64(attempt - 1))
			// The raw output chains to the next step even when the
			// stored copy is an offload reference.
			return output, nil
		}

		lastErr = err
		row.Error = err.Error()
		e.logger.Warn("step attempt failed",
			slog.String("task_id", taskID),
			slog.Int("step_index", index),
			slog.String("type", step.Type),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts // give up
			case <-time.After(delay):
			}
		}
	}

	done := time.Now().UTC()
	row.Status = types.StepStatusFailed
	row.FinishedAt = &done
	e.tasks.UpdateStep(ctx, taskID, index, row)
	e.emitStepStatus(ctx, taskID, index, row)

	metrics.StepsTotal.WithLabelValues(step.Type, string(types.StepStatusFailed)).Inc()
	metrics.StepDuration.WithLabelValues(step.Type, string(types.StepStatusFailed)).Observe(time.Since(start).Seconds())
	metrics.StepRetries.WithLabelValues(string(types.StepStatusFailed)).Observe(float64(attempts - 1))
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

// attempt runs the provider once, racing it against the step timeout.
// The result channel is buffered so an abandoned provider goroutine
// can still send and exit.
func (e *Engine) attempt(ctx context.Context, p provider.Provider, input json.RawMessage, taskID string, timeout time.Duration) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan stepResult, 1)
	go func() {
		output, err := p.Execute(attemptCtx, input, taskID)
		resultCh <- stepResult{output: output, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.output, res.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("step timed out after %s", timeout)
		}
		return nil, attemptCtx.Err()
	}
}

// failTask marks the task failed and cancels its quota reservation.
// Remaining pending steps are left untouched; they never ran.
func (e *Engine) failTask(ctx context.Context, taskID string, start time.Time, reason string) error {
	if err := e.setTaskStatus(ctx, taskID, types.TaskStatusFailed, nil, reason); err != nil {
		e.logger.Error("failed to persist task failure",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
	}

	// Compensate unconditionally. Cancel is idempotent, so a task that
	// never held a reservation is a harmless no-op.
	if err := e.quota.Cancel(ctx, taskID); err != nil {
		e.logger.Error("quota cancel failed for failed task",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
	}

	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
	metrics.TaskDuration.WithLabelValues(string(types.TaskStatusFailed)).Observe(time.Since(start).Seconds())
	e.logger.Warn("task failed",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
	)
	return errors.New(reason)
}

// setTaskStatus persists a task status change and emits the matching
// event. Terminal events also close live subscriptions.
func (e *Engine) setTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, output json.RawMessage, errMsg string) error {
	if err := e.tasks.UpdateTaskStatus(ctx, taskID, status, output, errMsg); err != nil {
		return err
	}
	e.emit(ctx, taskID, &types.EventInput{
		Type: types.EventTypeTaskStatus,
		Data: types.TaskStatusEvent{Status: status, Error: errMsg},
	})
	return nil
}

func (e *Engine) emitStepStatus(ctx context.Context, taskID string, index int, row *types.TaskStep) {
	idx := index
	e.emit(ctx, taskID, &types.EventInput{
		Type:      types.EventTypeStepStatus,
		StepIndex: &idx,
		Data: types.StepStatusEvent{
			Status:   row.Status,
			Attempts: row.Attempts,
			Error:    row.Error,
		},
	})
}

// emit appends an event, logging rather than failing on error. Event
// delivery is best-effort; task state is the source of truth.
func (e *Engine) emit(ctx context.Context, taskID string, input *types.EventInput) {
	if _, err := e.tasks.AppendEvent(ctx, taskID, input); err != nil {
		e.logger.Warn("failed to append task event",
			slog.String("task_id", taskID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err),
		)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}
