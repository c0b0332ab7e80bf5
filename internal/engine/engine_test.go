package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tideflow-ai/tideflow/internal/featurestore"
	"github.com/tideflow-ai/tideflow/internal/provider"
	"github.com/tideflow-ai/tideflow/internal/quota"
	"github.com/tideflow-ai/tideflow/internal/taskstore"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

type fixture struct {
	engine   *Engine
	tasks    *taskstore.MemoryStore
	features *featurestore.MemoryStore
	registry *provider.Registry
	quota    *quota.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tasks := taskstore.NewMemoryStore(nil)
	features := featurestore.NewMemoryStore()
	registry := provider.NewRegistry()
	coordinator := quota.NewCoordinator(quota.NewMemoryLedger(), nil, nil)

	return &fixture{
		engine:   New(tasks, features, registry, coordinator, nil, nil),
		tasks:    tasks,
		features: features,
		registry: registry,
		quota:    coordinator,
	}
}

// startTask creates a feature, a task, and a quota reservation the way
// the task-creation endpoint does.
func (f *fixture) startTask(t *testing.T, pipeline *types.Pipeline, input json.RawMessage) string {
	t.Helper()
	ctx := context.Background()

	if _, err := f.features.Create(ctx, &featurestore.CreateFeatureRequest{
		ID:       "feat",
		Name:     "test feature",
		Pipeline: pipeline,
	}); err != nil {
		t.Fatalf("create feature: %v", err)
	}

	taskID, err := f.tasks.CreateTask(ctx, "acct", "feat", input)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := f.quota.Credit(ctx, "acct", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := f.quota.Reserve(ctx, "acct", taskID, 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return taskID
}

func (f *fixture) mustTask(t *testing.T, taskID string) *types.Task {
	t.Helper()
	task, err := f.tasks.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (f *fixture) mustSteps(t *testing.T, taskID string) []*types.TaskStep {
	t.Helper()
	steps, err := f.tasks.GetSteps(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	return steps
}

func (f *fixture) txPhase(t *testing.T, taskID string) types.QuotaPhase {
	t.Helper()
	tx, err := f.quota.GetTransaction(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	return tx.Phase
}

// appendProvider returns a provider that appends its name to a "trace"
// array in the input, making step chaining observable.
func appendProvider(name string) provider.Provider {
	return provider.Func(func(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(input, &doc); err != nil {
			doc = map[string]json.RawMessage{}
		}
		var trace []string
		if raw, ok := doc["trace"]; ok {
			json.Unmarshal(raw, &trace)
		}
		trace = append(trace, name)
		traceRaw, _ := json.Marshal(trace)
		doc["trace"] = traceRaw
		return json.Marshal(doc)
	})
}

func fastStep(stepType string, maxRetries int) types.Step {
	return types.Step{
		Type: stepType,
		Retry: types.RetryPolicy{
			MaxRetries:   maxRetries,
			RetryDelayMs: 1,
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("a", appendProvider("a"))
	f.registry.Register("b", appendProvider("b"))

	pipeline := &types.Pipeline{Steps: []types.Step{fastStep("a", 0), fastStep("b", 0)}}
	taskID := f.startTask(t, pipeline, json.RawMessage(`{}`))

	if err := f.engine.Execute(context.Background(), taskID, "feat", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	task := f.mustTask(t, taskID)
	if task.Status != types.TaskStatusSuccess {
		t.Errorf("expected success, got %s (%s)", task.Status, task.Error)
	}
	if task.StartedAt == nil || task.FinishedAt == nil {
		t.Error("expected start and finish timestamps")
	}

	// Final output is the last step's output with both steps applied.
	var doc map[string]json.RawMessage
	json.Unmarshal(task.Output, &doc)
	var trace []string
	json.Unmarshal(doc["trace"], &trace)
	if len(trace) != 2 || trace[0] != "a" || trace[1] != "b" {
		t.Errorf("expected trace [a b], got %v", trace)
	}

	if phase := f.txPhase(t, taskID); phase != types.QuotaPhaseConfirmed {
		t.Errorf("expected confirmed quota, got %s", phase)
	}
}

// A step that fails twice then succeeds must leave the task successful
// with the step's attempt count recorded.
func TestExecuteRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	f.registry.Register("flaky", provider.Func(func(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient failure")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))
	f.registry.Register("a", appendProvider("a"))

	pipeline := &types.Pipeline{Steps: []types.Step{fastStep("flaky", 2), fastStep("a", 0)}}
	taskID := f.startTask(t, pipeline, json.RawMessage(`{}`))

	if err := f.engine.Execute(context.Background(), taskID, "feat", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := f.mustTask(t, taskID).Status; got != types.TaskStatusSuccess {
		t.Fatalf("expected success, got %s", got)
	}

	steps := f.mustSteps(t, taskID)
	if steps[0].Status != types.StepStatusCompleted || steps[0].Attempts != 3 {
		t.Errorf("expected step 0 completed after 3 attempts, got %s/%d", steps[0].Status, steps[0].Attempts)
	}

	// The flaky step's output, not the original input, reached step 1.
	var doc map[string]json.RawMessage
	json.Unmarshal(steps[1].Output, &doc)
	if _, ok := doc["ok"]; !ok {
		t.Errorf("step 1 must receive step 0 output, got %s", steps[1].Output)
	}

	if phase := f.txPhase(t, taskID); phase != types.QuotaPhaseConfirmed {
		t.Errorf("expected confirmed quota, got %s", phase)
	}
}

// A step that exhausts its retry budget fails the task, leaves later
// steps pending, and refunds the quota reservation.
func TestExecuteRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	f.registry.Register("broken", provider.Func(func(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("permanent failure")
	}))
	f.registry.Register("a", appendProvider("a"))

	pipeline := &types.Pipeline{Steps: []types.Step{
		fastStep("a", 0),
		fastStep("broken", 2),
		fastStep("a", 0),
	}}
	taskID := f.startTask(t, pipeline, json.RawMessage(`{}`))

	if err := f.engine.Execute(context.Background(), taskID, "feat", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected Execute to report failure")
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("expected exactly 3 attempts (maxRetries+1), got %d", got)
	}

	task := f.mustTask(t, taskID)
	if task.Status != types.TaskStatusFailed {
		t.Errorf("expected failed task, got %s", task.Status)
	}
	if task.Error == "" {
		t.Error("failed task must record an error")
	}

	steps := f.mustSteps(t, taskID)
	if steps[0].Status != types.StepStatusCompleted {
		t.Errorf("step 0 must be completed, got %s", steps[0].Status)
	}
	if steps[1].Status != types.StepStatusFailed || steps[1].Attempts != 3 {
		t.Errorf("step 1 must be failed after 3 attempts, got %s/%d", steps[1].Status, steps[1].Attempts)
	}
	if steps[2].Status != types.StepStatusPending {
		t.Errorf("step after the failure must stay pending, got %s", steps[2].Status)
	}

	if phase := f.txPhase(t, taskID); phase != types.QuotaPhaseCancelled {
		t.Errorf("expected cancelled quota, got %s", phase)
	}
}

func TestExecuteTimeoutCountsAsFailedAttempt(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	f.registry.Register("slow", provider.Func(func(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(5 * time.Second):
				return input, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	pipeline := &types.Pipeline{Steps: []types.Step{{
		Type:      "slow",
		TimeoutMs: 20,
		Retry:     types.RetryPolicy{MaxRetries: 1, RetryDelayMs: 1},
	}}}
	taskID := f.startTask(t, pipeline, json.RawMessage(`{}`))

	if err := f.engine.Execute(context.Background(), taskID, "feat", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	steps := f.mustSteps(t, taskID)
	if steps[0].Status != types.StepStatusCompleted || steps[0].Attempts != 2 {
		t.Errorf("expected completion on the retry after a timeout, got %s/%d", steps[0].Status, steps[0].Attempts)
	}
}

func TestExecuteFatalFailures(t *testing.T) {
	t.Run("empty pipeline", func(t *testing.T) {
		f := newFixture(t)
		taskID := f.startTask(t, &types.Pipeline{}, nil)

		err := f.engine.Execute(context.Background(), taskID, "feat", nil)
		if err == nil {
			t.Fatal("expected failure for empty pipeline")
		}
		if got := f.mustTask(t, taskID).Status; got != types.TaskStatusFailed {
			t.Errorf("expected failed task, got %s", got)
		}
		if phase := f.txPhase(t, taskID); phase != types.QuotaPhaseCancelled {
			t.Errorf("expected cancelled quota, got %s", phase)
		}
	})

	t.Run("unknown feature", func(t *testing.T) {
		f := newFixture(t)
		taskID, _ := f.tasks.CreateTask(context.Background(), "acct", "ghost", nil)

		if err := f.engine.Execute(context.Background(), taskID, "ghost", nil); err == nil {
			t.Fatal("expected failure for unknown feature")
		}
		if got := f.mustTask(t, taskID).Status; got != types.TaskStatusFailed {
			t.Errorf("expected failed task, got %s", got)
		}
	})

	t.Run("unregistered provider", func(t *testing.T) {
		f := newFixture(t)
		pipeline := &types.Pipeline{Steps: []types.Step{fastStep("missing", 3)}}
		taskID := f.startTask(t, pipeline, nil)

		err := f.engine.Execute(context.Background(), taskID, "feat", nil)
		if err == nil {
			t.Fatal("expected failure for unregistered provider")
		}

		steps := f.mustSteps(t, taskID)
		if steps[0].Status != types.StepStatusFailed {
			t.Errorf("expected failed step, got %s", steps[0].Status)
		}
		// A missing provider is not retried.
		if steps[0].Attempts != 0 {
			t.Errorf("missing provider must not consume attempts, got %d", steps[0].Attempts)
		}
		if phase := f.txPhase(t, taskID); phase != types.QuotaPhaseCancelled {
			t.Errorf("expected cancelled quota, got %s", phase)
		}
	})
}

// failingStatusStore rejects one specific task status write,
// simulating a storage outage at that transition.
type failingStatusStore struct {
	taskstore.Store
	reject types.TaskStatus
}

func (s *failingStatusStore) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, output json.RawMessage, errMsg string) error {
	if status == s.reject {
		return errors.New("storage unavailable")
	}
	return s.Store.UpdateTaskStatus(ctx, taskID, status, output, errMsg)
}

// A status write failing mid-flight must still leave a failed task and
// a refunded reservation; otherwise the debit leaks with no terminal
// phase and the reconciler has nothing to settle it against.
func TestExecuteStatusWriteFailureRefundsQuota(t *testing.T) {
	for _, tc := range []struct {
		name   string
		reject types.TaskStatus
	}{
		{"processing write fails", types.TaskStatusProcessing},
		{"success write fails", types.TaskStatusSuccess},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.registry.Register("a", appendProvider("a"))

			pipeline := &types.Pipeline{Steps: []types.Step{fastStep("a", 0)}}
			taskID := f.startTask(t, pipeline, json.RawMessage(`{}`))

			eng := New(&failingStatusStore{Store: f.tasks, reject: tc.reject}, f.features, f.registry, f.quota, nil, nil)
			if err := eng.Execute(context.Background(), taskID, "feat", json.RawMessage(`{}`)); err == nil {
				t.Fatal("expected Execute to report failure")
			}

			if got := f.mustTask(t, taskID).Status; got != types.TaskStatusFailed {
				t.Errorf("expected failed task, got %s", got)
			}
			if phase := f.txPhase(t, taskID); phase != types.QuotaPhaseCancelled {
				t.Errorf("expected cancelled quota, got %s", phase)
			}
		})
	}
}

func TestExecuteEmitsEvents(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("a", appendProvider("a"))

	pipeline := &types.Pipeline{Steps: []types.Step{fastStep("a", 0)}}
	taskID := f.startTask(t, pipeline, json.RawMessage(`{}`))

	if err := f.engine.Execute(context.Background(), taskID, "feat", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	events, err := f.tasks.GetEventsSince(context.Background(), taskID, "")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}

	var statuses []string
	for _, evt := range events {
		if evt.Type != types.EventTypeTaskStatus {
			continue
		}
		var data types.TaskStatusEvent
		json.Unmarshal(evt.Data, &data)
		statuses = append(statuses, string(data.Status))
	}
	want := fmt.Sprintf("%v", []string{"processing", "success"})
	if got := fmt.Sprintf("%v", statuses); got != want {
		t.Errorf("expected task status events %s, got %s", want, got)
	}

	sawStep := false
	for _, evt := range events {
		if evt.Type == types.EventTypeStepStatus && evt.StepIndex != nil && *evt.StepIndex == 0 {
			sawStep = true
		}
	}
	if !sawStep {
		t.Error("expected step status events for step 0")
	}
}
