package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tideflow-ai/tideflow/internal/metrics"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(nil)
}

func mustCreateTask(t *testing.T, s *MemoryStore) string {
	t.Helper()
	taskID, err := s.CreateTask(context.Background(), "acct", "feat", json.RawMessage(`{"q":"hi"}`))
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return taskID
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("create and get", func(t *testing.T) {
		taskID := mustCreateTask(t, s)

		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if task.Status != types.TaskStatusPending {
			t.Errorf("expected pending status, got %s", task.Status)
		}
		if task.AccountID != "acct" || task.FeatureID != "feat" {
			t.Errorf("unexpected identifiers: %s/%s", task.AccountID, task.FeatureID)
		}
		if task.StartedAt != nil || task.FinishedAt != nil {
			t.Error("new task must not carry start or finish times")
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		if _, err := s.GetTask(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("status transitions set timestamps once", func(t *testing.T) {
		taskID := mustCreateTask(t, s)

		if err := s.UpdateTaskStatus(ctx, taskID, types.TaskStatusProcessing, nil, ""); err != nil {
			t.Fatalf("UpdateTaskStatus failed: %v", err)
		}
		task, _ := s.GetTask(ctx, taskID)
		if task.StartedAt == nil {
			t.Fatal("processing must set StartedAt")
		}
		started := *task.StartedAt

		if err := s.UpdateTaskStatus(ctx, taskID, types.TaskStatusSuccess, json.RawMessage(`{"ok":true}`), ""); err != nil {
			t.Fatalf("UpdateTaskStatus failed: %v", err)
		}
		task, _ = s.GetTask(ctx, taskID)
		if task.FinishedAt == nil {
			t.Fatal("terminal status must set FinishedAt")
		}
		if !task.StartedAt.Equal(started) {
			t.Error("StartedAt must not change after first transition")
		}
		if string(task.Output) != `{"ok":true}` {
			t.Errorf("unexpected output: %s", task.Output)
		}
	})

	t.Run("list filters by account", func(t *testing.T) {
		s := newTestStore(t)
		mustCreateTask(t, s)
		if _, err := s.CreateTask(ctx, "other", "feat", nil); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}

		metas, err := s.ListTasks(ctx, "acct")
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		if len(metas) != 1 || metas[0].AccountID != "acct" {
			t.Errorf("expected exactly the acct task, got %d entries", len(metas))
		}
	})
}

func TestStepTracking(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	taskID := mustCreateTask(t, s)

	steps := []*types.TaskStep{
		{TaskID: taskID, Index: 0, Type: "echo", Status: types.StepStatusPending},
		{TaskID: taskID, Index: 1, Type: "echo", Status: types.StepStatusPending},
	}
	if err := s.CreateSteps(ctx, taskID, steps); err != nil {
		t.Fatalf("CreateSteps failed: %v", err)
	}

	t.Run("update in place", func(t *testing.T) {
		if err := s.UpdateStep(ctx, taskID, 1, &types.TaskStep{
			Type:     "echo",
			Status:   types.StepStatusCompleted,
			Attempts: 2,
			Output:   json.RawMessage(`{"v":1}`),
		}); err != nil {
			t.Fatalf("UpdateStep failed: %v", err)
		}

		got, err := s.GetSteps(ctx, taskID)
		if err != nil {
			t.Fatalf("GetSteps failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 steps, got %d", len(got))
		}
		if got[0].Status != types.StepStatusPending {
			t.Errorf("step 0 must be untouched, got %s", got[0].Status)
		}
		if got[1].Status != types.StepStatusCompleted || got[1].Attempts != 2 {
			t.Errorf("step 1 not updated: %+v", got[1])
		}
		if got[1].TaskID != taskID || got[1].Index != 1 {
			t.Errorf("update must pin task id and index, got %s/%d", got[1].TaskID, got[1].Index)
		}
	})

	t.Run("out of range index", func(t *testing.T) {
		if err := s.UpdateStep(ctx, taskID, 5, &types.TaskStep{}); !errors.Is(err, ErrStepNotFound) {
			t.Errorf("expected ErrStepNotFound, got %v", err)
		}
	})
}

func TestEventStream(t *testing.T) {
	ctx := context.Background()

	t.Run("append assigns increasing sequence ids", func(t *testing.T) {
		s := newTestStore(t)
		taskID := mustCreateTask(t, s)

		e1, err := s.AppendEvent(ctx, taskID, &types.EventInput{Type: types.EventTypeLog, Data: "one"})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		e2, _ := s.AppendEvent(ctx, taskID, &types.EventInput{Type: types.EventTypeLog, Data: "two"})

		if parseSeq(e2.ID) <= parseSeq(e1.ID) {
			t.Errorf("event ids must increase: %s then %s", e1.ID, e2.ID)
		}
	})

	t.Run("events since resumes after last id", func(t *testing.T) {
		s := newTestStore(t)
		taskID := mustCreateTask(t, s)

		s.AppendEvent(ctx, taskID, &types.EventInput{Type: types.EventTypeLog, Data: "one"})
		e2, _ := s.AppendEvent(ctx, taskID, &types.EventInput{Type: types.EventTypeLog, Data: "two"})
		s.AppendEvent(ctx, taskID, &types.EventInput{Type: types.EventTypeLog, Data: "three"})

		all, err := s.GetEventsSince(ctx, taskID, "")
		if err != nil {
			t.Fatalf("GetEventsSince failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 events, got %d", len(all))
		}

		tail, _ := s.GetEventsSince(ctx, taskID, e2.ID)
		if len(tail) != 1 || tail[0].ID <= e2.ID {
			t.Fatalf("expected only events after %s, got %d", e2.ID, len(tail))
		}
	})

	t.Run("subscribers receive events", func(t *testing.T) {
		s := newTestStore(t)
		taskID := mustCreateTask(t, s)

		ch, cleanup, err := s.Subscribe(ctx, taskID)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer cleanup()

		s.AppendEvent(ctx, taskID, &types.EventInput{Type: types.EventTypeLog, Data: "hello"})

		evt := <-ch
		if evt == nil || evt.Type != types.EventTypeLog {
			t.Fatalf("expected log event, got %+v", evt)
		}
	})

	t.Run("terminal status event closes subscriptions", func(t *testing.T) {
		s := newTestStore(t)
		taskID := mustCreateTask(t, s)

		ch, cleanup, _ := s.Subscribe(ctx, taskID)
		defer cleanup()

		s.AppendEvent(ctx, taskID, &types.EventInput{
			Type: types.EventTypeTaskStatus,
			Data: types.TaskStatusEvent{Status: types.TaskStatusSuccess},
		})

		// Drain the delivered event, then expect closure.
		<-ch
		if _, open := <-ch; open {
			t.Error("channel must be closed after a terminal task status event")
		}
	})

	t.Run("subscribing to a finished task yields a closed channel", func(t *testing.T) {
		s := newTestStore(t)
		taskID := mustCreateTask(t, s)
		s.UpdateTaskStatus(ctx, taskID, types.TaskStatusFailed, nil, "boom")

		ch, cleanup, err := s.Subscribe(ctx, taskID)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer cleanup()

		if _, open := <-ch; open {
			t.Error("expected closed channel for terminal task")
		}
	})
}

// Store writes feed the shared operations counter, split by outcome.
func TestStoreOperationsCounter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	okBefore := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("memory", "create_task", "ok"))
	mustCreateTask(t, s)
	if got := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("memory", "create_task", "ok")); got != okBefore+1 {
		t.Errorf("expected create_task ok count %v, got %v", okBefore+1, got)
	}

	errBefore := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("memory", "update_status", "error"))
	if err := s.UpdateTaskStatus(ctx, "ghost", types.TaskStatusFailed, nil, ""); err == nil {
		t.Fatal("expected error for unknown task")
	}
	if got := testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("memory", "update_status", "error")); got != errBefore+1 {
		t.Errorf("expected update_status error count %v, got %v", errBefore+1, got)
	}
}
