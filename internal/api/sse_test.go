package api

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/tideflow-ai/tideflow/internal/taskstore"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

func newStreamFixture(t *testing.T) (*Handlers, *taskstore.MemoryStore) {
	t.Helper()
	tasks := taskstore.NewMemoryStore(nil)
	t.Cleanup(func() { tasks.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(tasks, nil, nil, nil, nil, nil, nil, nil, logger), tasks
}

// Live events must keep flowing once the replay ends on a single-digit
// ID; sequence IDs order numerically, and a string comparison would
// drop "10" as smaller than "9".
func TestStreamEventsContinuesPastSingleDigitIDs(t *testing.T) {
	h, tasks := newStreamFixture(t)
	ctx := context.Background()

	taskID, err := tasks.CreateTask(ctx, "acct", "feat", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < 9; i++ {
		if _, err := tasks.AppendEvent(ctx, taskID, &types.EventInput{
			Type: types.EventTypeLog,
			Data: map[string]int{"n": i},
		}); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/api/v1/tasks/"+taskID+"/events", nil).WithContext(reqCtx)
	req = mux.SetURLVars(req, map[string]string{"id": taskID})
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.StreamEvents(rec, req)
		close(done)
	}()

	// Let the handler subscribe and drain the replay.
	time.Sleep(50 * time.Millisecond)

	if _, err := tasks.AppendEvent(ctx, taskID, &types.EventInput{
		Type: types.EventTypeLog,
		Data: map[string]string{"live": "yes"},
	}); err != nil {
		t.Fatalf("append live event: %v", err)
	}
	if err := tasks.UpdateTaskStatus(ctx, taskID, types.TaskStatusSuccess, nil, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := tasks.AppendEvent(ctx, taskID, &types.EventInput{
		Type: types.EventTypeTaskStatus,
		Data: types.TaskStatusEvent{Status: types.TaskStatusSuccess},
	}); err != nil {
		t.Fatalf("append terminal event: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after the terminal event")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "id: 9\n") {
		t.Fatalf("replay did not reach event 9:\n%s", body)
	}
	if !strings.Contains(body, "id: 10\n") {
		t.Errorf("live event 10 missing from stream:\n%s", body)
	}
	if !strings.Contains(body, "id: 11\n") {
		t.Errorf("terminal event 11 missing from stream:\n%s", body)
	}
}

// Resuming with Last-Event-ID must not resend old events and must not
// suppress newer ones.
func TestStreamEventsResume(t *testing.T) {
	h, tasks := newStreamFixture(t)
	ctx := context.Background()

	taskID, err := tasks.CreateTask(ctx, "acct", "feat", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < 12; i++ {
		if _, err := tasks.AppendEvent(ctx, taskID, &types.EventInput{
			Type: types.EventTypeLog,
			Data: map[string]int{"n": i},
		}); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
	if err := tasks.UpdateTaskStatus(ctx, taskID, types.TaskStatusSuccess, nil, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/tasks/"+taskID+"/events", nil)
	req.Header.Set("Last-Event-ID", "9")
	req = mux.SetURLVars(req, map[string]string{"id": taskID})
	rec := httptest.NewRecorder()

	// Task is terminal, so the subscription channel comes back closed
	// and the handler returns after the replay.
	h.StreamEvents(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "id: 9\n") {
		t.Errorf("event 9 must not be resent on resume:\n%s", body)
	}
	for _, id := range []string{"id: 10\n", "id: 11\n", "id: 12\n"} {
		if !strings.Contains(body, id) {
			t.Errorf("resumed stream missing %q:\n%s", strings.TrimSpace(id), body)
		}
	}
}
