package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tideflow-ai/tideflow/internal/metrics"
	"github.com/tideflow-ai/tideflow/internal/taskstore"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

// StreamEvents handles GET /api/v1/tasks/{id}/events
// It implements Server-Sent Events (SSE) for streaming task events.
// Last-Event-ID resumes the stream; the subscription channel closing
// means the task reached a terminal status.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]
	startTime := time.Now()

	requestID := GetRequestID(ctx, r)

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("task_id", taskID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if _, err := h.tasks.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get task", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	lastEventID := r.Header.Get("Last-Event-ID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming not supported", errors.New("response writer is not a flusher"))
		return
	}
	flusher.Flush()

	// Subscribe before replay so no event falls between the two.
	eventCh, cleanup, err := h.tasks.Subscribe(ctx, taskID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "task_id", taskID)
		return
	}
	defer cleanup()

	// Replay history. With no Last-Event-ID this is the full stream
	// from the beginning.
	replayed, err := h.tasks.GetEventsSince(ctx, taskID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "task_id", taskID)
	}
	lastSeq := taskstore.ParseSeq(lastEventID)
	for _, evt := range replayed {
		h.writeSSE(w, flusher, evt)
		lastSeq = taskstore.ParseSeq(evt.ID)
	}

	done := r.Context().Done()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			duration := time.Since(startTime)
			metrics.SSEConnectionDuration.Observe(duration.Seconds())
			h.logger.Info("SSE connection closed (client disconnect)",
				slog.String("task_id", taskID),
				slog.String("request_id", requestID),
				slog.Duration("duration", duration),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				// Channel closed: the task is terminal.
				h.sendFinalEvent(ctx, w, flusher, taskID)
				duration := time.Since(startTime)
				metrics.SSEConnectionDuration.Observe(duration.Seconds())
				h.logger.Info("SSE connection closed (task completed)",
					slog.String("task_id", taskID),
					slog.String("request_id", requestID),
					slog.Duration("duration", duration),
				)
				return
			}
			// Skip anything already covered by the replay. Sequence
			// numbers compare numerically, never as strings.
			seq := taskstore.ParseSeq(evt.ID)
			if seq <= lastSeq {
				continue
			}
			h.writeSSE(w, flusher, evt)
			lastSeq = seq

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendFinalEvent sends a closing task_status event carrying the final
// status, in case the terminal event raced past this subscriber.
func (h *Handlers) sendFinalEvent(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, taskID string) {
	task, err := h.tasks.GetTask(ctx, taskID)
	if err != nil {
		h.logger.Error("failed to get task for final event", "error", err)
		return
	}

	data, _ := json.Marshal(types.TaskStatusEvent{
		Status: task.Status,
		Error:  task.Error,
	})
	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		TaskID:    taskID,
		Type:      types.EventTypeTaskStatus,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
