// Package taskstore provides task state persistence and event
// streaming for pipeline executions.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tideflow-ai/tideflow/internal/metrics"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrStepNotFound = errors.New("task step not found")
)

// Store defines the interface for task persistence and event
// streaming. Implementations must be safe for concurrent use. Every
// write commits before returning, so pollers always observe
// monotonically advancing state.
type Store interface {
	// Task lifecycle
	CreateTask(ctx context.Context, accountID, featureID string, input json.RawMessage) (string, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasks(ctx context.Context, accountID string) ([]*types.TaskMeta, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, output json.RawMessage, errMsg string) error

	// Step tracking. Steps are bulk-created when execution starts and
	// mutated in place across retry attempts.
	CreateSteps(ctx context.Context, taskID string, steps []*types.TaskStep) error
	GetSteps(ctx context.Context, taskID string) ([]*types.TaskStep, error)
	UpdateStep(ctx context.Context, taskID string, index int, step *types.TaskStep) error

	// Event streaming
	// AppendEvent adds an event to the task's stream and returns it.
	AppendEvent(ctx context.Context, taskID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID
	// (exclusive). An empty lastEventID returns everything.
	GetEventsSince(ctx context.Context, taskID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the task.
	// The cleanup function must be called when done. The channel is
	// closed once the task reaches a terminal status.
	Subscribe(ctx context.Context, taskID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for Store implementations.
type Config struct {
	// Maximum number of events to keep per task (ring buffer)
	EventMaxLen int64

	// TTL for tasks in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for Store configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 1000,
		TTLSeconds:  30 * 24 * 60 * 60, // 30 days
	}
}

// recordOp counts one store write operation by outcome.
func recordOp(store, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(store, op, result).Inc()
}
