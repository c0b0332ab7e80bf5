package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of task event.
type EventType string

const (
	EventTypeTaskStatus EventType = "task_status"
	EventTypeStepStatus EventType = "step_status"
	EventTypeLog        EventType = "log"
	EventTypeError      EventType = "error"
)

// Event is a single entry in a task's event stream.
type Event struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      EventType       `json:"type"`
	StepIndex *int            `json:"step_index,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type      EventType   `json:"type"`
	StepIndex *int        `json:"step_index,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// TaskStatusEvent is the data payload for task status change events.
type TaskStatusEvent struct {
	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// StepStatusEvent is the data payload for step status change events.
type StepStatusEvent struct {
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
