package types

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// StepStatus represents the current state of a step within a task.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// Task is one execution of a feature's pipeline. Created pending by
// the task-creation endpoint, mutated only by the execution engine,
// terminal at success or failed.
type Task struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id"`
	FeatureID  string          `json:"feature_id"`
	Status     TaskStatus      `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TaskStep is one row per pipeline step per task. The row is mutated
// in place across retry attempts; no new rows are created per attempt.
type TaskStep struct {
	TaskID      string          `json:"task_id"`
	Index       int             `json:"index"`
	Type        string          `json:"type"`
	ProviderRef string          `json:"provider_ref,omitempty"`
	Status      StepStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// TaskMeta is a lightweight representation of a task for listing.
type TaskMeta struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	FeatureID  string     `json:"feature_id"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
