package taskstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// memoryTask holds all state for a single task in memory.
type memoryTask struct {
	mu          sync.RWMutex
	task        types.Task
	steps       []*types.TaskStep
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of Store. Suitable for
// development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*memoryTask
	config *Config
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		tasks:  make(map[string]*memoryTask),
		config: cfg,
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, accountID, featureID string, input json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer recordOp("memory", "create_task", nil)

	taskID := uuid.New().String()
	now := time.Now().UTC()

	s.tasks[taskID] = &memoryTask{
		task: types.Task{
			ID:        taskID,
			AccountID: accountID,
			FeatureID: featureID,
			Status:    types.TaskStatusPending,
			Input:     input,
			CreatedAt: now,
			UpdatedAt: now,
		},
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return taskID, nil
}

func (s *MemoryStore) get(taskID string) (*memoryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return mt, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	mt, err := s.get(taskID)
	if err != nil {
		return nil, err
	}

	mt.mu.RLock()
	defer mt.mu.RUnlock()

	cp := mt.task
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, accountID string) ([]*types.TaskMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TaskMeta
	for _, mt := range s.tasks {
		mt.mu.RLock()
		t := mt.task
		mt.mu.RUnlock()
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		out = append(out, &types.TaskMeta{
			ID:         t.ID,
			AccountID:  t.AccountID,
			FeatureID:  t.FeatureID,
			Status:     t.Status,
			Error:      t.Error,
			CreatedAt:  t.CreatedAt,
			FinishedAt: t.FinishedAt,
		})
	}
	return out, nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, output json.RawMessage, errMsg string) (err error) {
	defer func() { recordOp("memory", "update_status", err) }()

	mt, err := s.get(taskID)
	if err != nil {
		return err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	now := time.Now().UTC()
	mt.task.Status = status
	mt.task.UpdatedAt = now
	if output != nil {
		mt.task.Output = output
	}
	if errMsg != "" {
		mt.task.Error = errMsg
	}
	if status == types.TaskStatusProcessing && mt.task.StartedAt == nil {
		mt.task.StartedAt = &now
	}
	if status.Terminal() && mt.task.FinishedAt == nil {
		mt.task.FinishedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateSteps(ctx context.Context, taskID string, steps []*types.TaskStep) error {
	mt, err := s.get(taskID)
	if err != nil {
		return err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.steps = make([]*types.TaskStep, len(steps))
	for i, step := range steps {
		cp := *step
		mt.steps[i] = &cp
	}
	return nil
}

func (s *MemoryStore) GetSteps(ctx context.Context, taskID string) ([]*types.TaskStep, error) {
	mt, err := s.get(taskID)
	if err != nil {
		return nil, err
	}

	mt.mu.RLock()
	defer mt.mu.RUnlock()

	out := make([]*types.TaskStep, len(mt.steps))
	for i, step := range mt.steps {
		cp := *step
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, taskID string, index int, step *types.TaskStep) (err error) {
	defer func() { recordOp("memory", "update_step", err) }()

	mt, err := s.get(taskID)
	if err != nil {
		return err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if index < 0 || index >= len(mt.steps) {
		return ErrStepNotFound
	}
	cp := *step
	cp.TaskID = taskID
	cp.Index = index
	mt.steps[index] = &cp
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, taskID string, input *types.EventInput) (_ *types.Event, err error) {
	defer func() { recordOp("memory", "append_event", err) }()

	mt, err := s.get(taskID)
	if err != nil {
		return nil, err
	}

	dataBytes, _ := json.Marshal(input.Data)

	mt.mu.Lock()

	event := &types.Event{
		ID:        formatSeq(mt.nextSeq),
		TaskID:    taskID,
		Type:      input.Type,
		StepIndex: input.StepIndex,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}
	mt.nextSeq++

	mt.events = append(mt.events, event)
	if mt.maxEvents > 0 && int64(len(mt.events)) > mt.maxEvents {
		mt.events = mt.events[int64(len(mt.events))-mt.maxEvents:]
	}

	// Notify subscribers without blocking on slow consumers.
	for ch := range mt.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	// A terminal task status event ends every subscription.
	terminal := false
	if tse, ok := input.Data.(types.TaskStatusEvent); ok && tse.Status.Terminal() {
		terminal = true
	}
	if terminal {
		for ch := range mt.subscribers {
			close(ch)
		}
		mt.subscribers = make(map[chan *types.Event]struct{})
	}

	mt.mu.Unlock()
	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, taskID string, lastEventID string) ([]*types.Event, error) {
	mt, err := s.get(taskID)
	if err != nil {
		return nil, err
	}

	mt.mu.RLock()
	defer mt.mu.RUnlock()

	lastSeq := parseSeq(lastEventID)
	var out []*types.Event
	for _, evt := range mt.events {
		if parseSeq(evt.ID) <= lastSeq {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, taskID string) (<-chan *types.Event, func(), error) {
	mt, err := s.get(taskID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	mt.mu.Lock()
	if mt.task.Status.Terminal() {
		mt.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	mt.subscribers[ch] = struct{}{}
	mt.mu.Unlock()

	cleanup := func() {
		mt.mu.Lock()
		if _, ok := mt.subscribers[ch]; ok {
			delete(mt.subscribers, ch)
			close(ch)
		}
		mt.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"adapter": "memory",
		"tasks":   len(s.tasks),
	}, nil
}

// Close releases all subscriptions.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mt := range s.tasks {
		mt.mu.Lock()
		for ch := range mt.subscribers {
			close(ch)
		}
		mt.subscribers = make(map[chan *types.Event]struct{})
		mt.mu.Unlock()
	}
	return nil
}
