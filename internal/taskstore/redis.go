package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// RedisStore implements Store backed by Redis. Task and step state
// live in hashes; events use a capped Redis Stream.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64

	subsMu sync.RWMutex
	subs   map[string]map[chan *types.Event]struct{} // taskID -> channels
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "tasks")
	Prefix string

	// TTL for task data (default: 30 days)
	TTL time.Duration

	// EventMaxLen caps the per-task event stream
	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "tasks",
		TTL:          30 * 24 * time.Hour,
		EventMaxLen:  1000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed task store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tasks"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
		subs:   make(map[string]map[chan *types.Event]struct{}),
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(taskID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, taskID) }
func (s *RedisStore) keySteps(taskID string) string  { return fmt.Sprintf("%s:%s:steps", s.prefix, taskID) }
func (s *RedisStore) keyEvents(taskID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, taskID) }
func (s *RedisStore) keySeq(taskID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, taskID) }
func (s *RedisStore) keyAccount(accountID string) string {
	return fmt.Sprintf("%s:acct:%s", s.prefix, accountID)
}

// setTTL refreshes TTL on all keys for a task.
func (s *RedisStore) setTTL(ctx context.Context, taskID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(taskID), s.ttl)
	pipe.Expire(ctx, s.keySteps(taskID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(taskID), s.ttl)
	pipe.Expire(ctx, s.keySeq(taskID), s.ttl)
	pipe.Exec(ctx)
}

func (s *RedisStore) readTask(ctx context.Context, taskID string) (*types.Task, error) {
	raw, err := s.client.HGet(ctx, s.keyMeta(taskID), "json").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	task := &types.Task{}
	if err := json.Unmarshal([]byte(raw), task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, nil
}

func (s *RedisStore) writeTask(ctx context.Context, task *types.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.HSet(ctx, s.keyMeta(task.ID), "json", string(raw)).Err(); err != nil {
		return fmt.Errorf("set task: %w", err)
	}
	s.setTTL(ctx, task.ID)
	return nil
}

func (s *RedisStore) CreateTask(ctx context.Context, accountID, featureID string, input json.RawMessage) (_ string, err error) {
	defer func() { recordOp("redis", "create_task", err) }()

	taskID := uuid.New().String()
	now := time.Now().UTC()

	task := &types.Task{
		ID:        taskID,
		AccountID: accountID,
		FeatureID: featureID,
		Status:    types.TaskStatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.writeTask(ctx, task); err != nil {
		return "", err
	}
	if accountID != "" {
		s.client.ZAdd(ctx, s.keyAccount(accountID), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: taskID,
		})
		if s.ttl > 0 {
			s.client.Expire(ctx, s.keyAccount(accountID), s.ttl)
		}
	}
	return taskID, nil
}

func (s *RedisStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return s.readTask(ctx, taskID)
}

func (s *RedisStore) ListTasks(ctx context.Context, accountID string) ([]*types.TaskMeta, error) {
	if accountID == "" {
		return nil, fmt.Errorf("redis task listing requires an account id")
	}

	ids, err := s.client.ZRevRange(ctx, s.keyAccount(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var out []*types.TaskMeta
	for _, id := range ids {
		task, err := s.readTask(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue // expired
			}
			return nil, err
		}
		out = append(out, &types.TaskMeta{
			ID:         task.ID,
			AccountID:  task.AccountID,
			FeatureID:  task.FeatureID,
			Status:     task.Status,
			Error:      task.Error,
			CreatedAt:  task.CreatedAt,
			FinishedAt: task.FinishedAt,
		})
	}
	return out, nil
}

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, output json.RawMessage, errMsg string) (err error) {
	defer func() { recordOp("redis", "update_status", err) }()

	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	task.Status = status
	task.UpdatedAt = now
	if output != nil {
		task.Output = output
	}
	if errMsg != "" {
		task.Error = errMsg
	}
	if status == types.TaskStatusProcessing && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if status.Terminal() && task.FinishedAt == nil {
		task.FinishedAt = &now
	}
	return s.writeTask(ctx, task)
}

func (s *RedisStore) CreateSteps(ctx context.Context, taskID string, steps []*types.TaskStep) error {
	if _, err := s.readTask(ctx, taskID); err != nil {
		return err
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	if err := s.client.HSet(ctx, s.keySteps(taskID), "json", string(raw)).Err(); err != nil {
		return fmt.Errorf("set steps: %w", err)
	}
	s.setTTL(ctx, taskID)
	return nil
}

func (s *RedisStore) GetSteps(ctx context.Context, taskID string) ([]*types.TaskStep, error) {
	raw, err := s.client.HGet(ctx, s.keySteps(taskID), "json").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			if _, terr := s.readTask(ctx, taskID); terr != nil {
				return nil, terr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("get steps: %w", err)
	}
	var steps []*types.TaskStep
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return steps, nil
}

func (s *RedisStore) UpdateStep(ctx context.Context, taskID string, index int, step *types.TaskStep) (err error) {
	defer func() { recordOp("redis", "update_step", err) }()

	steps, err := s.GetSteps(ctx, taskID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(steps) {
		return ErrStepNotFound
	}

	cp := *step
	cp.TaskID = taskID
	cp.Index = index
	steps[index] = &cp

	raw, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	if err := s.client.HSet(ctx, s.keySteps(taskID), "json", string(raw)).Err(); err != nil {
		return fmt.Errorf("set steps: %w", err)
	}
	s.setTTL(ctx, taskID)
	return nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, taskID string, input *types.EventInput) (_ *types.Event, err error) {
	defer func() { recordOp("redis", "append_event", err) }()

	seq, err := s.client.Incr(ctx, s.keySeq(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	dataBytes, _ := json.Marshal(input.Data)

	event := &types.Event{
		ID:        formatSeq(seq),
		TaskID:    taskID,
		Type:      input.Type,
		StepIndex: input.StepIndex,
		Timestamp: now,
		Data:      dataBytes,
	}

	fields := map[string]interface{}{
		"seq":  event.ID,
		"ts":   now.Format(time.RFC3339Nano),
		"type": string(input.Type),
		"data": string(dataBytes),
	}
	if input.StepIndex != nil {
		fields["step"] = *input.StepIndex
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(taskID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}
	s.setTTL(ctx, taskID)

	s.notifySubscribers(taskID, event)

	if tse, ok := input.Data.(types.TaskStatusEvent); ok && tse.Status.Terminal() {
		s.closeSubscribers(taskID)
	}
	return event, nil
}

func (s *RedisStore) GetEventsSince(ctx context.Context, taskID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(taskID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	lastSeq := parseSeq(lastEventID)
	var events []*types.Event
	for _, entry := range entries {
		seqStr, _ := entry.Values["seq"].(string)
		if parseSeq(seqStr) <= lastSeq {
			continue
		}

		tsStr, _ := entry.Values["ts"].(string)
		timestamp, _ := time.Parse(time.RFC3339Nano, tsStr)
		eventType, _ := entry.Values["type"].(string)
		data, _ := entry.Values["data"].(string)

		event := &types.Event{
			ID:        seqStr,
			TaskID:    taskID,
			Type:      types.EventType(eventType),
			Timestamp: timestamp,
			Data:      json.RawMessage(data),
		}
		if stepStr, ok := entry.Values["step"].(string); ok {
			idx := int(parseSeq(stepStr))
			event.StepIndex = &idx
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, taskID string) (<-chan *types.Event, func(), error) {
	task, err := s.readTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	if task.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	s.subsMu.Lock()
	if s.subs[taskID] == nil {
		s.subs[taskID] = make(map[chan *types.Event]struct{})
	}
	s.subs[taskID][ch] = struct{}{}
	s.subsMu.Unlock()

	cleanup := func() {
		s.subsMu.Lock()
		if set, ok := s.subs[taskID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(s.subs, taskID)
			}
		}
		s.subsMu.Unlock()
	}
	return ch, cleanup, nil
}

func (s *RedisStore) notifySubscribers(taskID string, event *types.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs[taskID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *RedisStore) closeSubscribers(taskID string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for ch := range s.subs[taskID] {
		close(ch)
	}
	delete(s.subs, taskID)
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	info := map[string]interface{}{
		"adapter": "redis",
		"prefix":  s.prefix,
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		info["healthy"] = false
		info["error"] = err.Error()
	} else {
		info["healthy"] = true
	}
	return info, nil
}

// Close releases the Redis client and all subscriptions.
func (s *RedisStore) Close() error {
	s.subsMu.Lock()
	for taskID, set := range s.subs {
		for ch := range set {
			close(ch)
		}
		delete(s.subs, taskID)
	}
	s.subsMu.Unlock()

	return s.client.Close()
}
