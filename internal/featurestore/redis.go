package featurestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	featureKeyPrefix = "feature:"
	featureListKey   = "features"
)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed feature store.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) featureKey(id string) string {
	return featureKeyPrefix + id
}

// Create saves a new feature.
func (s *RedisStore) Create(ctx context.Context, req *CreateFeatureRequest) (*Feature, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	exists, err := s.client.Exists(ctx, s.featureKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check exists: %w", err)
	}
	if exists > 0 {
		return nil, ErrFeatureExists
	}

	cost := req.QuotaCost
	if cost == 0 {
		cost = 1
	}

	now := time.Now().UTC()
	feature := &Feature{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1",
		QuotaCost:   cost,
		Graph:       req.Graph,
		Pipeline:    req.Pipeline,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}

	if err := s.save(ctx, feature, true); err != nil {
		return nil, err
	}
	return feature, nil
}

func (s *RedisStore) save(ctx context.Context, feature *Feature, index bool) error {
	data, err := json.Marshal(feature)
	if err != nil {
		return fmt.Errorf("marshal feature: %w", err)
	}

	if !index {
		if err := s.client.Set(ctx, s.featureKey(feature.ID), data, 0).Err(); err != nil {
			return fmt.Errorf("save feature: %w", err)
		}
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.featureKey(feature.ID), data, 0)
	pipe.SAdd(ctx, featureListKey, feature.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save feature: %w", err)
	}
	return nil
}

// Get retrieves a feature by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Feature, error) {
	data, err := s.client.Get(ctx, s.featureKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFeatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feature: %w", err)
	}

	var feature Feature
	if err := json.Unmarshal(data, &feature); err != nil {
		return nil, fmt.Errorf("unmarshal feature: %w", err)
	}
	return &feature, nil
}

// Update modifies an existing feature.
func (s *RedisStore) Update(ctx context.Context, id string, req *UpdateFeatureRequest) (*Feature, error) {
	feature, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	applyUpdate(feature, req)
	feature.UpdatedAt = time.Now().UTC()

	if err := s.save(ctx, feature, false); err != nil {
		return nil, err
	}
	return feature, nil
}

// Delete removes a feature.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.featureKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrFeatureNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.featureKey(id))
	pipe.SRem(ctx, featureListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete feature: %w", err)
	}
	return nil
}

// List returns all features matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*Feature, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, featureListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list feature ids: %w", err)
	}

	var features []*Feature
	for _, id := range ids {
		feature, err := s.Get(ctx, id)
		if errors.Is(err, ErrFeatureNotFound) {
			// Stale reference, clean up
			s.client.SRem(ctx, featureListKey, id)
			continue
		}
		if err != nil {
			continue
		}
		if opts.CreatedBy != "" && feature.CreatedBy != opts.CreatedBy {
			continue
		}
		features = append(features, feature)
	}

	return paginate(features, opts), nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
