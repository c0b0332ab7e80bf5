package featurestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	features map[string]*Feature
}

// NewMemoryStore creates a new in-memory feature store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		features: make(map[string]*Feature),
	}
}

// Create saves a new feature.
func (s *MemoryStore) Create(ctx context.Context, req *CreateFeatureRequest) (*Feature, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	if _, exists := s.features[id]; exists {
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

	s.features[id] = feature
	cp := *feature
	return &cp, nil
}

// Get retrieves a feature by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feature, ok := s.features[id]
	if !ok {
		return nil, ErrFeatureNotFound
	}

	// Return a copy to prevent external mutation
	cp := *feature
	return &cp, nil
}

// Update modifies an existing feature.
func (s *MemoryStore) Update(ctx context.Context, id string, req *UpdateFeatureRequest) (*Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	feature, ok := s.features[id]
	if !ok {
		return nil, ErrFeatureNotFound
	}

	applyUpdate(feature, req)
	feature.UpdatedAt = time.Now().UTC()

	cp := *feature
	return &cp, nil
}

// Delete removes a feature.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.features[id]; !ok {
		return ErrFeatureNotFound
	}

	delete(s.features, id)
	return nil
}

// List returns all features matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*Feature, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var features []*Feature
	for _, feature := range s.features {
		if opts.CreatedBy != "" && feature.CreatedBy != opts.CreatedBy {
			continue
		}
		cp := *feature
		features = append(features, &cp)
	}

	return paginate(features, opts), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func applyUpdate(feature *Feature, req *UpdateFeatureRequest) {
	if req.Name != nil {
		feature.Name = *req.Name
	}
	if req.Description != nil {
		feature.Description = *req.Description
	}
	if req.Version != nil {
		feature.Version = *req.Version
	}
	if req.QuotaCost != nil {
		feature.QuotaCost = *req.QuotaCost
	}
	if req.Graph != nil {
		feature.Graph = req.Graph
	}
	if req.Pipeline != nil {
		feature.Pipeline = req.Pipeline
	}
	if req.Metadata != nil {
		feature.Metadata = req.Metadata
	}
}

func paginate(features []*Feature, opts *ListOptions) []*Feature {
	if opts.Offset > 0 {
		if opts.Offset >= len(features) {
			return []*Feature{}
		}
		features = features[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(features) {
		features = features[:opts.Limit]
	}
	return features
}
