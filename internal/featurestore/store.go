// Package featurestore provides feature definition persistence. A
// feature binds a validated workflow graph, its linearized pipeline,
// and the quota cost charged per execution.
package featurestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrFeatureNotFound = errors.New("feature not found")
	ErrFeatureExists   = errors.New("feature already exists")
)

// Feature represents a saved, runnable capability.
type Feature struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	QuotaCost   int64           `json:"quota_cost"`
	Graph       json.RawMessage `json:"graph,omitempty"` // source nodes + edges
	Pipeline    *types.Pipeline `json:"pipeline,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// CreateFeatureRequest is the input for creating a new feature.
type CreateFeatureRequest struct {
	ID          string          `json:"id,omitempty"` // Optional, auto-generated if empty
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	QuotaCost   int64           `json:"quota_cost,omitempty"` // Defaults to 1
	Graph       json.RawMessage `json:"graph,omitempty"`
	Pipeline    *types.Pipeline `json:"pipeline,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// UpdateFeatureRequest is the input for updating an existing feature.
type UpdateFeatureRequest struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Version     *string         `json:"version,omitempty"`
	QuotaCost   *int64          `json:"quota_cost,omitempty"`
	Graph       json.RawMessage `json:"graph,omitempty"`
	Pipeline    *types.Pipeline `json:"pipeline,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	CreatedBy string // Filter by creator
}

// Store defines the interface for feature persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create saves a new feature. Returns ErrFeatureExists if ID is taken.
	Create(ctx context.Context, req *CreateFeatureRequest) (*Feature, error)

	// Get retrieves a feature by ID. Returns ErrFeatureNotFound if not found.
	Get(ctx context.Context, id string) (*Feature, error)

	// Update modifies an existing feature. Returns ErrFeatureNotFound if not found.
	Update(ctx context.Context, id string, req *UpdateFeatureRequest) (*Feature, error)

	// Delete removes a feature. Returns ErrFeatureNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns all features matching the options.
	List(ctx context.Context, opts *ListOptions) ([]*Feature, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a CreateFeatureRequest is valid.
func (r *CreateFeatureRequest) Validate() error {
	if r.Name == "" {
		return errors.New("feature name is required")
	}
	if r.QuotaCost < 0 {
		return errors.New("quota cost must not be negative")
	}
	return nil
}
