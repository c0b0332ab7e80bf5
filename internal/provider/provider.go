// Package provider defines the pluggable step capability interface
// and the registry that resolves step types to implementations.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Common errors returned by the registry.
var (
	ErrProviderNotFound = errors.New("provider not registered")
	ErrProviderExists   = errors.New("provider already registered")
)

// Provider performs the actual work for one step type. Implementations
// may block; they must honor ctx cancellation for timeout abandonment.
type Provider interface {
	Execute(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error)

// Execute implements Provider.
func (f Func) Execute(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error) {
	return f(ctx, input, taskID)
}

// Registry maps step type keys to providers. It is populated once at
// startup and read-only thereafter; the lock exists only to keep
// registration during wiring safe.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under the given type key. A ref-specific
// variant can be registered as "type/ref". Returns ErrProviderExists
// if the key is taken.
func (r *Registry) Register(typeKey string, p Provider) error {
	if typeKey == "" {
		return fmt.Errorf("provider type key is required")
	}
	if p == nil {
		return fmt.Errorf("provider %q is nil", typeKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[typeKey]; exists {
		return ErrProviderExists
	}
	r.providers[typeKey] = p
	return nil
}

// Get resolves a provider for a step. When providerRef is set, a
// "type/ref" registration takes precedence over the plain type key.
func (r *Registry) Get(typeKey, providerRef string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if providerRef != "" {
		if p, ok := r.providers[typeKey+"/"+providerRef]; ok {
			return p, nil
		}
	}
	if p, ok := r.providers[typeKey]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, typeKey)
}

// Types returns the registered type keys, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
