package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MemoryBackend provides an in-memory storage backend for testing.
type MemoryBackend struct {
	mu       sync.RWMutex
	payloads map[string][]byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		payloads: make(map[string][]byte),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.payloads[path] = content
	m.mu.Unlock()

	return &Ref{
		URI:         fmt.Sprintf("memory://%s", path),
		ContentType: contentType,
		Size:        int64(len(content)),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (m *MemoryBackend) Get(ctx context.Context, ref *Ref) (io.ReadCloser, error) {
	path := strings.TrimPrefix(ref.URI, "memory://")

	m.mu.RLock()
	content, ok := m.payloads[path]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("payload not found: %s", ref.URI)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ref *Ref) error {
	path := strings.TrimPrefix(ref.URI, "memory://")

	m.mu.Lock()
	delete(m.payloads, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error) {
	// Memory backend doesn't support presigned URLs
	return "", fmt.Errorf("presigned URLs not supported for memory backend")
}
