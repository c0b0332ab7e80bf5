// Package payload offloads oversized task and step outputs to object
// storage, keeping only a compact reference in the task store.
package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tideflow-ai/tideflow/internal/metrics"
)

// DefaultThreshold is the inline size limit in bytes. Outputs at or
// below this stay in the task store verbatim.
const DefaultThreshold = 256 * 1024

// Ref points at an offloaded payload in object storage.
type Ref struct {
	// URI is the full payload path (e.g., "s3://bucket/path/to/output.json")
	URI string `json:"uri"`

	// ContentType is the MIME type
	ContentType string `json:"content_type,omitempty"`

	// Size in bytes
	Size int64 `json:"size,omitempty"`

	// Checksum (SHA256)
	Checksum string `json:"checksum,omitempty"`

	// CreatedAt timestamp
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// envelope is the JSON shape stored in place of an offloaded payload.
type envelope struct {
	Payload *Ref `json:"$payload"`
}

// Backend defines the storage backend interface.
type Backend interface {
	// Put stores data and returns a payload reference
	Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error)

	// Get retrieves data for a payload
	Get(ctx context.Context, ref *Ref) (io.ReadCloser, error)

	// Delete removes a payload
	Delete(ctx context.Context, ref *Ref) error

	// PresignGet generates a presigned URL for download
	PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error)
}

// Config holds payload service configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio"
	Type string

	// Threshold in bytes above which outputs are offloaded
	Threshold int

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Path prefix for all payloads
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       "memory",
		Threshold:  DefaultThreshold,
		PathPrefix: "payloads",
	}
}

// Service decides which outputs to offload and resolves references
// back to their content.
type Service struct {
	backend   Backend
	threshold int
}

// New creates a new payload service.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "memory":
		backend = NewMemoryBackend()
	case "s3", "minio":
		s3Backend, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Service{backend: backend, threshold: threshold}, nil
}

// stepPath generates the storage path for a step output.
func stepPath(taskID string, stepIndex int) string {
	return fmt.Sprintf("tasks/%s/steps/%d/output.json", taskID, stepIndex)
}

// taskPath generates the storage path for a final task output.
func taskPath(taskID string) string {
	return fmt.Sprintf("tasks/%s/output.json", taskID)
}

// OffloadStep stores a step output if it exceeds the threshold and
// returns what should be persisted in the task store. Small outputs
// come back unchanged.
func (s *Service) OffloadStep(ctx context.Context, taskID string, stepIndex int, output json.RawMessage) (json.RawMessage, error) {
	return s.offload(ctx, stepPath(taskID, stepIndex), output)
}

// OffloadTask stores a final task output if it exceeds the threshold.
func (s *Service) OffloadTask(ctx context.Context, taskID string, output json.RawMessage) (json.RawMessage, error) {
	return s.offload(ctx, taskPath(taskID), output)
}

func (s *Service) offload(ctx context.Context, path string, output json.RawMessage) (json.RawMessage, error) {
	if len(output) <= s.threshold {
		return output, nil
	}

	ref, err := s.backend.Put(ctx, path, bytes.NewReader(output), "application/json")
	if err != nil {
		metrics.PayloadOffloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("offload payload: %w", err)
	}
	metrics.PayloadOffloadsTotal.WithLabelValues("offloaded").Inc()

	stored, err := json.Marshal(envelope{Payload: ref})
	if err != nil {
		return nil, fmt.Errorf("marshal payload ref: %w", err)
	}
	return stored, nil
}

// Resolve returns the original content for a stored output. If the
// output is not an offload reference it is returned as-is.
func (s *Service) Resolve(ctx context.Context, stored json.RawMessage) (json.RawMessage, error) {
	ref, ok := ParseRef(stored)
	if !ok {
		return stored, nil
	}

	rc, err := s.backend.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve payload: %w", err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return content, nil
}

// DownloadURL generates a presigned URL for an offloaded output.
func (s *Service) DownloadURL(ctx context.Context, stored json.RawMessage, expiry time.Duration) (string, error) {
	ref, ok := ParseRef(stored)
	if !ok {
		return "", fmt.Errorf("output is not an offloaded payload")
	}
	return s.backend.PresignGet(ctx, ref, expiry)
}

// ParseRef reports whether stored content is an offload envelope and
// returns the reference if so.
func ParseRef(stored json.RawMessage) (*Ref, bool) {
	var env envelope
	if err := json.Unmarshal(stored, &env); err != nil || env.Payload == nil || env.Payload.URI == "" {
		return nil, false
	}
	return env.Payload, true
}
