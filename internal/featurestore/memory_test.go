package featurestore

import (
	"context"
	"errors"
	"testing"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

func testPipeline() *types.Pipeline {
	return &types.Pipeline{
		Steps: []types.Step{{Type: "echo"}},
	}
}

func TestMemoryStoreCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("creates with generated id and default cost", func(t *testing.T) {
		feature, err := s.Create(ctx, &CreateFeatureRequest{
			Name:     "summarize",
			Pipeline: testPipeline(),
		})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if feature.ID == "" {
			t.Error("expected generated ID")
		}
		if feature.QuotaCost != 1 {
			t.Errorf("expected default quota cost 1, got %d", feature.QuotaCost)
		}
		if feature.CreatedAt.IsZero() || feature.UpdatedAt.IsZero() {
			t.Error("timestamps must be set")
		}
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		if _, err := s.Create(ctx, &CreateFeatureRequest{ID: "dup", Name: "a"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := s.Create(ctx, &CreateFeatureRequest{ID: "dup", Name: "b"}); !errors.Is(err, ErrFeatureExists) {
			t.Errorf("expected ErrFeatureExists, got %v", err)
		}
	})

	t.Run("rejects missing name", func(t *testing.T) {
		if _, err := s.Create(ctx, &CreateFeatureRequest{}); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("rejects negative cost", func(t *testing.T) {
		if _, err := s.Create(ctx, &CreateFeatureRequest{Name: "x", QuotaCost: -1}); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestMemoryStoreGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	created, err := s.Create(ctx, &CreateFeatureRequest{
		ID:        "feat",
		Name:      "summarize",
		QuotaCost: 3,
		Pipeline:  testPipeline(),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := s.Get(ctx, "feat")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got.Name = "mutated"

		again, _ := s.Get(ctx, "feat")
		if again.Name != "summarize" {
			t.Error("mutation of returned feature leaked into the store")
		}
	})

	t.Run("update applies partial changes", func(t *testing.T) {
		cost := int64(5)
		updated, err := s.Update(ctx, "feat", &UpdateFeatureRequest{QuotaCost: &cost})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if updated.QuotaCost != 5 {
			t.Errorf("expected cost 5, got %d", updated.QuotaCost)
		}
		if updated.Name != created.Name {
			t.Errorf("name must be unchanged, got %s", updated.Name)
		}
		if !updated.UpdatedAt.After(created.UpdatedAt) && !updated.UpdatedAt.Equal(created.UpdatedAt) {
			t.Error("UpdatedAt must advance")
		}
	})

	t.Run("update unknown feature", func(t *testing.T) {
		if _, err := s.Update(ctx, "nope", &UpdateFeatureRequest{}); !errors.Is(err, ErrFeatureNotFound) {
			t.Errorf("expected ErrFeatureNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Delete(ctx, "feat"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "feat"); !errors.Is(err, ErrFeatureNotFound) {
			t.Errorf("expected ErrFeatureNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, "feat"); !errors.Is(err, ErrFeatureNotFound) {
			t.Errorf("expected ErrFeatureNotFound on second delete, got %v", err)
		}
	})
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, req := range []*CreateFeatureRequest{
		{ID: "a", Name: "a", CreatedBy: "alice"},
		{ID: "b", Name: "b", CreatedBy: "alice"},
		{ID: "c", Name: "c", CreatedBy: "bob"},
	} {
		if _, err := s.Create(ctx, req); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := s.List(ctx, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 features, got %d", len(all))
	}

	byCreator, _ := s.List(ctx, &ListOptions{CreatedBy: "alice"})
	if len(byCreator) != 2 {
		t.Errorf("expected 2 features by alice, got %d", len(byCreator))
	}

	limited, _ := s.List(ctx, &ListOptions{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected 1 feature with limit, got %d", len(limited))
	}
}
