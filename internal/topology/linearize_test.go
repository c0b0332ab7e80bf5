package topology

import (
	"testing"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

func TestLinearize_LinearGraph(t *testing.T) {
	g := linearGraph(3)
	g.Nodes[1].Data.ProviderType = "llm"
	g.Nodes[1].Data.TimeoutMs = 5000
	g.Nodes[1].Data.Retry = &types.RetryPolicy{MaxRetries: 2, RetryDelayMs: 500}
	g.Nodes[2].Data.ProviderType = "tts"
	g.Nodes[2].Data.OutputKey = "speech"
	g.Nodes[3].Data.ProviderType = "upload"

	pipeline, warnings, err := Linearize(g)
	if err != nil {
		t.Fatalf("Linearize failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
	if len(pipeline.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(pipeline.Steps))
	}

	first := pipeline.Steps[0]
	if first.Type != "llm" || first.TimeoutMs != 5000 || first.Retry.MaxRetries != 2 {
		t.Errorf("unexpected first step: %+v", first)
	}
	if pipeline.Steps[1].Type != "tts" || pipeline.Steps[1].OutputKey != "speech" {
		t.Errorf("unexpected second step: %+v", pipeline.Steps[1])
	}
	if pipeline.Steps[2].Type != "upload" {
		t.Errorf("unexpected third step: %+v", pipeline.Steps[2])
	}
}

func TestLinearize_BranchTakesFirstEdge(t *testing.T) {
	g := &types.WorkflowGraph{
		Nodes: []types.GraphNode{
			node("start", types.NodeTypeStart),
			node("a", types.NodeTypeProvider),
			node("b", types.NodeTypeProvider),
			node("c", types.NodeTypeProvider),
			node("end", types.NodeTypeEnd),
		},
		Edges: []types.GraphEdge{
			edge("start", "a"),
			edge("a", "b"), // first edge wins
			edge("a", "c"),
			edge("b", "end"),
			edge("c", "end"),
		},
	}

	pipeline, warnings, err := Linearize(g)
	if err != nil {
		t.Fatalf("Linearize failed: %v", err)
	}
	if len(pipeline.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(pipeline.Steps))
	}
	if len(warnings) != 1 || warnings[0].NodeID != "a" {
		t.Errorf("expected one branch warning on node a, got %v", warnings)
	}
}

func TestLinearize_NodeTypeAsCapability(t *testing.T) {
	// When no provider type is set, the node type itself is the
	// capability key.
	g := &types.WorkflowGraph{
		Nodes: []types.GraphNode{
			node("start", types.NodeTypeStart),
			node("gen", types.NodeType("image-generate")),
			node("end", types.NodeTypeEnd),
		},
		Edges: []types.GraphEdge{
			edge("start", "gen"),
			edge("gen", "end"),
		},
	}

	pipeline, _, err := Linearize(g)
	if err != nil {
		t.Fatalf("Linearize failed: %v", err)
	}
	if len(pipeline.Steps) != 1 || pipeline.Steps[0].Type != "image-generate" {
		t.Errorf("unexpected steps: %+v", pipeline.Steps)
	}
}

func TestLinearize_Errors(t *testing.T) {
	t.Run("no start node", func(t *testing.T) {
		g := &types.WorkflowGraph{Nodes: []types.GraphNode{node("a", types.NodeTypeProvider)}}
		if _, _, err := Linearize(g); err != ErrNoStartNode {
			t.Errorf("expected ErrNoStartNode, got %v", err)
		}
	})

	t.Run("cycle aborts the walk", func(t *testing.T) {
		g := &types.WorkflowGraph{
			Nodes: []types.GraphNode{
				node("start", types.NodeTypeStart),
				node("a", types.NodeTypeProvider),
				node("b", types.NodeTypeProvider),
			},
			Edges: []types.GraphEdge{
				edge("start", "a"),
				edge("a", "b"),
				edge("b", "a"),
			},
		}
		if _, _, err := Linearize(g); err == nil {
			t.Error("expected cycle error")
		}
	})
}
