package topology

import (
	"errors"
	"fmt"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// ErrNoStartNode is returned when linearization cannot find a unique
// start node to walk from.
var ErrNoStartNode = errors.New("workflow has no unique start node")

// Linearize derives the ordered step list from a workflow graph by
// walking forward from the start node. At a branch the first outgoing
// edge (in edge array order) is taken and a warning is recorded; the
// engine never executes true branches. The graph should already have
// passed Validate.
func Linearize(g *types.WorkflowGraph) (*types.Pipeline, []Problem, error) {
	var warnings []Problem

	byID := nodeIndex(g)
	var start *types.GraphNode
	for i := range g.Nodes {
		if g.Nodes[i].Type == types.NodeTypeStart {
			if start != nil {
				return nil, warnings, ErrNoStartNode
			}
			start = &g.Nodes[i]
		}
	}
	if start == nil {
		return nil, warnings, ErrNoStartNode
	}

	outgoing := make(map[string][]string)
	for _, e := range g.Edges {
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			continue
		}
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
	}

	pipeline := &types.Pipeline{}
	visited := map[string]bool{start.ID: true}
	current := start

	for {
		next := outgoing[current.ID]
		if len(next) == 0 {
			break
		}
		if len(next) > 1 {
			warnings = append(warnings, Problem{
				NodeID:  current.ID,
				Message: fmt.Sprintf("node has %d outgoing edges, linearization takes the first", len(next)),
			})
		}

		node := byID[next[0]]
		if visited[node.ID] {
			return nil, warnings, fmt.Errorf("cycle at node %q prevents linearization", node.ID)
		}
		visited[node.ID] = true

		if node.Type != types.NodeTypeStart && node.Type != types.NodeTypeEnd {
			pipeline.Steps = append(pipeline.Steps, stepFromNode(node))
		}
		current = node
	}

	return pipeline, warnings, nil
}

// stepFromNode builds an executable step from a provider node. The
// capability key is the node's provider type when set, otherwise the
// node type itself.
func stepFromNode(node *types.GraphNode) types.Step {
	stepType := node.Data.ProviderType
	if stepType == "" {
		stepType = string(node.Type)
	}
	step := types.Step{
		Type:        stepType,
		ProviderRef: node.Data.ProviderRef,
		OutputKey:   node.Data.OutputKey,
		TimeoutMs:   node.Data.TimeoutMs,
	}
	if node.Data.Retry != nil {
		step.Retry = *node.Data.Retry
	}
	return step
}
