// Package topology provides pure graph analysis for workflow graphs:
// structural validation, cycle detection, variable reachability, and
// linearization into an executable pipeline.
package topology

import (
	"fmt"
	"sort"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// Default degree bounds for non-terminal nodes. Nodes may narrow or
// widen these via their data hints.
const (
	DefaultMinOutputs = 1
	DefaultMaxOutputs = 5
	DefaultMinInputs  = 0
	DefaultMaxInputs  = 5
)

// Problem describes a single validation finding, optionally tied to
// a node.
type Problem struct {
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// Result holds the outcome of a topology validation. Valid is true
// iff Errors is empty; warnings never affect validity.
type Result struct {
	Valid    bool      `json:"valid"`
	Errors   []Problem `json:"errors,omitempty"`
	Warnings []Problem `json:"warnings,omitempty"`
}

// CycleReport is the outcome of cycle detection via Kahn's algorithm.
// RemainingNodes holds the IDs of nodes on or downstream of a cycle.
type CycleReport struct {
	IsDAG            bool     `json:"is_dag"`
	TopologicalOrder []string `json:"topological_order"`
	RemainingNodes   []string `json:"remaining_nodes,omitempty"`
}

// Validate runs all topology checks over a workflow graph and
// collects every problem at once. It performs no I/O.
func Validate(g *types.WorkflowGraph) *Result {
	res := &Result{}

	if g == nil || len(g.Nodes) == 0 {
		res.addError("", "workflow graph has no nodes")
		return res.finish()
	}

	byID := nodeIndex(g)

	// Structural: exactly one start node, end node recommended.
	var starts, ends int
	for _, n := range g.Nodes {
		switch n.Type {
		case types.NodeTypeStart:
			starts++
		case types.NodeTypeEnd:
			ends++
		}
	}
	if starts != 1 {
		res.addError("", fmt.Sprintf("workflow must have exactly one start node, found %d", starts))
	}
	if ends == 0 {
		res.addWarning("", "workflow has no end node")
	}

	// Edges referencing unknown nodes are dropped from analysis.
	edges := make([]types.GraphEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := byID[e.Source]; !ok {
			res.addWarning("", fmt.Sprintf("edge references unknown source node %q, dropped", e.Source))
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			res.addWarning("", fmt.Sprintf("edge references unknown target node %q, dropped", e.Target))
			continue
		}
		edges = append(edges, e)
	}

	// Cycle detection.
	cycles := detectCycles(g.Nodes, edges)
	if !cycles.IsDAG {
		res.addError("", fmt.Sprintf("workflow contains a cycle involving nodes: %v", cycles.RemainingNodes))
	}

	// Degree rules.
	inDeg := make(map[string]int)
	outDeg := make(map[string]int)
	for _, e := range edges {
		outDeg[e.Source]++
		inDeg[e.Target]++
	}
	for _, n := range g.Nodes {
		in, out := inDeg[n.ID], outDeg[n.ID]
		switch n.Type {
		case types.NodeTypeStart:
			if in != 0 {
				res.addError(n.ID, fmt.Sprintf("start node must have no incoming edges, found %d", in))
			}
		case types.NodeTypeEnd:
			if out != 0 {
				res.addError(n.ID, fmt.Sprintf("end node must have no outgoing edges, found %d", out))
			}
		default:
			minIn, maxIn := boundOr(n.Data.MinInputs, DefaultMinInputs), boundOr(n.Data.MaxInputs, DefaultMaxInputs)
			minOut, maxOut := boundOr(n.Data.MinOutputs, DefaultMinOutputs), boundOr(n.Data.MaxOutputs, DefaultMaxOutputs)
			if in < minIn || in > maxIn {
				res.addError(n.ID, fmt.Sprintf("node has %d incoming edges, expected between %d and %d", in, minIn, maxIn))
			}
			if out < minOut || out > maxOut {
				res.addError(n.ID, fmt.Sprintf("node has %d outgoing edges, expected between %d and %d", out, minOut, maxOut))
			}
		}
	}

	// Isolated nodes are reported once, non-blocking.
	var isolated []string
	for _, n := range g.Nodes {
		if inDeg[n.ID] == 0 && outDeg[n.ID] == 0 {
			isolated = append(isolated, n.ID)
		}
	}
	if len(isolated) > 0 {
		res.addWarning("", fmt.Sprintf("isolated nodes are not connected to the workflow: %v", isolated))
	}

	// Variable reachability over input mappings.
	validateReferences(g.Nodes, edges, res)

	return res.finish()
}

// DetectCycles runs Kahn's algorithm over the graph. Edges referencing
// unknown node IDs are ignored. Nodes absent from the returned
// topological order lie on or downstream of a cycle.
func DetectCycles(g *types.WorkflowGraph) *CycleReport {
	if g == nil {
		return &CycleReport{IsDAG: true, TopologicalOrder: []string{}}
	}
	byID := nodeIndex(g)
	edges := make([]types.GraphEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			continue
		}
		edges = append(edges, e)
	}
	return detectCycles(g.Nodes, edges)
}

func detectCycles(nodes []types.GraphNode, edges []types.GraphEdge) *CycleReport {
	adjacency := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		adjacency[n.ID] = nil
		inDegree[n.ID] = 0
	}
	for _, e := range edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Seed the queue in node array order for deterministic output.
	var queue []string
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) == len(nodes) {
		return &CycleReport{IsDAG: true, TopologicalOrder: order}
	}

	ordered := make(map[string]bool, len(order))
	for _, id := range order {
		ordered[id] = true
	}
	var remaining []string
	for _, n := range nodes {
		if !ordered[n.ID] {
			remaining = append(remaining, n.ID)
		}
	}
	sort.Strings(remaining)
	return &CycleReport{IsDAG: false, TopologicalOrder: order, RemainingNodes: remaining}
}

func nodeIndex(g *types.WorkflowGraph) map[string]*types.GraphNode {
	byID := make(map[string]*types.GraphNode, len(g.Nodes))
	for i := range g.Nodes {
		byID[g.Nodes[i].ID] = &g.Nodes[i]
	}
	return byID
}

func boundOr(hint *int, def int) int {
	if hint != nil {
		return *hint
	}
	return def
}

func (r *Result) addError(nodeID, msg string) {
	r.Errors = append(r.Errors, Problem{NodeID: nodeID, Message: msg})
}

func (r *Result) addWarning(nodeID, msg string) {
	r.Warnings = append(r.Warnings, Problem{NodeID: nodeID, Message: msg})
}

func (r *Result) finish() *Result {
	r.Valid = len(r.Errors) == 0
	return r
}
