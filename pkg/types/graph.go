// Package types provides shared types for the tideflow service.
package types

// NodeType categorizes a workflow graph node.
type NodeType string

const (
	NodeTypeStart    NodeType = "start"
	NodeTypeEnd      NodeType = "end"
	NodeTypeProvider NodeType = "provider"
)

// WorkflowGraph is the authoring-time representation of a workflow:
// a set of nodes and directed edges, identified by node ID. Array
// order carries no meaning except for edges, where the first outgoing
// edge of a node wins during linearization.
type WorkflowGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges,omitempty"`
}

// GraphNode is a single node in a workflow graph.
type GraphNode struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data,omitempty"`
}

// NodeData holds the authoring payload attached to a node.
type NodeData struct {
	Label string `json:"label,omitempty"`

	// ProviderRef names the concrete provider configuration for
	// provider nodes. The node Type selects the capability; the ref
	// selects among registered implementations of it.
	ProviderType string `json:"provider_type,omitempty"`
	ProviderRef  string `json:"provider_ref,omitempty"`

	// InputMapping is a template rendered into the step's input.
	// Variable references use {{path}} syntax; block and negation
	// markers ({{#x}}, {{^x}}, {{/x}}) are ignored by validation.
	InputMapping string `json:"input_mapping,omitempty"`

	// OutputKey is the root name under which this node's output is
	// visible to downstream input mappings.
	OutputKey string `json:"output_key,omitempty"`

	// Degree hints. Nil means the validator's defaults apply.
	MinInputs  *int `json:"min_inputs,omitempty"`
	MaxInputs  *int `json:"max_inputs,omitempty"`
	MinOutputs *int `json:"min_outputs,omitempty"`
	MaxOutputs *int `json:"max_outputs,omitempty"`

	// Execution policy for provider nodes.
	TimeoutMs int          `json:"timeout_ms,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
}

// GraphEdge is a directed edge between two nodes.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}
