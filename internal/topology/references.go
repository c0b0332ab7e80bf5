package topology

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// Root names always available to an input mapping, regardless of
// graph position.
const (
	rootSystem = "system"
	rootForm   = "form"
)

var referencePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// validateReferences checks that every {{path}} reference in a node's
// input mapping resolves to a root name produced by some
// backward-reachable node, or to the implicit form/system context.
func validateReferences(nodes []types.GraphNode, edges []types.GraphEdge, res *Result) {
	byID := make(map[string]*types.GraphNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	incoming := make(map[string][]string)
	for _, e := range edges {
		incoming[e.Target] = append(incoming[e.Target], e.Source)
	}

	for i := range nodes {
		node := &nodes[i]
		if node.Type == types.NodeTypeEnd || node.Data.InputMapping == "" {
			continue
		}

		roots := reachableRoots(node.ID, byID, incoming)
		for _, ref := range ExtractReferences(node.Data.InputMapping) {
			root := ref
			if dot := strings.IndexByte(ref, '.'); dot >= 0 {
				root = ref[:dot]
			}
			if !roots[root] {
				res.addError(node.ID, fmt.Sprintf("input mapping references %q but no upstream node produces %q", ref, root))
			}
		}
	}
}

// ExtractReferences returns the variable paths referenced by a
// {{path}} template, in order of appearance. Block, negation, close,
// comment and partial markers are skipped.
func ExtractReferences(template string) []string {
	var refs []string
	for _, m := range referencePattern.FindAllStringSubmatch(template, -1) {
		ref := strings.TrimSpace(m[1])
		if ref == "" || ref == "else" {
			continue
		}
		switch ref[0] {
		case '#', '^', '/', '!', '>':
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// reachableRoots walks incoming edges from the node with an explicit
// stack and visited set, collecting the root names its input mapping
// may legally reference. The system context is always reachable; a
// backward-reachable start node contributes the form context; every
// other ancestor contributes its output key, if any.
func reachableRoots(nodeID string, byID map[string]*types.GraphNode, incoming map[string][]string) map[string]bool {
	roots := map[string]bool{rootSystem: true}
	visited := map[string]bool{nodeID: true}
	stack := append([]string(nil), incoming[nodeID]...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := byID[id]
		if !ok {
			continue
		}
		if node.Type == types.NodeTypeStart {
			roots[rootForm] = true
		}
		if key := node.Data.OutputKey; key != "" {
			roots[key] = true
		}
		stack = append(stack, incoming[id]...)
	}
	return roots
}
