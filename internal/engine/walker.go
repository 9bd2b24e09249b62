package engine

import (
	"sort"
	"strings"

	"github.com/tevix/nodeflow/pkg/schema"
)

// Walker is the in-memory graph built from a workflow definition. It answers
// structural questions for the engine: which nodes start the run, which
// successors follow a finished node given the branch it selected, and whether
// the graph is executable at all.
type Walker struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]*schema.NodeSpec
	outgoing map[string][]schema.Connection
	incoming map[string][]string
	triggers []string
}

// NewWalker validates the definition and builds the graph. It rejects empty
// graphs, duplicate node IDs, connections referencing unknown nodes, graphs
// without a trigger node, and cycles.
func NewWalker(def *schema.WorkflowDefinition) (*Walker, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "workflow has no nodes")
	}

	w := &Walker{
		def:      def,
		nodes:    make(map[string]*schema.NodeSpec, len(def.Nodes)),
		outgoing: make(map[string][]schema.Connection, len(def.Nodes)),
		incoming: make(map[string][]string, len(def.Nodes)),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "node at index %d has empty id", i)
		}
		if node.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "node %s has empty type", node.ID)
		}
		if _, exists := w.nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "duplicate node id: %s", node.ID)
		}
		w.nodes[node.ID] = node
		if IsTriggerType(node.Type) {
			w.triggers = append(w.triggers, node.ID)
		}
	}
	sort.Strings(w.triggers)

	if len(w.triggers) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "workflow has no trigger node")
	}

	for _, c := range def.Connections {
		if _, ok := w.nodes[c.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "connection references unknown source node: %s", c.Source)
		}
		if _, ok := w.nodes[c.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "connection references unknown target node: %s", c.Target)
		}
		if c.Source == c.Target {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidGraph, "node %s connects to itself", c.Source)
		}
		w.outgoing[c.Source] = append(w.outgoing[c.Source], c)
		w.incoming[c.Target] = append(w.incoming[c.Target], c.Source)
	}

	if err := w.checkAcyclic(); err != nil {
		return nil, err
	}
	return w, nil
}

// checkAcyclic runs Kahn's algorithm over all edges, branch labels included.
// A labeled edge that is never taken at runtime still must not close a loop.
func (w *Walker) checkAcyclic() error {
	inDegree := make(map[string]int, len(w.nodes))
	for id := range w.nodes {
		inDegree[id] = len(w.incoming[id])
	}

	queue := make([]string, 0, len(w.nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, c := range w.outgoing[id] {
			inDegree[c.Target]--
			if inDegree[c.Target] == 0 {
				queue = append(queue, c.Target)
			}
		}
	}

	if visited != len(w.nodes) {
		return schema.NewError(schema.ErrCodeInvalidGraph, "workflow contains a cycle")
	}
	return nil
}

// Triggers returns the IDs of the graph's trigger nodes in sorted order.
func (w *Walker) Triggers() []string { return w.triggers }

// Node returns the spec for the given ID.
func (w *Walker) Node(id string) *schema.NodeSpec { return w.nodes[id] }

// Nodes returns all node IDs in sorted order.
func (w *Walker) Nodes() []string {
	ids := make([]string, 0, len(w.nodes))
	for id := range w.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Predecessors returns the source IDs of all edges into the node.
func (w *Walker) Predecessors(id string) []string { return w.incoming[id] }

// Successors returns the targets reachable from a finished node given the
// branch label it returned. Unlabeled edges always fire; labeled edges fire
// only on an exact branch match. Targets keep connection declaration order.
func (w *Walker) Successors(id, branch string) []string {
	var out []string
	for _, c := range w.outgoing[id] {
		if c.Branch == "" || c.Branch == branch {
			out = append(out, c.Target)
		}
	}
	return out
}

// IsTriggerType reports whether a node type starts runs rather than doing
// work inside them.
func IsTriggerType(nodeType string) bool {
	return strings.HasSuffix(nodeType, "_trigger")
}
