// Package workflow implements the DAG engine that executes workflow
// definitions and the service that persists workflows and runs executions in
// the background.
package workflow

import (
	"skillhub/internal/api"
	"skillhub/internal/dependency"
)

var validNodeTypes = map[api.NodeType]bool{
	api.NodeStart:     true,
	api.NodeEnd:       true,
	api.NodeAdapter:   true,
	api.NodeCondition: true,
	api.NodeDelay:     true,
	api.NodeLoop:      true,
	api.NodeTransform: true,
	api.NodeHTTP:      true,
	api.NodeScript:    true,
}

// ValidateDefinition checks the structural invariants of a workflow graph:
// unique node ids, known node types, exactly one start node, resolvable edge
// endpoints, and no cycles among non-loop nodes.
func ValidateDefinition(def *api.WorkflowDefinition) error {
	nodes := make(map[string]api.Node, len(def.Nodes))
	startCount := 0
	for _, node := range def.Nodes {
		if node.ID == "" {
			return api.NewError(api.CodeInvalidManifest, "workflow definition contains a node without an id")
		}
		if _, dup := nodes[node.ID]; dup {
			return api.NewError(api.CodeInvalidManifest, "duplicate node id %q in workflow definition", node.ID)
		}
		if !validNodeTypes[node.Type] {
			return api.NewError(api.CodeInvalidNodeType, "node %q has unknown type %q", node.ID, node.Type)
		}
		nodes[node.ID] = node
		if node.Type == api.NodeStart {
			startCount++
		}
	}
	if startCount != 1 {
		return api.NewError(api.CodeMissingStartNode, "workflow definition must contain exactly one start node, found %d", startCount)
	}

	for _, edge := range def.Edges {
		if _, ok := nodes[edge.Source]; !ok {
			return api.NewError(api.CodeInvalidManifest, "edge references unknown source node %q", edge.Source)
		}
		if _, ok := nodes[edge.Target]; !ok {
			return api.NewError(api.CodeInvalidManifest, "edge references unknown target node %q", edge.Target)
		}
	}

	// Cycle detection over the edge graph. Edges leaving loop nodes are
	// exempt; everything else must form a DAG.
	graph := dependency.New()
	successors := make(map[string][]dependency.NodeID)
	for _, edge := range def.Edges {
		if nodes[edge.Source].Type == api.NodeLoop {
			continue
		}
		successors[edge.Source] = append(successors[edge.Source], dependency.NodeID(edge.Target))
	}
	for id := range nodes {
		graph.AddNode(dependency.NodeID(id), successors[id])
	}
	if err := graph.DetectCycle(); err != nil {
		return api.WrapError(api.CodeCycleInGraph, err, "workflow definition contains a cycle")
	}
	return nil
}

// adjacency builds the ordered out-edge map of a definition.
func adjacency(def *api.WorkflowDefinition) map[string][]api.Edge {
	adj := make(map[string][]api.Edge)
	for _, edge := range def.Edges {
		adj[edge.Source] = append(adj[edge.Source], edge)
	}
	return adj
}

// startNodeID returns the id of the single start node. Call after
// ValidateDefinition.
func startNodeID(def *api.WorkflowDefinition) string {
	for _, node := range def.Nodes {
		if node.Type == api.NodeStart {
			return node.ID
		}
	}
	return ""
}
