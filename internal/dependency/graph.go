package dependency

import (
	"fmt"
	"sort"
)

// NodeID is the unique identifier for a node inside a dependency graph.
// It is a string alias so callers can use adapter ids directly.
type NodeID string

// Graph answers dependency queries over a set of nodes with declared
// dependencies. It is *not* thread-safe by itself; callers must synchronise
// if they write concurrently.
type Graph struct {
	deps map[NodeID][]NodeID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{deps: make(map[NodeID][]NodeID)}
}

// AddNode adds (or replaces) a node and its dependency list.
func (g *Graph) AddNode(id NodeID, dependsOn []NodeID) {
	if g.deps == nil {
		g.deps = make(map[NodeID][]NodeID)
	}
	// Copy to avoid external mutations
	copied := make([]NodeID, len(dependsOn))
	copy(copied, dependsOn)
	g.deps[id] = copied
}

// RemoveNode deletes a node. Edges pointing at it from other nodes are left
// in place; Has reports the gap.
func (g *Graph) RemoveNode(id NodeID) {
	delete(g.deps, id)
}

// Has reports whether the node exists in the graph.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.deps[id]
	return ok
}

// Dependencies returns a copy of the immediate dependency ids of a node.
func (g *Graph) Dependencies(id NodeID) []NodeID {
	if deps, ok := g.deps[id]; ok {
		depsCopy := make([]NodeID, len(deps))
		copy(depsCopy, deps)
		return depsCopy
	}
	return nil
}

// Dependents returns all node ids that directly depend on the given node.
// O(n) walk; registries stay small enough for this to be fine.
func (g *Graph) Dependents(id NodeID) []NodeID {
	var res []NodeID
	for node, deps := range g.deps {
		for _, dep := range deps {
			if dep == id {
				res = append(res, node)
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// CycleError reports a dependency cycle, carrying the path that closed it.
type CycleError struct {
	Path []NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Path)
}

// visit colors for the DFS: white (unvisited) is absence from the map.
const (
	gray  = 1
	black = 2
)

// DetectCycle runs a DFS with a gray set over the whole graph and returns a
// CycleError describing the first cycle found, or nil.
func (g *Graph) DetectCycle() error {
	color := make(map[NodeID]int, len(g.deps))

	// Deterministic iteration keeps error messages stable.
	nodes := g.sortedNodes()

	var visit func(id NodeID, path []NodeID) error
	visit = func(id NodeID, path []NodeID) error {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.deps[id] {
			if !g.Has(dep) {
				// Missing dependencies are not cycles; the registry
				// validates existence separately.
				continue
			}
			switch color[dep] {
			case gray:
				return &CycleError{Path: append(path, dep)}
			case black:
				continue
			default:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range nodes {
		if color[id] == 0 {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// TransitiveDependencies returns every node reachable from id through
// dependency edges, in topological order: dependencies before dependents,
// id excluded. Returns a CycleError if a cycle is reachable from id.
func (g *Graph) TransitiveDependencies(id NodeID) ([]NodeID, error) {
	color := make(map[NodeID]int)
	var order []NodeID

	var visit func(n NodeID, path []NodeID) error
	visit = func(n NodeID, path []NodeID) error {
		color[n] = gray
		path = append(path, n)
		for _, dep := range g.deps[n] {
			if !g.Has(dep) {
				continue
			}
			switch color[dep] {
			case gray:
				return &CycleError{Path: append(path, dep)}
			case black:
				continue
			default:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[n] = black
		if n != id {
			order = append(order, n)
		}
		return nil
	}

	if err := visit(id, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// sortedNodes returns all node ids in lexical order.
func (g *Graph) sortedNodes() []NodeID {
	nodes := make([]NodeID, 0, len(g.deps))
	for id := range g.deps {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}
