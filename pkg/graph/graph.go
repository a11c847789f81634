// Package graph holds the task dependency graph: an adjacency list keyed by task id with
// cached in-degree counts and declaration order preserved.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle         = errors.New("dependency graph contains a cycle")
	ErrUnknownNode   = errors.New("unknown node")
	ErrDuplicateNode = errors.New("duplicate node")
	ErrSelfEdge      = errors.New("node depends on itself")
)

// CycleError lists the nodes left unsorted by Kahn's algorithm, in declaration order.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency graph contains a cycle through %s", strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// Edge points from a predecessor to its dependent. Kind is carried opaquely.
type Edge struct {
	From string
	To   string
	Kind string
}

type Graph struct {
	order    []string
	index    map[string]int
	incoming map[string][]Edge
	outgoing map[string][]Edge
	inDegree map[string]int
}

// New builds a graph from nodes in declaration order and the edges between them.
func New(nodes []string, edges []Edge) (*Graph, error) {
	g := &Graph{
		order:    make([]string, 0, len(nodes)),
		index:    make(map[string]int, len(nodes)),
		incoming: make(map[string][]Edge, len(nodes)),
		outgoing: make(map[string][]Edge, len(nodes)),
		inDegree: make(map[string]int, len(nodes)),
	}

	for _, id := range nodes {
		if _, exists := g.index[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
		}

		g.index[id] = len(g.order)
		g.order = append(g.order, id)
	}

	for _, edge := range edges {
		if _, ok := g.index[edge.From]; !ok {
			return nil, fmt.Errorf("%w: %s (required by %s)", ErrUnknownNode, edge.From, edge.To)
		}

		if _, ok := g.index[edge.To]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, edge.To)
		}

		if edge.From == edge.To {
			return nil, fmt.Errorf("%w: %s", ErrSelfEdge, edge.From)
		}

		g.incoming[edge.To] = append(g.incoming[edge.To], edge)
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
		g.inDegree[edge.To]++
	}

	return g, nil
}

// Nodes returns node ids in declaration order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)

	return out
}

// Predecessors returns the edges entering id.
func (g *Graph) Predecessors(id string) []Edge {
	return g.incoming[id]
}

// roots returns the nodes without incoming edges in declaration order.
func (g *Graph) roots() []string {
	var roots []string

	for _, id := range g.order {
		if g.inDegree[id] == 0 {
			roots = append(roots, id)
		}
	}

	return roots
}

// TopologicalSort orders nodes with Kahn's algorithm. Ties are broken by declaration order
// so the result is deterministic. A cycle yields a *CycleError.
func (g *Graph) TopologicalSort() ([]string, error) {
	remaining := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		remaining[id] = degree
	}

	queue := g.roots()
	sorted := make([]string, 0, len(g.order))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		var unlocked []string

		for _, edge := range g.outgoing[id] {
			remaining[edge.To]--
			if remaining[edge.To] == 0 {
				unlocked = append(unlocked, edge.To)
			}
		}

		queue = g.mergeByPosition(queue, unlocked)
	}

	if len(sorted) != len(g.order) {
		var cyclic []string

		for _, id := range g.order {
			if remaining[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}

		return nil, &CycleError{Nodes: cyclic}
	}

	return sorted, nil
}

func (g *Graph) mergeByPosition(queue, unlocked []string) []string {
	for _, id := range unlocked {
		pos := g.index[id]
		i := len(queue)

		for i > 0 && g.index[queue[i-1]] > pos {
			i--
		}

		queue = append(queue, "")
		copy(queue[i+1:], queue[i:])
		queue[i] = id
	}

	return queue
}
