package depgraph

import (
	"errors"
	"fmt"

	"github.com/blockberries/ledgerberry/types"
)

// Graph errors
var (
	ErrUnknownNode   = errors.New("edge references unknown node")
	ErrDuplicateNode = errors.New("node already in graph")
	ErrSelfEdge      = errors.New("node cannot depend on itself")
	ErrCyclic        = errors.New("dependency graph contains a cycle")
)

// Node is one transaction in a candidate block's ordering graph.
// DependsOn holds incoming constraints (must apply first); Dependents is the
// derived inverse edge set.
type Node struct {
	ID         string
	Payload    []byte
	DependsOn  []string
	Dependents []string
}

// Graph is a directed graph of transaction ordering constraints. One graph
// is built per candidate block and discarded when the block resolves.
//
// Iteration everywhere follows insertion order. That is not required for
// correctness, but block validity must be reproducible on every validator,
// so no operation may depend on map iteration order.
type Graph struct {
	nodes map[string]*Node
	order []string

	// edges[from] is the set of nodes that must execute after from
	edges map[string]map[string]struct{}
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[string]map[string]struct{}),
	}
}

// AddNode adds a transaction node to the graph.
func (g *Graph) AddNode(id string, payload []byte) error {
	if _, ok := g.nodes[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, id)
	}
	g.nodes[id] = &Node{ID: id, Payload: payload}
	g.order = append(g.order, id)
	g.edges[id] = make(map[string]struct{})
	return nil
}

// AddEdge records that from must execute before to.
// Adding the same edge twice is a no-op.
func (g *Graph) AddEdge(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %q", ErrSelfEdge, from)
	}
	fromNode, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, from)
	}
	toNode, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, to)
	}
	if _, ok := g.edges[from][to]; ok {
		return nil
	}
	g.edges[from][to] = struct{}{}
	fromNode.Dependents = append(fromNode.Dependents, to)
	toNode.DependsOn = append(toNode.DependsOn, from)
	return nil
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Node returns a node by id, or nil if unknown.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// HasCycle reports whether the graph contains a dependency cycle.
func (g *Graph) HasCycle() bool {
	return len(g.FindCycle()) > 0
}

// FindCycle returns the first cycle found as an ordered id list whose first
// and last elements are equal, or nil if the graph is acyclic. Depth-first
// search with an explicit stack; O(V+E).
func (g *Graph) FindCycle() []string {
	const (
		white = iota // unvisited
		grey         // on the current DFS path
		black        // fully explored
	)
	color := make(map[string]int, len(g.nodes))

	type frame struct {
		id   string
		next int
	}

	for _, start := range g.order {
		if color[start] != white {
			continue
		}

		stack := []frame{{id: start}}
		path := []string{start}
		color[start] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succs := g.nodes[top.id].Dependents
			if top.next < len(succs) {
				succ := succs[top.next]
				top.next++
				switch color[succ] {
				case grey:
					// Back edge: the cycle runs from succ's position on the
					// current path through top.id and back to succ.
					var cycle []string
					for i, id := range path {
						if id == succ {
							cycle = append(cycle, path[i:]...)
							break
						}
					}
					cycle = append(cycle, succ)
					return cycle
				case white:
					color[succ] = grey
					stack = append(stack, frame{id: succ})
					path = append(path, succ)
				}
			} else {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}
	return nil
}

// TopologicalSort returns the node ids in a valid execution order, or nil if
// the graph is cyclic. Kahn's algorithm over in-degree counts; ties resolve
// in insertion order.
func (g *Graph) TopologicalSort() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].DependsOn)
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, succ := range g.nodes[id].Dependents {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(sorted) != len(g.nodes) {
		return nil
	}
	return sorted
}

// IndependentSets returns execution levels: each level is a set of
// transaction ids with no ordering dependency among them, safe to execute
// concurrently, and every id in a level depends only on ids in earlier
// levels. The concatenation of the levels is itself a valid topological
// order. Returns nil if the graph is cyclic.
func (g *Graph) IndependentSets() [][]string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].DependsOn)
	}

	remaining := len(g.nodes)
	current := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)
		remaining -= len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, succ := range g.nodes[id].Dependents {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}

	if remaining != 0 {
		return nil
	}
	return levels
}

// FromBlock builds the dependency graph for a candidate block. Nodes are
// added in block order; an edge dep → tx is added for every declared
// dependency. Returns ErrCyclic (wrapped with the offending cycle) if the
// block's ordering constraints cannot be satisfied: the whole block is
// invalid, never a subset.
func FromBlock(b *types.ProofBlock) (*Graph, error) {
	g := New()
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if err := g.AddNode(tx.ID, tx.Payload); err != nil {
			return nil, err
		}
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		for _, dep := range tx.DependsOn {
			if err := g.AddEdge(dep, tx.ID); err != nil {
				return nil, err
			}
		}
	}
	if cycle := g.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: %v", ErrCyclic, cycle)
	}
	return g, nil
}
