package depgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/ledgerberry/types"
)

func buildGraph(t *testing.T, nodes []string, edges [][2]string) *Graph {
	t.Helper()
	g := New()
	for _, id := range nodes {
		require.NoError(t, g.AddNode(id, nil))
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e[0], e[1]))
	}
	return g
}

func TestAddEdgeValidation(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode("a", nil))
	require.Error(t, g.AddNode("a", nil), "duplicate node")
	require.Error(t, g.AddEdge("a", "a"), "self edge")
	require.Error(t, g.AddEdge("a", "missing"), "unknown target")
	require.Error(t, g.AddEdge("missing", "a"), "unknown source")
}

func TestAcyclicGraph(t *testing.T) {
	g := buildGraph(t,
		[]string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
	)

	require.False(t, g.HasCycle())
	require.Nil(t, g.FindCycle())

	sorted := g.TopologicalSort()
	require.Len(t, sorted, 4)
	assertTopological(t, g, sorted)
}

func TestCycleDetection(t *testing.T) {
	g := buildGraph(t,
		[]string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}},
	)

	require.True(t, g.HasCycle())
	cycle := g.FindCycle()
	require.NotEmpty(t, cycle)
	require.Equal(t, cycle[0], cycle[len(cycle)-1], "cycle must start and end on the same id")
	require.Nil(t, g.TopologicalSort(), "cyclic graph has no topological order")
	require.Nil(t, g.IndependentSets(), "cyclic graph has no execution levels")
}

func TestSelfContainedCycleAmongAcyclicNodes(t *testing.T) {
	g := buildGraph(t,
		[]string{"ok1", "ok2", "x", "y"},
		[][2]string{{"ok1", "ok2"}, {"x", "y"}, {"y", "x"}},
	)
	require.True(t, g.HasCycle())
	cycle := g.FindCycle()
	require.Equal(t, cycle[0], cycle[len(cycle)-1])
}

func TestIndependentSetsExample(t *testing.T) {
	// A→B, A→C, B→D, C→D must yield exactly [{A}, {B,C}, {D}]
	g := buildGraph(t,
		[]string{"A", "B", "C", "D"},
		[][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}},
	)

	levels := g.IndependentSets()
	require.Len(t, levels, 3)
	require.ElementsMatch(t, []string{"A"}, levels[0])
	require.ElementsMatch(t, []string{"B", "C"}, levels[1])
	require.ElementsMatch(t, []string{"D"}, levels[2])
}

func TestIndependentSetsAreTopological(t *testing.T) {
	g := buildGraph(t,
		[]string{"a", "b", "c", "d", "e", "f"},
		[][2]string{{"a", "c"}, {"b", "c"}, {"c", "d"}, {"c", "e"}, {"e", "f"}, {"b", "f"}},
	)

	levels := g.IndependentSets()
	require.NotNil(t, levels)

	var flat []string
	seen := make(map[string]int)
	for _, level := range levels {
		for _, id := range level {
			seen[id]++
			flat = append(flat, id)
		}
	}

	// Every node appears exactly once
	require.Len(t, flat, g.Size())
	for id, n := range seen {
		require.Equalf(t, 1, n, "node %s appears %d times", id, n)
	}

	// The concatenation is itself a valid topological order
	assertTopological(t, g, flat)
}

func TestDeterministicAcrossRebuilds(t *testing.T) {
	build := func() *Graph {
		return buildGraph(t,
			[]string{"t1", "t2", "t3", "t4", "t5"},
			[][2]string{{"t1", "t3"}, {"t2", "t3"}, {"t3", "t4"}, {"t3", "t5"}},
		)
	}

	first := build().TopologicalSort()
	for i := 0; i < 10; i++ {
		require.Equal(t, first, build().TopologicalSort(),
			"identical input must produce identical order on every validator")
	}

	firstLevels := build().IndependentSets()
	for i := 0; i < 10; i++ {
		require.Equal(t, firstLevels, build().IndependentSets())
	}
}

func TestFromBlock(t *testing.T) {
	block := &types.ProofBlock{
		BlockID: 1,
		Transactions: []types.Transaction{
			{ID: "tx1"},
			{ID: "tx2", DependsOn: []string{"tx1"}},
			{ID: "tx3", DependsOn: []string{"tx1"}},
		},
	}

	g, err := FromBlock(block)
	require.NoError(t, err)
	require.Equal(t, 3, g.Size())

	levels := g.IndependentSets()
	require.Len(t, levels, 2)
	require.ElementsMatch(t, []string{"tx2", "tx3"}, levels[1])
}

func TestFromBlockRejectsCyclicBlock(t *testing.T) {
	block := &types.ProofBlock{
		BlockID: 1,
		Transactions: []types.Transaction{
			{ID: "tx1", DependsOn: []string{"tx2"}},
			{ID: "tx2", DependsOn: []string{"tx1"}},
		},
	}

	g, err := FromBlock(block)
	require.Nil(t, g)
	require.ErrorIs(t, err, ErrCyclic)
}

// assertTopological fails if any edge (u → v) has v before u in order.
func assertTopological(t *testing.T, g *Graph, order []string) {
	t.Helper()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range order {
		for _, succ := range g.Node(id).Dependents {
			require.Lessf(t, pos[id], pos[succ], "edge %s→%s violated", id, succ)
		}
	}
}
