package depgraph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func fakeContext(edges map[string][]string) *DependencyContext {
	ctx := &DependencyContext{}
	for from, tos := range edges {
		facts := FileFacts{Path: from}
		for _, to := range tos {
			facts.Imports = append(facts.Imports, ImportedSymbol{ResolvedPath: to, Kind: ImportNamed})
		}
		ctx.Files = append(ctx.Files, facts)
	}
	// Ensure every referenced file appears as its own (possibly edgeless) node.
	seen := map[string]bool{}
	for from := range edges {
		seen[from] = true
	}
	for _, tos := range edges {
		for _, to := range tos {
			if !seen[to] {
				seen[to] = true
				ctx.Files = append(ctx.Files, FileFacts{Path: to})
			}
		}
	}
	return ctx
}

func TestTransitiveReduction_RemovesRedundantShortcutEdge(t *testing.T) {
	// a -> b -> c, and a -> c directly (redundant, reachable via b).
	g := BuildGraph(fakeContext(map[string][]string{
		"a.js": {"b.js", "c.js"},
		"b.js": {"c.js"},
	}))

	result := TransitiveReduction(g)
	require.Equal(t, 1, result.RemovedEdges)
	require.ElementsMatch(t, []string{"b.js"}, result.Reduced.edges["a.js"])
	require.ElementsMatch(t, []string{"c.js"}, result.Reduced.edges["b.js"])

	// Reachability must be preserved: every node reachable from a.js in g
	// remains reachable from a.js in the reduced graph.
	require.True(t, reachableWithoutDirectEdge(result.Reduced, "a.js", "c.js"))
}

func TestTarjanSCC_FindsCycleIgnoresSingletons(t *testing.T) {
	// a -> b -> a is a 2-cycle; c is standalone.
	g := BuildGraph(fakeContext(map[string][]string{
		"a.js": {"b.js"},
		"b.js": {"a.js"},
		"c.js": {},
	}))

	cycles := TarjanSCC(g)
	require.Len(t, cycles, 1)
	require.ElementsMatch(t, []string{"a.js", "b.js"}, cycles[0].Members)
}

func TestTarjanSCC_NoCyclesInDAG(t *testing.T) {
	g := BuildGraph(fakeContext(map[string][]string{
		"a.js": {"b.js"},
		"b.js": {"c.js"},
	}))
	require.Empty(t, TarjanSCC(g))
}

func TestTopoLevels_LinearChain(t *testing.T) {
	g := BuildGraph(fakeContext(map[string][]string{
		"a.js": {"b.js"},
		"b.js": {"c.js"},
	}))
	levels := TopoLevels(g, nil)
	require.Equal(t, 2, levels["a.js"])
	require.Equal(t, 1, levels["b.js"])
	require.Equal(t, 0, levels["c.js"])
}

func TestTopoLevels_CycleCollapsesToSingleLevel(t *testing.T) {
	// root -> a -> b -> a (cycle), and a depends externally on dep.js.
	g := BuildGraph(fakeContext(map[string][]string{
		"root.js": {"a.js"},
		"a.js":    {"b.js", "dep.js"},
		"b.js":    {"a.js"},
	}))
	cycles := TarjanSCC(g)
	require.Len(t, cycles, 1)

	levels := TopoLevels(g, cycles)
	require.Equal(t, levels["a.js"], levels["b.js"], "cycle members must share one level")
	require.Greater(t, levels["a.js"], levels["dep.js"], "cycle level must satisfy its external dependency first")
}

func TestSummarize_ProducesMarkdownWithCycleAndLevelSections(t *testing.T) {
	g := BuildGraph(fakeContext(map[string][]string{
		"a.js": {"b.js"},
		"b.js": {"a.js"},
	}))
	cycles := TarjanSCC(g)
	levels := TopoLevels(g, cycles)
	summary := Summarize(g, cycles, levels)

	require.Equal(t, 1, summary.TotalCycles)
	require.Contains(t, summary.Markdown, "Cycles detected: 1")
	require.Contains(t, summary.Markdown, "a.js -> b.js")
	require.Contains(t, summary.Markdown, "Topological levels")
}

func TestSummarize_CapsExampleCyclesAtFive(t *testing.T) {
	edges := map[string][]string{}
	for i := 0; i < 7; i++ {
		a := string(rune('a' + i*2))
		b := string(rune('a' + i*2 + 1))
		edges[a+".js"] = []string{b + ".js"}
		edges[b+".js"] = []string{a + ".js"}
	}
	g := BuildGraph(fakeContext(edges))
	cycles := TarjanSCC(g)
	require.Len(t, cycles, 7)

	levels := TopoLevels(g, cycles)
	summary := Summarize(g, cycles, levels)
	require.Len(t, summary.Cycles, 5)
	require.Equal(t, 7, summary.TotalCycles)
}

func TestSummarize_ClassifiesCriticalAndHighImpactByReverseDepCount(t *testing.T) {
	edges := map[string][]string{}
	for i := 0; i < 9; i++ {
		from := string(rune('a'+i)) + ".js"
		edges[from] = []string{"hub.js"}
	}
	for i := 0; i < 5; i++ {
		from := string(rune('m'+i)) + ".js"
		edges[from] = []string{"shared.js"}
	}

	g := BuildGraph(fakeContext(edges))
	cycles := TarjanSCC(g)
	levels := TopoLevels(g, cycles)
	summary := Summarize(g, cycles, levels)

	want := HighImpactSummary{
		TotalFiles:      summary.TotalFiles,
		CriticalFiles:   []string{"hub.js"},
		HighImpactFiles: []string{"shared.js"},
		TotalCycles:     0,
		LevelCounts:     summary.LevelCounts,
	}
	if diff := cmp.Diff(want, summary, cmpopts.IgnoreFields(HighImpactSummary{}, "Markdown", "Cycles")); diff != "" {
		t.Fatalf("classification mismatch (-want +got):\n%s", diff)
	}
}
