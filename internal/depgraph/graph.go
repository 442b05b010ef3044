package depgraph

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Graph is a simplified file -> [file] adjacency built from resolved
// import specifiers.
type Graph struct {
	edges map[string][]string
	nodes map[string]bool
}

// BuildGraph reduces a DependencyContext to the file->file adjacency the
// graph algorithms operate on: one edge per resolved import.
func BuildGraph(ctx *DependencyContext) *Graph {
	g := &Graph{edges: make(map[string][]string), nodes: make(map[string]bool)}
	for _, f := range ctx.Files {
		from := normalizePath(f.Path)
		g.nodes[from] = true
		seen := make(map[string]bool)
		for _, imp := range f.Imports {
			if imp.ResolvedPath == "" {
				continue
			}
			to := normalizePath(imp.ResolvedPath)
			if to == from || seen[to] {
				continue
			}
			seen[to] = true
			g.nodes[to] = true
			g.edges[from] = append(g.edges[from], to)
		}
	}
	return g
}

// Dependents returns the files with a direct edge to path, i.e. the files
// that import it. Used to walk the reverse-dependency graph upward from a
// modified file toward its enclosing page entry.
func (g *Graph) Dependents(path string) []string {
	path = normalizePath(path)
	var out []string
	for from, tos := range g.edges {
		for _, to := range tos {
			if to == path {
				out = append(out, from)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// normalizePath forces forward slashes, and lower-cases the path on
// case-insensitive platforms (Windows and macOS' default HFS+/APFS).
func normalizePath(p string) string {
	p = filepath.ToSlash(p)
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		p = strings.ToLower(p)
	}
	return p
}

// ReductionResult is the output of TransitiveReduction.
type ReductionResult struct {
	Reduced      *Graph
	RemovedEdges int
	TotalEdges   int
}

// TransitiveReduction removes, for each file, any edge whose target is
// already reachable via another edge from the same file (BFS-based), per
// spec §4.8.
func TransitiveReduction(g *Graph) ReductionResult {
	reduced := &Graph{edges: make(map[string][]string), nodes: g.nodes}
	total := 0
	removed := 0

	for from, targets := range g.edges {
		total += len(targets)
		keep := make([]string, 0, len(targets))
		for _, target := range targets {
			if reachableWithoutDirectEdge(g, from, target) {
				removed++
				continue
			}
			keep = append(keep, target)
		}
		if len(keep) > 0 {
			reduced.edges[from] = keep
		}
	}
	return ReductionResult{Reduced: reduced, RemovedEdges: removed, TotalEdges: total}
}

// reachableWithoutDirectEdge reports whether target is reachable from from
// via some path that does not use the direct from->target edge.
func reachableWithoutDirectEdge(g *Graph, from, target string) bool {
	visited := map[string]bool{from: true}
	queue := []string{}
	for _, next := range g.edges[from] {
		if next == target {
			continue // skip the direct edge itself
		}
		if !visited[next] {
			visited[next] = true
			queue = append(queue, next)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == target {
			return true
		}
		for _, next := range g.edges[node] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Cycle is a strongly-connected component of size >= 2.
type Cycle struct {
	Members []string
}

// TarjanSCC computes strongly connected components in O(V+E), reporting
// only components of size >= 2 (genuine cycles), per spec §4.8.
func TarjanSCC(g *Graph) []Cycle {
	type tstate struct {
		index   int
		low     int
		onStack bool
	}

	index := 0
	stack := make([]string, 0)
	state := make(map[string]*tstate)
	var cycles []Cycle

	var nodeList []string
	for n := range g.nodes {
		nodeList = append(nodeList, n)
	}
	sort.Strings(nodeList) // deterministic iteration order

	var strongConnect func(v string)
	strongConnect = func(v string) {
		state[v] = &tstate{index: index, low: index, onStack: true}
		index++
		stack = append(stack, v)

		neighbors := append([]string(nil), g.edges[v]...)
		sort.Strings(neighbors)
		for _, w := range neighbors {
			if state[w] == nil {
				strongConnect(w)
				if state[w].low < state[v].low {
					state[v].low = state[w].low
				}
			} else if state[w].onStack {
				if state[w].index < state[v].low {
					state[v].low = state[w].index
				}
			}
		}

		if state[v].low == state[v].index {
			var members []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				state[w].onStack = false
				members = append(members, w)
				if w == v {
					break
				}
			}
			if len(members) >= 2 {
				sort.Strings(members)
				cycles = append(cycles, Cycle{Members: members})
			}
		}
	}

	for _, v := range nodeList {
		if state[v] == nil {
			strongConnect(v)
		}
	}
	return cycles
}

// TopoLevels maps each node to its topological level. Every member of a
// cycle collapses to a single level: the level that first satisfies the
// cycle's external (outside-the-cycle) dependencies, per spec §4.8.
func TopoLevels(g *Graph, cycles []Cycle) map[string]int {
	cycleOf := make(map[string]int) // node -> cycle index
	for i, c := range cycles {
		for _, m := range c.Members {
			cycleOf[m] = i
		}
	}

	// Collapse each cycle to a synthetic node id, building a condensed
	// graph of "unit"s (either a bare node, or a cycle-as-one-node).
	unitOf := func(n string) string {
		if idx, ok := cycleOf[n]; ok {
			return fmt.Sprintf("__cycle_%d", idx)
		}
		return n
	}

	inDegree := make(map[string]int)
	condensed := make(map[string]map[string]bool)
	units := make(map[string]bool)

	for n := range g.nodes {
		units[unitOf(n)] = true
	}
	for from, targets := range g.edges {
		uFrom := unitOf(from)
		for _, to := range targets {
			uTo := unitOf(to)
			if uFrom == uTo {
				continue // intra-cycle edge, ignored for leveling
			}
			// Condensed edges run dependency -> dependent, so a unit's
			// in-degree counts its unresolved dependencies and level 0
			// holds the units that import nothing.
			if condensed[uTo] == nil {
				condensed[uTo] = make(map[string]bool)
			}
			if !condensed[uTo][uFrom] {
				condensed[uTo][uFrom] = true
				inDegree[uFrom]++
			}
		}
	}
	for u := range units {
		if _, ok := inDegree[u]; !ok {
			inDegree[u] = 0
		}
	}

	// Kahn's algorithm over the condensed graph.
	level := make(map[string]int)
	queue := make([]string, 0)
	var unitList []string
	for u := range units {
		unitList = append(unitList, u)
	}
	sort.Strings(unitList)
	for _, u := range unitList {
		if inDegree[u] == 0 {
			level[u] = 0
			queue = append(queue, u)
		}
	}

	remaining := make(map[string]int, len(inDegree))
	for u, d := range inDegree {
		remaining[u] = d
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		var downstream []string
		for to := range condensed[u] {
			downstream = append(downstream, to)
		}
		sort.Strings(downstream)
		for _, to := range downstream {
			if level[u]+1 > level[to] {
				level[to] = level[u] + 1
			}
			remaining[to]--
			if remaining[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	result := make(map[string]int, len(g.nodes))
	for n := range g.nodes {
		result[n] = level[unitOf(n)]
	}
	return result
}

// HighImpactSummary is the markdown-ready digest injected into the audit
// prompt.
type HighImpactSummary struct {
	TotalFiles      int
	CriticalFiles   []string // reverse-dep cardinality in the top bracket
	HighImpactFiles []string
	Cycles          []Cycle // at most 5, for display
	TotalCycles     int
	LevelCounts     map[int]int
	Markdown        string
}

const (
	criticalReverseDepThreshold   = 8
	highImpactReverseDepThreshold = 4
	maxExampleCycles              = 5
)

// Summarize derives CriticalFiles/HighImpactFiles from reverse-dependency
// cardinalities over the reduced graph, collects example cycles, and
// renders the markdown digest, per spec §4.8.
func Summarize(reduced *Graph, cycles []Cycle, levels map[string]int) HighImpactSummary {
	reverseDeps := make(map[string]int)
	for _, targets := range reduced.edges {
		for _, t := range targets {
			reverseDeps[t]++
		}
	}

	var critical, high []string
	for n := range reduced.nodes {
		switch {
		case reverseDeps[n] >= criticalReverseDepThreshold:
			critical = append(critical, n)
		case reverseDeps[n] >= highImpactReverseDepThreshold:
			high = append(high, n)
		}
	}
	sort.Strings(critical)
	sort.Strings(high)

	levelCounts := make(map[int]int)
	for _, lvl := range levels {
		levelCounts[lvl]++
	}

	exampleCycles := cycles
	if len(exampleCycles) > maxExampleCycles {
		exampleCycles = exampleCycles[:maxExampleCycles]
	}

	summary := HighImpactSummary{
		TotalFiles:      len(reduced.nodes),
		CriticalFiles:   critical,
		HighImpactFiles: high,
		Cycles:          exampleCycles,
		TotalCycles:     len(cycles),
		LevelCounts:     levelCounts,
	}
	summary.Markdown = renderMarkdown(summary)
	return summary
}

func renderMarkdown(s HighImpactSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Dependency Impact Summary\n\n")
	fmt.Fprintf(&b, "- Total files: %d\n", s.TotalFiles)
	fmt.Fprintf(&b, "- Critical files (>=%d reverse deps): %d\n", criticalReverseDepThreshold, len(s.CriticalFiles))
	fmt.Fprintf(&b, "- High-impact files (>=%d reverse deps): %d\n", highImpactReverseDepThreshold, len(s.HighImpactFiles))
	fmt.Fprintf(&b, "- Cycles detected: %d\n\n", s.TotalCycles)

	if len(s.CriticalFiles) > 0 {
		b.WriteString("### Critical files\n")
		for _, f := range s.CriticalFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	if len(s.Cycles) > 0 {
		b.WriteString("### Example cycles\n")
		for _, c := range s.Cycles {
			fmt.Fprintf(&b, "- %s\n", strings.Join(c.Members, " -> "))
		}
		b.WriteString("\n")
	}

	if len(s.LevelCounts) > 0 {
		b.WriteString("### Topological levels\n")
		var lvls []int
		for l := range s.LevelCounts {
			lvls = append(lvls, l)
		}
		sort.Ints(lvls)
		for _, l := range lvls {
			fmt.Fprintf(&b, "- level %d: %d file(s)\n", l, s.LevelCounts[l])
		}
	}

	return b.String()
}
