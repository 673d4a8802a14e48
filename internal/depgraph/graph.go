// Package depgraph builds the directed dependency graph for a resolved
// package set, detects strongly connected components, classifies each cycle
// as breakable or fatal, and produces the linear build order.
//
// The graph is an arena of integer-indexed nodes with edge lists stored as
// index slices; edges point from dependency to dependent.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/logging"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// CircularError reports an unbreakable dependency cycle.
type CircularError struct {
	Packages []atom.PackageID
}

func (e *CircularError) Error() string {
	names := make([]string, len(e.Packages))
	for i, id := range e.Packages {
		names[i] = id.String()
	}
	return fmt.Sprintf("unbreakable dependency cycle: %s", strings.Join(names, " -> "))
}

type node struct {
	id atom.PackageID
}

type edge struct {
	from, to    int    // node indices; from is the dependency, to the dependent
	conditional bool   // edge severable by toggling one USE flag
	flag        string // the severing flag, when conditional
	enable      bool   // value the flag must take to sever the edge
	buildOnly   bool   // build-time-only edge
	removed     bool
}

// Graph is the arena-based dependency graph.
type Graph struct {
	nodes []node
	index map[atom.PackageID]int
	edges []edge
	out   [][]int // outgoing edge indices per node
	in    [][]int // incoming edge indices per node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[atom.PackageID]int)}
}

// Build populates the graph from a package set. Dependency edges whose USE
// condition evaluates false under the active set are omitted entirely;
// edges whose condition can be falsified by toggling a single flag are
// tagged conditional so cycle breaking can propose that toggle. Edges to
// packages outside the set are ignored.
func Build(pkgs []*ports.PackageInfo, use map[string]bool) *Graph {
	g := New()
	for _, p := range pkgs {
		g.addNode(p.ID)
	}
	for _, p := range pkgs {
		dependent := g.index[p.ID]
		for _, d := range p.AllDependencies() {
			depIdx, ok := g.index[d.Package]
			if !ok {
				continue
			}
			if !d.Active(use) {
				continue
			}
			conditional := false
			flag := ""
			enable := false
			if f, en, ok := severableFlag(d.Condition, use); ok {
				conditional = true
				flag = f
				enable = en
			}
			g.addEdge(depIdx, dependent, conditional, flag, enable, d.BuildTime && !d.RunTime)
		}
	}
	return g
}

// severableFlag finds a USE flag whose toggle falsifies the condition under
// the active set. Compound conditions are handled by re-evaluating the
// whole tree with each candidate flag flipped, so a toggle that merely
// shifts an Or to another true branch is never proposed.
func severableFlag(c ports.UseCondition, use map[string]bool) (flag string, enable, ok bool) {
	for _, f := range conditionFlags(c) {
		toggled := make(map[string]bool, len(use)+1)
		for k, v := range use {
			toggled[k] = v
		}
		toggled[f] = !use[f]
		if !c.Eval(toggled) {
			return f, toggled[f], true
		}
	}
	return "", false, false
}

func conditionFlags(c ports.UseCondition) []string {
	switch v := c.(type) {
	case ports.IfEnabled:
		return []string{v.Flag}
	case ports.IfDisabled:
		return []string{v.Flag}
	case ports.And:
		var out []string
		for _, sub := range v.Conditions {
			out = append(out, conditionFlags(sub)...)
		}
		return out
	case ports.Or:
		var out []string
		for _, sub := range v.Conditions {
			out = append(out, conditionFlags(sub)...)
		}
		return out
	default:
		return nil
	}
}

func (g *Graph) addNode(id atom.PackageID) int {
	if idx, ok := g.index[id]; ok {
		return idx
	}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, node{id: id})
	g.index[id] = idx
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return idx
}

func (g *Graph) addEdge(from, to int, conditional bool, flag string, enable, buildOnly bool) {
	if from == to {
		// Self-dependencies are meaningless for ordering.
		return
	}
	ei := len(g.edges)
	g.edges = append(g.edges, edge{from: from, to: to, conditional: conditional, flag: flag, enable: enable, buildOnly: buildOnly})
	g.out[from] = append(g.out[from], ei)
	g.in[to] = append(g.in[to], ei)
}

// Cycle is one strongly connected component with more than one member.
type Cycle struct {
	Members []atom.PackageID
	members []int
}

// DetectCycles runs Tarjan's SCC algorithm and returns every component
// with more than one node, members sorted for determinism.
func (g *Graph) DetectCycles() []Cycle {
	n := len(g.nodes)
	indexOf := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range indexOf {
		indexOf[i] = -1
	}

	var stack []int
	var cycles []Cycle
	counter := 0

	var strongconnect func(v int)
	strongconnect = func(v int) {
		indexOf[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, ei := range g.out[v] {
			e := g.edges[ei]
			if e.removed {
				continue
			}
			w := e.to
			if indexOf[w] < 0 {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indexOf[w] < lowlink[v] {
					lowlink[v] = indexOf[w]
				}
			}
		}

		if lowlink[v] == indexOf[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				sort.Ints(comp)
				c := Cycle{members: comp}
				for _, idx := range comp {
					c.Members = append(c.Members, g.nodes[idx].id)
				}
				cycles = append(cycles, c)
			}
		}
	}

	for v := 0; v < n; v++ {
		if indexOf[v] < 0 {
			strongconnect(v)
		}
	}

	// Deterministic order across runs.
	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].members[0] < cycles[j].members[0]
	})
	return cycles
}

// BreakKind names the strategy used to neutralize a cycle.
type BreakKind int

const (
	// BreakToggleFlag severs a USE-conditional edge by toggling its flag
	// (disabling an enabling flag, or enabling a disabling one).
	BreakToggleFlag BreakKind = iota
	// BreakTwoPhase splits the cycle into a first build pass (members
	// without runtime-cycle edges) and a second pass, dropping the
	// build-only edges between them.
	BreakTwoPhase
	// BreakBootstrap substitutes a bootstrap variant for a toolchain
	// package, dropping its in-cycle dependencies.
	BreakBootstrap
)

// Break records how one cycle was neutralized.
type Break struct {
	Kind    BreakKind
	Cycle   []atom.PackageID
	Package atom.PackageID // flag owner or bootstrap package
	Flag    string         // BreakToggleFlag
	Enable  bool           // BreakToggleFlag: value the flag is set to
	Variant string         // BreakBootstrap variant build target
	// BreakTwoPhase passes
	FirstPass  []atom.PackageID
	SecondPass []atom.PackageID
}

// Describe renders the break for the decision trail.
func (b Break) Describe() string {
	switch b.Kind {
	case BreakToggleFlag:
		verb := "disable"
		if b.Enable {
			verb = "enable"
		}
		return fmt.Sprintf("%s USE flag %q on %s to sever cycle", verb, b.Flag, b.Package)
	case BreakTwoPhase:
		return fmt.Sprintf("two-phase build: first pass %v, second pass %v", b.FirstPass, b.SecondPass)
	case BreakBootstrap:
		return fmt.Sprintf("bootstrap %s via %s", b.Package, b.Variant)
	default:
		return "unknown break"
	}
}

// BreakCycles neutralizes every detected cycle, trying in order: a
// USE-conditional edge to sever, a two-phase split when build-only and
// runtime edges are mixed, then a bootstrap substitution for any member in
// the bootstrap table. An unresolvable cycle yields a CircularError; cycles
// are never silently dropped.
func (g *Graph) BreakCycles(cycles []Cycle, bootstrap map[atom.PackageID]string) ([]Break, error) {
	log := logging.GetLogger("depgraph")

	var breaks []Break
	for _, c := range cycles {
		inCycle := make(map[int]bool, len(c.members))
		for _, m := range c.members {
			inCycle[m] = true
		}

		var cycleEdges []int
		for ei, e := range g.edges {
			if !e.removed && inCycle[e.from] && inCycle[e.to] {
				cycleEdges = append(cycleEdges, ei)
			}
		}

		if br, ok := g.breakConditional(c, cycleEdges); ok {
			log.Debug().Str("strategy", "toggle-flag").Str("flag", br.Flag).Msg("cycle broken")
			breaks = append(breaks, br)
			continue
		}
		if br, ok := g.breakTwoPhase(c, cycleEdges); ok {
			log.Debug().Str("strategy", "two-phase").Msg("cycle broken")
			breaks = append(breaks, br)
			continue
		}
		if br, ok := g.breakBootstrap(c, cycleEdges, bootstrap); ok {
			log.Debug().Str("strategy", "bootstrap").Str("package", br.Package.String()).Msg("cycle broken")
			breaks = append(breaks, br)
			continue
		}

		return nil, &CircularError{Packages: c.Members}
	}
	return breaks, nil
}

// breakConditional severs the first USE-conditional edge in the cycle.
func (g *Graph) breakConditional(c Cycle, cycleEdges []int) (Break, bool) {
	for _, ei := range cycleEdges {
		e := &g.edges[ei]
		if e.conditional {
			e.removed = true
			return Break{
				Kind:    BreakToggleFlag,
				Cycle:   c.Members,
				Package: g.nodes[e.to].id,
				Flag:    e.flag,
				Enable:  e.enable,
			}, true
		}
	}
	return Break{}, false
}

// breakTwoPhase applies when the cycle mixes build-only and runtime edges:
// the build-only edges are dropped and members are split into two passes.
func (g *Graph) breakTwoPhase(c Cycle, cycleEdges []int) (Break, bool) {
	var hasBuild, hasRuntime bool
	for _, ei := range cycleEdges {
		if g.edges[ei].buildOnly {
			hasBuild = true
		} else {
			hasRuntime = true
		}
	}
	if !hasBuild || !hasRuntime {
		return Break{}, false
	}

	// Members touched by a runtime cycle edge go to the second pass.
	runtimeMember := make(map[int]bool)
	for _, ei := range cycleEdges {
		if !g.edges[ei].buildOnly {
			runtimeMember[g.edges[ei].from] = true
			runtimeMember[g.edges[ei].to] = true
		}
	}

	br := Break{Kind: BreakTwoPhase, Cycle: c.Members}
	for _, m := range c.members {
		if runtimeMember[m] {
			br.SecondPass = append(br.SecondPass, g.nodes[m].id)
		} else {
			br.FirstPass = append(br.FirstPass, g.nodes[m].id)
		}
	}

	for _, ei := range cycleEdges {
		if g.edges[ei].buildOnly {
			g.edges[ei].removed = true
		}
	}
	return br, true
}

// breakBootstrap drops the in-cycle dependencies of the first member found
// in the bootstrap table, so it can be built from its bootstrap variant.
func (g *Graph) breakBootstrap(c Cycle, cycleEdges []int, bootstrap map[atom.PackageID]string) (Break, bool) {
	for _, m := range c.members {
		id := g.nodes[m].id
		variant, ok := bootstrap[id]
		if !ok {
			continue
		}
		for _, ei := range cycleEdges {
			if g.edges[ei].to == m {
				g.edges[ei].removed = true
			}
		}
		return Break{Kind: BreakBootstrap, Cycle: c.Members, Package: id, Variant: variant}, true
	}
	return Break{}, false
}

// AddOrderConstraint adds a plain sequencing edge: first must appear
// before second in the final order. Unknown packages are ignored.
func (g *Graph) AddOrderConstraint(first, second atom.PackageID) {
	fi, ok := g.index[first]
	if !ok {
		return
	}
	si, ok := g.index[second]
	if !ok {
		return
	}
	g.addEdge(fi, si, false, "", false, false)
}

// Order returns a topological build order over the remaining edges:
// dependencies before dependents, bootstrap packages pulled to the front,
// ties broken by package id for determinism. Returns a CircularError if a
// cycle survives.
func (g *Graph) Order(bootstrap map[atom.PackageID]string) ([]atom.PackageID, error) {
	n := len(g.nodes)
	indegree := make([]int, n)
	for _, e := range g.edges {
		if !e.removed {
			indegree[e.to]++
		}
	}

	ready := make([]int, 0, n)
	for v := 0; v < n; v++ {
		if indegree[v] == 0 {
			ready = append(ready, v)
		}
	}

	less := func(a, b int) bool {
		_, abs := bootstrap[g.nodes[a].id]
		_, bbs := bootstrap[g.nodes[b].id]
		if abs != bbs {
			return abs
		}
		return g.nodes[a].id.Less(g.nodes[b].id)
	}

	var order []atom.PackageID
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		v := ready[0]
		ready = ready[1:]
		order = append(order, g.nodes[v].id)

		for _, ei := range g.out[v] {
			e := g.edges[ei]
			if e.removed {
				continue
			}
			indegree[e.to]--
			if indegree[e.to] == 0 {
				ready = append(ready, e.to)
			}
		}
	}

	if len(order) != n {
		var stuck []atom.PackageID
		seen := make(map[atom.PackageID]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for _, nd := range g.nodes {
			if !seen[nd.id] {
				stuck = append(stuck, nd.id)
			}
		}
		return nil, &CircularError{Packages: stuck}
	}

	return order, nil
}
