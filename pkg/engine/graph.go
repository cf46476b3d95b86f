package engine

import (
	"container/heap"
	"fmt"
	"strings"
)

// DependencyGraph is a validated DAG over every declared group, enabled or not.
// Edges run from a referenced (source) group to the group that consumes it.
type DependencyGraph struct {
	// groups holds declarations in declaration order
	groups []ResourceGroup

	// index maps group name to declaration position
	index map[string]int

	// dependents maps a group to the groups that reference it
	dependents map[string][]string

	// dependencies maps a group to the groups it references
	dependencies map[string][]string

	// order is the deterministic topological order
	order []string

	// levels groups nodes by depth; siblings share a level
	levels [][]string
}

// BuildGraph validates the declared groups and computes a deterministic
// topological order. Every failure is a configuration error and no partial
// order is ever returned.
func BuildGraph(groups []ResourceGroup) (*DependencyGraph, error) {
	g := &DependencyGraph{
		groups:       make([]ResourceGroup, len(groups)),
		index:        make(map[string]int, len(groups)),
		dependents:   make(map[string][]string, len(groups)),
		dependencies: make(map[string][]string, len(groups)),
	}
	copy(g.groups, groups)

	if err := g.initialize(); err != nil {
		return nil, err
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	if err := g.computeOrder(); err != nil {
		return nil, err
	}

	g.computeLevels()
	return g, nil
}

// initialize indexes the groups and builds adjacency lists.
func (g *DependencyGraph) initialize() error {
	for i := range g.groups {
		group := &g.groups[i]
		if group.Name == "" {
			return NewConfigurationError(fmt.Sprintf("group at position %d has empty name", i), nil)
		}
		if _, exists := g.index[group.Name]; exists {
			return NewConfigurationError(fmt.Sprintf("duplicate group name: %s", group.Name), nil).
				WithCode(ErrCodeDuplicateGroup).
				WithResource(group.Name)
		}
		g.index[group.Name] = i
		g.dependents[group.Name] = make([]string, 0)
		g.dependencies[group.Name] = make([]string, 0)
	}

	for i := range g.groups {
		group := &g.groups[i]
		seenInputs := make(map[string]bool, len(group.Inputs))
		seenSources := make(map[string]bool)

		for _, in := range group.Inputs {
			if in.Name == "" {
				return NewConfigurationError("input has empty name", nil).WithResource(group.Name)
			}
			if seenInputs[in.Name] {
				return NewConfigurationError(fmt.Sprintf("duplicate input %q", in.Name), nil).
					WithResource(group.Name)
			}
			seenInputs[in.Name] = true

			if err := in.Binding.Validate(); err != nil {
				return NewConfigurationError(fmt.Sprintf("invalid binding for input %q", in.Name), err).
					WithResource(group.Name)
			}
			if in.Binding.Kind != BindingReference {
				continue
			}

			source := in.Binding.Ref.Group
			if _, exists := g.index[source]; !exists {
				return NewConfigurationError(
					fmt.Sprintf("input %q references undeclared group %s", in.Name, source),
					nil,
				).WithCode(ErrCodeDanglingReference).
					WithResource(group.Name).
					WithDetail("reference", in.Binding.Ref.String())
			}

			// several inputs may read the same source; keep one edge
			if seenSources[source] {
				continue
			}
			seenSources[source] = true
			g.dependents[source] = append(g.dependents[source], group.Name)
			g.dependencies[group.Name] = append(g.dependencies[group.Name], source)
		}
	}

	return nil
}

// detectCycles uses depth-first search in declaration order so the reported
// chain is stable across runs.
func (g *DependencyGraph) detectCycles() error {
	visited := make(map[string]bool, len(g.groups))
	recStack := make(map[string]bool, len(g.groups))

	for _, group := range g.groups {
		if visited[group.Name] {
			continue
		}
		if cycle := g.detectCyclesUtil(group.Name, visited, recStack, nil); cycle != nil {
			return NewConfigurationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCycleDetected).
				WithResource(cycle[0]).
				WithDetail("cycle", cycle)
		}
	}
	return nil
}

func (g *DependencyGraph) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range g.dependents[name] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeOrder runs Kahn's algorithm, always taking the ready group that was
// declared first.
func (g *DependencyGraph) computeOrder() error {
	inDegree := make(map[string]int, len(g.groups))
	ready := &declarationQueue{index: g.index}

	for _, group := range g.groups {
		inDegree[group.Name] = len(g.dependencies[group.Name])
		if inDegree[group.Name] == 0 {
			heap.Push(ready, group.Name)
		}
	}

	order := make([]string, 0, len(g.groups))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, name)
		for _, dependent := range g.dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) != len(g.groups) {
		return NewConfigurationError("failed to order all groups - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	g.order = order
	return nil
}

// computeLevels assigns each group the length of its longest dependency chain.
func (g *DependencyGraph) computeLevels() {
	depth := make(map[string]int, len(g.order))
	maxDepth := -1
	for _, name := range g.order {
		d := 0
		for _, dep := range g.dependencies[name] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	g.levels = make([][]string, maxDepth+1)
	// walk declaration order so each level is already sorted by it
	for _, group := range g.groups {
		d := depth[group.Name]
		g.levels[d] = append(g.levels[d], group.Name)
	}
}

// Order returns the topological application order over all groups.
func (g *DependencyGraph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Levels returns groups bucketed by depth. Groups in one level have no edge
// between them.
func (g *DependencyGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Group returns the declaration of the named group.
func (g *DependencyGraph) Group(name string) (*ResourceGroup, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return &g.groups[i], true
}

// Groups returns the declarations in declaration order.
func (g *DependencyGraph) Groups() []ResourceGroup {
	out := make([]ResourceGroup, len(g.groups))
	copy(out, g.groups)
	return out
}

// Dependencies returns the groups the named group references.
func (g *DependencyGraph) Dependencies(name string) []string {
	return append([]string(nil), g.dependencies[name]...)
}

// Dependents returns the groups that reference the named group.
func (g *DependencyGraph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Position returns the index of the group in the topological order, or -1.
func (g *DependencyGraph) Position(name string) int {
	for i, n := range g.order {
		if n == name {
			return i
		}
	}
	return -1
}

// Len returns the number of groups in the graph.
func (g *DependencyGraph) Len() int {
	return len(g.groups)
}

// ToDOT generates a DOT representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			group, _ := g.Group(name)
			sb.WriteString(fmt.Sprintf("    %q [%s];\n", name, nodeStyle(group)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, group := range g.groups {
		for _, in := range group.Inputs {
			if in.Binding.Kind != BindingReference {
				continue
			}
			ref := in.Binding.Ref
			sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q, %s];\n",
				ref.Group, group.Name, ref.Output+" -> "+in.Name, edgeStyle(ref)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func nodeStyle(group *ResourceGroup) string {
	if !group.Enabled {
		return "fillcolor=\"lightgray\", style=\"filled,rounded,dashed\""
	}
	return "fillcolor=\"lightgreen\", style=\"filled,rounded\""
}

func edgeStyle(ref *Reference) string {
	if ref.HasFallback {
		return "style=dashed, color=blue"
	}
	return "style=solid, color=black"
}

// declarationQueue is a min-heap of group names keyed by declaration index.
type declarationQueue struct {
	names []string
	index map[string]int
}

func (q *declarationQueue) Len() int { return len(q.names) }

func (q *declarationQueue) Less(i, j int) bool {
	return q.index[q.names[i]] < q.index[q.names[j]]
}

func (q *declarationQueue) Swap(i, j int) { q.names[i], q.names[j] = q.names[j], q.names[i] }

func (q *declarationQueue) Push(x any) { q.names = append(q.names, x.(string)) }

func (q *declarationQueue) Pop() any {
	n := len(q.names)
	item := q.names[n-1]
	q.names = q.names[:n-1]
	return item
}
