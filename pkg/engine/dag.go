package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/planrun/planrun/pkg/plan"
)

// GraphBuilder builds the dependency DAG over a plan's tasks. It detects
// cycles and assigns topological levels used by the parallel scheduler.
type GraphBuilder struct {
	// tasks maps task ids to their tasks
	tasks map[string]*plan.Task

	// adjacencyList maps a task id to its dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps a task id to its dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unsatisfied dependencies per node
	inDegree map[string]int

	// levels maps execution level to task ids at that level
	levels [][]string
}

// Graph is the immutable DAG over a plan's tasks.
type Graph struct {
	// Nodes maps task ids to their graph nodes.
	Nodes map[string]*Node

	// Roots are the task ids with no dependencies.
	Roots []string

	// Levels are the topological levels; tasks in the same level are
	// mutually independent.
	Levels [][]string

	// Depth is the number of levels.
	Depth int
}

// Node is one task's position in the graph.
type Node struct {
	// ID is the task id.
	ID string

	// Level is the topological level (depth from roots).
	Level int

	// Dependencies are the ids this task depends on.
	Dependencies []string

	// Dependents are the ids that depend on this task.
	Dependents []string
}

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		tasks:                make(map[string]*plan.Task),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// BuildGraph constructs the dependency DAG for a plan, failing with a cycle
// error naming the offending id path if the declared dependencies are not
// acyclic.
func BuildGraph(p *plan.Plan) (*Graph, error) {
	return NewGraphBuilder().Build(p)
}

// Build indexes the plan's tasks, checks for cycles, and computes levels.
func (b *GraphBuilder) Build(p *plan.Plan) (*Graph, error) {
	tasks := p.Tasks()
	if len(tasks) == 0 {
		return &Graph{Nodes: make(map[string]*Node)}, nil
	}

	for _, t := range tasks {
		id := t.ID.String()
		b.tasks[id] = t
		b.adjacencyList[id] = nil
		b.reverseAdjacencyList[id] = nil
		b.inDegree[id] = 0
	}

	for _, t := range tasks {
		id := t.ID.String()
		for _, dep := range t.DependsOn {
			depID := dep.String()
			if _, exists := b.tasks[depID]; !exists {
				// The parser already rejects dangling references; this guards
				// plans constructed programmatically.
				return nil, NewParseError(
					fmt.Sprintf("task %s depends on undefined task %s", id, depID), nil).WithTask(id)
			}
			b.adjacencyList[depID] = append(b.adjacencyList[depID], id)
			b.reverseAdjacencyList[id] = append(b.reverseAdjacencyList[id], depID)
			b.inDegree[id]++
		}
	}

	if cycle := b.detectCycle(); cycle != nil {
		return nil, NewCycleError(
			fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")), nil)
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.graph(), nil
}

// detectCycle runs DFS with recursion-stack tracking over every node and
// returns the offending id path if a back-edge exists.
func (b *GraphBuilder) detectCycle() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	ids := b.sortedIDs()
	for _, id := range ids {
		if !visited[id] {
			if cycle := b.dfs(id, visited, recStack, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (b *GraphBuilder) dfs(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.adjacencyList[id] {
		if !visited[dependent] {
			if cycle := b.dfs(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					return append(path[i:], dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels assigns topological levels via Kahn's algorithm. Tasks at the
// same level have no dependency relation and may execute in parallel.
func (b *GraphBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var current []string
	for _, id := range b.sortedIDs() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortTaskIDs(next)
		current = next
	}

	if processed != len(b.tasks) {
		return NewInternalError("not all tasks were assigned a level", nil)
	}
	return nil
}

func (b *GraphBuilder) graph() *Graph {
	g := &Graph{
		Nodes:  make(map[string]*Node, len(b.tasks)),
		Levels: b.levels,
		Depth:  len(b.levels),
	}
	for level, ids := range b.levels {
		for _, id := range ids {
			g.Nodes[id] = &Node{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				g.Roots = append(g.Roots, id)
			}
		}
	}
	sortTaskIDs(g.Roots)
	return g
}

func (b *GraphBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.tasks))
	for id := range b.tasks {
		ids = append(ids, id)
	}
	sortTaskIDs(ids)
	return ids
}

// sortTaskIDs orders ids ascending by (phase, number, subletter).
func sortTaskIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := plan.ParseTaskID(ids[i])
		b, errB := plan.ParseTaskID(ids[j])
		if errA != nil || errB != nil {
			return ids[i] < ids[j]
		}
		return a.Less(b)
	})
}

// ResolveOptions control runnable-set computation.
type ResolveOptions struct {
	// Scope restricts the runnable set to one phase id. Empty means all.
	Scope string

	// SkippedSatisfiesDeps treats SKIPPED dependencies as satisfied. Off by
	// default so the engine never silently proceeds past unresolved work.
	SkippedSatisfiesDeps bool
}

// NextRunnable returns every task that is PENDING, in scope, and whose every
// dependency is satisfied, ordered ascending by (phase, number, subletter).
func NextRunnable(p *plan.Plan, opts ResolveOptions) []*plan.Task {
	var runnable []*plan.Task
	for _, t := range p.Tasks() {
		if t.Status != plan.StatusPending {
			continue
		}
		if opts.Scope != "" && t.ID.Phase != opts.Scope {
			continue
		}
		if depsSatisfied(p, t, opts) {
			runnable = append(runnable, t)
		}
	}
	sort.Slice(runnable, func(i, j int) bool {
		return runnable[i].ID.Less(runnable[j].ID)
	})
	return runnable
}

// Blocked returns the ids of in-scope PENDING tasks whose dependencies are
// not satisfied, ordered ascending.
func Blocked(p *plan.Plan, opts ResolveOptions) []string {
	var blocked []string
	for _, t := range p.Tasks() {
		if t.Status != plan.StatusPending {
			continue
		}
		if opts.Scope != "" && t.ID.Phase != opts.Scope {
			continue
		}
		if !depsSatisfied(p, t, opts) {
			blocked = append(blocked, t.ID.String())
		}
	}
	sortTaskIDs(blocked)
	return blocked
}

func depsSatisfied(p *plan.Plan, t *plan.Task, opts ResolveOptions) bool {
	for _, depID := range t.DependsOn {
		dep, ok := p.Task(depID)
		if !ok {
			return false
		}
		switch dep.Status {
		case plan.StatusCompleted:
		case plan.StatusSkipped:
			if !opts.SkippedSatisfiesDeps {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ToDOT renders the graph in Graphviz DOT format, grouped by level.
func ToDOT(p *plan.Plan, g *Graph) string {
	var sb strings.Builder

	sb.WriteString("digraph plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			label := id
			color := "white"
			if t, ok := p.Task(mustParseID(id)); ok {
				label = fmt.Sprintf("%s\\n%s", id, t.Action)
				color = statusColor(t.Status)
			}
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				id, label, color))
		}
		sb.WriteString("  }\n\n")
	}

	for _, t := range p.Tasks() {
		for _, dep := range t.DependsOn {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep.String(), t.ID.String()))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func mustParseID(s string) plan.TaskID {
	id, _ := plan.ParseTaskID(s)
	return id
}

func statusColor(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return "lightgreen"
	case plan.StatusFailed, plan.StatusFailedTerminal:
		return "lightcoral"
	case plan.StatusSkipped:
		return "lightgray"
	case plan.StatusInProgress, plan.StatusVerifying:
		return "lightblue"
	default:
		return "white"
	}
}
