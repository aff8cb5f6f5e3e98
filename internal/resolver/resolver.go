// Package resolver orders the tasks of a workflow by their dependencies.
//
// A workflow is held as an arena of definitions with index-based edges, so a
// cyclic graph authored by a user never turns into a cycle of live pointers.
package resolver

import (
	"slices"
	"sort"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

type color uint8

const (
	white color = iota // unvisited
	gray               // on the current DFS path
	black              // finished
)

// Graph is the dependency graph of one workflow
type Graph struct {
	workflow   string
	nodes      []*model.TaskDefinition
	index      map[string]int
	deps       [][]int
	dependents [][]int
}

// Build indexes the workflow's tasks in registration order and links their
// dependencies. A dependency outside the workflow is a ValidationError.
func Build(wf *model.WorkflowDefinition) (*Graph, error) {
	nodes := slices.Clone(wf.Tasks)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })

	g := &Graph{
		workflow:   wf.Name,
		nodes:      nodes,
		index:      make(map[string]int, len(nodes)),
		deps:       make([][]int, len(nodes)),
		dependents: make([][]int, len(nodes)),
	}
	for i, n := range nodes {
		if _, dup := g.index[n.Name]; dup {
			return nil, &model.ValidationError{Subject: n.Name, Reason: "duplicate task name in workflow " + wf.Name}
		}
		g.index[n.Name] = i
	}
	for i, n := range nodes {
		for _, dep := range n.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, &model.ValidationError{Subject: n.Name, Reason: "unknown dependency " + dep}
			}
			if slices.Contains(g.deps[i], j) {
				continue
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	for i := range g.deps {
		slices.Sort(g.deps[i])
		slices.Sort(g.dependents[i])
	}
	return g, nil
}

// Resolve builds the graph and returns its execution order.
func Resolve(wf *model.WorkflowDefinition) ([]string, error) {
	g, err := Build(wf)
	if err != nil {
		return nil, err
	}
	return g.Order()
}

// Workflow returns the name of the workflow the graph was built from.
func (g *Graph) Workflow() string { return g.workflow }

// Order returns every task exactly once, each after all of its dependencies.
// Unrelated tasks keep registration order. A back edge to a task still on the
// DFS path fails with a CycleError listing the tasks on that cycle.
func (g *Graph) Order() ([]string, error) {
	colors := make([]color, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	var path []int

	var visit func(i int) *model.CycleError
	visit = func(i int) *model.CycleError {
		colors[i] = gray
		path = append(path, i)
		for _, d := range g.deps[i] {
			switch colors[d] {
			case gray:
				start := slices.Index(path, d)
				members := make([]string, 0, len(path)-start)
				for _, p := range path[start:] {
					members = append(members, g.nodes[p].Name)
				}
				return &model.CycleError{Workflow: g.workflow, Members: members}
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		colors[i] = black
		order = append(order, g.nodes[i].Name)
		return nil
	}

	for i := range g.nodes {
		if colors[i] != white {
			continue
		}
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ReadyTasks returns, in registration order, the tasks that have no instance in
// the run yet and whose dependencies are all in completed.
func (g *Graph) ReadyTasks(run *model.WorkflowRun, completed map[string]bool) []string {
	var ready []string
	for i, n := range g.nodes {
		if _, started := run.Instances[n.Name]; started {
			continue
		}
		ok := true
		for _, d := range g.deps[i] {
			if !completed[g.nodes[d].Name] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.Name)
		}
	}
	return ready
}

// Dependencies returns the direct upstream tasks of name.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, d := range g.deps[i] {
		out = append(out, g.nodes[d].Name)
	}
	return out
}

// Descendants returns every task transitively downstream of name.
func (g *Graph) Descendants(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.nodes))
	queue := slices.Clone(g.dependents[i])
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.dependents[n]...)
	}
	var out []string
	for j, s := range seen {
		if s {
			out = append(out, g.nodes[j].Name)
		}
	}
	return out
}

// Task returns the definition of name.
func (g *Graph) Task(name string) (*model.TaskDefinition, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Tasks returns the definitions in registration order.
func (g *Graph) Tasks() []*model.TaskDefinition {
	return slices.Clone(g.nodes)
}
