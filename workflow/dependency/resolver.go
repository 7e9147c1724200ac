package dependency

import (
	"container/heap"
	"slices"

	"github.com/BaSui01/layerflow/workflow/state"
)

// Node is a task id with the ids it depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// Kind classifies a validation outcome.
type Kind string

const (
	Valid              Kind = "valid"
	MissingDependency  Kind = "missing_dependency"
	CircularDependency Kind = "circular_dependency"
)

// ValidationResult reports whether the dependency graph can be scheduled.
type ValidationResult struct {
	Kind Kind `json:"kind"`
	// Missing maps each task id to the declared dependencies that do not exist.
	Missing map[string][]string `json:"missing,omitempty"`
	// Cycle lists the ids of the first cycle found, in traversal order.
	Cycle []string `json:"cycle,omitempty"`
}

// OK reports whether the graph is valid.
func (v ValidationResult) OK() bool { return v.Kind == Valid }

// Resolver orders tasks by their declared dependencies. Node order is the
// insertion order and is used to break ties, so results are deterministic.
type Resolver struct {
	ids   []string
	index map[string]int
	deps  [][]string
}

// New builds a resolver. A repeated id replaces the earlier declaration.
func New(nodes []Node) *Resolver {
	r := &Resolver{index: make(map[string]int, len(nodes))}
	for _, n := range nodes {
		if i, ok := r.index[n.ID]; ok {
			r.deps[i] = slices.Clone(n.DependsOn)
			continue
		}
		r.index[n.ID] = len(r.ids)
		r.ids = append(r.ids, n.ID)
		r.deps = append(r.deps, slices.Clone(n.DependsOn))
	}
	return r
}

// FromTasks builds a resolver over the given tasks' depends_on lists.
func FromTasks(tasks []state.Task) *Resolver {
	nodes := make([]Node, len(tasks))
	for i, t := range tasks {
		nodes[i] = Node{ID: t.ID, DependsOn: t.DependsOn}
	}
	return New(nodes)
}

// Len returns the number of nodes.
func (r *Resolver) Len() int { return len(r.ids) }

// Validate checks that every dependency exists, then looks for a cycle.
// Missing dependencies are reported for all tasks before any cycle search.
func (r *Resolver) Validate() ValidationResult {
	missing := make(map[string][]string)
	for i, id := range r.ids {
		for _, d := range r.deps[i] {
			if _, ok := r.index[d]; !ok {
				missing[id] = append(missing[id], d)
			}
		}
	}
	if len(missing) > 0 {
		return ValidationResult{Kind: MissingDependency, Missing: missing}
	}
	if cycle := r.findCycle(); cycle != nil {
		return ValidationResult{Kind: CircularDependency, Cycle: cycle}
	}
	return ValidationResult{Kind: Valid}
}

// findCycle runs a depth-first search with a recursion stack and returns the
// first cycle found. A self-dependency is a one-element cycle.
func (r *Resolver) findCycle() []string {
	visited := make([]bool, len(r.ids))
	onStack := make([]bool, len(r.ids))
	var path []int
	var cycle []string

	var dfs func(n int) bool
	dfs = func(n int) bool {
		visited[n] = true
		onStack[n] = true
		path = append(path, n)
		for _, d := range r.deps[n] {
			m, ok := r.index[d]
			if !ok {
				continue
			}
			if onStack[m] {
				start := slices.Index(path, m)
				for _, p := range path[start:] {
					cycle = append(cycle, r.ids[p])
				}
				return true
			}
			if !visited[m] && dfs(m) {
				return true
			}
		}
		onStack[n] = false
		path = path[:len(path)-1]
		return false
	}

	for i := range r.ids {
		if !visited[i] && dfs(i) {
			return cycle
		}
	}
	return nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// edges returns in-degrees and dependents lists. Edges to unknown ids are
// ignored; Validate reports those.
func (r *Resolver) edges() ([]int, [][]int) {
	indeg := make([]int, len(r.ids))
	dependents := make([][]int, len(r.ids))
	for i := range r.ids {
		seen := make(map[int]bool, len(r.deps[i]))
		for _, d := range r.deps[i] {
			j, ok := r.index[d]
			if !ok || seen[j] {
				continue
			}
			seen[j] = true
			indeg[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	return indeg, dependents
}

// TopologicalOrder returns every id with dependencies before dependents.
// It returns false instead of a partial order when some node can never run.
func (r *Resolver) TopologicalOrder() ([]string, bool) {
	indeg, dependents := r.edges()

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]string, 0, len(r.ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, r.ids[n])
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(out) != len(r.ids) {
		return nil, false
	}
	return out, true
}

// ParallelGroups assigns each node to a level: level 0 holds nodes without
// dependencies, level k nodes whose dependencies all sit below k. Members
// of a group may run concurrently. Nodes on a cycle are left out. An empty
// graph yields a single empty group.
func (r *Resolver) ParallelGroups() [][]string {
	if len(r.ids) == 0 {
		return [][]string{{}}
	}
	indeg, dependents := r.edges()

	var current []int
	for i, d := range indeg {
		if d == 0 {
			current = append(current, i)
		}
	}

	var groups [][]string
	for len(current) > 0 {
		slices.Sort(current)
		group := make([]string, len(current))
		var next []int
		for k, n := range current {
			group[k] = r.ids[n]
			for _, m := range dependents[n] {
				indeg[m]--
				if indeg[m] == 0 {
					next = append(next, m)
				}
			}
		}
		groups = append(groups, group)
		current = next
	}
	return groups
}

// Restrict returns a resolver over the selected ids only. Edges to ids
// outside the selection are dropped. Unknown ids are reported as false.
func (r *Resolver) Restrict(selected []string) (*Resolver, bool) {
	keep := make(map[string]bool, len(selected))
	for _, id := range selected {
		if _, ok := r.index[id]; !ok {
			return nil, false
		}
		keep[id] = true
	}
	var nodes []Node
	for i, id := range r.ids {
		if !keep[id] {
			continue
		}
		var deps []string
		for _, d := range r.deps[i] {
			if keep[d] {
				deps = append(deps, d)
			}
		}
		nodes = append(nodes, Node{ID: id, DependsOn: deps})
	}
	return New(nodes), true
}

// BuildExecutionPlan restricts the graph to selected and returns its order
// and parallel groups. It returns false when the restriction is invalid.
func (r *Resolver) BuildExecutionPlan(selected []string) (*ExecutionPlan, bool) {
	sub, ok := r.Restrict(selected)
	if !ok {
		return nil, false
	}
	if !sub.Validate().OK() {
		return nil, false
	}
	order, ok := sub.TopologicalOrder()
	if !ok {
		return nil, false
	}
	return newExecutionPlan(order, sub.ParallelGroups(), sub.dependencyMap()), true
}

func (r *Resolver) dependencyMap() map[string][]string {
	out := make(map[string][]string, len(r.ids))
	for i, id := range r.ids {
		out[id] = slices.Clone(r.deps[i])
	}
	return out
}
