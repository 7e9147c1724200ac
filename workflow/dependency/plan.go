package dependency

import "sync"

// Progress summarises an ExecutionPlan.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
}

// ExecutionPlan tracks which tasks of an ordered plan have run.
// It is safe for concurrent use by the workers of one group.
type ExecutionPlan struct {
	Order  []string   `json:"order"`
	Groups [][]string `json:"groups"`

	deps      map[string][]string
	members   map[string]bool
	mu        sync.RWMutex
	completed map[string]bool
	failed    map[string]bool
}

func newExecutionPlan(order []string, groups [][]string, deps map[string][]string) *ExecutionPlan {
	members := make(map[string]bool, len(order))
	for _, id := range order {
		members[id] = true
	}
	return &ExecutionPlan{
		Order:     order,
		members:   members,
		Groups:    groups,
		deps:      deps,
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}
}

// MarkCompleted records a successful task. Ids outside the plan are ignored.
func (p *ExecutionPlan) MarkCompleted(id string) {
	if !p.members[id] {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failed, id)
	p.completed[id] = true
}

// MarkFailed records a failed or skipped task.
func (p *ExecutionPlan) MarkFailed(id string) {
	if !p.members[id] {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.completed, id)
	p.failed[id] = true
}

func (p *ExecutionPlan) executed(id string) bool {
	return p.completed[id] || p.failed[id]
}

// NextRunnableGroup returns the not yet executed members of the first group
// that still has any. A partly executed group yields only its remaining
// members, so a group interrupted by an approval gate is finished before
// any later group starts. It returns false once every task has been marked.
func (p *ExecutionPlan) NextRunnableGroup() ([]string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, g := range p.Groups {
		var pending []string
		for _, id := range g {
			if !p.executed(id) {
				pending = append(pending, id)
			}
		}
		if len(pending) > 0 {
			return pending, true
		}
	}
	return nil, false
}

// FailedDependencies returns the dependencies of id that were marked failed.
// Callers use it to skip tasks whose prerequisites did not succeed.
func (p *ExecutionPlan) FailedDependencies(id string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, d := range p.deps[id] {
		if p.failed[d] {
			out = append(out, d)
		}
	}
	return out
}

// Progress reports counts and the completion percentage. An empty plan is
// 100% complete.
func (p *ExecutionPlan) Progress() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := len(p.Order)
	pr := Progress{Total: total, Completed: len(p.completed), Failed: len(p.failed)}
	pr.Remaining = total - pr.Completed - pr.Failed
	if total == 0 {
		pr.Percent = 100
	} else {
		pr.Percent = float64(pr.Completed+pr.Failed) / float64(total) * 100
	}
	return pr
}

// Done reports whether every task has been marked.
func (p *ExecutionPlan) Done() bool {
	return p.Progress().Remaining == 0
}
