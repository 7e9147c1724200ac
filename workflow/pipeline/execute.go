package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/agent/registry"
	"github.com/BaSui01/layerflow/internal/pool"
	"github.com/BaSui01/layerflow/workflow/dependency"
	"github.com/BaSui01/layerflow/workflow/state"
)

// Task metadata keys read by the execute stage.
const (
	MetaPreferredUnits = "preferred_units"
	metaNeedsBreakdown = "needs_breakdown"
)

type taskOutcome struct {
	unitID         string
	result         any
	needsBreakdown bool
	err            error
}

func runnable(t state.Task) bool {
	return t.Status == state.TaskPending || t.Status == state.TaskInProgress
}

func (e *Engine) executeNode(ctx context.Context, r *run) nodeResult {
	rec := r.record
	byID := make(map[string]state.Task, len(rec.Tasks))
	for _, t := range rec.Tasks {
		byID[t.ID] = t
	}

	invalid, problems := validateTasks(rec.Tasks)
	var patches []state.TaskPatch
	for _, t := range rec.Tasks {
		if reason, bad := invalid[t.ID]; bad && runnable(t) {
			patches = append(patches, statusPatch(t.ID, state.TaskFailed, reason))
		}
	}

	plan, ok := buildPlan(rec.Tasks, invalid)
	if !ok {
		err := errors.New("execute: tasks could not be ordered")
		return nodeResult{
			update:  state.Update{Error: appendError(rec.Error, err)},
			summary: "execution plan rejected",
			err:     err,
		}
	}

	known := maps.Clone(rec.Results)
	if known == nil {
		known = make(map[string]any)
	}
	fresh := make(map[string]any)
	var (
		awaiting                     []string
		breakdown                    bool
		ran, ranOK, ranFailed, skips int
	)

	for ctx.Err() == nil {
		group, more := plan.NextRunnableGroup()
		if !more {
			break
		}
		var batch []state.Task
		for _, id := range group {
			if failed := plan.FailedDependencies(id); len(failed) > 0 {
				patches = append(patches, statusPatch(id, state.TaskSkipped, "dependency failed: "+strings.Join(failed, ", ")))
				plan.MarkFailed(id)
				skips++
				continue
			}
			if t := byID[id]; gated(t) {
				awaiting = append(awaiting, id)
				continue
			}
			batch = append(batch, byID[id])
		}

		if len(batch) > 0 {
			e.emit(r, EventExecutionUpdated, StageExecute, map[string]any{"running": taskIDs(batch)})
		}
		outs := e.dispatch(ctx, r, batch, known)
		for i, t := range batch {
			o := outs[i]
			ran++
			p := state.TaskPatch{ID: t.ID}
			if o.unitID != "" && o.unitID != t.AgentID {
				p.AgentID = state.Ptr(o.unitID)
			}
			if o.err != nil {
				p.Status = state.Ptr(state.TaskFailed)
				p.Error = state.Ptr(o.err.Error())
				plan.MarkFailed(t.ID)
				ranFailed++
			} else {
				p.Status = state.Ptr(state.TaskCompleted)
				p.Error = state.Ptr("")
				known[t.ID] = o.result
				fresh[t.ID] = o.result
				plan.MarkCompleted(t.ID)
				ranOK++
				breakdown = breakdown || o.needsBreakdown
			}
			patches = append(patches, p)
		}

		pr := plan.Progress()
		e.emit(r, EventExecutionUpdated, StageExecute, map[string]any{
			"completed": pr.Completed,
			"failed":    pr.Failed,
			"remaining": pr.Remaining,
			"percent":   pr.Percent,
		})
		if len(awaiting) > 0 {
			break
		}
	}

	for _, id := range awaiting {
		patches = append(patches, state.TaskPatch{ID: id, Metadata: map[string]any{metaAwaiting: true}})
	}

	merged := state.MergeTasks(rec.Tasks, patches, e.now())
	var completed, failed, skipped int
	for _, t := range merged {
		switch t.Status {
		case state.TaskCompleted:
			completed++
		case state.TaskFailed:
			failed++
		case state.TaskSkipped:
			skipped++
		}
	}
	var rate float64
	if len(merged) > 0 {
		rate = float64(completed) / float64(len(merged))
	}

	u := state.Update{
		Tasks:          patches,
		Results:        fresh,
		CompletedCount: &completed,
		FailedCount:    &failed,
		SkippedCount:   &skipped,
		SuccessRate:    &rate,
	}
	if breakdown {
		u.BreakdownRequestedByExecution = state.Ptr(true)
	}

	var nodeErr error
	msgs := slices.Clone(problems)
	if len(problems) > 0 {
		nodeErr = fmt.Errorf("execute: %s", strings.Join(problems, "; "))
	}
	if ranFailed > 0 {
		msgs = append(msgs, fmt.Sprintf("%d task(s) failed", ranFailed))
	}
	if len(msgs) > 0 {
		u.Error = appendError(rec.Error, fmt.Errorf("execute: %s", strings.Join(msgs, "; ")))
	}

	res := nodeResult{
		update:  u,
		summary: fmt.Sprintf("ran %d task(s): %d completed, %d failed, %d skipped", ran, ranOK, ranFailed, skips),
		err:     nodeErr,
	}
	switch {
	case len(awaiting) > 0:
		u.RequiresApproval = state.Ptr(true)
		u.ApprovalGranted = state.Ptr(false)
		res.update = u
		res.resumeAt = StageExecute
		res.summary += fmt.Sprintf(", %d awaiting approval", len(awaiting))
	case e.cfg.RequireApprovalAfterExecute:
		u.RequiresApproval = state.Ptr(true)
		res.update = u
		res.resumeAt = StageRespond
	}
	return res
}

// validateTasks checks the whole task list. Tasks with unknown
// dependencies and members of a cycle are returned with the reason they
// cannot run. Validation repeats without them until the rest is clean.
func validateTasks(tasks []state.Task) (map[string]string, []string) {
	invalid := make(map[string]string)
	var problems []string
	for {
		nodes := make([]dependency.Node, 0, len(tasks))
		for _, t := range tasks {
			if _, bad := invalid[t.ID]; bad {
				continue
			}
			var deps []string
			for _, d := range t.DependsOn {
				if _, bad := invalid[d]; !bad {
					deps = append(deps, d)
				}
			}
			nodes = append(nodes, dependency.Node{ID: t.ID, DependsOn: deps})
		}

		v := dependency.New(nodes).Validate()
		switch v.Kind {
		case dependency.MissingDependency:
			for id, deps := range v.Missing {
				invalid[id] = "missing dependencies: " + strings.Join(deps, ", ")
			}
			problems = append(problems, fmt.Sprintf("%d task(s) depend on unknown tasks", len(v.Missing)))
		case dependency.CircularDependency:
			path := strings.Join(append(slices.Clone(v.Cycle), v.Cycle[0]), " -> ")
			for _, id := range v.Cycle {
				invalid[id] = "circular dependency: " + path
			}
			problems = append(problems, "circular dependency: "+path)
		default:
			return invalid, problems
		}
	}
}

// buildPlan schedules the runnable tasks. Completed tasks are left out and
// satisfy their dependents. Failed, skipped and invalid tasks stay in as
// dependency-free nodes already marked failed, so dependents get skipped.
func buildPlan(tasks []state.Task, invalid map[string]string) (*dependency.ExecutionPlan, bool) {
	done := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == state.TaskCompleted {
			done[t.ID] = true
		}
	}
	var (
		nodes []dependency.Node
		ids   []string
		dead  []string
	)
	for _, t := range tasks {
		_, bad := invalid[t.ID]
		switch {
		case done[t.ID]:
			continue
		case bad || t.Status == state.TaskFailed || t.Status == state.TaskSkipped:
			nodes = append(nodes, dependency.Node{ID: t.ID})
			dead = append(dead, t.ID)
		default:
			var deps []string
			for _, d := range t.DependsOn {
				if !done[d] {
					deps = append(deps, d)
				}
			}
			nodes = append(nodes, dependency.Node{ID: t.ID, DependsOn: deps})
		}
		ids = append(ids, t.ID)
	}
	plan, ok := dependency.New(nodes).BuildExecutionPlan(ids)
	if !ok {
		return nil, false
	}
	for _, id := range dead {
		plan.MarkFailed(id)
	}
	return plan, true
}

// dispatch runs one group of tasks concurrently. Outcomes are index-aligned
// with batch.
func (e *Engine) dispatch(ctx context.Context, r *run, batch []state.Task, known map[string]any) []taskOutcome {
	outs := make([]taskOutcome, len(batch))
	if len(batch) == 0 {
		return outs
	}
	jobs := make([]pool.Job, len(batch))
	for i, t := range batch {
		deps := make(map[string]any, len(t.DependsOn))
		for _, d := range t.DependsOn {
			if v, ok := known[d]; ok {
				deps[d] = v
			}
		}
		jobs[i] = func(ctx context.Context) error {
			outs[i] = e.runTask(ctx, r, t, deps)
			return outs[i].err
		}
	}
	errs, err := e.dispatcher.Run(ctx, jobs)
	if err != nil {
		for i := range outs {
			outs[i].err = err
		}
		return outs
	}
	for i, jerr := range errs {
		if jerr != nil && outs[i].err == nil {
			outs[i].err = jerr
		}
	}
	return outs
}

func (e *Engine) runTask(ctx context.Context, r *run, t state.Task, deps map[string]any) taskOutcome {
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
		defer cancel()
	}
	unitID, exec := e.route(t)
	start := time.Now()
	res, err := e.reason(ctx, exec, reasoner.Request{
		Kind:        reasoner.KindExecute,
		Description: t.Description,
		SessionID:   r.record.SessionID,
		TaskID:      t.ID,
		UnitID:      unitID,
		Context: map[string]any{
			"query":              r.record.Query,
			"goal":               r.record.Goal,
			"capability":         t.Capability,
			"dependency_results": deps,
			"metadata":           t.Metadata,
		},
	})
	dur := time.Since(start)

	label := unitID
	if label == "" {
		label = "default"
	}
	if unitID != "" {
		if rerr := e.registry.RecordOutcome(unitID, err == nil); rerr != nil {
			e.logger.Warn("record unit outcome", zap.String("unit_id", unitID), zap.Error(rerr))
		}
	}
	out := taskOutcome{unitID: unitID}
	if err != nil {
		e.metrics.RecordTask(label, string(state.TaskFailed), dur)
		e.logger.Warn("task failed",
			zap.String("run_id", r.id),
			zap.String("task_id", t.ID),
			zap.String("unit_id", label),
			zap.Error(err))
		out.err = err
		return out
	}
	e.metrics.RecordTask(label, string(state.TaskCompleted), dur)
	out.result = taskResult(res)
	out.needsBreakdown = asBool(res.Value(metaNeedsBreakdown))
	return out
}

// route picks the executor of a task: its assigned unit, else the best
// unit for its capability, else the default reasoner.
func (e *Engine) route(t state.Task) (string, reasoner.Reasoner) {
	if t.AgentID != "" {
		if m, ok := e.registry.Get(t.AgentID); ok {
			return m.ID, e.executorOf(m)
		}
	}
	if t.Capability != "" {
		sc := registry.SelectionContext{PreferredUnits: stringList(t.Metadata[MetaPreferredUnits])}
		if id, ok := e.registry.SelectBest(t.Capability, sc); ok {
			if m, ok := e.registry.Get(id); ok {
				e.metrics.RecordUnitSelection(id, t.Capability)
				return id, e.executorOf(m)
			}
		}
	}
	return "", e.reasoner
}

func (e *Engine) executorOf(m registry.Metadata) reasoner.Reasoner {
	if m.Executor != nil {
		return m.Executor
	}
	return e.reasoner
}

func taskResult(res reasoner.Result) any {
	if v, ok := res.Output["result"]; ok {
		return v
	}
	if res.Output != nil {
		return res.Output
	}
	return res.Text
}

func statusPatch(id string, status state.TaskStatus, reason string) state.TaskPatch {
	return state.TaskPatch{ID: id, Status: state.Ptr(status), Error: state.Ptr(reason)}
}

func taskIDs(tasks []state.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func stringList(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if s != "" {
			return []string{s}
		}
	}
	return nil
}
