package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/workflow/state"
)

// nodeResult is what a stage hands back to the drive loop. Node failures
// are reported through err and already folded into update.Error; they never
// abort the run.
type nodeResult struct {
	update   state.Update
	summary  string
	err      error
	resumeAt Stage
}

func (e *Engine) planNode(ctx context.Context, r *run) nodeResult {
	rec := r.record
	res, err := e.reason(ctx, e.reasoner, reasoner.Request{
		Kind:        reasoner.KindPlan,
		Description: rec.Query,
		SessionID:   rec.SessionID,
		Context: map[string]any{
			"output_format": rec.OutputFormat,
			"tasks":         taskSummaries(rec.Tasks),
			"units":         e.unitSummaries(),
		},
	})
	if err != nil {
		err = fmt.Errorf("plan: %w", err)
		return nodeResult{
			update:  state.Update{Error: appendError(rec.Error, err)},
			summary: "planning failed",
			err:     err,
		}
	}

	goal := asString(res.Value("goal"))
	if goal == "" {
		goal = rec.Query
	}
	plan := asMap(res.Value("plan"))
	if plan == nil {
		plan = map[string]any{"goal": goal}
		if res.Output == nil && res.Text != "" {
			plan["summary"] = res.Text
		}
	}
	requires := asBool(res.Value("requires_breakdown"))

	u := state.Update{
		Goal:                  &goal,
		Plan:                  plan,
		PlanRequiresBreakdown: &requires,
	}
	patches, decodeErr := state.DecodeTaskPatches(asSlice(res.Value("tasks")), e.cfg.DecodeMode)
	if decodeErr != nil {
		decodeErr = fmt.Errorf("plan: %w", decodeErr)
		u.Error = appendError(rec.Error, decodeErr)
		patches = nil
	}
	pending := rec.TasksWithStatus(state.TaskPending, state.TaskInProgress)
	if len(patches) == 0 && !requires && len(pending) == 0 && decodeErr == nil {
		patches = []state.TaskPatch{{
			Description: state.Ptr(rec.Query),
			Metadata:    map[string]any{"source": "planner_fallback"},
		}}
	}
	u.Tasks = patches

	reason := "initial plan"
	if len(rec.PlanHistory) > 0 {
		reason = "replanned for new request"
	}
	u.PlanRevisions = []state.PlanRevision{{Plan: plan, Reason: reason, ModifiedBy: "planner"}}

	return nodeResult{
		update:  u,
		summary: fmt.Sprintf("planned %d task(s), breakdown=%t", len(patches), requires),
		err:     decodeErr,
	}
}

func (e *Engine) breakdownNode(ctx context.Context, r *run) nodeResult {
	rec := r.record
	reset := state.Update{
		PlanRequiresBreakdown:         state.Ptr(false),
		BreakdownRequestedByUser:      state.Ptr(false),
		BreakdownRequestedByExecution: state.Ptr(false),
	}
	description := rec.Goal
	if description == "" {
		description = rec.Query
	}
	res, err := e.reason(ctx, e.reasoner, reasoner.Request{
		Kind:        reasoner.KindBreakdown,
		Description: description,
		SessionID:   rec.SessionID,
		Context: map[string]any{
			"query":             rec.Query,
			"plan":              rec.Plan,
			"tasks":             taskSummaries(rec.Tasks),
			"requested_by_user": rec.BreakdownRequestedByUser,
			"requested_by_run":  rec.BreakdownRequestedByExecution,
		},
	})
	if err != nil {
		err = fmt.Errorf("breakdown: %w", err)
		reset.Error = appendError(rec.Error, err)
		return nodeResult{update: reset, summary: "breakdown failed", err: err}
	}

	patches, err := state.DecodeTaskPatches(asSlice(res.Value("tasks")), e.cfg.DecodeMode)
	if err != nil {
		err = fmt.Errorf("breakdown: %w", err)
		reset.Error = appendError(rec.Error, err)
		return nodeResult{update: reset, summary: "breakdown output rejected", err: err}
	}

	u := reset
	if asBool(res.Value("replace")) {
		keep := make(map[string]bool, len(patches))
		for _, p := range patches {
			keep[p.ID] = true
		}
		for _, t := range rec.TasksWithStatus(state.TaskPending) {
			if !keep[t.ID] {
				u.Tasks = append(u.Tasks, state.TaskPatch{ID: t.ID, Remove: true})
			}
		}
	}
	u.Tasks = append(u.Tasks, patches...)

	plan := make(map[string]any, len(rec.Plan)+1)
	for k, v := range rec.Plan {
		plan[k] = v
	}
	if p := asMap(res.Value("plan")); p != nil {
		for k, v := range p {
			plan[k] = v
		}
	}
	plan["breakdown_tasks"] = len(patches)
	u.Plan = plan
	u.PlanRevisions = []state.PlanRevision{{Plan: plan, Reason: "task breakdown", ModifiedBy: "breakdown"}}

	return nodeResult{update: u, summary: fmt.Sprintf("broke the goal into %d task(s)", len(patches))}
}

func (e *Engine) respondNode(ctx context.Context, r *run) nodeResult {
	rec := r.record
	res, err := e.reason(ctx, e.reasoner, reasoner.Request{
		Kind:        reasoner.KindRespond,
		Description: rec.Query,
		SessionID:   rec.SessionID,
		Context: map[string]any{
			"goal":              rec.Goal,
			"output_format":     rec.OutputFormat,
			"results":           rec.Results,
			"failed_tasks":      failedSummaries(rec.Tasks),
			"success_rate":      rec.SuccessRate,
			"error":             rec.Error,
			"approval_response": rec.ApprovalResponse,
		},
	})
	if err == nil {
		text := asString(res.Value("response"))
		if text == "" {
			text = res.Text
		}
		if strings.TrimSpace(text) != "" {
			return nodeResult{
				update:  state.Update{FinalResponse: &text},
				summary: "final response generated",
			}
		}
		err = errors.New("empty response")
	}

	err = fmt.Errorf("respond: %w", err)
	degraded := degradedResponse(rec, err)
	return nodeResult{
		update: state.Update{
			FinalResponse: &degraded,
			Error:         appendError(rec.Error, err),
		},
		summary: "degraded response from partial results",
		err:     err,
	}
}

// degradedResponse explains a failed synthesis and lists what did finish.
func degradedResponse(rec state.Record, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A complete answer to %q could not be generated: %v\n", rec.Query, cause)
	completed := rec.TasksWithStatus(state.TaskCompleted)
	if len(completed) > 0 {
		b.WriteString("\nPartial results:\n")
		for _, t := range completed {
			fmt.Fprintf(&b, "- %s: %s\n", t.Description, summarize(rec.Results[t.ID]))
		}
	}
	failed := rec.TasksWithStatus(state.TaskFailed, state.TaskSkipped)
	if len(failed) > 0 {
		b.WriteString("\nUnfinished tasks:\n")
		for _, t := range failed {
			fmt.Fprintf(&b, "- %s (%s", t.Description, t.Status)
			if t.Error != "" {
				fmt.Fprintf(&b, ": %s", t.Error)
			}
			b.WriteString(")\n")
		}
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "\nErrors: %s\n", rec.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) unitSummaries() []map[string]any {
	units := e.registry.Units()
	out := make([]map[string]any, 0, len(units))
	for _, u := range units {
		out = append(out, map[string]any{
			"id":           u.ID,
			"description":  u.Description,
			"capabilities": u.PrimaryCapabilities,
		})
	}
	return out
}

func taskSummaries(tasks []state.Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":         t.ID,
			"task":       t.Description,
			"status":     string(t.Status),
			"depends_on": t.DependsOn,
		})
	}
	return out
}

func failedSummaries(tasks []state.Task) []map[string]any {
	var out []map[string]any
	for _, t := range tasks {
		if t.Status == state.TaskFailed || t.Status == state.TaskSkipped {
			out = append(out, map[string]any{
				"id":     t.ID,
				"task":   t.Description,
				"status": string(t.Status),
				"error":  t.Error,
			})
		}
	}
	return out
}

// appendError joins a new failure onto the record's error text.
func appendError(current string, err error) *string {
	if current == "" {
		return state.Ptr(err.Error())
	}
	return state.Ptr(current + "; " + err.Error())
}

func summarize(v any) string {
	s := asString(v)
	if s == "" && v != nil {
		s = fmt.Sprint(v)
	}
	const limit = 200
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true") || strings.EqualFold(b, "yes")
	}
	return false
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out
	}
	return nil
}
