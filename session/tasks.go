package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/BaSui01/layerflow/agent/registry"
	"github.com/BaSui01/layerflow/internal/ctxkeys"
	"github.com/BaSui01/layerflow/types"
	"github.com/BaSui01/layerflow/workflow/state"
)

// NewTask describes a task added by a user.
type NewTask struct {
	// ID is generated when empty.
	ID          string
	Description string
	AgentID     string
	Capability  string
	Priority    int
	DependsOn   []string
	Metadata    map[string]any
}

// TaskChanges is a partial task edit. Nil fields are left untouched.
type TaskChanges struct {
	Description *string
	AgentID     *string
	Capability  *string
	Priority    *int
	Status      *state.TaskStatus
	Error       *string
	DependsOn   []string
	Metadata    map[string]any
}

func (c TaskChanges) empty() bool {
	return c.Description == nil && c.AgentID == nil && c.Capability == nil && c.Priority == nil &&
		c.Status == nil && c.Error == nil && c.DependsOn == nil && c.Metadata == nil
}

// AddTask appends a pending task to the thread.
func (m *Manager) AddTask(ctx context.Context, threadID string, t NewTask) (state.Task, error) {
	if t.Description == "" {
		return state.Task{}, types.NewError(types.ErrValidation, "task description is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp, err := m.commit(ctx, threadID, string(state.InteractionTaskAdd), func(rec state.Record) (state.Update, error) {
		if _, ok := rec.Task(t.ID); ok {
			return state.Update{}, types.Errorf(types.ErrAlreadyExists, "task %s already exists", t.ID)
		}
		p := state.TaskPatch{
			ID:          t.ID,
			Description: &t.Description,
			Status:      state.Ptr(state.TaskPending),
			DependsOn:   slices.Clone(t.DependsOn),
			Metadata:    t.Metadata,
		}
		if t.AgentID != "" {
			p.AgentID = &t.AgentID
		}
		if t.Capability != "" {
			p.Capability = &t.Capability
		}
		if t.Priority != 0 {
			p.Priority = &t.Priority
		}
		return state.Update{
			Tasks: []state.TaskPatch{p},
			Interactions: []state.Interaction{m.interaction(ctx, state.InteractionTaskAdd, t.ID, map[string]any{
				"task":       t.Description,
				"depends_on": t.DependsOn,
			})},
		}, nil
	})
	if err != nil {
		return state.Task{}, err
	}
	task, _ := cp.Record.Task(t.ID)
	return task, nil
}

// UpdateTask edits a task. A status change is also recorded in the action
// history.
func (m *Manager) UpdateTask(ctx context.Context, threadID, taskID string, c TaskChanges) (state.Task, error) {
	if c.empty() {
		return state.Task{}, types.NewError(types.ErrMalformedUpdate, "task update changes nothing")
	}
	if c.Status != nil && !c.Status.Valid() {
		return state.Task{}, types.Errorf(types.ErrMalformedUpdate, "unknown task status %q", *c.Status)
	}
	if c.Description != nil && *c.Description == "" {
		return state.Task{}, types.NewError(types.ErrMalformedUpdate, "task description cannot be empty")
	}
	cp, err := m.commit(ctx, threadID, string(state.InteractionTaskUpdate), func(rec state.Record) (state.Update, error) {
		cur, err := findTask(rec, taskID)
		if err != nil {
			return state.Update{}, err
		}
		u := state.Update{
			Tasks: []state.TaskPatch{{
				ID:          taskID,
				Description: c.Description,
				AgentID:     c.AgentID,
				Capability:  c.Capability,
				Priority:    c.Priority,
				Status:      c.Status,
				Error:       c.Error,
				DependsOn:   slices.Clone(c.DependsOn),
				Metadata:    c.Metadata,
			}},
			Interactions: []state.Interaction{m.interaction(ctx, state.InteractionTaskUpdate, taskID, changedFields(c))},
		}
		if c.Status != nil && *c.Status != cur.Status {
			u.Actions = []state.ActionEntry{{
				Node:    "session",
				Action:  "task_status_changed",
				Summary: fmt.Sprintf("task %s: %s -> %s", taskID, cur.Status, *c.Status),
				Metadata: map[string]any{
					"task_id": taskID,
					"from":    string(cur.Status),
					"to":      string(*c.Status),
				},
			}}
		}
		return u, nil
	})
	if err != nil {
		return state.Task{}, err
	}
	task, _ := cp.Record.Task(taskID)
	return task, nil
}

// DeleteTask removes a task and drops it from the dependencies of the
// remaining tasks.
func (m *Manager) DeleteTask(ctx context.Context, threadID, taskID string) error {
	_, err := m.commit(ctx, threadID, string(state.InteractionTaskDelete), func(rec state.Record) (state.Update, error) {
		if _, err := findTask(rec, taskID); err != nil {
			return state.Update{}, err
		}
		patches := []state.TaskPatch{{ID: taskID, Remove: true}}
		for _, t := range rec.Tasks {
			if t.ID == taskID || !slices.Contains(t.DependsOn, taskID) {
				continue
			}
			deps := slices.DeleteFunc(slices.Clone(t.DependsOn), func(id string) bool { return id == taskID })
			if deps == nil {
				deps = []string{}
			}
			patches = append(patches, state.TaskPatch{ID: t.ID, DependsOn: deps})
		}
		return state.Update{
			Tasks:        patches,
			Interactions: []state.Interaction{m.interaction(ctx, state.InteractionTaskDelete, taskID, nil)},
		}, nil
	})
	return err
}

// ReorderTasks renumbers steps following order. Tasks not named keep
// their relative order after the named ones.
func (m *Manager) ReorderTasks(ctx context.Context, threadID string, order []string) ([]state.Task, error) {
	if len(order) == 0 {
		return nil, types.NewError(types.ErrValidation, "task order is empty")
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			return nil, types.Errorf(types.ErrValidation, "task %s appears twice in the order", id)
		}
		seen[id] = true
	}
	cp, err := m.commit(ctx, threadID, string(state.InteractionTaskReorder), func(rec state.Record) (state.Update, error) {
		for _, id := range order {
			if _, err := findTask(rec, id); err != nil {
				return state.Update{}, err
			}
		}
		return state.Update{
			TaskOrder: slices.Clone(order),
			Interactions: []state.Interaction{m.interaction(ctx, state.InteractionTaskReorder, "", map[string]any{
				"order": slices.Clone(order),
			})},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return cp.Record.Tasks, nil
}

// RetryTask resets a failed or skipped task to pending, clears its error
// and counts the retry.
func (m *Manager) RetryTask(ctx context.Context, threadID, taskID string) (state.Task, error) {
	cp, err := m.commit(ctx, threadID, string(state.InteractionTaskRetry), func(rec state.Record) (state.Update, error) {
		cur, err := findTask(rec, taskID)
		if err != nil {
			return state.Update{}, err
		}
		if cur.Status != state.TaskFailed && cur.Status != state.TaskSkipped {
			return state.Update{}, types.Errorf(types.ErrInvalidState,
				"task %s is %s; only failed or skipped tasks can be retried", taskID, cur.Status)
		}
		return state.Update{
			Tasks: []state.TaskPatch{{
				ID:         taskID,
				Status:     state.Ptr(state.TaskPending),
				Error:      state.Ptr(""),
				RetryCount: state.Ptr(cur.RetryCount + 1),
			}},
			Interactions: []state.Interaction{m.interaction(ctx, state.InteractionTaskRetry, taskID, map[string]any{
				"previous_status": string(cur.Status),
				"previous_error":  cur.Error,
				"retry_count":     cur.RetryCount + 1,
			})},
		}, nil
	})
	if err != nil {
		return state.Task{}, err
	}
	task, _ := cp.Record.Task(taskID)
	return task, nil
}

// ReassignTask pins a task to a registered unit.
func (m *Manager) ReassignTask(ctx context.Context, threadID, taskID, unitID string) (state.Task, error) {
	if _, ok := m.engine.Registry().Get(unitID); !ok {
		return state.Task{}, types.Errorf(types.ErrNotFound, "unit %s is not registered", unitID).
			WithCause(registry.ErrUnitNotFound)
	}
	cp, err := m.commit(ctx, threadID, string(state.InteractionAgentReassign), func(rec state.Record) (state.Update, error) {
		cur, err := findTask(rec, taskID)
		if err != nil {
			return state.Update{}, err
		}
		return state.Update{
			Tasks: []state.TaskPatch{{ID: taskID, AgentID: &unitID}},
			Interactions: []state.Interaction{m.interaction(ctx, state.InteractionAgentReassign, taskID, map[string]any{
				"from": cur.AgentID,
				"to":   unitID,
			})},
		}, nil
	})
	if err != nil {
		return state.Task{}, err
	}
	task, _ := cp.Record.Task(taskID)
	return task, nil
}

// RequestBreakdown asks the next run to pass through the breakdown stage.
func (m *Manager) RequestBreakdown(ctx context.Context, threadID string) error {
	_, err := m.commit(ctx, threadID, string(state.InteractionBreakdown), func(state.Record) (state.Update, error) {
		return state.Update{
			BreakdownRequestedByUser: state.Ptr(true),
			Interactions: []state.Interaction{m.interaction(ctx, state.InteractionBreakdown, "", map[string]any{
				"source": "session",
			})},
		}, nil
	})
	return err
}

func (m *Manager) interaction(ctx context.Context, t state.InteractionType, taskID string, payload map[string]any) state.Interaction {
	userID, _ := ctxkeys.UserID(ctx)
	return state.Interaction{Type: t, TaskID: taskID, UserID: userID, Payload: payload}
}

func findTask(rec state.Record, id string) (state.Task, error) {
	t, ok := rec.Task(id)
	if !ok {
		return state.Task{}, types.Errorf(types.ErrNotFound, "task %s not found", id).WithSession(rec.SessionID)
	}
	return t, nil
}

func changedFields(c TaskChanges) map[string]any {
	out := make(map[string]any)
	if c.Description != nil {
		out["task"] = *c.Description
	}
	if c.AgentID != nil {
		out["agent_id"] = *c.AgentID
	}
	if c.Capability != nil {
		out["capability"] = *c.Capability
	}
	if c.Priority != nil {
		out["priority"] = *c.Priority
	}
	if c.Status != nil {
		out["status"] = string(*c.Status)
	}
	if c.Error != nil {
		out["error"] = *c.Error
	}
	if c.DependsOn != nil {
		out["depends_on"] = slices.Clone(c.DependsOn)
	}
	if c.Metadata != nil {
		out["metadata"] = c.Metadata
	}
	return out
}
