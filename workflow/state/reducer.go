package state

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Reducer merges an incoming value into the current one.
type Reducer[T any] func(current T, update T) T

// LastValue keeps the incoming value.
func LastValue[T any]() Reducer[T] {
	return func(_ T, update T) T {
		return update
	}
}

// MergeMap overlays the incoming keys onto a copy of the current map.
func MergeMap[K comparable, V any]() Reducer[map[K]V] {
	return func(current, update map[K]V) map[K]V {
		if current == nil && update == nil {
			return nil
		}
		out := make(map[K]V, len(current)+len(update))
		maps.Copy(out, current)
		maps.Copy(out, update)
		return out
	}
}

// newTaskID generates ids for tasks that arrive without one.
var newTaskID = func() string { return uuid.NewString() }

// TaskPatch is a partial task. Nil fields leave the existing value untouched.
type TaskPatch struct {
	ID          string
	Description *string
	AgentID     *string
	Capability  *string
	Priority    *int
	Status      *TaskStatus
	RetryCount  *int
	Error       *string
	DependsOn   []string
	Metadata    map[string]any
	// Remove drops the task from the list. Only used by task deletion.
	Remove bool
}

func (p TaskPatch) overlay(t Task) Task {
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.AgentID != nil {
		t.AgentID = *p.AgentID
	}
	if p.Capability != nil {
		t.Capability = *p.Capability
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if p.DependsOn != nil {
		t.DependsOn = slices.Clone(p.DependsOn)
	}
	if p.Metadata != nil {
		t.Metadata = MergeMap[string, any]()(t.Metadata, p.Metadata)
	}
	return t
}

// MergeTasks applies patches to the task list by id.
//
// A patch whose id matches an existing task overlays it in place, keeping
// its step and created_at. Any other patch becomes a new task with the next
// step after the current maximum. The result is ordered by step.
func MergeTasks(existing []Task, incoming []TaskPatch, now time.Time) []Task {
	index := make(map[string]int, len(existing))
	out := make([]Task, 0, len(existing)+len(incoming))
	maxStep := 0
	for _, t := range existing {
		index[t.ID] = len(out)
		out = append(out, t.clone())
		maxStep = max(maxStep, t.Step)
	}

	removed := make(map[string]bool)
	for _, p := range incoming {
		if p.Remove {
			if _, ok := index[p.ID]; ok {
				removed[p.ID] = true
			}
			continue
		}
		if i, ok := index[p.ID]; ok && p.ID != "" {
			t := p.overlay(out[i])
			t.UpdatedAt = now
			out[i] = t
			delete(removed, p.ID)
			continue
		}

		maxStep++
		t := p.overlay(Task{
			ID:        p.ID,
			Status:    TaskPending,
			CreatedAt: now,
		})
		if t.ID == "" {
			t.ID = newTaskID()
		}
		if t.Status == "" {
			t.Status = TaskPending
		}
		t.Step = maxStep
		t.UpdatedAt = now
		index[t.ID] = len(out)
		out = append(out, t)
	}

	if len(removed) > 0 {
		out = slices.DeleteFunc(out, func(t Task) bool { return removed[t.ID] })
	}
	sortByStep(out)
	return out
}

// ReorderTasks reassigns steps 1..n following order. Ids not named in
// order keep their relative position after the named ones; unknown ids
// in order are ignored.
func ReorderTasks(tasks []Task, order []string, now time.Time) []Task {
	out := make([]Task, 0, len(tasks))
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t.clone()
	}
	placed := make(map[string]bool, len(order))
	for _, id := range order {
		if t, ok := byID[id]; ok && !placed[id] {
			out = append(out, t)
			placed[id] = true
		}
	}
	rest := slices.Clone(tasks)
	sortByStep(rest)
	for _, t := range rest {
		if !placed[t.ID] {
			out = append(out, byID[t.ID])
		}
	}
	for i := range out {
		if out[i].Step != i+1 {
			out[i].Step = i + 1
			out[i].UpdatedAt = now
		}
	}
	return out
}

func sortByStep(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		return cmp.Compare(a.Step, b.Step)
	})
}

// sequenced is implemented by history entries that carry a derived sequence.
type sequenced[T any] interface {
	stamped(seq int, now time.Time) T
}

func (a ActionEntry) stamped(seq int, now time.Time) ActionEntry {
	a.Step = seq
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	return a
}

func (i Interaction) stamped(seq int, now time.Time) Interaction {
	i.Sequence = seq
	if i.Timestamp.IsZero() {
		i.Timestamp = now
	}
	return i
}

func (p PlanRevision) stamped(seq int, now time.Time) PlanRevision {
	p.Version = seq
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	if p.Reason == "" {
		p.Reason = "unknown"
	}
	if p.ModifiedBy == "" {
		p.ModifiedBy = "system"
	}
	return p
}

// AppendWithSequence appends incoming entries numbered len(existing)+1, +2, ...
// Prior entries are never touched.
func AppendWithSequence[T sequenced[T]](existing, incoming []T, now time.Time) []T {
	if len(incoming) == 0 {
		return existing
	}
	out := make([]T, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	for i, e := range incoming {
		out = append(out, e.stamped(len(existing)+i+1, now))
	}
	return out
}

// AppendPlanRevision appends plan revisions with derived versions, defaulting
// the reason to "unknown" and the author to "system".
func AppendPlanRevision(existing, incoming []PlanRevision, now time.Time) []PlanRevision {
	return AppendWithSequence(existing, incoming, now)
}
