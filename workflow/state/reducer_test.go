package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestMergeTasks_NewTaskDefaults(t *testing.T) {
	tasks := MergeTasks(nil, []TaskPatch{{Description: Ptr("fetch data")}}, t0)

	require.Len(t, tasks, 1)
	got := tasks[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, 1, got.Step)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, t0, got.UpdatedAt)
	assert.Equal(t, "fetch data", got.Description)
}

func TestMergeTasks_UpdateInPlace(t *testing.T) {
	tasks := MergeTasks(nil, []TaskPatch{
		{ID: "a", Description: Ptr("first")},
		{ID: "b", Description: Ptr("second")},
	}, t0)

	later := t0.Add(time.Minute)
	tasks = MergeTasks(tasks, []TaskPatch{{ID: "a", Status: Ptr(TaskCompleted)}}, later)

	require.Len(t, tasks, 2)
	a := tasks[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, 1, a.Step)
	assert.Equal(t, TaskCompleted, a.Status)
	assert.Equal(t, "first", a.Description)
	assert.Equal(t, t0, a.CreatedAt)
	assert.Equal(t, later, a.UpdatedAt)
	assert.Equal(t, t0, tasks[1].UpdatedAt, "untouched task keeps updated_at")
}

func TestMergeTasks_NewStepFollowsMax(t *testing.T) {
	existing := []Task{{ID: "x", Step: 7, Status: TaskPending}, {ID: "y", Step: 3, Status: TaskPending}}
	tasks := MergeTasks(existing, []TaskPatch{{ID: "z"}}, t0)

	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"y", "x", "z"}, ids(tasks))
	assert.Equal(t, 8, tasks[2].Step)
}

func TestMergeTasks_Remove(t *testing.T) {
	tasks := MergeTasks(nil, []TaskPatch{{ID: "a"}, {ID: "b"}}, t0)
	tasks = MergeTasks(tasks, []TaskPatch{{ID: "a", Remove: true}, {ID: "missing", Remove: true}}, t0)

	assert.Equal(t, []string{"b"}, ids(tasks))
	assert.Equal(t, 2, tasks[0].Step)
}

func TestMergeTasks_DoesNotAliasInput(t *testing.T) {
	existing := []Task{{ID: "a", Step: 1, Metadata: map[string]any{"k": 1}}}
	out := MergeTasks(existing, []TaskPatch{{ID: "a", Metadata: map[string]any{"k": 2}}}, t0)

	assert.Equal(t, 1, existing[0].Metadata["k"])
	assert.Equal(t, 2, out[0].Metadata["k"])
}

func TestReorderTasks(t *testing.T) {
	tasks := MergeTasks(nil, []TaskPatch{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}, t0)
	later := t0.Add(time.Hour)

	out := ReorderTasks(tasks, []string{"c", "a", "ghost"}, later)

	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(out))
	for i, task := range out {
		assert.Equal(t, i+1, task.Step)
	}
	assert.Equal(t, later, out[0].UpdatedAt)
	assert.Equal(t, t0, out[3].UpdatedAt, "d kept step 4")
}

func TestAppendWithSequence(t *testing.T) {
	existing := AppendWithSequence(nil, []ActionEntry{{Node: "plan"}}, t0)
	stamp := t0.Add(-time.Hour)
	out := AppendWithSequence(existing, []ActionEntry{{Node: "execute"}, {Node: "respond", Timestamp: stamp}}, t0)

	require.Len(t, out, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].Step, out[1].Step, out[2].Step})
	assert.Equal(t, t0, out[1].Timestamp)
	assert.Equal(t, stamp, out[2].Timestamp)
	assert.Len(t, existing, 1)
}

func TestAppendPlanRevision_Defaults(t *testing.T) {
	out := AppendPlanRevision(nil, []PlanRevision{{Plan: map[string]any{"goal": "x"}}}, t0)
	out = AppendPlanRevision(out, []PlanRevision{{Reason: "replan", ModifiedBy: "user"}}, t0)

	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Version)
	assert.Equal(t, "unknown", out[0].Reason)
	assert.Equal(t, "system", out[0].ModifiedBy)
	assert.Equal(t, 2, out[1].Version)
	assert.Equal(t, "replan", out[1].Reason)
	assert.Equal(t, "user", out[1].ModifiedBy)
}

func TestApply_RoutesFieldsToReducers(t *testing.T) {
	rec := New("s1", "summarize sales")
	rec = Apply(rec, Update{
		Goal:    Ptr("report"),
		Tasks:   []TaskPatch{{ID: "t1", Description: Ptr("load")}},
		Results: map[string]any{"t0": "x"},
		Actions: []ActionEntry{{Node: "plan", Action: "planned"}},
	}, t0)
	rec = Apply(rec, Update{
		Results:          map[string]any{"t1": "y"},
		RequiresApproval: Ptr(true),
		Actions:          []ActionEntry{{Node: "execute", Action: "executed"}},
		Interactions:     []Interaction{{Type: InteractionInterrupt}},
	}, t0)

	assert.Equal(t, "report", rec.Goal)
	assert.Equal(t, map[string]any{"t0": "x", "t1": "y"}, rec.Results)
	assert.True(t, rec.RequiresApproval)
	assert.Len(t, rec.ActionHistory, 2)
	assert.Equal(t, 2, rec.ActionHistory[1].Step)
	require.Len(t, rec.UserInteractions, 1)
	assert.Equal(t, 1, rec.UserInteractions[0].Sequence)
	assert.Len(t, rec.Tasks, 1)
}

func TestApply_LeavesInputUntouched(t *testing.T) {
	rec := Apply(New("s1", "q"), Update{Tasks: []TaskPatch{{ID: "a"}}}, t0)
	before := rec.Clone()

	_ = Apply(rec, Update{Tasks: []TaskPatch{{ID: "a", Status: Ptr(TaskFailed)}}, TaskOrder: []string{"a"}}, t0.Add(time.Second))

	assert.Equal(t, before, rec)
}

func TestUpdate_MergeAndEmpty(t *testing.T) {
	assert.True(t, Update{}.Empty())

	a := Update{Goal: Ptr("a"), Actions: []ActionEntry{{Node: "plan"}}}
	b := Update{Goal: Ptr("b"), Error: Ptr("boom"), Actions: []ActionEntry{{Node: "execute"}}}
	m := a.Merge(b)

	assert.False(t, m.Empty())
	assert.Equal(t, "b", *m.Goal)
	assert.Equal(t, "boom", *m.Error)
	assert.Len(t, m.Actions, 2)
	assert.Len(t, a.Actions, 1)
}

func ids(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
