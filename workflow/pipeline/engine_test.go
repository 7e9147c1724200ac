package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/agent/registry"
	"github.com/BaSui01/layerflow/internal/metrics"
	"github.com/BaSui01/layerflow/internal/pool"
	"github.com/BaSui01/layerflow/types"
	"github.com/BaSui01/layerflow/workflow/checkpoint"
	"github.com/BaSui01/layerflow/workflow/state"
)

func task(id, desc string, deps ...string) map[string]any {
	m := map[string]any{"id": id, "task": desc}
	if len(deps) > 0 {
		list := make([]any, len(deps))
		for i, d := range deps {
			list[i] = d
		}
		m["depends_on"] = list
	}
	return m
}

func planResult(tasks ...map[string]any) reasoner.Result {
	list := make([]any, len(tasks))
	for i, t := range tasks {
		list[i] = t
	}
	return reasoner.Result{Output: map[string]any{"goal": "answer the question", "tasks": list}}
}

// echoExecutor completes every task with "done <description>" unless the
// description is listed in fail.
func echoExecutor(fail ...string) reasoner.Func {
	return func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		for _, f := range fail {
			if req.Description == f {
				return reasoner.Result{}, fmt.Errorf("cannot do %s", f)
			}
		}
		return reasoner.Result{Output: map[string]any{"result": "done " + req.Description}}, nil
	}
}

func scripted(plan reasoner.Result, exec reasoner.Func) *reasoner.Scripted {
	return &reasoner.Scripted{
		ByKind: map[reasoner.Kind]reasoner.Result{
			reasoner.KindPlan:    plan,
			reasoner.KindRespond: {Text: "final answer"},
		},
		Fallback: exec,
	}
}

func newEngine(t *testing.T, cfg Config, r reasoner.Reasoner, opts ...Option) (*Engine, *checkpoint.MemoryStore) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := NewEngine(cfg, store, r, opts...)
	require.NoError(t, err)
	return e, store
}

func taskByID(t *testing.T, rec state.Record, id string) state.Task {
	t.Helper()
	tk, ok := rec.Task(id)
	require.True(t, ok, "task %s", id)
	return tk
}

func actionNodes(rec state.Record) []string {
	var out []string
	for _, a := range rec.ActionHistory {
		out = append(out, a.Node)
	}
	return out
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{}, nil, &reasoner.Scripted{})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = NewEngine(Config{}, checkpoint.NewMemoryStore(), nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestEngine_RunCompletes(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]any{}
	exec := func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		mu.Lock()
		seen[req.TaskID] = req.Context["dependency_results"]
		mu.Unlock()
		return echoExecutor()(ctx, req)
	}
	e, store := newEngine(t, Config{}, scripted(planResult(task("a", "A"), task("b", "B", "a")), exec))

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Query: "what?"})
	require.NoError(t, err)

	assert.False(t, out.Suspended)
	assert.Equal(t, StageEnd, out.NextStage)
	assert.Equal(t, "s1:workflow", out.ThreadID)

	rec := out.Record
	assert.Equal(t, "final answer", rec.FinalResponse)
	assert.Equal(t, "answer the question", rec.Goal)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, 2, rec.CompletedCount)
	assert.Equal(t, 0, rec.FailedCount)
	assert.InDelta(t, 1.0, rec.SuccessRate, 1e-9)
	assert.Equal(t, "done B", rec.Results["b"])
	assert.Empty(t, rec.Error)
	assert.Equal(t, []string{"plan", "execute", "respond"}, actionNodes(rec))
	require.Len(t, rec.PlanHistory, 1)
	assert.Equal(t, "planner", rec.PlanHistory[0].ModifiedBy)

	mu.Lock()
	assert.Equal(t, map[string]any{"a": "done A"}, seen["b"])
	mu.Unlock()

	cps, err := store.List(context.Background(), out.ThreadID, "", 0)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, "respond", cps[0].Node)
	assert.Equal(t, "", cps[0].NextNode)
	assert.Equal(t, out.CheckpointID, cps[0].ID)
	assert.Equal(t, "execute", cps[1].Node)
	assert.Equal(t, "respond", cps[1].NextNode)
	assert.Equal(t, "execute", cps[2].NextNode)
	for i := 0; i < len(cps)-1; i++ {
		assert.Equal(t, cps[i+1].ID, cps[i].ParentID)
		assert.Equal(t, cps[i+1].Step+1, cps[i].Step)
	}
}

func TestEngine_SecondRunKeepsCompletedTasks(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	exec := func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		mu.Lock()
		calls[req.TaskID]++
		mu.Unlock()
		return echoExecutor()(ctx, req)
	}
	e, _ := newEngine(t, Config{}, scripted(planResult(task("a", "A")), exec))

	_, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "first"})
	require.NoError(t, err)
	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "second"})
	require.NoError(t, err)

	assert.Equal(t, "second", out.Record.Query)
	assert.Len(t, out.Record.Tasks, 1)
	assert.Equal(t, 1, calls["a"])
	require.Len(t, out.Record.PlanHistory, 2)
	assert.Equal(t, "replanned for new request", out.Record.PlanHistory[1].Reason)
}

func TestEngine_FallbackTaskWhenPlanIsEmpty(t *testing.T) {
	r := scripted(reasoner.Result{Text: "just answer it"}, echoExecutor())
	e, _ := newEngine(t, Config{}, r)

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "hello"})
	require.NoError(t, err)

	require.Len(t, out.Record.Tasks, 1)
	tk := out.Record.Tasks[0]
	assert.Equal(t, "hello", tk.Description)
	assert.Equal(t, state.TaskCompleted, tk.Status)
	assert.Equal(t, "just answer it", out.Record.Plan["summary"])
}

func TestEngine_BreakdownBranch(t *testing.T) {
	r := &reasoner.Scripted{
		ByKind: map[reasoner.Kind]reasoner.Result{
			reasoner.KindPlan: {Output: map[string]any{"goal": "big goal", "requires_breakdown": true}},
			reasoner.KindBreakdown: {Output: map[string]any{"tasks": []any{
				task("x", "X"), task("y", "Y", "x"),
			}}},
			reasoner.KindRespond: {Text: "ok"},
		},
		Fallback: echoExecutor(),
	}
	e, _ := newEngine(t, Config{}, r)

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "big"})
	require.NoError(t, err)

	rec := out.Record
	assert.Equal(t, []string{"plan", "breakdown", "execute", "respond"}, actionNodes(rec))
	assert.False(t, rec.BreakdownRequested())
	assert.Equal(t, 2, rec.CompletedCount)
	require.Len(t, rec.PlanHistory, 2)
	assert.Equal(t, "breakdown", rec.PlanHistory[1].ModifiedBy)
	assert.Equal(t, 2, rec.PlanHistory[1].Version)
}

func TestEngine_UserRequestedBreakdown(t *testing.T) {
	var breakdowns int
	r := &reasoner.Scripted{
		ByKind: map[reasoner.Kind]reasoner.Result{
			reasoner.KindPlan:    planResult(task("a", "A")),
			reasoner.KindRespond: {Text: "ok"},
		},
		Fallback: func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
			if req.Kind == reasoner.KindBreakdown {
				breakdowns++
				return reasoner.Result{Output: map[string]any{}}, nil
			}
			return echoExecutor()(ctx, req)
		},
	}
	e, _ := newEngine(t, Config{}, r)

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q", RequestBreakdown: true})
	require.NoError(t, err)
	assert.Equal(t, 1, breakdowns)
	assert.False(t, out.Record.BreakdownRequestedByUser)
	require.NotEmpty(t, out.Record.UserInteractions)
	assert.Equal(t, state.InteractionBreakdown, out.Record.UserInteractions[0].Type)
}

func TestEngine_FailedDependencyIsSkipped(t *testing.T) {
	r := scripted(planResult(task("a", "A"), task("b", "B", "a"), task("c", "C")), echoExecutor("A"))
	e, _ := newEngine(t, Config{}, r)

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)

	rec := out.Record
	a := taskByID(t, rec, "a")
	assert.Equal(t, state.TaskFailed, a.Status)
	assert.Contains(t, a.Error, "cannot do A")
	b := taskByID(t, rec, "b")
	assert.Equal(t, state.TaskSkipped, b.Status)
	assert.Equal(t, "dependency failed: a", b.Error)
	assert.Equal(t, state.TaskCompleted, taskByID(t, rec, "c").Status)

	assert.Equal(t, 1, rec.CompletedCount)
	assert.Equal(t, 1, rec.FailedCount)
	assert.Equal(t, 1, rec.SkippedCount)
	assert.InDelta(t, 1.0/3.0, rec.SuccessRate, 1e-9)
	assert.Contains(t, rec.Error, "1 task(s) failed")
	assert.Equal(t, "final answer", rec.FinalResponse)
}

func TestEngine_InvalidDependencies(t *testing.T) {
	r := scripted(planResult(
		task("a", "A", "ghost"),
		task("b", "B", "a"),
		task("x", "X", "y"),
		task("y", "Y", "x"),
		task("c", "C"),
	), echoExecutor())
	e, _ := newEngine(t, Config{}, r)

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)

	rec := out.Record
	a := taskByID(t, rec, "a")
	assert.Equal(t, state.TaskFailed, a.Status)
	assert.Equal(t, "missing dependencies: ghost", a.Error)
	assert.Equal(t, state.TaskSkipped, taskByID(t, rec, "b").Status)
	for _, id := range []string{"x", "y"} {
		tk := taskByID(t, rec, id)
		assert.Equal(t, state.TaskFailed, tk.Status)
		assert.Contains(t, tk.Error, "circular dependency")
	}
	assert.Equal(t, state.TaskCompleted, taskByID(t, rec, "c").Status)
	assert.Contains(t, rec.Error, "depend on unknown tasks")
	assert.Contains(t, rec.Error, "circular dependency")

	last := rec.ActionHistory[len(rec.ActionHistory)-2]
	assert.Equal(t, "execute", last.Node)
	assert.Equal(t, "failed", last.Action)
}

func TestEngine_StrictDecodingRejectsBadTasks(t *testing.T) {
	plan := reasoner.Result{Output: map[string]any{"tasks": []any{map[string]any{"priority": "urgent"}}}}
	e, _ := newEngine(t, Config{DecodeMode: state.Strict}, scripted(plan, echoExecutor()))

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, out.Record.Tasks)
	assert.Contains(t, out.Record.Error, "plan:")
}

func TestEngine_ApprovalGate(t *testing.T) {
	gate := task("g", "G")
	gate["metadata"] = map[string]any{MetaRequiresApproval: true}
	r := scripted(planResult(task("a", "A"), gate, task("h", "H", "g")), echoExecutor())
	e, store := newEngine(t, Config{}, r)
	ctx := context.Background()

	out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.True(t, out.Suspended)
	assert.Equal(t, StageExecute, out.NextStage)
	assert.True(t, out.Record.RequiresApproval)
	assert.Equal(t, state.TaskCompleted, taskByID(t, out.Record, "a").Status)
	assert.Equal(t, state.TaskPending, taskByID(t, out.Record, "g").Status)
	assert.Equal(t, state.TaskPending, taskByID(t, out.Record, "h").Status)
	assert.Empty(t, out.Record.FinalResponse)

	latest, err := store.Latest(ctx, out.ThreadID, "")
	require.NoError(t, err)
	assert.Equal(t, "execute", latest.NextNode)
	assert.True(t, latest.Record.RequiresApproval)

	_, err = e.Run(ctx, RunRequest{SessionID: "s1", Query: "again"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
	assert.ErrorIs(t, err, ErrAwaitingApproval)

	out, err = e.Resume(ctx, out.ThreadID, ResumeInput{AutoApprove: true, UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, out.Suspended)
	rec := out.Record
	assert.Equal(t, state.TaskCompleted, taskByID(t, rec, "g").Status)
	assert.Equal(t, state.TaskCompleted, taskByID(t, rec, "h").Status)
	assert.True(t, rec.ApprovalGranted)
	assert.Equal(t, AutoApprove, rec.ApprovalResponse)
	assert.Equal(t, "final answer", rec.FinalResponse)

	last := rec.UserInteractions[len(rec.UserInteractions)-1]
	assert.Equal(t, state.InteractionResume, last.Type)
	assert.Equal(t, "u1", last.UserID)
}

func TestEngine_ApprovalRejected(t *testing.T) {
	gate := task("g", "G")
	gate["metadata"] = map[string]any{MetaRequiresApproval: true}
	r := scripted(planResult(gate, task("h", "H", "g")), echoExecutor())
	e, _ := newEngine(t, Config{}, r)
	ctx := context.Background()

	out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	require.True(t, out.Suspended)

	out, err = e.Resume(ctx, out.ThreadID, ResumeInput{Response: "reject"})
	require.NoError(t, err)
	rec := out.Record
	g := taskByID(t, rec, "g")
	assert.Equal(t, state.TaskSkipped, g.Status)
	assert.Equal(t, "rejected at approval", g.Error)
	assert.Equal(t, state.TaskSkipped, taskByID(t, rec, "h").Status)
	assert.False(t, rec.ApprovalGranted)
	assert.Equal(t, "reject", rec.ApprovalResponse)
	assert.Equal(t, StageEnd, out.NextStage)
}

func TestEngine_ResumeRequiresSuspension(t *testing.T) {
	e, _ := newEngine(t, Config{}, scripted(planResult(task("a", "A")), echoExecutor()))
	ctx := context.Background()

	_, err := e.Resume(ctx, "unknown:workflow", ResumeInput{AutoApprove: true})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	_, err = e.Resume(ctx, out.ThreadID, ResumeInput{AutoApprove: true})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)
}

func TestEngine_ApprovalAfterExecute(t *testing.T) {
	var responds int
	r := &reasoner.Scripted{
		ByKind: map[reasoner.Kind]reasoner.Result{reasoner.KindPlan: planResult(task("a", "A"))},
		Fallback: func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
			if req.Kind == reasoner.KindRespond {
				responds++
				return reasoner.Result{Text: fmt.Sprintf("approved with %v", req.Context["approval_response"])}, nil
			}
			return echoExecutor()(ctx, req)
		},
	}
	e, _ := newEngine(t, Config{RequireApprovalAfterExecute: true}, r)
	ctx := context.Background()

	out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.True(t, out.Suspended)
	assert.Equal(t, StageRespond, out.NextStage)
	assert.Equal(t, 0, responds)

	out, err = e.Resume(ctx, out.ThreadID, ResumeInput{Response: map[string]any{"approved": true, "note": "ship it"}})
	require.NoError(t, err)
	assert.Equal(t, 1, responds)
	assert.Contains(t, out.Record.FinalResponse, "ship it")
	assert.Equal(t, []string{"plan", "execute", "respond"}, actionNodes(out.Record))
}

func TestEngine_RespondDegradesOnFailure(t *testing.T) {
	r := &reasoner.Scripted{
		ByKind: map[reasoner.Kind]reasoner.Result{
			reasoner.KindPlan: planResult(task("a", "A"), task("b", "B")),
		},
		Fallback: func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
			if req.Kind == reasoner.KindRespond {
				return reasoner.Result{}, errors.New("model offline")
			}
			return echoExecutor("B")(ctx, req)
		},
	}
	e, _ := newEngine(t, Config{}, r)

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)

	resp := out.Record.FinalResponse
	assert.Contains(t, resp, "could not be generated")
	assert.Contains(t, resp, "model offline")
	assert.Contains(t, resp, "- A: done A")
	assert.Contains(t, resp, "- B (failed: cannot do B)")
	assert.Contains(t, out.Record.Error, "respond: model offline")
}

func TestEngine_PlanFailureIsRecorded(t *testing.T) {
	r := &reasoner.Scripted{
		ByKind: map[reasoner.Kind]reasoner.Result{reasoner.KindRespond: {Text: "sorry"}},
		Fallback: func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
			return reasoner.Result{}, errors.New("planner down")
		},
	}
	e, _ := newEngine(t, Config{}, r)

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.Contains(t, out.Record.Error, "plan: planner down")
	assert.Equal(t, "sorry", out.Record.FinalResponse)
	assert.Equal(t, "failed", out.Record.ActionHistory[0].Action)
}

func TestEngine_InterruptActiveRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		close(started)
		<-release
		return echoExecutor()(ctx, req)
	}
	e, store := newEngine(t, Config{}, scripted(planResult(task("a", "A")), exec))
	ctx := context.Background()
	thread := e.ThreadID("s1")

	assert.False(t, e.RequestInterrupt(thread, state.Interaction{}))

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
		done <- result{out, err}
	}()

	<-started
	assert.True(t, e.Active(thread))
	assert.True(t, e.RequestInterrupt(thread, state.Interaction{UserID: "u1", Payload: map[string]any{"reason": "check"}}))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.out.Suspended)
	assert.Equal(t, StageRespond, res.out.NextStage)
	assert.False(t, e.Active(thread))

	latest, err := store.Latest(ctx, thread, "")
	require.NoError(t, err)
	assert.True(t, latest.Record.RequiresApproval)
	assert.Equal(t, "respond", latest.NextNode)
	its := latest.Record.UserInteractions
	require.Len(t, its, 1)
	assert.Equal(t, state.InteractionInterrupt, its[0].Type)
	assert.Equal(t, "u1", its[0].UserID)

	out, err := e.Resume(ctx, thread, ResumeInput{AutoApprove: true})
	require.NoError(t, err)
	assert.Equal(t, "final answer", out.Record.FinalResponse)
}

func TestEngine_InterruptDuringRespond(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := reasoner.Func(func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		switch req.Kind {
		case reasoner.KindPlan:
			return planResult(task("a", "A")), nil
		case reasoner.KindRespond:
			close(started)
			<-release
			return reasoner.Result{Text: "final answer"}, nil
		}
		return echoExecutor()(ctx, req)
	})
	e, store := newEngine(t, Config{}, r)
	ctx := context.Background()
	thread := e.ThreadID("s1")

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
		done <- result{out, err}
	}()

	<-started
	require.True(t, e.RequestInterrupt(thread, state.Interaction{UserID: "u1"}))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.out.Suspended)
	assert.Equal(t, StageEnd, res.out.NextStage)
	assert.Equal(t, "final answer", res.out.Record.FinalResponse)
	assert.False(t, e.Active(thread))

	latest, err := store.Latest(ctx, thread, "")
	require.NoError(t, err)
	assert.Equal(t, res.out.CheckpointID, latest.ID)
	assert.True(t, latest.Record.RequiresApproval)
	assert.Equal(t, "", latest.NextNode)
	require.Len(t, latest.Record.UserInteractions, 1)
	assert.Equal(t, state.InteractionInterrupt, latest.Record.UserInteractions[0].Type)

	out, err := e.Resume(ctx, thread, ResumeInput{AutoApprove: true})
	require.NoError(t, err)
	assert.False(t, out.Suspended)
	assert.False(t, out.Record.RequiresApproval)
	assert.Equal(t, "final answer", out.Record.FinalResponse)
}

func TestEngine_PeriodicCheckpointsPerThread(t *testing.T) {
	ctx := context.Background()
	strategy := checkpoint.NewStrategy(checkpoint.Policy{Mode: checkpoint.ModePeriodic, Interval: time.Hour})
	e, store := newEngine(t, Config{}, scripted(planResult(task("a", "A")), echoExecutor()), WithStrategy(strategy))

	for _, session := range []string{"s1", "s2"} {
		out, err := e.Run(ctx, RunRequest{SessionID: session, Query: "q"})
		require.NoError(t, err)

		cps, err := store.List(ctx, out.ThreadID, "", 0)
		require.NoError(t, err)
		require.Len(t, cps, 2, session)
		assert.Equal(t, "respond", cps[0].Node)
		assert.Equal(t, "plan", cps[1].Node, "first write of %s is not delayed by other sessions", session)
	}
}

func TestEngine_ConcurrentRunOnSameThreadRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		close(started)
		<-release
		return echoExecutor()(ctx, req)
	}
	e, _ := newEngine(t, Config{}, scripted(planResult(task("a", "A")), exec))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
		done <- err
	}()
	<-started

	_, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = e.Commit(ctx, e.ThreadID("s1"), state.Update{}, "task_add")
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestEngine_CheckpointModes(t *testing.T) {
	ctx := context.Background()

	t.Run("none", func(t *testing.T) {
		strategy := checkpoint.NewStrategy(checkpoint.Policy{Mode: checkpoint.ModeNone})
		e, store := newEngine(t, Config{}, scripted(planResult(task("a", "A")), echoExecutor()), WithStrategy(strategy))

		out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
		require.NoError(t, err)
		assert.Equal(t, checkpoint.StatelessThreadID, out.ThreadID)
		assert.Empty(t, out.CheckpointID)
		assert.Equal(t, "final answer", out.Record.FinalResponse)

		cps, err := store.List(ctx, checkpoint.StatelessThreadID, "", 0)
		require.NoError(t, err)
		assert.Empty(t, cps)

		_, err = e.Resume(ctx, out.ThreadID, ResumeInput{AutoApprove: true})
		assert.ErrorIs(t, err, ErrNotPersisted)
	})

	t.Run("on_complete", func(t *testing.T) {
		strategy := checkpoint.NewStrategy(checkpoint.Policy{
			Mode:          checkpoint.ModeOnComplete,
			TerminalNodes: []string{"respond"},
		})
		e, store := newEngine(t, Config{}, scripted(planResult(task("a", "A")), echoExecutor()), WithStrategy(strategy))

		out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
		require.NoError(t, err)
		cps, err := store.List(ctx, out.ThreadID, "", 0)
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, "respond", cps[0].Node)
	})

	t.Run("manual", func(t *testing.T) {
		strategy := checkpoint.NewStrategy(checkpoint.Policy{Mode: checkpoint.ModeManual})
		e, store := newEngine(t, Config{}, scripted(planResult(task("a", "A")), echoExecutor()), WithStrategy(strategy))
		e.RequestCheckpoint()

		out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
		require.NoError(t, err)
		cps, err := store.List(ctx, out.ThreadID, "", 0)
		require.NoError(t, err)
		require.Len(t, cps, 2)
		assert.Equal(t, "respond", cps[0].Node)
		assert.Equal(t, "plan", cps[1].Node)
	})

	t.Run("namespace", func(t *testing.T) {
		e, store := newEngine(t, Config{Namespace: "tenant-a"}, scripted(planResult(task("a", "A")), echoExecutor()))
		out, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
		require.NoError(t, err)

		cps, err := store.List(ctx, out.ThreadID, "tenant-a", 0)
		require.NoError(t, err)
		assert.Len(t, cps, 3)
		cps, err = store.List(ctx, out.ThreadID, "", 0)
		require.NoError(t, err)
		assert.Empty(t, cps)
	})
}

func TestEngine_CancelledContext(t *testing.T) {
	e, store := newEngine(t, Config{}, scripted(planResult(task("a", "A")), echoExecutor()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, RunRequest{SessionID: "s1", Query: "q"})
	assert.ErrorIs(t, err, context.Canceled)
	cps, err := store.List(context.Background(), "s1:workflow", "", 0)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

type failingStore struct {
	*checkpoint.MemoryStore
}

func (failingStore) Put(context.Context, *checkpoint.Checkpoint) error {
	return errors.New("disk full")
}

func TestEngine_StoreFailureIsFatal(t *testing.T) {
	var events eventLog
	e, err := NewEngine(Config{}, failingStore{checkpoint.NewMemoryStore()},
		scripted(planResult(task("a", "A")), echoExecutor()), WithEmitter(&events))
	require.NoError(t, err)

	_, err = e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStoreUnavailable))
	assert.True(t, types.IsRetryable(err))
	assert.Contains(t, events.types(), EventError)
}

func TestEngine_RoutesTasksThroughRegistry(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil)
	require.NoError(t, reg.Register(registry.Metadata{
		ID:                  "scribe",
		PrimaryCapabilities: []string{"write"},
		Executor: reasoner.Func(func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
			return reasoner.Result{Output: map[string]any{"result": "written by " + req.UnitID}}, nil
		}),
	}, false))
	require.NoError(t, reg.Register(registry.Metadata{ID: "generalist", PrimaryCapabilities: []string{"analyze"}}, false))

	w := task("w", "W")
	w["capability"] = "write"
	n := task("n", "N")
	n["agent_id"] = "generalist"
	o := task("o", "O")
	o["capability"] = "juggle"

	e, _ := newEngine(t, Config{}, scripted(planResult(w, n, o), echoExecutor()), WithRegistry(reg))
	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)

	rec := out.Record
	assert.Equal(t, "written by scribe", rec.Results["w"])
	assert.Equal(t, "scribe", taskByID(t, rec, "w").AgentID)
	assert.Equal(t, "done N", rec.Results["n"])
	assert.Equal(t, "generalist", taskByID(t, rec, "n").AgentID)
	assert.Equal(t, "done O", rec.Results["o"])
	assert.Empty(t, taskByID(t, rec, "o").AgentID)

	s1, ok := reg.Score("scribe", "write", registry.SelectionContext{})
	require.True(t, ok)
	fresh := registry.New(registry.DefaultConfig(), nil)
	require.NoError(t, fresh.Register(registry.Metadata{ID: "scribe", PrimaryCapabilities: []string{"write"}}, false))
	s0, _ := fresh.Score("scribe", "write", registry.SelectionContext{})
	assert.Greater(t, s1, s0)
}

func TestEngine_TaskTimeout(t *testing.T) {
	exec := func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		<-ctx.Done()
		return reasoner.Result{}, ctx.Err()
	}
	e, _ := newEngine(t, Config{TaskTimeout: 20 * time.Millisecond}, scripted(planResult(task("a", "A")), exec),
		WithDispatcher(pool.NewDispatcher(pool.DispatcherConfig{MaxWorkers: 2})))

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	a := taskByID(t, out.Record, "a")
	assert.Equal(t, state.TaskFailed, a.Status)
	assert.Contains(t, a.Error, "deadline exceeded")
}

func TestEngine_ExecutionRequestsBreakdown(t *testing.T) {
	exec := func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		return reasoner.Result{Output: map[string]any{"result": "partial", "needs_breakdown": true}}, nil
	}
	e, _ := newEngine(t, Config{}, scripted(planResult(task("a", "A")), exec))

	out, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.True(t, out.Record.BreakdownRequestedByExecution)
}

func TestEngine_EventsSpansAndMetrics(t *testing.T) {
	var events eventLog
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("lftest", reg, nil)

	r := scripted(planResult(task("a", "A")), echoExecutor())
	e, _ := newEngine(t, Config{}, r,
		WithEmitter(&events),
		WithTracer(tp.Tracer("test")),
		WithMetrics(collector))

	_, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)

	got := events.types()
	assert.Equal(t, EventStageStarted, got[0])
	assert.Equal(t, EventFinalResult, got[len(got)-1])
	assert.Contains(t, got, EventPlanUpdated)
	assert.Contains(t, got, EventTasksUpdated)
	assert.Contains(t, got, EventExecutionUpdated)
	for _, ev := range events.snapshot() {
		assert.Equal(t, "s1", ev.SessionID)
	}

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"pipeline.plan", "pipeline.execute", "pipeline.respond"}, names)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found []string
	for _, f := range families {
		found = append(found, f.GetName())
	}
	assert.Contains(t, found, "lftest_stage_executions_total")
	assert.Contains(t, found, "lftest_checkpoints_total")
	assert.Contains(t, found, "lftest_tasks_total")
	assert.Contains(t, found, "lftest_reasoner_requests_total")
}

func TestEngine_SeedAndCommit(t *testing.T) {
	e, store := newEngine(t, Config{}, scripted(planResult(), echoExecutor()))
	ctx := context.Background()
	thread := e.ThreadID("s9")

	_, err := e.Commit(ctx, thread, state.Update{}, "task_add")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	cp, err := e.Seed(ctx, thread, state.New("s9", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Step)
	_, err = e.Seed(ctx, thread, state.New("s9", ""))
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))

	next, err := e.Commit(ctx, thread, state.Update{
		Tasks: []state.TaskPatch{{ID: "t1", Description: state.Ptr("write intro")}},
	}, "task_add")
	require.NoError(t, err)
	assert.Equal(t, 2, next.Step)
	assert.Equal(t, cp.ID, next.ParentID)
	assert.Equal(t, "manual", next.Metadata["source"])

	latest, err := store.Latest(ctx, thread, "")
	require.NoError(t, err)
	assert.Len(t, latest.Record.Tasks, 1)
	assert.True(t, strings.HasPrefix(latest.ID, "ckpt_"))
}

func TestEngine_StageObservers(t *testing.T) {
	var stages []Stage
	observe := func(_ context.Context, s Stage, err error, d time.Duration) {
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		stages = append(stages, s)
	}
	e, _ := newEngine(t, Config{}, scripted(planResult(task("a", "A")), echoExecutor()),
		WithStageObserver(observe))

	_, err := e.Run(context.Background(), RunRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StagePlan, StageExecute, StageRespond}, stages)
}
