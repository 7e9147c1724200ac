package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/agent/registry"
	"github.com/BaSui01/layerflow/internal/ctxkeys"
	"github.com/BaSui01/layerflow/internal/metrics"
	"github.com/BaSui01/layerflow/internal/pool"
	"github.com/BaSui01/layerflow/types"
	"github.com/BaSui01/layerflow/workflow/checkpoint"
	"github.com/BaSui01/layerflow/workflow/state"
)

var (
	// ErrRunInProgress is returned when a thread already has an active run.
	ErrRunInProgress = errors.New("a run is already in progress for this thread")
	// ErrNotAwaitingApproval is returned by Resume on a thread that is not
	// suspended for approval.
	ErrNotAwaitingApproval = errors.New("thread is not awaiting approval")
	// ErrAwaitingApproval is returned by Run on a suspended thread.
	ErrAwaitingApproval = errors.New("thread is awaiting approval")
	// ErrNotPersisted is returned for thread operations of a stateless unit.
	ErrNotPersisted = errors.New("unit does not persist checkpoints")
)

// DefaultUnitID is the checkpoint unit of the pipeline itself.
const DefaultUnitID = "workflow"

// AutoApprove is stored as the approval response when a resume approves
// without a user response.
const AutoApprove = "auto_approve"

// Config tunes an Engine.
type Config struct {
	// UnitID selects the checkpoint policy and thread id suffix.
	UnitID    string
	Namespace string
	// TaskTimeout bounds one task execution. Zero disables the bound.
	TaskTimeout time.Duration
	DecodeMode  state.DecodeMode
	// RequireApprovalAfterExecute suspends every run before respond.
	RequireApprovalAfterExecute bool
}

// Option configures optional collaborators of an Engine.
type Option func(*Engine)

// WithStrategy sets the checkpoint strategy. The default checkpoints after
// every stage.
func WithStrategy(s *checkpoint.Strategy) Option { return func(e *Engine) { e.strategy = s } }

// WithRegistry sets the unit registry used to route tasks.
func WithRegistry(r *registry.Registry) Option { return func(e *Engine) { e.registry = r } }

// WithDispatcher sets the task dispatcher.
func WithDispatcher(d *pool.Dispatcher) Option { return func(e *Engine) { e.dispatcher = d } }

// WithEmitter sets the event sink.
func WithEmitter(em Emitter) Option { return func(e *Engine) { e.emitter = em } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer sets the tracer for stage spans.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// StageObserver is told about every finished stage.
type StageObserver func(ctx context.Context, stage Stage, err error, d time.Duration)

// WithStageObserver registers an observer called after each stage.
func WithStageObserver(o StageObserver) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine drives records through plan, breakdown, execute and respond,
// checkpointing between stages. One Engine serves many threads; each
// thread has at most one active run.
type Engine struct {
	cfg        Config
	store      checkpoint.Store
	reasoner   reasoner.Reasoner
	strategy   *checkpoint.Strategy
	registry   *registry.Registry
	dispatcher *pool.Dispatcher
	emitter    Emitter
	metrics    *metrics.Collector
	tracer     trace.Tracer
	observers  []StageObserver
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	interrupts []state.Interaction
}

// NewEngine creates an engine over a checkpoint store and a default
// reasoner.
func NewEngine(cfg Config, store checkpoint.Store, r reasoner.Reasoner, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, types.NewError(types.ErrValidation, "checkpoint store is required")
	}
	if r == nil {
		return nil, types.NewError(types.ErrValidation, "reasoner is required")
	}
	if cfg.UnitID == "" {
		cfg.UnitID = DefaultUnitID
	}
	if cfg.DecodeMode == "" {
		cfg.DecodeMode = state.Lenient
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		reasoner: r,
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.strategy == nil {
		e.strategy = checkpoint.NewStrategy(checkpoint.Policy{Mode: checkpoint.ModeAuto})
	}
	if e.registry == nil {
		e.registry = registry.New(registry.DefaultConfig(), e.logger)
	}
	if e.dispatcher == nil {
		e.dispatcher = pool.NewDispatcher(pool.DefaultDispatcherConfig())
	}
	if e.emitter == nil {
		e.emitter = nopEmitter{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/BaSui01/layerflow/workflow/pipeline")
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "pipeline"), zap.String("unit_id", cfg.UnitID))
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Store returns the checkpoint store.
func (e *Engine) Store() checkpoint.Store { return e.store }

// Strategy returns the checkpoint strategy.
func (e *Engine) Strategy() *checkpoint.Strategy { return e.strategy }

// Registry returns the unit registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Namespace returns the checkpoint namespace.
func (e *Engine) Namespace() string { return e.cfg.Namespace }

// ThreadID derives the thread id of a session.
func (e *Engine) ThreadID(sessionID string) string {
	return e.strategy.ResolveThreadID(sessionID, e.cfg.UnitID)
}

// Persistent reports whether the engine's unit keeps checkpoints.
func (e *Engine) Persistent() bool { return e.strategy.Persistent(e.cfg.UnitID) }

// RunRequest starts or continues a session with a new query.
type RunRequest struct {
	SessionID string
	// ThreadID overrides the thread derived from SessionID.
	ThreadID     string
	UserID       string
	Query        string
	OutputFormat string
	// RequestBreakdown asks for a breakdown pass after planning.
	RequestBreakdown bool
}

// ResumeInput answers an approval suspension.
type ResumeInput struct {
	AutoApprove bool
	// Response is the user's answer. false, "reject", "no" or a map with
	// approved=false reject the gated work.
	Response any
	UserID   string
}

// Outcome is the result of Run or Resume.
type Outcome struct {
	ThreadID     string       `json:"thread_id"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
	Record       state.Record `json:"record"`
	Suspended    bool         `json:"suspended"`
	// NextStage is where a resume re-enters; StageEnd after completion.
	NextStage Stage `json:"next_stage"`
}

// run is the in-flight state of one drive loop.
type run struct {
	id        string
	key       string
	threadID  string
	record    state.Record
	stage     Stage
	lastNode  Stage
	parentID  string
	step      int
	lastWrite time.Time
	handle    *activeRun
}

// Run executes the pipeline for a query. An existing thread keeps its
// tasks and history; completed tasks are not executed again.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	if req.SessionID == "" {
		return nil, types.NewError(types.ErrValidation, "session id is required")
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = e.ThreadID(req.SessionID)
	}
	key := e.runKey(threadID, req.SessionID)
	handle, err := e.begin(key)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidState, "cannot start run").WithCause(err).WithSession(req.SessionID)
	}
	defer e.finish(key, handle)

	r := &run{id: uuid.NewString(), key: key, threadID: threadID, stage: StagePlan, handle: handle}
	base := state.New(req.SessionID, req.Query)
	if e.Persistent() {
		latest, err := e.store.Latest(ctx, threadID, e.cfg.Namespace)
		switch {
		case err == nil:
			if latest.Record.RequiresApproval {
				return nil, types.NewError(types.ErrInvalidState, "resume the thread before starting a new run").
					WithCause(ErrAwaitingApproval).WithSession(req.SessionID)
			}
			base = latest.Record
			r.parentID = latest.ID
			r.step = latest.Step
			r.lastWrite = latest.CreatedAt
		case errors.Is(err, checkpoint.ErrNotFound):
		default:
			return nil, storeError("load checkpoint", err, req.SessionID)
		}
	}
	if base.SessionID == "" {
		base.SessionID = req.SessionID
	}
	if req.UserID == "" {
		req.UserID, _ = ctxkeys.UserID(ctx)
	}
	if req.UserID != "" {
		base.UserID = req.UserID
	}

	u := state.Update{
		Query:            &req.Query,
		Error:            state.Ptr(""),
		FinalResponse:    state.Ptr(""),
		RequiresApproval: state.Ptr(false),
		ApprovalGranted:  state.Ptr(false),
	}
	if req.OutputFormat != "" {
		u.OutputFormat = &req.OutputFormat
	}
	if req.RequestBreakdown {
		u.BreakdownRequestedByUser = state.Ptr(true)
		u.Interactions = []state.Interaction{{
			Type:    state.InteractionBreakdown,
			UserID:  req.UserID,
			Payload: map[string]any{"source": "run"},
		}}
	}
	r.record = state.Apply(base, u, e.now())

	e.logger.Info("run started",
		zap.String("run_id", r.id),
		zap.String("thread_id", threadID),
		zap.String("session_id", req.SessionID))
	return e.drive(ctx, r)
}

// Resume continues a thread suspended for approval from its stored next
// stage.
func (e *Engine) Resume(ctx context.Context, threadID string, in ResumeInput) (*Outcome, error) {
	if !e.Persistent() {
		return nil, types.NewError(types.ErrInvalidState, "cannot resume").WithCause(ErrNotPersisted)
	}
	handle, err := e.begin(threadID)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidState, "cannot resume").WithCause(err)
	}
	defer e.finish(threadID, handle)

	latest, err := e.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	rec := latest.Record
	if !rec.RequiresApproval {
		return nil, types.NewError(types.ErrInvalidState, "cannot resume").
			WithCause(ErrNotAwaitingApproval).WithSession(rec.SessionID)
	}
	next, err := ParseStage(latest.NextNode)
	if err != nil {
		return nil, types.NewError(types.ErrUnknownStage, "cannot resume").WithCause(err).WithSession(rec.SessionID)
	}

	if in.UserID == "" {
		in.UserID, _ = ctxkeys.UserID(ctx)
	}
	approved := in.AutoApprove || !rejects(in.Response)
	response := in.Response
	if response == nil && in.AutoApprove {
		response = AutoApprove
	}
	u := state.Update{
		RequiresApproval: state.Ptr(false),
		ApprovalGranted:  state.Ptr(approved),
		ApprovalResponse: response,
		Tasks:            approvalPatches(rec, approved),
		Interactions: []state.Interaction{{
			Type:   state.InteractionResume,
			UserID: in.UserID,
			Payload: map[string]any{
				"auto_approve": in.AutoApprove,
				"approved":     approved,
				"response":     in.Response,
				"next_stage":   string(next),
			},
		}},
	}

	r := &run{
		id:        uuid.NewString(),
		key:       threadID,
		threadID:  threadID,
		record:    state.Apply(rec, u, e.now()),
		stage:     next,
		lastNode:  Stage(latest.Node),
		parentID:  latest.ID,
		step:      latest.Step,
		lastWrite: latest.CreatedAt,
		handle:    handle,
	}
	e.logger.Info("run resumed",
		zap.String("run_id", r.id),
		zap.String("thread_id", threadID),
		zap.String("next_stage", string(next)),
		zap.Bool("approved", approved))
	if next == StageEnd {
		if err := e.persist(ctx, r, StageEnd, true); err != nil {
			return nil, err
		}
	}
	return e.drive(ctx, r)
}

// RequestInterrupt asks the active run of a thread to suspend at its next
// stage boundary. It returns false when no run is active.
func (e *Engine) RequestInterrupt(threadID string, it state.Interaction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[threadID]
	if !ok {
		return false
	}
	it.Type = state.InteractionInterrupt
	h.interrupts = append(h.interrupts, it)
	return true
}

// RequestCheckpoint asks a manual-mode unit to snapshot at its next stage
// boundary.
func (e *Engine) RequestCheckpoint() { e.strategy.Request(e.cfg.UnitID) }

// Active reports whether a run is in flight for the thread.
func (e *Engine) Active(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[threadID]
	return ok
}

// Latest returns the newest checkpoint of a thread.
func (e *Engine) Latest(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	cp, err := e.store.Latest(ctx, threadID, e.cfg.Namespace)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "no checkpoint for thread %s", threadID).WithCause(err)
	}
	if err != nil {
		return nil, storeError("load checkpoint", err, "")
	}
	return cp, nil
}

// Seed writes the first checkpoint of a thread for a record that has not
// run yet.
func (e *Engine) Seed(ctx context.Context, threadID string, rec state.Record) (*checkpoint.Checkpoint, error) {
	if !e.Persistent() {
		return nil, types.NewError(types.ErrInvalidState, "cannot seed thread").WithCause(ErrNotPersisted)
	}
	_, err := e.store.Latest(ctx, threadID, e.cfg.Namespace)
	if err == nil {
		return nil, types.Errorf(types.ErrAlreadyExists, "thread %s already exists", threadID)
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, storeError("load checkpoint", err, rec.SessionID)
	}
	cp := &checkpoint.Checkpoint{
		ThreadID:  threadID,
		Namespace: e.cfg.Namespace,
		ID:        checkpoint.NewID(),
		Step:      1,
		Node:      "",
		Record:    rec.Clone(),
		Metadata:  map[string]any{"source": "seed"},
		CreatedAt: e.now(),
	}
	if err := e.store.Put(ctx, cp); err != nil {
		return nil, storeError("write checkpoint", err, rec.SessionID)
	}
	return cp, nil
}

// Commit applies an external update to the latest checkpoint of an idle
// thread and persists the result as a manual checkpoint. The stored next
// stage is kept.
func (e *Engine) Commit(ctx context.Context, threadID string, u state.Update, source string) (*checkpoint.Checkpoint, error) {
	if !e.Persistent() {
		return nil, types.NewError(types.ErrInvalidState, "cannot update thread").WithCause(ErrNotPersisted)
	}
	if e.Active(threadID) {
		return nil, types.NewError(types.ErrInvalidState, "cannot update thread").WithCause(ErrRunInProgress)
	}
	latest, err := e.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	cp := &checkpoint.Checkpoint{
		ThreadID:  threadID,
		Namespace: e.cfg.Namespace,
		ID:        checkpoint.NewID(),
		ParentID:  latest.ID,
		Step:      latest.Step + 1,
		Node:      latest.Node,
		NextNode:  latest.NextNode,
		Record:    state.Apply(latest.Record, u, e.now()),
		Metadata:  map[string]any{"source": "manual", "operation": source},
		CreatedAt: e.now(),
	}
	err = e.store.Put(ctx, cp)
	e.metrics.RecordCheckpoint(source, err)
	if err != nil {
		return nil, storeError("write checkpoint", err, latest.Record.SessionID)
	}
	return cp, nil
}

func (e *Engine) runKey(threadID, sessionID string) string {
	if threadID == checkpoint.StatelessThreadID {
		return threadID + "/" + sessionID
	}
	return threadID
}

func (e *Engine) begin(key string) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[key]; ok {
		return nil, ErrRunInProgress
	}
	h := &activeRun{}
	e.active[key] = h
	return h, nil
}

// finish releases key if h still owns it. It is a no-op once settle has
// released the run.
func (e *Engine) finish(key string, h *activeRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[key] == h {
		delete(e.active, key)
	}
}

// release removes the active entry of r unless interrupts are pending, in
// which case it drains and returns them and keeps the entry.
func (e *Engine) release(r *run) []state.Interaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if its := r.handle.interrupts; len(its) > 0 {
		r.handle.interrupts = nil
		return its
	}
	if e.active[r.key] == r.handle {
		delete(e.active, r.key)
	}
	return nil
}

// settle records interrupts that arrived after the last stage boundary and
// then releases the thread. It reports whether any were recorded; the run
// is then suspended at r.stage.
func (e *Engine) settle(ctx context.Context, r *run) (bool, error) {
	late := false
	for {
		its := e.release(r)
		if len(its) == 0 {
			return late, nil
		}
		late = true
		r.record = state.Apply(r.record, state.Update{
			RequiresApproval: state.Ptr(true),
			Interactions:     its,
		}, e.now())
		if err := e.persist(ctx, r, r.stage, true); err != nil {
			return late, err
		}
	}
}

// takeInterrupts drains pending interrupt requests of r.
func (e *Engine) takeInterrupts(r *run) []state.Interaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := r.handle.interrupts
	r.handle.interrupts = nil
	return out
}

// drive runs stages until the record completes or suspends.
func (e *Engine) drive(ctx context.Context, r *run) (*Outcome, error) {
	ctx = ctxkeys.WithRunID(ctx, r.id)
	for r.stage != StageEnd {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if its := e.takeInterrupts(r); len(its) > 0 {
			r.record = state.Apply(r.record, state.Update{
				RequiresApproval: state.Ptr(true),
				Interactions:     its,
			}, e.now())
		}
		if r.record.RequiresApproval {
			return e.suspend(ctx, r, r.stage)
		}

		stage := r.stage
		res := e.runStage(ctx, r, stage)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.lastNode = stage

		next := Next(stage, r.record)
		if r.record.RequiresApproval {
			if res.resumeAt != "" {
				next = res.resumeAt
			}
			r.stage = next
			return e.suspend(ctx, r, next)
		}
		if err := e.persist(ctx, r, next, next == StageEnd); err != nil {
			return nil, err
		}
		r.stage = next
	}

	late, err := e.settle(ctx, r)
	if err != nil {
		return nil, err
	}
	if late {
		return e.suspended(r, StageEnd), nil
	}
	e.emit(r, EventFinalResult, StageEnd, map[string]any{
		"final_response": r.record.FinalResponse,
		"success_rate":   r.record.SuccessRate,
		"error":          r.record.Error,
	})
	e.logger.Info("run completed",
		zap.String("run_id", r.id),
		zap.String("thread_id", r.threadID),
		zap.Int("completed", r.record.CompletedCount),
		zap.Int("failed", r.record.FailedCount))
	return e.outcome(r, false), nil
}

func (e *Engine) suspend(ctx context.Context, r *run, next Stage) (*Outcome, error) {
	if err := e.persist(ctx, r, next, true); err != nil {
		return nil, err
	}
	if _, err := e.settle(ctx, r); err != nil {
		return nil, err
	}
	return e.suspended(r, next), nil
}

func (e *Engine) suspended(r *run, next Stage) *Outcome {
	e.metrics.RecordSuspension(string(next))
	e.emit(r, EventExecutionUpdated, next, map[string]any{
		"suspended":  true,
		"next_stage": string(next),
	})
	e.logger.Info("run suspended for approval",
		zap.String("run_id", r.id),
		zap.String("thread_id", r.threadID),
		zap.String("next_stage", string(next)))
	return e.outcome(r, true)
}

func (e *Engine) outcome(r *run, suspended bool) *Outcome {
	out := &Outcome{
		ThreadID:  r.threadID,
		Record:    r.record,
		Suspended: suspended,
		NextStage: r.stage,
	}
	if e.Persistent() {
		out.CheckpointID = r.parentID
	}
	return out
}

// persist writes a checkpoint after r.lastNode when the strategy allows it
// or force is set. Stateless units never write.
func (e *Engine) persist(ctx context.Context, r *run, next Stage, force bool) error {
	unit := e.cfg.UnitID
	if !e.strategy.Persistent(unit) {
		return nil
	}
	node := string(r.lastNode)
	if !force {
		var elapsed time.Duration
		if !r.lastWrite.IsZero() {
			elapsed = e.now().Sub(r.lastWrite)
		}
		if !e.strategy.ShouldCheckpoint(unit, r.threadID, node, elapsed) {
			return nil
		}
	}
	now := e.now()
	cp := &checkpoint.Checkpoint{
		ThreadID:  r.threadID,
		Namespace: e.cfg.Namespace,
		ID:        checkpoint.NewID(),
		ParentID:  r.parentID,
		Step:      r.step + 1,
		Node:      node,
		NextNode:  nextNode(next),
		Record:    r.record.Clone(),
		Metadata:  map[string]any{"run_id": r.id},
		CreatedAt: now,
	}
	err := e.store.Put(ctx, cp)
	e.metrics.RecordCheckpoint(node, err)
	if err != nil {
		e.emit(r, EventError, r.lastNode, map[string]any{"error": err.Error()})
		return storeError("write checkpoint", err, r.record.SessionID)
	}
	r.parentID = cp.ID
	r.step = cp.Step
	r.lastWrite = now
	return nil
}

// runStage executes one node, applies its update and records telemetry.
func (e *Engine) runStage(ctx context.Context, r *run, stage Stage) nodeResult {
	ctx, span := e.tracer.Start(ctx, "pipeline."+string(stage), trace.WithAttributes(
		attribute.String("layerflow.session_id", r.record.SessionID),
		attribute.String("layerflow.thread_id", r.threadID),
		attribute.String("layerflow.stage", string(stage)),
	))
	defer span.End()

	e.emit(r, EventStageStarted, stage, nil)
	start := time.Now()

	var res nodeResult
	switch stage {
	case StagePlan:
		res = e.planNode(ctx, r)
	case StageBreakdown:
		res = e.breakdownNode(ctx, r)
	case StageExecute:
		res = e.executeNode(ctx, r)
	case StageRespond:
		res = e.respondNode(ctx, r)
	}
	dur := time.Since(start)

	action := "completed"
	if res.err != nil {
		action = "failed"
	}
	res.update.Actions = append(res.update.Actions, state.ActionEntry{
		Node:     string(stage),
		Action:   action,
		Summary:  res.summary,
		Metadata: map[string]any{"run_id": r.id, "duration_ms": dur.Milliseconds()},
	})
	r.record = state.Apply(r.record, res.update, e.now())

	e.metrics.RecordStage(string(stage), res.err, dur)
	for _, o := range e.observers {
		o(ctx, stage, res.err, dur)
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		e.emit(r, EventError, stage, map[string]any{"error": res.err.Error()})
		e.logger.Warn("stage failed",
			zap.String("run_id", r.id),
			zap.String("stage", string(stage)),
			zap.Error(res.err))
	}
	if res.update.Plan != nil || res.update.Goal != nil {
		e.emit(r, EventPlanUpdated, stage, map[string]any{
			"goal": r.record.Goal,
			"plan": r.record.Plan,
		})
	}
	if len(res.update.Tasks) > 0 || len(res.update.TaskOrder) > 0 {
		e.emit(r, EventTasksUpdated, stage, map[string]any{"tasks": r.record.Tasks})
	}
	e.emit(r, EventStageCompleted, stage, map[string]any{
		"summary":     res.summary,
		"duration_ms": dur.Milliseconds(),
	})
	return res
}

func (e *Engine) emit(r *run, t EventType, stage Stage, payload map[string]any) {
	e.emitter.Emit(Event{
		Type:      t,
		SessionID: r.record.SessionID,
		ThreadID:  r.threadID,
		Stage:     stage,
		Payload:   payload,
		Timestamp: e.now(),
	})
}

// reason calls a reasoner and records the request metrics.
func (e *Engine) reason(ctx context.Context, rs reasoner.Reasoner, req reasoner.Request) (reasoner.Result, error) {
	if id, ok := ctxkeys.RunID(ctx); ok {
		e.logger.Debug("reasoner call", zap.String("run_id", id), zap.String("kind", string(req.Kind)))
	}
	start := time.Now()
	res, err := rs.Reason(ctx, req)
	e.metrics.RecordReasonerRequest(string(req.Kind), err, time.Since(start))
	return res, err
}

func storeError(op string, err error, sessionID string) error {
	return types.NewError(types.ErrStoreUnavailable, op).WithCause(err).WithRetryable(true).WithSession(sessionID)
}
