package session

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/internal/ctxkeys"
	"github.com/BaSui01/layerflow/types"
	"github.com/BaSui01/layerflow/workflow/checkpoint"
	"github.com/BaSui01/layerflow/workflow/pipeline"
	"github.com/BaSui01/layerflow/workflow/state"
)

// Status is derived from the latest checkpoint, never stored.
type Status string

const (
	StatusWaitingHuman Status = "waiting_human"
	StatusError        Status = "error"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
)

// Filter narrows ListSessions. Empty fields match everything.
type Filter struct {
	UserID string
	Status Status
}

// Summary is one entry of ListSessions.
type Summary struct {
	Session
	Status    Status `json:"status"`
	TaskCount int    `json:"task_count"`
	Query     string `json:"query,omitempty"`
}

// SubmitOptions tunes Submit.
type SubmitOptions struct {
	OutputFormat     string
	RequestBreakdown bool
}

// ResumeInput answers an approval suspension.
type ResumeInput = pipeline.ResumeInput

const maxTitleLen = 80

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLocker sets the per-thread lock taken around mutating calls.
func WithLocker(l Locker) ManagerOption { return func(m *Manager) { m.locker = l } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ManagerOption { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now for session timestamps.
func WithClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.now = now } }

// Manager maps conversations to pipeline threads and exposes the
// session and task operations of the external API layer.
type Manager struct {
	engine *pipeline.Engine
	store  Store
	locker Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a Manager. Without WithLocker no locking is done.
func NewManager(engine *pipeline.Engine, store Store, opts ...ManagerOption) (*Manager, error) {
	if engine == nil {
		return nil, types.NewError(types.ErrValidation, "engine is required")
	}
	if store == nil {
		return nil, types.NewError(types.ErrValidation, "session store is required")
	}
	m := &Manager{engine: engine, store: store, locker: NopLocker{}, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "session_manager"))
	return m, nil
}

// Engine returns the pipeline engine.
func (m *Manager) Engine() *pipeline.Engine { return m.engine }

// CreateSession starts a new thread with an empty record and returns its
// thread id.
func (m *Manager) CreateSession(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		userID, _ = ctxkeys.UserID(ctx)
	}
	sessionID := uuid.NewString()
	threadID := m.engine.ThreadID(sessionID)

	rec := state.New(sessionID, "")
	rec.UserID = userID
	if _, err := m.engine.Seed(ctx, threadID, rec); err != nil {
		return "", err
	}
	now := m.now()
	err := m.store.Create(ctx, &Session{ID: threadID, UserID: userID, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		if derr := m.engine.Store().DeleteThread(ctx, threadID); derr != nil {
			m.logger.Warn("cleanup after failed session create", zap.String("thread_id", threadID), zap.Error(derr))
		}
		return "", metadataError("create session", err)
	}
	m.logger.Info("session created", zap.String("thread_id", threadID), zap.String("user_id", userID))
	return threadID, nil
}

// GetState loads the latest record of a thread with its derived status.
func (m *Manager) GetState(ctx context.Context, threadID string) (state.Record, Status, error) {
	cp, err := m.engine.Latest(ctx, threadID)
	if err != nil {
		return state.Record{}, "", err
	}
	return cp.Record, m.status(threadID, cp), nil
}

func (m *Manager) status(threadID string, cp *checkpoint.Checkpoint) Status {
	return DeriveStatus(cp.Record, cp.NextNode, m.engine.Active(threadID))
}

// DeriveStatus applies the status precedence: awaiting approval, then an
// error, then pending work, then completion.
func DeriveStatus(rec state.Record, nextNode string, active bool) Status {
	switch {
	case rec.RequiresApproval:
		return StatusWaitingHuman
	case rec.Error != "":
		return StatusError
	case nextNode != "" || active:
		return StatusInProgress
	default:
		return StatusCompleted
	}
}

// ListSessions returns the sessions matching f, most recently updated
// first.
func (m *Manager) ListSessions(ctx context.Context, f Filter) ([]Summary, error) {
	sessions, err := m.store.List(ctx, f.UserID)
	if err != nil {
		return nil, metadataError("list sessions", err)
	}
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		sum := Summary{Session: *s, Status: StatusCompleted}
		cp, err := m.engine.Latest(ctx, s.ID)
		switch {
		case err == nil:
			sum.Status = m.status(s.ID, cp)
			sum.TaskCount = len(cp.Record.Tasks)
			sum.Query = cp.Record.Query
		case types.IsErrorCode(err, types.ErrNotFound):
			m.logger.Warn("session has no checkpoints", zap.String("thread_id", s.ID))
		default:
			return nil, err
		}
		if f.Status != "" && sum.Status != f.Status {
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// DeleteSession removes the metadata and every checkpoint of a thread.
func (m *Manager) DeleteSession(ctx context.Context, threadID string) error {
	unlock, err := m.locker.Lock(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()

	if m.engine.Active(threadID) {
		return types.NewError(types.ErrInvalidState, "cannot delete session").WithCause(pipeline.ErrRunInProgress)
	}
	if err := m.engine.Store().DeleteThread(ctx, threadID); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "delete checkpoints").WithCause(err).WithRetryable(true)
	}
	if err := m.store.Delete(ctx, threadID); err != nil {
		return metadataError("delete session", err)
	}
	m.logger.Info("session deleted", zap.String("thread_id", threadID))
	return nil
}

// Submit runs the pipeline on a thread for a new user request.
func (m *Manager) Submit(ctx context.Context, threadID, query string, opts SubmitOptions) (*pipeline.Outcome, error) {
	if query == "" {
		return nil, types.NewError(types.ErrValidation, "query is required")
	}
	unlock, err := m.locker.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cp, err := m.engine.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	userID, _ := ctxkeys.UserID(ctx)
	out, err := m.engine.Run(ctx, pipeline.RunRequest{
		SessionID:        cp.Record.SessionID,
		ThreadID:         threadID,
		UserID:           userID,
		Query:            query,
		OutputFormat:     opts.OutputFormat,
		RequestBreakdown: opts.RequestBreakdown,
	})
	if err != nil {
		return nil, err
	}
	m.touch(ctx, threadID, query)
	return out, nil
}

// Resume continues a thread suspended for approval.
func (m *Manager) Resume(ctx context.Context, threadID string, in ResumeInput) (*pipeline.Outcome, error) {
	unlock, err := m.locker.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out, err := m.engine.Resume(ctx, threadID, in)
	if err != nil {
		return nil, err
	}
	m.touch(ctx, threadID, "")
	return out, nil
}

// Interrupt suspends a thread for human review. An active run is asked to
// stop at its next stage boundary; an idle thread is marked directly.
func (m *Manager) Interrupt(ctx context.Context, threadID, reason string) error {
	userID, _ := ctxkeys.UserID(ctx)
	it := state.Interaction{
		Type:    state.InteractionInterrupt,
		UserID:  userID,
		Payload: map[string]any{"reason": reason},
	}
	if m.engine.RequestInterrupt(threadID, it) {
		m.logger.Info("interrupt queued for active run", zap.String("thread_id", threadID))
		return nil
	}

	_, err := m.commit(ctx, threadID, "interrupt", func(state.Record) (state.Update, error) {
		return state.Update{
			RequiresApproval: state.Ptr(true),
			ApprovalGranted:  state.Ptr(false),
			Interactions:     []state.Interaction{it},
		}, nil
	})
	return err
}

// History returns up to limit checkpoints of a thread, newest first.
func (m *Manager) History(ctx context.Context, threadID string, limit int) ([]*checkpoint.Checkpoint, error) {
	cps, err := m.engine.Store().List(ctx, threadID, m.engine.Namespace(), limit)
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "list checkpoints").WithCause(err).WithRetryable(true)
	}
	return cps, nil
}

// commit applies build's update to the thread under its lock as a manual
// checkpoint.
func (m *Manager) commit(ctx context.Context, threadID, op string, build func(state.Record) (state.Update, error)) (*checkpoint.Checkpoint, error) {
	unlock, err := m.locker.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	latest, err := m.engine.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	u, err := build(latest.Record)
	if err != nil {
		return nil, err
	}
	cp, err := m.engine.Commit(ctx, threadID, u, op)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("thread updated",
		zap.String("thread_id", threadID),
		zap.String("operation", op),
		zap.Int("step", cp.Step))
	m.touch(ctx, threadID, "")
	return cp, nil
}

// touch bumps UpdatedAt and sets the title from the first query. Metadata
// failures are logged; the checkpoint is the source of truth.
func (m *Manager) touch(ctx context.Context, threadID, query string) {
	s, err := m.store.Get(ctx, threadID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("load session metadata", zap.String("thread_id", threadID), zap.Error(err))
		}
		return
	}
	if s.Title == "" && query != "" {
		s.Title = title(query)
	}
	s.UpdatedAt = m.now()
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("save session metadata", zap.String("thread_id", threadID), zap.Error(err))
	}
}

func title(query string) string {
	if utf8.RuneCountInString(query) <= maxTitleLen {
		return query
	}
	r := []rune(query)
	return string(r[:maxTitleLen-3]) + "..."
}

func metadataError(op string, err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return types.NewError(types.ErrNotFound, op).WithCause(err)
	case errors.Is(err, ErrSessionExists):
		return types.NewError(types.ErrAlreadyExists, op).WithCause(err)
	default:
		return types.NewError(types.ErrStoreUnavailable, op).WithCause(err).WithRetryable(true)
	}
}
