package state

import (
	"maps"
	"slices"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskSkipped:
		return true
	}
	return false
}

// Terminal reports whether the task has finished, successfully or not.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Task is one item of the record's task list.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"task"`
	AgentID     string         `json:"agent_id,omitempty"`
	Capability  string         `json:"capability,omitempty"`
	Priority    int            `json:"priority"`
	Status      TaskStatus     `json:"status"`
	Step        int            `json:"step"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (t Task) clone() Task {
	t.DependsOn = slices.Clone(t.DependsOn)
	t.Metadata = maps.Clone(t.Metadata)
	return t
}

// ActionEntry records one node execution or task transition.
type ActionEntry struct {
	Step      int            `json:"step"`
	Node      string         `json:"node"`
	Action    string         `json:"action"`
	Summary   string         `json:"summary,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PlanRevision records one version of the plan.
type PlanRevision struct {
	Version    int            `json:"version"`
	Plan       map[string]any `json:"plan"`
	Reason     string         `json:"reason"`
	ModifiedBy string         `json:"modified_by"`
	Timestamp  time.Time      `json:"timestamp"`
}

// InteractionType names an externally triggered mutation.
type InteractionType string

const (
	InteractionInterrupt     InteractionType = "interrupt"
	InteractionTaskAdd       InteractionType = "task_add"
	InteractionTaskUpdate    InteractionType = "task_update"
	InteractionTaskDelete    InteractionType = "task_delete"
	InteractionTaskReorder   InteractionType = "task_reorder"
	InteractionTaskRetry     InteractionType = "task_retry"
	InteractionAgentReassign InteractionType = "agent_reassign"
	InteractionResume        InteractionType = "resume"
	InteractionBreakdown     InteractionType = "breakdown_request"
)

// Interaction records one externally triggered mutation of the record.
type Interaction struct {
	Sequence  int             `json:"sequence"`
	Type      InteractionType `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Record is the execution record threaded through the pipeline.
type Record struct {
	Query        string `json:"query"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`

	Goal                  string         `json:"goal,omitempty"`
	Plan                  map[string]any `json:"plan,omitempty"`
	PlanRequiresBreakdown bool           `json:"plan_requires_breakdown"`

	Tasks []Task `json:"tasks"`

	Results        map[string]any `json:"results,omitempty"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	SkippedCount   int            `json:"skipped_count"`
	SuccessRate    float64        `json:"success_rate"`

	RequiresApproval              bool   `json:"requires_approval"`
	ApprovalGranted               bool   `json:"approval_granted"`
	ApprovalResponse              any    `json:"approval_response,omitempty"`
	Error                         string `json:"error,omitempty"`
	BreakdownRequestedByExecution bool   `json:"breakdown_requested_by_execution"`
	BreakdownRequestedByUser      bool   `json:"breakdown_requested_by_user"`

	FinalResponse string `json:"final_response,omitempty"`

	ActionHistory    []ActionEntry  `json:"action_history"`
	PlanHistory      []PlanRevision `json:"plan_history"`
	UserInteractions []Interaction  `json:"user_interactions"`
}

// New returns an empty record for a session and query.
func New(sessionID, query string) Record {
	return Record{SessionID: sessionID, Query: query}
}

// Clone returns a copy that shares no mutable containers with r.
func (r Record) Clone() Record {
	out := r
	out.Plan = maps.Clone(r.Plan)
	out.Results = maps.Clone(r.Results)
	if r.Tasks != nil {
		out.Tasks = make([]Task, len(r.Tasks))
		for i, t := range r.Tasks {
			out.Tasks[i] = t.clone()
		}
	}
	out.ActionHistory = slices.Clone(r.ActionHistory)
	out.PlanHistory = slices.Clone(r.PlanHistory)
	out.UserInteractions = slices.Clone(r.UserInteractions)
	return out
}

// Task returns the task with the given id.
func (r Record) Task(id string) (Task, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// BreakdownRequested reports whether any routing flag asks for a breakdown pass.
func (r Record) BreakdownRequested() bool {
	return r.PlanRequiresBreakdown || r.BreakdownRequestedByUser || r.BreakdownRequestedByExecution
}

// TasksWithStatus returns the tasks currently in one of the given statuses.
func (r Record) TasksWithStatus(statuses ...TaskStatus) []Task {
	var out []Task
	for _, t := range r.Tasks {
		if slices.Contains(statuses, t.Status) {
			out = append(out, t)
		}
	}
	return out
}
