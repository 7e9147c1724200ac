package state

import "time"

// Update is a partial update returned by a pipeline node or a session
// operation. Nil fields are left untouched; list fields are merged by
// their reducer, never replaced.
type Update struct {
	Query        *string
	OutputFormat *string

	Goal                  *string
	Plan                  map[string]any
	PlanRequiresBreakdown *bool

	Tasks     []TaskPatch
	TaskOrder []string

	Results        map[string]any
	CompletedCount *int
	FailedCount    *int
	SkippedCount   *int
	SuccessRate    *float64

	RequiresApproval              *bool
	ApprovalGranted               *bool
	ApprovalResponse              any
	Error                         *string
	BreakdownRequestedByExecution *bool
	BreakdownRequestedByUser      *bool

	FinalResponse *string

	Actions       []ActionEntry
	PlanRevisions []PlanRevision
	Interactions  []Interaction
}

// Ptr returns a pointer to v. Handy for filling Update fields.
func Ptr[T any](v T) *T { return &v }

// Merge folds b into a. Scalar fields set in b win; list fields are
// concatenated in order.
func (a Update) Merge(b Update) Update {
	out := a
	setIf(&out.Query, b.Query)
	setIf(&out.OutputFormat, b.OutputFormat)
	setIf(&out.Goal, b.Goal)
	if b.Plan != nil {
		out.Plan = b.Plan
	}
	setIf(&out.PlanRequiresBreakdown, b.PlanRequiresBreakdown)
	out.Tasks = append(append([]TaskPatch(nil), a.Tasks...), b.Tasks...)
	if b.TaskOrder != nil {
		out.TaskOrder = b.TaskOrder
	}
	out.Results = MergeMap[string, any]()(a.Results, b.Results)
	setIf(&out.CompletedCount, b.CompletedCount)
	setIf(&out.FailedCount, b.FailedCount)
	setIf(&out.SkippedCount, b.SkippedCount)
	setIf(&out.SuccessRate, b.SuccessRate)
	setIf(&out.RequiresApproval, b.RequiresApproval)
	setIf(&out.ApprovalGranted, b.ApprovalGranted)
	if b.ApprovalResponse != nil {
		out.ApprovalResponse = b.ApprovalResponse
	}
	setIf(&out.Error, b.Error)
	setIf(&out.BreakdownRequestedByExecution, b.BreakdownRequestedByExecution)
	setIf(&out.BreakdownRequestedByUser, b.BreakdownRequestedByUser)
	setIf(&out.FinalResponse, b.FinalResponse)
	out.Actions = append(append([]ActionEntry(nil), a.Actions...), b.Actions...)
	out.PlanRevisions = append(append([]PlanRevision(nil), a.PlanRevisions...), b.PlanRevisions...)
	out.Interactions = append(append([]Interaction(nil), a.Interactions...), b.Interactions...)
	return out
}

func setIf[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

func apply[T any](dst *T, src *T, r Reducer[T]) {
	if src != nil {
		*dst = r(*dst, *src)
	}
}

// Apply merges u into a copy of r. The reducer for each field is chosen by
// the field, never by the caller.
func Apply(r Record, u Update, now time.Time) Record {
	out := r.Clone()

	apply(&out.Query, u.Query, LastValue[string]())
	apply(&out.OutputFormat, u.OutputFormat, LastValue[string]())
	apply(&out.Goal, u.Goal, LastValue[string]())
	if u.Plan != nil {
		out.Plan = LastValue[map[string]any]()(out.Plan, u.Plan)
	}
	apply(&out.PlanRequiresBreakdown, u.PlanRequiresBreakdown, LastValue[bool]())

	if len(u.Tasks) > 0 {
		out.Tasks = MergeTasks(out.Tasks, u.Tasks, now)
	}
	if len(u.TaskOrder) > 0 {
		out.Tasks = ReorderTasks(out.Tasks, u.TaskOrder, now)
	}

	if u.Results != nil {
		out.Results = MergeMap[string, any]()(out.Results, u.Results)
	}
	apply(&out.CompletedCount, u.CompletedCount, LastValue[int]())
	apply(&out.FailedCount, u.FailedCount, LastValue[int]())
	apply(&out.SkippedCount, u.SkippedCount, LastValue[int]())
	apply(&out.SuccessRate, u.SuccessRate, LastValue[float64]())

	apply(&out.RequiresApproval, u.RequiresApproval, LastValue[bool]())
	apply(&out.ApprovalGranted, u.ApprovalGranted, LastValue[bool]())
	if u.ApprovalResponse != nil {
		out.ApprovalResponse = u.ApprovalResponse
	}
	apply(&out.Error, u.Error, LastValue[string]())
	apply(&out.BreakdownRequestedByExecution, u.BreakdownRequestedByExecution, LastValue[bool]())
	apply(&out.BreakdownRequestedByUser, u.BreakdownRequestedByUser, LastValue[bool]())
	apply(&out.FinalResponse, u.FinalResponse, LastValue[string]())

	out.ActionHistory = AppendWithSequence(out.ActionHistory, u.Actions, now)
	out.PlanHistory = AppendPlanRevision(out.PlanHistory, u.PlanRevisions, now)
	out.UserInteractions = AppendWithSequence(out.UserInteractions, u.Interactions, now)
	return out
}

// Empty reports whether u would leave any record unchanged.
func (u Update) Empty() bool {
	return u.Query == nil && u.OutputFormat == nil && u.Goal == nil && u.Plan == nil &&
		u.PlanRequiresBreakdown == nil && len(u.Tasks) == 0 && len(u.TaskOrder) == 0 &&
		u.Results == nil && u.CompletedCount == nil && u.FailedCount == nil &&
		u.SkippedCount == nil && u.SuccessRate == nil && u.RequiresApproval == nil &&
		u.ApprovalGranted == nil && u.ApprovalResponse == nil && u.Error == nil &&
		u.BreakdownRequestedByExecution == nil && u.BreakdownRequestedByUser == nil &&
		u.FinalResponse == nil && len(u.Actions) == 0 && len(u.PlanRevisions) == 0 &&
		len(u.Interactions) == 0
}
