package reasoner

import (
	"context"
	"fmt"
)

// Kind names the pipeline step a request is issued from.
type Kind string

const (
	KindPlan      Kind = "plan"
	KindBreakdown Kind = "breakdown"
	KindExecute   Kind = "execute"
	KindRespond   Kind = "respond"
)

// Request is one call to a reasoning service.
type Request struct {
	Kind        Kind           `json:"kind"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	UnitID      string         `json:"unit_id,omitempty"`
}

// Result is the structured answer. Output holds the decoded JSON object
// when the service produced one; Text always holds the raw answer.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
	Text   string         `json:"text"`
}

// Value returns Output[key], or nil.
func (r Result) Value(key string) any {
	if r.Output == nil {
		return nil
	}
	return r.Output[key]
}

// Reasoner maps a task description and context to a structured result.
type Reasoner interface {
	Reason(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Reasoner.
type Func func(ctx context.Context, req Request) (Result, error)

// Reason calls f.
func (f Func) Reason(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Scripted answers from a fixed table keyed by Kind. It backs the offline
// provider and tests.
type Scripted struct {
	ByKind map[Kind]Result
	// Fallback handles kinds missing from ByKind.
	Fallback Func
}

// Reason returns the scripted result for req.Kind.
func (s *Scripted) Reason(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if r, ok := s.ByKind[req.Kind]; ok {
		return r, nil
	}
	if s.Fallback != nil {
		return s.Fallback(ctx, req)
	}
	return Result{}, fmt.Errorf("no scripted result for %s", req.Kind)
}
