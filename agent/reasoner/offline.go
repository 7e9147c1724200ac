package reasoner

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// NewOffline returns a deterministic reasoner that needs no model. Plans
// are a research task followed by a writing task; execution echoes the
// task; the response lists the gathered results. It backs the "scripted"
// provider.
func NewOffline() *Scripted {
	return &Scripted{Fallback: offline}
}

func offline(ctx context.Context, req Request) (Result, error) {
	switch req.Kind {
	case KindPlan:
		return Result{Output: map[string]any{
			"goal": req.Description,
			"plan": map[string]any{"steps": []any{"research", "write"}},
			"tasks": []any{
				map[string]any{"id": "research", "task": "Research: " + req.Description, "capability": "research"},
				map[string]any{
					"id":         "write",
					"task":       "Write the answer",
					"capability": "write",
					"depends_on": []any{"research"},
				},
			},
		}}, nil
	case KindBreakdown:
		return Result{Output: map[string]any{"tasks": []any{}}}, nil
	case KindExecute:
		return Result{Output: map[string]any{
			"result":  fmt.Sprintf("%s: done", req.Description),
			"summary": "completed offline",
		}}, nil
	case KindRespond:
		results, _ := req.Context["results"].(map[string]any)
		var b strings.Builder
		fmt.Fprintf(&b, "Answer to %q.", req.Description)
		for _, id := range slices.Sorted(maps.Keys(results)) {
			fmt.Fprintf(&b, "\n- %s: %v", id, results[id])
		}
		return Result{Text: b.String()}, nil
	}
	return Result{}, fmt.Errorf("offline reasoner cannot handle %s", req.Kind)
}
