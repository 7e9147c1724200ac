package pipeline

import (
	"strings"

	"github.com/BaSui01/layerflow/workflow/state"
)

// Task metadata keys that gate execution on a human decision.
const (
	MetaRequiresApproval = "requires_approval"
	MetaApproved         = "approved"
	metaAwaiting         = "awaiting_approval"
)

// gated reports whether t may not run until approved.
func gated(t state.Task) bool {
	return asBool(t.Metadata[MetaRequiresApproval]) && !asBool(t.Metadata[MetaApproved])
}

// rejects reports whether a resume response declines the pending work.
func rejects(resp any) bool {
	switch v := resp.(type) {
	case bool:
		return !v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "reject", "rejected", "no", "deny", "denied":
			return true
		}
	case map[string]any:
		if a, ok := v["approved"]; ok {
			b, isBool := a.(bool)
			return isBool && !b
		}
	}
	return false
}

// approvalPatches settles the tasks an execute stage suspended on.
// Approved tasks become runnable; rejected ones are skipped.
func approvalPatches(rec state.Record, approved bool) []state.TaskPatch {
	var out []state.TaskPatch
	for _, t := range rec.Tasks {
		if t.Status.Terminal() || !asBool(t.Metadata[metaAwaiting]) {
			continue
		}
		if approved {
			out = append(out, state.TaskPatch{
				ID:       t.ID,
				Metadata: map[string]any{MetaApproved: true, metaAwaiting: false},
			})
			continue
		}
		out = append(out, state.TaskPatch{
			ID:       t.ID,
			Status:   state.Ptr(state.TaskSkipped),
			Error:    state.Ptr("rejected at approval"),
			Metadata: map[string]any{metaAwaiting: false},
		})
	}
	return out
}
