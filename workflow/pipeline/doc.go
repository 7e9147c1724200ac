/*
Package pipeline runs the layered plan, breakdown, execute and respond
stages over a checkpointed execution record.

# Flow

	plan ──(breakdown requested)──▶ breakdown ──▶ execute ──▶ respond ──▶ end
	  └──────────────(otherwise)──────────────────▶ execute

Each stage returns a partial state.Update that the engine merges with
state.Apply. After every stage the engine asks the checkpoint strategy
whether to snapshot; suspension and completion always snapshot unless the
unit's mode is none.

# Approval

A run suspends when RequiresApproval is set: by an interrupt request, by
tasks whose metadata carries requires_approval, or after execute when
Config.RequireApprovalAfterExecute is on. Resume re-enters at the stored
next stage. A rejecting response skips the gated tasks.

# Failures

Reasoning and task failures are recorded in the record's Error field and
the run continues. Store failures and context cancellation end the run
with an error and leave the last good checkpoint in place.
*/
package pipeline
