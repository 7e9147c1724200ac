package pipeline

import (
	"fmt"

	"github.com/BaSui01/layerflow/workflow/state"
)

// Stage is a node of the layered pipeline.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageBreakdown Stage = "breakdown"
	StageExecute   Stage = "execute"
	StageRespond   Stage = "respond"
	// StageEnd is the terminal marker. It is never executed.
	StageEnd Stage = "end"
)

// Stages lists the executable stages in pipeline order.
var Stages = []Stage{StagePlan, StageBreakdown, StageExecute, StageRespond}

// ParseStage maps a checkpoint's next-node field back to a stage.
// The empty string means the run already finished.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case "", StageEnd:
		return StageEnd, nil
	case StagePlan, StageBreakdown, StageExecute, StageRespond:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Next returns the stage that follows stage for the given record. Only the
// plan stage branches: it goes to breakdown when any breakdown flag is set.
func Next(stage Stage, rec state.Record) Stage {
	switch stage {
	case StagePlan:
		if rec.BreakdownRequested() {
			return StageBreakdown
		}
		return StageExecute
	case StageBreakdown:
		return StageExecute
	case StageExecute:
		return StageRespond
	default:
		return StageEnd
	}
}

// nextNode is the checkpoint encoding of a stage.
func nextNode(s Stage) string {
	if s == StageEnd {
		return ""
	}
	return string(s)
}
