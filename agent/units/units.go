// Package units declares the built-in executable units.
package units

import (
	"context"
	"maps"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/agent/registry"
)

// Capability names used by the built-in units.
const (
	CapResearch  = "research"
	CapAnalyze   = "analyze"
	CapWrite     = "write"
	CapPlan      = "plan"
	CapSummarize = "summarize"
	CapReview    = "review"
)

type role struct {
	id, name, instructions string
	primary, secondary     []string
	priority               int
	deps                   []string
}

var roles = []role{
	{
		id:           "researcher",
		name:         "Researcher",
		instructions: "Collect facts relevant to the task and cite where they came from.",
		primary:      []string{CapResearch},
		secondary:    []string{CapSummarize},
		priority:     2,
	},
	{
		id:           "analyst",
		name:         "Analyst",
		instructions: "Examine the provided material and report findings with figures where possible.",
		primary:      []string{CapAnalyze},
		secondary:    []string{CapResearch, CapReview},
		priority:     2,
		deps:         []string{"researcher"},
	},
	{
		id:           "writer",
		name:         "Writer",
		instructions: "Produce clear prose for the requested output format.",
		primary:      []string{CapWrite, CapSummarize},
		secondary:    []string{CapReview},
		priority:     1,
	},
	{
		id:           "planner",
		name:         "Planner",
		instructions: "Break the request into concrete steps with dependencies.",
		primary:      []string{CapPlan},
		secondary:    []string{CapAnalyze},
		priority:     3,
	},
}

// executor forwards to a reasoner with the unit's identity and
// instructions added to the request context.
type executor struct {
	unitID       string
	instructions string
	next         reasoner.Reasoner
}

func (e executor) Reason(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
	c := make(map[string]any, len(req.Context)+1)
	maps.Copy(c, req.Context)
	c["unit_instructions"] = e.instructions
	req.Context = c
	req.UnitID = e.unitID
	return e.next.Reason(ctx, req)
}

// Builtin returns the built-in unit catalog, each unit executing through r.
func Builtin(r reasoner.Reasoner) []registry.Metadata {
	out := make([]registry.Metadata, 0, len(roles))
	for _, ro := range roles {
		out = append(out, registry.Metadata{
			ID:                    ro.id,
			Name:                  ro.name,
			Description:           ro.instructions,
			PrimaryCapabilities:   ro.primary,
			SecondaryCapabilities: ro.secondary,
			Priority:              ro.priority,
			Dependencies:          ro.deps,
			Executor:              executor{unitID: ro.id, instructions: ro.instructions, next: r},
		})
	}
	return out
}

// Register adds the built-in units to reg.
func Register(reg *registry.Registry, r reasoner.Reasoner) error {
	return reg.RegisterAll(Builtin(r), false)
}
