package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/types"
)

var (
	// ErrDuplicateUnit is returned when registering an existing id without override.
	ErrDuplicateUnit = errors.New("unit already registered")
	// ErrUnitNotFound is returned for operations on an unknown unit id.
	ErrUnitNotFound = errors.New("unit not found")
)

// Metadata describes an executable unit and what it can do.
type Metadata struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description,omitempty"`
	PrimaryCapabilities   []string `json:"primary_capabilities"`
	SecondaryCapabilities []string `json:"secondary_capabilities,omitempty"`
	// Priority is the unit's tier; higher is preferred.
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`

	// Executor runs tasks routed to this unit. Units without one are
	// served by the engine's default reasoner.
	Executor reasoner.Reasoner `json:"-"`
}

// HasCapability reports whether capability is primary or secondary for m.
func (m Metadata) HasCapability(capability string) (primary, ok bool) {
	if slices.Contains(m.PrimaryCapabilities, capability) {
		return true, true
	}
	return false, slices.Contains(m.SecondaryCapabilities, capability)
}

// Config holds the scoring weights.
type Config struct {
	PrimaryBonus    float64 `yaml:"primary_bonus" json:"primary_bonus"`
	SecondaryBonus  float64 `yaml:"secondary_bonus" json:"secondary_bonus"`
	PriorityWeight  float64 `yaml:"priority_weight" json:"priority_weight"`
	PreferenceBonus float64 `yaml:"preference_bonus" json:"preference_bonus"`
	HistoryWeight   float64 `yaml:"history_weight" json:"history_weight"`
}

// DefaultConfig returns the default weights.
func DefaultConfig() Config {
	return Config{
		PrimaryBonus:    1.0,
		SecondaryBonus:  0.5,
		PriorityWeight:  0.1,
		PreferenceBonus: 0.5,
		HistoryWeight:   0.3,
	}
}

// SelectionContext carries caller preferences into SelectBest.
type SelectionContext struct {
	PreferredUnits []string
}

type entry struct {
	meta    Metadata
	seq     int
	success int
	failure int
}

// successRate is Laplace smoothed so unseen units score 0.5.
func (e *entry) successRate() float64 {
	return float64(e.success+1) / float64(e.success+e.failure+2)
}

// Registry is the catalog of executable units. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	cfg     Config
	units   map[string]*entry
	nextSeq int
	cache   map[string][]string
	logger  *zap.Logger
}

// New creates an empty registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		units:  make(map[string]*entry),
		cache:  make(map[string][]string),
		logger: logger.With(zap.String("component", "unit_registry")),
	}
}

// Register adds a unit. An existing id is rejected with ErrDuplicateUnit
// unless override is set; an overridden unit keeps its registration order
// and history.
func (r *Registry) Register(meta Metadata, override bool) error {
	if meta.ID == "" {
		return types.NewError(types.ErrValidation, "unit id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.units[meta.ID]; ok {
		if !override {
			return fmt.Errorf("%w: %s", ErrDuplicateUnit, meta.ID)
		}
		existing.meta = meta
	} else {
		r.units[meta.ID] = &entry{meta: meta, seq: r.nextSeq}
		r.nextSeq++
	}
	clear(r.cache)

	r.logger.Debug("unit registered",
		zap.String("unit_id", meta.ID),
		zap.Strings("primary", meta.PrimaryCapabilities),
		zap.Bool("override", override),
	)
	return nil
}

// RegisterAll registers every unit, stopping at the first error.
func (r *Registry) RegisterAll(units []Metadata, override bool) error {
	for _, u := range units {
		if err := r.Register(u, override); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the unit's metadata.
func (r *Registry) Get(id string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.units[id]
	if !ok {
		return Metadata{}, false
	}
	return e.meta, true
}

// Units returns all units in registration order.
func (r *Registry) Units() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.units))
	for _, e := range r.ordered() {
		out = append(out, e.meta)
	}
	return out
}

func (r *Registry) ordered() []*entry {
	list := make([]*entry, 0, len(r.units))
	for _, e := range r.units {
		list = append(list, e)
	}
	slices.SortFunc(list, func(a, b *entry) int { return a.seq - b.seq })
	return list
}

// FindUnitsFor returns the ids of units advertising capability, in
// registration order.
func (r *Registry) FindUnitsFor(capability string) []string {
	r.mu.RLock()
	if ids, ok := r.cache[capability]; ok {
		r.mu.RUnlock()
		return slices.Clone(ids)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if ids, ok := r.cache[capability]; ok {
		return slices.Clone(ids)
	}
	ids := []string{}
	for _, e := range r.ordered() {
		if _, ok := e.meta.HasCapability(capability); ok {
			ids = append(ids, e.meta.ID)
		}
	}
	r.cache[capability] = ids
	return slices.Clone(ids)
}

// SelectBest picks the highest scoring unit for capability. A single
// candidate is returned without scoring. Ties go to the higher priority,
// then to the earlier registration.
func (r *Registry) SelectBest(capability string, sc SelectionContext) (string, bool) {
	candidates := r.FindUnitsFor(capability)
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best      *entry
		bestScore float64
	)
	for _, id := range candidates {
		e, ok := r.units[id]
		if !ok {
			continue
		}
		score := r.score(e, capability, sc)
		if best == nil || score > bestScore ||
			(score == bestScore && e.meta.Priority > best.meta.Priority) {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return "", false
	}
	return best.meta.ID, true
}

// Score exposes the scoring function for a registered unit.
func (r *Registry) Score(unitID, capability string, sc SelectionContext) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.units[unitID]
	if !ok {
		return 0, false
	}
	return r.score(e, capability, sc), true
}

func (r *Registry) score(e *entry, capability string, sc SelectionContext) float64 {
	primary, _ := e.meta.HasCapability(capability)
	s := r.cfg.SecondaryBonus
	if primary {
		s = r.cfg.PrimaryBonus
	}
	s += float64(e.meta.Priority) * r.cfg.PriorityWeight
	if slices.Contains(sc.PreferredUnits, e.meta.ID) {
		s += r.cfg.PreferenceBonus
	}
	s += e.successRate() * r.cfg.HistoryWeight
	return s
}

// RecordOutcome feeds a task result into the unit's success history.
func (r *Registry) RecordOutcome(unitID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	if success {
		e.success++
	} else {
		e.failure++
	}
	return nil
}

// ValidateAllDependencies returns, per unit, the declared dependencies
// that are not registered. Units with none missing are omitted.
func (r *Registry) ValidateAllDependencies() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	missing := make(map[string][]string)
	for id, e := range r.units {
		for _, dep := range e.meta.Dependencies {
			if _, ok := r.units[dep]; !ok {
				missing[id] = append(missing[id], dep)
			}
		}
	}
	return missing
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// Reset removes every unit. Intended for test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.units)
	clear(r.cache)
	r.nextSeq = 0
}
