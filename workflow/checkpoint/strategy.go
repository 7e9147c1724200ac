package checkpoint

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Mode decides when a unit of work is snapshotted.
type Mode string

const (
	// ModeNone never snapshots.
	ModeNone Mode = "none"
	// ModeManual snapshots only when Request was called.
	ModeManual Mode = "manual"
	// ModeAuto snapshots after every node.
	ModeAuto Mode = "auto"
	// ModePeriodic snapshots at most once per Interval.
	ModePeriodic Mode = "periodic"
	// ModeOnComplete snapshots only at a terminal node.
	ModeOnComplete Mode = "on_complete"
)

// StatelessThreadID is the shared thread used by units in ModeNone.
const StatelessThreadID = "stateless"

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeNone, ModeManual, ModeAuto, ModePeriodic, ModeOnComplete:
		return m, nil
	}
	return "", fmt.Errorf("unknown checkpoint mode %q", s)
}

// Policy is the checkpoint configuration of one unit.
type Policy struct {
	Mode          Mode          `yaml:"mode" json:"mode"`
	Interval      time.Duration `yaml:"interval" json:"interval"`
	TerminalNodes []string      `yaml:"terminal_nodes" json:"terminal_nodes"`
}

// Strategy answers whether a unit should be snapshotted now.
// Units without an explicit policy use the default policy.
type Strategy struct {
	mu        sync.Mutex
	defaults  Policy
	policies  map[string]Policy
	last      map[string]time.Time // by unit and thread
	requested map[string]bool
	now       func() time.Time
}

// NewStrategy creates a strategy with the given default policy.
func NewStrategy(defaults Policy) *Strategy {
	if defaults.Mode == "" {
		defaults.Mode = ModeAuto
	}
	return &Strategy{
		defaults:  defaults,
		policies:  make(map[string]Policy),
		last:      make(map[string]time.Time),
		requested: make(map[string]bool),
		now:       time.Now,
	}
}

// Configure sets the policy of a unit.
func (s *Strategy) Configure(unitID string, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[unitID] = p
}

// Policy returns the effective policy of a unit.
func (s *Strategy) Policy(unitID string) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policyLocked(unitID)
}

func (s *Strategy) policyLocked(unitID string) Policy {
	if p, ok := s.policies[unitID]; ok {
		return p
	}
	return s.defaults
}

// Request asks for a snapshot of a manual unit at its next decision point.
func (s *Strategy) Request(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested[unitID] = true
}

// ShouldCheckpoint reports whether unitID should be snapshotted on threadID
// after currentNode.
//
// In periodic mode the time since the last snapshot this strategy approved
// for the same unit and thread is compared with the interval; before any
// approval the caller's elapsedSinceLast is used, and zero means never. A
// true answer records the current time as the last snapshot of that
// thread. A manual request is consumed by the call that honours it.
func (s *Strategy) ShouldCheckpoint(unitID, threadID, currentNode string, elapsedSinceLast time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.policyLocked(unitID)
	switch p.Mode {
	case ModeNone:
		return false
	case ModeAuto:
		return true
	case ModeManual:
		if s.requested[unitID] {
			delete(s.requested, unitID)
			return true
		}
		return false
	case ModeOnComplete:
		return slices.Contains(p.TerminalNodes, currentNode)
	case ModePeriodic:
		now := s.now()
		key := unitID + "/" + threadID
		elapsed := elapsedSinceLast
		if last, ok := s.last[key]; ok {
			elapsed = now.Sub(last)
		} else if elapsed == 0 {
			elapsed = p.Interval
		}
		if elapsed < p.Interval {
			return false
		}
		s.last[key] = now
		return true
	}
	return false
}

// Persistent reports whether the unit keeps a real checkpoint lineage.
func (s *Strategy) Persistent(unitID string) bool {
	return s.Policy(unitID).Mode != ModeNone
}

// ResolveThreadID derives the store partition key for a unit of a session.
// Units in ModeNone share StatelessThreadID; every other unit gets a key
// unique to the session and unit.
func (s *Strategy) ResolveThreadID(sessionID, unitID string) string {
	if !s.Persistent(unitID) {
		return StatelessThreadID
	}
	if unitID == "" {
		return sessionID
	}
	return sessionID + ":" + unitID
}
