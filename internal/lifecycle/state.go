// Package lifecycle implements the node state machine, the health score
// that drives its Active⇄Degraded edge, and PID-file handling.
//
// State transition graph (spec.md §4.2):
//
//	STOPPED ──→ INITIALIZING ──→ REGISTERING ──→ ACTIVE ⇄ DEGRADED ──→ STOPPING ──→ STOPPED
//
// Unlike the teacher's escalation.State (which only ever escalates or
// decays by exactly one level and never revisits a state), this machine
// has a genuine two-way edge (Active⇄Degraded) and a single terminal exit
// (Stopping→Stopped). Every transition is validated against an explicit
// edge table and recorded with both the previous and new state.
package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is a node lifecycle state.
type State uint8

const (
	Stopped State = iota
	Initializing
	Registering
	Active
	Degraded
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Initializing:
		return "INITIALIZING"
	case Registering:
		return "REGISTERING"
	case Active:
		return "ACTIVE"
	case Degraded:
		return "DEGRADED"
	case Stopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// edges is the explicit legal-transition table. A transition not listed
// here is rejected by Transition.
var edges = map[State][]State{
	Stopped:      {Initializing},
	Initializing: {Registering, Stopped}, // Stopped: StartupFailure abort
	Registering:  {Active, Stopped},
	Active:       {Degraded, Stopping},
	Degraded:     {Active, Stopping},
	Stopping:     {Stopped},
}

// Transition is a single observed state change, used for the transition log.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Machine is a thread-safe lifecycle state machine.
type Machine struct {
	mu      sync.Mutex
	current State
	history []Transition
}

// NewMachine creates a Machine starting in Stopped.
func NewMachine() *Machine {
	return &Machine{current: Stopped}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition attempts to move to target. Returns an error if the edge is
// not legal from the current state. start() calling Transition(Active)
// while already Active is idempotent only via the caller checking
// Current() first — the edge table itself has no Active→Active self-loop.
func (m *Machine) Transition(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !legal(m.current, target) {
		return fmt.Errorf("lifecycle: illegal transition %s -> %s", m.current, target)
	}
	m.history = append(m.history, Transition{From: m.current, To: target, At: time.Now()})
	m.current = target
	return nil
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func legal(from, to State) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}
