// Package phase implements the explicit per-plugin state machine that
// drives a single plugin through CHECK, DOWNLOAD, and EXECUTE (spec.md
// 4.6), grounded on the teacher's CircuitBreaker transition table
// (pkg/resilience/circuit_breaker.go): a fixed State enum, a map-keyed
// transition table instead of scattered if/else, and a single mutex
// guarding the current state.
package phase

import (
	"fmt"
	"sync"

	"github.com/adamryczkowski/updateall/internal/errs"
)

// State is one step of a plugin's run.
type State int

const (
	StatePending State = iota
	StateChecking
	StateSkipped // NeedsUpdate returned No
	StateDownloading
	StateExecuting
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateChecking:
		return "checking"
	case StateSkipped:
		return "skipped"
	case StateDownloading:
		return "downloading"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the plugin's run.
func (s State) Terminal() bool {
	switch s {
	case StateSkipped, StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// transitions enumerates every legal State -> State edge, so an illegal
// move is rejected rather than silently accepted. Built once at package
// init, mirroring CircuitBreaker's fixed closed/open/half-open table.
var transitions = map[State]map[State]bool{
	StatePending: {
		StateChecking:  true,
		StateCancelled: true,
	},
	StateChecking: {
		StateSkipped:     true,
		StateDownloading: true,
		StateExecuting:   true, // split-download not supported: CHECK feeds EXECUTE directly
		StateFailed:      true,
		StateCancelled:   true,
	},
	StateDownloading: {
		StateExecuting: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateExecuting: {
		StateSucceeded: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// Machine drives one plugin's phase state with a single mutex, exactly the
// shape CircuitBreaker uses for its own state field.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []State
}

// NewMachine returns a Machine starting in StatePending.
func NewMachine() *Machine {
	return &Machine{state: StatePending, history: []State{StatePending}}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to next, returning an error if the edge
// isn't in the transition table.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := transitions[m.state]
	if !allowed[next] {
		return fmt.Errorf("%w: illegal phase transition %s -> %s", errs.ErrInternal, m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}

// History returns a copy of every state this machine has passed through,
// in order.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}
