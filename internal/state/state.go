// Package state implements the worker lifecycle state machine: a tagged
// variant with an associated entry timestamp and predicate accessors,
// rather than the bit-flag constants the original Python process used.
package state

import (
	"time"

	"go.uber.org/zap"
)

// State is one of the seven legal worker lifecycle states.
type State int

const (
	Initialising State = iota
	Connecting
	Idle
	Processing
	StopRequested
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Initialising:
		return "initialising"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case StopRequested:
		return "stop_requested"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates the legal transition table. "Any -> Connecting"
// (the reconnect path) is handled separately by Reconnect, not this table.
var legalTransitions = map[State]map[State]bool{
	Initialising:  {Connecting: true},
	Connecting:    {Idle: true, Initialising: true},
	Idle:          {Processing: true, StopRequested: true, ShuttingDown: true},
	Processing:    {Idle: true, StopRequested: true},
	StopRequested: {ShuttingDown: true},
	ShuttingDown:  {Stopped: true},
	Stopped:       {},
}

// Machine tracks the current state and the time it was entered, and
// rejects illegal transitions, logging critical and leaving state
// unchanged.
type Machine struct {
	logger *zap.Logger
	state  State
	since  time.Time
}

// New creates a state machine starting in Initialising.
func New(logger *zap.Logger) *Machine {
	return &Machine{
		logger: logger,
		state:  Initialising,
		since:  time.Now(),
	}
}

// Current returns the current state and the time it was entered.
func (m *Machine) Current() (State, time.Time) {
	return m.state, m.since
}

// Set attempts the transition from the current state to next. Illegal
// transitions are logged critical and the state is left unchanged.
func (m *Machine) Set(next State) bool {
	if allowed, ok := legalTransitions[m.state]; !ok || !allowed[next] {
		m.logger.Error("unexpected state transition rejected",
			zap.Bool("critical", true),
			zap.String("from", m.state.String()),
			zap.String("to", next.String()),
		)
		return false
	}
	m.state = next
	m.since = time.Now()
	return true
}

// Reconnect forces a transition to Connecting from any state except
// StopRequested, ShuttingDown or Stopped — the lost-link reconnect path,
// which bypasses the ordinary legal-transition table.
func (m *Machine) Reconnect() bool {
	switch m.state {
	case StopRequested, ShuttingDown, Stopped:
		return false
	default:
		m.state = Connecting
		m.since = time.Now()
		return true
	}
}

// ForceShuttingDown transitions to ShuttingDown from any state, refusing
// only from Stopped or ShuttingDown itself. The legal-transition table only names StopRequested
// and Idle as ShuttingDown's predecessors, but a stop can be requested
// while still Connecting or Initialising; draining must still be able to
// run from there, so this bypasses the table the same way Reconnect does.
func (m *Machine) ForceShuttingDown() bool {
	if m.state == Stopped || m.state == ShuttingDown {
		return false
	}
	m.state = ShuttingDown
	m.since = time.Now()
	return true
}

func (m *Machine) IsIdle() bool                     { return m.state == Idle }
func (m *Machine) IsProcessing() bool               { return m.state == Processing }
func (m *Machine) IsConnecting() bool               { return m.state == Connecting }
func (m *Machine) IsWaitingToShutdown() bool        { return m.state == StopRequested }
func (m *Machine) IsShuttingDown() bool             { return m.state == ShuttingDown }
func (m *Machine) IsStopped() bool                  { return m.state == Stopped }
func (m *Machine) IsProcessingOrStopRequested() bool {
	return m.state == Processing || m.state == StopRequested
}
