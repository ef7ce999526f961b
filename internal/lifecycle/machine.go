package lifecycle

import (
	"errors"
	"sync"
)

// State is the avatar lifecycle position.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateChanging State = "changing"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ErrConflict marks an intent rejected because a conflicting transition is in
// flight. Conflicting intents are dropped, never queued: the caller retries
// after observing a terminal state.
var ErrConflict = errors.New("conflicting lifecycle transition in flight")

// Machine guards avatar lifecycle transitions. Each guarded method is a
// single check-then-act under the lock, so two back-to-back intents admit
// exactly one transition. Within Ready, listening and speaking are orthogonal
// sub-states with their own duplicate guards.
type Machine struct {
	mu             sync.Mutex
	state          State
	listening      bool
	speaking       bool
	processingTurn bool

	onTransition func(State)
}

// NewMachine creates a machine in Idle. onTransition, if set, observes every
// state change (used for metrics).
func NewMachine(onTransition func(State)) *Machine {
	return &Machine{state: StateIdle, onTransition: onTransition}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

func (m *Machine) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

func (m *Machine) ProcessingTurn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processingTurn
}

// BeginStart admits a start intent. Accepted from Idle and Error, and from
// Ready as a teardown-restart. A start arriving while another start, change
// or stop is in flight is a conflict.
func (m *Machine) BeginStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle, StateReady, StateError:
		m.transition(StateStarting)
		return nil
	default:
		return ErrConflict
	}
}

// BeginChange admits a change intent from Ready only; callers treat a change
// on an idle machine as a plain start.
func (m *Machine) BeginChange() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return ErrConflict
	}
	m.transition(StateChanging)
	return nil
}

// BeginStop admits a stop intent from Ready or Error, and from Starting so
// a handshake still in flight can be abandoned.
func (m *Machine) BeginStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateReady, StateStarting, StateError:
		m.transition(StateStopping)
		return nil
	default:
		return ErrConflict
	}
}

// MarkReady completes a handshake: the machine settles in Ready with clean
// sub-states. It reports false when no start or change is in flight anymore
// (a stop superseded the handshake); the state is then left untouched.
func (m *Machine) MarkReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateStarting, StateChanging:
		m.clearSubStates()
		m.transition(StateReady)
		return true
	default:
		return false
	}
}

// MarkError records a failed handshake, under the same supersession guard as
// MarkReady. A new start intent is always accepted from Error, so there is
// no stuck state.
func (m *Machine) MarkError() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateStarting, StateChanging:
		m.clearSubStates()
		m.transition(StateError)
		return true
	default:
		return false
	}
}

// FinishStop completes a teardown back to Idle.
func (m *Machine) FinishStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearSubStates()
	m.transition(StateIdle)
}

// StartListening opens the voice sub-session. Rejected unless Ready, and
// rejected while already listening.
func (m *Machine) StartListening() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.listening {
		return ErrConflict
	}
	m.listening = true
	return nil
}

// StopListening closes the voice sub-session. Stopping while not listening is
// a no-op, not an error; the return reports whether a sub-session was open.
func (m *Machine) StopListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.listening
	m.listening = false
	return was
}

func (m *Machine) SetSpeaking(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speaking = on
}

func (m *Machine) SetProcessingTurn(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingTurn = on
}

func (m *Machine) clearSubStates() {
	m.listening = false
	m.speaking = false
	m.processingTurn = false
}

// transition must be called with the lock held.
func (m *Machine) transition(next State) {
	m.state = next
	if m.onTransition != nil {
		m.onTransition(next)
	}
}
