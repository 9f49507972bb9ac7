// Package topstate implements the top-level Active/Sleep/Flat state
// machine as a plain tagged variant, driven by the housekeeping
// supervisor and the IMU task's motion-wake signal.
package topstate

import (
	"log"
	"sync"
)

// State is one of the three top-level states.
type State int

const (
	Active State = iota
	Sleep
	Flat
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Sleep:
		return "sleep"
	case Flat:
		return "flat"
	default:
		return "unknown"
	}
}

// Quiescer is the connection subsystem's half of every top-level
// transition: each one sends disable first, quiescing the data
// producers before anything is power-gated. Disable is expected to be
// non-blocking (it sets a notification bit the connection task's
// driver loop observes on its own schedule).
type Quiescer interface {
	Disable()
}

// Machine holds the current top-level state. All transition methods
// are safe for concurrent use; Flat is terminal and disables all wake
// sources.
type Machine struct {
	mu       sync.Mutex
	state    State
	quiescer Quiescer

	// OnActive, if set, runs after a transition lands in Active (i.e.
	// after a motion-wake), following the Disable that every
	// transition performs first. Typically re-sends the connection
	// subsystem's enable notification.
	OnActive func()
}

// New creates a Machine starting in Active, wired to the given
// Quiescer (normally the connection subsystem).
func New(quiescer Quiescer) *Machine {
	return &Machine{state: Active, quiescer: quiescer}
}

// State returns the current top-level state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if from == Flat || from == to {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	log.Printf("[topstate] %v -> %v", from, to)
	if m.quiescer != nil {
		m.quiescer.Disable()
	}
	if to == Active && m.OnActive != nil {
		m.OnActive()
	}
	return true
}

// SleepTimeout transitions Active->Sleep. No-op from any other state.
func (m *Machine) SleepTimeout() bool {
	m.mu.Lock()
	ok := m.state == Active
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.transition(Sleep)
}

// BatteryFlat transitions to the terminal Flat state from any
// non-terminal state. A flat battery is honored from Sleep as well as
// Active.
func (m *Machine) BatteryFlat() bool {
	return m.transition(Flat)
}

// MotionWake transitions Sleep->Active on motion seen by the IMU.
// No-op from any other state.
func (m *Machine) MotionWake() bool {
	m.mu.Lock()
	ok := m.state == Sleep
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.transition(Active)
}
