// Package status tracks the relay's service state.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
)

// State is a service state.
type State string

const (
	Booting State = "BOOTING"
	// Ready means the durable store is in use.
	Ready State = "READY"
	// Degraded means messages only reach the in-memory cache.
	Degraded State = "DEGRADED"
	Error    State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:  {Ready, Degraded, Error},
	Ready:    {Degraded, Error},
	Degraded: {Ready, Error},
	Error:    {Booting},
}

// Machine tracks and enforces state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state, why it was entered and when.
func (m *Machine) Snapshot() (State, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.reason, m.since
}

// Transition moves to a new state and publishes a status_changed event.
// Returns an error if the transition is not allowed.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current, m.reason, m.since = to, reason, time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: m.since,
			Payload:   StatusChange{From: from, To: to, Reason: reason},
		})
	}
	return nil
}

// StatusChange is the payload for status_changed events.
type StatusChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}
