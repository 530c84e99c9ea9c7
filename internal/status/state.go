// Package status holds the delivery channel's connection state machine.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
)

// State is the delivery channel's connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Snapshot is a consistent view of the machine.
type Snapshot struct {
	State State
	Since time.Time
	// Attempts counts connection attempts since the last successful one.
	Attempts  int
	LastError string
}

// Machine tracks connection state and publishes every transition on the bus.
type Machine struct {
	mu       sync.RWMutex
	current  State
	since    time.Time
	attempts int
	lastErr  string
	bus      *bus.Bus
}

// NewMachine creates a machine in the Disconnected state. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Since: m.since, Attempts: m.attempts, LastError: m.lastErr}
}

// Transition moves to a new state or returns an error if the move is not
// allowed from the current one.
func (m *Machine) Transition(to State) error {
	return m.transition(to, nil)
}

// Fail moves to Disconnected and records cause as the last error.
func (m *Machine) Fail(cause error) error {
	return m.transition(Disconnected, cause)
}

func (m *Machine) transition(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	switch to {
	case Connecting:
		m.attempts++
	case Connected:
		m.attempts = 0
		m.lastErr = ""
	}
	evt := bus.StateEvent{From: string(from), To: string(to), Attempt: m.attempts}
	if cause != nil {
		m.lastErr = cause.Error()
		evt.Reason = m.lastErr
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindChannelState,
			Timestamp: m.since,
			Payload:   evt,
		})
	}
	return nil
}
