package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mcastro/chatd/internal/bus"
)

// State is a transport connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions. A transport may fall
// back to Disconnected from anywhere; Connected is only reachable through
// Connecting.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine tracks and enforces one transport's connection state. It is owned
// exclusively by that transport; everyone else observes via bus events.
type Machine struct {
	mu        sync.RWMutex
	transport string
	current   State
	bus       *bus.Bus
}

// NewMachine creates a state machine for the named transport, starting
// Disconnected.
func NewMachine(transport string, b *bus.Bus) *Machine {
	return &Machine{
		transport: transport,
		current:   Disconnected,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connected reports whether the transport is connected.
func (m *Machine) Connected() bool {
	return m.Current() == Connected
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("%s: invalid transition from %s to %s", m.transport, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindTransportStatus,
			Timestamp: time.Now(),
			Payload: Change{
				Transport: m.transport,
				From:      from,
				To:        to,
			},
		})
	}
	return nil
}

// Change is the payload for transport status events.
type Change struct {
	Transport string
	From      State
	To        State
}
