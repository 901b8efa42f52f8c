package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatwave/internal/bus"
)

// State represents the state of the engine's single server connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Degraded means the retry ceiling was passed. The manager keeps
	// retrying at the capped delay; consumers show an offline indicator.
	Degraded State = "DEGRADED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Degraded, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
	Degraded:     {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu       sync.RWMutex
	current  State
	bus      *bus.Bus
	watchers []func(StatusChange)
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	change := StatusChange{From: m.current, To: to}
	m.current = to
	watchers := m.watchers
	m.mu.Unlock()

	m.bus.Emit(bus.KindConnState, change)
	for _, fn := range watchers {
		fn(change)
	}
	return nil
}

// Watch registers fn to run after every transition. Unlike bus delivery it
// never drops a change; fn runs on the transitioning goroutine.
func (m *Machine) Watch(fn func(StatusChange)) {
	m.mu.Lock()
	m.watchers = append(slices.Clip(m.watchers), fn)
	m.mu.Unlock()
}

// Online reports whether frames can currently be written.
func (s State) Online() bool {
	return s == Connected
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
