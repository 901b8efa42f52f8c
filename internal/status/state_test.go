package status

import (
	"testing"

	"github.com/matheus3301/chatwave/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connecting, Degraded},
		{Connected, Reconnecting},
		{Connected, Disconnected},
		{Reconnecting, Connecting},
		{Degraded, Connecting},
		{Degraded, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
	if m.Current() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED (should not have changed)", m.Current())
	}
}

// TestReconnectingMustPassThroughConnecting verifies that a dropped link
// cannot jump straight back to CONNECTED without a new dial.
func TestReconnectingMustPassThroughConnecting(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Reconnecting)

	if err := m.Transition(Connected); err == nil {
		t.Fatal("Transition(RECONNECTING -> CONNECTED) should fail")
	}
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("RECONNECTING -> CONNECTING: %v", err)
	}
	if err := m.Transition(Connected); err != nil {
		t.Fatalf("CONNECTING -> CONNECTED: %v", err)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindConnState {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindConnState)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// TestDropReconnectCycle walks the loop a flaky link goes through:
// CONNECTED → RECONNECTING → CONNECTING → CONNECTED.
func TestDropReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Reconnecting, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Current().Online() {
		t.Errorf("final state = %s, want online", m.Current())
	}
}

func TestOnline(t *testing.T) {
	for _, s := range []State{Disconnected, Connecting, Reconnecting, Degraded} {
		if s.Online() {
			t.Errorf("%s.Online() = true, want false", s)
		}
	}
	if !Connected.Online() {
		t.Error("CONNECTED.Online() = false, want true")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
		Degraded:     {Connecting, Degraded},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

func TestWatchSeesEveryTransition(t *testing.T) {
	b := bus.New()
	// A subscriber with no buffer misses every event.
	_, unsub := b.Subscribe("conn.", 0)
	defer unsub()

	m := NewMachine(b)
	var seen []State
	m.Watch(func(c StatusChange) { seen = append(seen, c.To) })

	for _, s := range []State{Connecting, Connected, Reconnecting, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Transition(Degraded); err == nil {
		t.Fatal("CONNECTED -> DEGRADED should be rejected")
	}

	want := []State{Connecting, Connected, Reconnecting, Connecting, Connected}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}
