package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/dmsync/internal/bus"
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
		{Connecting, Disconnected},
		{Connected, Disconnected},
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

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Disconnected},
		{Connected, Connecting},
		{Connected, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want unchanged %s", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	m := NewMachine(b)
	before := m.Since()
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindChannelState {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindChannelState)
	}
	change, ok := evt.Payload.(bus.StateEvent)
	if !ok {
		t.Fatalf("payload type = %T, want bus.StateEvent", evt.Payload)
	}
	if change.From != string(Disconnected) || change.To != string(Connecting) {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
	if m.Since().Before(before) {
		t.Error("Since() did not advance")
	}
}

// TestReconnectCycle walks a drop and recovery:
// CONNECTED → DISCONNECTED → CONNECTING → CONNECTED
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Disconnected, Connecting, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func TestFailRecordsAttemptsUntilConnected(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()
	m := NewMachine(b)

	for i := 0; i < 2; i++ {
		if err := m.Transition(Connecting); err != nil {
			t.Fatal(err)
		}
		if err := m.Fail(errors.New("dial refused")); err != nil {
			t.Fatal(err)
		}
	}
	snap := m.Snapshot()
	if snap.State != Disconnected || snap.Attempts != 2 || snap.LastError != "dial refused" {
		t.Errorf("Snapshot() = %+v", snap)
	}

	var last bus.StateEvent
	for len(ch) > 0 {
		last = (<-ch).Payload.(bus.StateEvent)
	}
	if last.Reason != "dial refused" || last.Attempt != 2 {
		t.Errorf("last event = %+v", last)
	}

	walkTo(t, m, Connected)
	if snap := m.Snapshot(); snap.Attempts != 0 || snap.LastError != "" {
		t.Errorf("Snapshot() after connect = %+v", snap)
	}
	if err := m.Fail(errors.New("x")); err != nil {
		t.Errorf("Fail() from CONNECTED = %v", err)
	}
	if err := m.Fail(errors.New("x")); err == nil {
		t.Error("Fail() from DISCONNECTED should be rejected")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
