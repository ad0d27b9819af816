package status

import (
	"testing"

	"github.com/matheus3301/wprelay/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Ready},
		{Booting, Degraded},
		{Booting, Error},
		{Ready, Degraded},
		{Degraded, Ready},
		{Degraded, Error},
		{Error, Booting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to, ""); err != nil {
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
	if err := m.Transition(Booting, ""); err == nil {
		t.Error("Transition(BOOTING -> BOOTING) should fail")
	}
	walkTo(t, m, Error)
	if err := m.Transition(Ready, ""); err == nil {
		t.Error("Transition(ERROR -> READY) should fail")
	}
	if m.Current() != Error {
		t.Errorf("state = %s, want ERROR (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.RealtimePrefix, 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Degraded, "durable store unavailable"); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Degraded || change.Reason != "durable store unavailable" {
		t.Errorf("change = %+v", change)
	}

	state, reason, since := m.Snapshot()
	if state != Degraded || reason != change.Reason || since.IsZero() {
		t.Errorf("snapshot = %s %q %v", state, reason, since)
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:  {},
		Ready:    {Ready},
		Degraded: {Degraded},
		Error:    {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s, ""); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
