package lifecycle

import "testing"

func TestMachine_HappyPathToActive(t *testing.T) {
	m := NewMachine()
	steps := []State{Initializing, Registering, Active}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if got := m.Current(); got != Active {
		t.Fatalf("expected Active, got %s", got)
	}
	if len(m.History()) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d", len(m.History()))
	}
}

func TestMachine_ActiveDegradedRoundTrip(t *testing.T) {
	m := NewMachine()
	for _, s := range []State{Initializing, Registering, Active} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("setup transition to %s: %v", s, err)
		}
	}
	if err := m.Transition(Degraded); err != nil {
		t.Fatalf("Active -> Degraded: %v", err)
	}
	if err := m.Transition(Active); err != nil {
		t.Fatalf("Degraded -> Active: %v", err)
	}
	if got := m.Current(); got != Active {
		t.Fatalf("expected Active after recovery, got %s", got)
	}
}

func TestMachine_RejectsIllegalTransition(t *testing.T) {
	m := NewMachine()
	if err := m.Transition(Active); err == nil {
		t.Fatal("expected error transitioning Stopped -> Active directly")
	}
	if got := m.Current(); got != Stopped {
		t.Fatalf("illegal transition must not change state, got %s", got)
	}
}

func TestMachine_RestartAfterFullCycle(t *testing.T) {
	m := NewMachine()
	for _, s := range []State{Initializing, Registering, Active, Stopping, Stopped} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := m.Transition(Initializing); err != nil {
		t.Fatalf("Stopped -> Initializing after shutdown should be legal: %v", err)
	}
}

func TestHealthAccumulator_SmoothsTowardInput(t *testing.T) {
	acc := NewHealthAccumulator(0.5)
	first := acc.Update(1.0)
	if first != 0.5 {
		t.Fatalf("expected 0.5 after first update, got %f", first)
	}
	second := acc.Update(1.0)
	if second <= first {
		t.Fatalf("expected accumulator to keep rising toward 1.0, got %f after %f", second, first)
	}
	if acc.Value() != second {
		t.Fatalf("Value() out of sync with last Update() result")
	}
}

func TestComputeHealth_WeightedSum(t *testing.T) {
	w := HealthWeights{ConnectionErrorRate: 0.5, QueueDepthFraction: 0.25, TaskFailureRate: 0.25}
	h := ComputeHealth(HealthInputs{ConnectionErrorRate: 1.0, QueueDepthFraction: 0.0, TaskFailureRate: 0.0}, w)
	if h != 0.5 {
		t.Fatalf("expected 0.5, got %f", h)
	}
}
