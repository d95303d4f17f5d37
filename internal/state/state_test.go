package state

import (
	"testing"

	"go.uber.org/zap"
)

func TestMachine_WalksLegalPath(t *testing.T) {
	m := New(zap.NewNop())

	steps := []State{Connecting, Idle, Processing, Idle, StopRequested, ShuttingDown, Stopped}
	for _, next := range steps {
		if !m.Set(next) {
			t.Fatalf("expected transition to %s to succeed", next)
		}
	}
	got, _ := m.Current()
	if got != Stopped {
		t.Errorf("final state = %s, want stopped", got)
	}
}

func TestMachine_RejectsIllegalTransition(t *testing.T) {
	m := New(zap.NewNop())
	if m.Set(Processing) {
		t.Fatalf("expected Initialising -> Processing to be rejected")
	}
	got, _ := m.Current()
	if got != Initialising {
		t.Errorf("state changed to %s despite rejected transition", got)
	}
}

func TestMachine_ReconnectFromAnyNonTerminalState(t *testing.T) {
	m := New(zap.NewNop())
	m.Set(Connecting)
	m.Set(Idle)
	m.Set(Processing)

	if !m.Reconnect() {
		t.Fatalf("expected Reconnect to succeed from Processing")
	}
	got, _ := m.Current()
	if got != Connecting {
		t.Errorf("state = %s, want connecting", got)
	}
}

func TestMachine_ReconnectRefusedWhileStopping(t *testing.T) {
	m := New(zap.NewNop())
	m.Set(Connecting)
	m.Set(Idle)
	m.Set(StopRequested)

	if m.Reconnect() {
		t.Fatalf("expected Reconnect to be refused from StopRequested")
	}
	got, _ := m.Current()
	if got != StopRequested {
		t.Errorf("state = %s, want stop_requested unchanged", got)
	}
}

func TestMachine_ForceShuttingDownBypassesTable(t *testing.T) {
	m := New(zap.NewNop())
	m.Set(Connecting) // Initialising -> Connecting only; no direct path to ShuttingDown

	if !m.ForceShuttingDown() {
		t.Fatalf("expected ForceShuttingDown to succeed from Connecting")
	}
	got, _ := m.Current()
	if got != ShuttingDown {
		t.Errorf("state = %s, want shutting_down", got)
	}

	if m.ForceShuttingDown() {
		t.Errorf("expected a second ForceShuttingDown call to be refused")
	}
}
