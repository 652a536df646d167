package warmpool

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	steps := []InstanceState{
		StateInit, StateProvisioning, StateInitializing, StateWarmIdle,
		StateActive, StateWarmIdle, StateDraining, StateStopping, StateStopped,
	}
	for i := 0; i+1 < len(steps); i++ {
		if !CanTransition(steps[i], steps[i+1]) {
			t.Fatalf("expected %s -> %s to be valid", steps[i], steps[i+1])
		}
	}
}

func TestCanTransitionRejectsSkippingStates(t *testing.T) {
	if CanTransition(StateInit, StateWarmIdle) {
		t.Fatal("Init must not jump directly to WarmIdle")
	}
	if CanTransition(StateInit, StateActive) {
		t.Fatal("Init must not jump directly to Active")
	}
}

func TestCanTransitionRejectsSelfLoop(t *testing.T) {
	if CanTransition(StateWarmIdle, StateWarmIdle) {
		t.Fatal("a state must not transition to itself")
	}
}

func TestFailedReachableFromAnyNonTerminalState(t *testing.T) {
	nonTerminal := []InstanceState{
		StateInit, StateProvisioning, StateInitializing, StateWarmIdle,
		StateActive, StateDraining, StateStopping, StateStopped,
	}
	for _, s := range nonTerminal {
		if !CanTransition(s, StateFailed) {
			t.Fatalf("expected %s -> Failed to be valid", s)
		}
	}
}

func TestTerminatedHasNoOutgoingTransitions(t *testing.T) {
	for _, to := range []InstanceState{StateInit, StateWarmIdle, StateFailed, StateActive} {
		if CanTransition(StateTerminated, to) {
			t.Fatalf("Terminated must have no outgoing transitions, got one to %s", to)
		}
	}
	if !IsTerminal(StateTerminated) {
		t.Fatal("Terminated must report IsTerminal true")
	}
}

func TestStoppedCanReturnToWarmIdleOrTerminate(t *testing.T) {
	if !CanTransition(StateStopped, StateWarmIdle) {
		t.Fatal("Stopped must be resumable back to WarmIdle")
	}
	if !CanTransition(StateStopped, StateTerminated) {
		t.Fatal("Stopped must be able to terminate")
	}
}
