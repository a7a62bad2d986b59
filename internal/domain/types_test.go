package domain

import "testing"

func TestJobState_IsTerminal(t *testing.T) {
	terminal := []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s: expected terminal", s)
		}
	}

	nonTerminal := []JobState{JobStateQueued, JobStateRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s: expected non-terminal", s)
		}
	}
}

func TestCanTransition_FromQueued(t *testing.T) {
	if !CanTransition(JobStateQueued, JobStateRunning) {
		t.Error("queued -> running should be allowed")
	}
	if !CanTransition(JobStateQueued, JobStateCanceled) {
		t.Error("queued -> canceled should be allowed")
	}
	if CanTransition(JobStateQueued, JobStateSucceeded) {
		t.Error("queued -> succeeded should not be allowed")
	}
	if CanTransition(JobStateQueued, JobStateFailed) {
		t.Error("queued -> failed should not be allowed")
	}
}

func TestCanTransition_FromRunning(t *testing.T) {
	for _, to := range []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut} {
		if !CanTransition(JobStateRunning, to) {
			t.Errorf("running -> %s should be allowed", to)
		}
	}
	if CanTransition(JobStateRunning, JobStateQueued) {
		t.Error("running -> queued should not be allowed")
	}
}

func TestCanTransition_TerminalStatesAreSinks(t *testing.T) {
	for _, from := range []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut} {
		for _, to := range []JobState{JobStateQueued, JobStateRunning, JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut} {
			if CanTransition(from, to) {
				t.Errorf("%s -> %s should not be allowed, terminal states are sinks", from, to)
			}
		}
	}
}

func TestCanTransition_UnknownFromState(t *testing.T) {
	if CanTransition(JobState("bogus"), JobStateRunning) {
		t.Error("unknown from-state should never permit a transition")
	}
}
