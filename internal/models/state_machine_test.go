package models

import (
	"testing"
	"time"
)

var smTime = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func TestStateMachine_BasicTransitions(t *testing.T) {
	sm := NewStateMachine()

	if sm.GetCurrentState() != StatePending {
		t.Errorf("Initial state should be StatePending, got %s", sm.GetCurrentState())
	}

	if err := sm.Transition(StateOpen, ConditionEntryFilled, smTime); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}
	if sm.GetCurrentState() != StateOpen {
		t.Errorf("State should be StateOpen, got %s", sm.GetCurrentState())
	}
	if sm.GetPreviousState() != StatePending {
		t.Errorf("Previous state should be StatePending, got %s", sm.GetPreviousState())
	}
	if !sm.GetTransitionTime().Equal(smTime) {
		t.Errorf("Transition time should come from the caller, got %s", sm.GetTransitionTime())
	}

	closeAt := smTime.Add(time.Hour)
	if err := sm.Transition(StateClosed, ExitStopLoss.Condition(), closeAt); err != nil {
		t.Fatalf("Close transition failed: %v", err)
	}
	if sm.GetCurrentState() != StateClosed {
		t.Errorf("State should be StateClosed, got %s", sm.GetCurrentState())
	}
	if got := sm.GetStateDescription(); got != "Closed: stop loss" {
		t.Errorf("Unexpected description %q", got)
	}
	if err := sm.ValidateStateConsistency(); err != nil {
		t.Errorf("Closed machine should be consistent: %v", err)
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name      string
		setup     []PositionState
		to        PositionState
		condition string
	}{
		{"pending to closed", nil, StateClosed, ExitProfitTarget.Condition()},
		{"open with wrong condition", []PositionState{StateOpen}, StateClosed, "position_closed"},
		{"reopen after close", []PositionState{StateOpen, StateClosed}, StateOpen, ConditionEntryFilled},
		{"close twice", []PositionState{StateOpen, StateClosed}, StateClosed, ExitBacktestEnd.Condition()},
		{"open twice", []PositionState{StateOpen}, StateOpen, ConditionEntryFilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range tt.setup {
				cond := ConditionEntryFilled
				if s == StateClosed {
					cond = ExitManual.Condition()
				}
				if err := sm.Transition(s, cond, smTime); err != nil {
					t.Fatalf("setup transition to %s failed: %v", s, err)
				}
			}
			before := sm.GetCurrentState()

			if err := sm.Transition(tt.to, tt.condition, smTime); err == nil {
				t.Error("Invalid transition should fail")
			}
			if sm.GetCurrentState() != before {
				t.Errorf("State should remain %s after failed transition, got %s", before, sm.GetCurrentState())
			}
		})
	}
}

func TestStateMachine_EveryExitReasonCloses(t *testing.T) {
	reasons := []ExitReason{
		ExitProfitTarget, ExitStopLoss, ExitMaxHoldTime,
		ExitEndOfSession, ExitBacktestEnd, ExitManual,
	}
	for _, r := range reasons {
		sm := NewStateMachine()
		if err := sm.Transition(StateOpen, ConditionEntryFilled, smTime); err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := sm.Transition(StateClosed, r.Condition(), smTime); err != nil {
			t.Errorf("closing with %s failed: %v", r, err)
		}
	}
}

func TestStateMachine_FromState(t *testing.T) {
	tests := []struct {
		state PositionState
		open  int
		close int
	}{
		{StatePending, 0, 0},
		{StateOpen, 1, 0},
		{StateClosed, 1, 1},
	}
	for _, tt := range tests {
		sm := NewStateMachineFromState(tt.state, smTime)
		if sm.GetCurrentState() != tt.state {
			t.Errorf("expected %s, got %s", tt.state, sm.GetCurrentState())
		}
		if sm.GetTransitionCount(StateOpen) != tt.open || sm.GetTransitionCount(StateClosed) != tt.close {
			t.Errorf("%s: unexpected counts open=%d closed=%d", tt.state,
				sm.GetTransitionCount(StateOpen), sm.GetTransitionCount(StateClosed))
		}
		if err := sm.ValidateStateConsistency(); err != nil {
			t.Errorf("%s: restored machine inconsistent: %v", tt.state, err)
		}
	}

	// a restored open machine can still close
	sm := NewStateMachineFromState(StateOpen, smTime)
	if err := sm.Transition(StateClosed, ExitEndOfSession.Condition(), smTime.Add(time.Hour)); err != nil {
		t.Errorf("restored open machine should close: %v", err)
	}
}

func TestStateMachine_Copy(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateOpen, ConditionEntryFilled, smTime); err != nil {
		t.Fatal(err)
	}

	cp := sm.Copy()
	if err := cp.Transition(StateClosed, ExitManual.Condition(), smTime); err != nil {
		t.Fatal(err)
	}
	if sm.GetCurrentState() != StateOpen {
		t.Errorf("original should stay open, got %s", sm.GetCurrentState())
	}
	if sm.GetTransitionCount(StateClosed) != 0 {
		t.Error("copy shares transition counts with original")
	}

	var nilSM *StateMachine
	if nilSM.Copy() != nil {
		t.Error("copy of nil should be nil")
	}
}

func TestStateMachine_ConsistencyChecks(t *testing.T) {
	sm := NewStateMachineFromState(StateOpen, time.Time{})
	if err := sm.ValidateStateConsistency(); err == nil {
		t.Error("open machine without transition time should be inconsistent")
	}

	sm = NewStateMachine()
	sm.transitionCount[StateClosed] = 1
	if err := sm.ValidateStateConsistency(); err == nil {
		t.Error("pending machine with recorded transitions should be inconsistent")
	}
}
