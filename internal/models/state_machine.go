// Package models provides the position, leg and market data structures and the
// lifecycle that moves a position from entry to exit.
package models

import (
	"fmt"
	"strings"
	"time"
)

// PositionState represents the current state of a position
type PositionState string

const (
	StatePending PositionState = "PENDING" // Built from a proposal, entry not yet booked
	StateOpen    PositionState = "OPEN"    // Entry booked in the ledger
	StateClosed  PositionState = "CLOSED"  // Exit booked in the ledger
)

// Transition conditions
const (
	ConditionEntryFilled = "entry_filled"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions lists every allowed move. Closing requires the exit reason
// as condition so an unknown reason cannot close a position.
var ValidTransitions = []StateTransition{
	{StatePending, StateOpen, ConditionEntryFilled, "Entry debit or credit booked"},
	{StateOpen, StateClosed, ExitProfitTarget.Condition(), "Profit target reached"},
	{StateOpen, StateClosed, ExitStopLoss.Condition(), "Stop loss hit"},
	{StateOpen, StateClosed, ExitMaxHoldTime.Condition(), "Maximum hold time elapsed"},
	{StateOpen, StateClosed, ExitEndOfSession.Condition(), "Session cutoff liquidation"},
	{StateOpen, StateClosed, ExitBacktestEnd.Condition(), "End of backtest horizon liquidation"},
	{StateOpen, StateClosed, ExitManual.Condition(), "Closed by operator"},
}

// StateMachine tracks a single position's state. Times come from the caller's
// clock so simulated runs stay deterministic.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionState]int
	currentState    PositionState
	previousState   PositionState
	lastCondition   string
}

// NewStateMachine creates a new state machine in the pending state
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StatePending,
		previousState:   StatePending,
		transitionCount: make(map[PositionState]int),
	}
}

// NewStateMachineFromState rebuilds a machine for a persisted position
func NewStateMachineFromState(state PositionState, at time.Time) *StateMachine {
	sm := NewStateMachine()
	switch state {
	case StateOpen:
		sm.previousState = StatePending
		sm.currentState = StateOpen
		sm.transitionCount[StateOpen] = 1
		sm.transitionTime = at
	case StateClosed:
		sm.previousState = StateOpen
		sm.currentState = StateClosed
		sm.transitionCount[StateOpen] = 1
		sm.transitionCount[StateClosed] = 1
		sm.transitionTime = at
	}
	return sm
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// GetTransitionCount returns how many times we've entered a state
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			if sm.transitionCount[to] > 0 {
				return fmt.Errorf("state %s already entered once", to)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to PositionState, condition string, at time.Time) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = at
	sm.lastCondition = condition
	sm.transitionCount[to]++
	return nil
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StatePending:
		return "Proposed, waiting for entry to be booked"
	case StateOpen:
		return "Open, evaluated for exit every tick"
	case StateClosed:
		if sm.lastCondition != "" {
			return "Closed: " + strings.ReplaceAll(sm.lastCondition, "_", " ")
		}
		return "Closed"
	default:
		return "Unknown state"
	}
}

// ValidateStateConsistency ensures the state machine is in a valid state
func (sm *StateMachine) ValidateStateConsistency() error {
	switch sm.currentState {
	case StatePending:
		if sm.transitionCount[StateOpen] != 0 || sm.transitionCount[StateClosed] != 0 {
			return fmt.Errorf("pending machine has recorded transitions")
		}
	case StateOpen:
		if sm.transitionCount[StateOpen] != 1 || sm.transitionCount[StateClosed] != 0 {
			return fmt.Errorf("open machine has inconsistent transition counts: open=%d closed=%d",
				sm.transitionCount[StateOpen], sm.transitionCount[StateClosed])
		}
	case StateClosed:
		if sm.transitionCount[StateOpen] != 1 || sm.transitionCount[StateClosed] != 1 {
			return fmt.Errorf("closed machine has inconsistent transition counts: open=%d closed=%d",
				sm.transitionCount[StateOpen], sm.transitionCount[StateClosed])
		}
	default:
		return fmt.Errorf("unknown state %q", sm.currentState)
	}
	if sm.currentState != StatePending && sm.transitionTime.IsZero() {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}
	return nil
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	newSM := &StateMachine{
		currentState:    sm.currentState,
		previousState:   sm.previousState,
		transitionTime:  sm.transitionTime,
		lastCondition:   sm.lastCondition,
		transitionCount: make(map[PositionState]int, len(sm.transitionCount)),
	}
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	return newSM
}
