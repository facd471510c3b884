package types

import (
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/samber/lo"
)

// RunState is a state of one invoice generation run
type RunState string

const (
	RunStateIdle            RunState = "IDLE"
	RunStatePriorCall       RunState = "PRIOR_CALL"
	RunStateAborted         RunState = "ABORTED"
	RunStateRescheduled     RunState = "RESCHEDULED"
	RunStateItemComputation RunState = "ITEM_COMPUTATION"
	RunStateGrouping        RunState = "GROUPING"
	RunStatePersisted       RunState = "PERSISTED"
	RunStateNothingToDo     RunState = "NOTHING_TO_DO"
	RunStateFailed          RunState = "FAILED"
)

var runStateTransitions = map[RunState][]RunState{
	RunStateIdle:            {RunStatePriorCall, RunStateNothingToDo, RunStateFailed},
	RunStatePriorCall:       {RunStateAborted, RunStateRescheduled, RunStateItemComputation, RunStateFailed},
	RunStateItemComputation: {RunStateGrouping, RunStateNothingToDo, RunStateFailed},
	RunStateGrouping:        {RunStatePersisted, RunStateNothingToDo, RunStateFailed},
}

func (s RunState) String() string {
	return string(s)
}

// IsTerminal reports whether the run ends in this state
func (s RunState) IsTerminal() bool {
	_, ok := runStateTransitions[s]
	return !ok
}

// CanTransitionTo reports whether next is a legal successor of s
func (s RunState) CanTransitionTo(next RunState) bool {
	return lo.Contains(runStateTransitions[s], next)
}

// ValidateTransition returns an error for an illegal state change
func (s RunState) ValidateTransition(next RunState) error {
	if !s.CanTransitionTo(next) {
		return ierr.NewErrorf("illegal run state transition from %s to %s", s, next).
			WithHint("Invoice run entered an unexpected state").
			Mark(ierr.ErrInternal)
	}
	return nil
}
