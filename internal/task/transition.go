package task

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kazz187/deepwork/pkg/cerr"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// manualTransitions are the changes updateTaskStatus may apply. Entering or
// leaving in_progress is reserved for the scheduler.
var manualTransitions = map[Status][]Status{
	StatusInbox:    {StatusAssigned, StatusSkipped},
	StatusAssigned: {StatusInbox, StatusSkipped},
	StatusBlocked:  {StatusAssigned, StatusSkipped},
	StatusReview:   {StatusDone, StatusAssigned},
}

// humanTransitions extend manualTransitions for tasks a person performs.
var humanTransitions = map[Status][]Status{
	StatusInbox:    {StatusDone},
	StatusAssigned: {StatusDone},
}

// runnableFrom are the states run may move into in_progress.
var runnableFrom = []Status{StatusInbox, StatusAssigned, StatusBlocked}

func transitionError(from, to Status) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("transition from %q to %q is not allowed", from, to), ErrInvalidTransition)
}

// CheckManual validates a status change requested through the API.
func CheckManual(t *Task, to Status) error {
	if !to.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", to), nil)
	}
	if t.Status == to {
		return transitionError(t.Status, to)
	}
	if slices.Contains(manualTransitions[t.Status], to) {
		return nil
	}
	if t.Type == TypeHuman && slices.Contains(humanTransitions[t.Status], to) {
		return nil
	}
	return transitionError(t.Status, to)
}

// CheckRun validates the scheduler moving t into in_progress.
func CheckRun(t *Task) error {
	if t.Type == TypeHuman {
		return cerr.NewError(cerr.FailedPrecondition, "human tasks cannot be run by an agent", ErrInvalidTransition)
	}
	if !slices.Contains(runnableFrom, t.Status) {
		return transitionError(t.Status, StatusInProgress)
	}
	return nil
}

// CheckFinish validates the scheduler moving t out of in_progress.
func CheckFinish(t *Task, to Status) error {
	if t.Status != StatusInProgress {
		return transitionError(t.Status, to)
	}
	switch to {
	case StatusDone, StatusBlocked, StatusReview:
		return nil
	}
	return transitionError(t.Status, to)
}

// CheckSkip validates skip: legal only before a task has run to completion.
func CheckSkip(t *Task) error {
	if !slices.Contains(runnableFrom, t.Status) {
		return transitionError(t.Status, StatusSkipped)
	}
	return nil
}
