package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is matched by every *IllegalTransitionError.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrUndefinedState means a state has no transition table entry.
	ErrUndefinedState = errors.New("undefined state")
)

// IllegalTransitionError reports a target not reachable from the current state.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
