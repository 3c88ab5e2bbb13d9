// Package fsm holds the pipeline's transition table and the per-workflow
// state machine that walks it.
package fsm

import (
	"fmt"
	"strings"
)

// State is a pipeline state.
type State string

const (
	Pending              State = "PENDING"
	Planning             State = "PLANNING"
	AwaitingSpecApproval State = "AWAITING_SPEC_APPROVAL"
	SpecApproved         State = "SPEC_APPROVED"
	SpecRejected         State = "SPEC_REJECTED"
	Executing            State = "EXECUTING"
	QARunning            State = "QA_RUNNING"
	QAFailed             State = "QA_FAILED"
	PRCreated            State = "PR_CREATED"
	AwaitingPRApproval   State = "AWAITING_PR_APPROVAL"
	Completed            State = "COMPLETED"
	Error                State = "ERROR"
)

// table is the single source of truth for legal progressions. Terminal
// states map to an empty set.
var table = map[State][]State{
	Pending:              {Planning, Error},
	Planning:             {AwaitingSpecApproval, Error},
	AwaitingSpecApproval: {SpecApproved, SpecRejected, Planning, Error},
	SpecApproved:         {Executing, Error},
	Executing:            {QARunning, Error},
	QARunning:            {PRCreated, QAFailed, Error},
	PRCreated:            {AwaitingPRApproval, Error},
	AwaitingPRApproval:   {Completed, Error},
	Completed:            {},
	SpecRejected:         {},
	QAFailed:             {},
	Error:                {},
}

// States lists every state in pipeline order.
func States() []State {
	return []State{
		Pending, Planning, AwaitingSpecApproval, SpecApproved, SpecRejected,
		Executing, QARunning, QAFailed, PRCreated, AwaitingPRApproval,
		Completed, Error,
	}
}

// Known reports whether s has an entry in the transition table.
func Known(s State) bool {
	_, ok := table[s]
	return ok
}

// LegalNextStates returns the states reachable from s in one step. The
// returned slice is a copy; unknown states yield nil.
func LegalNextStates(s State) []State {
	next, ok := table[s]
	if !ok {
		return nil
	}
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to State) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s State) bool {
	next, ok := table[s]
	return ok && len(next) == 0
}

// ParseState accepts the canonical upper-case name, case-insensitively.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !Known(s) {
		return "", fmt.Errorf("%w: %q", ErrUndefinedState, v)
	}
	return s, nil
}
