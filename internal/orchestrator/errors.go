package orchestrator

import (
	"errors"
	"fmt"

	"ticketline/internal/fsm"
)

var (
	ErrDuplicateTicket = errors.New("ticket already has an active workflow")
	ErrCancelled       = errors.New("workflow cancelled")
	ErrInvalidTicket   = errors.New("invalid ticket")
	ErrNotRetryable    = errors.New("workflow is not retryable")
	// ErrPullRequestRejected is returned when the PR checkpoint ends in
	// anything but APPROVE.
	ErrPullRequestRejected = errors.New("pull request not approved")
)

// StageError reports the stage at which a workflow was forced into ERROR.
type StageError struct {
	WorkflowID string
	Stage      string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("workflow %s failed at %s: %v", e.WorkflowID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type errInterrupted fsm.State

func (e errInterrupted) Error() string {
	return "interrupted while " + string(e) + " by a restart"
}
