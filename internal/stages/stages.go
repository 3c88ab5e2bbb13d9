// Package stages defines the contracts the orchestrator uses to reach its
// external collaborators. Each interface has exactly one operation so that
// implementations can be swapped independently.
package stages

import (
	"context"

	"ticketline/internal/domain"
)

// Planner produces a specification document for a ticket.
type Planner interface {
	GenerateSpec(ctx context.Context, workflowID string, ticket domain.Ticket) (domain.SpecResult, error)
}

// Executor applies an approved specification to a repository.
type Executor interface {
	Execute(ctx context.Context, workflowID, specPath, repositoryURL string) (domain.ExecutionResult, error)
}

// QualityGate runs tests, lint and build checks against a workspace. A failed
// check is a normal negative result; only an unrunnable gate returns an error.
type QualityGate interface {
	RunQualityGates(ctx context.Context, workflowID, workspacePath string) (domain.QAResult, error)
}

// PullRequester opens a pull request for the workflow's branch.
type PullRequester interface {
	CreatePullRequest(ctx context.Context, wf domain.Workflow) (domain.PullRequest, error)
}

// Notifier tells an assignee that an approval waits for them. Delivery is
// best effort.
type Notifier interface {
	Notify(ctx context.Context, approval domain.Approval, contentRef string) error
}

// Set bundles the collaborators one orchestrator drives.
type Set struct {
	Planner       Planner
	Executor      Executor
	QualityGate   QualityGate
	PullRequester PullRequester
}

// Validate ensures every collaborator is wired.
func (s Set) Validate() error {
	switch {
	case s.Planner == nil:
		return errMissing("planner")
	case s.Executor == nil:
		return errMissing("executor")
	case s.QualityGate == nil:
		return errMissing("quality gate")
	case s.PullRequester == nil:
		return errMissing("pull requester")
	}
	return nil
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, approval domain.Approval, contentRef string) error

func (f NotifierFunc) Notify(ctx context.Context, approval domain.Approval, contentRef string) error {
	return f(ctx, approval, contentRef)
}
