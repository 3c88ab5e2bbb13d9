package repo

import (
	"context"
	"errors"
	"time"

	"ticketline/internal/domain"
	"ticketline/internal/fsm"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyDecided is returned when a decision targets a non-pending approval.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("already exists")
)

// Record is a workflow together with the state machine that owns its state.
type Record struct {
	Workflow domain.Workflow
	Machine  *fsm.Machine
}

// Clone returns a deep copy so callers never share a machine with the store.
func (r Record) Clone() Record {
	out := Record{Workflow: cloneWorkflow(r.Workflow)}
	if r.Machine != nil {
		out.Machine = r.Machine.Clone()
	}
	return out
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	State    fsm.State
	TicketID string
	Limit    int
}

// ApprovalFilter narrows ListApprovals. Empty fields match everything.
type ApprovalFilter struct {
	WorkflowID string
	Assignee   string
	Status     domain.ApprovalStatus
}

// DecisionInput is the payload of a compare-and-set decision.
type DecisionInput struct {
	Decision domain.Decision
	Approver string
	Comments string
	At       time.Time
}

// WorkflowStore keeps workflow records. UpdateWorkflow serializes callers per
// workflow id and persists only when fn returns nil.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, rec Record) error
	GetWorkflow(ctx context.Context, id string) (Record, error)
	FindActiveByTicket(ctx context.Context, ticketID string) (Record, error)
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]domain.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, fn func(*Record) error) (Record, error)
}

// ApprovalStore keeps approvals. DecideApproval is a compare-and-set on the
// PENDING status: exactly one caller wins.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a domain.Approval) error
	GetApproval(ctx context.Context, id string) (domain.Approval, error)
	DecideApproval(ctx context.Context, id string, in DecisionInput) (domain.Approval, error)
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]domain.Approval, error)
}

// Store is the full repository contract.
type Store interface {
	WorkflowStore
	ApprovalStore
}

// applyUpdate runs fn against a private copy of cur and enforces the record
// invariants before the caller persists the result.
func applyUpdate(cur Record, fn func(*Record) error) (Record, error) {
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	if next.Workflow.ID != cur.Workflow.ID {
		return Record{}, errors.New("workflow id is immutable")
	}
	if next.Machine == nil {
		return Record{}, errors.New("workflow record has no state machine")
	}
	next.Workflow.State = next.Machine.Current()
	if last := next.Machine.LastTransition().At; next.Workflow.UpdatedAt.Before(last) {
		next.Workflow.UpdatedAt = last
	}
	if next.Workflow.UpdatedAt.Before(cur.Workflow.UpdatedAt) {
		next.Workflow.UpdatedAt = cur.Workflow.UpdatedAt
	}
	return next, nil
}

func validateNew(rec Record) error {
	if rec.Workflow.ID == "" {
		return errors.New("workflow id required")
	}
	if rec.Machine == nil {
		return errors.New("workflow record has no state machine")
	}
	if rec.Workflow.State != rec.Machine.Current() {
		return errors.New("workflow state does not match its state machine")
	}
	return nil
}

func decide(a domain.Approval, in DecisionInput) (domain.Approval, error) {
	status, ok := in.Decision.Status()
	if !ok {
		return a, errors.New("unknown decision " + string(in.Decision))
	}
	if !a.Pending() {
		return a, ErrAlreadyDecided
	}
	d := in.Decision
	at := in.At.UTC()
	a.Status = status
	a.Decision = &d
	a.Approver = in.Approver
	a.Comments = in.Comments
	a.DecidedAt = &at
	return a, nil
}

func cloneWorkflow(w domain.Workflow) domain.Workflow {
	out := w
	out.SpecPath = cloneString(w.SpecPath)
	out.SpecContent = cloneString(w.SpecContent)
	out.WorkspacePath = cloneString(w.WorkspacePath)
	out.BranchName = cloneString(w.BranchName)
	out.QAReportURL = cloneString(w.QAReportURL)
	out.PRURL = cloneString(w.PRURL)
	out.ErrorMessage = cloneString(w.ErrorMessage)
	out.ParentID = cloneString(w.ParentID)
	if w.QAPassed != nil {
		v := *w.QAPassed
		out.QAPassed = &v
	}
	if w.PRNumber != nil {
		v := *w.PRNumber
		out.PRNumber = &v
	}
	if w.MergedAt != nil {
		v := *w.MergedAt
		out.MergedAt = &v
	}
	if w.Ticket.Labels != nil {
		out.Ticket.Labels = append([]string(nil), w.Ticket.Labels...)
	}
	return out
}

func cloneApproval(a domain.Approval) domain.Approval {
	out := a
	if a.Decision != nil {
		d := *a.Decision
		out.Decision = &d
	}
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		out.DecidedAt = &t
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func matchesApproval(a domain.Approval, f ApprovalFilter) bool {
	if f.WorkflowID != "" && a.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Assignee != "" && a.Assignee != f.Assignee {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}
