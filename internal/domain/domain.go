package domain

import (
	"time"

	"ticketline/internal/fsm"
)

// Ticket is the work item submitted to the pipeline.
type Ticket struct {
	ID            string   `json:"id"`
	URL           string   `json:"url,omitempty"`
	RepositoryURL string   `json:"repository_url"`
	Title         string   `json:"title,omitempty"`
	Description   string   `json:"description,omitempty"`
	Labels        []string `json:"labels,omitempty"`
}

// Workflow is the read model for one ticket's journey through the pipeline.
type Workflow struct {
	ID            string     `json:"id"`
	TicketID      string     `json:"ticket_id"`
	TicketURL     string     `json:"ticket_url,omitempty"`
	RepositoryURL string     `json:"repository_url"`
	State         fsm.State  `json:"state"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
	SpecPath      *string    `json:"spec_path,omitempty"`
	SpecContent   *string    `json:"spec_content,omitempty"`
	WorkspacePath *string    `json:"workspace_path,omitempty"`
	BranchName    *string    `json:"branch_name,omitempty"`
	QAReportURL   *string    `json:"qa_report_url,omitempty"`
	QAPassed      *bool      `json:"qa_passed,omitempty"`
	PRNumber      *int       `json:"pr_number,omitempty"`
	PRURL         *string    `json:"pr_url,omitempty"`
	MergedAt      *time.Time `json:"merged_at,omitempty" format:"date-time"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	RevisionCount int        `json:"revision_count"`
	ParentID      *string    `json:"parent_id,omitempty"`
	Ticket        Ticket     `json:"ticket"`
}

// Terminal reports whether the workflow reached a state with no exits.
func (w Workflow) Terminal() bool {
	return fsm.IsTerminal(w.State)
}

// ApprovalType names a human checkpoint.
type ApprovalType string

const (
	ApprovalSpec ApprovalType = "SPEC"
	ApprovalPR   ApprovalType = "PR"
)

// ApprovalStatus is PENDING until exactly one decision lands.
type ApprovalStatus string

const (
	ApprovalPending           ApprovalStatus = "PENDING"
	ApprovalApproved          ApprovalStatus = "APPROVED"
	ApprovalRejected          ApprovalStatus = "REJECTED"
	ApprovalRevisionRequested ApprovalStatus = "REVISION_REQUESTED"
	ApprovalExpired           ApprovalStatus = "EXPIRED"
)

// Decision is what a human (or the timeout) answered.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
	DecisionRevise  Decision = "REVISE"
	DecisionExpire  Decision = "EXPIRE"
)

// Status maps a decision to the approval status it produces.
func (d Decision) Status() (ApprovalStatus, bool) {
	switch d {
	case DecisionApprove:
		return ApprovalApproved, true
	case DecisionReject:
		return ApprovalRejected, true
	case DecisionRevise:
		return ApprovalRevisionRequested, true
	case DecisionExpire:
		return ApprovalExpired, true
	}
	return "", false
}

// Approval is one human checkpoint instance.
type Approval struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Type        ApprovalType   `json:"type" enum:"SPEC,PR"`
	ContentRef  string         `json:"content_ref,omitempty"`
	Assignee    string         `json:"assignee"`
	Status      ApprovalStatus `json:"status" enum:"PENDING,APPROVED,REJECTED,REVISION_REQUESTED,EXPIRED"`
	Decision    *Decision      `json:"decision,omitempty"`
	Comments    string         `json:"comments,omitempty"`
	Approver    string         `json:"approver,omitempty"`
	RequestedAt time.Time      `json:"requested_at" format:"date-time"`
	ExpiresAt   time.Time      `json:"expires_at" format:"date-time"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty" format:"date-time"`
}

// Pending reports whether no decision has been recorded yet.
func (a Approval) Pending() bool {
	return a.Status == ApprovalPending
}

// SpecResult is returned by the planning collaborator.
type SpecResult struct {
	Path    string `json:"spec_path"`
	Content string `json:"spec_content"`
}

// ExecutionResult is returned by the execution collaborator.
type ExecutionResult struct {
	WorkspacePath string `json:"workspace_path"`
	BranchName    string `json:"branch_name"`
}

// QAResult is returned by the quality-gate collaborator.
type QAResult struct {
	Passed    bool   `json:"passed"`
	ReportURL string `json:"report_url,omitempty"`
}

// PullRequest is returned by the PR collaborator.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}
