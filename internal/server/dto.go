package server

import (
	"ticketline/internal/domain"
	"ticketline/internal/events"
	"ticketline/internal/fsm"
)

// Request payloads

type SubmitWorkflowRequest struct {
	TicketID      string   `json:"ticket_id" minLength:"1"`
	TicketURL     string   `json:"ticket_url,omitempty"`
	RepositoryURL string   `json:"repository_url" minLength:"1"`
	Title         string   `json:"title,omitempty"`
	Description   string   `json:"description,omitempty"`
	Labels        []string `json:"labels,omitempty"`
}

func (r SubmitWorkflowRequest) ticket() domain.Ticket {
	return domain.Ticket{
		ID:            r.TicketID,
		URL:           r.TicketURL,
		RepositoryURL: r.RepositoryURL,
		Title:         r.Title,
		Description:   r.Description,
		Labels:        r.Labels,
	}
}

type CancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	Decision domain.Decision `json:"decision" enum:"APPROVE,REJECT,REVISE"`
	Comments string          `json:"comments,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type WorkflowList struct {
	Items []domain.Workflow `json:"items"`
}

type HistoryResponse struct {
	WorkflowID string           `json:"workflow_id"`
	State      fsm.State        `json:"state"`
	Items      []fsm.Transition `json:"items"`
}

type ApprovalList struct {
	Items []domain.Approval `json:"items"`
}

type EventList struct {
	Items []events.Event `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
