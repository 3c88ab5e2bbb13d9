package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ticketline/internal/domain"
	"ticketline/internal/fsm"
	"ticketline/internal/repo"
)

type workflowPath struct {
	ID string `path:"id"`
}

type workflowOutput struct {
	Body domain.Workflow `json:"body"`
}

func (h handlers) registerWorkflows(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Submit a ticket to the pipeline",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitWorkflowRequest `json:"body"`
	}) (*workflowOutput, error) {
		wf, err := h.orch.Submit(ctx, input.Body.ticket())
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State    string `query:"state"`
		TicketID string `query:"ticket_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body WorkflowList `json:"body"`
	}, error) {
		filter := repo.WorkflowFilter{TicketID: input.TicketID, Limit: normalizeLimit(input.Limit)}
		if input.State != "" {
			st, err := fsm.ParseState(input.State)
			if err != nil {
				return nil, handleError(err)
			}
			filter.State = st
		}
		items, err := h.orch.List(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowList `json:"body"`
		}{Body: WorkflowList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get a workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*workflowOutput, error) {
		wf, err := h.orch.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-history",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}/history",
		Summary:     "Ordered transitions of a workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		wf, err := h.orch.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		history, err := h.orch.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{WorkflowID: wf.ID, State: wf.State, Items: history}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-approvals",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}/approvals",
		Summary:     "Approvals requested for a workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body ApprovalList `json:"body"`
	}, error) {
		items, err := h.orch.Approvals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalList `json:"body"`
		}{Body: ApprovalList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/cancel",
		Summary:     "Cancel a running workflow",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body *CancelWorkflowRequest `json:"body,omitempty" required:"false"`
	}) (*workflowOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		wf, err := h.orch.Cancel(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{id}/retry",
		Summary:       "Start a new workflow for the ticket of a failed one",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workflowPath) (*workflowOutput, error) {
		wf, err := h.orch.SubmitRetry(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})
}
