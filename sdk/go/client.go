// Package ticketlinesdk is a small client for the Ticketline HTTP API.
package ticketlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Ticketline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credential is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Ticket is the work item submitted to the pipeline.
type Ticket struct {
	ID            string   `json:"ticket_id"`
	URL           string   `json:"ticket_url,omitempty"`
	RepositoryURL string   `json:"repository_url"`
	Title         string   `json:"title,omitempty"`
	Description   string   `json:"description,omitempty"`
	Labels        []string `json:"labels,omitempty"`
}

// Workflow represents the API workflow model.
type Workflow struct {
	ID            string     `json:"id"`
	TicketID      string     `json:"ticket_id"`
	TicketURL     string     `json:"ticket_url,omitempty"`
	RepositoryURL string     `json:"repository_url"`
	State         string     `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SpecPath      *string    `json:"spec_path,omitempty"`
	SpecContent   *string    `json:"spec_content,omitempty"`
	WorkspacePath *string    `json:"workspace_path,omitempty"`
	BranchName    *string    `json:"branch_name,omitempty"`
	QAReportURL   *string    `json:"qa_report_url,omitempty"`
	QAPassed      *bool      `json:"qa_passed,omitempty"`
	PRNumber      *int       `json:"pr_number,omitempty"`
	PRURL         *string    `json:"pr_url,omitempty"`
	MergedAt      *time.Time `json:"merged_at,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	RevisionCount int        `json:"revision_count"`
	ParentID      *string    `json:"parent_id,omitempty"`
}

// Terminal reports whether the workflow reached a state with no exits.
func (w Workflow) Terminal() bool {
	switch w.State {
	case "COMPLETED", "SPEC_REJECTED", "QA_FAILED", "ERROR":
		return true
	}
	return false
}

// Transition is one entry of a workflow's history.
type Transition struct {
	From        *string           `json:"from"`
	To          string            `json:"to"`
	At          time.Time         `json:"at"`
	TriggeredBy string            `json:"triggered_by"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Approval represents a human checkpoint.
type Approval struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Type        string     `json:"type"`
	ContentRef  string     `json:"content_ref,omitempty"`
	Assignee    string     `json:"assignee"`
	Status      string     `json:"status"`
	Decision    *string    `json:"decision,omitempty"`
	Comments    string     `json:"comments,omitempty"`
	Approver    string     `json:"approver,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	WorkflowID string         `json:"workflow_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// Identity is the actor the server authenticated.
type Identity struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

// ListOptions filters ListWorkflows.
type ListOptions struct {
	State    string
	TicketID string
	Limit    int
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

func hasStatus(err error, status int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == status
}

// Submit starts a workflow for ticket. The pipeline runs server-side.
func (c *Client) Submit(ctx context.Context, ticket Ticket) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "workflows", ticket, &resp)
	return resp, err
}

// ListWorkflows returns workflows, newest first.
func (c *Client) ListWorkflows(ctx context.Context, opts ListOptions) ([]Workflow, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.TicketID != "" {
		q.Set("ticket_id", opts.TicketID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp struct {
		Items []Workflow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("workflows", q), nil, &resp)
	return resp.Items, err
}

// GetWorkflow fetches a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// History returns the ordered transitions of a workflow.
func (c *Client) History(ctx context.Context, id string) ([]Transition, error) {
	var resp struct {
		Items []Transition `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("workflows/%s/history", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// WorkflowApprovals lists every approval of a workflow.
func (c *Client) WorkflowApprovals(ctx context.Context, id string) ([]Approval, error) {
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("workflows/%s/approvals", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// Cancel stops a running workflow.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%s/cancel", url.PathEscape(id)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Retry starts a new workflow for the ticket of a failed one.
func (c *Client) Retry(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%s/retry", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// PendingApprovals lists pending approvals for assignee; "me" means the
// authenticated actor and "" means everyone.
func (c *Client) PendingApprovals(ctx context.Context, assignee string) ([]Approval, error) {
	q := url.Values{}
	if assignee != "" {
		q.Set("assignee", assignee)
	}
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("approvals", q), nil, &resp)
	return resp.Items, err
}

// Decide records APPROVE, REJECT or REVISE for an approval.
func (c *Client) Decide(ctx context.Context, approvalID, decision, comments string) (Approval, error) {
	body := map[string]any{"decision": strings.ToUpper(decision)}
	if comments != "" {
		body["comments"] = comments
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/decision", url.PathEscape(approvalID)), body, &resp)
	return resp, err
}

// Events returns recent audit events, optionally for one workflow.
func (c *Client) Events(ctx context.Context, workflowID string, limit int) ([]Event, error) {
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow_id", workflowID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

// Me returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// WaitTerminal polls a workflow until it reaches a terminal state or ctx ends.
func (c *Client) WaitTerminal(ctx context.Context, id string, every time.Duration) (Workflow, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		wf, err := c.GetWorkflow(ctx, id)
		if err != nil || wf.Terminal() {
			return wf, err
		}
		select {
		case <-ctx.Done():
			return wf, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
