package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ticketline/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookRate    = rate.Limit(10)
	defaultWebhookBurst   = 5
)

// Webhook posts approval requests as JSON to a URL.
type Webhook struct {
	URL    string
	Secret string
	// Types limits delivery to these approval types; empty means all.
	Types   []domain.ApprovalType
	Client  *http.Client
	Limiter *rate.Limiter
}

func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		URL:     url,
		Secret:  secret,
		Client:  &http.Client{Timeout: timeout},
		Limiter: rate.NewLimiter(defaultWebhookRate, defaultWebhookBurst),
	}
}

type webhookBody struct {
	Event       string                `json:"event"`
	ApprovalID  string                `json:"approval_id"`
	WorkflowID  string                `json:"workflow_id"`
	Type        domain.ApprovalType   `json:"type"`
	Assignee    string                `json:"assignee"`
	Status      domain.ApprovalStatus `json:"status"`
	ContentRef  string                `json:"content_ref,omitempty"`
	RequestedAt string                `json:"requested_at"`
	ExpiresAt   string                `json:"expires_at"`
}

func (w *Webhook) Notify(ctx context.Context, a domain.Approval, contentRef string) error {
	if !w.wants(a.Type) {
		return nil
	}
	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook rate limit: %w", err)
		}
	}
	data, err := json.Marshal(webhookBody{
		Event:       "approval.requested",
		ApprovalID:  a.ID,
		WorkflowID:  a.WorkflowID,
		Type:        a.Type,
		Assignee:    a.Assignee,
		Status:      a.Status,
		ContentRef:  contentRef,
		RequestedAt: a.RequestedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   a.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ticketline-Event", "approval.requested")
	req.Header.Set("X-Ticketline-Delivery", a.ID)
	req.Header.Set("X-Ticketline-Workflow", a.WorkflowID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Ticketline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (w *Webhook) wants(t domain.ApprovalType) bool {
	if len(w.Types) == 0 {
		return true
	}
	for _, want := range w.Types {
		if want == t {
			return true
		}
	}
	return false
}
