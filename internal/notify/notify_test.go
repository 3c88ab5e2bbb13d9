package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

func sampleApproval() domain.Approval {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Approval{
		ID:          "ap-1",
		WorkflowID:  "wf-1",
		Type:        domain.ApprovalSpec,
		Assignee:    "alice",
		Status:      domain.ApprovalPending,
		RequestedAt: at,
		ExpiresAt:   at.Add(24 * time.Hour),
	}
}

func TestWebhookPostsApproval(t *testing.T) {
	var got webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "s3cr3t", time.Second)
	require.NoError(t, hook.Notify(context.Background(), sampleApproval(), "specs/wf-1.md"))

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "approval.requested", headers.Get("X-Ticketline-Event"))
	assert.Equal(t, "ap-1", headers.Get("X-Ticketline-Delivery"))
	assert.Equal(t, "wf-1", headers.Get("X-Ticketline-Workflow"))
	assert.Equal(t, "s3cr3t", headers.Get("X-Ticketline-Secret"))
	assert.Equal(t, "alice", got.Assignee)
	assert.Equal(t, "specs/wf-1.md", got.ContentRef)
	assert.Equal(t, "2026-03-02T12:00:00Z", got.ExpiresAt)
}

func TestWebhookOmitsEmptySecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Ticketline-Secret"))
	}))
	defer srv.Close()
	require.NoError(t, NewWebhook(srv.URL, "", 0).Notify(context.Background(), sampleApproval(), ""))
}

func TestWebhookReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nobody home", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhook(srv.URL, "", time.Second).Notify(context.Background(), sampleApproval(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "nobody home")
}

func TestWebhookTypeFilter(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()
	hook := NewWebhook(srv.URL, "", time.Second)
	hook.Types = []domain.ApprovalType{domain.ApprovalPR}

	require.NoError(t, hook.Notify(context.Background(), sampleApproval(), ""))
	assert.Equal(t, 0, calls)

	pr := sampleApproval()
	pr.Type = domain.ApprovalPR
	require.NoError(t, hook.Notify(context.Background(), pr, ""))
	assert.Equal(t, 1, calls)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, Log{Logger: zap.New(core)}.Notify(context.Background(), sampleApproval(), "specs/wf-1.md"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "approval awaiting decision", entry.Message)
	assert.Equal(t, "alice", entry.ContextMap()["assignee"])
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	m := Multi{
		stages.NotifierFunc(func(context.Context, domain.Approval, string) error { calls++; return boom }),
		stages.NotifierFunc(func(context.Context, domain.Approval, string) error { calls++; return nil }),
	}
	err := m.Notify(context.Background(), sampleApproval(), "")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	assert.NoError(t, Multi{}.Notify(context.Background(), sampleApproval(), ""))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.Webhooks = []config.Webhook{{URL: "http://hooks.invalid", Types: []string{"PR"}}}
	n := FromConfig(cfg, zap.NewNop())
	m, ok := n.(Multi)
	require.True(t, ok)
	require.Len(t, m, 2)
	hook, ok := m[1].(*Webhook)
	require.True(t, ok)
	assert.Equal(t, []domain.ApprovalType{domain.ApprovalPR}, hook.Types)
}
