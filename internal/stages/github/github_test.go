package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

func testClient(t *testing.T, h http.Handler) *github.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	return client
}

func workflow() domain.Workflow {
	branch := "ticketline/wf-1"
	spec := "# Add login"
	report := "file:///reports/wf-1.txt"
	return domain.Workflow{
		ID:            "wf-1",
		TicketID:      "1234",
		RepositoryURL: "https://github.com/acme/widgets.git",
		BranchName:    &branch,
		SpecContent:   &spec,
		QAReportURL:   &report,
		Ticket:        domain.Ticket{ID: "1234", Title: "Add login"},
	}
}

func TestCreatePullRequest(t *testing.T) {
	var got github.NewPullRequest
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widgets/pulls", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42, "html_url": "https://github.com/acme/widgets/pull/42"}`))
	}))

	p := &PullRequester{Client: client, BaseBranch: "develop", Draft: true}
	pr, err := p.CreatePullRequest(context.Background(), workflow())
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", pr.URL)
	assert.Equal(t, "[1234] Add login", got.GetTitle())
	assert.Equal(t, "ticketline/wf-1", got.GetHead())
	assert.Equal(t, "develop", got.GetBase())
	assert.True(t, got.GetDraft())
	assert.Contains(t, got.GetBody(), "# Add login")
}

func TestCreatePullRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 7, "html_url": "https://github.com/acme/widgets/pull/7"}`))
	}))
	p := &PullRequester{Client: client, Backoff: time.Millisecond}
	pr, err := p.CreatePullRequest(context.Background(), workflow())
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreatePullRequestClientErrorIsIntegrationError(t *testing.T) {
	var calls atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed"}`))
	}))
	p := &PullRequester{Client: client, Backoff: time.Millisecond}
	_, err := p.CreatePullRequest(context.Background(), workflow())
	assert.ErrorIs(t, err, stages.ErrIntegration)
	assert.Equal(t, int32(1), calls.Load())

	wf := workflow()
	wf.BranchName = nil
	_, err = p.CreatePullRequest(context.Background(), wf)
	assert.ErrorIs(t, err, stages.ErrIntegration)
}

func TestParseRepository(t *testing.T) {
	cases := map[string][2]string{
		"https://github.com/acme/widgets":     {"acme", "widgets"},
		"https://github.com/acme/widgets.git": {"acme", "widgets"},
		"git@github.com:acme/widgets.git":     {"acme", "widgets"},
		"https://ghe.corp/acme/widgets/":      {"acme", "widgets"},
	}
	for in, want := range cases {
		owner, repo, err := ParseRepository(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, [2]string{owner, repo}, in)
	}
	_, _, err := ParseRepository("https://example/repo.git")
	assert.Error(t, err)
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient(context.Background(), "", "")
	assert.Error(t, err)
	c, err := NewClient(context.Background(), "tok", "https://ghe.corp/api/v3/")
	require.NoError(t, err)
	assert.Equal(t, "ghe.corp", c.BaseURL.Host)
}
