// Package github opens pull requests for finished workflows.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

// NewClient creates a GitHub client authenticated with a static token.
// baseURL selects a GitHub Enterprise instance when set.
func NewClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	if token == "" {
		return nil, errors.New("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		return client.WithEnterpriseURLs(baseURL, baseURL)
	}
	return client, nil
}

// PullRequester implements stages.PullRequester.
type PullRequester struct {
	Client     *github.Client
	BaseBranch string
	Draft      bool
	// Attempts bounds retries on 5xx responses. Zero means 3.
	Attempts int
	Backoff  time.Duration
}

func (p *PullRequester) CreatePullRequest(ctx context.Context, wf domain.Workflow) (domain.PullRequest, error) {
	owner, repo, err := ParseRepository(wf.RepositoryURL)
	if err != nil {
		return domain.PullRequest{}, stages.IntegrationError(err)
	}
	if wf.BranchName == nil || *wf.BranchName == "" {
		return domain.PullRequest{}, stages.IntegrationError(errors.New("workflow has no branch"))
	}
	base := p.BaseBranch
	if base == "" {
		base = "main"
	}
	req := &github.NewPullRequest{
		Title: github.String(title(wf)),
		Head:  github.String(*wf.BranchName),
		Base:  github.String(base),
		Body:  github.String(body(wf)),
		Draft: github.Bool(p.Draft),
	}

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		pr, resp, err := p.Client.PullRequests.Create(ctx, owner, repo, req)
		if err == nil {
			return domain.PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
		}
		lastErr = err
		if resp == nil || resp.StatusCode < http.StatusInternalServerError {
			break
		}
		select {
		case <-ctx.Done():
			return domain.PullRequest{}, stages.IntegrationError(ctx.Err())
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return domain.PullRequest{}, stages.IntegrationError(fmt.Errorf("create pull request on %s/%s: %w", owner, repo, lastErr))
}

func title(wf domain.Workflow) string {
	if wf.Ticket.Title != "" {
		return fmt.Sprintf("[%s] %s", wf.TicketID, wf.Ticket.Title)
	}
	return fmt.Sprintf("[%s] ticketline change", wf.TicketID)
}

func body(wf domain.Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for ticket %s", wf.TicketID)
	if wf.TicketURL != "" {
		fmt.Fprintf(&b, " (%s)", wf.TicketURL)
	}
	fmt.Fprintf(&b, ".\n\nWorkflow: `%s`\n", wf.ID)
	if wf.QAReportURL != nil {
		fmt.Fprintf(&b, "Quality report: %s\n", *wf.QAReportURL)
	}
	if wf.SpecContent != nil {
		fmt.Fprintf(&b, "\n<details><summary>Approved specification</summary>\n\n%s\n</details>\n", *wf.SpecContent)
	}
	return b.String()
}

// ParseRepository extracts owner and name from an https or scp-style git URL.
func ParseRepository(raw string) (owner, repo string, err error) {
	path := raw
	if strings.HasPrefix(raw, "git@") {
		if i := strings.Index(raw, ":"); i >= 0 {
			path = raw[i+1:]
		}
	} else {
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", "", fmt.Errorf("parse repository url: %w", perr)
		}
		path = u.Path
	}
	parts := strings.Split(strings.Trim(strings.TrimSuffix(path, ".git"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository url %q is not owner/name", raw)
	}
	return parts[0], parts[1], nil
}
