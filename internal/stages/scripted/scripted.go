// Package scripted provides in-memory collaborators whose behavior is
// programmed per call. They back tests and the demo command.
package scripted

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

// Pipeline implements every stage contract. Nil funcs fall back to a
// successful default.
type Pipeline struct {
	PlanFunc func(ctx context.Context, workflowID string, ticket domain.Ticket, attempt int) (domain.SpecResult, error)
	ExecFunc func(ctx context.Context, workflowID, specPath, repositoryURL string) (domain.ExecutionResult, error)
	QAFunc   func(ctx context.Context, workflowID, workspacePath string) (domain.QAResult, error)
	PRFunc   func(ctx context.Context, wf domain.Workflow) (domain.PullRequest, error)

	// Delay is slept before every call, honoring ctx.
	Delay time.Duration
	Root  string

	mu    sync.Mutex
	calls map[string]int
}

func New() *Pipeline {
	return &Pipeline{Root: filepath.Join("/tmp", "ticketline"), calls: make(map[string]int)}
}

// Set exposes the pipeline as a collaborator bundle.
func (p *Pipeline) Set() stages.Set {
	return stages.Set{Planner: p, Executor: p, QualityGate: p, PullRequester: p}
}

// Calls reports how often the collaborator for stage was invoked.
func (p *Pipeline) Calls(stage string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[stage]
}

func (p *Pipeline) enter(ctx context.Context, stage string) (int, error) {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[stage]++
	n := p.calls[stage]
	p.mu.Unlock()
	if p.Delay <= 0 {
		return n, ctx.Err()
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return n, ctx.Err()
	case <-t.C:
		return n, nil
	}
}

func (p *Pipeline) GenerateSpec(ctx context.Context, workflowID string, ticket domain.Ticket) (domain.SpecResult, error) {
	attempt, err := p.enter(ctx, stages.StagePlanning)
	if err != nil {
		return domain.SpecResult{}, err
	}
	if p.PlanFunc != nil {
		return p.PlanFunc(ctx, workflowID, ticket, attempt)
	}
	return domain.SpecResult{
		Path:    filepath.Join(p.Root, "specs", workflowID+".md"),
		Content: fmt.Sprintf("# %s\n\nTicket %s, revision %d.\n", ticket.Title, ticket.ID, attempt),
	}, nil
}

func (p *Pipeline) Execute(ctx context.Context, workflowID, specPath, repositoryURL string) (domain.ExecutionResult, error) {
	if _, err := p.enter(ctx, stages.StageExecution); err != nil {
		return domain.ExecutionResult{}, err
	}
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, workflowID, specPath, repositoryURL)
	}
	return domain.ExecutionResult{
		WorkspacePath: filepath.Join(p.Root, "workspaces", workflowID),
		BranchName:    "ticketline/" + workflowID,
	}, nil
}

func (p *Pipeline) RunQualityGates(ctx context.Context, workflowID, workspacePath string) (domain.QAResult, error) {
	if _, err := p.enter(ctx, stages.StageQualityGate); err != nil {
		return domain.QAResult{}, err
	}
	if p.QAFunc != nil {
		return p.QAFunc(ctx, workflowID, workspacePath)
	}
	return domain.QAResult{Passed: true, ReportURL: "file://" + filepath.Join(workspacePath, "qa-report.txt")}, nil
}

func (p *Pipeline) CreatePullRequest(ctx context.Context, wf domain.Workflow) (domain.PullRequest, error) {
	n, err := p.enter(ctx, stages.StagePullRequest)
	if err != nil {
		return domain.PullRequest{}, err
	}
	if p.PRFunc != nil {
		return p.PRFunc(ctx, wf)
	}
	return domain.PullRequest{Number: n, URL: fmt.Sprintf("%s/pull/%d", wf.RepositoryURL, n)}, nil
}

// QAOutcome returns a QAFunc reporting the given outcome.
func QAOutcome(passed bool) func(context.Context, string, string) (domain.QAResult, error) {
	return func(_ context.Context, workflowID, _ string) (domain.QAResult, error) {
		return domain.QAResult{Passed: passed, ReportURL: "mem://qa/" + workflowID}, nil
	}
}

// FailExecution returns an ExecFunc that fails with err.
func FailExecution(err error) func(context.Context, string, string, string) (domain.ExecutionResult, error) {
	return func(context.Context, string, string, string) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, stages.ExecutionError(err)
	}
}
