package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

func TestDefaultsSucceed(t *testing.T) {
	ctx := context.Background()
	p := New()
	require.NoError(t, p.Set().Validate())

	spec, err := p.GenerateSpec(ctx, "wf-1", domain.Ticket{ID: "1234", Title: "Add login"})
	require.NoError(t, err)
	assert.Contains(t, spec.Content, "revision 1")

	exec, err := p.Execute(ctx, "wf-1", spec.Path, "https://example/repo.git")
	require.NoError(t, err)
	qa, err := p.RunQualityGates(ctx, "wf-1", exec.WorkspacePath)
	require.NoError(t, err)
	assert.True(t, qa.Passed)

	pr, err := p.CreatePullRequest(ctx, domain.Workflow{RepositoryURL: "https://example/repo"})
	require.NoError(t, err)
	assert.Equal(t, "https://example/repo/pull/1", pr.URL)

	for _, stage := range []string{stages.StagePlanning, stages.StageExecution, stages.StageQualityGate, stages.StagePullRequest} {
		assert.Equal(t, 1, p.Calls(stage), stage)
	}
}

func TestProgrammedFailures(t *testing.T) {
	p := New()
	p.ExecFunc = FailExecution(errors.New("agent crashed"))
	p.QAFunc = QAOutcome(false)

	_, err := p.Execute(context.Background(), "wf-1", "", "")
	assert.ErrorIs(t, err, stages.ErrExecution)

	qa, err := p.RunQualityGates(context.Background(), "wf-1", "")
	require.NoError(t, err)
	assert.False(t, qa.Passed)
}

func TestDelayHonorsContext(t *testing.T) {
	p := New()
	p.Delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.GenerateSpec(ctx, "wf-1", domain.Ticket{})
	assert.ErrorIs(t, err, context.Canceled)
}
