package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"ticketline/internal/approval"
	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/fsm"
	"ticketline/internal/metrics"
	"ticketline/internal/orchestrator"
	"ticketline/internal/repo"
	"ticketline/internal/stages"
	"ticketline/internal/stages/scripted"
)

// reviewer answers approvals as they are requested. A missing answer leaves
// the approval pending.
type reviewer struct {
	mu      sync.Mutex
	answers map[domain.ApprovalType][]domain.Decision
}

func (r *reviewer) script(typ domain.ApprovalType, decisions ...domain.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[typ] = append(r.answers[typ], decisions...)
}

func (r *reviewer) next(typ domain.ApprovalType) (domain.Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.answers[typ]
	if len(q) == 0 {
		return "", false
	}
	r.answers[typ] = q[1:]
	return q[0], true
}

type harness struct {
	orch     *orchestrator.Orchestrator
	gate     *approval.Gate
	store    *repo.Memory
	pipeline *scripted.Pipeline
	metrics  *metrics.Metrics
	reviewer *reviewer
	spans    *tracetest.SpanRecorder
}

type harnessOption func(*config.Approvals, *orchestrator.Policy)

func withSpecTimeout(d time.Duration) harnessOption {
	return func(c *config.Approvals, _ *orchestrator.Policy) { c.SpecTimeout = d }
}

func withPolicy(fn func(*orchestrator.Policy)) harnessOption {
	return func(_ *config.Approvals, p *orchestrator.Policy) { fn(p) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Approvals{
		SpecTimeout:     time.Minute,
		PRTimeout:       time.Minute,
		DefaultAssignee: "reviewer",
		PollInterval:    5 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	}
	policy := orchestrator.Policy{DedupeTickets: true, MaxRevisions: 3}
	for _, opt := range opts {
		opt(&cfg, &policy)
	}

	h := &harness{
		store:    repo.NewMemory(),
		pipeline: scripted.New(),
		metrics:  metrics.New(),
		reviewer: &reviewer{answers: make(map[domain.ApprovalType][]domain.Decision)},
		spans:    tracetest.NewSpanRecorder(),
	}
	notifier := stages.NotifierFunc(func(_ context.Context, a domain.Approval, _ string) error {
		if d, ok := h.reviewer.next(a.Type); ok {
			go func() { _, _ = h.gate.Decide(context.Background(), a.ID, d, "alice", "scripted "+string(d)) }()
		}
		return nil
	})
	h.gate = approval.New(h.store, cfg,
		approval.WithNotifier(notifier),
		approval.WithLogger(zap.NewNop()),
		approval.WithMetrics(h.metrics))
	t.Cleanup(h.gate.Close)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orch, err := orchestrator.New(h.store, h.gate, h.pipeline.Set(),
		orchestrator.WithPolicy(policy),
		orchestrator.WithLogger(zap.NewNop()),
		orchestrator.WithMetrics(h.metrics),
		orchestrator.WithTracerProvider(tp))
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return h
}

func ticket(id string) domain.Ticket {
	return domain.Ticket{
		ID:            id,
		URL:           "https://tracker.example.com/" + id,
		RepositoryURL: "https://github.com/acme/widgets",
		Title:         "Add widget export",
	}
}

func states(history []fsm.Transition) []fsm.State {
	out := make([]fsm.State, len(history))
	for i, h := range history {
		out[i] = h.To
	}
	return out
}

func (h *harness) waitState(t *testing.T, id string, want fsm.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		wf, err := h.orch.Get(context.Background(), id)
		return err == nil && wf.State == want
	}, 2*time.Second, 5*time.Millisecond, "workflow %s never reached %s", id, want)
}

func TestStartCompletesWhenBothCheckpointsApprove(t *testing.T) {
	h := newHarness(t)
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionApprove)
	h.reviewer.script(domain.ApprovalPR, domain.DecisionApprove)
	ctx := context.Background()

	wf, err := h.orch.Start(ctx, ticket("T-1"))
	require.NoError(t, err)
	assert.Equal(t, fsm.Completed, wf.State)
	require.NotNil(t, wf.SpecPath)
	require.NotNil(t, wf.QAPassed)
	assert.True(t, *wf.QAPassed)
	require.NotNil(t, wf.PRNumber)
	assert.Equal(t, 1, *wf.PRNumber)
	assert.Equal(t, "https://github.com/acme/widgets/pull/1", *wf.PRURL)
	assert.NotNil(t, wf.MergedAt)
	assert.Nil(t, wf.ErrorMessage)

	history, err := h.orch.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []fsm.State{
		fsm.Pending, fsm.Planning, fsm.AwaitingSpecApproval, fsm.SpecApproved,
		fsm.Executing, fsm.QARunning, fsm.PRCreated, fsm.AwaitingPRApproval,
		fsm.Completed,
	}, states(history))
	assert.Nil(t, history[0].From)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].At.Before(history[i-1].At))
	}
	assert.Equal(t, "alice", history[3].Metadata["approver"])

	approvals, err := h.orch.Approvals(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, domain.ApprovalSpec, approvals[0].Type)
	assert.Equal(t, *wf.SpecPath, approvals[0].ContentRef)
	assert.Equal(t, domain.ApprovalPR, approvals[1].Type)
	assert.Equal(t, *wf.PRURL, approvals[1].ContentRef)
	for _, a := range approvals {
		assert.Equal(t, domain.ApprovalApproved, a.Status)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues(string(fsm.Completed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveWorkflows))
}

func TestQAFailureStopsBeforePullRequest(t *testing.T) {
	h := newHarness(t)
	h.pipeline.QAFunc = scripted.QAOutcome(false)
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionApprove)

	wf, err := h.orch.Start(context.Background(), ticket("T-2"))
	require.NoError(t, err)
	assert.Equal(t, fsm.QAFailed, wf.State)
	require.NotNil(t, wf.QAPassed)
	assert.False(t, *wf.QAPassed)
	assert.Equal(t, "mem://qa/"+wf.ID, *wf.QAReportURL)
	assert.Nil(t, wf.PRNumber)
	assert.Equal(t, 0, h.pipeline.Calls(stages.StagePullRequest))
}

func TestSpecRevisionRegeneratesAndRequestsNewApproval(t *testing.T) {
	h := newHarness(t)
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionRevise, domain.DecisionApprove)
	h.reviewer.script(domain.ApprovalPR, domain.DecisionApprove)
	ctx := context.Background()

	wf, err := h.orch.Start(ctx, ticket("T-3"))
	require.NoError(t, err)
	assert.Equal(t, fsm.Completed, wf.State)
	assert.Equal(t, 1, wf.RevisionCount)
	assert.Equal(t, 2, h.pipeline.Calls(stages.StagePlanning))
	assert.Contains(t, *wf.SpecContent, "revision 2")

	history, err := h.orch.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []fsm.State{
		fsm.Pending, fsm.Planning, fsm.AwaitingSpecApproval,
		fsm.Planning, fsm.AwaitingSpecApproval, fsm.SpecApproved,
	}, states(history)[:6])
	assert.Equal(t, "revision_requested", history[3].Metadata["reason"])

	approvals, err := h.orch.Approvals(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 3)
	assert.Equal(t, domain.ApprovalRevisionRequested, approvals[0].Status)
	assert.Equal(t, domain.ApprovalApproved, approvals[1].Status)
	assert.NotEqual(t, approvals[0].ID, approvals[1].ID)
}

func TestRevisionLimitRejectsSpec(t *testing.T) {
	h := newHarness(t, withPolicy(func(p *orchestrator.Policy) { p.MaxRevisions = 1 }))
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionRevise, domain.DecisionRevise)

	wf, err := h.orch.Start(context.Background(), ticket("T-4"))
	require.NoError(t, err)
	assert.Equal(t, fsm.SpecRejected, wf.State)
	assert.Equal(t, 1, wf.RevisionCount)
	assert.Equal(t, 2, h.pipeline.Calls(stages.StagePlanning))

	history, err := h.orch.History(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "revision_limit", history[len(history)-1].Metadata["reason"])
}

func TestSpecRejection(t *testing.T) {
	h := newHarness(t)
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionReject)

	wf, err := h.orch.Start(context.Background(), ticket("T-5"))
	require.NoError(t, err)
	assert.Equal(t, fsm.SpecRejected, wf.State)
	assert.Equal(t, 0, h.pipeline.Calls(stages.StageExecution))
}

func TestSpecApprovalTimeoutRejects(t *testing.T) {
	h := newHarness(t, withSpecTimeout(30*time.Millisecond))
	ctx := context.Background()

	wf, err := h.orch.Start(ctx, ticket("T-6"))
	require.NoError(t, err)
	assert.Equal(t, fsm.SpecRejected, wf.State)
	assert.Equal(t, 0, h.pipeline.Calls(stages.StageExecution))

	approvals, err := h.orch.Approvals(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, domain.ApprovalExpired, approvals[0].Status)
	assert.Equal(t, approval.ActorTimeout, approvals[0].Approver)

	history, err := h.orch.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "expired", history[len(history)-1].Metadata["reason"])
}

func TestExecutionFailureEndsInError(t *testing.T) {
	h := newHarness(t)
	h.pipeline.ExecFunc = scripted.FailExecution(errors.New("agent crashed"))
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionApprove)

	wf, err := h.orch.Start(context.Background(), ticket("T-7"))
	require.Error(t, err)
	assert.ErrorIs(t, err, stages.ErrExecution)
	var se *orchestrator.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stages.StageExecution, se.Stage)

	assert.Equal(t, fsm.Error, wf.State)
	require.NotNil(t, wf.ErrorMessage)
	assert.Contains(t, *wf.ErrorMessage, "agent crashed")
	assert.Equal(t, 0, h.pipeline.Calls(stages.StageQualityGate))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues(string(fsm.Error))))
}

func TestUnclassifiedPlannerErrorIsGenerationError(t *testing.T) {
	h := newHarness(t)
	h.pipeline.PlanFunc = func(context.Context, string, domain.Ticket, int) (domain.SpecResult, error) {
		return domain.SpecResult{}, errors.New("template missing")
	}

	wf, err := h.orch.Start(context.Background(), ticket("T-8"))
	assert.ErrorIs(t, err, stages.ErrGeneration)
	assert.Equal(t, fsm.Error, wf.State)
}

func TestPullRequestRejectionEndsInError(t *testing.T) {
	h := newHarness(t)
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionApprove)
	h.reviewer.script(domain.ApprovalPR, domain.DecisionReject)

	wf, err := h.orch.Start(context.Background(), ticket("T-9"))
	assert.ErrorIs(t, err, orchestrator.ErrPullRequestRejected)
	assert.Equal(t, fsm.Error, wf.State)
	assert.Nil(t, wf.MergedAt)
	require.NotNil(t, wf.ErrorMessage)
	assert.Contains(t, *wf.ErrorMessage, "REJECTED")
}

func TestInvalidTicket(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Start(context.Background(), domain.Ticket{ID: "T-10"})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTicket)
	_, err = h.orch.Submit(context.Background(), domain.Ticket{RepositoryURL: "https://github.com/acme/widgets"})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTicket)
}

func TestDuplicateTicketIsRejectedWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Submit(ctx, ticket("T-11"))
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, ticket("T-11"))
	assert.ErrorIs(t, err, orchestrator.ErrDuplicateTicket)

	h.waitState(t, first.ID, fsm.AwaitingSpecApproval)
	_, err = h.orch.Cancel(ctx, first.ID, "")
	require.NoError(t, err)
	h.waitState(t, first.ID, fsm.Error)

	h.reviewer.script(domain.ApprovalSpec, domain.DecisionReject)
	second, err := h.orch.Start(ctx, ticket("T-11"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDedupeCanBeDisabled(t *testing.T) {
	h := newHarness(t, withPolicy(func(p *orchestrator.Policy) { p.DedupeTickets = false }))
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, ticket("T-12"))
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, ticket("T-12"))
	assert.NoError(t, err)
}

func TestCancelDuringApprovalWait(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf, err := h.orch.Submit(ctx, ticket("T-13"))
	require.NoError(t, err)
	h.waitState(t, wf.ID, fsm.AwaitingSpecApproval)

	cancelled, err := h.orch.Cancel(ctx, wf.ID, "duplicate of T-1")
	require.NoError(t, err)
	assert.Equal(t, fsm.Error, cancelled.State)
	require.NotNil(t, cancelled.ErrorMessage)
	assert.Equal(t, "cancelled: duplicate of T-1", *cancelled.ErrorMessage)

	require.NoError(t, h.orch.Shutdown(ctx))

	history, err := h.orch.History(ctx, wf.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, fsm.Error, last.To)
	assert.Equal(t, orchestrator.ActorCancel, last.TriggeredBy)

	approvals, err := h.orch.Approvals(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, domain.ApprovalExpired, approvals[0].Status)
	assert.Equal(t, 0, h.pipeline.Calls(stages.StageExecution))

	_, err = h.orch.Cancel(ctx, wf.ID, "")
	assert.ErrorIs(t, err, fsm.ErrIllegalTransition)
}

func TestCancelInterruptsRunningStage(t *testing.T) {
	h := newHarness(t)
	h.pipeline.Delay = time.Minute
	ctx := context.Background()

	wf, err := h.orch.Submit(ctx, ticket("T-14"))
	require.NoError(t, err)
	h.waitState(t, wf.ID, fsm.Planning)

	_, err = h.orch.Cancel(ctx, wf.ID, "")
	require.NoError(t, err)
	require.NoError(t, h.orch.Shutdown(ctx))

	got, err := h.orch.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, fsm.Error, got.State)
	assert.Equal(t, "cancelled", *got.ErrorMessage)
}

func TestRetryCreatesLinkedWorkflow(t *testing.T) {
	h := newHarness(t)
	var execs atomic.Int32
	h.pipeline.ExecFunc = func(_ context.Context, id, _, _ string) (domain.ExecutionResult, error) {
		if execs.Add(1) == 1 {
			return domain.ExecutionResult{}, stages.ExecutionError(errors.New("flaky network"))
		}
		return domain.ExecutionResult{WorkspacePath: "/tmp/ws/" + id, BranchName: "ticketline/" + id}, nil
	}
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionApprove, domain.DecisionApprove)
	h.reviewer.script(domain.ApprovalPR, domain.DecisionApprove)
	ctx := context.Background()

	failed, err := h.orch.Start(ctx, ticket("T-15"))
	require.Error(t, err)
	assert.Equal(t, fsm.Error, failed.State)

	retried, err := h.orch.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, fsm.Completed, retried.State)
	assert.Equal(t, 1, retried.RetryCount)
	require.NotNil(t, retried.ParentID)
	assert.Equal(t, failed.ID, *retried.ParentID)
	assert.Equal(t, failed.TicketID, retried.TicketID)

	_, err = h.orch.Retry(ctx, retried.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotRetryable)
	_, err = h.orch.Retry(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentWorkflowsAreIndependent(t *testing.T) {
	h := newHarness(t)
	const n = 10
	h.reviewer.script(domain.ApprovalSpec, repeat(domain.DecisionApprove, n)...)
	h.reviewer.script(domain.ApprovalPR, repeat(domain.DecisionApprove, n)...)
	ctx := context.Background()

	ids := make([]string, n)
	for i := range ids {
		wf, err := h.orch.Submit(ctx, ticket(fmt.Sprintf("T-C%d", i)))
		require.NoError(t, err)
		ids[i] = wf.ID
	}
	require.NoError(t, h.orch.Shutdown(ctx))

	for _, id := range ids {
		wf, err := h.orch.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fsm.Completed, wf.State, id)
		assert.Contains(t, *wf.BranchName, id)
	}
	list, err := h.orch.List(ctx, repo.WorkflowFilter{State: fsm.Completed})
	require.NoError(t, err)
	assert.Len(t, list, n)
}

func TestRecoverResumesParkedWorkflows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parked := seed(t, h, "T-R1", fsm.Planning, fsm.AwaitingSpecApproval)
	pending, err := h.gate.Request(ctx, parked, domain.ApprovalSpec, "specs/T-R1.md", "")
	require.NoError(t, err)
	interrupted := seed(t, h, "T-R2", fsm.Planning, fsm.AwaitingSpecApproval, fsm.SpecApproved, fsm.Executing)
	h.reviewer.script(domain.ApprovalPR, domain.DecisionApprove)

	resumed, failed, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 1, failed)

	got, err := h.orch.Get(ctx, interrupted)
	require.NoError(t, err)
	assert.Equal(t, fsm.Error, got.State)
	assert.Contains(t, *got.ErrorMessage, "interrupted")

	_, err = h.gate.Decide(ctx, pending.ID, domain.DecisionApprove, "bob", "")
	require.NoError(t, err)
	h.waitState(t, parked, fsm.Completed)

	approvals, err := h.orch.Approvals(ctx, parked)
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, pending.ID, approvals[0].ID)
	assert.Equal(t, 0, h.pipeline.Calls(stages.StagePlanning))
}

func TestStageSpansAreRecorded(t *testing.T) {
	h := newHarness(t)
	h.pipeline.ExecFunc = scripted.FailExecution(errors.New("boom"))
	h.reviewer.script(domain.ApprovalSpec, domain.DecisionApprove)

	_, err := h.orch.Start(context.Background(), ticket("T-16"))
	require.Error(t, err)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range h.spans.Ended() {
		byName[s.Name()] = s
	}
	for _, name := range []string{"workflow.run", "stage.planning", "approval.wait", "stage.execution"} {
		assert.Contains(t, byName, name)
	}
	assert.Equal(t, otelcodes.Error, byName["stage.execution"].Status().Code)
	assert.Equal(t, otelcodes.Error, byName["workflow.run"].Status().Code)
	assert.Equal(t, byName["workflow.run"].SpanContext().TraceID(), byName["stage.planning"].SpanContext().TraceID())
}

// seed stores a workflow that already walked through path.
func seed(t *testing.T, h *harness, ticketID string, path ...fsm.State) string {
	t.Helper()
	m, err := fsm.New(fsm.Pending, orchestrator.ActorSystem)
	require.NoError(t, err)
	for _, s := range path {
		_, err := m.Transition(s, orchestrator.ActorSystem, nil)
		require.NoError(t, err)
	}
	now := time.Now().UTC()
	specPath := "specs/" + ticketID + ".md"
	wf := domain.Workflow{
		ID:            "wf-" + ticketID,
		TicketID:      ticketID,
		RepositoryURL: "https://github.com/acme/widgets",
		State:         m.Current(),
		CreatedAt:     now,
		UpdatedAt:     now,
		SpecPath:      &specPath,
		Ticket:        ticket(ticketID),
	}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), repo.Record{Workflow: wf, Machine: m}))
	return wf.ID
}

func repeat(d domain.Decision, n int) []domain.Decision {
	out := make([]domain.Decision, n)
	for i := range out {
		out[i] = d
	}
	return out
}
