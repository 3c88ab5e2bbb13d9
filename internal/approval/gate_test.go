package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/metrics"
	"ticketline/internal/repo"
	"ticketline/internal/stages"
)

func testConfig() config.Approvals {
	return config.Approvals{
		SpecTimeout:     time.Hour,
		PRTimeout:       2 * time.Hour,
		DefaultAssignee: "reviewer",
		PollInterval:    10 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	}
}

func newGate(t *testing.T, cfg config.Approvals, opts ...Option) (*Gate, *repo.Memory) {
	t.Helper()
	store := repo.NewMemory()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	g := New(store, cfg, opts...)
	t.Cleanup(g.Close)
	return g, store
}

func TestRequestDefaultsAndNotifies(t *testing.T) {
	ctx := context.Background()
	var notified []domain.Approval
	g, _ := newGate(t, testConfig(), WithNotifier(stages.NotifierFunc(func(_ context.Context, a domain.Approval, ref string) error {
		assert.Equal(t, "specs/wf-1.md", ref)
		notified = append(notified, a)
		return nil
	})))

	a, err := g.Request(ctx, "wf-1", domain.ApprovalSpec, "specs/wf-1.md", "")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", a.Assignee)
	assert.Equal(t, domain.ApprovalPending, a.Status)
	assert.Equal(t, a.RequestedAt.Add(time.Hour), a.ExpiresAt)
	require.Len(t, notified, 1)
	assert.Equal(t, a.ID, notified[0].ID)

	pr, err := g.Request(ctx, "wf-1", domain.ApprovalPR, "https://github.com/acme/widgets/pull/7", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", pr.Assignee)
	assert.Equal(t, pr.RequestedAt.Add(2*time.Hour), pr.ExpiresAt)

	_, err = g.Request(ctx, "wf-1", domain.ApprovalType("CODE"), "", "")
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestNotifyFailureIsNotFatal(t *testing.T) {
	m := metrics.New()
	g, _ := newGate(t, testConfig(), WithMetrics(m), WithNotifier(stages.NotifierFunc(func(context.Context, domain.Approval, string) error {
		return errors.New("smtp down")
	})))
	a, err := g.Request(context.Background(), "wf-1", domain.ApprovalSpec, "specs/wf-1.md", "")
	require.NoError(t, err)
	assert.True(t, a.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("error")))
}

func TestDecideOnce(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, testConfig())
	a, err := g.Request(ctx, "wf-1", domain.ApprovalSpec, "", "")
	require.NoError(t, err)

	decided, err := g.Decide(ctx, a.ID, domain.DecisionApprove, "alice", "ship it")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, decided.Status)
	assert.Equal(t, "alice", decided.Approver)
	require.NotNil(t, decided.DecidedAt)

	_, err = g.Decide(ctx, a.ID, domain.DecisionReject, "bob", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = g.Decide(ctx, "nope", domain.DecisionApprove, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.Decide(ctx, a.ID, domain.DecisionExpire, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = g.Decide(ctx, a.ID, domain.DecisionApprove, "", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestTimerExpiresApproval(t *testing.T) {
	cfg := testConfig()
	cfg.SpecTimeout = 30 * time.Millisecond
	g, store := newGate(t, cfg)
	a, err := g.Request(context.Background(), "wf-1", domain.ApprovalSpec, "", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetApproval(context.Background(), a.ID)
		return err == nil && got.Status == domain.ApprovalExpired
	}, time.Second, 5*time.Millisecond)

	got, err := g.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, ActorTimeout, got.Approver)
	require.NotNil(t, got.Decision)
	assert.Equal(t, domain.DecisionExpire, *got.Decision)
}

func TestWaitWakesOnDecision(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	g, _ := newGate(t, cfg)
	ctx := context.Background()
	a, err := g.Request(ctx, "wf-1", domain.ApprovalSpec, "", "")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = g.Decide(ctx, a.ID, domain.DecisionRevise, "alice", "tighten scope")
	}()
	got, err := g.Wait(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRevisionRequested, got.Status)
	assert.Equal(t, "tighten scope", got.Comments)
}

func TestWaitSeesDecisionMadeElsewhere(t *testing.T) {
	g, store := newGate(t, testConfig())
	ctx := context.Background()
	a, err := g.Request(ctx, "wf-1", domain.ApprovalPR, "", "")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.DecideApproval(ctx, a.ID, repo.DecisionInput{Decision: domain.DecisionApprove, Approver: "bob", At: time.Now()})
	}()
	got, err := g.Wait(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, got.Status)
}

func TestWaitExpiresOverdueApproval(t *testing.T) {
	g, store := newGate(t, testConfig())
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateApproval(ctx, domain.Approval{
		ID: "ap-old", WorkflowID: "wf-1", Type: domain.ApprovalSpec, Assignee: "reviewer",
		Status: domain.ApprovalPending, RequestedAt: past.Add(-time.Hour), ExpiresAt: past,
	}))
	got, err := g.Wait(ctx, "ap-old")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, got.Status)
}

func TestWaitHonoursContext(t *testing.T) {
	g, _ := newGate(t, testConfig())
	a, err := g.Request(context.Background(), "wf-1", domain.ApprovalSpec, "", "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	got, err := g.Wait(ctx, a.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, got.Pending())

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.waiters)
}

func TestDecideRacesExpiryExactlyOnce(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		g, _ := newGate(t, testConfig())
		a, err := g.Request(ctx, "wf-1", domain.ApprovalSpec, "", "")
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := g.Decide(ctx, a.ID, domain.DecisionApprove, "alice", ""); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyDecided)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := g.decide(ctx, a.ID, domain.DecisionExpire, ActorTimeout, ""); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyDecided)
			}
		}()
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	}
}

func TestSweepExpiresOverdueAndArmsTheRest(t *testing.T) {
	g, store := newGate(t, testConfig())
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.CreateApproval(ctx, domain.Approval{
		ID: "overdue", WorkflowID: "wf-1", Type: domain.ApprovalSpec, Assignee: "reviewer",
		Status: domain.ApprovalPending, RequestedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.CreateApproval(ctx, domain.Approval{
		ID: "soon", WorkflowID: "wf-2", Type: domain.ApprovalPR, Assignee: "reviewer",
		Status: domain.ApprovalPending, RequestedAt: now, ExpiresAt: now.Add(40 * time.Millisecond),
	}))

	require.NoError(t, g.Sweep(ctx))
	overdue, err := store.GetApproval(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, overdue.Status)

	require.Eventually(t, func() bool {
		soon, err := store.GetApproval(ctx, "soon")
		return err == nil && soon.Status == domain.ApprovalExpired
	}, time.Second, 5*time.Millisecond)
}

func TestSweepAfterRestartKeepsPendingGauge(t *testing.T) {
	ctx := context.Background()
	first, store := newGate(t, testConfig())
	stale, err := first.Request(ctx, "wf-1", domain.ApprovalSpec, "", "")
	require.NoError(t, err)
	live, err := first.Request(ctx, "wf-2", domain.ApprovalPR, "", "")
	require.NoError(t, err)
	first.Close()

	m := metrics.New()
	later := stale.ExpiresAt.Add(time.Minute)
	restarted := New(store, testConfig(), WithLogger(zap.NewNop()), WithMetrics(m), WithClock(func() time.Time { return later }))
	t.Cleanup(restarted.Close)

	require.NoError(t, restarted.Sweep(ctx))
	got, err := store.GetApproval(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalsPending))

	_, err = restarted.Decide(ctx, live.ID, domain.DecisionApprove, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ApprovalsPending))
}

func TestRunStopsWithContext(t *testing.T) {
	g, _ := newGate(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestExpireWorkflowAndPendingFor(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, testConfig())
	first, err := g.Request(ctx, "wf-1", domain.ApprovalSpec, "", "alice")
	require.NoError(t, err)
	_, err = g.Request(ctx, "wf-2", domain.ApprovalSpec, "", "alice")
	require.NoError(t, err)

	pending, err := g.PendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := g.ExpireWorkflow(ctx, "wf-1", "system:cancel")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := g.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, got.Status)
	assert.Equal(t, "system:cancel", got.Approver)

	pending, err = g.PendingFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "wf-2", pending[0].WorkflowID)

	all, err := g.ListForWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetConfigAppliesToNewRequests(t *testing.T) {
	ctx := context.Background()
	g, _ := newGate(t, testConfig())
	before, err := g.Request(ctx, "wf-1", domain.ApprovalSpec, "", "")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SpecTimeout = 5 * time.Minute
	cfg.DefaultAssignee = "lead"
	cfg.PollInterval = 0
	g.SetConfig(cfg)

	after, err := g.Request(ctx, "wf-2", domain.ApprovalSpec, "", "")
	require.NoError(t, err)
	assert.Equal(t, "lead", after.Assignee)
	assert.Equal(t, after.RequestedAt.Add(5*time.Minute), after.ExpiresAt)
	assert.Equal(t, 2*time.Second, g.Config().PollInterval)

	got, err := g.Get(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ExpiresAt, got.ExpiresAt)
}
