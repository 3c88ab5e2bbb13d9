// Package approval manages human checkpoints: it records approval requests,
// accepts exactly one decision per approval and expires the ones nobody
// answered in time.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/logging"
	"ticketline/internal/metrics"
	"ticketline/internal/repo"
	"ticketline/internal/stages"
)

var (
	ErrNotFound        = repo.ErrNotFound
	ErrAlreadyDecided  = repo.ErrAlreadyDecided
	ErrInvalidDecision = errors.New("invalid decision")
	ErrInvalidType     = errors.New("invalid approval type")
)

// ActorTimeout is recorded as the approver of expired approvals.
const ActorTimeout = "system:timeout"

// Gate is safe for concurrent use.
type Gate struct {
	store    repo.ApprovalStore
	cfg      atomic.Pointer[config.Approvals]
	notifier stages.Notifier
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	waiters map[string]chan struct{}
	closed  bool
}

type Option func(*Gate)

func WithNotifier(n stages.Notifier) Option { return func(g *Gate) { g.notifier = n } }

func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.log = logging.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = metrics.OrNew(m) } }

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func New(store repo.ApprovalStore, cfg config.Approvals, opts ...Option) *Gate {
	g := &Gate{
		store:   store,
		log:     zap.NewNop(),
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		waiters: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	g.SetConfig(cfg)
	return g
}

// SetConfig swaps the approval settings. Approvals already requested keep the
// deadline they were created with.
func (g *Gate) SetConfig(cfg config.Approvals) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	g.cfg.Store(&cfg)
}

// Config returns the settings currently in effect.
func (g *Gate) Config() config.Approvals {
	return *g.cfg.Load()
}

// Timeout returns the decision window for an approval type.
func (g *Gate) Timeout(t domain.ApprovalType) time.Duration {
	cfg := g.cfg.Load()
	if t == domain.ApprovalPR {
		return cfg.PRTimeout
	}
	return cfg.SpecTimeout
}

// Request records a PENDING approval, arms its expiry and notifies the
// assignee. Notification failures are logged and never returned.
func (g *Gate) Request(ctx context.Context, workflowID string, typ domain.ApprovalType, contentRef, assignee string) (domain.Approval, error) {
	if typ != domain.ApprovalSpec && typ != domain.ApprovalPR {
		return domain.Approval{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if assignee == "" {
		assignee = g.cfg.Load().DefaultAssignee
	}
	now := g.now().UTC()
	a := domain.Approval{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Type:        typ,
		ContentRef:  contentRef,
		Assignee:    assignee,
		Status:      domain.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(g.Timeout(typ)),
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return domain.Approval{}, fmt.Errorf("create approval: %w", err)
	}
	g.metrics.ApprovalsRequested.WithLabelValues(string(typ)).Inc()
	g.metrics.ApprovalsPending.Inc()
	g.arm(a)
	g.log.Info("approval requested",
		zap.String("approval_id", a.ID),
		zap.String("workflow_id", workflowID),
		zap.String("type", string(typ)),
		zap.String("assignee", assignee),
		zap.Time("expires_at", a.ExpiresAt))
	g.notify(ctx, a)
	return a, nil
}

func (g *Gate) notify(ctx context.Context, a domain.Approval) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(ctx, a, a.ContentRef); err != nil {
		g.metrics.Notifications.WithLabelValues("error").Inc()
		g.log.Warn("approval notification failed", zap.String("approval_id", a.ID), zap.Error(err))
		return
	}
	g.metrics.Notifications.WithLabelValues("ok").Inc()
}

// Decide records a human decision. Only APPROVE, REJECT and REVISE are
// accepted; EXPIRE is reserved for the timeout path.
func (g *Gate) Decide(ctx context.Context, id string, decision domain.Decision, approver, comments string) (domain.Approval, error) {
	switch decision {
	case domain.DecisionApprove, domain.DecisionReject, domain.DecisionRevise:
	default:
		return domain.Approval{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if approver == "" {
		return domain.Approval{}, fmt.Errorf("%w: approver required", ErrInvalidDecision)
	}
	return g.decide(ctx, id, decision, approver, comments)
}

func (g *Gate) decide(ctx context.Context, id string, decision domain.Decision, approver, comments string) (domain.Approval, error) {
	a, err := g.store.DecideApproval(ctx, id, repo.DecisionInput{
		Decision: decision,
		Approver: approver,
		Comments: comments,
		At:       g.now().UTC(),
	})
	if err != nil {
		return a, err
	}
	g.settle(id)
	g.metrics.ApprovalsDecided.WithLabelValues(string(a.Type), string(decision)).Inc()
	g.metrics.ApprovalsPending.Dec()
	g.log.Info("approval decided",
		zap.String("approval_id", id),
		zap.String("workflow_id", a.WorkflowID),
		zap.String("decision", string(decision)),
		zap.String("approver", approver))
	return a, nil
}

// expire decides EXPIRE on behalf of actor. Losing the race to another
// decision is not an error.
func (g *Gate) expire(ctx context.Context, id, actor string) error {
	_, err := g.decide(ctx, id, domain.DecisionExpire, actor, "")
	if errors.Is(err, ErrAlreadyDecided) {
		return nil
	}
	return err
}

// ExpireWorkflow expires every pending approval of a workflow and returns how
// many it expired.
func (g *Gate) ExpireWorkflow(ctx context.Context, workflowID, actor string) (int, error) {
	pending, err := g.store.ListApprovals(ctx, repo.ApprovalFilter{WorkflowID: workflowID, Status: domain.ApprovalPending})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range pending {
		if _, err := g.decide(ctx, a.ID, domain.DecisionExpire, actor, ""); err != nil {
			if errors.Is(err, ErrAlreadyDecided) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (g *Gate) Get(ctx context.Context, id string) (domain.Approval, error) {
	return g.store.GetApproval(ctx, id)
}

// PendingFor lists pending approvals assigned to assignee, or all pending
// approvals when assignee is empty.
func (g *Gate) PendingFor(ctx context.Context, assignee string) ([]domain.Approval, error) {
	return g.store.ListApprovals(ctx, repo.ApprovalFilter{Assignee: assignee, Status: domain.ApprovalPending})
}

func (g *Gate) ListForWorkflow(ctx context.Context, workflowID string) ([]domain.Approval, error) {
	return g.store.ListApprovals(ctx, repo.ApprovalFilter{WorkflowID: workflowID})
}

// Wait blocks until the approval leaves PENDING. It wakes on in-process
// decisions, polls the store for decisions made elsewhere and expires the
// approval itself once its deadline has passed.
func (g *Gate) Wait(ctx context.Context, id string) (domain.Approval, error) {
	ticker := time.NewTicker(g.cfg.Load().PollInterval)
	defer ticker.Stop()
	for {
		ch := g.waitChan(id)
		a, err := g.store.GetApproval(ctx, id)
		if err != nil {
			g.dropWaiter(id, ch)
			return a, err
		}
		if !a.Pending() {
			g.dropWaiter(id, ch)
			return a, nil
		}
		if !g.now().Before(a.ExpiresAt) {
			if err := g.expire(ctx, id, ActorTimeout); err != nil {
				g.dropWaiter(id, ch)
				return a, err
			}
			continue
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			g.dropWaiter(id, ch)
			return a, ctx.Err()
		}
	}
}

// Run sweeps for overdue approvals until ctx is done. Approvals created by an
// earlier process get their expiry timers armed on the first pass.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Load().SweepInterval)
	defer ticker.Stop()
	for {
		if err := g.Sweep(ctx); err != nil && ctx.Err() == nil {
			g.log.Warn("approval sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep expires every overdue pending approval and arms timers for the rest.
func (g *Gate) Sweep(ctx context.Context) error {
	pending, err := g.store.ListApprovals(ctx, repo.ApprovalFilter{Status: domain.ApprovalPending})
	if err != nil {
		return err
	}
	// The store is authoritative; expire below decrements from this.
	g.metrics.ApprovalsPending.Set(float64(len(pending)))
	now := g.now()
	for _, a := range pending {
		if now.Before(a.ExpiresAt) {
			g.arm(a)
			continue
		}
		if err := g.expire(ctx, a.ID, ActorTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every expiry timer. Pending approvals stay pending.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}

func (g *Gate) arm(a domain.Approval) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if _, ok := g.timers[a.ID]; ok {
		return
	}
	id := a.ID
	g.timers[id] = time.AfterFunc(a.ExpiresAt.Sub(g.now()), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.expire(ctx, id, ActorTimeout); err != nil {
			g.log.Warn("approval expiry failed", zap.String("approval_id", id), zap.Error(err))
		}
		g.mu.Lock()
		delete(g.timers, id)
		g.mu.Unlock()
	})
}

// settle stops the expiry timer and wakes waiters.
func (g *Gate) settle(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
	if ch, ok := g.waiters[id]; ok {
		close(ch)
		delete(g.waiters, id)
	}
}

func (g *Gate) waitChan(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiters[id]
	if !ok {
		ch = make(chan struct{})
		g.waiters[id] = ch
	}
	return ch
}

func (g *Gate) dropWaiter(id string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.waiters[id]; ok && cur == ch {
		delete(g.waiters, id)
	}
}
