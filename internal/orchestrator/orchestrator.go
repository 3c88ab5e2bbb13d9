// Package orchestrator drives a ticket through planning, spec approval,
// execution, quality gates, pull request creation and PR approval, recording
// every state change on the workflow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ticketline/internal/approval"
	"ticketline/internal/domain"
	"ticketline/internal/fsm"
	"ticketline/internal/logging"
	"ticketline/internal/metrics"
	"ticketline/internal/repo"
	"ticketline/internal/stages"
)

// Reserved actors recorded on transitions the pipeline makes by itself.
const (
	ActorSystem = "system"
	ActorCancel = "system:cancel"
)

// Policy holds the pipeline rules that are configurable.
type Policy struct {
	DedupeTickets bool
	// MaxRevisions bounds REVISE loops on the spec checkpoint. Zero means
	// unbounded.
	MaxRevisions int
	SpecAssignee string
	PRAssignee   string
}

// Orchestrator is safe for concurrent use; each workflow runs on its own
// goroutine and workflows never share mutable state besides the store.
type Orchestrator struct {
	store   repo.WorkflowStore
	gate    *approval.Gate
	stages  stages.Set
	policy  Policy
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	tickets *repo.KeyedMutex

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

func WithPolicy(p Policy) Option { return func(o *Orchestrator) { o.policy = p } }

func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.log = logging.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = metrics.OrNew(m) } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer("ticketline/orchestrator") }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(store repo.WorkflowStore, gate *approval.Gate, set stages.Set, opts ...Option) (*Orchestrator, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if store == nil || gate == nil {
		return nil, errors.New("orchestrator: store and approval gate are required")
	}
	o := &Orchestrator{
		store:   store,
		gate:    gate,
		stages:  set,
		policy:  Policy{DedupeTickets: true, MaxRevisions: 3},
		log:     zap.NewNop(),
		tracer:  otel.Tracer("ticketline/orchestrator"),
		now:     time.Now,
		tickets: repo.NewKeyedMutex(),
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	return o, nil
}

// Start creates a workflow for ticket and runs it to a terminal state. A
// collaborator failure leaves the workflow in ERROR and is returned.
func (o *Orchestrator) Start(ctx context.Context, ticket domain.Ticket) (domain.Workflow, error) {
	wf, err := o.create(ctx, ticket, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	return o.run(ctx, wf)
}

// Submit creates a workflow and runs it in the background. The run outlives
// ctx; use Cancel or Shutdown to stop it.
func (o *Orchestrator) Submit(ctx context.Context, ticket domain.Ticket) (domain.Workflow, error) {
	wf, err := o.create(ctx, ticket, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	o.background(ctx, wf)
	return wf, nil
}

// Retry starts a new workflow for the ticket of a failed one and runs it to a
// terminal state.
func (o *Orchestrator) Retry(ctx context.Context, id string) (domain.Workflow, error) {
	wf, err := o.retryRecord(ctx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	return o.run(ctx, wf)
}

// SubmitRetry is Retry with the run moved to the background.
func (o *Orchestrator) SubmitRetry(ctx context.Context, id string) (domain.Workflow, error) {
	wf, err := o.retryRecord(ctx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	o.background(ctx, wf)
	return wf, nil
}

func (o *Orchestrator) retryRecord(ctx context.Context, id string) (domain.Workflow, error) {
	parent, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	if parent.Workflow.State != fsm.Error {
		return domain.Workflow{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, parent.Workflow.State)
	}
	return o.create(ctx, parent.Workflow.Ticket, &parent.Workflow)
}

func (o *Orchestrator) background(ctx context.Context, wf domain.Workflow) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.run(context.WithoutCancel(ctx), wf); err != nil {
			o.log.Warn("workflow finished with error", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}()
}

// Cancel forces a non-terminal workflow into ERROR, stops its in-flight stage
// and expires its pending approvals.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (domain.Workflow, error) {
	msg := "cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	var from fsm.State
	rec, err := o.store.UpdateWorkflow(ctx, id, func(r *repo.Record) error {
		from = r.Machine.Current()
		meta := map[string]string{"reason": "cancelled"}
		if reason != "" {
			meta["comment"] = reason
		}
		if _, err := r.Machine.Transition(fsm.Error, ActorCancel, meta); err != nil {
			return err
		}
		r.Workflow.ErrorMessage = &msg
		r.Workflow.UpdatedAt = o.now().UTC()
		return nil
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	o.observeTransition(id, from, fsm.Error, ActorCancel)

	o.mu.Lock()
	if cancel, ok := o.running[id]; ok {
		cancel()
	}
	o.mu.Unlock()

	if _, err := o.gate.ExpireWorkflow(ctx, id, ActorCancel); err != nil {
		o.log.Warn("expire approvals of cancelled workflow", zap.String("workflow_id", id), zap.Error(err))
	}
	return rec.Workflow, nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (domain.Workflow, error) {
	rec, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	return rec.Workflow, nil
}

// History returns the ordered transitions of a workflow.
func (o *Orchestrator) History(ctx context.Context, id string) ([]fsm.Transition, error) {
	rec, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Machine.History(), nil
}

func (o *Orchestrator) List(ctx context.Context, f repo.WorkflowFilter) ([]domain.Workflow, error) {
	return o.store.ListWorkflows(ctx, f)
}

// Approvals lists every approval requested for a workflow.
func (o *Orchestrator) Approvals(ctx context.Context, id string) ([]domain.Approval, error) {
	if _, err := o.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return o.gate.ListForWorkflow(ctx, id)
}

// Shutdown waits for background runs. When ctx ends first, the remaining runs
// are cancelled and Shutdown still waits for them to record their outcome.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()
	<-done
	return ctx.Err()
}

func validTicket(t domain.Ticket) error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTicket)
	case strings.TrimSpace(t.RepositoryURL) == "":
		return fmt.Errorf("%w: repository_url is required", ErrInvalidTicket)
	}
	return nil
}

func (o *Orchestrator) create(ctx context.Context, ticket domain.Ticket, parent *domain.Workflow) (domain.Workflow, error) {
	if err := validTicket(ticket); err != nil {
		return domain.Workflow{}, err
	}
	unlock := o.tickets.Lock(ticket.ID)
	defer unlock()

	if o.policy.DedupeTickets {
		active, err := o.store.FindActiveByTicket(ctx, ticket.ID)
		switch {
		case err == nil:
			return domain.Workflow{}, fmt.Errorf("%w: ticket %s is handled by workflow %s", ErrDuplicateTicket, ticket.ID, active.Workflow.ID)
		case !errors.Is(err, repo.ErrNotFound):
			return domain.Workflow{}, err
		}
	}

	m, err := fsm.New(fsm.Pending, ActorSystem, fsm.WithClock(o.now))
	if err != nil {
		return domain.Workflow{}, err
	}
	now := m.LastTransition().At
	wf := domain.Workflow{
		ID:            uuid.NewString(),
		TicketID:      ticket.ID,
		TicketURL:     ticket.URL,
		RepositoryURL: ticket.RepositoryURL,
		State:         fsm.Pending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Ticket:        ticket,
	}
	if parent != nil {
		wf.RetryCount = parent.RetryCount + 1
		pid := parent.ID
		wf.ParentID = &pid
	}
	if err := o.store.CreateWorkflow(ctx, repo.Record{Workflow: wf, Machine: m}); err != nil {
		return domain.Workflow{}, fmt.Errorf("create workflow: %w", err)
	}
	o.log.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("ticket_id", wf.TicketID),
		zap.Int("retry_count", wf.RetryCount))
	return wf, nil
}

func (o *Orchestrator) run(ctx context.Context, wf domain.Workflow) (domain.Workflow, error) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[wf.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, wf.ID)
		o.mu.Unlock()
		cancel()
	}()

	o.metrics.ActiveWorkflows.Inc()
	defer o.metrics.ActiveWorkflows.Dec()

	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("ticket.id", wf.TicketID),
		attribute.Int("workflow.retry_count", wf.RetryCount),
	))
	defer span.End()

	runErr := o.pipeline(ctx, wf.ID)

	final, err := o.Get(context.WithoutCancel(ctx), wf.ID)
	if err != nil {
		return domain.Workflow{}, errors.Join(runErr, err)
	}
	span.SetAttributes(attribute.String("workflow.state", string(final.State)))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	if final.Terminal() {
		o.metrics.Outcomes.WithLabelValues(string(final.State)).Inc()
	}
	o.log.Info("workflow finished",
		zap.String("workflow_id", wf.ID),
		zap.String("state", string(final.State)),
		zap.Error(runErr))
	return final, runErr
}
