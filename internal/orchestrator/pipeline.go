package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ticketline/internal/domain"
	"ticketline/internal/fsm"
	"ticketline/internal/repo"
	"ticketline/internal/stages"
)

// pipeline walks the workflow from whatever state it is in until it reaches a
// terminal state. Each step reads the persisted record, so a workflow can be
// resumed from any state that is safe to re-enter.
func (o *Orchestrator) pipeline(ctx context.Context, id string) error {
	for {
		rec, err := o.store.GetWorkflow(ctx, id)
		if err != nil {
			return o.fail(ctx, id, "load", err)
		}
		wf := rec.Workflow
		if wf.Terminal() {
			return o.outcome(rec)
		}

		switch wf.State {
		case fsm.Pending:
			_, err = o.advance(ctx, id, fsm.Planning, nil, nil)
			if err != nil {
				return o.fail(ctx, id, stages.StagePlanning, err)
			}

		case fsm.Planning:
			var spec domain.SpecResult
			err = o.call(ctx, id, stages.StagePlanning, func(ctx context.Context) (err error) {
				spec, err = o.stages.Planner.GenerateSpec(ctx, id, wf.Ticket)
				return err
			})
			if err != nil {
				return o.fail(ctx, id, stages.StagePlanning, err)
			}
			_, err = o.advance(ctx, id, fsm.AwaitingSpecApproval, nil, func(w *domain.Workflow) {
				w.SpecPath = &spec.Path
				w.SpecContent = &spec.Content
			})
			if err != nil {
				return o.fail(ctx, id, stages.StagePlanning, err)
			}

		case fsm.AwaitingSpecApproval:
			if err := o.specCheckpoint(ctx, rec); err != nil {
				return o.fail(ctx, id, stages.StageSpecApproval, err)
			}

		case fsm.SpecApproved:
			if _, err = o.advance(ctx, id, fsm.Executing, nil, nil); err != nil {
				return o.fail(ctx, id, stages.StageExecution, err)
			}

		case fsm.Executing:
			var res domain.ExecutionResult
			err = o.call(ctx, id, stages.StageExecution, func(ctx context.Context) (err error) {
				res, err = o.stages.Executor.Execute(ctx, id, deref(wf.SpecPath), wf.RepositoryURL)
				return err
			})
			if err != nil {
				return o.fail(ctx, id, stages.StageExecution, err)
			}
			_, err = o.advance(ctx, id, fsm.QARunning, nil, func(w *domain.Workflow) {
				w.WorkspacePath = &res.WorkspacePath
				w.BranchName = &res.BranchName
			})
			if err != nil {
				return o.fail(ctx, id, stages.StageExecution, err)
			}

		case fsm.QARunning:
			var qa domain.QAResult
			err = o.call(ctx, id, stages.StageQualityGate, func(ctx context.Context) (err error) {
				qa, err = o.stages.QualityGate.RunQualityGates(ctx, id, deref(wf.WorkspacePath))
				return err
			})
			if err != nil {
				return o.fail(ctx, id, stages.StageQualityGate, err)
			}
			next := fsm.PRCreated
			if !qa.Passed {
				next = fsm.QAFailed
			}
			_, err = o.advance(ctx, id, next, nil, func(w *domain.Workflow) {
				passed := qa.Passed
				w.QAPassed = &passed
				if qa.ReportURL != "" {
					report := qa.ReportURL
					w.QAReportURL = &report
				}
			})
			if err != nil {
				return o.fail(ctx, id, stages.StageQualityGate, err)
			}

		case fsm.PRCreated:
			var pr domain.PullRequest
			err = o.call(ctx, id, stages.StagePullRequest, func(ctx context.Context) (err error) {
				pr, err = o.stages.PullRequester.CreatePullRequest(ctx, wf)
				return err
			})
			if err != nil {
				return o.fail(ctx, id, stages.StagePullRequest, err)
			}
			_, err = o.advance(ctx, id, fsm.AwaitingPRApproval, nil, func(w *domain.Workflow) {
				w.PRNumber = &pr.Number
				w.PRURL = &pr.URL
			})
			if err != nil {
				return o.fail(ctx, id, stages.StagePullRequest, err)
			}

		case fsm.AwaitingPRApproval:
			if err := o.prCheckpoint(ctx, rec); err != nil {
				return o.fail(ctx, id, stages.StagePRApproval, err)
			}

		default:
			return o.fail(ctx, id, "dispatch", fmt.Errorf("%w: %s", fsm.ErrUndefinedState, wf.State))
		}
	}
}

func (o *Orchestrator) specCheckpoint(ctx context.Context, rec repo.Record) error {
	a, err := o.checkpoint(ctx, rec, domain.ApprovalSpec, deref(rec.Workflow.SpecPath), o.policy.SpecAssignee)
	if err != nil {
		return err
	}
	meta := decisionMeta(a)
	switch a.Status {
	case domain.ApprovalApproved:
		_, err = o.advance(ctx, rec.Workflow.ID, fsm.SpecApproved, meta, nil)
	case domain.ApprovalRevisionRequested:
		if max := o.policy.MaxRevisions; max > 0 && rec.Workflow.RevisionCount >= max {
			meta["reason"] = "revision_limit"
			_, err = o.advance(ctx, rec.Workflow.ID, fsm.SpecRejected, meta, nil)
			break
		}
		meta["reason"] = "revision_requested"
		_, err = o.advance(ctx, rec.Workflow.ID, fsm.Planning, meta, func(w *domain.Workflow) {
			w.RevisionCount++
		})
	case domain.ApprovalRejected:
		meta["reason"] = "rejected"
		_, err = o.advance(ctx, rec.Workflow.ID, fsm.SpecRejected, meta, nil)
	case domain.ApprovalExpired:
		meta["reason"] = "expired"
		_, err = o.advance(ctx, rec.Workflow.ID, fsm.SpecRejected, meta, nil)
	default:
		err = fmt.Errorf("approval %s returned in status %s", a.ID, a.Status)
	}
	return err
}

func (o *Orchestrator) prCheckpoint(ctx context.Context, rec repo.Record) error {
	a, err := o.checkpoint(ctx, rec, domain.ApprovalPR, deref(rec.Workflow.PRURL), o.policy.PRAssignee)
	if err != nil {
		return err
	}
	if a.Status == domain.ApprovalApproved {
		meta := decisionMeta(a)
		_, err = o.advance(ctx, rec.Workflow.ID, fsm.Completed, meta, func(w *domain.Workflow) {
			merged := o.now().UTC()
			w.MergedAt = &merged
		})
		return err
	}
	reason := "pull request " + string(a.Status)
	if a.Comments != "" {
		reason += ": " + a.Comments
	}
	return fmt.Errorf("%w: %s", ErrPullRequestRejected, reason)
}

// checkpoint requests an approval for the current round unless one already
// exists, then blocks until it is decided.
func (o *Orchestrator) checkpoint(ctx context.Context, rec repo.Record, typ domain.ApprovalType, contentRef, assignee string) (domain.Approval, error) {
	a, ok, err := o.roundApproval(ctx, rec, typ)
	if err != nil {
		return domain.Approval{}, err
	}
	if !ok {
		a, err = o.gate.Request(ctx, rec.Workflow.ID, typ, contentRef, assignee)
		if err != nil {
			return domain.Approval{}, err
		}
	}
	ctx, span := o.tracer.Start(ctx, "approval.wait", trace.WithAttributes(
		attribute.String("workflow.id", rec.Workflow.ID),
		attribute.String("approval.id", a.ID),
		attribute.String("approval.type", string(typ)),
	))
	defer span.End()
	a, err = o.gate.Wait(ctx, a.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return a, err
	}
	span.SetAttributes(attribute.String("approval.status", string(a.Status)))
	return a, nil
}

// roundApproval finds the approval belonging to the current visit of the
// awaiting state. Every visit requests exactly one approval, so the round has
// one when the workflow holds as many approvals of typ as it has entries into
// the awaiting state. A pending approval always belongs to the current round.
func (o *Orchestrator) roundApproval(ctx context.Context, rec repo.Record, typ domain.ApprovalType) (domain.Approval, bool, error) {
	all, err := o.gate.ListForWorkflow(ctx, rec.Workflow.ID)
	if err != nil {
		return domain.Approval{}, false, err
	}
	var (
		ofType []domain.Approval
		latest domain.Approval
	)
	for _, a := range all {
		if a.Type != typ {
			continue
		}
		if a.Pending() {
			return a, true, nil
		}
		ofType = append(ofType, a)
		if latest.DecidedAt == nil || !a.DecidedAt.Before(*latest.DecidedAt) {
			latest = a
		}
	}
	visits := 0
	for _, h := range rec.Machine.History() {
		if h.To == rec.Workflow.State {
			visits++
		}
	}
	if len(ofType) > 0 && len(ofType) >= visits {
		return latest, true, nil
	}
	return domain.Approval{}, false, nil
}

// advance applies one transition triggered by the pipeline. mutate runs on
// the workflow inside the same store update.
func (o *Orchestrator) advance(ctx context.Context, id string, to fsm.State, meta map[string]string, mutate func(*domain.Workflow)) (domain.Workflow, error) {
	var from fsm.State
	rec, err := o.store.UpdateWorkflow(ctx, id, func(r *repo.Record) error {
		from = r.Machine.Current()
		if r.Machine.IsTerminal() {
			if r.Machine.LastTransition().TriggeredBy == ActorCancel {
				return ErrCancelled
			}
		}
		if _, err := r.Machine.Transition(to, ActorSystem, meta); err != nil {
			return err
		}
		if mutate != nil {
			mutate(&r.Workflow)
		}
		r.Workflow.UpdatedAt = o.now().UTC()
		return nil
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	o.observeTransition(id, from, to, ActorSystem)
	return rec.Workflow, nil
}

func (o *Orchestrator) observeTransition(id string, from, to fsm.State, actor string) {
	o.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	o.log.Info("workflow transitioned",
		zap.String("workflow_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
}

// call runs one collaborator inside a span and records its duration.
func (o *Orchestrator) call(ctx context.Context, id, stage string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "stage."+stage, trace.WithAttributes(
		attribute.String("workflow.id", id),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.StageDuration.WithLabelValues(stage, result).Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() == nil {
		return stages.Classify(stage, err)
	}
	return err
}

// fail moves the workflow to ERROR and expires its pending approvals. When a
// cancellation already ended the workflow, it reports ErrCancelled instead.
func (o *Orchestrator) fail(ctx context.Context, id, stage string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	msg := cause.Error()
	var from fsm.State
	_, err := o.store.UpdateWorkflow(ctx, id, func(r *repo.Record) error {
		from = r.Machine.Current()
		if r.Machine.IsTerminal() {
			if r.Machine.LastTransition().TriggeredBy == ActorCancel {
				return ErrCancelled
			}
			return &fsm.IllegalTransitionError{From: from, To: fsm.Error}
		}
		if _, err := r.Machine.Transition(fsm.Error, ActorSystem, map[string]string{
			"stage": stage,
			"error": msg,
		}); err != nil {
			return err
		}
		r.Workflow.ErrorMessage = &msg
		r.Workflow.UpdatedAt = o.now().UTC()
		return nil
	})
	switch {
	case errors.Is(err, ErrCancelled):
		return ErrCancelled
	case err != nil:
		o.log.Error("record workflow failure",
			zap.String("workflow_id", id),
			zap.String("stage", stage),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return errors.Join(&StageError{WorkflowID: id, Stage: stage, Err: cause}, err)
	}
	o.observeTransition(id, from, fsm.Error, ActorSystem)
	if _, err := o.gate.ExpireWorkflow(ctx, id, ActorSystem); err != nil {
		o.log.Warn("expire approvals of failed workflow", zap.String("workflow_id", id), zap.Error(err))
	}
	return &StageError{WorkflowID: id, Stage: stage, Err: cause}
}

// outcome maps an already terminal record to the error a caller sees.
func (o *Orchestrator) outcome(rec repo.Record) error {
	if rec.Workflow.State != fsm.Error {
		return nil
	}
	last := rec.Machine.LastTransition()
	if last.TriggeredBy == ActorCancel {
		return ErrCancelled
	}
	return &StageError{WorkflowID: rec.Workflow.ID, Stage: last.Metadata["stage"], Err: errors.New(deref(rec.Workflow.ErrorMessage))}
}

func decisionMeta(a domain.Approval) map[string]string {
	meta := map[string]string{"approval_id": a.ID}
	if a.Approver != "" {
		meta["approver"] = a.Approver
	}
	if a.Comments != "" {
		meta["comment"] = a.Comments
	}
	return meta
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
