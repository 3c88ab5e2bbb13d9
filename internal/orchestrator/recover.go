package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"ticketline/internal/fsm"
	"ticketline/internal/repo"
)

// resumable states are re-entered without repeating a collaborator call that
// may have had side effects.
var resumable = map[fsm.State]bool{
	fsm.Pending:              true,
	fsm.AwaitingSpecApproval: true,
	fsm.SpecApproved:         true,
	fsm.AwaitingPRApproval:   true,
}

// Recover picks up workflows a previous process left non-terminal. Workflows
// parked at a resumable state continue in the background. The rest were
// interrupted inside a collaborator call and are moved to ERROR so they can be
// retried.
func (o *Orchestrator) Recover(ctx context.Context) (resumed, failed int, err error) {
	all, err := o.store.ListWorkflows(ctx, repo.WorkflowFilter{})
	if err != nil {
		return 0, 0, err
	}
	for _, wf := range all {
		if wf.Terminal() {
			continue
		}
		o.mu.Lock()
		_, running := o.running[wf.ID]
		o.mu.Unlock()
		if running {
			continue
		}
		if resumable[wf.State] {
			o.background(ctx, wf)
			resumed++
			continue
		}
		_ = o.fail(ctx, wf.ID, "recover", errInterrupted(wf.State))
		failed++
	}
	o.log.Info("workflows recovered", zap.Int("resumed", resumed), zap.Int("failed", failed))
	return resumed, failed, nil
}
