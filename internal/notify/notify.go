// Package notify delivers approval requests to the people who must decide
// them.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

// Log writes approval requests to a logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, a domain.Approval, contentRef string) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("approval awaiting decision",
		zap.String("approval_id", a.ID),
		zap.String("workflow_id", a.WorkflowID),
		zap.String("type", string(a.Type)),
		zap.String("assignee", a.Assignee),
		zap.String("content_ref", contentRef),
		zap.Time("expires_at", a.ExpiresAt))
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []stages.Notifier

func (m Multi) Notify(ctx context.Context, a domain.Approval, contentRef string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a, contentRef); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the notifier chain described by the notify section.
func FromConfig(cfg *config.Config, logger *zap.Logger) stages.Notifier {
	var m Multi
	if cfg.Notify.Log {
		m = append(m, Log{Logger: logger})
	}
	for _, hook := range cfg.Notify.Webhooks {
		w := NewWebhook(hook.URL, hook.Secret, hook.Timeout)
		for _, t := range hook.Types {
			w.Types = append(w.Types, domain.ApprovalType(t))
		}
		m = append(m, w)
	}
	return m
}
