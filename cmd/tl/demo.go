package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/fsm"
	"ticketline/internal/logging"
	"ticketline/internal/stages"
	"ticketline/internal/stages/scripted"
)

type demoOptions struct {
	Ticket domain.Ticket
	// SpecDecisions and PRDecisions are answered in order, one per round.
	SpecDecisions []domain.Decision
	PRDecisions   []domain.Decision
	QAPasses      bool
	Reviewer      string
	Think         time.Duration
}

type demoResult struct {
	Workflow domain.Workflow  `json:"workflow"`
	History  []fsm.Transition `json:"history"`
	Error    string           `json:"error,omitempty"`
}

func demoCmd() *cobra.Command {
	opts := demoOptions{Reviewer: "demo-reviewer"}
	var spec, pr string
	var failQA bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run one workflow in memory with scripted stages and reviewer",
		Example: `  tl demo
  tl demo --spec revise,approve --pr approve
  tl demo --fail-qa`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.SpecDecisions, err = parseDecisions(spec); err != nil {
				return err
			}
			if opts.PRDecisions, err = parseDecisions(pr); err != nil {
				return err
			}
			opts.QAPasses = !failQA
			log, err := logging.New(logging.Config{Level: "warn", Format: "console"})
			if err != nil {
				return err
			}
			defer logging.Sync(log)

			res, err := runDemo(cmd.Context(), opts, log)
			if err != nil && res.Workflow.ID == "" {
				return err
			}
			return printOr(res, func() {
				renderDemo(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Ticket.ID, "ticket", "DEMO-1", "ticket id")
	cmd.Flags().StringVar(&opts.Ticket.Title, "title", "Add a health endpoint", "ticket title")
	cmd.Flags().StringVar(&opts.Ticket.RepositoryURL, "repo", "https://github.com/example/service", "repository URL")
	cmd.Flags().StringVar(&spec, "spec", "approve", "comma separated spec decisions (approve, reject, revise)")
	cmd.Flags().StringVar(&pr, "pr", "approve", "comma separated PR decisions")
	cmd.Flags().BoolVar(&failQA, "fail-qa", false, "make the quality gates fail")
	cmd.Flags().DurationVar(&opts.Think, "think", 50*time.Millisecond, "reviewer delay before each decision")
	return cmd
}

// runDemo drives one ticket through an in-memory runtime. Rounds beyond the
// scripted decisions are left pending until ctx ends.
func runDemo(ctx context.Context, opts demoOptions, log *zap.Logger) (demoResult, error) {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.Notify.Log = false
	cfg.Notify.Webhooks = nil
	cfg.Notify.EventHooks = nil
	cfg.Tracing.Endpoint = ""

	pipeline := scripted.New()
	pipeline.QAFunc = scripted.QAOutcome(opts.QAPasses)
	set := pipeline.Set()

	var rt *runtime
	var mu sync.Mutex
	queues := map[domain.ApprovalType][]domain.Decision{
		domain.ApprovalSpec: opts.SpecDecisions,
		domain.ApprovalPR:   opts.PRDecisions,
	}
	reviewer := stages.NotifierFunc(func(ctx context.Context, a domain.Approval, _ string) error {
		mu.Lock()
		q := queues[a.Type]
		if len(q) == 0 {
			mu.Unlock()
			return nil
		}
		decision := q[0]
		queues[a.Type] = q[1:]
		mu.Unlock()
		go func() {
			if opts.Think > 0 {
				time.Sleep(opts.Think)
			}
			comment := fmt.Sprintf("demo %s", strings.ToLower(string(decision)))
			if _, err := rt.gate.Decide(context.WithoutCancel(ctx), a.ID, decision, opts.Reviewer, comment); err != nil {
				log.Warn("demo decision failed", zap.String("approval_id", a.ID), zap.Error(err))
			}
		}()
		return nil
	})

	var err error
	rt, err = newRuntime(ctx, cfg, log, runtimeOptions{Stages: &set, Notifier: reviewer})
	if err != nil {
		return demoResult{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rt.close(shutdownCtx)
	}()

	wf, runErr := rt.orch.Start(ctx, opts.Ticket)
	if wf.ID == "" {
		return demoResult{}, runErr
	}
	res := demoResult{Workflow: wf}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	history, err := rt.orch.History(context.WithoutCancel(ctx), wf.ID)
	if err != nil {
		return res, errors.Join(runErr, err)
	}
	res.History = history
	return res, runErr
}

func parseDecisions(s string) ([]domain.Decision, error) {
	var out []domain.Decision
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d := domain.Decision(strings.ToUpper(part))
		switch d {
		case domain.DecisionApprove, domain.DecisionReject, domain.DecisionRevise:
			out = append(out, d)
		default:
			return nil, fmt.Errorf("unknown decision %q", part)
		}
	}
	return out, nil
}

func renderDemo(res demoResult) {
	t := newTable("#", "From", "To", "By", "Details")
	for i, h := range res.History {
		from := "-"
		if h.From != nil {
			from = string(*h.From)
		}
		var details []string
		for _, k := range []string{"reason", "stage", "decision", "approval_id", "error"} {
			if v, ok := h.Metadata[k]; ok {
				details = append(details, k+"="+v)
			}
		}
		t.AppendRow([]any{i, from, colorState(string(h.To)), h.TriggeredBy, mutedStyle.Sprint(strings.Join(details, " "))})
	}
	t.Render()
	fmt.Printf("\nworkflow %s finished %s", res.Workflow.ID, colorState(string(res.Workflow.State)))
	if res.Workflow.PRURL != nil {
		fmt.Printf(" (%s)", *res.Workflow.PRURL)
	}
	fmt.Println()
	if res.Error != "" {
		fmt.Println(errorStyle.Sprint(res.Error))
	}
}
