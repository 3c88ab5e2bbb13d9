package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	ticketlinesdk "ticketline/sdk/go"
)

func newClient() *ticketlinesdk.Client {
	c := ticketlinesdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor-id")
	return c
}

func submitCmd() *cobra.Command {
	var t ticketlinesdk.Ticket
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <ticket-id>",
		Short: "Submit a ticket and start its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.ID = args[0]
			c := newClient()
			wf, err := c.Submit(cmd.Context(), t)
			if err != nil {
				return err
			}
			if wait {
				wf, err = c.WaitTerminal(cmd.Context(), wf.ID, 2*time.Second)
				if err != nil {
					return err
				}
			}
			return printOr(wf, func() { renderWorkflow(wf) })
		},
	}
	cmd.Flags().StringVar(&t.RepositoryURL, "repo", "", "repository URL")
	cmd.Flags().StringVar(&t.Title, "title", "", "ticket title")
	cmd.Flags().StringVar(&t.Description, "description", "", "ticket description")
	cmd.Flags().StringVar(&t.URL, "url", "", "ticket URL")
	cmd.Flags().StringSliceVar(&t.Labels, "label", nil, "ticket label (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the workflow reaches a terminal state")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Aliases: []string{"wf"}, Short: "Inspect and control workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowHistoryCmd())
	wf.AddCommand(workflowCancelCmd())
	wf.AddCommand(workflowRetryCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var opts ticketlinesdk.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.State = strings.ToUpper(opts.State)
			items, err := newClient().ListWorkflows(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printOr(items, func() {
				t := newTable("ID", "Ticket", "State", "Revisions", "Retries", "Updated")
				for _, w := range items {
					t.AppendRow([]any{w.ID, w.TicketID, colorState(w.State), w.RevisionCount, w.RetryCount, ago(w.UpdatedAt)})
				}
				t.Render()
			})
		},
	}
	cmd.Flags().StringVar(&opts.State, "state", "", "filter by state")
	cmd.Flags().StringVar(&opts.TicketID, "ticket", "", "filter by ticket id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow and its approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			wf, err := c.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			approvals, err := c.WorkflowApprovals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := struct {
				Workflow  ticketlinesdk.Workflow   `json:"workflow"`
				Approvals []ticketlinesdk.Approval `json:"approvals"`
			}{wf, approvals}
			return printOr(out, func() {
				renderWorkflow(wf)
				if len(approvals) > 0 {
					fmt.Println()
					renderApprovals(approvals)
				}
			})
		},
	}
}

func workflowHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Show the state transitions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOr(items, func() { renderHistory(items) })
		},
	}
}

func workflowCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := newClient().Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printOr(wf, func() { renderWorkflow(wf) })
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the history")
	return cmd
}

func workflowRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <workflow-id>",
		Short: "Start a new workflow for the ticket of a failed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := newClient().Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOr(wf, func() { renderWorkflow(wf) })
		},
	}
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Review pending approvals"}
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalDecideCmd())
	return ap
}

func approvalListCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().PendingApprovals(cmd.Context(), assignee)
			if err != nil {
				return err
			}
			return printOr(items, func() { renderApprovals(items) })
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "me", `assignee filter; "me" is the caller, "" is everyone`)
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:       "decide <approval-id> <approve|reject|revise>",
		Short:     "Decide a pending approval",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"approve", "reject", "revise"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newClient().Decide(cmd.Context(), args[0], args[1], comments)
			if err != nil {
				return err
			}
			return printOr(a, func() {
				fmt.Printf("%s %s approval %s for workflow %s\n",
					successStyle.Sprint("recorded"), a.Type, strings.ToLower(a.Status), a.WorkflowID)
			})
		},
	}
	cmd.Flags().StringVarP(&comments, "comments", "m", "", "comments for the workflow author")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the actor the server authenticates you as",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := newClient().Me(cmd.Context())
			if err != nil {
				return err
			}
			return printOr(me, func() {
				fmt.Printf("%s (via %s)\n", me.ActorID, me.Source)
			})
		},
	}
}

func renderWorkflow(w ticketlinesdk.Workflow) {
	t := newTable("Field", "Value")
	t.AppendRows([]table.Row{
		{"ID", w.ID},
		{"Ticket", w.TicketID},
		{"Repository", w.RepositoryURL},
		{"State", colorState(w.State)},
		{"Spec", orDash(w.SpecPath)},
		{"Branch", orDash(w.BranchName)},
		{"QA report", orDash(w.QAReportURL)},
		{"Pull request", orDash(w.PRURL)},
		{"Revisions", w.RevisionCount},
		{"Retries", w.RetryCount},
		{"Parent", orDash(w.ParentID)},
		{"Error", orDash(w.ErrorMessage)},
		{"Created", ago(w.CreatedAt)},
		{"Updated", ago(w.UpdatedAt)},
	})
	t.Render()
}

func renderApprovals(items []ticketlinesdk.Approval) {
	t := newTable("ID", "Workflow", "Type", "Assignee", "Status", "Expires")
	for _, a := range items {
		status := a.Status
		if a.Status == "PENDING" {
			status = warnStyle.Sprint(status)
		}
		t.AppendRow([]any{a.ID, a.WorkflowID, a.Type, a.Assignee, status, ago(a.ExpiresAt)})
	}
	t.Render()
}

func renderHistory(items []ticketlinesdk.Transition) {
	t := newTable("#", "From", "To", "By", "At", "Details")
	for i, h := range items {
		details := make([]string, 0, len(h.Metadata))
		for k, v := range h.Metadata {
			details = append(details, k+"="+v)
		}
		sort.Strings(details)
		t.AppendRow([]any{i, orDash(h.From), colorState(h.To), h.TriggeredBy, ago(h.At), mutedStyle.Sprint(strings.Join(details, " "))})
	}
	t.Render()
}
