package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Ticketline CLI",
	Long: `Ticketline turns tickets into reviewed pull requests.
Each submitted ticket becomes a workflow that moves through planning, a spec
approval, execution, quality gates, pull request creation and a final PR
approval. Reviewers decide approvals with 'tl approval decide'.

Local commands (init, serve, demo, apikey, log) work on the workspace.
Remote commands (submit, workflow, approval, whoami) talk to a running server
selected with --server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("json") || !isatty.IsTerminal(os.Stdout.Fd()) {
			color.NoColor = true
		}
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Sprint("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TICKETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "actor sent as X-Actor-Id when no key or token is set")
	flags.String("server", "http://127.0.0.1:8080", "ticketline server URL")
	flags.String("api-key", "", "API key for the server")
	flags.String("token", "", "bearer token for the server")
	for _, name := range []string{"workspace", "json", "actor-id", "server", "api-key", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// --- output helpers ---

var (
	errorStyle   = color.New(color.FgRed, color.Bold)
	successStyle = color.New(color.FgGreen)
	warnStyle    = color.New(color.FgYellow)
	activeStyle  = color.New(color.FgCyan)
	mutedStyle   = color.New(color.Faint)
)

func stateStyle(state string) *color.Color {
	switch state {
	case "COMPLETED":
		return successStyle
	case "ERROR", "QA_FAILED", "SPEC_REJECTED":
		return errorStyle
	case "AWAITING_SPEC_APPROVAL", "AWAITING_PR_APPROVAL":
		return warnStyle
	}
	return activeStyle
}

func colorState(state string) string {
	return stateStyle(state).Sprint(state)
}

func newTable(header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printOr writes v as JSON with --json and calls render otherwise.
func printOr(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}
