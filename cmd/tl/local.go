package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ticketline/internal/config"
	"ticketline/internal/db"
	"ticketline/internal/events"
	"ticketline/internal/migrate"
	"ticketline/internal/repo"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create ticketline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			return withSQL(cmd.Context(), func(ctx context.Context, s *repo.SQL) error {
				fmt.Printf("%s %s and %s\n", successStyle.Sprint("created"), path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect the workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			c.Auth.JWTSecret = redact(c.Auth.JWTSecret)
			c.GitHub.Token = redact(c.GitHub.Token)
			c.Planner.APIKey = redact(c.Planner.APIKey)
			c.Executor.GitToken = redact(c.Executor.GitToken)
			if viper.GetBool("json") {
				return printJSON(c)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate ticketline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println(successStyle.Sprint("config ok"))
			return nil
		},
	})
	return cfg
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			key := repo.APIKey{
				ID:      uuid.NewString(),
				ActorID: actor,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withSQL(cmd.Context(), func(ctx context.Context, s *repo.SQL) error {
				if err := s.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": actor, "key": secret}
				return printOr(out, func() {
					fmt.Printf("API key %s for %s\n", key.ID, actor)
					fmt.Println(warnStyle.Sprint("store this key now; it is not shown again:"))
					fmt.Println(secret)
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQL(cmd.Context(), func(ctx context.Context, s *repo.SQL) error {
				keys, err := s.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printOr(keys, func() {
					t := newTable("ID", "Actor", "Name", "Created")
					for _, k := range keys {
						t.AppendRow([]any{k.ID, k.ActorID, k.Name, ago(k.CreatedAt)})
					}
					t.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQL(cmd.Context(), func(ctx context.Context, s *repo.SQL) error {
				if err := s.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println(successStyle.Sprint("revoked"), args[0])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Read the audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f events.Filter
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQL(cmd.Context(), func(ctx context.Context, s *repo.SQL) error {
				items, err := s.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				// ListEvents is newest first; print oldest first like tail.
				for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
					items[i], items[j] = items[j], items[i]
				}
				if !follow {
					return printOr(items, func() { renderEvents(items) })
				}
				var cursor int64
				for _, e := range items {
					printEvent(e)
					cursor = e.ID
				}
				return followEvents(ctx, s, f, cursor, interval)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "filter by workflow id")
	cmd.Flags().StringVar(&f.Type, "type", "", "filter by event type")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func followEvents(ctx context.Context, s *repo.SQL, f events.Filter, cursor int64, interval time.Duration) error {
	if cursor == 0 {
		latest, err := s.LatestEventID(ctx)
		if err != nil {
			return err
		}
		cursor = latest
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		batch, err := s.EventsAfter(ctx, cursor, 100)
		if err != nil {
			return err
		}
		for _, e := range batch {
			cursor = e.ID
			if (f.WorkflowID != "" && e.WorkflowID != f.WorkflowID) || (f.Type != "" && e.Type != f.Type) {
				continue
			}
			printEvent(e)
		}
	}
}

func renderEvents(items []events.Event) {
	t := newTable("ID", "When", "Type", "Workflow", "Actor")
	for _, e := range items {
		t.AppendRow([]any{e.ID, ago(e.At), e.Type, e.WorkflowID, e.Actor})
	}
	t.Render()
}

func printEvent(e events.Event) {
	if viper.GetBool("json") {
		_ = printJSON(e)
		return
	}
	fmt.Printf("%s %-28s %s %s\n", mutedStyle.Sprint(e.At.Format(time.RFC3339)), activeStyle.Sprint(e.Type), e.WorkflowID, mutedStyle.Sprint(e.Actor))
}

// withSQL opens the workspace database regardless of storage.driver; API keys
// and the audit log only exist there.
func withSQL(ctx context.Context, fn func(context.Context, *repo.SQL) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: cfg.Storage.Path})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.NewSQL(conn, time.Now))
}

func newAPIKeySecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tl_" + hex.EncodeToString(b), nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
