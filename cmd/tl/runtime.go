package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/viper"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"ticketline/internal/approval"
	"ticketline/internal/config"
	"ticketline/internal/db"
	"ticketline/internal/logging"
	"ticketline/internal/metrics"
	"ticketline/internal/migrate"
	"ticketline/internal/notify"
	"ticketline/internal/orchestrator"
	"ticketline/internal/repo"
	"ticketline/internal/server"
	"ticketline/internal/stages"
	"ticketline/internal/stages/gitexec"
	"ticketline/internal/stages/github"
	"ticketline/internal/stages/llmplan"
	"ticketline/internal/stages/qa"
	"ticketline/internal/stages/specdoc"
	"ticketline/internal/tracing"
)

// runtime is one fully wired ticketline process.
type runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	tp      *sdktrace.TracerProvider

	conn  *sql.DB
	sql   *repo.SQL
	store repo.Store

	gate *approval.Gate
	orch *orchestrator.Orchestrator
}

type runtimeOptions struct {
	// Stages replaces the collaborators built from cfg.
	Stages *stages.Set
	// Notifier is added to the notifiers built from cfg.
	Notifier stages.Notifier
}

func newRuntime(ctx context.Context, cfg *config.Config, log *zap.Logger, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: logging.OrNop(log), metrics: metrics.New()}

	tp, err := tracing.New(ctx, cfg.Tracing, tracing.WithVersion(version))
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	rt.tp = tp

	if err := rt.openStore(ctx); err != nil {
		rt.close(ctx)
		return nil, err
	}

	notifier := notify.Multi{notify.FromConfig(cfg, rt.log)}
	if opts.Notifier != nil {
		notifier = append(notifier, opts.Notifier)
	}
	rt.gate = approval.New(rt.store, cfg.Approvals,
		approval.WithNotifier(notifier),
		approval.WithLogger(rt.log.Named("approval")),
		approval.WithMetrics(rt.metrics))

	set := opts.Stages
	if set == nil {
		built, err := buildStages(ctx, cfg, rt.log)
		if err != nil {
			rt.close(ctx)
			return nil, err
		}
		set = &built
	}
	rt.orch, err = orchestrator.New(rt.store, rt.gate, *set,
		orchestrator.WithPolicy(orchestrator.Policy{
			DedupeTickets: cfg.Pipeline.DedupeTickets,
			MaxRevisions:  cfg.Pipeline.MaxRevisions,
		}),
		orchestrator.WithLogger(rt.log.Named("orchestrator")),
		orchestrator.WithMetrics(rt.metrics),
		orchestrator.WithTracerProvider(rt.tp))
	if err != nil {
		rt.close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	if rt.cfg.Storage.Driver == config.StorageMemory {
		rt.store = repo.NewMemory()
		return nil
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: rt.cfg.Storage.Path})
	if err != nil {
		return err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	rt.conn = conn
	rt.sql = repo.NewSQL(conn, time.Now)
	rt.store = rt.sql
	return nil
}

func (rt *runtime) handler() (http.Handler, error) {
	auth := server.AuthConfig{
		JWTSecret:        firstNonEmpty(os.Getenv("TICKETLINE_JWT_SECRET"), rt.cfg.Auth.JWTSecret),
		AllowActorHeader: rt.cfg.Auth.AllowActorHeader,
	}
	scfg := server.Config{
		Orchestrator:   rt.orch,
		Gate:           rt.gate,
		Metrics:        rt.metrics,
		BasePath:       rt.cfg.Server.BasePath,
		Auth:           auth,
		Logger:         rt.log.Named("http"),
		TracerProvider: rt.tp,
	}
	if rt.sql != nil {
		scfg.Keys = rt.sql
		scfg.Events = rt.sql
	}
	return server.New(scfg)
}

// close shuts down in dependency order and waits for running workflows.
func (rt *runtime) close(ctx context.Context) {
	if rt.orch != nil {
		if err := rt.orch.Shutdown(ctx); err != nil {
			rt.log.Warn("orchestrator shutdown", zap.Error(err))
		}
	}
	if rt.gate != nil {
		rt.gate.Close()
	}
	if rt.tp != nil {
		if err := rt.tp.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.log.Warn("tracer shutdown", zap.Error(err))
		}
	}
	if rt.conn != nil {
		_ = rt.conn.Close()
	}
}

// buildStages wires the production collaborators described by cfg.
func buildStages(ctx context.Context, cfg *config.Config, log *zap.Logger) (stages.Set, error) {
	var drafter specdoc.Drafter
	if cfg.Planner.Drafter == config.DrafterOpenAI {
		opts := []llmplan.Option{llmplan.WithModel(cfg.Planner.Model)}
		if key := firstNonEmpty(cfg.Planner.APIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
			opts = append(opts, llmplan.WithAPIKey(key))
		}
		if cfg.Planner.BaseURL != "" {
			opts = append(opts, llmplan.WithBaseURL(cfg.Planner.BaseURL))
		}
		drafter = llmplan.New(opts...)
	}
	planner, err := specdoc.New(cfg.Planner.SpecDir, cfg.Planner.Template, drafter)
	if err != nil {
		return stages.Set{}, err
	}

	token := firstNonEmpty(cfg.GitHub.Token, os.Getenv("GITHUB_TOKEN"))
	client, err := github.NewClient(ctx, token, cfg.GitHub.BaseURL)
	if err != nil {
		return stages.Set{}, fmt.Errorf("pull requests: %w (set github.token or GITHUB_TOKEN)", err)
	}

	checks := make([]qa.Check, 0, len(cfg.QA.Commands))
	for _, c := range cfg.QA.Commands {
		checks = append(checks, qa.Check{Name: c.Name, Run: c.Run, When: c.When})
	}

	return stages.Set{
		Planner: planner,
		Executor: &gitexec.Executor{
			Root:         cfg.Executor.WorkspaceRoot,
			BranchPrefix: cfg.Executor.BranchPrefix,
			Agent:        cfg.Executor.AgentCommand,
			Token:        firstNonEmpty(cfg.Executor.GitToken, token),
			Push:         true,
			Log:          log.Named("executor"),
			Now:          time.Now,
		},
		QualityGate: &qa.Runner{
			Checks:    checks,
			ReportDir: cfg.QA.ReportDir,
			Log:       log.Named("qa"),
			Now:       time.Now,
		},
		PullRequester: &github.PullRequester{
			Client:     client,
			BaseBranch: cfg.GitHub.BaseBranch,
			Draft:      cfg.GitHub.Draft,
		},
	}, nil
}

// loadConfig reads the workspace config, falling back to defaults.
func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
