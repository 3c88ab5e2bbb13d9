package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ticketline/internal/config"
	"ticketline/internal/logging"
	"ticketline/internal/notify"
	"ticketline/internal/stages/scripted"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var watch, dryRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and run workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logging.Sync(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var opts runtimeOptions
			if dryRun {
				set := scripted.New().Set()
				opts.Stages = &set
				log.Warn("dry run: stages are scripted, nothing is cloned or pushed")
			}
			return serve(ctx, cfg, log, opts, watch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload approval settings when the config file changes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use scripted stages instead of git, QA commands and GitHub")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, opts runtimeOptions, watch bool) error {
	rt, err := newRuntime(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.close(shutdownCtx)
	}()

	resumed, failed, err := rt.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}
	if resumed+failed > 0 {
		log.Info("recovered workflows", zap.Int("resumed", resumed), zap.Int("failed", failed))
	}

	go func() {
		if err := rt.gate.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("approval sweeper stopped", zap.Error(err))
		}
	}()

	if watch {
		path := config.Path(viper.GetString("workspace"))
		if _, statErr := os.Stat(path); statErr == nil {
			go func() {
				err := config.Watch(ctx, path, func(next *config.Config) {
					rt.gate.SetConfig(next.Approvals)
					log.Info("approval settings reloaded",
						zap.Duration("spec_timeout", next.Approvals.SpecTimeout),
						zap.Duration("pr_timeout", next.Approvals.PRTimeout))
				}, func(err error) {
					log.Warn("config reload rejected", zap.Error(err))
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("config watch stopped", zap.Error(err))
				}
			}()
		}
	}

	if len(cfg.Notify.EventHooks) > 0 && rt.sql != nil {
		dispatcher := notify.NewEventDispatcher(rt.sql, cfg.Notify.EventHooks, log.Named("events"))
		go func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event dispatcher stopped", zap.Error(err))
			}
		}()
	}

	handler, err := rt.handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	fmt.Printf("Serving Ticketline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
		cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
