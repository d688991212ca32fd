package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	agentdomain "hive/internal/domain/agent"
	"hive/internal/logging"
	"hive/internal/observability"
	"hive/internal/runner"
	"hive/internal/swarm"
)

// newServeCommand runs the full swarm: a worker pool, the reaper, and the
// janitor, until interrupted.
func newServeCommand(a *app) *cobra.Command {
	var (
		workers int
		name    string
		skills  []string
		types   []string
		branch  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a worker pool with background maintenance",
		Long: `Starts N workers that claim and execute tasks via the configured
runner command, plus the janitor that promotes ready tasks, sweeps
retries, reaps stale agents, and expires leases, messages, and memories.

Stops on SIGINT/SIGTERM; in-flight tasks are released back to ready
within the drain timeout.`,
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			log := a.logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracer.Shutdown(shutdownCtx)
			}()

			exec := runner.New(runner.Options{
				Command:     cfg.Runner.Command,
				Args:        cfg.Runner.Args,
				Timeout:     cfg.Runner.Timeout,
				WorkDir:     cfg.Runner.WorkDir,
				Environment: cfg.Runner.Environment,
			}, logging.FromSlog(log.Slog()))

			template := agentdomain.Agent{
				Name: name,
				Type: "worker",
				Capabilities: agentdomain.Capabilities{
					Skills:      skills,
					CanRunTests: true,
					CanRunBuild: true,
				},
			}
			deps := swarm.Deps{
				Tasks:    a.tasks,
				Registry: a.registry,
				Leases:   a.leases,
				Executor: exec,
				Clock:    clock.RealClock{},
				Metrics:  a.metrics,
				Logger:   logging.FromSlog(log.Slog()),
			}
			pool, err := swarm.NewPool(ctx, template, workers, deps, swarm.WorkerOptions{
				HeartbeatInterval: cfg.Swarm.HeartbeatInterval,
				BackoffMin:        cfg.Swarm.ClaimBackoffMin,
				BackoffMax:        cfg.Swarm.ClaimBackoffMax,
				Types:             types,
				Branch:            branch,
			})
			if err != nil {
				return err
			}

			staleAfter := time.Duration(cfg.Swarm.StaleMultiplier) * cfg.Swarm.HeartbeatInterval
			reaper := swarm.NewReaper(a.registry, a.tasks, a.leases,
				clock.RealClock{}, staleAfter, a.metrics, logging.FromSlog(log.Slog()))
			janitor := swarm.NewJanitor(reaper, a.tasks, a.bus, a.memory, a.leases, a.events,
				swarm.JanitorOptions{
					Interval:       cfg.Swarm.JanitorInterval,
					EventRetention: 7 * 24 * time.Hour,
					BackfillBatch:  cfg.Embedding.BatchSize,
				}, logging.FromSlog(log.Slog()))
			if err := janitor.Start(ctx); err != nil {
				return err
			}

			log.Info("swarm started",
				"workers", workers,
				"heartbeat", cfg.Swarm.HeartbeatInterval,
				"janitor_interval", cfg.Swarm.JanitorInterval,
			)

			done := make(chan error, 1)
			go func() { done <- pool.Run(ctx) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down", "drain_timeout", cfg.Swarm.DrainTimeout)
			select {
			case err := <-done:
				return err
			case <-time.After(cfg.Swarm.DrainTimeout):
				log.Warn("drain timeout elapsed, exiting with workers still busy")
				return nil
			}
		}),
	}

	cmd.Flags().IntVarP(&workers, "workers", "n", 3, "number of workers")
	cmd.Flags().StringVar(&name, "name", "hive-worker", "worker name prefix")
	cmd.Flags().StringSliceVar(&skills, "skills", nil, "skills the workers advertise")
	cmd.Flags().StringSliceVar(&types, "types", nil, "only claim tasks of these types")
	cmd.Flags().StringVar(&branch, "branch", "", "only claim tasks on this branch")
	return cmd
}
