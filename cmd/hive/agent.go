package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	agentdomain "hive/internal/domain/agent"
	"hive/internal/logging"
	"hive/internal/runner"
	"hive/internal/swarm"
)

func newAgentCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run and inspect agents",
	}
	cmd.AddCommand(
		newAgentRunCommand(a),
		newAgentListCommand(a),
		newAgentShowCommand(a),
	)
	return cmd
}

// newAgentRunCommand runs exactly one worker in the foreground. Useful for
// attaching a single machine to a swarm served elsewhere.
func newAgentRunCommand(a *app) *cobra.Command {
	var (
		name   string
		skills []string
		types  []string
		branch string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single worker in the foreground",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			exec := runner.New(runner.Options{
				Command:     cfg.Runner.Command,
				Args:        cfg.Runner.Args,
				Timeout:     cfg.Runner.Timeout,
				WorkDir:     cfg.Runner.WorkDir,
				Environment: cfg.Runner.Environment,
			}, logging.FromSlog(a.logger.Slog()))

			template := agentdomain.Agent{
				Name: name,
				Type: "worker",
				Capabilities: agentdomain.Capabilities{
					Skills:      skills,
					CanRunTests: true,
					CanRunBuild: true,
				},
			}
			pool, err := swarm.NewPool(ctx, template, 1, swarm.Deps{
				Tasks:    a.tasks,
				Registry: a.registry,
				Leases:   a.leases,
				Executor: exec,
				Clock:    clock.RealClock{},
				Metrics:  a.metrics,
				Logger:   logging.FromSlog(a.logger.Slog()),
			}, swarm.WorkerOptions{
				HeartbeatInterval: cfg.Swarm.HeartbeatInterval,
				BackoffMin:        cfg.Swarm.ClaimBackoffMin,
				BackoffMax:        cfg.Swarm.ClaimBackoffMax,
				Types:             types,
				Branch:            branch,
			})
			if err != nil {
				return err
			}

			agents := pool.Agents()
			a.logger.Info("worker registered", "agent_id", agents[0].ID, "name", agents[0].Name)
			return pool.Run(ctx)
		}),
	}

	cmd.Flags().StringVar(&name, "name", "hive-worker", "agent name")
	cmd.Flags().StringSliceVar(&skills, "skills", nil, "skills the agent advertises")
	cmd.Flags().StringSliceVar(&types, "types", nil, "only claim tasks of these types")
	cmd.Flags().StringVar(&branch, "branch", "", "only claim tasks on this branch")
	return cmd
}

func newAgentListCommand(a *app) *cobra.Command {
	var (
		statuses  []string
		agentType string
		skill     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			f := agentdomain.Filter{Type: agentType, Skill: skill}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, agentdomain.Status(s))
			}
			agents, err := a.registry.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents registered")
				return nil
			}
			for _, ag := range agents {
				fmt.Printf("%s  %-22s %-8s %s\n",
					ag.ID, ag.Name, colorAgentStatus(ag.Status),
					agentSummary(ag))
			}
			return nil
		}),
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (idle, busy, offline, error)")
	cmd.Flags().StringVar(&agentType, "type", "", "filter by agent type")
	cmd.Flags().StringVar(&skill, "skill", "", "filter by advertised skill")
	return cmd
}

func newAgentShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show one agent in detail",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			ag, err := a.registry.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printKV("ID", "%s", ag.ID)
			printKV("Name", "%s", ag.Name)
			printKV("Type", "%s", ag.Type)
			printKV("Status", "%s", colorAgentStatus(ag.Status))
			if ag.CurrentTaskID != "" {
				printKV("Current task", "%s (%d%% %s)",
					ag.CurrentTaskID, ag.CurrentTaskProgress, ag.CurrentPhase)
			}
			printKV("Skills", "%v", ag.Capabilities.Skills)
			printKV("Last active", "%s", ag.LastActiveAt.Format(time.RFC3339))
			printKV("Heartbeats", "%d", ag.HeartbeatCount)
			printKV("Completed", "%d", ag.TasksCompleted)
			printKV("Failed", "%d", ag.TasksFailed)
			printKV("Runtime", "%.1f min", ag.TotalRuntimeMinutes)
			printKV("Registered", "%s", ag.RegisteredAt.Format(time.RFC3339))
			return nil
		}),
	}
}

func agentSummary(ag *agentdomain.Agent) string {
	if ag.CurrentTaskID != "" {
		return fmt.Sprintf("task=%s %d%%", ag.CurrentTaskID, ag.CurrentTaskProgress)
	}
	return fmt.Sprintf("done=%d failed=%d", ag.TasksCompleted, ag.TasksFailed)
}

func colorAgentStatus(s agentdomain.Status) string {
	switch s {
	case agentdomain.StatusIdle:
		return color.GreenString(string(s))
	case agentdomain.StatusBusy:
		return color.YellowString(string(s))
	case agentdomain.StatusOffline:
		return color.HiBlackString(string(s))
	default:
		return color.RedString(string(s))
	}
}
