package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	taskdomain "hive/internal/domain/task"
	"hive/internal/errkind"
)

func newTaskCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
	}
	cmd.AddCommand(
		newTaskAddCommand(a),
		newTaskListCommand(a),
		newTaskShowCommand(a),
		newTaskCancelCommand(a),
		newTaskRetryCommand(a),
	)
	return cmd
}

func newTaskAddCommand(a *app) *cobra.Command {
	var (
		description string
		priority    string
		taskType    string
		skills      []string
		files       []string
		deps        []string
		branch      string
		estimate    int
		maxRetries  int
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			t := taskdomain.New(args[0])
			t.Description = description
			t.Type = taskType
			t.RequiredSkills = skills
			t.Files = files
			t.Dependencies = deps
			t.BranchID = branch
			t.EstimatedMinutes = estimate
			if priority != "" {
				t.Priority = taskdomain.Priority(priority)
			}
			if cmd.Flags().Changed("max-retries") {
				t.MaxRetries = maxRetries
			}

			created, err := a.tasks.Create(cmd.Context(), t)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s [%s]\n", created.ID, created.Title, colorTaskStatus(created.Status))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "critical, high, medium, or low")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type")
	cmd.Flags().StringSliceVar(&skills, "skills", nil, "required skills")
	cmd.Flags().StringSliceVar(&files, "files", nil, "files the task will touch")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "dependency task ids")
	cmd.Flags().StringVar(&branch, "branch", "", "branch id")
	cmd.Flags().IntVar(&estimate, "estimate", 0, "estimated minutes")
	cmd.Flags().IntVar(&maxRetries, "max-retries", taskdomain.DefaultMaxRetries, "retry budget")
	return cmd
}

func newTaskListCommand(a *app) *cobra.Command {
	var (
		statuses []string
		taskType string
		agent    string
		branch   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			f := taskdomain.Filter{
				Type:          taskType,
				AssignedAgent: agent,
				Branch:        branch,
				Limit:         limit,
			}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, taskdomain.Status(s))
			}
			tasks, err := a.tasks.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("%s  %-13s %-8s %s",
					t.ID, colorTaskStatus(t.Status), t.Priority, t.Title)
				if t.AssignedAgent != "" {
					line += color.HiBlackString("  (%s)", t.AssignedAgent)
				}
				fmt.Println(line)
			}
			return nil
		}),
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by assigned agent")
	cmd.Flags().StringVar(&branch, "branch", "", "filter by branch")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func newTaskShowCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task in detail",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			t, err := a.tasks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(t, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			printKV("ID", "%s", t.ID)
			printKV("Title", "%s", t.Title)
			if t.Description != "" {
				printKV("Description", "%s", t.Description)
			}
			printKV("Status", "%s", colorTaskStatus(t.Status))
			printKV("Priority", "%s", t.Priority)
			if t.Type != "" {
				printKV("Type", "%s", t.Type)
			}
			if len(t.Dependencies) > 0 {
				printKV("Depends on", "%s", strings.Join(t.Dependencies, ", "))
			}
			if len(t.Blockers) > 0 {
				printKV("Blocked by", "%s", strings.Join(t.Blockers, ", "))
			}
			if t.AssignedAgent != "" {
				printKV("Assigned", "%s", t.AssignedAgent)
			}
			if t.ClaimedAt != nil {
				printKV("Claimed", "%s", t.ClaimedAt.Format(time.RFC3339))
			}
			if t.CompletedAt != nil {
				printKV("Completed", "%s", t.CompletedAt.Format(time.RFC3339))
			}
			printKV("Retries", "%d/%d", t.RetryCount, t.MaxRetries)
			if t.LastError != "" {
				printKV("Last error", "%s (%s)", t.LastError, t.FailureType)
			}
			if t.NextRetryAt != nil {
				printKV("Next retry", "%s", t.NextRetryAt.Format(time.RFC3339))
			}
			if len(t.PreviousAgents) > 0 {
				printKV("Prior agents", "%s", strings.Join(t.PreviousAgents, ", "))
			}
			if len(t.Result) > 0 {
				printKV("Result", "%s", string(t.Result))
			}
			printKV("Created", "%s", t.CreatedAt.Format(time.RFC3339))
			return nil
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw task JSON")
	return cmd
}

func newTaskCancelCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Delete a task that is not being worked",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			t, err := a.tasks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t.Status.IsActive() && !force {
				return errkind.New(errkind.KindPrecondition, "cli.task_cancel",
					"task %s is %s on agent %s; use --force to cancel anyway",
					t.ID, t.Status, t.AssignedAgent)
			}
			if err := a.tasks.Delete(cmd.Context(), t.ID); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", t.ID)
			return nil
		}),
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().BoolVar(&force, "force", false, "cancel even if an agent is working on it")
	return cmd
}

func newTaskRetryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Reopen a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			reopened, err := a.tasks.Reopen(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !reopened {
				return errkind.New(errkind.KindPrecondition, "cli.task_retry",
					"task %s is not failed", args[0])
			}
			fmt.Printf("reopened %s\n", args[0])
			return nil
		}),
	}
}

func colorTaskStatus(s taskdomain.Status) string {
	switch s {
	case taskdomain.StatusCompleted:
		return color.GreenString(string(s))
	case taskdomain.StatusFailed:
		return color.RedString(string(s))
	case taskdomain.StatusClaimed, taskdomain.StatusInProgress:
		return color.YellowString(string(s))
	case taskdomain.StatusPendingRetry:
		return color.MagentaString(string(s))
	case taskdomain.StatusReady:
		return color.CyanString(string(s))
	default:
		return color.HiBlackString(string(s))
	}
}
