package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	agentdomain "hive/internal/domain/agent"
	taskdomain "hive/internal/domain/task"
	"hive/internal/swarm"
)

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a snapshot of the swarm",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			reporter := swarm.NewStatusReporter(
				a.tasks, a.registry, a.leases, a.bus, a.memory, a.quality, nil)
			st, err := reporter.Report(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			printStatus(st)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status JSON")
	return cmd
}

func printStatus(st *swarm.SwarmStatus) {
	fmt.Println("Tasks")
	taskOrder := []taskdomain.Status{
		taskdomain.StatusPending, taskdomain.StatusBlocked, taskdomain.StatusReady,
		taskdomain.StatusClaimed, taskdomain.StatusInProgress, taskdomain.StatusPendingRetry,
		taskdomain.StatusCompleted, taskdomain.StatusFailed,
	}
	for _, s := range taskOrder {
		if n := st.Tasks[s]; n > 0 {
			fmt.Printf("  %-15s %d\n", colorTaskStatus(s), n)
		}
	}

	fmt.Println("Agents")
	agentOrder := []agentdomain.Status{
		agentdomain.StatusIdle, agentdomain.StatusBusy,
		agentdomain.StatusOffline, agentdomain.StatusError,
	}
	for _, s := range agentOrder {
		if n := st.Agents[s]; n > 0 {
			fmt.Printf("  %-15s %d\n", colorAgentStatus(s), n)
		}
	}

	fmt.Printf("Leases active     %d\n", st.ActiveLeases)
	fmt.Printf("Messages unacked  %d\n", st.UnackedMessages)

	if st.Memory != nil {
		fmt.Printf("Memories          %d (%d embedded, avg importance %.2f)\n",
			st.Memory.Total, st.Memory.WithEmbedding, st.Memory.AvgImportance)
	}
	if st.Baseline != nil {
		fmt.Printf("Quality baseline  %s (pass rate %.1f%%, coverage %.1f%%)\n",
			st.Baseline.ID, st.Baseline.TestPassRate(), st.Baseline.TestCoverage)
	}
	if st.LatestSnapshot != nil && (st.Baseline == nil || st.LatestSnapshot.ID != st.Baseline.ID) {
		fmt.Printf("Latest snapshot   %s (pass rate %.1f%%, coverage %.1f%%)\n",
			st.LatestSnapshot.ID, st.LatestSnapshot.TestPassRate(), st.LatestSnapshot.TestCoverage)
	}
}
