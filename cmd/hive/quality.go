package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	qualitydomain "hive/internal/domain/quality"
	"hive/internal/errkind"
)

func newQualityCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Record and compare quality snapshots",
	}
	cmd.AddCommand(
		newQualitySnapshotCommand(a),
		newQualityBaselineCommand(a),
		newQualityRegressionsCommand(a),
		newQualityGatesCommand(a),
	)
	return cmd
}

func newQualitySnapshotCommand(a *app) *cobra.Command {
	var (
		taskID   string
		agentID  string
		tags     []string
		fromJSON string
	)
	var m qualitydomain.Metrics

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record a quality snapshot",
		Long: `Records the given metrics as a new snapshot. Metrics can be passed as
flags, or as a JSON object via --from-json (use - for stdin).`,
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			if fromJSON != "" {
				raw := []byte(fromJSON)
				if fromJSON == "-" {
					var err error
					raw, err = readAllStdin()
					if err != nil {
						return err
					}
				}
				if err := json.Unmarshal(raw, &m); err != nil {
					return errkind.Wrapf(errkind.KindValidation, "cli.quality_snapshot",
						err, "parse metrics")
				}
			}

			s, err := a.quality.RecordSnapshot(cmd.Context(), &qualitydomain.Snapshot{
				Metrics: m,
				TaskID:  taskID,
				AgentID: agentID,
				Tags:    tags,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s  pass rate %.1f%%, coverage %.1f%%, build=%t\n",
				s.ID, s.TestPassRate(), s.TestCoverage, s.BuildSuccess)
			return nil
		}),
	}

	cmd.Flags().IntVar(&m.LintErrors, "lint-errors", 0, "lint error count")
	cmd.Flags().IntVar(&m.LintWarnings, "lint-warnings", 0, "lint warning count")
	cmd.Flags().IntVar(&m.TypeErrors, "type-errors", 0, "type error count")
	cmd.Flags().IntVar(&m.TestsPassing, "tests-passing", 0, "passing test count")
	cmd.Flags().IntVar(&m.TestsFailing, "tests-failing", 0, "failing test count")
	cmd.Flags().Float64Var(&m.TestCoverage, "coverage", 0, "test coverage percent")
	cmd.Flags().BoolVar(&m.BuildSuccess, "build-success", true, "whether the build succeeded")
	cmd.Flags().Int64Var(&m.BuildTimeMS, "build-time-ms", 0, "build duration in ms")
	cmd.Flags().StringVar(&taskID, "task", "", "related task id")
	cmd.Flags().StringVar(&agentID, "agent", "", "recording agent id")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags")
	cmd.Flags().StringVar(&fromJSON, "from-json", "", "metrics as JSON, or - for stdin")
	return cmd
}

func newQualityBaselineCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline [snapshot-id]",
		Short: "Show or set the baseline snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				s, err := a.quality.SetBaseline(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("baseline set to %s\n", s.ID)
				return nil
			}

			baseline, err := a.quality.GetBaseline(cmd.Context())
			if err != nil {
				return err
			}
			if baseline == nil {
				fmt.Println("no baseline set")
				return nil
			}
			printSnapshot(baseline)
			return nil
		}),
	}
	return cmd
}

func newQualityRegressionsCommand(a *app) *cobra.Command {
	var snapshotID string

	cmd := &cobra.Command{
		Use:   "regressions",
		Short: "Compare a snapshot against the baseline",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			baseline, err := a.quality.GetBaseline(cmd.Context())
			if err != nil {
				return err
			}
			if baseline == nil {
				return errkind.New(errkind.KindPrecondition, "cli.quality_regressions",
					"no baseline set; record a snapshot and run `hive quality baseline <id>`")
			}

			var current *qualitydomain.Snapshot
			if snapshotID != "" {
				current, err = a.quality.GetSnapshot(cmd.Context(), snapshotID)
			} else {
				current, err = a.quality.GetLatestSnapshot(cmd.Context())
			}
			if err != nil {
				return err
			}
			if current == nil {
				return errkind.New(errkind.KindPrecondition, "cli.quality_regressions",
					"no snapshots recorded")
			}

			regressions := qualitydomain.DetectRegressions(baseline, current)
			if len(regressions) == 0 {
				fmt.Println(color.GreenString("no regressions against baseline %s", baseline.ID))
				return nil
			}
			for _, reg := range regressions {
				fmt.Printf("%s  %-16s %s\n",
					colorSeverity(reg.Severity), reg.Type, reg.Description)
			}

			summary := qualitydomain.SummarizeRegressions(regressions)
			fmt.Printf("\n%d regressions", summary.Total)
			if summary.Blocking {
				fmt.Printf(", %s", color.RedString("blocking"))
			}
			fmt.Println()
			if summary.Blocking {
				os.Exit(1)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot to compare (default: latest)")
	return cmd
}

func newQualityGatesCommand(a *app) *cobra.Command {
	var snapshotID string

	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Check a snapshot against the quality gates",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			var (
				s   *qualitydomain.Snapshot
				err error
			)
			if snapshotID != "" {
				s, err = a.quality.GetSnapshot(cmd.Context(), snapshotID)
			} else {
				s, err = a.quality.GetLatestSnapshot(cmd.Context())
			}
			if err != nil {
				return err
			}
			if s == nil {
				return errkind.New(errkind.KindPrecondition, "cli.quality_gates",
					"no snapshots recorded")
			}

			results := qualitydomain.CheckQualityGates(s.Metrics, qualitydomain.DefaultGates())
			allPass := true
			for _, res := range results {
				mark := color.GreenString("PASS")
				if !res.Passed {
					mark = color.RedString("FAIL")
					if res.Gate.Blocking {
						allPass = false
					}
				}
				fmt.Printf("%s  %-28s %v (%s)\n", mark, res.Gate.Name, res.Value, res.Gate)
			}
			if !allPass {
				os.Exit(1)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot to check (default: latest)")
	return cmd
}

func printSnapshot(s *qualitydomain.Snapshot) {
	printKV("ID", "%s", s.ID)
	if s.TaskID != "" {
		printKV("Task", "%s", s.TaskID)
	}
	if s.AgentID != "" {
		printKV("Agent", "%s", s.AgentID)
	}
	printKV("Build", "%t (%d ms)", s.BuildSuccess, s.BuildTimeMS)
	printKV("Tests", "%d passing, %d failing (%.1f%%)",
		s.TestsPassing, s.TestsFailing, s.TestPassRate())
	printKV("Coverage", "%.1f%%", s.TestCoverage)
	printKV("Lint", "%d errors, %d warnings", s.LintErrors, s.LintWarnings)
	printKV("Type errors", "%d", s.TypeErrors)
	printKV("Recorded", "%s", s.CreatedAt.Format("2006-01-02 15:04:05"))
}

func colorSeverity(sev qualitydomain.Severity) string {
	switch sev {
	case qualitydomain.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprintf("%-8s", sev)
	case qualitydomain.SeverityHigh:
		return color.RedString("%-8s", string(sev))
	case qualitydomain.SeverityMedium:
		return color.YellowString("%-8s", string(sev))
	default:
		return color.HiBlackString("%-8s", string(sev))
	}
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}
