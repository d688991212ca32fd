package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	memorydomain "hive/internal/domain/memory"
)

func newMemoryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Store and search shared memories",
	}
	cmd.AddCommand(
		newMemoryAddCommand(a),
		newMemorySearchCommand(a),
		newMemoryStatsCommand(a),
		newMemoryCompactCommand(a),
	)
	return cmd
}

func newMemoryAddCommand(a *app) *cobra.Command {
	var (
		memType    string
		importance float64
		agentID    string
		taskID     string
		tags       []string
	)

	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Store a memory",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			m := memorydomain.New(memorydomain.Type(memType), args[0])
			m.Importance = importance
			m.AgentID = agentID
			m.TaskID = taskID
			m.Tags = tags

			if a.provider != nil && a.provider.HealthCheck(cmd.Context()) {
				if res, err := a.provider.Generate(cmd.Context(), m.Content); err == nil && res != nil {
					m.Embedding = res.Embedding
				}
			}

			stored, err := a.memory.Store(cmd.Context(), m)
			if err != nil {
				return err
			}
			embedded := "no"
			if len(stored.Embedding) > 0 {
				embedded = fmt.Sprintf("%d dims", len(stored.Embedding))
			}
			fmt.Printf("%s  [%s] importance=%.2f embedded=%s\n",
				stored.ID, stored.Type, stored.Importance, embedded)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&memType, "type", "t", string(memorydomain.TypeGeneral), "memory type")
	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "importance in [0,1]")
	cmd.Flags().StringVar(&agentID, "agent", "", "originating agent id")
	cmd.Flags().StringVar(&taskID, "task", "", "related task id")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags")
	return cmd
}

func newMemorySearchCommand(a *app) *cobra.Command {
	var (
		limit    int
		memType  string
		weighted bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over stored memories",
		Long: `Embeds the query and ranks memories by cosine similarity. Without a
configured embedding provider the search degrades to substring matching.`,
		Args: cobra.ExactArgs(1),
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			results, err := a.memory.SemanticSearchByText(cmd.Context(), args[0],
				memorydomain.SearchOptions{
					Limit:              limit,
					Type:               memorydomain.Type(memType),
					WeightByImportance: weighted,
				})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, res := range results {
				content := res.Memory.Content
				if len(content) > 100 {
					content = content[:100] + "…"
				}
				content = strings.ReplaceAll(content, "\n", " ")
				fmt.Printf("%.3f  %s  %-22s %s\n",
					res.Score, res.Memory.ID,
					color.CyanString(string(res.Memory.Type)), content)
			}
			return nil
		}),
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "max results")
	cmd.Flags().StringVarP(&memType, "type", "t", "", "restrict to one memory type")
	cmd.Flags().BoolVar(&weighted, "weighted", false, "blend importance into ranking")
	return cmd
}

func newMemoryStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the memory store",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			stats, err := a.memory.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			printKV("Total", "%d", stats.Total)
			printKV("With embedding", "%d", stats.WithEmbedding)
			printKV("Avg importance", "%.2f", stats.AvgImportance)
			if stats.EmbeddingDim > 0 {
				printKV("Embedding dims", "%d", stats.EmbeddingDim)
			}
			for memType, n := range stats.ByType {
				printKV("  "+string(memType), "%d", n)
			}
			return nil
		}),
	}
}

func newMemoryCompactCommand(a *app) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Remove low-importance memories",
		Long: `Removes unprotected memories with importance below the threshold.
Codebase knowledge is never removed.`,
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			removed, err := a.memory.Compact(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d memories below importance %.2f\n", removed, threshold)
			return nil
		}),
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0.3, "importance cutoff")
	return cmd
}
