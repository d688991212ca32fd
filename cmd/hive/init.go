package main

import (
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hive/internal/config"
	"hive/internal/errkind"
)

// newInitCommand walks through the handful of settings most installs
// change and writes hive.yaml.
func newInitCommand(a *app) *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively write a hive.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			const op = "cli.init"

			if _, err := os.Stat(output); err == nil && !force {
				return errkind.New(errkind.KindConflict, op,
					"%s already exists; use --force to overwrite", output)
			}

			cfg := config.Default()

			dbPrompt := promptui.Prompt{
				Label:   "Database path",
				Default: cfg.Database.Path,
			}
			dbPath, err := dbPrompt.Run()
			if err != nil {
				return err
			}
			cfg.Database.Path = dbPath

			runnerPrompt := promptui.Prompt{
				Label:   "Runner command (tool invoked per task)",
				Default: cfg.Runner.Command,
			}
			runnerCmd, err := runnerPrompt.Run()
			if err != nil {
				return err
			}
			cfg.Runner.Command = runnerCmd

			providerSelect := promptui.Select{
				Label: "Embedding provider",
				Items: []string{"none", "ollama", "openai"},
			}
			_, provider, err := providerSelect.Run()
			if err != nil {
				return err
			}
			cfg.Embedding.Provider = provider
			switch provider {
			case "ollama":
				modelPrompt := promptui.Prompt{
					Label:   "Ollama model",
					Default: "nomic-embed-text",
				}
				if cfg.Embedding.Model, err = modelPrompt.Run(); err != nil {
					return err
				}
				urlPrompt := promptui.Prompt{
					Label:   "Ollama base URL",
					Default: "http://localhost:11434",
				}
				if cfg.Embedding.BaseURL, err = urlPrompt.Run(); err != nil {
					return err
				}
			case "openai":
				modelPrompt := promptui.Prompt{
					Label:   "OpenAI embedding model",
					Default: "text-embedding-3-small",
				}
				if cfg.Embedding.Model, err = modelPrompt.Run(); err != nil {
					return err
				}
				fmt.Println("set HIVE_EMBEDDING_API_KEY in the environment; keys are not written to disk")
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", output)
			fmt.Println("start the swarm with: hive serve")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "hive.yaml", "where to write the config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
