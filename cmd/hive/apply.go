package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	taskdomain "hive/internal/domain/task"
	"hive/internal/errkind"
)

// taskManifest is the YAML shape accepted by `hive apply`.
type taskManifest struct {
	Tasks []struct {
		Title            string   `yaml:"title"`
		Description      string   `yaml:"description"`
		Priority         string   `yaml:"priority"`
		Type             string   `yaml:"type"`
		RequiredSkills   []string `yaml:"required_skills"`
		Files            []string `yaml:"files"`
		DependsOn        []string `yaml:"depends_on"`
		Branch           string   `yaml:"branch"`
		EstimatedMinutes int      `yaml:"estimated_minutes"`
		MaxRetries       *int     `yaml:"max_retries"`
	} `yaml:"tasks"`
}

// newApplyCommand bulk-creates tasks from a manifest file. Within one
// manifest, depends_on may reference earlier entries by title; those are
// resolved to the ids assigned at creation.
func newApplyCommand(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply -f <manifest.yaml>",
		Short: "Create tasks from a YAML manifest",
		RunE: runWithApp(a, func(cmd *cobra.Command, args []string) error {
			const op = "cli.apply"

			var (
				raw []byte
				err error
			)
			if file == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}

			var manifest taskManifest
			if err := yaml.Unmarshal(raw, &manifest); err != nil {
				return errkind.Wrapf(errkind.KindValidation, op, err, "parse manifest")
			}
			if len(manifest.Tasks) == 0 {
				return errkind.New(errkind.KindValidation, op, "manifest has no tasks")
			}

			// Titles seen so far map to assigned ids, so later entries can
			// depend on earlier ones by title.
			byTitle := make(map[string]string, len(manifest.Tasks))

			for i, entry := range manifest.Tasks {
				t := taskdomain.New(entry.Title)
				t.Description = entry.Description
				t.Type = entry.Type
				t.RequiredSkills = entry.RequiredSkills
				t.Files = entry.Files
				t.BranchID = entry.Branch
				t.EstimatedMinutes = entry.EstimatedMinutes
				if entry.Priority != "" {
					t.Priority = taskdomain.Priority(entry.Priority)
				}
				if entry.MaxRetries != nil {
					t.MaxRetries = *entry.MaxRetries
				}
				for _, dep := range entry.DependsOn {
					if id, ok := byTitle[dep]; ok {
						dep = id
					}
					t.Dependencies = append(t.Dependencies, dep)
				}

				created, err := a.tasks.Create(cmd.Context(), t)
				if err != nil {
					return errkind.Wrapf(errkind.KindOf(err), op, err,
						"task %d (%q)", i+1, entry.Title)
				}
				byTitle[created.Title] = created.ID
				fmt.Printf("%s  %s [%s]\n", created.ID, created.Title, colorTaskStatus(created.Status))
			}
			fmt.Printf("created %d tasks\n", len(manifest.Tasks))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest path, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
