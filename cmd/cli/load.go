package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLoadCmd() *cobra.Command {
	var branch string

	cmd := &cobra.Command{
		Use:   "load <repo-url-or-path>",
		Short: "Clone and register a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}

			record, err := application.Repos.Load(cmd.Context(), args[0], branch)
			if err != nil {
				return err
			}

			color.Green("Loaded %s", record.RepoName)
			fmt.Printf("  repo_id:  %s\n", record.RepoID)
			fmt.Printf("  commit:   %s\n", record.CommitHash)
			fmt.Printf("  branch:   %s\n", record.Branch)
			fmt.Printf("  files:    %d (%.1f KB)\n", record.Stats.TotalFiles, float64(record.Stats.TotalSizeBytes)/1024)
			return nil
		},
	}
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch to clone")
	return cmd
}
