package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aahilsayed062/repopilot/internal/core"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <repo-id> <question...>",
		Short: "Ask a grounded question about an indexed repository",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}

			result, err := application.Orchestrator.Smart(cmd.Context(), core.SmartRequest{
				RepoID:   args[0],
				Question: strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}

			fmt.Println(result.Answer)
			if len(result.Citations) > 0 {
				fmt.Println()
				color.Cyan("Citations:")
				for _, c := range result.Citations {
					fmt.Printf("  %s (%s)\n", c.FilePath, c.LineRange)
				}
			}
			fmt.Printf("\nconfidence: %s", result.Confidence)
			if result.FromCache {
				fmt.Print("  (cached)")
			}
			fmt.Println()
			return nil
		},
	}
	return cmd
}
