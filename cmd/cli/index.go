package main

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "index <repo-id>",
		Short: "Build the semantic index for a loaded repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			repoID := args[0]

			bar := progressbar.NewOptions(100,
				progressbar.OptionSetDescription("indexing"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			done := make(chan struct{})
			go func() {
				ticker := time.NewTicker(250 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if record, err := application.Repos.Get(repoID); err == nil {
							_ = bar.Set(int(record.IndexProgressPct))
						}
					}
				}
			}()

			result, err := application.Indexer.IndexRepo(cmd.Context(), repoID, force)
			close(done)
			_ = bar.Finish()
			if err != nil {
				return err
			}

			if result.FromCache {
				fmt.Printf("Index is fresh (%d chunks, served from cache)\n", result.ChunkCount)
			} else {
				fmt.Printf("Indexed %d chunks\n", result.ChunkCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-index even if the commit is unchanged")
	return cmd
}
