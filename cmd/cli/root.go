// Command cli is the RepoPilot command-line interface: load, index, and ask
// against a local instance of the pipeline, without the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aahilsayed062/repopilot/internal/app"
	"github.com/aahilsayed062/repopilot/internal/config"
	"github.com/aahilsayed062/repopilot/internal/logger"
)

var errColor = color.New(color.FgRed, color.Bold)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errColor.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "repopilot",
		Short:        "Repository-grounded engineering assistant",
		SilenceUsage: true,
	}
	root.AddCommand(newLoadCmd(), newIndexCmd(), newAskCmd())
	return root
}

// buildApp constructs the component graph with quiet logging for CLI use.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Logging.Level = "warn"

	log := logger.New(cfg.Logging, os.Stderr)
	slog.SetDefault(log)

	return app.New(ctx, cfg, log)
}
