// Package commands implements the ladle CLI.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ladlehq/ladle/pkg/telemetry"
)

var (
	// Global flags
	logLevel  string
	logFormat string
	logger    = zerolog.Nop()
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("command failed")
		return err
	}
	return nil
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ladle",
		Short: "Ladle - declarative host configuration",
		Long: `Ladle converges a host onto the state declared in YAML cookbooks:
packages installed or removed, files rendered with owner/group/mode,
services running and enabled. State fingerprints make repeat runs cheap;
only drifted resources trigger external actions.

A companion sync service keeps a local cookbook checkout following a git
remote and atomically publishes complete trees for the reconciler.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if env := os.Getenv("LOG_LEVEL"); env != "" && !cmd.Flags().Changed("log-level") {
				logLevel = env
			}
			logger = telemetry.NewLogger(logLevel, logFormat, os.Stderr)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console or json)")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
