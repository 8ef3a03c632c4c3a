package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ladlehq/ladle/pkg/gitsync"
	"github.com/ladlehq/ladle/pkg/telemetry"
)

func newSyncCommand() *cobra.Command {
	var (
		repoURL     string
		localPath   string
		branch      string
		interval    time.Duration
		jitter      time.Duration
		once        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep the local cookbook checkout following a git remote",
		Long: `Clone the cookbook repository if needed, then poll the remote and keep
the local checkout converged on the remote branch head. Each successful
cycle publishes a complete tree and swaps the 'current' symlink
atomically, so a concurrent apply never reads a half-updated tree.

Divergent local history is resolved by force-resetting to the remote
head; every reset is recorded in the sync state.`,
		Example: `  # Continuous sync every five minutes
  ladle sync --repo-url https://example.com/cookbooks.git

  # Single cycle, for cron or unit testing
  ladle sync --repo-url https://example.com/cookbooks.git --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics := telemetry.NewMetrics()
			if metricsAddr != "" {
				serveMetrics(metricsAddr, metrics)
			}

			svc := gitsync.NewService(gitsync.Options{
				RepoURL:   repoURL,
				LocalPath: localPath,
				Branch:    branch,
				Interval:  interval,
				Jitter:    jitter,
			}, logger, gitsync.WithMetrics(metrics))

			if once {
				return svc.RunOnce(cmd.Context())
			}
			return svc.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&repoURL, "repo-url", "r", "", "cookbook repository URL")
	cmd.Flags().StringVarP(&localPath, "local-path", "p", "/var/lib/ladle", "sync working directory")
	cmd.Flags().StringVarP(&branch, "branch", "b", "main", "branch to track")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "delay between cycles in continuous mode")
	cmd.Flags().DurationVar(&jitter, "jitter", 30*time.Second, "max randomized delay before each fetch")
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on (disabled when empty)")
	cmd.MarkFlagRequired("repo-url")

	return cmd
}
