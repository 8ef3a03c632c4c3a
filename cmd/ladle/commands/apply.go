package commands

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ladlehq/ladle/pkg/executor"
	"github.com/ladlehq/ladle/pkg/journal"
	"github.com/ladlehq/ladle/pkg/reconciler"
	"github.com/ladlehq/ladle/pkg/state"
	"github.com/ladlehq/ladle/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		cookbookDir     string
		stateFile       string
		pkgManager      string
		sudo            bool
		continueOnError bool
		journalPath     string
		watch           bool
		metricsAddr     string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the host onto the declared cookbook state",
		Long: `Load every cookbook in the cookbook directory and apply them in name
order. Resources whose recorded fingerprint already matches the declared
state are skipped without touching the host.

Sections apply in a fixed order: pre_install commands, package removals,
package installs, files, services, post_install commands. Files that
change notify their services, which restart at most once per run.`,
		Example: `  # One-shot apply
  ladle apply --cookbook-dir /var/lib/ladle/current

  # Keep going past failures and record runs in a journal
  ladle apply --continue-on-error --journal /var/lib/ladle/journal.db

  # Re-apply whenever the sync service publishes a new tree
  ladle apply --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store := state.NewFileStore(stateFile, logger)
			exec := executor.New(logger)
			packages, err := executor.NewPackageManager(exec, pkgManager, sudo)
			if err != nil {
				return err
			}
			services := executor.NewServiceManager(exec, sudo)

			metrics := telemetry.NewMetrics()
			opts := []reconciler.Option{reconciler.WithMetrics(metrics)}
			if continueOnError {
				opts = append(opts, reconciler.WithPolicy(reconciler.PolicyContinue))
			}
			if journalPath != "" {
				j, err := journal.New(journalPath)
				if err != nil {
					return err
				}
				if err := j.Init(ctx); err != nil {
					return err
				}
				defer j.Close()
				opts = append(opts, reconciler.WithRecorder(j))
			}
			if metricsAddr != "" {
				serveMetrics(metricsAddr, metrics)
			}

			rec := reconciler.New(store, packages, services, exec, logger, opts...)

			if !watch {
				return runApply(ctx, rec, cookbookDir)
			}
			return watchAndApply(ctx, rec, cookbookDir)
		},
	}

	cmd.Flags().StringVarP(&cookbookDir, "cookbook-dir", "d", "/var/lib/ladle/current", "directory of cookbook yaml files")
	cmd.Flags().StringVarP(&stateFile, "state-file", "s", "/var/lib/ladle/state.json", "fingerprint state file")
	cmd.Flags().StringVar(&pkgManager, "package-manager", "", "package manager backend (apt, dnf, yum, zypper; auto-detected when empty)")
	cmd.Flags().BoolVar(&sudo, "sudo", false, "elevate mutating host commands with sudo")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep applying remaining resources after a failure")
	cmd.Flags().StringVar(&journalPath, "journal", "", "SQLite run journal path (disabled when empty)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-apply whenever the cookbook directory is republished")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on (disabled when empty)")

	return cmd
}

func runApply(ctx context.Context, rec *reconciler.Reconciler, dir string) error {
	outcomes, success, err := rec.ApplyDir(ctx, dir)
	if err != nil {
		return err
	}

	for _, outcome := range outcomes {
		skipped, applied, failed := outcome.Counts()
		fmt.Printf("%s: skipped=%d applied=%d failed=%d\n", outcome.Cookbook, skipped, applied, failed)
		for _, res := range outcome.Resources {
			if res.Status == reconciler.StatusFailed {
				fmt.Printf("  failed %s: %s\n", res.ID, res.Reason)
			}
		}
	}

	if !success {
		return fmt.Errorf("apply did not converge")
	}
	return nil
}

// watchAndApply applies once, then re-applies whenever the cookbook
// directory is swapped or its contents change. The published `current` link
// is replaced by rename, so a swap arrives as a create event in the parent.
func watchAndApply(ctx context.Context, rec *reconciler.Reconciler, dir string) error {
	if err := runApply(ctx, rec, dir); err != nil {
		logger.Error().Err(err).Msg("initial apply failed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	parent := filepath.Dir(dir)
	if err := watcher.Add(parent); err != nil {
		return fmt.Errorf("failed to watch %s: %w", parent, err)
	}
	logger.Info().Str("dir", dir).Msg("watching for republished cookbooks")

	base := filepath.Base(dir)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: a swap can surface as several events.
			pending = time.After(500 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")

		case <-pending:
			pending = nil
			logger.Info().Msg("cookbook directory changed, re-applying")
			if err := runApply(ctx, rec, dir); err != nil {
				logger.Error().Err(err).Msg("apply failed")
			}
		}
	}
}

func serveMetrics(addr string, metrics *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}
