package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ladlehq/ladle/pkg/gitsync"
	"github.com/ladlehq/ladle/pkg/journal"
	"github.com/ladlehq/ladle/pkg/reconciler"
	"github.com/ladlehq/ladle/pkg/state"
)

func newStatusCommand() *cobra.Command {
	var (
		localPath   string
		stateFile   string
		journalPath string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync state, host state and the last recorded run",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			syncState := gitsync.ReadState(localPath)

			st, err := state.NewFileStore(stateFile, logger).Load()
			if err != nil {
				return err
			}

			lastRun, err := lastJournalRun(cmd, journalPath)
			if err != nil {
				return err
			}

			if jsonOutput {
				doc := struct {
					Sync    gitsync.SyncState      `json:"sync"`
					Host    *state.State           `json:"host"`
					LastRun *reconciler.RunOutcome `json:"last_run,omitempty"`
				}{syncState, st, lastRun}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}

			fmt.Fprintf(out, "sync status:   %s\n", syncState.Status)
			if syncState.LastCommit != "" {
				fmt.Fprintf(out, "last commit:   %s\n", syncState.LastCommit)
			}
			if !syncState.LastSyncTime.IsZero() {
				fmt.Fprintf(out, "last sync:     %s\n", syncState.LastSyncTime.Format("2006-01-02 15:04:05 MST"))
			}
			if syncState.LastError != "" {
				fmt.Fprintf(out, "last error:    %s\n", syncState.LastError)
			}
			if c := syncState.LastConflict; c != nil {
				fmt.Fprintf(out, "last conflict: %s (local %s, remote %s)\n",
					c.At.Format("2006-01-02 15:04:05 MST"), c.LocalCommit, c.RemoteCommit)
			}

			fmt.Fprintf(out, "managed:       %d files, %d packages, %d services\n",
				len(st.Files), len(st.Packages), len(st.Services))
			if !st.LastConfigApplied.IsZero() {
				fmt.Fprintf(out, "last applied:  %s\n", st.LastConfigApplied.Format("2006-01-02 15:04:05 MST"))
			}

			if lastRun != nil {
				skipped, applied, failed := lastRun.Counts()
				result := "ok"
				if !lastRun.Success {
					result = "failed"
				}
				fmt.Fprintf(out, "last run:      %s %s %s skipped=%d applied=%d failed=%d (%s)\n",
					lastRun.StartedAt.Format("2006-01-02 15:04:05"), lastRun.Cookbook, result,
					skipped, applied, failed, lastRun.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&localPath, "local-path", "p", "/var/lib/ladle", "sync working directory")
	cmd.Flags().StringVarP(&stateFile, "state-file", "s", "/var/lib/ladle/state.json", "fingerprint state file")
	cmd.Flags().StringVar(&journalPath, "journal", "/var/lib/ladle/journal.db", "SQLite run journal path")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

// lastJournalRun returns the most recent recorded run with its per-resource
// results, or nil when no journal exists yet.
func lastJournalRun(cmd *cobra.Command, path string) (*reconciler.RunOutcome, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}

	j, err := journal.New(path)
	if err != nil {
		return nil, err
	}
	if err := j.Init(cmd.Context()); err != nil {
		return nil, err
	}
	defer j.Close()

	runs, err := j.ListRuns(cmd.Context(), 1, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return j.GetRun(cmd.Context(), runs[0].RunID)
}
