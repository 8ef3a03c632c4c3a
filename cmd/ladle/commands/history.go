package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ladlehq/ladle/pkg/journal"
)

func newHistoryCommand() *cobra.Command {
	var (
		journalPath string
		runID       string
		limit       int
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded reconciliation runs",
		Example: `  # Recent runs
  ladle history --journal /var/lib/ladle/journal.db

  # Per-resource results of one run
  ladle history --journal /var/lib/ladle/journal.db --run-id <id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			j, err := journal.New(journalPath)
			if err != nil {
				return err
			}
			if err := j.Init(ctx); err != nil {
				return err
			}
			defer j.Close()

			if runID != "" {
				outcome, err := j.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(outcome)
				}
				fmt.Printf("run %s cookbook=%s success=%v aborted=%v\n",
					outcome.RunID, outcome.Cookbook, outcome.Success, outcome.Aborted)
				for _, res := range outcome.Resources {
					if res.Reason != "" {
						fmt.Printf("  %-10s %s (%s)\n", res.Status, res.ID, res.Reason)
					} else {
						fmt.Printf("  %-10s %s\n", res.Status, res.ID)
					}
				}
				return nil
			}

			runs, err := j.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			for _, run := range runs {
				result := "ok"
				if !run.Success {
					result = "failed"
				}
				fmt.Printf("%s  %-20s %-6s %s\n",
					run.StartedAt.Format("2006-01-02 15:04:05"), run.Cookbook, result, run.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "/var/lib/ladle/journal.db", "SQLite run journal path")
	cmd.Flags().StringVar(&runID, "run-id", "", "show per-resource results for one run")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}
