package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/tap-bigquery/internal/extractor"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the sync plan without reading rows",
	Long: `Plan resolves the catalog and state and shows, per selected stream,
what a sync would do.

The plan shows:
  - Replication method and key
  - The bookmark the stream resumes after
  - Table size from BigQuery metadata and the expected number of batches
  - The query that would run

Example:
  tap-bigquery plan --config config.json --catalog catalog.json --state state.json`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	catalog, err := s.catalog(ctx, true)
	if err != nil {
		return err
	}
	state, err := s.state()
	if err != nil {
		return err
	}

	est := extractor.NewEstimator(s.db.Source, s.cfg, state, s.log)
	estimates, err := est.Estimate(ctx, catalog)
	if err != nil {
		return fmt.Errorf("failed to build plan: %w", err)
	}

	printHeader("Project: %s", s.cfg.ProjectID)
	fmt.Fprintln(outputWriter)

	if len(estimates) == 0 {
		fmt.Fprintln(outputWriter, "No streams selected")
		return nil
	}

	printSection("Streams")
	rows := make([][]string, 0, len(estimates))
	for _, e := range estimates {
		bookmark := "-"
		if e.Bookmark != nil {
			bookmark = fmt.Sprint(e.Bookmark)
		}
		rows = append(rows, []string{
			e.StreamID,
			e.Method,
			bookmark,
			fmt.Sprintf("%d", e.TotalRows),
			fmt.Sprintf("%d", e.EstimatedBatches),
		})
	}
	printTable([]string{"STREAM", "METHOD", "BOOKMARK", "ROWS", "BATCHES"}, rows, 48)

	est.DisplayExecutionPlan(outputWriter, estimates)
	return nil
}
