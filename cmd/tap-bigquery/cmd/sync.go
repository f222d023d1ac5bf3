package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/extractor"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Extract the selected streams as Singer messages",
	Long: `Sync reads every selected stream of the catalog and writes SCHEMA,
RECORD, STATE and BATCH messages to stdout. Logs go to stderr.

Incremental streams resume after the bookmark in --state. A STATE message
is only written once every record it covers has been written, so a
target may restart from any STATE it has seen.

Without --catalog the project is discovered and every stream is synced
with FULL_TABLE replication.

Example:
  tap-bigquery sync --config config.json --catalog catalog.json --state state.json
  tap-bigquery --config config.json --catalog catalog.json --state-output state.json`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openSession(ctx, true)
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

	run, err := extractor.NewRunContext(s.cfg, s.db, catalog, state,
		outputWriter, GetCLIOverrides().StateOutput, s.log)
	if err != nil {
		return fmt.Errorf("failed to prepare sync: %w", err)
	}

	// Handle graceful shutdown
	ctx, stop := database.SetupSignalHandlerWithCallback(ctx, func(sig os.Signal) {
		s.log.Warnw("Received shutdown signal - writing final state...", "signal", sig.String())
	})
	defer stop()

	result, runErr := extractor.NewRunner(run).Run(ctx)
	printSyncSummary(cmd.ErrOrStderr(), result)

	if ctx.Err() != nil {
		return fmt.Errorf("sync interrupted: %w", ctx.Err())
	}
	if runErr != nil {
		return fmt.Errorf("sync completed with errors: %w", runErr)
	}
	return nil
}

// printSyncSummary writes the run summary. It never goes to stdout.
func printSyncSummary(w io.Writer, result *extractor.SyncResult) {
	if result == nil {
		return
	}
	fmt.Fprintf(w, "\n=== Sync Complete ===\n")
	fmt.Fprintf(w, "Run: %s\n", result.RunID)
	fmt.Fprintf(w, "Duration: %s\n", result.Duration)
	fmt.Fprintf(w, "Streams: %d (%d failed)\n", len(result.Streams), result.Failed)
	fmt.Fprintf(w, "Records: %d\n", result.Totals.RecordsExtracted)
	fmt.Fprintf(w, "Retries: %d\n", result.Totals.Retries)
	fmt.Fprintf(w, "Success: %v\n", result.Success)

	if result.Failed > 0 {
		fmt.Fprintf(w, "\nErrors:\n")
		for _, res := range result.Streams {
			if res.Err != nil {
				fmt.Fprintf(w, "  - %s: %v\n", res.StreamID, res.Err)
			}
		}
	}
}
