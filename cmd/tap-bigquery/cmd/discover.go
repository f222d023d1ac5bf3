package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/tap-bigquery/internal/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the catalog of the configured project",
	Long: `Discover lists the datasets and tables of the project, applies
filter_schemas and filter_tables, and prints a Singer catalog on stdout.

Streams are not selected in the printed catalog. Edit the selected
metadata (or replication-method and replication-key) and pass the file
back with --catalog.

Example:
  tap-bigquery discover --config config.json > catalog.json
  tap-bigquery --config config.json --discover > catalog.json`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	d := discovery.NewDiscoverer(s.db.Source, s.cfg, s.log)
	catalog, err := d.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	stats := d.Stats()
	s.log.Infow("Discovery complete",
		"schemas", stats.SchemasScanned,
		"tables", stats.TablesFound,
		"skipped", stats.TablesSkipped,
		"duration", stats.Duration.String())

	if err := catalog.WriteJSON(outputWriter); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}
