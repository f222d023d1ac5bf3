package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/tap-bigquery/internal/extractor"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and run preflight checks",
	Long: `Validate checks the configuration file and runs preflight checks
against BigQuery to make sure a sync can start.

Checks performed:
  - Configuration syntax and required fields
  - BigQuery connectivity and credentials
  - Existence of every selected table
  - Replication keys of incremental streams
  - Access to the storage bucket (batch mode)
  - Catalog columns missing from their tables (warning only)

Example:
  tap-bigquery validate --config config.json --catalog catalog.json`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	printHeader("Configuration Validation")
	fmt.Fprintf(outputWriter, "Config file: %s\n\n", displayPath(GetConfigFile()))

	if _, err := loadConfig(); err != nil {
		printCheck(false, "Configuration: %v", err)
		return fmt.Errorf("validation failed")
	}
	printCheck(true, "Configuration is valid")

	s, err := openSession(ctx, true)
	if err != nil {
		printCheck(false, "Connection: %v", err)
		return fmt.Errorf("validation failed")
	}
	defer s.Close()
	printCheck(true, "Connected to project %s", s.cfg.ProjectID)

	catalog, err := s.catalog(ctx, true)
	if err != nil {
		printCheck(false, "Catalog: %v", err)
		return fmt.Errorf("validation failed")
	}
	printCheck(true, "Catalog: %d stream(s), %d selected", len(catalog.Streams), len(catalog.Selected()))

	checker, err := extractor.NewPreflightChecker(s.db.Source, s.db.Bucket, s.log)
	if err != nil {
		printCheck(false, "Failed to create preflight checker: %v", err)
		return fmt.Errorf("validation failed")
	}

	if err := checker.RunAllChecks(ctx, catalog); err != nil {
		printCheck(false, "Preflight checks failed: %v", err)
		return fmt.Errorf("validation failed")
	}
	printCheck(true, "All preflight checks passed")

	fmt.Fprintln(outputWriter, "\n=== Validation Complete ===")
	return nil
}

func displayPath(path string) string {
	if path == "" {
		return "(environment)"
	}
	return path
}
