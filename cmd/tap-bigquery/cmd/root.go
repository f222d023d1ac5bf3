package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// outputWriter receives the Singer message stream and command output.
// Tests replace it.
var outputWriter io.Writer = os.Stdout

// setOutputWriter sets the output writer (used for testing)
func setOutputWriter(w io.Writer) {
	outputWriter = w
}

// resetOutputWriter resets output to stdout (used for testing)
func resetOutputWriter() {
	outputWriter = os.Stdout
}

// Singer invocation flags
var (
	cfgFile        string
	catalogFile    string
	propertiesFile string
	stateFile      string
	discoverMode   bool
	aboutMode      bool
	aboutFormat    string
)

// CLI flags that override config file values
var (
	logLevel    string
	logFormat   string
	batchSize   int
	parallelism int
	stateOutput string
)

var rootCmd = &cobra.Command{
	Use:   "tap-bigquery",
	Short: "Singer tap for Google BigQuery",
	Long: `A Singer tap that discovers the tables of a BigQuery project and
extracts them as SCHEMA, RECORD, STATE and BATCH messages on stdout.

Features:
  - Catalog discovery with nested STRUCT and ARRAY schemas
  - Incremental replication with at-least-once bookmarks
  - Bounded retries with backoff on transient BigQuery failures
  - File-based batch extraction through Cloud Storage

Invoked the Singer way:
  tap-bigquery --config config.json --discover > catalog.json
  tap-bigquery --config config.json --catalog catalog.json --state state.json`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runRoot,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Path to configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&catalogFile, "catalog", "",
		"Catalog file selecting the streams to extract")
	rootCmd.PersistentFlags().StringVar(&propertiesFile, "properties", "",
		"Deprecated alias of --catalog")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state", "",
		"State file with bookmarks from a previous run")

	// Logging overrides
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	// Extraction overrides
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 0,
		"Override batch size (rows between STATE messages)")
	rootCmd.PersistentFlags().IntVar(&parallelism, "parallelism", 0,
		"Override number of streams extracted concurrently")
	rootCmd.PersistentFlags().StringVar(&stateOutput, "state-output", "",
		"Also write the latest state to this file after every commit")

	rootCmd.Flags().BoolVar(&discoverMode, "discover", false,
		"Print the catalog of the project and exit")
	rootCmd.Flags().BoolVar(&aboutMode, "about", false,
		"Print tap capabilities and settings and exit")
	rootCmd.Flags().StringVar(&aboutFormat, "format", "json",
		"Output format of --about (json, markdown)")
}

func runRoot(cmd *cobra.Command, args []string) error {
	switch {
	case aboutMode:
		return runAbout(cmd, args)
	case discoverMode:
		return runDiscover(cmd, args)
	case cfgFile == "" && catalogFile == "" && propertiesFile == "" && stateFile == "":
		return cmd.Help()
	default:
		return runSync(cmd, args)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// GetCatalogFile returns the catalog path, honouring the --properties alias.
func GetCatalogFile() string {
	if catalogFile != "" {
		return catalogFile
	}
	return propertiesFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel    string
	LogFormat   string
	BatchSize   int
	Parallelism int
	StateOutput string
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:    logLevel,
		LogFormat:   logFormat,
		BatchSize:   batchSize,
		Parallelism: parallelism,
		StateOutput: stateOutput,
	}
}

func checkCatalogFlags() error {
	if catalogFile != "" && propertiesFile != "" && catalogFile != propertiesFile {
		return fmt.Errorf("--catalog and --properties name different files")
	}
	return nil
}
