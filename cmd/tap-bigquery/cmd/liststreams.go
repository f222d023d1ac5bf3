package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var listStreamsCmd = &cobra.Command{
	Use:   "list-streams",
	Short: "List the streams of the catalog",
	Long: `List-streams prints one line per stream with its table, key
properties, replication settings and selection.

The streams come from --catalog when given, otherwise from discovery of
the configured project.

Example:
  tap-bigquery list-streams --config config.json
  tap-bigquery list-streams --config config.json --catalog catalog.json`,
	RunE: runListStreams,
}

func init() {
	rootCmd.AddCommand(listStreamsCmd)
}

func runListStreams(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	catalog, err := s.catalog(ctx, false)
	if err != nil {
		return err
	}

	if len(catalog.Streams) == 0 {
		fmt.Fprintf(outputWriter, "No streams found in project %s\n", s.cfg.ProjectID)
		return nil
	}

	rows := make([][]string, 0, len(catalog.Streams))
	for _, e := range catalog.Streams {
		kind := "table"
		if e.IsView {
			kind = "view"
		}
		replication := e.GetReplicationMethod()
		if key := e.GetReplicationKey(); key != "" && e.IsIncremental() {
			replication += " (" + key + ")"
		}
		keys := strings.Join(e.KeyProperties, ",")
		if keys == "" {
			keys = "-"
		}
		rows = append(rows, []string{
			e.TapStreamID,
			e.QualifiedName(),
			kind,
			strconv.Itoa(len(e.Schema.PropertyNames())),
			keys,
			replication,
			strconv.FormatBool(e.IsSelected()),
		})
	}

	printTable([]string{"STREAM", "TABLE", "TYPE", "COLUMNS", "KEYS", "REPLICATION", "SELECTED"}, rows, 48)
	fmt.Fprintf(outputWriter, "\nTotal: %d stream(s), %d selected\n", len(catalog.Streams), len(catalog.Selected()))
	return nil
}
