package cmd

import (
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// aboutSetting describes one config setting.
type aboutSetting struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret,omitempty"`
	Description string `json:"description"`
}

// aboutInfo is printed by --about.
type aboutInfo struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Settings     []aboutSetting `json:"settings"`
}

var tapCapabilities = []string{
	"about",
	"batch",
	"catalog",
	"discover",
	"state",
	"stream-maps",
	"schema-flattening",
}

var tapSettings = []aboutSetting{
	{Name: "project_id", Type: "string", Required: true,
		Description: "GCP project"},
	{Name: "google_application_credentials", Type: "string | object", Required: true, Secret: true,
		Description: "JSON content or path to service account credentials"},
	{Name: "google_storage_bucket", Type: "string",
		Description: "When set, tables are exported to this bucket and emitted as BATCH messages"},
	{Name: "location", Type: "string",
		Description: "BigQuery location of query and export jobs"},
	{Name: "filter_schemas", Type: "array[string]",
		Description: "Only discover these datasets. Empty means all datasets"},
	{Name: "filter_tables", Type: "array[string]",
		Description: "Only discover tables matching these shell patterns. Empty means all tables"},
	{Name: "batch_config", Type: "object",
		Description: "Encoding and local storage root of batch files"},
	{Name: "stream_maps", Type: "object",
		Description: "Accepted for compatibility, not applied"},
	{Name: "stream_map_config", Type: "object",
		Description: "Accepted for compatibility, not applied"},
	{Name: "flattening_enabled", Type: "boolean",
		Description: "Accepted for compatibility, not applied"},
	{Name: "flattening_max_depth", Type: "integer",
		Description: "Accepted for compatibility, not applied"},
	{Name: "extraction", Type: "object",
		Description: "batch_size, page_size, timeout_seconds, job_timeout_seconds, max_retries, retry_initial_ms, retry_max_ms, parallelism, null_bookmarks"},
	{Name: "logging", Type: "object",
		Description: "level, format, output, max_size_mb, max_backups, max_age_days"},
}

func newAboutInfo() aboutInfo {
	return aboutInfo{
		Name:         "tap-bigquery",
		Description:  "Singer tap for Google BigQuery",
		Version:      Version,
		Capabilities: tapCapabilities,
		Settings:     tapSettings,
	}
}

func runAbout(cmd *cobra.Command, args []string) error {
	return writeAbout(outputWriter, aboutFormat)
}

func writeAbout(w io.Writer, format string) error {
	info := newAboutInfo()

	switch strings.ToLower(format) {
	case "", "json":
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode about info: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "markdown", "md":
		return writeAboutMarkdown(w, info)
	default:
		return fmt.Errorf("unknown --format %q (expected json or markdown)", format)
	}
}

func writeAboutMarkdown(w io.Writer, info aboutInfo) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n%s\n\nVersion: %s\n\n", info.Name, info.Description, info.Version)

	sb.WriteString("## Capabilities\n\n")
	for _, c := range info.Capabilities {
		fmt.Fprintf(&sb, "* `%s`\n", c)
	}

	sb.WriteString("\n## Settings\n\n")
	sb.WriteString("| Setting | Type | Required | Description |\n")
	sb.WriteString("|:--------|:-----|:--------:|:------------|\n")
	for _, s := range info.Settings {
		required := "False"
		if s.Required {
			required = "True"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", s.Name, strings.ReplaceAll(s.Type, "|", "\\|"), required, s.Description)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
