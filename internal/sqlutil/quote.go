// Package sqlutil provides GoogleSQL helpers for building BigQuery queries.
package sqlutil

import (
	"regexp"
	"strings"
)

// QuoteIdentifier quotes a BigQuery identifier (project, dataset, table, column) with backticks.
// Backslashes and backticks inside the name are escaped with a backslash.
// Example: "my_table" -> "`my_table`"
// Example: "my`table" -> "`my\`table`"
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "`", "\\`")
	return "`" + escaped + "`"
}

// QualifiedTable returns the fully qualified, quoted table path.
// The project part is omitted when empty so the client's default project applies.
func QualifiedTable(project, dataset, table string) string {
	parts := make([]string, 0, 3)
	if project != "" {
		parts = append(parts, QuoteIdentifier(project))
	}
	parts = append(parts, QuoteIdentifier(dataset), QuoteIdentifier(table))
	return strings.Join(parts, ".")
}

// validIdentifierRegex matches plain BigQuery column and dataset names.
var validIdentifierRegex = regexp.MustCompile("^[a-zA-Z_][a-zA-Z0-9_]*$")

// IsValidIdentifier checks if a name is a plain column or dataset identifier.
// Flexible column names (dashes, spaces, unicode) still work through QuoteIdentifier.
func IsValidIdentifier(name string) bool {
	return validIdentifierRegex.MatchString(name)
}

// QuoteIdentifierSafe quotes an identifier after validating it.
// Returns an error if the identifier contains invalid characters.
func QuoteIdentifierSafe(name string) (string, error) {
	if !IsValidIdentifier(name) {
		return "", &InvalidIdentifierError{Name: name}
	}
	return QuoteIdentifier(name), nil
}

// InvalidIdentifierError is returned when an identifier contains invalid characters.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return "invalid identifier: " + e.Name + " (must start with a letter or underscore and contain only alphanumeric characters and underscores)"
}

// QuoteString returns a single-quoted GoogleSQL string literal.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "'", `\'`)
	return "'" + escaped + "'"
}
