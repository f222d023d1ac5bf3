package sqlutil

import (
	"errors"
	"fmt"
	"strings"
)

// BookmarkParam is the named query parameter carrying the replication-key bookmark.
const BookmarkParam = "bookmark"

// Column is a selected column. Children are the selected sub-fields of a
// STRUCT column; a STRUCT with children is re-assembled field by field.
type Column struct {
	Name     string
	Children []Column
}

// Columns builds a flat column list from names.
func Columns(names ...string) []Column {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n}
	}
	return cols
}

// ProjectionList renders the select expressions for cols.
// Nested selections become STRUCT(...) AS name expressions.
func ProjectionList(cols []Column) []string {
	return projection(cols, "")
}

func projection(cols []Column, qualifier string) []string {
	exprs := make([]string, 0, len(cols))
	for _, col := range cols {
		path := QuoteIdentifier(col.Name)
		if qualifier != "" {
			path = qualifier + "." + path
		}

		switch {
		case len(col.Children) > 0:
			inner := projection(col.Children, path)
			exprs = append(exprs, fmt.Sprintf("STRUCT(%s) AS %s", strings.Join(inner, ", "), QuoteIdentifier(col.Name)))
		case qualifier != "":
			exprs = append(exprs, fmt.Sprintf("%s AS %s", path, QuoteIdentifier(col.Name)))
		default:
			exprs = append(exprs, path)
		}
	}
	return exprs
}

// SelectQuery describes one read of a stream.
type SelectQuery struct {
	Project string
	Dataset string
	Table   string
	Columns []Column

	// ReplicationKey orders the read and, with HasBookmark, filters rows
	// strictly greater than @bookmark.
	ReplicationKey string
	HasBookmark    bool
	ExcludeNulls   bool

	// OrderBy is used for reads without a replication key.
	OrderBy []string
}

// ErrNoTable is returned when a query has no dataset or table.
var ErrNoTable = errors.New("dataset and table are required")

// SQL renders the GoogleSQL SELECT statement.
func (q SelectQuery) SQL() (string, error) {
	if q.Dataset == "" || q.Table == "" {
		return "", ErrNoTable
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(ProjectionList(q.Columns), ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(QualifiedTable(q.Project, q.Dataset, q.Table))

	var where []string
	if q.ReplicationKey != "" {
		rk := QuoteIdentifier(q.ReplicationKey)
		if q.HasBookmark {
			where = append(where, fmt.Sprintf("%s > @%s", rk, BookmarkParam))
		} else if q.ExcludeNulls {
			where = append(where, rk+" IS NOT NULL")
		}
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	var order []string
	if q.ReplicationKey != "" {
		order = append(order, QuoteIdentifier(q.ReplicationKey)+" ASC")
	} else {
		for _, col := range q.OrderBy {
			order = append(order, QuoteIdentifier(col)+" ASC")
		}
	}
	if len(order) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(order, ", "))
	}

	return b.String(), nil
}

// ExportQuery wraps a SelectQuery in an EXPORT DATA statement writing
// newline-delimited JSON to Cloud Storage.
type ExportQuery struct {
	Select SelectQuery
	URI    string // gs://bucket/prefix-*.json.gz
	Gzip   bool
}

// SQL renders the EXPORT DATA statement.
func (e ExportQuery) SQL() (string, error) {
	if !strings.HasPrefix(e.URI, "gs://") || !strings.Contains(e.URI, "*") {
		return "", fmt.Errorf("export uri %q must be a gs:// wildcard uri", e.URI)
	}
	inner, err := e.Select.SQL()
	if err != nil {
		return "", err
	}

	options := []string{
		"uri = " + QuoteString(e.URI),
		"format = 'JSON'",
	}
	if e.Gzip {
		options = append(options, "compression = 'GZIP'")
	}
	options = append(options, "overwrite = true")

	return fmt.Sprintf("EXPORT DATA OPTIONS (%s) AS (%s)", strings.Join(options, ", "), inner), nil
}
