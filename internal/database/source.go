package database

import (
	"context"
	"io"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dbsmedya/tap-bigquery/internal/sqlutil"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// Source is the read side of a BigQuery project. Implementations return
// iterator.Done from RowIterator.Next when a read is exhausted.
type Source interface {
	// Ping verifies the credentials and project are usable.
	Ping(ctx context.Context) error
	// ListSchemas returns every dataset in the project.
	ListSchemas(ctx context.Context) ([]string, error)
	// ListTables returns the tables and views of one dataset.
	ListTables(ctx context.Context, schema string) ([]string, error)
	// GetTable returns a table's columns and properties.
	GetTable(ctx context.Context, schema, table string) (*TableMeta, error)
	// Read runs a SELECT and streams JSON-friendly rows.
	Read(ctx context.Context, req ReadRequest) (RowIterator, error)
	// Export runs an EXPORT DATA statement and waits for it to finish.
	Export(ctx context.Context, req ExportRequest) (*ExportResult, error)
	Close() error
}

// ObjectStore holds the files written by Export.
type ObjectStore interface {
	// Check verifies the bucket is reachable.
	Check(ctx context.Context) error
	// List returns object names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Download copies an object's raw bytes into w.
	Download(ctx context.Context, name string, w io.Writer) error
	Delete(ctx context.Context, name string) error
	// Name is the bucket name used in gs:// URIs.
	Name() string
	Close() error
}

// BigQuery table types.
const (
	TableTypeTable            = string(bigquery.RegularTable)
	TableTypeView             = string(bigquery.ViewTable)
	TableTypeMaterializedView = string(bigquery.MaterializedView)
	TableTypeExternal         = string(bigquery.ExternalTable)
)

// TableMeta describes one table or view.
type TableMeta struct {
	Schema       string
	Name         string
	Type         string
	Fields       bigquery.Schema
	PrimaryKey   []string
	NumRows      uint64
	NumBytes     int64
	Location     string
	LastModified time.Time
}

// IsView reports whether the table is a logical or materialized view.
func (m *TableMeta) IsView() bool {
	return m.Type == TableTypeView || m.Type == TableTypeMaterializedView
}

// ReadRequest is one SELECT over a stream.
type ReadRequest struct {
	Query    sqlutil.SelectQuery
	Bookmark interface{} // bound to @bookmark when Query.HasBookmark
	PageSize int
}

// RowIterator streams rows of a read.
type RowIterator interface {
	Next() (types.Record, error)
}

// ExportRequest is one EXPORT DATA statement.
type ExportRequest struct {
	Query    sqlutil.ExportQuery
	Bookmark interface{}
}

// ExportResult summarises a finished export job.
type ExportResult struct {
	JobID    string
	Duration time.Duration
}
