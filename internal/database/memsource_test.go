package database

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/dbsmedya/tap-bigquery/internal/sqlutil"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func ordersSource() *MemSource {
	src := NewMemSource()
	src.AddTable("sales", "orders", bigquery.Schema{
		{Name: "id", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "updated_at", Type: bigquery.TimestampFieldType},
	},
		types.Record{"id": int64(3), "updated_at": day(3)},
		types.Record{"id": int64(1), "updated_at": time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)},
		types.Record{"id": int64(4), "updated_at": nil},
		types.Record{"id": int64(2), "updated_at": day(2)},
	)
	return src
}

func drain(t *testing.T, it RowIterator) []types.Record {
	t.Helper()
	var out []types.Record
	for {
		rec, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestMemSourceListing(t *testing.T) {
	src := ordersSource()
	src.AddTable("marketing", "campaigns", nil)
	src.AddSchema("empty")

	schemas, err := src.ListSchemas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "marketing", "sales"}, schemas)

	tables, err := src.ListTables(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, tables)

	meta, err := src.GetTable(context.Background(), "sales", "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), meta.NumRows)
	assert.False(t, meta.IsView())

	_, err = src.ListTables(context.Background(), "missing")
	assert.Error(t, err)

	src.FailTable("sales", "orders", errors.New("access denied"))
	_, err = src.GetTable(context.Background(), "sales", "orders")
	assert.EqualError(t, err, "access denied")
}

func TestMemSourceReadOrdersAndFilters(t *testing.T) {
	src := ordersSource()
	q := sqlutil.SelectQuery{
		Dataset: "sales", Table: "orders",
		Columns:        sqlutil.Columns("id", "updated_at"),
		ReplicationKey: "updated_at",
	}

	// First run: nulls first, then ascending
	it, err := src.Read(context.Background(), ReadRequest{Query: q})
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 4)
	assert.Nil(t, rows[0]["updated_at"])
	assert.Equal(t, "2024-01-03T00:00:00Z", rows[3]["updated_at"])

	// With a bookmark: strictly greater, nulls dropped
	q.HasBookmark = true
	it, err = src.Read(context.Background(), ReadRequest{Query: q, Bookmark: day(1)})
	require.NoError(t, err)
	rows = drain(t, it)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0]["id"])
	assert.Equal(t, int64(3), rows[1]["id"])

	// ExcludeNulls without a bookmark
	q.HasBookmark = false
	q.ExcludeNulls = true
	it, err = src.Read(context.Background(), ReadRequest{Query: q})
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 3)

	assert.Equal(t, 3, src.Reads("sales", "orders"))
	assert.Len(t, src.Requests(), 3)
}

func TestMemSourceProjectsNestedColumns(t *testing.T) {
	src := NewMemSource()
	src.AddTable("crm", "people", nil, types.Record{
		"id":      int64(1),
		"secret":  "x",
		"address": map[string]interface{}{"city": "Oslo", "zip": "0150"},
	})

	it, err := src.Read(context.Background(), ReadRequest{Query: sqlutil.SelectQuery{
		Dataset: "crm", Table: "people",
		Columns: []sqlutil.Column{{Name: "id"}, {Name: "address", Children: sqlutil.Columns("city")}},
	}})
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 1)
	assert.Equal(t, types.Record{"id": int64(1), "address": map[string]interface{}{"city": "Oslo"}}, rows[0])
}

func TestMemSourceFaults(t *testing.T) {
	src := ordersSource()
	boom := errors.New("backend error")
	src.InjectFault("sales", "orders", Fault{AfterRows: 1, Err: boom, Times: 1})

	q := sqlutil.SelectQuery{Dataset: "sales", Table: "orders"}
	it, err := src.Read(context.Background(), ReadRequest{Query: q})
	require.NoError(t, err)

	_, err = it.Next()
	require.NoError(t, err)
	_, err = it.Next()
	assert.ErrorIs(t, err, boom)

	// The fault was used up
	it, err = src.Read(context.Background(), ReadRequest{Query: q})
	require.NoError(t, err)
	assert.Len(t, drain(t, it), 4)
}

func TestMemSourceHonoursContext(t *testing.T) {
	src := ordersSource()
	src.RowDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	it, err := src.Read(ctx, ReadRequest{Query: sqlutil.SelectQuery{Dataset: "sales", Table: "orders"}})
	require.NoError(t, err)

	cancel()
	_, err = it.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemSourceExport(t *testing.T) {
	src := ordersSource()
	bucket := NewMemBucket("exports")
	src.AttachBucket(bucket)
	src.ExportShardRows = 2

	res, err := src.Export(context.Background(), ExportRequest{
		Query: sqlutil.ExportQuery{
			Select: sqlutil.SelectQuery{Dataset: "sales", Table: "orders", ReplicationKey: "updated_at", HasBookmark: true},
			URI:    "gs://exports/sales-orders-*.json.gz",
			Gzip:   true,
		},
		Bookmark: "2023-12-31T00:00:00Z",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)

	names, err := bucket.List(context.Background(), "sales-orders-")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales-orders-000000000000.json.gz"}, names)

	var raw bytes.Buffer
	require.NoError(t, bucket.Download(context.Background(), names[0], &raw))
	gz, err := gzip.NewReader(&raw)
	require.NoError(t, err)
	lines := 0
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)

	require.NoError(t, bucket.Delete(context.Background(), names[0]))
	names, _ = bucket.List(context.Background(), "")
	assert.Empty(t, names)
}

func TestMemSourceExportShardsAndEmpty(t *testing.T) {
	src := ordersSource()
	bucket := NewMemBucket("exports")
	src.AttachBucket(bucket)
	src.ExportShardRows = 3

	_, err := src.Export(context.Background(), ExportRequest{Query: sqlutil.ExportQuery{
		Select: sqlutil.SelectQuery{Dataset: "sales", Table: "orders"},
		URI:    "gs://exports/all-*.json",
	}})
	require.NoError(t, err)
	names, _ := bucket.List(context.Background(), "all-")
	assert.Equal(t, []string{"all-000000000000.json", "all-000000000001.json"}, names)

	// An empty result still produces one file
	_, err = src.Export(context.Background(), ExportRequest{
		Query: sqlutil.ExportQuery{
			Select: sqlutil.SelectQuery{Dataset: "sales", Table: "orders", ReplicationKey: "updated_at", HasBookmark: true},
			URI:    "gs://exports/none-*.json",
		},
		Bookmark: day(9),
	})
	require.NoError(t, err)
	names, _ = bucket.List(context.Background(), "none-")
	assert.Len(t, names, 1)

	_, err = src.Export(context.Background(), ExportRequest{Query: sqlutil.ExportQuery{
		Select: sqlutil.SelectQuery{Dataset: "sales", Table: "orders"},
		URI:    "gs://elsewhere/x-*.json",
	}})
	assert.Error(t, err)
}
