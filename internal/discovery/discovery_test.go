package discovery

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

var ordersFields = bigquery.Schema{
	{Name: "id", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "customer", Type: bigquery.StringFieldType},
	{Name: "total", Type: bigquery.NumericFieldType},
	{Name: "updated_at", Type: bigquery.TimestampFieldType},
}

func testSource() *database.MemSource {
	src := database.NewMemSource()
	orders := src.AddTable("a", "orders", ordersFields)
	orders.Meta.PrimaryKey = []string{"id"}
	src.AddTable("a", "customers", bigquery.Schema{{Name: "id", Type: bigquery.IntegerFieldType}})
	src.AddTable("b", "events", bigquery.Schema{{Name: "name", Type: bigquery.StringFieldType}})
	view := src.AddTable("b", "daily", bigquery.Schema{{Name: "day", Type: bigquery.DateFieldType}})
	view.Meta.Type = database.TableTypeView
	return src
}

func streamIDs(c *singer.Catalog) []string {
	var ids []string
	for _, e := range c.Streams {
		ids = append(ids, e.TapStreamID)
	}
	return ids
}

func newDiscoverer(src database.Source, mutate func(*config.Config)) (*Discoverer, *observer.ObservedLogs) {
	cfg := config.DefaultConfig()
	cfg.ProjectID = "p"
	if mutate != nil {
		mutate(cfg)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	return NewDiscoverer(src, cfg, logger.NewWithCore(core)), logs
}

func TestDiscoverAllSchemasSortedByQualifiedName(t *testing.T) {
	catalog, err := Discover(context.Background(), testSource(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-customers", "a-orders", "b-daily", "b-events"}, streamIDs(catalog))
}

func TestDiscoverAllowList(t *testing.T) {
	catalog, err := Discover(context.Background(), testSource(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-customers", "a-orders"}, streamIDs(catalog))
	for _, e := range catalog.Streams {
		assert.Equal(t, "a", e.SchemaName())
	}
}

func TestDiscoverUnknownAllowListEntryWarns(t *testing.T) {
	d, logs := newDiscoverer(testSource(), func(c *config.Config) {
		c.FilterSchemas = []string{"missing", "b"}
	})

	catalog, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b-daily", "b-events"}, streamIDs(catalog))
	assert.Equal(t, 1, logs.FilterMessageSnippet("missing").Len())
	assert.Len(t, d.Stats().Warnings, 1)
}

func TestDiscoverOnlyUnknownSchemasYieldsEmptyCatalog(t *testing.T) {
	catalog, err := Discover(context.Background(), testSource(), []string{"nope"})
	require.NoError(t, err)
	assert.Empty(t, catalog.Streams)

	var buf bytes.Buffer
	require.NoError(t, catalog.WriteJSON(&buf))
	assert.Contains(t, buf.String(), `"streams": []`)
}

func TestDiscoverListingFailureIsFatal(t *testing.T) {
	src := testSource()
	src.FailListing(errors.New("403 permission denied"))

	_, err := Discover(context.Background(), src, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list datasets")
}

func TestDiscoverSkipsUnreadableTable(t *testing.T) {
	src := testSource()
	src.FailTable("a", "customers", errors.New("access denied"))
	d, logs := newDiscoverer(src, nil)

	catalog, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a-orders", "b-daily", "b-events"}, streamIDs(catalog))
	assert.Equal(t, 1, logs.FilterMessageSnippet("a.customers").Len())

	stats := d.Stats()
	assert.Equal(t, 3, stats.TablesFound)
	assert.Equal(t, 1, stats.TablesSkipped)
	assert.Equal(t, 2, stats.SchemasScanned)
}

func TestDiscoverTablePatterns(t *testing.T) {
	d, _ := newDiscoverer(testSource(), func(c *config.Config) {
		c.FilterTables = []string{"ord*", "b.daily"}
	})
	catalog, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a-orders", "b-daily"}, streamIDs(catalog))
}

func TestDiscoverEntryShape(t *testing.T) {
	catalog, err := Discover(context.Background(), testSource(), nil)
	require.NoError(t, err)

	orders, ok := catalog.Get("a-orders")
	require.True(t, ok)
	assert.Equal(t, "a.orders", orders.QualifiedName())
	assert.Equal(t, "orders", orders.TableName)
	assert.Equal(t, []string{"id"}, orders.KeyProperties)
	assert.Equal(t, singer.ReplicationFullTable, orders.GetReplicationMethod())
	assert.False(t, orders.IsView)
	assert.False(t, orders.IsSelected())

	assert.Equal(t, []string{"id", "customer", "total", "updated_at"}, orders.Schema.PropertyNames())
	assert.Equal(t, []string{"id"}, orders.Schema.Required)

	id, _ := orders.Schema.Property("id")
	assert.Equal(t, singer.TypeList{singer.TypeInteger}, id.Type)
	updated, _ := orders.Schema.Property("updated_at")
	assert.Equal(t, singer.TypeList{singer.TypeString, singer.TypeNull}, updated.Type)
	assert.Equal(t, "date-time", updated.Format)

	assert.Empty(t, orders.Metadata[0].Breadcrumb)
	assert.Equal(t, "a", orders.Metadata.String(singer.MetaSchemaName))
	assert.Equal(t, []string{"id", "customer", "total", "updated_at"},
		orders.Metadata.Strings(singer.MetaValidReplicationKeys))
	assert.Equal(t, singer.InclusionAutomatic,
		orders.Metadata.String(singer.MetaInclusion, "properties", "id"))
	assert.Equal(t, "NUMERIC",
		orders.Metadata.String(singer.MetaSQLDatatype, "properties", "total"))

	daily, ok := catalog.Get("b-daily")
	require.True(t, ok)
	assert.True(t, daily.IsView)
	isView, _ := daily.Metadata.Bool(singer.MetaIsView)
	assert.True(t, isView)
	assert.Equal(t, []string{}, daily.KeyProperties)
}

func TestDiscoverOffersOnlyOrderableReplicationKeys(t *testing.T) {
	src := database.NewMemSource()
	src.AddTable("geo", "places", bigquery.Schema{
		{Name: "id", Type: bigquery.IntegerFieldType},
		{Name: "geo", Type: bigquery.GeographyFieldType},
		{Name: "doc", Type: bigquery.JSONFieldType},
		{Name: "at", Type: bigquery.TimeFieldType},
		{Name: "raw", Type: bigquery.BytesFieldType},
		{Name: "span", Type: bigquery.IntervalFieldType},
		{Name: "active", Type: bigquery.BooleanFieldType},
		{Name: "tags", Type: bigquery.StringFieldType, Repeated: true},
		{Name: "score", Type: bigquery.FloatFieldType},
		{Name: "amount", Type: bigquery.BigNumericFieldType},
		{Name: "seen", Type: bigquery.DateTimeFieldType},
		{Name: "day", Type: bigquery.DateFieldType},
		{Name: "name", Type: bigquery.StringFieldType},
	})

	catalog, err := Discover(context.Background(), src, nil)
	require.NoError(t, err)
	places, ok := catalog.Get("geo-places")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "score", "amount", "seen", "day", "name"},
		places.Metadata.Strings(singer.MetaValidReplicationKeys))
}

func TestDiscoverIsDeterministic(t *testing.T) {
	src := testSource()
	src.AddTable("c", "nested", bigquery.Schema{
		{Name: "tags", Type: bigquery.StringFieldType, Repeated: true},
		{Name: "address", Type: bigquery.RecordFieldType, Schema: bigquery.Schema{
			{Name: "city", Type: bigquery.StringFieldType},
		}},
	})

	first, err := Discover(context.Background(), src, nil)
	require.NoError(t, err)
	second, err := Discover(context.Background(), src, nil)
	require.NoError(t, err)

	var a, b bytes.Buffer
	require.NoError(t, first.WriteJSON(&a))
	require.NoError(t, second.WriteJSON(&b))
	assert.Equal(t, a.String(), b.String())
}

func TestDiscoverUnmappableTypesFallBackToString(t *testing.T) {
	src := database.NewMemSource()
	src.AddTable("geo", "shapes", bigquery.Schema{
		{Name: "id", Type: bigquery.IntegerFieldType},
		{Name: "span", Type: bigquery.FieldType("RANGE_OF_SOMETHING")},
		{Name: "odd.name", Type: bigquery.StringFieldType},
	})
	d, logs := newDiscoverer(src, nil)

	catalog, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog.Streams, 1)

	entry := catalog.Streams[0]
	span, ok := entry.Schema.Property("span")
	require.True(t, ok)
	assert.Equal(t, singer.TypeList{singer.TypeString, singer.TypeNull}, span.Type)
	_, ok = entry.Schema.Property("odd.name")
	assert.False(t, ok)

	assert.Equal(t, 1, logs.FilterMessageSnippet("unsupported type").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("odd.name").Len())
}

func TestDiscoverCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Discover(ctx, testSource(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
