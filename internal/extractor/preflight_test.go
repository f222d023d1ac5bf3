package extractor

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

func TestNewPreflightChecker(t *testing.T) {
	_, err := NewPreflightChecker(nil, nil, nil)
	assert.Error(t, err)

	p, err := NewPreflightChecker(ordersSource(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestPreflightPasses(t *testing.T) {
	src := ordersSource()
	catalog := discoverCatalog(t, src, incremental("updated_at"))
	p, err := NewPreflightChecker(src, database.NewMemBucket("b"), logger.NewNop())
	require.NoError(t, err)
	assert.NoError(t, p.RunAllChecks(context.Background(), catalog))
}

func TestPreflightConnectivity(t *testing.T) {
	src := ordersSource()
	src.FailPing(errors.New("invalid credentials"))
	p, _ := NewPreflightChecker(src, nil, logger.NewNop())

	err := p.RunAllChecks(context.Background(), discoverCatalog(t, ordersSource(), nil))
	var pe *PreflightError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "CONNECTIVITY_CHECK", pe.Check)
}

func TestPreflightMissingTable(t *testing.T) {
	catalog := discoverCatalog(t, ordersSource(), nil)
	src := ordersSource()
	src.FailTable("sales", "orders", errors.New("notFound"))
	p, _ := NewPreflightChecker(src, nil, logger.NewNop())

	err := p.RunAllChecks(context.Background(), catalog)
	var pe *PreflightError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "TABLE_EXISTENCE_CHECK", pe.Check)
	assert.Equal(t, []string{"sales.orders"}, pe.Tables)
	assert.Contains(t, pe.Error(), "sales.orders")
}

func TestPreflightReplicationKeys(t *testing.T) {
	catalog := discoverCatalog(t, ordersSource(), func(e *singer.CatalogEntry) {
		e.ReplicationMethod = singer.ReplicationIncremental
	})
	p, _ := NewPreflightChecker(ordersSource(), nil, logger.NewNop())

	err := p.ValidateReplicationKeys(catalog.Selected())
	var pe *PreflightError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "REPLICATION_KEY_CHECK", pe.Check)
	assert.Equal(t, []string{ordersID}, pe.Tables)
	assert.Contains(t, pe.Details[ordersID], "without replication-key")
}

func TestPreflightRejectsUnorderableReplicationKeys(t *testing.T) {
	src := database.NewMemSource()
	src.AddTable("geo", "places", bigquery.Schema{
		{Name: "id", Type: bigquery.IntegerFieldType},
		{Name: "at", Type: bigquery.TimeFieldType},
		{Name: "raw", Type: bigquery.BytesFieldType},
		{Name: "geo", Type: bigquery.GeographyFieldType},
	})
	p, _ := NewPreflightChecker(src, nil, logger.NewNop())

	for _, key := range []string{"at", "raw", "geo"} {
		t.Run(key, func(t *testing.T) {
			catalog := discoverCatalog(t, src, incremental(key))
			err := p.ValidateReplicationKeys(catalog.Selected())
			var pe *PreflightError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, []string{"geo-places"}, pe.Tables)
			assert.Contains(t, pe.Details["geo-places"], "cannot be used as a replication key")

			_, err = NewStreamExtractor(&RunContext{Logger: logger.NewNop()}, catalog.Streams[0])
			assert.ErrorContains(t, err, "cannot be used as a replication key")
		})
	}

	catalog := discoverCatalog(t, src, incremental("id"))
	assert.NoError(t, p.ValidateReplicationKeys(catalog.Selected()))
}

func TestPreflightJudgesHandWrittenKeysBySchema(t *testing.T) {
	entry := keyedEntry()
	entry.ReplicationMethod = singer.ReplicationIncremental
	entry.Schema.AddProperty("flag", &singer.Schema{Type: singer.TypeList{singer.TypeBoolean}})
	entry.Schema.AddProperty("clock", &singer.Schema{Type: singer.TypeList{singer.TypeString}, Format: "time"})
	p, _ := NewPreflightChecker(ordersSource(), nil, logger.NewNop())

	for key, ok := range map[string]bool{"id": true, "score": true, "name": true, "ts": true, "local": true,
		"flag": false, "clock": false} {
		entry.ReplicationKey = key
		err := p.ValidateReplicationKeys([]*singer.CatalogEntry{entry})
		if ok {
			assert.NoError(t, err, key)
		} else {
			assert.Error(t, err, key)
		}
	}
}

func TestPreflightBucket(t *testing.T) {
	bucket := database.NewMemBucket("exports")
	bucket.FailCheck(errors.New("403 forbidden"))
	p, _ := NewPreflightChecker(ordersSource(), bucket, logger.NewNop())

	var pe *PreflightError
	require.ErrorAs(t, p.ValidateBucket(context.Background()), &pe)
	assert.Equal(t, "BUCKET_CHECK", pe.Check)
	assert.Contains(t, pe.Message, "exports")
}

func TestPreflightWarnsAboutSchemaDrift(t *testing.T) {
	catalog := discoverCatalog(t, ordersSource(), nil)
	catalog.Streams[0].Schema.AddProperty("legacy_flag", &singer.Schema{Type: singer.TypeList{singer.TypeBoolean}})

	core, logs := observer.New(zapcore.WarnLevel)
	src := ordersSource()
	p, _ := NewPreflightChecker(src, nil, logger.NewWithCore(core))

	require.NoError(t, p.RunAllChecks(context.Background(), catalog))
	assert.Equal(t, 1, logs.FilterMessageSnippet("legacy_flag").Len())

	tables, err := p.ValidateTablesExist(context.Background(), catalog.Selected())
	require.NoError(t, err)
	assert.Equal(t, []string{"sales.orders.legacy_flag"}, p.WarnSchemaDrift(catalog.Selected(), tables))
}
