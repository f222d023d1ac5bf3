// Package discovery builds the Singer catalog of a BigQuery project.
package discovery

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/tap-bigquery/internal/config"
	"github.com/dbsmedya/tap-bigquery/internal/database"
	"github.com/dbsmedya/tap-bigquery/internal/logger"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

// Stats summarises one discovery pass.
type Stats struct {
	SchemasScanned int
	TablesFound    int
	TablesSkipped  int
	Warnings       []string
	Duration       time.Duration
}

// Discoverer enumerates datasets and tables and turns their metadata into
// catalog entries.
type Discoverer struct {
	source        database.Source
	allowSchemas  []string
	tablePatterns []string
	concurrency   int
	logger        *logger.Logger

	mu    sync.Mutex
	stats Stats
}

// NewDiscoverer creates a discoverer using the filters of cfg.
// A nil logger discards output.
func NewDiscoverer(src database.Source, cfg *config.Config, log *logger.Logger) *Discoverer {
	if log == nil {
		log = logger.NewNop()
	}
	concurrency := cfg.Extraction.Parallelism
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Discoverer{
		source:        src,
		allowSchemas:  cfg.FilterSchemas,
		tablePatterns: cfg.FilterTables,
		concurrency:   concurrency,
		logger:        log,
	}
}

// Discover builds a catalog for src restricted to the datasets in allowList.
// An empty allowList means every dataset.
func Discover(ctx context.Context, src database.Source, allowList []string) (*singer.Catalog, error) {
	cfg := config.DefaultConfig()
	cfg.FilterSchemas = allowList
	return NewDiscoverer(src, cfg, nil).Discover(ctx)
}

// Stats returns the statistics of the last Discover call.
func (d *Discoverer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Warnings = append([]string(nil), d.stats.Warnings...)
	return s
}

func (d *Discoverer) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Warn(msg)
	d.mu.Lock()
	d.stats.Warnings = append(d.stats.Warnings, msg)
	d.mu.Unlock()
}

// Discover lists datasets, then tables, then reads each table's metadata.
// Failing to list datasets is fatal; a table that cannot be read is skipped
// with a warning.
func (d *Discoverer) Discover(ctx context.Context) (*singer.Catalog, error) {
	start := time.Now()
	d.mu.Lock()
	d.stats = Stats{}
	d.mu.Unlock()

	schemas, err := d.schemas(ctx)
	if err != nil {
		return nil, err
	}

	type tableRef struct{ schema, table string }
	var refs []tableRef
	for _, schema := range schemas {
		tables, err := d.source.ListTables(ctx, schema)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.warn("skipping dataset %s: failed to list tables: %v", schema, err)
			continue
		}
		d.mu.Lock()
		d.stats.SchemasScanned++
		d.mu.Unlock()
		for _, table := range tables {
			if d.tableAllowed(schema, table) {
				refs = append(refs, tableRef{schema, table})
			}
		}
	}

	entries := make([]*singer.CatalogEntry, len(refs))
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			meta, err := d.source.GetTable(ctx, ref.schema, ref.table)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.warn("skipping table %s: %v", singer.QualifiedName(ref.schema, ref.table), err)
				return nil
			}
			entries[i] = d.buildEntry(meta)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	catalog := &singer.Catalog{Streams: []*singer.CatalogEntry{}}
	for _, entry := range entries {
		if entry != nil {
			catalog.Streams = append(catalog.Streams, entry)
		}
	}
	catalog.Sort()
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("discovered catalog is invalid: %w", err)
	}

	d.mu.Lock()
	d.stats.TablesFound = len(catalog.Streams)
	d.stats.TablesSkipped = len(refs) - len(catalog.Streams)
	d.stats.Duration = time.Since(start)
	stats := d.stats
	d.mu.Unlock()

	d.logger.Infow("Discovery completed",
		"schemas", stats.SchemasScanned,
		"streams", stats.TablesFound,
		"skipped", stats.TablesSkipped,
		"warnings", len(stats.Warnings),
		"duration", stats.Duration.String())
	return catalog, nil
}

// schemas returns the datasets to scan: every dataset, or the allow-list
// intersected with what exists.
func (d *Discoverer) schemas(ctx context.Context) ([]string, error) {
	available, err := d.source.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	if len(d.allowSchemas) == 0 {
		sort.Strings(available)
		return available, nil
	}

	exists := make(map[string]bool, len(available))
	for _, s := range available {
		exists[s] = true
	}
	seen := make(map[string]bool, len(d.allowSchemas))
	var out []string
	for _, s := range d.allowSchemas {
		if seen[s] {
			continue
		}
		seen[s] = true
		if !exists[s] {
			d.warn("dataset %s from filter_schemas does not exist", s)
			continue
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// tableAllowed applies filter_tables. Patterns match the table name or
// the qualified name.
func (d *Discoverer) tableAllowed(schema, table string) bool {
	if len(d.tablePatterns) == 0 {
		return true
	}
	qualified := singer.QualifiedName(schema, table)
	for _, pattern := range d.tablePatterns {
		if ok, _ := path.Match(pattern, table); ok {
			return true
		}
		if ok, _ := path.Match(pattern, qualified); ok {
			return true
		}
	}
	return false
}

// buildEntry maps table metadata to a catalog entry.
func (d *Discoverer) buildEntry(meta *database.TableMeta) *singer.CatalogEntry {
	qualified := singer.QualifiedName(meta.Schema, meta.Name)
	streamID := singer.StreamID(meta.Schema, meta.Name)

	columns := make(map[string]*bigquery.FieldSchema, len(meta.Fields))
	for _, f := range meta.Fields {
		columns[f.Name] = f
	}
	keys := []string{}
	for _, k := range meta.PrimaryKey {
		if _, ok := columns[k]; ok {
			keys = append(keys, k)
		} else {
			d.warn("table %s: primary key column %s not found", qualified, k)
		}
	}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	mapper := &fieldMapper{}
	schema := singer.NewObjectSchema()
	var md singer.MetadataList
	var replicationKeys []string

	for _, f := range meta.Fields {
		if strings.Contains(f.Name, ".") {
			mapper.skipped = append(mapper.skipped, f.Name)
			continue
		}
		schema.AddProperty(f.Name, mapper.columnSchema(f, f.Name, f.Required || isKey[f.Name]))
		if isKey[f.Name] {
			schema.Required = append(schema.Required, f.Name)
		}
		addColumnMetadata(&md, singer.PropertyBreadcrumb(f.Name), f, isKey[f.Name])

		if IsReplicationKeyColumn(f) {
			replicationKeys = append(replicationKeys, f.Name)
		}
	}

	for _, col := range mapper.unmapped {
		d.warn("table %s: column %s has an unsupported type, reading it as string", qualified, col)
	}
	for _, col := range mapper.skipped {
		d.warn("table %s: skipping column %s, names containing '.' are not supported", qualified, col)
	}

	root := []string{}
	md.Set(root, singer.MetaInclusion, singer.InclusionAvailable)
	md.Set(root, singer.MetaSelectedByDefault, false)
	md.Set(root, singer.MetaSchemaName, meta.Schema)
	md.Set(root, singer.MetaTableKeyProperties, keys)
	md.Set(root, singer.MetaIsView, meta.IsView())
	md.Set(root, singer.MetaValidReplicationKeys, nonNil(replicationKeys))
	// Root metadata goes first in the catalog file.
	rootMD := md[len(md)-1]
	md = append(singer.MetadataList{rootMD}, md[:len(md)-1]...)

	return &singer.CatalogEntry{
		TapStreamID:       streamID,
		Stream:            streamID,
		TableName:         meta.Name,
		Schema:            schema,
		KeyProperties:     keys,
		ReplicationMethod: singer.ReplicationFullTable,
		IsView:            meta.IsView(),
		Metadata:          md,
	}
}

func addColumnMetadata(md *singer.MetadataList, breadcrumb []string, f *bigquery.FieldSchema, key bool) {
	inclusion := singer.InclusionAvailable
	if key {
		inclusion = singer.InclusionAutomatic
	}
	md.Set(breadcrumb, singer.MetaInclusion, inclusion)
	md.Set(breadcrumb, singer.MetaSelectedByDefault, true)
	md.Set(breadcrumb, singer.MetaSQLDatatype, SQLDatatype(f))

	if f.Type != bigquery.RecordFieldType || f.Repeated {
		return
	}
	for _, child := range f.Schema {
		if strings.Contains(child.Name, ".") {
			continue
		}
		childCrumb := append(append([]string{}, breadcrumb...), "properties", child.Name)
		addColumnMetadata(md, childCrumb, child, false)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
