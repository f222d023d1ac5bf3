package singer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// CatalogEntry describes one stream (a BigQuery table or view).
type CatalogEntry struct {
	TapStreamID       string       `json:"tap_stream_id"`
	Stream            string       `json:"stream"`
	TableName         string       `json:"table_name"`
	Schema            *Schema      `json:"schema"`
	KeyProperties     []string     `json:"key_properties"`
	ReplicationMethod string       `json:"replication_method,omitempty"`
	ReplicationKey    string       `json:"replication_key,omitempty"`
	IsView            bool         `json:"is_view"`
	Metadata          MetadataList `json:"metadata"`
}

// StreamID returns the stream id for a dataset and table.
func StreamID(dataset, table string) string {
	return dataset + "-" + table
}

// QualifiedName returns dataset.table.
func QualifiedName(dataset, table string) string {
	return dataset + "." + table
}

// SchemaName returns the dataset the entry was discovered in.
func (e *CatalogEntry) SchemaName() string {
	if name := e.Metadata.String(MetaSchemaName); name != "" {
		return name
	}
	// Entries written by hand may lack metadata; fall back to the stream id.
	if i := strings.Index(e.TapStreamID, "-"); i > 0 {
		return e.TapStreamID[:i]
	}
	return ""
}

// Table returns the source table name.
func (e *CatalogEntry) Table() string {
	if e.TableName != "" {
		return e.TableName
	}
	return e.Stream
}

// QualifiedName returns dataset.table for the entry.
func (e *CatalogEntry) QualifiedName() string {
	return QualifiedName(e.SchemaName(), e.Table())
}

// IsSelected reports whether the stream is selected for extraction.
func (e *CatalogEntry) IsSelected() bool {
	if selected, ok := e.Metadata.Bool(MetaSelected); ok {
		return selected
	}
	selected, _ := e.Metadata.Bool(MetaSelectedByDefault)
	return selected
}

// Select marks the stream as selected.
func (e *CatalogEntry) Select() {
	e.Metadata.Set(nil, MetaSelected, true)
}

// GetReplicationKey returns the configured replication key, if any.
func (e *CatalogEntry) GetReplicationKey() string {
	if e.ReplicationKey != "" {
		return e.ReplicationKey
	}
	return e.Metadata.String(MetaReplicationKey)
}

// GetReplicationMethod resolves the replication method.
// A replication key without an explicit method implies INCREMENTAL.
func (e *CatalogEntry) GetReplicationMethod() string {
	method := e.ReplicationMethod
	if method == "" {
		method = e.Metadata.String(MetaReplicationMethod)
	}
	if method == "" {
		if e.GetReplicationKey() != "" {
			return ReplicationIncremental
		}
		return ReplicationFullTable
	}
	return strings.ToUpper(method)
}

// IsIncremental reports whether the stream reads from a bookmark.
func (e *CatalogEntry) IsIncremental() bool {
	return e.GetReplicationMethod() == ReplicationIncremental && e.GetReplicationKey() != ""
}

// SelectedProperties returns the selected top-level properties in schema order.
// Automatic properties and the replication key are always included.
func (e *CatalogEntry) SelectedProperties() []string {
	var out []string
	rk := e.GetReplicationKey()
	for _, name := range e.Schema.PropertyNames() {
		if name == rk || e.propertySelected(PropertyBreadcrumb(name)) {
			out = append(out, name)
		}
	}
	return out
}

// SelectedChildren returns the selected sub-properties of an object property,
// or nil when every sub-property is selected.
func (e *CatalogEntry) SelectedChildren(path ...string) []string {
	prop := e.Schema
	breadcrumb := []string{}
	for _, p := range path {
		next, ok := prop.Property(p)
		if !ok {
			return nil
		}
		prop = next
		breadcrumb = append(breadcrumb, "properties", p)
	}

	names := prop.PropertyNames()
	var out []string
	for _, name := range names {
		if e.propertySelected(append(append([]string{}, breadcrumb...), "properties", name)) {
			out = append(out, name)
		}
	}
	if len(out) == len(names) {
		return nil
	}
	return out
}

func (e *CatalogEntry) propertySelected(breadcrumb []string) bool {
	md := e.Metadata.Find(breadcrumb...)
	if md == nil {
		return true
	}
	switch md.Metadata[MetaInclusion] {
	case InclusionAutomatic:
		return true
	case InclusionUnsupported:
		return false
	}
	if selected, ok := md.Metadata[MetaSelected].(bool); ok {
		return selected
	}
	if selected, ok := md.Metadata[MetaSelectedByDefault].(bool); ok {
		return selected
	}
	return true
}

// Validate checks that property names are unique and the replication key exists.
func (e *CatalogEntry) Validate() error {
	if e.TapStreamID == "" {
		return fmt.Errorf("catalog entry without tap_stream_id")
	}
	if e.Schema == nil {
		return fmt.Errorf("stream %s: schema is required", e.TapStreamID)
	}
	if rk := e.GetReplicationKey(); rk != "" {
		if _, ok := e.Schema.Property(rk); !ok {
			return fmt.Errorf("stream %s: replication key %q is not a column", e.TapStreamID, rk)
		}
	}
	if e.GetReplicationMethod() == ReplicationIncremental && e.GetReplicationKey() == "" {
		return fmt.Errorf("stream %s: INCREMENTAL replication requires a replication key", e.TapStreamID)
	}
	return nil
}

// Catalog is the set of discovered streams.
type Catalog struct {
	Streams []*CatalogEntry `json:"streams"`
}

// Sort orders the entries by qualified name.
func (c *Catalog) Sort() {
	sort.SliceStable(c.Streams, func(i, j int) bool {
		return c.Streams[i].QualifiedName() < c.Streams[j].QualifiedName()
	})
}

// Get returns the entry with the given stream id.
func (c *Catalog) Get(streamID string) (*CatalogEntry, bool) {
	for _, entry := range c.Streams {
		if entry.TapStreamID == streamID {
			return entry, true
		}
	}
	return nil, false
}

// Selected returns the selected entries.
func (c *Catalog) Selected() []*CatalogEntry {
	var out []*CatalogEntry
	for _, entry := range c.Streams {
		if entry.IsSelected() {
			out = append(out, entry)
		}
	}
	return out
}

// SelectAll marks every entry as selected.
func (c *Catalog) SelectAll() {
	for _, entry := range c.Streams {
		entry.Select()
	}
}

// Validate checks entry-level invariants and that stream ids and qualified names are unique.
func (c *Catalog) Validate() error {
	ids := make(map[string]bool, len(c.Streams))
	names := make(map[string]bool, len(c.Streams))
	for _, entry := range c.Streams {
		if err := entry.Validate(); err != nil {
			return err
		}
		if ids[entry.TapStreamID] {
			return fmt.Errorf("duplicate stream id %q in catalog", entry.TapStreamID)
		}
		ids[entry.TapStreamID] = true

		qn := entry.QualifiedName()
		if names[qn] {
			return fmt.Errorf("duplicate table %q in catalog", qn)
		}
		names[qn] = true
	}
	return nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &catalog, nil
}

// WriteJSON writes the catalog as indented JSON.
func (c *Catalog) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
