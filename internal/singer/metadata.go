package singer

// Metadata keys used in catalog entries.
const (
	MetaSelected             = "selected"
	MetaSelectedByDefault    = "selected-by-default"
	MetaInclusion            = "inclusion"
	MetaSchemaName           = "schema-name"
	MetaTableKeyProperties   = "table-key-properties"
	MetaValidReplicationKeys = "valid-replication-keys"
	MetaReplicationMethod    = "replication-method"
	MetaReplicationKey       = "replication-key"
	MetaIsView               = "is-view"
	MetaSQLDatatype          = "sql-datatype"
)

// Inclusion values.
const (
	InclusionAvailable   = "available"
	InclusionAutomatic   = "automatic"
	InclusionUnsupported = "unsupported"
)

// Replication methods.
const (
	ReplicationFullTable   = "FULL_TABLE"
	ReplicationIncremental = "INCREMENTAL"
)

// Metadata is one breadcrumb-addressed metadata block.
type Metadata struct {
	Breadcrumb []string               `json:"breadcrumb"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// MetadataList is the metadata array of a catalog entry.
type MetadataList []*Metadata

// Find returns the metadata block for a breadcrumb, or nil.
func (m MetadataList) Find(breadcrumb ...string) *Metadata {
	for _, md := range m {
		if breadcrumbEqual(md.Breadcrumb, breadcrumb) {
			return md
		}
	}
	return nil
}

// Root returns the stream-level metadata map, or nil.
func (m MetadataList) Root() map[string]interface{} {
	if md := m.Find(); md != nil {
		return md.Metadata
	}
	return nil
}

// Set stores key=value on the block for breadcrumb, creating the block if needed.
func (m *MetadataList) Set(breadcrumb []string, key string, value interface{}) {
	md := m.Find(breadcrumb...)
	if md == nil {
		md = &Metadata{Breadcrumb: append([]string{}, breadcrumb...), Metadata: map[string]interface{}{}}
		*m = append(*m, md)
	}
	if md.Metadata == nil {
		md.Metadata = map[string]interface{}{}
	}
	md.Metadata[key] = value
}

// PropertyBreadcrumb returns the breadcrumb for a top-level property.
func PropertyBreadcrumb(name string) []string {
	return []string{"properties", name}
}

// String reads a string metadata value.
func (m MetadataList) String(key string, breadcrumb ...string) string {
	md := m.Find(breadcrumb...)
	if md == nil {
		return ""
	}
	s, _ := md.Metadata[key].(string)
	return s
}

// Bool reads a boolean metadata value. ok is false when the key is absent.
func (m MetadataList) Bool(key string, breadcrumb ...string) (value, ok bool) {
	md := m.Find(breadcrumb...)
	if md == nil {
		return false, false
	}
	value, ok = md.Metadata[key].(bool)
	return value, ok
}

// Strings reads a string-list metadata value.
func (m MetadataList) Strings(key string, breadcrumb ...string) []string {
	md := m.Find(breadcrumb...)
	if md == nil {
		return nil
	}
	switch v := md.Metadata[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func breadcrumbEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
