package discovery

import (
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/dbsmedya/tap-bigquery/internal/singer"
)

// SemanticType is the small set of column types a catalog describes.
type SemanticType string

const (
	SemanticString    SemanticType = "string"
	SemanticInteger   SemanticType = "integer"
	SemanticNumber    SemanticType = "number"
	SemanticBoolean   SemanticType = "boolean"
	SemanticTimestamp SemanticType = "timestamp"
	SemanticObject    SemanticType = "object"
	SemanticArray     SemanticType = "array"
)

// TypeMapping is one row of the lookup table.
type TypeMapping struct {
	Semantic SemanticType
	JSONType string
	Format   string
}

// typeTable maps BigQuery column types onto semantic types.
// Types missing from the table are unmappable and read as strings.
var typeTable = map[bigquery.FieldType]TypeMapping{
	bigquery.StringFieldType:     {SemanticString, singer.TypeString, ""},
	bigquery.BytesFieldType:      {SemanticString, singer.TypeString, ""},
	bigquery.GeographyFieldType:  {SemanticString, singer.TypeString, ""},
	bigquery.JSONFieldType:       {SemanticString, singer.TypeString, ""},
	bigquery.IntervalFieldType:   {SemanticString, singer.TypeString, ""},
	bigquery.TimeFieldType:       {SemanticString, singer.TypeString, "time"},
	bigquery.IntegerFieldType:    {SemanticInteger, singer.TypeInteger, ""},
	bigquery.FloatFieldType:      {SemanticNumber, singer.TypeNumber, ""},
	bigquery.NumericFieldType:    {SemanticNumber, singer.TypeNumber, ""},
	bigquery.BigNumericFieldType: {SemanticNumber, singer.TypeNumber, ""},
	bigquery.BooleanFieldType:    {SemanticBoolean, singer.TypeBoolean, ""},
	bigquery.TimestampFieldType:  {SemanticTimestamp, singer.TypeString, "date-time"},
	bigquery.DateTimeFieldType:   {SemanticTimestamp, singer.TypeString, "date-time"},
	bigquery.DateFieldType:       {SemanticTimestamp, singer.TypeString, "date"},
	bigquery.RecordFieldType:     {SemanticObject, singer.TypeObject, ""},
}

// replicationKeyTypes are the column types BigQuery can order that also
// bind @bookmark with a matching parameter type.
var replicationKeyTypes = map[bigquery.FieldType]bool{
	bigquery.StringFieldType:     true,
	bigquery.IntegerFieldType:    true,
	bigquery.FloatFieldType:      true,
	bigquery.NumericFieldType:    true,
	bigquery.BigNumericFieldType: true,
	bigquery.TimestampFieldType:  true,
	bigquery.DateTimeFieldType:   true,
	bigquery.DateFieldType:       true,
}

// sqlAliases maps GoogleSQL type names onto the API's field types.
var sqlAliases = map[string]bigquery.FieldType{
	"INT64":      bigquery.IntegerFieldType,
	"FLOAT64":    bigquery.FloatFieldType,
	"BOOL":       bigquery.BooleanFieldType,
	"DECIMAL":    bigquery.NumericFieldType,
	"BIGDECIMAL": bigquery.BigNumericFieldType,
}

// IsReplicationKeyColumn reports whether a column can be a replication key.
func IsReplicationKeyColumn(f *bigquery.FieldSchema) bool {
	return !f.Repeated && replicationKeyTypes[f.Type]
}

// IsReplicationKeyType reports whether a sql-datatype string names a type
// that can be a replication key. Parameterized types such as
// STRING(20) or NUMERIC(10, 2) are judged by their base type.
func IsReplicationKeyType(sqlType string) bool {
	t := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	ft := bigquery.FieldType(t)
	if alias, ok := sqlAliases[t]; ok {
		ft = alias
	}
	return replicationKeyTypes[ft]
}

// LookupType returns the mapping for a BigQuery type. ok is false for
// unknown types, which fall back to string.
func LookupType(t bigquery.FieldType) (TypeMapping, bool) {
	m, ok := typeTable[t]
	if !ok {
		return TypeMapping{SemanticString, singer.TypeString, ""}, false
	}
	return m, true
}

// ColumnSemantic returns the semantic type of a column. Repeated columns are arrays.
func ColumnSemantic(f *bigquery.FieldSchema) SemanticType {
	if f.Repeated {
		return SemanticArray
	}
	m, _ := LookupType(f.Type)
	return m.Semantic
}

// SQLDatatype renders the column type the way BigQuery DDL writes it.
func SQLDatatype(f *bigquery.FieldSchema) string {
	t := string(f.Type)
	if f.Type == bigquery.RecordFieldType {
		parts := make([]string, 0, len(f.Schema))
		for _, child := range f.Schema {
			parts = append(parts, child.Name+" "+SQLDatatype(child))
		}
		t = "STRUCT<" + strings.Join(parts, ", ") + ">"
	}
	if f.Repeated {
		return "ARRAY<" + t + ">"
	}
	return t
}

// fieldMapper turns BigQuery columns into JSON schemas and remembers
// what it could not map.
type fieldMapper struct {
	unmapped []string // dotted column paths with unknown types
	skipped  []string // dotted column paths whose names contain "."
}

// columnSchema maps one column. Nested RECORD fields become object
// properties; repeated fields become arrays of their element type.
func (m *fieldMapper) columnSchema(f *bigquery.FieldSchema, path string, required bool) *singer.Schema {
	elem := m.elementSchema(f, path)
	s := elem
	if f.Repeated {
		s = &singer.Schema{Type: singer.TypeList{singer.TypeArray}, Items: elem}
	}
	if !required {
		s.Nullable()
	}
	return s
}

func (m *fieldMapper) elementSchema(f *bigquery.FieldSchema, path string) *singer.Schema {
	mapping, ok := LookupType(f.Type)
	if !ok {
		m.unmapped = append(m.unmapped, path+" ("+string(f.Type)+")")
	}
	if mapping.Semantic != SemanticObject {
		return &singer.Schema{Type: singer.TypeList{mapping.JSONType}, Format: mapping.Format}
	}

	obj := singer.NewObjectSchema()
	for _, child := range f.Schema {
		childPath := path + "." + child.Name
		if strings.Contains(child.Name, ".") {
			m.skipped = append(m.skipped, childPath)
			continue
		}
		obj.AddProperty(child.Name, m.columnSchema(child, childPath, child.Required))
	}
	return obj
}
