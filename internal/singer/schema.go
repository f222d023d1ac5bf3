// Package singer models the Singer protocol: JSON schemas, catalogs, state
// and the SCHEMA/RECORD/STATE/BATCH messages written to stdout.
package singer

import (
	"bytes"
	"fmt"

	"github.com/elliotchance/orderedmap/v2"
	json "github.com/goccy/go-json"
)

// JSON schema type names.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeNull    = "null"
)

// TypeList is a JSON schema "type". It reads a single string or an array
// and always writes an array.
type TypeList []string

// UnmarshalJSON accepts "string" as well as ["string","null"].
func (t *TypeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TypeList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("schema type must be a string or an array of strings: %w", err)
	}
	*t = many
	return nil
}

// Schema is the subset of JSON schema used by Singer streams.
// Properties keep their insertion order, which is the column order.
type Schema struct {
	Type       TypeList
	Format     string
	Properties *orderedmap.OrderedMap[string, *Schema]
	Items      *Schema
	Required   []string
}

// NewObjectSchema returns an empty object schema.
func NewObjectSchema() *Schema {
	return &Schema{
		Type:       TypeList{TypeObject},
		Properties: orderedmap.NewOrderedMap[string, *Schema](),
	}
}

// AddProperty appends a property, replacing any property of the same name in place.
func (s *Schema) AddProperty(name string, prop *Schema) {
	if s.Properties == nil {
		s.Properties = orderedmap.NewOrderedMap[string, *Schema]()
	}
	s.Properties.Set(name, prop)
}

// Property looks up a property by name.
func (s *Schema) Property(name string) (*Schema, bool) {
	if s == nil || s.Properties == nil {
		return nil, false
	}
	return s.Properties.Get(name)
}

// PropertyNames returns the property names in order.
func (s *Schema) PropertyNames() []string {
	if s == nil || s.Properties == nil {
		return nil
	}
	return s.Properties.Keys()
}

// HasType reports whether t is one of the schema's types.
func (s *Schema) HasType(t string) bool {
	if s == nil {
		return false
	}
	for _, candidate := range s.Type {
		if candidate == t {
			return true
		}
	}
	return false
}

// PrimaryType returns the first non-null type.
func (s *Schema) PrimaryType() string {
	if s == nil {
		return ""
	}
	for _, candidate := range s.Type {
		if candidate != TypeNull {
			return candidate
		}
	}
	return ""
}

// Nullable adds "null" to the type list if it is missing.
func (s *Schema) Nullable() *Schema {
	if !s.HasType(TypeNull) {
		s.Type = append(s.Type, TypeNull)
	}
	return s
}

// Select returns a copy of the schema restricted to the named top-level properties.
func (s *Schema) Select(names []string) *Schema {
	out := &Schema{Type: s.Type, Format: s.Format, Items: s.Items}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	for _, name := range s.PropertyNames() {
		if !keep[name] {
			continue
		}
		prop, _ := s.Properties.Get(name)
		out.AddProperty(name, prop)
	}
	for _, r := range s.Required {
		if keep[r] {
			out.Required = append(out.Required, r)
		}
	}
	return out
}

// MarshalJSON writes properties in their stored order.
func (s *Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(key string, value interface{}) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode schema %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(raw)
		return nil
	}

	if len(s.Type) > 0 {
		if err := field("type", []string(s.Type)); err != nil {
			return nil, err
		}
	}
	if s.Format != "" {
		if err := field("format", s.Format); err != nil {
			return nil, err
		}
	}
	if s.Properties != nil {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(`"properties":{`)
		for i, name := range s.Properties.Keys() {
			prop, _ := s.Properties.Get(name)
			if i > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(name)
			raw, err := json.Marshal(prop)
			if err != nil {
				return nil, fmt.Errorf("failed to encode property %q: %w", name, err)
			}
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(raw)
		}
		buf.WriteByte('}')
	}
	if s.Items != nil {
		if err := field("items", s.Items); err != nil {
			return nil, err
		}
	}
	if len(s.Required) > 0 {
		if err := field("required", s.Required); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type rawSchema struct {
	Type       TypeList        `json:"type"`
	Format     string          `json:"format"`
	Properties json.RawMessage `json:"properties"`
	Items      *Schema         `json:"items"`
	Required   []string        `json:"required"`
}

// UnmarshalJSON reads a schema, keeping the document order of properties.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw rawSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Type = raw.Type
	s.Format = raw.Format
	s.Items = raw.Items
	s.Required = raw.Required
	s.Properties = nil

	if len(raw.Properties) == 0 || string(raw.Properties) == "null" {
		return nil
	}

	var props map[string]*Schema
	if err := json.Unmarshal(raw.Properties, &props); err != nil {
		return fmt.Errorf("failed to decode schema properties: %w", err)
	}
	order, err := objectKeys(raw.Properties)
	if err != nil {
		return err
	}
	s.Properties = orderedmap.NewOrderedMap[string, *Schema]()
	for _, name := range order {
		s.Properties.Set(name, props[name])
	}
	return nil
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read schema properties: %w", err)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read schema properties: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v in schema properties", tok)
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("failed to read property %q: %w", key, err)
		}
	}
	return keys, nil
}
