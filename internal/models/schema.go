package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

//
// Input schema (schema-driven providers)
//

// SchemaField describes one field of a provider's input schema. TypeUnion
// lists the accepted types when the upstream accepts more than one.
type SchemaField struct {
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	TypeUnion []string `json:"type_union,omitempty"`
	Required  bool     `json:"required"`
	Default   any      `json:"default,omitempty"`
	Enum      []any    `json:"enum,omitempty"`
}

// Accepts reports whether the field accepts a value of the given JSON type.
func (f *SchemaField) Accepts(jsonType string) bool {
	if f.Type == jsonType {
		return true
	}
	for _, t := range f.TypeUnion {
		if t == jsonType {
			return true
		}
	}
	return false
}

// AllowsValue reports whether the value passes the enum constraint, if any.
func (f *SchemaField) AllowsValue(v any) bool {
	if len(f.Enum) == 0 {
		return true
	}
	for _, e := range f.Enum {
		if e == v {
			return true
		}
	}
	return false
}

// SchemaFields is a jsonb-backed list of schema fields.
type SchemaFields []SchemaField

func (s SchemaFields) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *SchemaFields) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("SchemaFields: expected []byte, got %T", value)
	}
	if len(b) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(b, s)
}

// Lookup returns the field with the given name, or nil.
func (s SchemaFields) Lookup(name string) *SchemaField {
	for i := range s {
		if s[i].Name == name {
			return &s[i]
		}
	}
	return nil
}
