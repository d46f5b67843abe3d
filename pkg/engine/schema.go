package engine

import (
	"fmt"
	"strings"
	"unicode"
)

// FieldType is the declared type of a record field.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeNumber    FieldType = "number"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeReference FieldType = "reference"
	FieldTypeEnum      FieldType = "enum"
	FieldTypeObject    FieldType = "object"
	FieldTypeArray     FieldType = "array"
)

// Auto-generation strategies for a field.
const (
	AutoUUID      = "uuid"
	AutoTimestamp = "timestamp"
)

// FieldSchema declares one user-defined field of an entity.
type FieldSchema struct {
	Name      string        `json:"name" yaml:"name" validate:"required"`
	Type      FieldType     `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=string number integer boolean timestamp reference enum object array"`
	Required  bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Default   interface{}   `json:"default,omitempty" yaml:"default,omitempty"`
	Unique    bool          `json:"unique,omitempty" yaml:"unique,omitempty"`
	Indexed   bool          `json:"indexed,omitempty" yaml:"indexed,omitempty"`
	Immutable bool          `json:"immutable,omitempty" yaml:"immutable,omitempty"`
	Ref       string        `json:"ref,omitempty" yaml:"ref,omitempty"`
	Values    []interface{} `json:"values,omitempty" yaml:"values,omitempty"`
	Min       *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int          `json:"min_length,omitempty" yaml:"min_length,omitempty" validate:"omitempty,gte=0"`
	MaxLength *int          `json:"max_length,omitempty" yaml:"max_length,omitempty" validate:"omitempty,gte=0"`
	Auto      string        `json:"auto,omitempty" yaml:"auto,omitempty" validate:"omitempty,oneof=uuid timestamp"`
}

// IsIndexable reports whether the field gets an equality index.
func (f FieldSchema) IsIndexable() bool {
	return f.Indexed || f.Unique || len(f.Values) > 0 ||
		f.Type == FieldTypeEnum || f.Type == FieldTypeBoolean || f.Type == FieldTypeReference
}

// DefaultValue returns the value synthesized for an absent field.
func (f FieldSchema) DefaultValue() interface{} {
	return f.Default
}

// EntitySchema declares the shape of one entity type.
type EntitySchema struct {
	Name   string        `json:"name" yaml:"name" validate:"required"`
	Fields []FieldSchema `json:"fields" yaml:"fields" validate:"dive"`
}

// CollectionName returns the pluralized, lowercased collection name for the entity.
func (s EntitySchema) CollectionName() string {
	return Pluralize(s.Name)
}

// Field returns the named field declaration.
func (s EntitySchema) Field(name string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// IndexableFields returns the names of all fields that get an equality index.
func (s EntitySchema) IndexableFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.IsIndexable() {
			out = append(out, f.Name)
		}
	}
	return out
}

// UniqueFields returns the fields flagged unique.
func (s EntitySchema) UniqueFields() []FieldSchema {
	var out []FieldSchema
	for _, f := range s.Fields {
		if f.Unique {
			out = append(out, f)
		}
	}
	return out
}

// Schemaless reports whether the entity declares no fields, in which case every
// payload field is kept.
func (s EntitySchema) Schemaless() bool {
	return len(s.Fields) == 0
}

// Validate checks the declaration for duplicate or reserved field names.
func (s EntitySchema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("entity name is required")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if IsSystemField(f.Name) {
			return fmt.Errorf("entity %s: field %s is reserved", s.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("entity %s: duplicate field %s", s.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Pluralize turns an entity name into its collection name: lowercase, then
// y becomes ies, otherwise an s is appended.
func Pluralize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return n
	}
	if strings.HasSuffix(n, "y") {
		return strings.TrimSuffix(n, "y") + "ies"
	}
	return n + "s"
}

// ValidCollectionName reports whether a name is safe to use as a directory name.
func ValidCollectionName(name string) bool {
	if name == "" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
