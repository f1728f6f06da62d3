// Package schema defines the relational schema model used throughout Tesseract.
// A Schema is an ordered sequence of typed fields describing the output of a
// query plan or the layout of a cached columnar block.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Type is the data type of a field.
type Type string

const (
	// TypeBool is a boolean column
	TypeBool Type = "bool"
	// TypeInt is a 64-bit signed integer column
	TypeInt Type = "int"
	// TypeFloat is a 64-bit floating point column
	TypeFloat Type = "float"
	// TypeString is a UTF-8 string column
	TypeString Type = "string"
	// TypeTimestamp is a nanosecond-precision timestamp column
	TypeTimestamp Type = "timestamp"
)

// Field is a single named, typed column.
type Field struct {
	Name string `json:"name" yaml:"name"`
	Type Type   `json:"type" yaml:"type"`
}

// Schema is an ordered sequence of fields. Field order is significant: it is
// the column order of row batches and columnar blocks.
type Schema struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// New creates a schema from the given fields.
func New(fields ...Field) *Schema {
	return &Schema{Fields: fields}
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	return len(s.Fields)
}

// IndexOf returns the position of the named field, or -1 if absent.
func (s *Schema) IndexOf(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field returns the named field and whether it exists.
func (s *Schema) Field(name string) (Field, bool) {
	if i := s.IndexOf(name); i >= 0 {
		return s.Fields[i], true
	}
	return Field{}, false
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Project returns a new schema containing only the named fields, in the
// requested order. It fails if any name is unknown.
func (s *Schema) Project(names []string) (*Schema, error) {
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		f, ok := s.Field(name)
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		fields = append(fields, f)
	}
	return &Schema{Fields: fields}, nil
}

// Equal reports whether two schemas have identical field names and types in
// the same order.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// String renders the schema as "name:type, name:type".
func (s *Schema) String() string {
	var b strings.Builder
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(string(f.Type))
	}
	return b.String()
}

// ValidateValue checks that v is a legal Go value for the field type.
// A nil value is always legal and represents SQL NULL.
func (f Field) ValidateValue(v interface{}) error {
	if v == nil {
		return nil
	}
	switch f.Type {
	case TypeBool:
		if _, ok := v.(bool); ok {
			return nil
		}
	case TypeInt:
		if _, ok := v.(int64); ok {
			return nil
		}
	case TypeFloat:
		if _, ok := v.(float64); ok {
			return nil
		}
	case TypeString:
		if _, ok := v.(string); ok {
			return nil
		}
	case TypeTimestamp:
		if _, ok := v.(time.Time); ok {
			return nil
		}
	default:
		return fmt.Errorf("unknown field type %q", f.Type)
	}
	return fmt.Errorf("value %T is not valid for %s column %q", v, f.Type, f.Name)
}
