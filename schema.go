package mangrove

import "strings"

// FieldType enumerates the value types a resource schema can declare
// for a field. The filter compiler uses these to coerce query string
// values before they reach the store.
type FieldType int

const (
	TypeString FieldType = iota
	TypeNumber
	TypeDate
	TypeBool
	TypeObjectID
	TypeObject
	TypeArray
)

// Field describes a single schema field. Ref names the collection a
// TypeObjectID field points at, for populate support. Required is
// enforced by store adapters that validate writes, not by the
// pipeline itself.
type Field struct {
	Type     FieldType
	Ref      string
	Required bool
}

// Schema is a declared set of fields for a resource. It is
// intentionally minimal: enough structure for the filter compiler to
// coerce values and for store adapters to resolve references.
// Fields may be declared with dotted names to describe nested
// documents.
type Schema struct {
	fields map[string]Field
}

func NewSchema() *Schema {
	return &Schema{fields: map[string]Field{}}
}

// AddField declares a field and returns the schema for chaining.
func (s *Schema) AddField(name string, f Field) *Schema {
	s.fields[name] = f
	return s
}

// Known reports whether the root segment of a (possibly dotted) field
// name is declared. The id field is always known.
func (s *Schema) Known(name string) bool {
	if name == "" {
		return false
	}
	root := name
	if idx := strings.Index(name, "."); idx >= 0 {
		root = name[:idx]
	}
	if root == idField {
		return true
	}
	if _, ok := s.fields[name]; ok {
		return true
	}
	_, ok := s.fields[root]
	return ok
}

// TypeOf resolves the declared type for a field name, preferring an
// exact dotted match over the root segment.
func (s *Schema) TypeOf(name string) (FieldType, bool) {
	if f, ok := s.fields[name]; ok {
		return f.Type, true
	}
	if idx := strings.Index(name, "."); idx >= 0 {
		if f, ok := s.fields[name[:idx]]; ok && f.Type != TypeObject && f.Type != TypeArray {
			return f.Type, true
		}
		return TypeString, false
	}
	return TypeString, false
}

// Ref resolves the reference target for a field, if one is declared.
func (s *Schema) Ref(name string) (string, bool) {
	f, ok := s.fields[name]
	if !ok || f.Ref == "" {
		return "", false
	}
	return f.Ref, true
}

// Fields returns a copy of the declared field set.
func (s *Schema) Fields() map[string]Field {
	out := make(map[string]Field, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}
