package catalog

import (
	"slices"
	"strings"
)

// FieldType is the logical type of an entity field.
type FieldType string

const (
	TypeText      FieldType = "text"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
	TypeTextArray FieldType = "text[]"
	TypeJSON      FieldType = "json"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeText, TypeInt, TypeFloat, TypeBool, TypeTimestamp, TypeTextArray, TypeJSON:
		return true
	}
	return false
}

// Field describes a queryable column of an entity.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// IsNumeric reports whether range predicates compare the field numerically.
func (f Field) IsNumeric() bool {
	return f.Type == TypeInt || f.Type == TypeFloat
}

// IsText reports whether the default filter operator is a substring match.
func (f Field) IsText() bool {
	return f.Type == TypeText
}

// Orderable reports whether the field can be used as a sort key.
func (f Field) Orderable() bool {
	switch f.Type {
	case TypeText, TypeInt, TypeFloat, TypeBool, TypeTimestamp:
		return true
	}
	return false
}

// FieldRegistry provides field lookup and validation for one entity.
type FieldRegistry struct {
	fields      []Field
	fieldByName map[string]Field
	aliases     map[string]string
}

// NewFieldRegistry creates a registry over fields. Aliases map an alternate name to a field name.
func NewFieldRegistry(fields []Field, aliases map[string]string) *FieldRegistry {
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	return &FieldRegistry{
		fields:      fields,
		fieldByName: byName,
		aliases:     aliases,
	}
}

// All returns all fields in declaration order.
func (r *FieldRegistry) All() []Field {
	return r.fields
}

// Canonical resolves an alias to the field name it stands for.
func (r *FieldRegistry) Canonical(name string) string {
	name = strings.ToLower(name)
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

// IsValid checks if a field name, or one of its aliases, exists.
func (r *FieldRegistry) IsValid(name string) bool {
	_, ok := r.fieldByName[r.Canonical(name)]
	return ok
}

// Get returns a field by name or alias, or nil if not found.
func (r *FieldRegistry) Get(name string) *Field {
	if f, ok := r.fieldByName[r.Canonical(name)]; ok {
		return &f
	}
	return nil
}

// IsNumeric checks if a field exists and has a numeric type.
func (r *FieldRegistry) IsNumeric(name string) bool {
	f := r.Get(name)
	return f != nil && f.IsNumeric()
}

// Names returns field names sorted alphabetically.
func (r *FieldRegistry) Names() []string {
	names := make([]string, 0, len(r.fields))
	for _, f := range r.fields {
		names = append(names, f.Name)
	}
	slices.Sort(names)
	return names
}
