// Package schema loads the annotated SDL, extracts the storage mapping each
// field carries and builds the executable graphql-go schema from it.
package schema

import (
	"sort"

	"github.com/samber/lo"
)

// Kind tags how a field is stored.
type Kind int

const (
	// KindColumn is a plain column on the owning table.
	KindColumn Kind = iota
	// KindToOne is a foreign key on the owning table referencing one related row.
	KindToOne
	// KindToMany is a set of related rows whose foreign key references the owner.
	KindToMany
)

func (k Kind) String() string {
	switch k {
	case KindColumn:
		return "column"
	case KindToOne:
		return "toOne"
	case KindToMany:
		return "toMany"
	default:
		return "unknown"
	}
}

// SQLField describes how one schema field maps onto storage.
type SQLField struct {
	Kind Kind
	// Key is the column on the owning table. For to-one it is the foreign key,
	// for to-many the owning column the children reference.
	Key string
	// Relation is true for to-one and to-many fields.
	Relation bool
	// RelationKey is the column on the related table used in the join.
	RelationKey string
	// Selections optionally fixes the related columns to project.
	Selections []string
	// Many is true for to-many fields.
	Many bool
	// Target is the related schema type name.
	Target string
}

// BindingKind tags a root binding.
type BindingKind int

const (
	BindToOne BindingKind = iota
	BindToMany
)

func (k BindingKind) String() string {
	if k == BindToMany {
		return "toMany"
	}
	return "toOne"
}

// Binding marks a field resolved by its own query instead of by the parent's.
type Binding struct {
	Kind   BindingKind
	Target string
	Table  string
	// SourceProperty names a field of the owning type whose value constrains
	// the bound query: the primary key for to-one, an id list for to-many.
	SourceProperty string
}

// BoundField is a Binding together with the field that carries it.
type BoundField struct {
	TypeName  string
	FieldName string
	Binding
}

// Metadata is the immutable result of extraction. It is safe for concurrent use.
type Metadata struct {
	joinTable map[string]map[string]SQLField
	primary   map[string]string
	tables    map[string]string
	bindings  map[string]map[string]Binding
}

// Field returns the storage mapping for typeName.fieldName.
func (m *Metadata) Field(typeName, fieldName string) (SQLField, bool) {
	f, ok := m.joinTable[typeName][fieldName]
	if ok {
		f.Selections = append([]string(nil), f.Selections...)
	}
	return f, ok
}

// HasType reports whether typeName was extracted.
func (m *Metadata) HasType(typeName string) bool {
	_, ok := m.joinTable[typeName]
	return ok
}

// PrimaryField returns the field marked primary on typeName.
func (m *Metadata) PrimaryField(typeName string) (string, bool) {
	f, ok := m.primary[typeName]
	return f, ok
}

// PrimaryColumn returns the column behind typeName's primary field.
func (m *Metadata) PrimaryColumn(typeName string) (string, bool) {
	f, ok := m.primary[typeName]
	if !ok {
		return "", false
	}
	return m.joinTable[typeName][f].Key, true
}

// TableName returns the table alias for typeName.
func (m *Metadata) TableName(typeName string) (string, bool) {
	t, ok := m.tables[typeName]
	return t, ok
}

// FieldForColumn returns the first column field of typeName stored in column,
// falling back to the column name.
func (m *Metadata) FieldForColumn(typeName, column string) string {
	for _, name := range sortedKeys(m.joinTable[typeName]) {
		f := m.joinTable[typeName][name]
		if f.Kind == KindColumn && f.Key == column {
			return name
		}
	}
	return column
}

// Binding returns the root binding on typeName.fieldName.
func (m *Metadata) Binding(typeName, fieldName string) (Binding, bool) {
	b, ok := m.bindings[typeName][fieldName]
	return b, ok
}

// Bindings lists every bound field ordered by type then field.
func (m *Metadata) Bindings() []BoundField {
	var out []BoundField
	for _, typeName := range sortedKeys(m.bindings) {
		fields := m.bindings[typeName]
		for _, fieldName := range sortedKeys(fields) {
			out = append(out, BoundField{TypeName: typeName, FieldName: fieldName, Binding: fields[fieldName]})
		}
	}
	return out
}

// Types lists the extracted type names in order.
func (m *Metadata) Types() []string {
	return sortedKeys(m.joinTable)
}

// JoinTable returns a deep copy of the field mappings.
func (m *Metadata) JoinTable() map[string]map[string]SQLField {
	out := make(map[string]map[string]SQLField, len(m.joinTable))
	for typeName, fields := range m.joinTable {
		copied := make(map[string]SQLField, len(fields))
		for name, f := range fields {
			f.Selections = append([]string(nil), f.Selections...)
			copied[name] = f
		}
		out[typeName] = copied
	}
	return out
}

// PrimaryFields returns a copy of the type -> primary field map.
func (m *Metadata) PrimaryFields() map[string]string {
	return copyStringMap(m.primary)
}

// TableNames returns a copy of the type -> table alias map.
func (m *Metadata) TableNames() map[string]string {
	return copyStringMap(m.tables)
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
