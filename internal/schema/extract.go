package schema

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"cytoid-graphql/internal/naming"
)

// ErrConfig marks a schema whose storage annotations are inconsistent.
var ErrConfig = errors.New("invalid schema configuration")

type extractMode int

const (
	modeNone extractMode = iota
	// modeColumns records columns and marks relations without following
	// them; used for to-many targets.
	modeColumns
	modeFull
)

type pendingType struct {
	name string
	mode extractMode
}

type extractor struct {
	schema    *ast.Schema
	namer     *naming.Namer
	joinTable map[string]map[string]SQLField
	primary   map[string]string
	aliases   map[string]string
	bindings  map[string]map[string]Binding
	state     map[string]extractMode
	queue     []pendingType
}

// Extract walks the bindings of a validated schema and builds the storage
// mapping for every type they reach.
func Extract(s *ast.Schema, namer *naming.Namer) (*Metadata, error) {
	if namer == nil {
		namer = naming.Default()
	}
	e := &extractor{
		schema:    s,
		namer:     namer,
		joinTable: map[string]map[string]SQLField{},
		primary:   map[string]string{},
		aliases:   map[string]string{},
		bindings:  map[string]map[string]Binding{},
		state:     map[string]extractMode{},
	}

	if err := e.collectBindings(); err != nil {
		return nil, err
	}
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		if err := e.extractType(next.name, next.mode); err != nil {
			return nil, err
		}
	}
	if err := e.resolveKeys(); err != nil {
		return nil, err
	}

	tables := make(map[string]string, len(e.joinTable))
	for typeName := range e.joinTable {
		if alias, ok := e.aliases[typeName]; ok {
			tables[typeName] = alias
			continue
		}
		tables[typeName] = e.namer.TableAlias(typeName)
	}
	for _, fields := range e.bindings {
		for name, b := range fields {
			b.Table = tables[b.Target]
			fields[name] = b
		}
	}

	return &Metadata{
		joinTable: e.joinTable,
		primary:   e.primary,
		tables:    tables,
		bindings:  e.bindings,
	}, nil
}

func configErrorf(typeName, fieldName, format string, args ...any) error {
	return fmt.Errorf("%w: %s.%s: %s", ErrConfig, typeName, fieldName, fmt.Sprintf(format, args...))
}

func (e *extractor) objectTypes() []*ast.Definition {
	var defs []*ast.Definition
	for _, name := range sortedKeys(e.schema.Types) {
		def := e.schema.Types[name]
		if def.BuiltIn || def.Kind != ast.Object {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

func (e *extractor) enqueue(name string, mode extractMode) {
	if e.state[name] >= mode {
		return
	}
	e.queue = append(e.queue, pendingType{name: name, mode: mode})
}

func (e *extractor) setAlias(typeName, fieldName, alias string) error {
	if alias == "" {
		return nil
	}
	if existing, ok := e.aliases[typeName]; ok && existing != alias {
		return configErrorf(typeName, fieldName, "table alias %q conflicts with %q already used for %s", alias, existing, typeName)
	}
	e.aliases[typeName] = alias
	return nil
}

// relationTarget checks that a relation field points at an object type with
// the expected list shape and returns the type name.
func (e *extractor) relationTarget(owner string, field *ast.FieldDefinition, many bool) (string, error) {
	target := field.Type.Name()
	def, ok := e.schema.Types[target]
	if !ok || def.Kind != ast.Object {
		return "", configErrorf(owner, field.Name, "relation target %q is not an object type", target)
	}
	isList := field.Type.Elem != nil
	if many && !isList {
		return "", configErrorf(owner, field.Name, "to-many relation must be a list of %s", target)
	}
	if !many && isList {
		return "", configErrorf(owner, field.Name, "to-one relation cannot be a list")
	}
	return target, nil
}

func (e *extractor) collectBindings() error {
	for _, def := range e.objectTypes() {
		for _, field := range def.Fields {
			one := field.Directives.ForName(DirectiveToOne)
			many := field.Directives.ForName(DirectiveToMany)
			if one == nil && many == nil {
				continue
			}
			if one != nil && many != nil {
				return configErrorf(def.Name, field.Name, "field cannot be bound both @toOne and @toMany")
			}
			if field.Directives.ForName(DirectiveColumn) != nil || field.Directives.ForName(DirectiveReverse) != nil {
				return configErrorf(def.Name, field.Name, "a bound field cannot also carry a storage directive")
			}

			binding := Binding{Kind: BindToOne}
			d := one
			if many != nil {
				binding.Kind = BindToMany
				d = many
			}
			target, err := e.relationTarget(def.Name, field, binding.Kind == BindToMany)
			if err != nil {
				return err
			}
			binding.Target = target
			if name, ok := stringArg(d, "name"); ok {
				if err := e.setAlias(target, field.Name, name); err != nil {
					return err
				}
			}
			if source, ok := stringArg(d, "field"); ok {
				src := def.Fields.ForName(source)
				if src == nil || src.Directives.ForName(DirectiveColumn) == nil {
					return configErrorf(def.Name, field.Name, "source field %q must be a @column field of %s", source, def.Name)
				}
				binding.SourceProperty = source
			}

			if e.bindings[def.Name] == nil {
				e.bindings[def.Name] = map[string]Binding{}
			}
			e.bindings[def.Name][field.Name] = binding
			e.enqueue(target, modeFull)
		}
	}
	return nil
}

func (e *extractor) extractType(name string, mode extractMode) error {
	if e.state[name] >= mode {
		return nil
	}
	e.state[name] = mode
	def := e.schema.Types[name]

	fields := map[string]SQLField{}
	for _, field := range def.Fields {
		col := field.Directives.ForName(DirectiveColumn)
		rel := field.Directives.ForName(DirectiveRelation)
		rev := field.Directives.ForName(DirectiveReverse)

		switch {
		case rel != nil && col == nil:
			return configErrorf(name, field.Name, "@relation requires @column naming the foreign key")
		case rev != nil && col != nil:
			return configErrorf(name, field.Name, "@reverse cannot be combined with @column")

		case rev != nil:
			target, err := e.relationTarget(name, field, true)
			if err != nil {
				return err
			}
			if mode != modeFull {
				fields[field.Name] = unfollowed(KindToMany, target)
				continue
			}
			key, _ := stringArg(rev, "key")
			ownerKey, _ := stringArg(rev, "ownerKey")
			alias, _ := stringArg(rev, "name")
			if err := e.setAlias(target, field.Name, alias); err != nil {
				return err
			}
			fields[field.Name] = SQLField{
				Kind:        KindToMany,
				Key:         ownerKey,
				Relation:    true,
				RelationKey: key,
				Selections:  listArg(rev, "select"),
				Many:        true,
				Target:      target,
			}
			e.enqueue(target, modeColumns)

		case rel != nil:
			target, err := e.relationTarget(name, field, false)
			if err != nil {
				return err
			}
			if mode != modeFull {
				fields[field.Name] = unfollowed(KindToOne, target)
				continue
			}
			key := field.Name
			if n, ok := stringArg(col, "name"); ok {
				key = n
			}
			remote, _ := stringArg(rel, "key")
			alias, _ := stringArg(rel, "name")
			if err := e.setAlias(target, field.Name, alias); err != nil {
				return err
			}
			fields[field.Name] = SQLField{
				Kind:        KindToOne,
				Key:         key,
				Relation:    true,
				RelationKey: remote,
				Selections:  listArg(rel, "select"),
				Target:      target,
			}
			e.enqueue(target, modeFull)

		case col != nil:
			if t, ok := e.schema.Types[field.Type.Name()]; ok && t.Kind == ast.Object {
				return configErrorf(name, field.Name, "object-typed field needs @relation, @reverse or a binding")
			}
			key := field.Name
			if n, ok := stringArg(col, "name"); ok {
				key = n
			}
			fields[field.Name] = SQLField{Kind: KindColumn, Key: key}
			if boolArg(col, "primary") {
				if existing, ok := e.primary[name]; ok && existing != field.Name {
					return configErrorf(name, field.Name, "duplicate primary field, %q is already primary", existing)
				}
				e.primary[name] = field.Name
			}
		}
	}
	e.joinTable[name] = fields
	return nil
}

// unfollowed records a relation of a to-many target without following it, so
// the compiler can report it when a selection asks for it.
func unfollowed(kind Kind, target string) SQLField {
	return SQLField{Kind: kind, Relation: true, Many: kind == KindToMany, Target: target}
}

// resolveKeys fills defaulted join columns once every primary field is known.
// Relations of column-only types are never joined and keep empty keys.
func (e *extractor) resolveKeys() error {
	for _, typeName := range sortedKeys(e.joinTable) {
		if e.state[typeName] != modeFull {
			continue
		}
		fields := e.joinTable[typeName]
		for _, fieldName := range sortedKeys(fields) {
			f := fields[fieldName]
			switch f.Kind {
			case KindToOne:
				if f.RelationKey != "" {
					continue
				}
				pk, ok := e.primaryColumn(f.Target)
				if !ok {
					return configErrorf(typeName, fieldName, "%s has no primary field; set @relation(key:)", f.Target)
				}
				f.RelationKey = pk
			case KindToMany:
				if f.Key != "" {
					continue
				}
				pk, ok := e.primaryColumn(typeName)
				if !ok {
					return configErrorf(typeName, fieldName, "to-many owner %s has no primary field; set @reverse(ownerKey:)", typeName)
				}
				f.Key = pk
			default:
				continue
			}
			fields[fieldName] = f
		}
	}
	return nil
}

func (e *extractor) primaryColumn(typeName string) (string, bool) {
	field, ok := e.primary[typeName]
	if !ok {
		return "", false
	}
	return e.joinTable[typeName][field].Key, true
}
