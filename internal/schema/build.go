package schema

import (
	"fmt"
	"strconv"

	"github.com/graphql-go/graphql"
	"github.com/vektah/gqlparser/v2/ast"
)

// BindingResolver produces the resolver for a bound field.
type BindingResolver func(typeName, fieldName string, b Binding) graphql.FieldResolveFn

// Resolvers holds hand-written field resolvers keyed by type then field.
type Resolvers map[string]map[string]graphql.FieldResolveFn

// Merge copies other into r, overwriting duplicates.
func (r Resolvers) Merge(other Resolvers) Resolvers {
	for typeName, fields := range other {
		if r[typeName] == nil {
			r[typeName] = map[string]graphql.FieldResolveFn{}
		}
		for name, fn := range fields {
			r[typeName][name] = fn
		}
	}
	return r
}

// BuildConfig wires resolvers into the executable schema.
type BuildConfig struct {
	Bindings  BindingResolver
	Resolvers Resolvers
	Scalars   []*graphql.Scalar
}

type builder struct {
	doc   *Document
	cfg   BuildConfig
	types map[string]graphql.Type
}

// Build turns a loaded document into an executable graphql-go schema.
// Fields without a resolver fall back to graphql-go's map lookup by field name.
func Build(doc *Document, cfg BuildConfig) (graphql.Schema, error) {
	b := &builder{doc: doc, cfg: cfg, types: map[string]graphql.Type{
		"Int":     graphql.Int,
		"Float":   graphql.Float,
		"String":  graphql.String,
		"Boolean": graphql.Boolean,
		"ID":      graphql.ID,
	}}
	for _, s := range cfg.Scalars {
		b.types[s.Name()] = s
	}
	if err := b.checkResolvers(); err != nil {
		return graphql.Schema{}, err
	}
	if err := b.defineTypes(); err != nil {
		return graphql.Schema{}, err
	}
	if doc.AST.Query == nil {
		return graphql.Schema{}, fmt.Errorf("schema has no query type")
	}

	config := graphql.SchemaConfig{Query: b.types[doc.AST.Query.Name].(*graphql.Object)}
	if doc.AST.Mutation != nil {
		config.Mutation = b.types[doc.AST.Mutation.Name].(*graphql.Object)
	}
	built, err := graphql.NewSchema(config)
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("build executable schema: %w", err)
	}
	return built, nil
}

func (b *builder) checkResolvers() error {
	for _, typeName := range sortedKeys(b.cfg.Resolvers) {
		def, ok := b.doc.AST.Types[typeName]
		if !ok || def.Kind != ast.Object {
			return fmt.Errorf("resolver registered for unknown type %s", typeName)
		}
		for _, fieldName := range sortedKeys(b.cfg.Resolvers[typeName]) {
			if def.Fields.ForName(fieldName) == nil {
				return fmt.Errorf("resolver registered for unknown field %s.%s", typeName, fieldName)
			}
		}
	}
	return nil
}

func (b *builder) defineTypes() error {
	for _, name := range sortedKeys(b.doc.AST.Types) {
		def := b.doc.AST.Types[name]
		if _, done := b.types[name]; done {
			continue
		}
		if def.BuiltIn {
			// Introspection types are provided by graphql-go.
			continue
		}
		switch def.Kind {
		case ast.Scalar:
			return fmt.Errorf("scalar %s has no implementation", name)
		case ast.Enum:
			b.types[name] = b.enum(def)
		case ast.InputObject:
			b.types[name] = b.inputObject(def)
		case ast.Object:
			b.types[name] = b.object(def)
		default:
			return fmt.Errorf("type %s: %s types are not supported", name, def.Kind)
		}
	}
	return nil
}

func (b *builder) enum(def *ast.Definition) *graphql.Enum {
	values := graphql.EnumValueConfigMap{}
	for _, v := range def.EnumValues {
		cfg := &graphql.EnumValueConfig{Value: v.Name, Description: v.Description}
		if reason, ok := deprecation(v.Directives); ok {
			cfg.DeprecationReason = reason
		}
		values[v.Name] = cfg
	}
	return graphql.NewEnum(graphql.EnumConfig{
		Name:        def.Name,
		Description: def.Description,
		Values:      values,
	})
}

func (b *builder) inputObject(def *ast.Definition) *graphql.InputObject {
	return graphql.NewInputObject(graphql.InputObjectConfig{
		Name:        def.Name,
		Description: def.Description,
		Fields: graphql.InputObjectConfigFieldMapThunk(func() graphql.InputObjectConfigFieldMap {
			fields := graphql.InputObjectConfigFieldMap{}
			for _, f := range def.Fields {
				fields[f.Name] = &graphql.InputObjectFieldConfig{
					Type:         b.typeRef(f.Type).(graphql.Input),
					DefaultValue: literalValue(f.DefaultValue),
					Description:  f.Description,
				}
			}
			return fields
		}),
	})
}

func (b *builder) object(def *ast.Definition) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name:        def.Name,
		Description: def.Description,
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			fields := graphql.Fields{}
			for _, f := range def.Fields {
				field := &graphql.Field{
					Name:        f.Name,
					Type:        b.typeRef(f.Type).(graphql.Output),
					Description: f.Description,
					Args:        b.args(f.Arguments),
					Resolve:     b.resolverFor(def.Name, f.Name),
				}
				if reason, ok := deprecation(f.Directives); ok {
					field.DeprecationReason = reason
				}
				fields[f.Name] = field
			}
			return fields
		}),
	})
}

func (b *builder) resolverFor(typeName, fieldName string) graphql.FieldResolveFn {
	if binding, ok := b.doc.Metadata.Binding(typeName, fieldName); ok && b.cfg.Bindings != nil {
		return b.cfg.Bindings(typeName, fieldName, binding)
	}
	if fn := b.cfg.Resolvers[typeName][fieldName]; fn != nil {
		return fn
	}
	return nil
}

func (b *builder) args(defs ast.ArgumentDefinitionList) graphql.FieldConfigArgument {
	if len(defs) == 0 {
		return nil
	}
	args := graphql.FieldConfigArgument{}
	for _, a := range defs {
		args[a.Name] = &graphql.ArgumentConfig{
			Type:         b.typeRef(a.Type).(graphql.Input),
			DefaultValue: literalValue(a.DefaultValue),
			Description:  a.Description,
		}
	}
	return args
}

func (b *builder) typeRef(t *ast.Type) graphql.Type {
	var out graphql.Type
	if t.Elem != nil {
		out = graphql.NewList(b.typeRef(t.Elem))
	} else {
		out = b.types[t.NamedType]
	}
	if t.NonNull {
		out = graphql.NewNonNull(out)
	}
	return out
}

func deprecation(directives ast.DirectiveList) (string, bool) {
	d := directives.ForName("deprecated")
	if d == nil {
		return "", false
	}
	if reason, ok := stringArg(d, "reason"); ok {
		return reason, true
	}
	return "No longer supported", true
}

// literalValue converts an SDL default value into the Go value graphql-go
// hands to resolvers.
func literalValue(v *ast.Value) interface{} {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case ast.IntValue:
		if n, err := strconv.Atoi(v.Raw); err == nil {
			return n
		}
		return v.Raw
	case ast.FloatValue:
		if f, err := strconv.ParseFloat(v.Raw, 64); err == nil {
			return f
		}
		return v.Raw
	case ast.BooleanValue:
		return v.Raw == "true"
	case ast.NullValue:
		return nil
	case ast.ListValue:
		out := make([]interface{}, 0, len(v.Children))
		for _, c := range v.Children {
			out = append(out, literalValue(c.Value))
		}
		return out
	case ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Children))
		for _, c := range v.Children {
			out[c.Name] = literalValue(c.Value)
		}
		return out
	default:
		return v.Raw
	}
}
