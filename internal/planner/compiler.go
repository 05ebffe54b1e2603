package planner

import (
	"context"
	"log/slog"

	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/schema"
	"cytoid-graphql/internal/selection"
	"cytoid-graphql/internal/sqlutil"
)

// Compiler turns analyzed selections into projections and joins on a Query.
// It holds no per-request state.
type Compiler struct {
	meta    *schema.Metadata
	dialect sqlutil.Dialect
}

// NewCompiler creates a compiler over extracted metadata.
func NewCompiler(meta *schema.Metadata, dialect sqlutil.Dialect) *Compiler {
	return &Compiler{meta: meta, dialect: dialect}
}

// Metadata returns the metadata the compiler reads.
func (c *Compiler) Metadata() *schema.Metadata {
	return c.meta
}

// NewQuery starts a query for typeName against table (empty for the default).
func (c *Compiler) NewQuery(typeName, table string) (*Query, error) {
	return NewQuery(c.meta, c.dialect, typeName, table)
}

// Compile adds everything fields needs to q.
func (c *Compiler) Compile(ctx context.Context, q *Query, fields []selection.Field) error {
	return c.compileLevel(ctx, q, q.typeName, q.alias, nil, fields)
}

func (c *Compiler) compileLevel(ctx context.Context, q *Query, typeName, alias string, path []string, fields []selection.Field) error {
	logger := logging.FromContext(ctx)

	for _, f := range fields {
		entry, ok := c.meta.Field(typeName, f.Name)
		if !ok {
			c.compileUnmapped(q, typeName, alias, path, f, logger)
			continue
		}

		switch entry.Kind {
		case schema.KindColumn:
			q.projectColumn(alias, entry.Key, appendPath(path, f.Name))

		case schema.KindToOne:
			if !f.HasChildren() {
				continue
			}
			relPath := appendPath(path, f.Name)
			if c.keyOnly(entry, f.Children) {
				pkField, _ := c.meta.PrimaryField(entry.Target)
				q.projectColumn(alias, entry.Key, appendPath(relPath, pkField))
				q.addNullable(relPath)
				q.stats.ElidedJoins++
				continue
			}
			j := q.joinToOne(alias, relPath, entry)
			if len(entry.Selections) > 0 {
				for _, col := range entry.Selections {
					q.projectColumn(j.Alias, col, appendPath(relPath, c.meta.FieldForColumn(entry.Target, col)))
				}
				continue
			}
			if err := c.compileLevel(ctx, q, entry.Target, j.Alias, relPath, f.Children); err != nil {
				return err
			}

		case schema.KindToMany:
			c.compileAggregate(q, alias, path, f, entry, logger)
		}
	}
	return nil
}

// compileUnmapped handles fields without a storage mapping. A bound field
// whose binding reads a column of this type gets that column projected so the
// bound resolver can find it on its source.
func (c *Compiler) compileUnmapped(q *Query, typeName, alias string, path []string, f selection.Field, logger *logging.Logger) {
	b, bound := c.meta.Binding(typeName, f.Name)
	if bound && b.SourceProperty != "" {
		src, ok := c.meta.Field(typeName, b.SourceProperty)
		if ok && src.Kind == schema.KindColumn {
			q.projectColumn(alias, src.Key, appendPath(path, b.SourceProperty))
			return
		}
	}
	if bound {
		return
	}
	logger.Debug("field has no storage mapping; skipped",
		slog.String("type", typeName),
		slog.String("field", f.Name),
	)
}

// keyOnly reports whether a to-one selection asks for nothing but the related
// primary key, which the owning foreign key already holds.
func (c *Compiler) keyOnly(entry schema.SQLField, children []selection.Field) bool {
	if len(entry.Selections) > 0 {
		return false
	}
	pkField, ok := c.meta.PrimaryField(entry.Target)
	if !ok || !selection.OnlyField(children, pkField) {
		return false
	}
	pkCol, _ := c.meta.PrimaryColumn(entry.Target)
	return pkCol == entry.RelationKey
}

func (c *Compiler) compileAggregate(q *Query, alias string, path []string, f selection.Field, entry schema.SQLField, logger *logging.Logger) {
	fields := map[string][]string{}
	var columns []string
	addColumn := func(column, field string) {
		if _, seen := fields[column]; !seen {
			columns = append(columns, column)
		}
		fields[column] = append(fields[column], field)
	}

	if len(entry.Selections) > 0 {
		for _, col := range entry.Selections {
			addColumn(col, c.meta.FieldForColumn(entry.Target, col))
		}
	} else {
		for _, child := range f.Children {
			ce, ok := c.meta.Field(entry.Target, child.Name)
			if !ok {
				logger.Debug("field has no storage mapping; skipped",
					slog.String("type", entry.Target),
					slog.String("field", child.Name),
				)
				continue
			}
			if ce.Kind != schema.KindColumn {
				logger.Warn("relation inside a to-many relation is not supported; dropped",
					slog.String("type", entry.Target),
					slog.String("field", child.Name),
					slog.String("parent", f.Name),
				)
				q.stats.Dropped++
				continue
			}
			addColumn(ce.Key, child.Name)
		}
	}
	if len(columns) == 0 {
		pkField, ok := c.meta.PrimaryField(entry.Target)
		if ok {
			pkCol, _ := c.meta.PrimaryColumn(entry.Target)
			addColumn(pkCol, pkField)
		} else {
			addColumn(entry.RelationKey, c.meta.FieldForColumn(entry.Target, entry.RelationKey))
		}
	}

	relPath := appendPath(path, f.Name)
	j := q.joinToMany(alias, relPath, entry)
	q.project(Projection{
		Expr:      q.dialect.JSONArrayAgg(j.Alias, columns, q.dialect.Qualified(j.Alias, entry.RelationKey)),
		As:        aggregateAlias(alias, f.Name),
		Path:      relPath,
		Source:    j.Alias,
		Aggregate: &Aggregate{Target: entry.Target, Fields: fields},
	})
	q.stats.Aggregates++
}
