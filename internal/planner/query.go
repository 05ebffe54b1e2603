package planner

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"cytoid-graphql/internal/schema"
	"cytoid-graphql/internal/sqlutil"
)

// Projection is one result column and where its value lands in the entity.
type Projection struct {
	Expr string
	As   string
	// Path is the entity path: relation field names followed by the leaf field.
	Path []string
	// Source is the table alias the column comes from.
	Source string
	// Aggregate is set for to-many JSON columns.
	Aggregate *Aggregate
}

// Aggregate maps the JSON keys of a to-many column back to field names.
type Aggregate struct {
	Target string
	Fields map[string][]string
}

// Join is one LEFT JOIN keyed by the relation path that introduced it.
type Join struct {
	Path  []string
	Type  string
	Table string
	Alias string
	On    string
	Many  bool
	// outer is the qualified parent column a to-many join correlates with.
	outer string
}

// Query is the statement under construction for one root field. Root
// resolvers create it, the compiler and hooks mutate it and the materializer
// consumes it. It is not safe for concurrent use.
type Query struct {
	meta     *schema.Metadata
	dialect  sqlutil.Dialect
	typeName string
	table    string
	alias    string

	projections []Projection
	byAs        map[string]int
	joins       []*Join
	joinsByPath map[string]*Join
	aliases     map[string]bool
	nullable    [][]string

	where   []sq.Sqlizer
	orderBy []string
	limit   *uint64
	offset  *uint64
	ids     []interface{}
	hasIDs  bool
	err     error

	stats CompileStats
}

// NewQuery starts a query for typeName. An empty table uses the type's alias.
func NewQuery(meta *schema.Metadata, dialect sqlutil.Dialect, typeName, table string) (*Query, error) {
	if !meta.HasType(typeName) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	if table == "" {
		table, _ = meta.TableName(typeName)
	}
	return &Query{
		meta:        meta,
		dialect:     dialect,
		typeName:    typeName,
		table:       table,
		alias:       table,
		byAs:        map[string]int{},
		joinsByPath: map[string]*Join{},
		aliases:     map[string]bool{table: true},
	}, nil
}

func (q *Query) TypeName() string           { return q.typeName }
func (q *Query) Table() string              { return q.table }
func (q *Query) Alias() string              { return q.alias }
func (q *Query) Dialect() sqlutil.Dialect   { return q.dialect }
func (q *Query) Metadata() *schema.Metadata { return q.meta }
func (q *Query) Stats() CompileStats        { return q.stats }

// IsEmpty reports whether nothing has been projected.
func (q *Query) IsEmpty() bool {
	return len(q.projections) == 0
}

// Projections returns the projected columns in SELECT order.
func (q *Query) Projections() []Projection {
	out := make([]Projection, len(q.projections))
	copy(out, q.projections)
	return out
}

// Joins returns the joins in the order they were added.
func (q *Query) Joins() []Join {
	out := make([]Join, len(q.joins))
	for i, j := range q.joins {
		out[i] = *j
	}
	return out
}

// JoinCount returns the number of joins.
func (q *Query) JoinCount() int {
	return len(q.joins)
}

// NullableGroups returns the entity paths of to-one relations that are
// reported null when every column under them is NULL. Deepest paths first.
func (q *Query) NullableGroups() [][]string {
	out := make([][]string, len(q.nullable))
	copy(out, q.nullable)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j]) > len(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Where adds a predicate: a squirrel Sqlizer, a column to value map (as
// sq.Eq) or a SQL string with ? placeholders for args. Any other predicate
// makes ToSQL fail.
func (q *Query) Where(pred interface{}, args ...interface{}) *Query {
	switch p := pred.(type) {
	case sq.Sqlizer:
		q.where = append(q.where, p)
	case map[string]interface{}:
		q.where = append(q.where, sq.Eq(p))
	case string:
		q.where = append(q.where, sq.Expr(p, args...))
	default:
		if q.err == nil {
			q.err = fmt.Errorf("%w: %T", ErrUnsupportedPredicate, pred)
		}
	}
	return q
}

// Eq adds field = value for a column or to-one field of the root type.
func (q *Query) Eq(field string, value interface{}) error {
	col, err := q.Column(field)
	if err != nil {
		return err
	}
	q.where = append(q.where, sq.Eq{col: value})
	return nil
}

// OrderBy appends ORDER BY clauses.
func (q *Query) OrderBy(clauses ...string) *Query {
	q.orderBy = append(q.orderBy, clauses...)
	return q
}

// Limit sets LIMIT.
func (q *Query) Limit(n uint64) *Query {
	q.limit = &n
	return q
}

// Offset sets OFFSET.
func (q *Query) Offset(n uint64) *Query {
	q.offset = &n
	return q
}

// Paginated reports whether LIMIT or OFFSET is set.
func (q *Query) Paginated() bool {
	return q.limit != nil || q.offset != nil
}

// FilterByIDs restricts the root rows to the given primary key values.
func (q *Query) FilterByIDs(ids []interface{}) *Query {
	q.ids = append([]interface{}(nil), ids...)
	q.hasIDs = true
	return q
}

// IDs returns the id filter and whether one is set.
func (q *Query) IDs() ([]interface{}, bool) {
	return append([]interface{}(nil), q.ids...), q.hasIDs
}

// Column returns the qualified column behind a field of the root type. For a
// to-one field it is the foreign key.
func (q *Query) Column(field string) (string, error) {
	f, ok := q.meta.Field(q.typeName, field)
	if !ok || f.Kind == schema.KindToMany {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownField, q.typeName, field)
	}
	return q.dialect.Qualified(q.alias, f.Key), nil
}

// PrimaryKeyColumn returns the qualified primary column of the root type.
func (q *Query) PrimaryKeyColumn() (string, error) {
	pk, ok := q.meta.PrimaryColumn(q.typeName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoPrimaryKey, q.typeName)
	}
	return q.dialect.Qualified(q.alias, pk), nil
}

// RelationColumn returns the qualified column behind field of the type a
// to-one relation points at, joining the relation if it is not joined yet.
func (q *Query) RelationColumn(relation, field string) (string, error) {
	rel, ok := q.meta.Field(q.typeName, relation)
	if !ok || rel.Kind != schema.KindToOne {
		return "", fmt.Errorf("%w: %s.%s is not a to-one relation", ErrUnknownField, q.typeName, relation)
	}
	target, ok := q.meta.Field(rel.Target, field)
	if !ok || target.Kind == schema.KindToMany {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownField, rel.Target, field)
	}
	j := q.joinToOne(q.alias, []string{relation}, rel)
	return q.dialect.Qualified(j.Alias, target.Key), nil
}

// SelectField projects a column field of the root type.
func (q *Query) SelectField(field string) error {
	f, ok := q.meta.Field(q.typeName, field)
	if !ok || f.Kind != schema.KindColumn {
		return fmt.Errorf("%w: %s.%s is not a column", ErrUnknownField, q.typeName, field)
	}
	q.projectColumn(q.alias, f.Key, []string{field})
	return nil
}

// Clone returns an independent copy.
func (q *Query) Clone() *Query {
	c := *q
	c.projections = q.Projections()
	c.byAs = make(map[string]int, len(q.byAs))
	for k, v := range q.byAs {
		c.byAs[k] = v
	}
	c.joins = make([]*Join, len(q.joins))
	c.joinsByPath = make(map[string]*Join, len(q.joinsByPath))
	for i, j := range q.joins {
		copied := *j
		c.joins[i] = &copied
		c.joinsByPath[pathKey(j.Path)] = &copied
	}
	c.aliases = make(map[string]bool, len(q.aliases))
	for k, v := range q.aliases {
		c.aliases[k] = v
	}
	c.nullable = append([][]string(nil), q.nullable...)
	c.where = append([]sq.Sqlizer(nil), q.where...)
	c.orderBy = append([]string(nil), q.orderBy...)
	c.ids = append([]interface{}(nil), q.ids...)
	return &c
}

func pathKey(path []string) string {
	return strings.Join(path, ".")
}

func appendPath(path []string, names ...string) []string {
	out := make([]string, 0, len(path)+len(names))
	out = append(out, path...)
	return append(out, names...)
}

func samePath(a, b []string) bool {
	return pathKey(a) == pathKey(b)
}

func columnAlias(tableAlias, column string) string {
	return tableAlias + "__" + column
}

func aggregateAlias(parentAlias, field string) string {
	return "agg__" + parentAlias + "__" + field
}

func (q *Query) project(p Projection) {
	if idx, ok := q.byAs[p.As]; ok {
		if samePath(q.projections[idx].Path, p.Path) {
			return
		}
		base := p.As
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s__%d", base, n)
			idx, taken := q.byAs[candidate]
			if !taken {
				p.As = candidate
				break
			}
			if samePath(q.projections[idx].Path, p.Path) {
				return
			}
		}
	}
	q.byAs[p.As] = len(q.projections)
	q.projections = append(q.projections, p)
}

func (q *Query) projectColumn(alias, column string, path []string) {
	q.project(Projection{
		Expr:   q.dialect.Qualified(alias, column),
		As:     columnAlias(alias, column),
		Path:   path,
		Source: alias,
	})
}

func (q *Query) allocAlias(table string) string {
	alias := table
	for n := 2; q.aliases[alias]; n++ {
		alias = fmt.Sprintf("%s_%d", table, n)
	}
	q.aliases[alias] = true
	return alias
}

func (q *Query) addNullable(path []string) {
	for _, p := range q.nullable {
		if samePath(p, path) {
			return
		}
	}
	q.nullable = append(q.nullable, path)
}

// joinToOne returns the join for the relation at path, adding it if needed.
func (q *Query) joinToOne(parentAlias string, path []string, f schema.SQLField) *Join {
	if j, ok := q.joinsByPath[pathKey(path)]; ok {
		return j
	}
	table, _ := q.meta.TableName(f.Target)
	alias := q.allocAlias(table)
	j := &Join{
		Path:  path,
		Type:  f.Target,
		Table: table,
		Alias: alias,
		On:    fmt.Sprintf("%s = %s", q.dialect.Qualified(alias, f.RelationKey), q.dialect.Qualified(parentAlias, f.Key)),
	}
	q.joins = append(q.joins, j)
	q.joinsByPath[pathKey(path)] = j
	q.addNullable(path)
	q.stats.Joins++
	return j
}

func (q *Query) joinToMany(parentAlias string, path []string, f schema.SQLField) *Join {
	if j, ok := q.joinsByPath[pathKey(path)]; ok {
		return j
	}
	table, _ := q.meta.TableName(f.Target)
	alias := q.allocAlias(table)
	j := &Join{
		Path:  path,
		Type:  f.Target,
		Table: table,
		Alias: alias,
		On:    fmt.Sprintf("%s = %s", q.dialect.Qualified(alias, f.RelationKey), q.dialect.Qualified(parentAlias, f.Key)),
		Many:  true,
		outer: q.dialect.Qualified(parentAlias, f.Key),
	}
	q.joins = append(q.joins, j)
	q.joinsByPath[pathKey(path)] = j
	q.stats.Joins++
	return j
}

func (q *Query) hasAggregates() bool {
	for _, p := range q.projections {
		if p.Aggregate != nil {
			return true
		}
	}
	return false
}

// correlated returns the aliases of to-many joins rendered as correlated
// subqueries. Only the first to-many join is a real LEFT JOIN: two joined
// to-many relations would repeat each other's rows inside the aggregates.
func (q *Query) correlated() map[string]bool {
	out := map[string]bool{}
	joined := false
	for _, j := range q.joins {
		if !j.Many {
			continue
		}
		if joined {
			out[j.Alias] = true
		}
		joined = true
	}
	return out
}

func (q *Query) joinByAlias(alias string) *Join {
	for _, j := range q.joins {
		if j.Alias == alias {
			return j
		}
	}
	return nil
}

func (q *Query) groupBy(correlated map[string]bool) ([]string, error) {
	if !q.hasAggregates() {
		return nil, nil
	}
	pk, ok := q.meta.PrimaryColumn(q.typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s needs a primary field to aggregate to-many relations", ErrNoPrimaryKey, q.typeName)
	}
	groups := []string{q.dialect.Qualified(q.alias, pk)}
	for _, j := range q.joins {
		if j.Many {
			continue
		}
		if pk, ok := q.meta.PrimaryColumn(j.Type); ok {
			groups = append(groups, q.dialect.Qualified(j.Alias, pk))
			continue
		}
		for _, p := range q.projections {
			if p.Aggregate == nil && p.Source == j.Alias {
				groups = append(groups, p.Expr)
			}
		}
	}
	// A correlated subquery may only read grouped outer columns.
	for _, j := range q.joins {
		if correlated[j.Alias] && !lo.Contains(groups, j.outer) {
			groups = append(groups, j.outer)
		}
	}
	return groups, nil
}

// columnExpr renders a projection. Aggregates of correlated to-many
// relations read their rows in a subquery instead of a join.
func (q *Query) columnExpr(p Projection, correlated map[string]bool) string {
	if p.Aggregate == nil || !correlated[p.Source] {
		return p.Expr
	}
	j := q.joinByAlias(p.Source)
	return "(SELECT " + p.Expr + " FROM " + q.tableRef(j.Table, j.Alias) + " WHERE " + j.On + ")"
}

func (q *Query) tableRef(table, alias string) string {
	if table == alias {
		return q.dialect.Quote(table)
	}
	return q.dialect.Quote(table) + " AS " + q.dialect.Quote(alias)
}

// ToSQL renders the statement.
func (q *Query) ToSQL() (SQLQuery, error) {
	if q.err != nil {
		return SQLQuery{}, q.err
	}
	if q.IsEmpty() {
		return SQLQuery{}, fmt.Errorf("query on %s selects no columns", q.table)
	}

	correlated := q.correlated()
	b := sq.Select().
		From(q.tableRef(q.table, q.alias)).
		PlaceholderFormat(q.dialect.Placeholder())
	for _, p := range q.projections {
		b = b.Column(q.columnExpr(p, correlated) + " AS " + q.dialect.Quote(p.As))
	}
	for _, j := range q.joins {
		if correlated[j.Alias] {
			continue
		}
		b = b.LeftJoin(q.tableRef(j.Table, j.Alias) + " ON " + j.On)
	}
	for _, w := range q.where {
		b = b.Where(w)
	}
	if q.hasIDs {
		pk, err := q.PrimaryKeyColumn()
		if err != nil {
			return SQLQuery{}, err
		}
		b = b.Where(sq.Eq{pk: q.ids})
	}
	groups, err := q.groupBy(correlated)
	if err != nil {
		return SQLQuery{}, err
	}
	if len(groups) > 0 {
		b = b.GroupBy(groups...)
	}
	if len(q.orderBy) > 0 {
		b = b.OrderBy(q.orderBy...)
	}
	if q.limit != nil {
		b = b.Limit(*q.limit)
	}
	if q.offset != nil {
		b = b.Offset(*q.offset)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}
