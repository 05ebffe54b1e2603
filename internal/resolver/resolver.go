// Package resolver provides the root field resolvers that compile a GraphQL
// selection into one SQL statement, run it and shape the rows into entities.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/graphql-go/graphql"
	"github.com/jackc/pgconn"

	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/observability"
	"cytoid-graphql/internal/planner"
	"cytoid-graphql/internal/schema"
	"cytoid-graphql/internal/selection"
)

// DefaultMaxInClause caps the number of ids bound into a single IN list.
const DefaultMaxInClause = 1000

// Hook customizes the compiled query of a root field before it runs. Returning
// the query (or another *planner.Query) continues execution; any other value
// is returned to GraphQL as the field result.
type Hook func(p graphql.ResolveParams, q *planner.Query) (interface{}, error)

// Hooks are keyed by type name, then field name.
type Hooks map[string]map[string]Hook

// Resolver builds root field resolvers over one executor and compiler.
type Resolver struct {
	compiler     *planner.Compiler
	materializer *Materializer
	hooks        Hooks
	maxInClause  int
	limits       planner.Limits
	metrics      *observability.GraphQLMetrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHooks registers query hooks.
func WithHooks(hooks Hooks) Option {
	return func(r *Resolver) {
		r.hooks = hooks
	}
}

// WithMaxInClause sets the IN-list chunk size. Values below 1 keep the default.
func WithMaxInClause(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxInClause = n
		}
	}
}

// WithLimits rejects top-level fields whose estimated depth or row count
// exceeds limits.
func WithLimits(limits planner.Limits) Option {
	return func(r *Resolver) {
		r.limits = limits
	}
}

// WithMetrics records compile and execution metrics. Without it the resolver
// falls back to metrics found on the request context.
func WithMetrics(m *observability.GraphQLMetrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a Resolver.
func New(executor dbexec.QueryExecutor, compiler *planner.Compiler, opts ...Option) *Resolver {
	r := &Resolver{
		compiler:     compiler,
		materializer: NewMaterializer(executor),
		maxInClause:  DefaultMaxInClause,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind returns the resolver for a field bound with @toOne or @toMany. It
// satisfies schema.BindingResolver.
func (r *Resolver) Bind(typeName, fieldName string, b schema.Binding) graphql.FieldResolveFn {
	hook := r.hook(typeName, fieldName)
	if b.Kind == schema.BindToMany {
		return r.ToMany(b.Target, b.Table, b.SourceProperty, hook)
	}
	return r.ToOne(b.Target, b.Table, b.SourceProperty, hook)
}

func (r *Resolver) hook(typeName, fieldName string) Hook {
	if fields, ok := r.hooks[typeName]; ok {
		return fields[fieldName]
	}
	return nil
}

// ToOne resolves a single entity of typeName from table (empty for the type's
// default table). With a sourceProperty the entity is looked up by the primary
// key held in that property of the parent object.
func (r *Resolver) ToOne(typeName, table, sourceProperty string, hook Hook) graphql.FieldResolveFn {
	return traced("to_one", typeName, func(p graphql.ResolveParams) (interface{}, *planner.Query, error) {
		return r.resolveToOne(p, typeName, table, sourceProperty, hook)
	})
}

func (r *Resolver) resolveToOne(p graphql.ResolveParams, typeName, table, sourceProperty string, hook Hook) (interface{}, *planner.Query, error) {
	q, err := r.compile(p, typeName, table)
	if err != nil {
		return nil, q, err
	}

	if sourceProperty != "" {
		value := sourceValue(p.Source, sourceProperty)
		if value == nil {
			return nil, q, nil
		}
		pk, err := q.PrimaryKeyColumn()
		if err != nil {
			return nil, q, err
		}
		q.Where(sq.Eq{pk: value})
	}

	q, passthrough, err := runHook(p, q, hook)
	if err != nil || q == nil {
		return passthrough, q, err
	}

	if q.IsEmpty() {
		return map[string]interface{}{}, q, nil
	}
	q.Limit(1)
	r.recordCompile(p.Context, q, "to_one")

	records, err := r.fetch(p.Context, q)
	if err != nil {
		return nil, q, err
	}
	if len(records) == 0 {
		return nil, q, nil
	}
	return records[0].Entity, q, nil
}

// ToMany resolves a list of typeName entities. With a sourceProperty the list
// is restricted to the ids held in that property of the parent object and
// returned in that order.
func (r *Resolver) ToMany(typeName, table, sourceProperty string, hook Hook) graphql.FieldResolveFn {
	return traced("to_many", typeName, func(p graphql.ResolveParams) (interface{}, *planner.Query, error) {
		return r.resolveToMany(p, typeName, table, sourceProperty, hook)
	})
}

func (r *Resolver) resolveToMany(p graphql.ResolveParams, typeName, table, sourceProperty string, hook Hook) (interface{}, *planner.Query, error) {
	q, err := r.compile(p, typeName, table)
	if err != nil {
		return nil, q, err
	}

	pkField, ok := r.compiler.Metadata().PrimaryField(typeName)
	if !ok {
		return nil, q, fmt.Errorf("%w: %s cannot be resolved as a list", planner.ErrNoPrimaryKey, typeName)
	}
	if err := q.SelectField(pkField); err != nil {
		return nil, q, err
	}

	if sourceProperty != "" {
		ids := ListValue(sourceValue(p.Source, sourceProperty))
		if len(ids) == 0 {
			return []interface{}{}, q, nil
		}
		q.FilterByIDs(ids)
	}

	q, passthrough, err := runHook(p, q, hook)
	if err != nil || q == nil {
		return passthrough, q, err
	}

	ids, filtered := q.IDs()
	if filtered && len(ids) == 0 {
		return []interface{}{}, q, nil
	}
	r.recordCompile(p.Context, q, "to_many")

	records, err := r.fetchChunked(p.Context, q)
	if err != nil {
		return nil, q, err
	}

	entities := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		entities[i] = rec.Entity
	}
	if filtered {
		entities = orderByIDs(entities, pkField, ids)
	}

	out := make([]interface{}, len(entities))
	for i, e := range entities {
		out[i] = e
	}
	return out, q, nil
}

func (r *Resolver) compile(p graphql.ResolveParams, typeName, table string) (*planner.Query, error) {
	if err := r.checkLimits(p); err != nil {
		return nil, err
	}
	q, err := r.compiler.NewQuery(typeName, table)
	if err != nil {
		return nil, err
	}
	fields, err := selection.Analyze(p.Info.FieldASTs, p.Info.Fragments, p.Info.VariableValues)
	if err != nil {
		return nil, err
	}
	if err := r.compiler.Compile(p.Context, q, fields); err != nil {
		return nil, err
	}
	return q, nil
}

// checkLimits estimates the cost of a top-level field. Nested bound fields
// were already counted as part of their root.
func (r *Resolver) checkLimits(p graphql.ResolveParams) error {
	if !r.limits.Enabled() || len(p.Info.FieldASTs) == 0 {
		return nil
	}
	if p.Info.Path != nil && p.Info.Path.Prev != nil {
		return nil
	}
	cost := planner.EstimateCost(p.Info.FieldASTs[0], p.Args, p.Info.Fragments, planner.DefaultListLimit)
	err := r.limits.Check(cost)
	var limitErr *planner.LimitError
	if !errors.As(err, &limitErr) {
		return err
	}
	ctx := contextOf(p)
	logging.FromContext(ctx).Warn("query rejected by cost limits",
		slog.String("field", p.Info.FieldName),
		slog.String("limit", limitErr.Limit),
		slog.Int("depth", cost.Depth),
		slog.Int("rows", cost.Rows),
	)
	if metrics := r.metricsFor(ctx); metrics != nil {
		metrics.RecordLimitRejection(ctx, p.Info.FieldName, limitErr.Limit)
	}
	return err
}

// runHook applies hook to q. A nil query return means the hook produced the
// field result itself.
func runHook(p graphql.ResolveParams, q *planner.Query, hook Hook) (*planner.Query, interface{}, error) {
	if hook == nil {
		return q, nil, nil
	}
	result, err := hook(p, q)
	if err != nil {
		return nil, nil, err
	}
	if next, ok := result.(*planner.Query); ok && next != nil {
		return next, nil, nil
	}
	return nil, result, nil
}

// fetchChunked runs q, splitting a long id filter into several statements
// run concurrently. Paginated queries always run as one statement.
func (r *Resolver) fetchChunked(ctx context.Context, q *planner.Query) ([]Record, error) {
	ids, filtered := q.IDs()
	if !filtered || len(ids) <= r.maxInClause || q.Paginated() {
		return r.fetch(ctx, q)
	}

	chunks := chunkValues(ids, r.maxInClause)
	if metrics := r.metricsFor(ctx); metrics != nil {
		metrics.RecordIDChunks(ctx, q.TypeName(), len(chunks))
	}
	logging.FromContext(ctx).Debug("splitting id filter",
		slog.String("type", q.TypeName()),
		slog.Int("ids", len(ids)),
		slog.Int("chunks", len(chunks)),
	)

	queries := make([]*planner.Query, len(chunks))
	for i, chunk := range chunks {
		queries[i] = q.Clone().FilterByIDs(chunk)
	}
	return r.fetchAll(ctx, queries)
}

func (r *Resolver) fetch(ctx context.Context, q *planner.Query) ([]Record, error) {
	result, err := r.materializer.Fetch(ctx, q)
	if metrics := r.metricsFor(ctx); metrics != nil {
		metrics.RecordExecution(ctx, q.TypeName(), result.Duration, len(result.Records), err)
	}
	if err != nil {
		return nil, normalizeQueryError(err)
	}
	return result.Records, nil
}

func (r *Resolver) recordCompile(ctx context.Context, q *planner.Query, kind string) {
	metrics := r.metricsFor(ctx)
	if metrics == nil {
		return
	}
	stats := q.Stats()
	metrics.RecordCompile(ctx, observability.CompileOutcome{
		RootType:    q.TypeName(),
		Kind:        kind,
		Joins:       stats.Joins,
		ElidedJoins: stats.ElidedJoins,
		Aggregates:  stats.Aggregates,
		Dropped:     stats.Dropped,
	})
}

func (r *Resolver) metricsFor(ctx context.Context) *observability.GraphQLMetrics {
	if r.metrics != nil {
		return r.metrics
	}
	return observability.GraphQLMetricsFromContext(ctx)
}

func contextOf(p graphql.ResolveParams) context.Context {
	if p.Context == nil {
		return context.Background()
	}
	return p.Context
}

func sourceValue(source interface{}, property string) interface{} {
	if m, ok := source.(map[string]interface{}); ok {
		return m[property]
	}
	return nil
}

var errAccessDenied = errors.New("access denied")

// Access control error codes.
const (
	mysqlErrDBAccessDenied     = 1044
	mysqlErrTableAccessDenied  = 1142
	mysqlErrColumnAccessDenied = 1143
	pgInsufficientPrivilege    = "42501"
)

func normalizeQueryError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDBAccessDenied, mysqlErrTableAccessDenied, mysqlErrColumnAccessDenied:
			return errAccessDenied
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgInsufficientPrivilege {
		return errAccessDenied
	}
	return err
}
