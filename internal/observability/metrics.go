package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments creates instruments on one meter and keeps every creation
// error for a single check at the end.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func newInstruments(scope string) *instruments {
	return &instruments{meter: otel.Meter(scope)}
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return c
}

func (b *instruments) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return c
}

func (b *instruments) histogram(name, desc string) metric.Int64Histogram {
	h, err := b.meter.Int64Histogram(name, metric.WithDescription(desc))
	b.keep(name, err)
	return h
}

func (b *instruments) millis(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	b.keep(name, err)
	return h
}

func (b *instruments) keep(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

func (b *instruments) err() error {
	return errors.Join(b.errs...)
}

// GraphQLMetrics covers GraphQL requests and the selection-to-SQL compiler.
type GraphQLMetrics struct {
	requestDuration  metric.Float64Histogram
	requests         metric.Int64Counter
	requestErrors    metric.Int64Counter
	activeRequests   metric.Int64UpDownCounter
	limitRejections  metric.Int64Counter
	queriesCompiled  metric.Int64Counter
	joinsPerQuery    metric.Int64Histogram
	elidedJoins      metric.Int64Counter
	aggregates       metric.Int64Counter
	droppedFields    metric.Int64Counter
	queryDuration    metric.Float64Histogram
	rowsMaterialized metric.Int64Histogram
	idChunks         metric.Int64Histogram
}

// CompileOutcome describes one compiled root query.
type CompileOutcome struct {
	RootType    string
	Kind        string
	Joins       int
	ElidedJoins int
	Aggregates  int
	Dropped     int
}

// InitGraphQLMetrics registers the GraphQL instruments on the global meter
// provider.
func InitGraphQLMetrics() (*GraphQLMetrics, error) {
	b := newInstruments("cytoid-graphql")
	m := &GraphQLMetrics{
		requestDuration: b.millis("graphql.request.duration", "Duration of GraphQL requests"),
		requests:        b.counter("graphql.requests.total", "GraphQL requests"),
		requestErrors:   b.counter("graphql.errors.total", "GraphQL requests answered with errors"),
		activeRequests:  b.upDownCounter("graphql.requests.active", "GraphQL requests in flight"),
		limitRejections: b.counter("graphql.limits.rejected", "Root fields rejected by the depth or row limit"),

		queriesCompiled:  b.counter("sqljoin.queries.compiled", "Root queries compiled to SQL"),
		joinsPerQuery:    b.histogram("sqljoin.query.joins", "Joins in a compiled query"),
		elidedJoins:      b.counter("sqljoin.joins.elided", "To-one joins skipped because only the key was selected"),
		aggregates:       b.counter("sqljoin.aggregates", "To-many JSON aggregates compiled"),
		droppedFields:    b.counter("sqljoin.fields.dropped", "Nested relations left to their own resolvers"),
		queryDuration:    b.millis("sqljoin.query.duration", "Execution time of compiled queries"),
		rowsMaterialized: b.histogram("sqljoin.rows.materialized", "Rows materialized per compiled query"),
		idChunks:         b.histogram("sqljoin.id_chunks", "Chunks an id list was split into"),
	}
	if err := b.err(); err != nil {
		return nil, fmt.Errorf("failed to create GraphQL metrics: %w", err)
	}
	return m, nil
}

// RecordRequest records one GraphQL request.
func (m *GraphQLMetrics) RecordRequest(ctx context.Context, duration time.Duration, hasErrors bool, operationType string) {
	attrs := metric.WithAttributes(
		attribute.String("operation_type", operationType),
		attribute.Bool("has_errors", hasErrors),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.requests.Add(ctx, 1, attrs)
	if hasErrors {
		m.requestErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", operationType)))
	}
}

// RequestStarted and RequestFinished track requests in flight.
func (m *GraphQLMetrics) RequestStarted(ctx context.Context)  { m.activeRequests.Add(ctx, 1) }
func (m *GraphQLMetrics) RequestFinished(ctx context.Context) { m.activeRequests.Add(ctx, -1) }

// RecordLimitRejection counts a root field refused by limit ("depth" or "rows").
func (m *GraphQLMetrics) RecordLimitRejection(ctx context.Context, field, limit string) {
	m.limitRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("field", field),
		attribute.String("limit", limit),
	))
}

// RecordCompile records the shape of a compiled query.
func (m *GraphQLMetrics) RecordCompile(ctx context.Context, outcome CompileOutcome) {
	attrs := metric.WithAttributes(
		attribute.String("root_type", outcome.RootType),
		attribute.String("kind", outcome.Kind),
	)
	m.queriesCompiled.Add(ctx, 1, attrs)
	m.joinsPerQuery.Record(ctx, int64(outcome.Joins), attrs)
	addPositive(ctx, m.elidedJoins, outcome.ElidedJoins, attrs)
	addPositive(ctx, m.aggregates, outcome.Aggregates, attrs)
	addPositive(ctx, m.droppedFields, outcome.Dropped, attrs)
}

func addPositive(ctx context.Context, c metric.Int64Counter, n int, attrs metric.AddOption) {
	if n > 0 {
		c.Add(ctx, int64(n), attrs)
	}
}

// RecordExecution records how long a compiled query ran and how many rows it produced.
func (m *GraphQLMetrics) RecordExecution(ctx context.Context, rootType string, duration time.Duration, rows int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("root_type", rootType),
		attribute.Bool("has_errors", err != nil),
	)
	m.queryDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.rowsMaterialized.Record(ctx, int64(rows), attrs)
}

// RecordIDChunks records how many IN-clause chunks an id list needed.
func (m *GraphQLMetrics) RecordIDChunks(ctx context.Context, rootType string, chunks int) {
	m.idChunks.Record(ctx, int64(chunks), metric.WithAttributes(attribute.String("root_type", rootType)))
}

type graphQLMetricsKey struct{}

// ContextWithGraphQLMetrics makes m reachable from resolvers.
func ContextWithGraphQLMetrics(ctx context.Context, m *GraphQLMetrics) context.Context {
	return context.WithValue(ctx, graphQLMetricsKey{}, m)
}

// GraphQLMetricsFromContext returns the metrics stored in ctx, or nil.
func GraphQLMetricsFromContext(ctx context.Context) *GraphQLMetrics {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(graphQLMetricsKey{}).(*GraphQLMetrics)
	return m
}
