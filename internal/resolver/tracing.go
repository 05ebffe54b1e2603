package resolver

import (
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cytoid-graphql/internal/planner"
)

type resolveFunc func(p graphql.ResolveParams) (interface{}, *planner.Query, error)

// traced wraps resolve in a "graphql.resolve.<kind>" span. The span records
// the field path and, once compiled, the query's table and join statistics.
func traced(kind, typeName string, resolve resolveFunc) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		ctx, span := otel.Tracer("cytoid-graphql/resolver").Start(contextOf(p), "graphql.resolve."+kind,
			trace.WithAttributes(
				attribute.String("graphql.type", typeName),
				attribute.String("graphql.field", p.Info.FieldName),
				attribute.String("graphql.path", responsePath(p.Info.Path)),
			),
		)
		defer span.End()
		p.Context = ctx

		result, q, err := resolve(p)
		if q != nil {
			stats := q.Stats()
			span.SetAttributes(
				attribute.String("db.table", q.Table()),
				attribute.Int("sqljoin.joins", stats.Joins),
				attribute.Int("sqljoin.joins.elided", stats.ElidedJoins),
				attribute.Int("sqljoin.aggregates", stats.Aggregates),
				attribute.Int("sqljoin.fields.dropped", stats.Dropped),
			)
		}
		if err != nil {
			span.SetAttributes(attribute.String("graphql.resolver.outcome", "error"))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		span.SetAttributes(attribute.String("graphql.resolver.outcome", "ok"))
		return result, nil
	}
}

// responsePath renders a path like "levels.0.owner".
func responsePath(path *graphql.ResponsePath) string {
	if path == nil {
		return ""
	}
	parts := path.AsArray()
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = fmt.Sprint(part)
	}
	return strings.Join(out, ".")
}
