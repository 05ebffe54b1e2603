package middleware

import (
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cytoid-graphql/internal/logging"
)

// GraphQLTracingMiddleware opens one span per GraphQL operation, named
// "<type> <name>" ("query Profile"), so resolver spans nest under it. The
// request logger gains the trace and span ids. Requests without an operation
// pass through untraced.
func GraphQLTracingMiddleware() func(http.Handler) http.Handler {
	tracer := otel.Tracer("cytoid-graphql/graphql")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := operationFor(r)
			if op == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := tracer.Start(r.Context(), operationSpanName(op),
				trace.WithAttributes(operationAttributes(op)...))
			defer span.End()

			if sc := span.SpanContext(); sc.IsValid() {
				ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithFields(
					slog.String("trace_id", sc.TraceID().String()),
					slog.String("span_id", sc.SpanID().String()),
				))
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			if status := ww.Status(); status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}

func operationSpanName(op *Operation) string {
	if op.Name == "" {
		return op.Type
	}
	return op.Type + " " + op.Name
}

func operationAttributes(op *Operation) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("graphql.operation.type", op.Type),
		attribute.Int("graphql.document.field_count", op.FieldCount),
		attribute.Int("graphql.document.depth", op.SelectionDepth),
		attribute.Int("graphql.document.variable_count", op.VariableCount),
	}
	if op.Name != "" {
		attrs = append(attrs, attribute.String("graphql.operation.name", op.Name))
	}
	return attrs
}
