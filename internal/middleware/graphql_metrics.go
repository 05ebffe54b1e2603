package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"cytoid-graphql/internal/observability"
)

// GraphQLMetricsMiddleware records request counts, durations and error rates
// per operation type, and puts metrics on the request context so resolvers
// can record compile and execution figures. GET requests that carry no
// operation (the GraphiQL page) are not measured.
func GraphQLMetricsMiddleware(metrics *observability.GraphQLMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			op := operationFor(r)
			if op == nil && r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			ctx := observability.ContextWithGraphQLMetrics(r.Context(), metrics)
			operationType := "unknown"
			if op != nil && op.Type != "" {
				operationType = op.Type
			}

			metrics.RequestStarted(ctx)
			start := time.Now()
			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r.WithContext(ctx))
			metrics.RequestFinished(ctx)

			metrics.RecordRequest(ctx, time.Since(start), capture.failed(), operationType)
		})
	}
}

// responseCapture tees the response body so the outcome can be inspected
// after the handler returns.
type responseCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *responseCapture) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.status = status
	c.wroteHeader = true
	c.ResponseWriter.WriteHeader(status)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	c.WriteHeader(http.StatusOK)
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// failed reports an HTTP error status or a non-empty errors array in the
// GraphQL response.
func (c *responseCapture) failed() bool {
	if c.status >= http.StatusBadRequest {
		return true
	}
	var payload struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(c.body.Bytes(), &payload); err != nil {
		return false
	}
	return len(payload.Errors) > 0
}
