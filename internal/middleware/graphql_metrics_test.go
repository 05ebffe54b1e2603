package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"cytoid-graphql/internal/observability"
)

// requestCounts sums graphql.requests.total by "operation_type/has_errors".
func requestCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != "graphql.requests.total" || !ok {
				continue
			}
			for _, point := range sum.DataPoints {
				opType, _ := point.Attributes.Value("operation_type")
				hasErrors, _ := point.Attributes.Value("has_errors")
				counts[opType.AsString()+"/"+hasErrors.Emit()] += point.Value
			}
		}
	}
	return counts
}

func metricsHandler(t *testing.T, body string, status int) (http.Handler, *sdkmetric.ManualReader, *bool) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetMeterProvider(previous)
	})

	metrics, err := observability.InitGraphQLMetrics()
	require.NoError(t, err)

	sawMetrics := new(bool)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*sawMetrics = observability.GraphQLMetricsFromContext(r.Context()) != nil
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	return GraphQLMetricsMiddleware(metrics)(next), reader, sawMetrics
}

func postGraphQL(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestGraphQLMetricsMiddleware_CountsOperations(t *testing.T) {
	handler, reader, sawMetrics := metricsHandler(t, `{"data":{"level":{"title":"Glow"}}}`, http.StatusOK)

	handler.ServeHTTP(httptest.NewRecorder(), postGraphQL(`{"query":"query Level { level(uid: \"glow\") { title } }"}`))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet,
		"/graphql?query="+url.QueryEscape(`{ levels { title } }`), nil))

	assert.True(t, *sawMetrics)
	assert.Equal(t, map[string]int64{"query/false": 2}, requestCounts(t, reader))
}

func TestGraphQLMetricsMiddleware_ErrorsInBodyOrStatus(t *testing.T) {
	handler, reader, _ := metricsHandler(t, `{"data":null,"errors":[{"message":"boom"}]}`, http.StatusOK)
	handler.ServeHTTP(httptest.NewRecorder(), postGraphQL(`{"query":"{ levels { title } }"}`))
	assert.Equal(t, map[string]int64{"query/true": 1}, requestCounts(t, reader))

	handler, reader, _ = metricsHandler(t, `bad request`, http.StatusBadRequest)
	handler.ServeHTTP(httptest.NewRecorder(), postGraphQL(`{"query":"{ levels { title } }"}`))
	assert.Equal(t, map[string]int64{"query/true": 1}, requestCounts(t, reader))
}

func TestGraphQLMetricsMiddleware_NullErrorsIsSuccess(t *testing.T) {
	handler, reader, _ := metricsHandler(t, `{"data":{},"errors":null}`, http.StatusOK)
	handler.ServeHTTP(httptest.NewRecorder(), postGraphQL(`{"query":"{ levels { title } }"}`))
	assert.Equal(t, map[string]int64{"query/false": 1}, requestCounts(t, reader))
}

func TestGraphQLMetricsMiddleware_UnparsableBodyIsUnknown(t *testing.T) {
	handler, reader, _ := metricsHandler(t, `{"data":{}}`, http.StatusOK)
	handler.ServeHTTP(httptest.NewRecorder(), postGraphQL(`{"query":`))
	assert.Equal(t, map[string]int64{"unknown/false": 1}, requestCounts(t, reader))
}

func TestGraphQLMetricsMiddleware_SkipsGraphiQLPage(t *testing.T) {
	handler, reader, sawMetrics := metricsHandler(t, `<html></html>`, http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	req.Header.Set("Accept", "text/html")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, *sawMetrics)
	assert.Empty(t, requestCounts(t, reader))
}

func TestGraphQLMetricsMiddleware_ReusesParsedOperation(t *testing.T) {
	handler, reader, _ := metricsHandler(t, `{"data":{}}`, http.StatusOK)
	handler = GraphQLRequestMiddleware()(handler)

	handler.ServeHTTP(httptest.NewRecorder(), postGraphQL(`{"query":"mutation Rate { rate(id: \"1\") }"}`))
	assert.Equal(t, map[string]int64{"mutation/false": 1}, requestCounts(t, reader))
}
