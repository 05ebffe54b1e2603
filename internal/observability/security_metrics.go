package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcomes of bearer authentication on one request.
const (
	AuthAnonymous     = "anonymous"
	AuthAuthenticated = "authenticated"
	AuthRejected      = "rejected"
)

// SecurityMetrics counts how requests were authenticated.
type SecurityMetrics struct {
	requests   metric.Int64Counter
	rejections metric.Int64Counter
}

// InitSecurityMetrics registers the security counters on the global meter provider.
func InitSecurityMetrics() (*SecurityMetrics, error) {
	b := newInstruments("cytoid-graphql/security")
	m := &SecurityMetrics{
		requests:   b.counter("security.auth.requests.total", "Requests by authentication outcome"),
		rejections: b.counter("security.auth.rejections.total", "Bearer tokens rejected, by reason"),
	}
	if err := b.err(); err != nil {
		return nil, fmt.Errorf("failed to create security metrics: %w", err)
	}
	return m, nil
}

// RecordAnonymous counts a request that carried no bearer token.
func (m *SecurityMetrics) RecordAnonymous(ctx context.Context) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", AuthAnonymous),
	))
}

// RecordAuthenticated counts a request whose token verified with method.
func (m *SecurityMetrics) RecordAuthenticated(ctx context.Context, method string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", AuthAuthenticated),
		attribute.String("method", method),
	))
}

// RecordRejected counts a request answered with 401.
func (m *SecurityMetrics) RecordRejected(ctx context.Context, method, reason string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", AuthRejected),
		attribute.String("method", method),
	))
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("reason", reason),
	))
}
