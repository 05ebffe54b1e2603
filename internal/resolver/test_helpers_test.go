package resolver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"cytoid-graphql/internal/dbexec"
)

// cannedRows replays fixed rows. Scan only fills *any destinations, which is
// all the materializer passes.
type cannedRows struct {
	rows [][]any
	pos  int
}

func (r *cannedRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *cannedRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(row) != len(dest) {
		return fmt.Errorf("row has %d columns, scan wants %d", len(row), len(dest))
	}
	for i := range row {
		ptr, ok := dest[i].(*any)
		if !ok {
			return fmt.Errorf("unsupported scan destination %T", dest[i])
		}
		*ptr = row[i]
	}
	return nil
}

func (r *cannedRows) Err() error   { return nil }
func (r *cannedRows) Close() error { return nil }

// fakeExecutor records every statement. It answers from handler when set,
// otherwise from responses by call order; statements past the end get no
// rows. A non-nil err fails every call.
type fakeExecutor struct {
	responses [][][]any
	handler   func(query string, args []any) [][]any
	err       error

	mu      sync.Mutex
	queries []string
	args    [][]any
}

func (e *fakeExecutor) QueryContext(_ context.Context, query string, args ...any) (dbexec.Rows, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.queries)
	e.queries = append(e.queries, query)
	e.args = append(e.args, args)

	switch {
	case e.err != nil:
		return nil, e.err
	case e.handler != nil:
		return &cannedRows{rows: e.handler(query, args)}, nil
	case n < len(e.responses):
		return &cannedRows{rows: e.responses[n]}, nil
	default:
		return &cannedRows{}, nil
	}
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return db, mock
}

// expectQuery expects exactly statement with args and answers with rows.
func expectQuery(t *testing.T, mock sqlmock.Sqlmock, statement string, args []interface{}, rows *sqlmock.Rows) {
	t.Helper()
	expected := mock.ExpectQuery(regexp.QuoteMeta(statement))
	if len(args) > 0 {
		values := make([]driver.Value, 0, len(args))
		for _, arg := range args {
			values = append(values, arg)
		}
		expected = expected.WithArgs(values...)
	}
	expected.WillReturnRows(rows)
}

func installResolverSpanRecorder(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()), sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return recorder, func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	}
}

func findEndedSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func readSpanString(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}
