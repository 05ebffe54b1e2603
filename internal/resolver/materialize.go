package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/planner"
)

// Record is one result row: Raw is keyed by column alias, Entity is the
// nested object GraphQL resolves fields against.
type Record struct {
	Raw    map[string]interface{}
	Entity map[string]interface{}
}

// FetchResult holds the records of one statement and how long it ran.
type FetchResult struct {
	Records  []Record
	Duration time.Duration
}

// Materializer runs compiled queries and shapes their rows.
type Materializer struct {
	executor dbexec.QueryExecutor
}

// NewMaterializer creates a Materializer over executor.
func NewMaterializer(executor dbexec.QueryExecutor) *Materializer {
	return &Materializer{executor: executor}
}

// Fetch renders q, runs it and returns its rows as records.
func (m *Materializer) Fetch(ctx context.Context, q *planner.Query) (FetchResult, error) {
	query, err := q.ToSQL()
	if err != nil {
		return FetchResult{}, err
	}

	logging.FromContext(ctx).Debug("running compiled query",
		slog.String("table", q.Table()),
		slog.String("sql", query.SQL),
		slog.Int("args", len(query.Args)),
	)

	start := time.Now()
	rows, err := m.executor.QueryContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return FetchResult{Duration: time.Since(start)}, err
	}
	defer func() {
		_ = rows.Close()
	}()

	records, err := scanRecords(rows, q.Projections(), q.NullableGroups())
	return FetchResult{Records: records, Duration: time.Since(start)}, err
}

func scanRecords(rows dbexec.Rows, projections []planner.Projection, nullable [][]string) ([]Record, error) {
	var records []Record

	for rows.Next() {
		values := make([]interface{}, len(projections))
		valuePtrs := make([]interface{}, len(projections))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		raw := make(map[string]interface{}, len(projections))
		entity := make(map[string]interface{})
		for i, p := range projections {
			value := convertValue(values[i])
			raw[p.As] = value
			if p.Aggregate != nil {
				items, err := decodeAggregate(value, p.Aggregate)
				if err != nil {
					return nil, fmt.Errorf("decode %s: %w", p.As, err)
				}
				setPath(entity, p.Path, items)
				continue
			}
			setPath(entity, p.Path, value)
		}
		for _, path := range nullable {
			nullifyEmpty(entity, path)
		}

		records = append(records, Record{Raw: raw, Entity: entity})
	}

	return records, rows.Err()
}

func convertValue(val interface{}) interface{} {
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// decodeAggregate turns a JSON array of row objects keyed by column into a
// list of objects keyed by field.
func decodeAggregate(value interface{}, agg *planner.Aggregate) ([]interface{}, error) {
	var rows []map[string]interface{}
	switch v := value.(type) {
	case nil:
		return []interface{}{}, nil
	case string:
		if err := json.Unmarshal([]byte(v), &rows); err != nil {
			return nil, err
		}
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				rows = append(rows, m)
			}
		}
	default:
		return nil, fmt.Errorf("unexpected aggregate value %T", value)
	}

	out := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		item := make(map[string]interface{}, len(row))
		for column, v := range row {
			fields, ok := agg.Fields[column]
			if !ok {
				item[column] = v
				continue
			}
			for _, field := range fields {
				item[field] = v
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func setPath(entity map[string]interface{}, path []string, value interface{}) {
	if len(path) == 0 {
		return
	}
	cur := entity
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// nullifyEmpty replaces the object at path with nil when a LEFT JOIN found
// no row, which shows up as every value under it being null.
func nullifyEmpty(entity map[string]interface{}, path []string) {
	if len(path) == 0 {
		return
	}
	parent := entity
	for _, key := range path[:len(path)-1] {
		next, ok := parent[key].(map[string]interface{})
		if !ok {
			return
		}
		parent = next
	}
	last := path[len(path)-1]
	child, ok := parent[last].(map[string]interface{})
	if !ok {
		return
	}
	if allNull(child) {
		parent[last] = nil
	}
}

func allNull(m map[string]interface{}) bool {
	for _, v := range m {
		switch val := v.(type) {
		case nil:
		case map[string]interface{}:
			if !allNull(val) {
				return false
			}
		case []interface{}:
			if len(val) > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
