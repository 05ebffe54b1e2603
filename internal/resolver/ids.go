package resolver

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"cytoid-graphql/internal/planner"
)

// ListValue normalizes a stored list into a slice. It accepts Go slices, JSON
// arrays and Postgres array literals such as {1,2,3}.
func ListValue(value interface{}) []interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		return lo.Filter(v, func(id interface{}, _ int) bool { return id != nil })
	case []byte:
		return ListValue(string(v))
	case string:
		return parseListString(v)
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]interface{}, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, rv.Index(i).Interface())
		}
		return out
	}
	return []interface{}{value}
}

func parseListString(s string) []interface{} {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil
	case strings.HasPrefix(s, "["):
		return parseJSONList(s)
	case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return nil
		}
		parts := strings.Split(inner, ",")
		out := make([]interface{}, 0, len(parts))
		for _, part := range parts {
			part = strings.Trim(strings.TrimSpace(part), `"`)
			if part == "" || strings.EqualFold(part, "NULL") {
				continue
			}
			out = append(out, part)
		}
		return out
	}
	return []interface{}{s}
}

// parseJSONList keeps integers exact: ids above 2^53 do not survive a
// float64.
func parseJSONList(s string) []interface{} {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var items []interface{}
	if err := dec.Decode(&items); err != nil {
		return nil
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case nil:
			continue
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out = append(out, n)
			} else {
				out = append(out, v.String())
			}
		default:
			out = append(out, v)
		}
	}
	return out
}

func idKey(id interface{}) string {
	return fmt.Sprint(convertValue(id))
}

// orderByIDs returns the entities in the order of ids. Ids with no entity are
// skipped and an id listed twice yields its entity twice.
func orderByIDs(entities []map[string]interface{}, pkField string, ids []interface{}) []map[string]interface{} {
	byID := lo.KeyBy(entities, func(e map[string]interface{}) string {
		return idKey(e[pkField])
	})
	return lo.FilterMap(ids, func(id interface{}, _ int) (map[string]interface{}, bool) {
		e, ok := byID[idKey(id)]
		return e, ok
	})
}

func chunkValues(values []interface{}, max int) [][]interface{} {
	if len(values) == 0 {
		return nil
	}
	if max <= 0 || len(values) <= max {
		return [][]interface{}{values}
	}
	return lo.Chunk(values, max)
}

// fetchAll runs queries concurrently and concatenates their records in query
// order. The first error cancels the rest.
func (r *Resolver) fetchAll(ctx context.Context, queries []*planner.Query) ([]Record, error) {
	results := make([][]Record, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			records, err := r.fetch(gctx, q)
			if err != nil {
				return err
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lo.Flatten(results), nil
}
