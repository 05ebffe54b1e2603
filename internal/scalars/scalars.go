// Package scalars holds the custom GraphQL scalars the schema declares.
package scalars

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// All returns every scalar in this package.
func All() []*graphql.Scalar {
	return []*graphql.Scalar{NonNegativeInt(), JSON(), DateTime()}
}

func NonNegativeInt() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "NonNegativeInt",
		Description: "An integer greater than or equal to zero.",
		Serialize: func(value interface{}) interface{} {
			if parsed, ok := coerceNonNegativeInt(value); ok {
				return parsed
			}
			return nil
		},
		ParseValue: func(value interface{}) interface{} {
			if parsed, ok := coerceNonNegativeInt(value); ok {
				return parsed
			}
			return nil
		},
		ParseLiteral: func(valueAST ast.Value) interface{} {
			intValue, ok := valueAST.(*ast.IntValue)
			if !ok {
				return nil
			}
			parsed, err := strconv.Atoi(intValue.Value)
			if err != nil || parsed < 0 {
				return nil
			}
			return parsed
		},
	})
}

// JSON passes stored JSON through as a value. Text is decoded so clients
// receive structure rather than a quoted string.
func JSON() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "JSON",
		Description: "Arbitrary JSON value.",
		Serialize: func(value interface{}) interface{} {
			switch v := value.(type) {
			case nil:
				return nil
			case []byte:
				return decodeJSON(string(v))
			case string:
				return decodeJSON(v)
			default:
				return v
			}
		},
		ParseValue: func(value interface{}) interface{} {
			return value
		},
		ParseLiteral: parseJSONLiteral,
	})
}

func decodeJSON(s string) interface{} {
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		slog.Default().Warn("failed to decode JSON scalar", slog.String("error", err.Error()))
		return nil
	}
	return out
}

func parseJSONLiteral(valueAST ast.Value) interface{} {
	switch v := valueAST.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.IntValue:
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return n
		}
		return nil
	case *ast.FloatValue:
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			return f
		}
		return nil
	case *ast.ListValue:
		out := make([]interface{}, len(v.Values))
		for i, item := range v.Values {
			out[i] = parseJSONLiteral(item)
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name.Value] = parseJSONLiteral(f.Value)
		}
		return out
	default:
		return nil
	}
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DateTime serializes timestamps as RFC 3339 in UTC. Database text forms are
// accepted because drivers return them when time parsing is off.
func DateTime() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "DateTime",
		Description: "Timestamp serialized as RFC 3339.",
		Serialize: func(value interface{}) interface{} {
			t, ok := coerceTime(value)
			if !ok {
				return nil
			}
			return t.UTC().Format(time.RFC3339)
		},
		ParseValue: func(value interface{}) interface{} {
			if t, ok := coerceTime(value); ok {
				return t
			}
			return nil
		},
		ParseLiteral: func(valueAST ast.Value) interface{} {
			if sv, ok := valueAST.(*ast.StringValue); ok {
				if t, ok := parseTime(sv.Value); ok {
					return t
				}
			}
			return nil
		},
	})
}

func coerceTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	default:
		return time.Time{}, false
	}
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func coerceNonNegativeInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		if v < 0 {
			return 0, false
		}
		return v, true
	case int32:
		if v < 0 {
			return 0, false
		}
		return int(v), true
	case int64:
		if v < 0 || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case float64:
		if v != math.Trunc(v) || v < 0 || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// IntArg reads an optional NonNegativeInt argument.
func IntArg(args map[string]interface{}, key string, fallback int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	n, ok := coerceNonNegativeInt(raw)
	if !ok {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
