package resolver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestListValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  []interface{}
	}{
		{name: "nil", value: nil, want: nil},
		{name: "interface slice drops nulls", value: []interface{}{"a", nil, "b"}, want: []interface{}{"a", "b"}},
		{name: "typed slice", value: []int64{3, 1}, want: []interface{}{int64(3), int64(1)}},
		{name: "json array", value: `["x", "y"]`, want: []interface{}{"x", "y"}},
		{name: "json bytes", value: []byte(`[1, 2]`), want: []interface{}{int64(1), int64(2)}},
		{name: "json bigint ids stay exact", value: `[9007199254740993, 2]`, want: []interface{}{int64(9007199254740993), int64(2)}},
		{name: "json decimals kept as text", value: `[1.5, null]`, want: []interface{}{"1.5"}},
		{name: "postgres array", value: `{4,"5", NULL}`, want: []interface{}{"4", "5"}},
		{name: "empty postgres array", value: `{}`, want: nil},
		{name: "invalid json array", value: `[1,`, want: nil},
		{name: "blank string", value: "  ", want: nil},
		{name: "scalar", value: int64(9), want: []interface{}{int64(9)}},
		{name: "plain string", value: "abc", want: []interface{}{"abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ListValue(tt.value))
		})
	}
}

func TestOrderByIDs(t *testing.T) {
	entities := []map[string]interface{}{
		{"id": int64(1), "title": "one"},
		{"id": int64(2), "title": "two"},
		{"id": int64(3), "title": "three"},
	}

	got := orderByIDs(entities, "id", []interface{}{"3", float64(1), "404", int64(3)})

	assert.Equal(t, []map[string]interface{}{
		{"id": int64(3), "title": "three"},
		{"id": int64(1), "title": "one"},
		{"id": int64(3), "title": "three"},
	}, got)
}

func TestChunkValues(t *testing.T) {
	values := []interface{}{1, 2, 3, 4, 5}

	assert.Nil(t, chunkValues(nil, 2))
	assert.Equal(t, [][]interface{}{values}, chunkValues(values, 0))
	assert.Equal(t, [][]interface{}{values}, chunkValues(values, 5))
	assert.Equal(t, [][]interface{}{{1, 2}, {3, 4}, {5}}, chunkValues(values, 2))
}

func TestNormalizeQueryError(t *testing.T) {
	assert.Nil(t, normalizeQueryError(nil))

	denied := fmt.Errorf("query: %w", &mysql.MySQLError{Number: 1142, Message: "SELECT command denied"})
	assert.ErrorIs(t, normalizeQueryError(denied), errAccessDenied)

	pgDenied := &pgconn.PgError{Code: "42501", Message: "permission denied for table levels"}
	assert.ErrorIs(t, normalizeQueryError(pgDenied), errAccessDenied)

	other := errors.New("deadlock")
	assert.Equal(t, other, normalizeQueryError(other))

	syntax := &mysql.MySQLError{Number: 1064, Message: "syntax"}
	assert.Equal(t, error(syntax), normalizeQueryError(syntax))
}
