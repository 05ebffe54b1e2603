package sqlutil

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect renders the database-specific parts of a compiled query.
type Dialect interface {
	Name() string
	Quote(ident string) string
	// Qualified renders alias.column with both parts quoted.
	Qualified(alias, column string) string
	Placeholder() sq.PlaceholderFormat
	// JSONArrayAgg renders an expression that aggregates one JSON object per
	// joined row, keyed by column name. presence is the qualified column whose
	// non-null value marks a real match; no match yields an empty array.
	JSONArrayAgg(alias string, columns []string, presence string) string
	// JSONInt renders the integer stored under key of a JSON expression.
	JSONInt(expr, key string) string
	// ISOWeek renders the ISO-8601 week-numbering year and week of a
	// timestamp expression.
	ISOWeek(expr string) (year, week string)
}

// Dialect names accepted by DialectFor.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// DialectFor returns the dialect for a configured driver name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "mysql", "tidb":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q", name)
	}
}

// Postgres renders double-quoted identifiers, $n placeholders and json_agg.
type Postgres struct{}

func (Postgres) Name() string { return DialectPostgres }

func (Postgres) Quote(ident string) string { return QuoteDoubleIdentifier(ident) }

func (d Postgres) Qualified(alias, column string) string {
	return d.Quote(alias) + "." + d.Quote(column)
}

func (Postgres) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (d Postgres) JSONArrayAgg(alias string, columns []string, presence string) string {
	pairs := make([]string, 0, len(columns))
	for _, col := range columns {
		pairs = append(pairs, QuoteString(col)+", "+d.Qualified(alias, col))
	}
	return fmt.Sprintf(
		"COALESCE(json_agg(json_build_object(%s)) FILTER (WHERE %s IS NOT NULL), '[]'::json)",
		strings.Join(pairs, ", "), presence,
	)
}

func (Postgres) JSONInt(expr, key string) string {
	return fmt.Sprintf("(%s ->> %s)::integer", expr, QuoteString(key))
}

func (Postgres) ISOWeek(expr string) (year, week string) {
	return fmt.Sprintf("CAST(extract(isoyear FROM %s) AS integer)", expr),
		fmt.Sprintf("CAST(extract(week FROM %s) AS integer)", expr)
}

// MySQL renders backtick identifiers, ? placeholders and JSON_ARRAYAGG.
// TiDB accepts the same syntax.
type MySQL struct{}

func (MySQL) Name() string { return DialectMySQL }

func (MySQL) Quote(ident string) string { return QuoteIdentifier(ident) }

func (d MySQL) Qualified(alias, column string) string {
	return d.Quote(alias) + "." + d.Quote(column)
}

func (MySQL) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (d MySQL) JSONArrayAgg(alias string, columns []string, presence string) string {
	pairs := make([]string, 0, len(columns))
	for _, col := range columns {
		pairs = append(pairs, QuoteString(col)+", "+d.Qualified(alias, col))
	}
	return fmt.Sprintf(
		"IF(COUNT(%s) = 0, JSON_ARRAY(), JSON_ARRAYAGG(JSON_OBJECT(%s)))",
		presence, strings.Join(pairs, ", "),
	)
}

func (MySQL) JSONInt(expr, key string) string {
	return fmt.Sprintf("CAST(JSON_EXTRACT(%s, %s) AS SIGNED)", expr, QuoteString("$."+key))
}

// ISOWeek uses week mode 3, which numbers weeks from Monday per ISO-8601.
func (MySQL) ISOWeek(expr string) (year, week string) {
	return fmt.Sprintf("YEARWEEK(%s, 3) DIV 100", expr), fmt.Sprintf("WEEK(%s, 3)", expr)
}
