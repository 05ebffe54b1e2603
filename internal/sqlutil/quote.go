// Package sqlutil provides SQL utility functions and dialect rendering.
package sqlutil

import "strings"

// QuoteIdentifier quotes a SQL identifier with backticks and escapes any
// backticks within the identifier. This is the MySQL/TiDB form.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QuoteDoubleIdentifier quotes an identifier with double quotes, doubling
// any embedded double quotes. This is the ANSI/Postgres form.
func QuoteDoubleIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}
