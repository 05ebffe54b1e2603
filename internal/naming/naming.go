// Package naming derives SQL table aliases from GraphQL type names.
package naming

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Namer turns schema type names into default table aliases.
type Namer struct {
	// plurals maps the last snake_case word of a type name to its plural,
	// ahead of the inflection rules.
	plurals map[string]string
}

// New creates a Namer. plurals may be nil.
func New(plurals map[string]string) *Namer {
	n := &Namer{plurals: make(map[string]string, len(plurals))}
	for word, plural := range plurals {
		n.plurals[strings.ToLower(word)] = plural
	}
	return n
}

// Default returns a Namer that relies on the inflection rules only.
func Default() *Namer {
	return New(nil)
}

// TableAlias returns the default table alias for a type: its snake_case
// name with the last word pluralized.
// Example: "LevelChart" -> "level_charts"
func (n *Namer) TableAlias(typeName string) string {
	snake := ToSnakeCase(typeName)
	if snake == "" {
		return ""
	}
	idx := strings.LastIndex(snake, "_")
	return snake[:idx+1] + n.plural(snake[idx+1:])
}

func (n *Namer) plural(word string) string {
	if p, ok := n.plurals[word]; ok {
		return p
	}
	return inflection.Plural(word)
}

// ToSnakeCase converts PascalCase or camelCase to snake_case.
// Runs of capitals stay together: "HTTPServer" -> "http_server".
func ToSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if !unicode.IsUpper(r) {
			b.WriteRune(r)
			continue
		}
		if i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
