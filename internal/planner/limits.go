package planner

import (
	"fmt"
	"strconv"

	"github.com/graphql-go/graphql/language/ast"
)

// DefaultListLimit is the row estimate for a list whose limit is unknown.
const DefaultListLimit = 100

// Limits caps the estimated cost of a root field. Zero disables a check.
type Limits struct {
	MaxDepth int
	MaxRows  int
}

// Enabled reports whether any limit is set.
func (l Limits) Enabled() bool {
	return l.MaxDepth > 0 || l.MaxRows > 0
}

// Cost is the estimated shape of one root field.
type Cost struct {
	Depth int
	Rows  int
}

// EstimateCost walks the selection under field. A field taking a limit
// argument counts as a list of that many rows, or fallbackLimit when the
// argument is not a literal; every other field counts as one row. args are
// the coerced arguments of field itself.
func EstimateCost(field *ast.Field, args map[string]interface{}, fragments map[string]ast.Definition, fallbackLimit int) Cost {
	if field == nil {
		return Cost{}
	}
	w := costWalker{fragments: fragments, fallback: fallbackLimit}
	return Cost{
		Depth: w.depth(field, 1),
		Rows:  w.rows(field, args),
	}
}

// LimitError reports which limit a cost exceeded.
type LimitError struct {
	Limit  string // "depth" or "rows"
	Max    int
	Actual int
}

func (e *LimitError) Error() string {
	if e.Limit == "depth" {
		return fmt.Sprintf("query exceeds maximum depth of %d (depth: %d)", e.Max, e.Actual)
	}
	return fmt.Sprintf("query exceeds maximum rows of %d (estimated: %d)", e.Max, e.Actual)
}

// Check returns a *LimitError when cost exceeds l. Depth is checked first.
func (l Limits) Check(cost Cost) error {
	if l.MaxDepth > 0 && cost.Depth > l.MaxDepth {
		return &LimitError{Limit: "depth", Max: l.MaxDepth, Actual: cost.Depth}
	}
	if l.MaxRows > 0 && cost.Rows > l.MaxRows {
		return &LimitError{Limit: "rows", Max: l.MaxRows, Actual: cost.Rows}
	}
	return nil
}

type costWalker struct {
	fragments map[string]ast.Definition
	fallback  int
}

// children flattens fragment spreads and inline fragments into fields.
func (w costWalker) children(set *ast.SelectionSet, seen map[string]bool) []*ast.Field {
	if set == nil {
		return nil
	}
	var out []*ast.Field
	for _, sel := range set.Selections {
		switch s := sel.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			out = append(out, w.children(s.SelectionSet, seen)...)
		case *ast.FragmentSpread:
			if s.Name == nil || seen[s.Name.Value] {
				continue
			}
			def, ok := w.fragments[s.Name.Value].(*ast.FragmentDefinition)
			if !ok {
				continue
			}
			seen[s.Name.Value] = true
			out = append(out, w.children(def.SelectionSet, seen)...)
		}
	}
	return out
}

func (w costWalker) depth(field *ast.Field, current int) int {
	max := current
	for _, sub := range w.children(field.SelectionSet, map[string]bool{}) {
		if d := w.depth(sub, current+1); d > max {
			max = d
		}
	}
	return max
}

func (w costWalker) rows(field *ast.Field, args map[string]interface{}) int {
	limit := w.listLimit(field, args)
	rows := limit
	for _, sub := range w.children(field.SelectionSet, map[string]bool{}) {
		rows += limit * w.rows(sub, nil)
	}
	return rows
}

func (w costWalker) listLimit(field *ast.Field, args map[string]interface{}) int {
	if v, ok := args["limit"].(int); ok && v >= 0 {
		return v
	}
	arg := argumentNamed(field, "limit")
	if arg == nil {
		return 1
	}
	if lit, ok := arg.Value.(*ast.IntValue); ok {
		if n, err := strconv.Atoi(lit.Value); err == nil && n >= 0 {
			return n
		}
	}
	return w.fallback
}

func argumentNamed(field *ast.Field, name string) *ast.Argument {
	for _, arg := range field.Arguments {
		if arg != nil && arg.Name != nil && arg.Name.Value == name {
			return arg
		}
	}
	return nil
}
