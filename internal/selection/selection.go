// Package selection flattens a GraphQL field's selection set into the
// concrete fields the client asked for.
package selection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
)

// ErrFragmentCycle is returned when a fragment spreads itself, directly or
// through other fragments.
var ErrFragmentCycle = errors.New("fragment cycle")

// Field is one selected field with its flattened sub-selection.
type Field struct {
	Name     string
	Alias    string
	Children []Field
}

// HasChildren reports whether the field selects sub-fields.
func (f Field) HasChildren() bool {
	return len(f.Children) > 0
}

// scopedSet is a selection set together with the fragments being expanded
// when it was reached.
type scopedSet struct {
	set    *ast.SelectionSet
	active map[string]bool
}

type group struct {
	name  string
	alias string
	sets  []scopedSet
}

type analyzer struct {
	fragments map[string]ast.Definition
	vars      map[string]interface{}
}

// Analyze returns the flattened sub-selection of the given field nodes.
// Fragment spreads and inline fragments are inlined, @skip and @include are
// applied, meta fields starting with "__" are dropped and fields requested
// more than once are merged by name in first-seen order.
func Analyze(fields []*ast.Field, fragments map[string]ast.Definition, vars map[string]interface{}) ([]Field, error) {
	a := &analyzer{fragments: fragments, vars: vars}
	sets := make([]scopedSet, 0, len(fields))
	for _, f := range fields {
		if f == nil || f.SelectionSet == nil {
			continue
		}
		sets = append(sets, scopedSet{set: f.SelectionSet, active: map[string]bool{}})
	}
	return a.flatten(sets)
}

func (a *analyzer) flatten(sets []scopedSet) ([]Field, error) {
	var order []*group
	index := map[string]*group{}

	var collect func(selections []ast.Selection, active map[string]bool) error
	collect = func(selections []ast.Selection, active map[string]bool) error {
		for _, selection := range selections {
			switch sel := selection.(type) {
			case *ast.Field:
				if sel.Name == nil || strings.HasPrefix(sel.Name.Value, "__") {
					continue
				}
				if !a.included(sel.Directives) {
					continue
				}
				name := sel.Name.Value
				g, ok := index[name]
				if !ok {
					g = &group{name: name, alias: name}
					if sel.Alias != nil && sel.Alias.Value != "" {
						g.alias = sel.Alias.Value
					}
					index[name] = g
					order = append(order, g)
				}
				if sel.SelectionSet != nil {
					g.sets = append(g.sets, scopedSet{set: sel.SelectionSet, active: active})
				}
			case *ast.InlineFragment:
				if !a.included(sel.Directives) || sel.SelectionSet == nil {
					continue
				}
				if err := collect(sel.SelectionSet.Selections, active); err != nil {
					return err
				}
			case *ast.FragmentSpread:
				if sel.Name == nil || !a.included(sel.Directives) {
					continue
				}
				name := sel.Name.Value
				if active[name] {
					return fmt.Errorf("%w: fragment %q spreads itself", ErrFragmentCycle, name)
				}
				def, ok := a.fragments[name]
				if !ok {
					return fmt.Errorf("unknown fragment %q", name)
				}
				fragment, ok := def.(*ast.FragmentDefinition)
				if !ok || fragment.SelectionSet == nil {
					continue
				}
				nested := make(map[string]bool, len(active)+1)
				for k := range active {
					nested[k] = true
				}
				nested[name] = true
				if err := collect(fragment.SelectionSet.Selections, nested); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, s := range sets {
		if err := collect(s.set.Selections, s.active); err != nil {
			return nil, err
		}
	}

	out := make([]Field, 0, len(order))
	for _, g := range order {
		children, err := a.flatten(g.sets)
		if err != nil {
			return nil, err
		}
		out = append(out, Field{Name: g.name, Alias: g.alias, Children: children})
	}
	return out, nil
}

// included applies @skip(if:) and @include(if:).
func (a *analyzer) included(directives []*ast.Directive) bool {
	for _, d := range directives {
		if d == nil || d.Name == nil {
			continue
		}
		switch d.Name.Value {
		case "skip":
			if a.condition(d) {
				return false
			}
		case "include":
			if !a.condition(d) {
				return false
			}
		}
	}
	return true
}

func (a *analyzer) condition(d *ast.Directive) bool {
	for _, arg := range d.Arguments {
		if arg == nil || arg.Name == nil || arg.Name.Value != "if" {
			continue
		}
		switch v := arg.Value.(type) {
		case *ast.BooleanValue:
			return v.Value
		case *ast.Variable:
			if v.Name == nil {
				return false
			}
			b, _ := a.vars[v.Name.Value].(bool)
			return b
		}
	}
	return false
}

// Names returns the field names in order.
func Names(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// Find returns the field with the given name.
func Find(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// OnlyField reports whether fields is exactly the single field name.
func OnlyField(fields []Field, name string) bool {
	return len(fields) == 1 && fields[0].Name == name
}
