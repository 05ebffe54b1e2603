package schema

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// Directive names recognised by the extractor.
const (
	DirectiveColumn   = "column"
	DirectiveRelation = "relation"
	DirectiveReverse  = "reverse"
	DirectiveToOne    = "toOne"
	DirectiveToMany   = "toMany"
)

// Prelude declares the storage directives. Load prepends it to every document.
const Prelude = `
"Stores the field in a column of the owning table. name defaults to the field name."
directive @column(name: String, primary: Boolean) on FIELD_DEFINITION

"Joins one related row through the @column foreign key. key defaults to the related primary column."
directive @relation(name: String, key: String, select: [String!]) on FIELD_DEFINITION

"Aggregates related rows whose key column references ownerKey (default: the owner's primary column)."
directive @reverse(name: String, key: String!, ownerKey: String, select: [String!]) on FIELD_DEFINITION

"Resolves the field with its own single-row query against table name."
directive @toOne(name: String, field: String) on FIELD_DEFINITION

"Resolves the field with its own multi-row query against table name."
directive @toMany(name: String, field: String) on FIELD_DEFINITION
`

func stringArg(d *ast.Directive, name string) (string, bool) {
	if d == nil {
		return "", false
	}
	arg := d.Arguments.ForName(name)
	if arg == nil || arg.Value == nil || arg.Value.Kind == ast.NullValue {
		return "", false
	}
	return arg.Value.Raw, true
}

func boolArg(d *ast.Directive, name string) bool {
	raw, ok := stringArg(d, name)
	return ok && raw == "true"
}

func listArg(d *ast.Directive, name string) []string {
	if d == nil {
		return nil
	}
	arg := d.Arguments.ForName(name)
	if arg == nil || arg.Value == nil || arg.Value.Kind != ast.ListValue {
		return nil
	}
	out := make([]string, 0, len(arg.Value.Children))
	for _, child := range arg.Value.Children {
		if child.Value != nil {
			out = append(out, child.Value.Raw)
		}
	}
	return out
}
