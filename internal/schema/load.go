package schema

import (
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"cytoid-graphql/internal/naming"
)

// Document is a parsed and validated SDL document with its storage mapping.
type Document struct {
	AST      *ast.Schema
	Metadata *Metadata
}

// LoadOption customizes Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	namer *naming.Namer
}

// WithNamer sets the namer used for default table aliases.
func WithNamer(n *naming.Namer) LoadOption {
	return func(o *loadOptions) {
		o.namer = n
	}
}

// Load parses the SDL, validates it against the directive prelude and
// extracts the storage mapping. Any inconsistency is returned as an error;
// callers treat it as fatal.
func Load(name, sdl string, opts ...LoadOption) (*Document, error) {
	options := loadOptions{namer: naming.Default()}
	for _, opt := range opts {
		opt(&options)
	}

	parsed, loadErr := gqlparser.LoadSchema(
		&ast.Source{Name: "directives.graphql", Input: Prelude},
		&ast.Source{Name: name, Input: sdl},
	)
	if loadErr != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, loadErr)
	}

	meta, err := Extract(parsed, options.namer)
	if err != nil {
		return nil, err
	}
	return &Document{AST: parsed, Metadata: meta}, nil
}
