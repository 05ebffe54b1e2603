// Package community defines the Cytoid community schema: its SDL, the query
// hooks that add lookups and visibility rules, and the field resolvers for
// values that are derived rather than stored.
package community

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"

	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/resolver"
	"cytoid-graphql/internal/scalars"
	"cytoid-graphql/internal/schema"
	"cytoid-graphql/internal/sqlutil"
)

//go:embed schema.graphql
var SDL string

const (
	// DefaultListLimit applies when Query.levels gets no limit.
	DefaultListLimit = 30
	// MaxListLimit caps Query.levels and Collection.levels.
	MaxListLimit = 100
)

// Config carries deployment settings the resolvers need. Without an
// Executor the Profile statistics fields are left unresolved.
type Config struct {
	AssetsURL string
	Executor  dbexec.QueryExecutor
	Dialect   sqlutil.Dialect
}

// Load parses the community SDL and extracts its storage metadata.
func Load() (*schema.Document, error) {
	doc, err := schema.Load("community.graphql", SDL)
	if err != nil {
		return nil, fmt.Errorf("load community schema: %w", err)
	}
	return doc, nil
}

// NewSchema builds the executable schema. r must have been created with
// Hooks so root fields get their lookups.
func NewSchema(doc *schema.Document, r *resolver.Resolver, cfg Config) (graphql.Schema, error) {
	return schema.Build(doc, schema.BuildConfig{
		Bindings:  r.Bind,
		Resolvers: Resolvers(cfg),
		Scalars:   scalars.All(),
	})
}

// Resolvers returns the field resolvers for derived values and, given an
// executor, the Profile statistics.
func Resolvers(cfg Config) schema.Resolvers {
	r := schema.Resolvers{
		"File": {
			"url": fileURL(cfg.AssetsURL),
		},
		"Level": {
			"state": levelState,
			"tags":  stringList("tags"),
		},
		"Collection": {
			"levelCount": levelCount,
			"tags":       stringList("tags"),
		},
	}
	if cfg.Executor != nil && cfg.Dialect != nil {
		r["Profile"] = NewProfileStats(cfg.Executor, cfg.Dialect).Resolvers()
	}
	return r
}

func sourceMap(p graphql.ResolveParams) map[string]interface{} {
	m, _ := p.Source.(map[string]interface{})
	return m
}

func fileURL(assetsURL string) graphql.FieldResolveFn {
	base := strings.TrimRight(assetsURL, "/")
	return func(p graphql.ResolveParams) (interface{}, error) {
		path, _ := sourceMap(p)["url"].(string)
		if path == "" {
			return nil, nil
		}
		if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || base == "" {
			return path, nil
		}
		return base + "/" + strings.TrimLeft(path, "/"), nil
	}
}

// levelState maps the nullable published flag: true is public, false is
// private and null is unlisted.
func levelState(p graphql.ResolveParams) (interface{}, error) {
	published, known := publishedFlag(sourceMap(p)["state"])
	switch {
	case !known:
		return "UNLISTED", nil
	case published:
		return "PUBLIC", nil
	default:
		return "PRIVATE", nil
	}
}

func publishedFlag(v interface{}) (published, known bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case int64:
		return val != 0, true
	case string:
		switch strings.ToLower(val) {
		case "1", "t", "true":
			return true, true
		case "0", "f", "false":
			return false, true
		}
	}
	return false, false
}

func levelCount(p graphql.ResolveParams) (interface{}, error) {
	return len(resolver.ListValue(sourceMap(p)["levelCount"])), nil
}

func stringList(field string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		items := resolver.ListValue(sourceMap(p)[field])
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = fmt.Sprint(item)
		}
		return out, nil
	}
}
