package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"cytoid-graphql/internal/logging"
)

type graphQLRequest struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName"`
}

// Operation summarizes the GraphQL operation a request carries.
type Operation struct {
	Type           string
	Name           string
	FieldCount     int
	SelectionDepth int
	VariableCount  int
}

type operationContextKey struct{}

// OperationFromContext returns the operation stored by GraphQLRequestMiddleware.
func OperationFromContext(ctx context.Context) (*Operation, bool) {
	op, ok := ctx.Value(operationContextKey{}).(*Operation)
	return op, ok && op != nil
}

// GraphQLRequestMiddleware parses the request's operation once and stores the
// summary in the request context for the metrics and tracing middleware.
func GraphQLRequestMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, _ := analyzeRequest(r)
			if op == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), operationContextKey{}, op)
			logger := logging.FromContext(ctx).WithFields(
				"graphql.operation.type", op.Type,
				"graphql.operation.name", op.Name,
			)
			next.ServeHTTP(w, r.WithContext(logging.WithLogger(ctx, logger)))
		})
	}
}

// operationFor reuses an analysis from the context or parses the request.
func operationFor(r *http.Request) *Operation {
	if op, ok := OperationFromContext(r.Context()); ok {
		return op
	}
	op, _ := analyzeRequest(r)
	return op
}

func analyzeRequest(r *http.Request) (*Operation, error) {
	query, operationName := extractGraphQLRequest(r)
	return extractOperation(query, operationName)
}

func extractGraphQLRequest(r *http.Request) (string, string) {
	if r.Method == http.MethodGet {
		return r.URL.Query().Get("query"), r.URL.Query().Get("operationName")
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return "", ""
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if strings.Contains(r.Header.Get("Content-Type"), "application/graphql") {
		return string(body), ""
	}

	var payload graphQLRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	return payload.Query, payload.OperationName
}

func extractOperation(query, operationName string) (*Operation, error) {
	if query == "" {
		return nil, nil
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(query),
			Name: "graphql",
		}),
	})
	if err != nil {
		return nil, err
	}

	fragments := make(map[string]*ast.FragmentDefinition)
	var target, first *ast.OperationDefinition
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.FragmentDefinition:
			fragments[d.Name.Value] = d
		case *ast.OperationDefinition:
			if first == nil {
				first = d
			}
			if target == nil && operationName != "" && d.Name != nil && d.Name.Value == operationName {
				target = d
			}
		}
	}
	if target == nil && operationName == "" {
		target = first
	}
	if target == nil {
		return nil, nil
	}

	op := &Operation{
		Type:          string(target.Operation),
		Name:          operationName,
		VariableCount: len(target.VariableDefinitions),
	}
	if op.Name == "" && target.Name != nil {
		op.Name = target.Name.Value
	}
	if target.SelectionSet != nil {
		op.FieldCount, op.SelectionDepth = countFieldsAndDepth(target.SelectionSet, fragments, 1, map[string]bool{}, map[string]bool{})
	}
	return op, nil
}

// countFieldsAndDepth walks a selection set. Each fragment is expanded at most
// once per traversal, which also stops cyclic spreads.
func countFieldsAndDepth(selectionSet *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, currentDepth int, visited, inFlight map[string]bool) (fields, maxDepth int) {
	if selectionSet == nil {
		return 0, currentDepth - 1
	}
	maxDepth = currentDepth

	merge := func(set *ast.SelectionSet, depth int) {
		n, d := countFieldsAndDepth(set, fragments, depth, visited, inFlight)
		fields += n
		if d > maxDepth {
			maxDepth = d
		}
	}

	for _, selection := range selectionSet.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			fields++
			if sel.SelectionSet != nil {
				merge(sel.SelectionSet, currentDepth+1)
			}
		case *ast.InlineFragment:
			if sel.SelectionSet != nil {
				merge(sel.SelectionSet, currentDepth)
			}
		case *ast.FragmentSpread:
			name := sel.Name.Value
			if inFlight[name] || visited[name] {
				continue
			}
			inFlight[name] = true
			visited[name] = true
			if frag, ok := fragments[name]; ok && frag.SelectionSet != nil {
				merge(frag.SelectionSet, currentDepth)
			}
			delete(inFlight, name)
		}
	}
	return fields, maxDepth
}
