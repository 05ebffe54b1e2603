package serverapp

import (
	"context"
	"fmt"

	"github.com/graphql-go/graphql"

	"cytoid-graphql/internal/config"
	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/middleware"
	"cytoid-graphql/internal/sqlutil"
)

// ExplainRequest is a GraphQL document to compile without a database.
type ExplainRequest struct {
	Query         string
	OperationName string
	Variables     map[string]interface{}
	// Subject, when set, runs the document as that authenticated viewer.
	Subject string
}

// ExplainResult holds the statements the root resolvers issued, in order.
type ExplainResult struct {
	Dialect    string
	Statements []dbexec.Statement
	Errors     []error
}

// Explain executes req against the community schema with a recording
// executor. Root resolvers see no rows, so nested roots that depend on
// parent data are not reached.
func Explain(ctx context.Context, cfg *config.Config, req ExplainRequest) (*ExplainResult, error) {
	dialect, err := sqlutil.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	recorder := dbexec.NewRecordingExecutor()
	schema, err := BuildSchema(cfg, dialect, recorder, nil)
	if err != nil {
		return nil, err
	}

	if req.Subject != "" {
		ctx = middleware.WithAuthContext(ctx, middleware.AuthContext{Subject: req.Subject})
	}

	result := graphql.Do(graphql.Params{
		Schema:         schema,
		RequestString:  req.Query,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
		Context:        ctx,
	})

	out := &ExplainResult{
		Dialect:    dialect.Name(),
		Statements: recorder.Statements(),
	}
	for _, gqlErr := range result.Errors {
		out.Errors = append(out.Errors, fmt.Errorf("%s", gqlErr.Message))
	}
	return out, nil
}
