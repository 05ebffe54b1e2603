package serverapp

import (
	"fmt"
	"net/http"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"

	"cytoid-graphql/internal/community"
	"cytoid-graphql/internal/config"
	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/middleware"
	"cytoid-graphql/internal/observability"
	"cytoid-graphql/internal/planner"
	"cytoid-graphql/internal/resolver"
	"cytoid-graphql/internal/sqlutil"
)

// BuildSchema assembles the executable community schema. Every root resolver
// runs its SQL through executor using dialect. metrics may be nil.
func BuildSchema(cfg *config.Config, dialect sqlutil.Dialect, executor dbexec.QueryExecutor, metrics *observability.GraphQLMetrics) (graphql.Schema, error) {
	doc, err := community.Load()
	if err != nil {
		return graphql.Schema{}, err
	}

	opts := []resolver.Option{
		resolver.WithHooks(community.Hooks()),
		resolver.WithMaxInClause(cfg.Server.MaxInClause),
		resolver.WithLimits(planner.Limits{
			MaxDepth: cfg.Server.GraphQLMaxDepth,
			MaxRows:  cfg.Server.GraphQLMaxRows,
		}),
	}
	if metrics != nil {
		opts = append(opts, resolver.WithMetrics(metrics))
	}
	r := resolver.New(executor, planner.NewCompiler(doc.Metadata, dialect), opts...)

	schema, err := community.NewSchema(doc, r, community.Config{
		AssetsURL: cfg.Community.AssetsURL,
		Executor:  executor,
		Dialect:   dialect,
	})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("build community schema: %w", err)
	}
	return schema, nil
}

func authConfig(cfg *config.Config) middleware.AuthConfig {
	return middleware.AuthConfig{
		JWTSecret: cfg.Server.Auth.JWTSecret,
		Issuer:    cfg.Server.Auth.JWTIssuer,
		ClockSkew: cfg.Server.Auth.ClockSkew,
		OIDC: middleware.OIDCConfig{
			IssuerURL:     cfg.Server.Auth.OIDCIssuerURL,
			Audience:      cfg.Server.Auth.OIDCAudience,
			SkipTLSVerify: cfg.Server.Auth.OIDCSkipTLSVerify,
		},
	}
}

// buildGraphQLHandler wraps the graphql-go handler in the GraphQL-specific
// middleware. The chain is:
//
//	auth -> request analysis -> metrics -> tracing -> graphql
func buildGraphQLHandler(cfg *config.Config, logger *logging.Logger, schema *graphql.Schema, graphqlMetrics *observability.GraphQLMetrics, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	var h http.Handler = handler.New(&handler.Config{
		Schema:   schema,
		Pretty:   true,
		GraphiQL: cfg.Server.GraphiQLEnabled,
	})

	h = middleware.GraphQLTracingMiddleware()(h)
	if graphqlMetrics != nil {
		h = middleware.GraphQLMetricsMiddleware(graphqlMetrics)(h)
	}
	h = middleware.GraphQLRequestMiddleware()(h)

	auth := authConfig(cfg)
	if auth.Enabled() {
		authMiddleware, err := middleware.AuthMiddleware(auth, logger, securityMetrics)
		if err != nil {
			return nil, err
		}
		h = authMiddleware(h)
		logger.Info("bearer authentication enabled")
	} else {
		logger.Info("bearer authentication disabled, all requests are anonymous")
	}
	return h, nil
}
