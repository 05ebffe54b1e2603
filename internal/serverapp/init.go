package serverapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Init connects telemetry, the database and the GraphQL handler. Calling it
// again after success does nothing. On failure every resource acquired so
// far is released and the app stays uninitialized.
func (a *App) Init(ctx context.Context) (err error) {
	a.mu.Lock()
	done := a.initialized
	a.mu.Unlock()
	if done {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var acquired releasers
	defer func() {
		if err != nil {
			_ = acquired.releaseAll(context.WithoutCancel(ctx), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		provider := a.loggerProvider
		acquired.add("logger provider", func(c context.Context) error {
			return provider.Shutdown(c, a.logger.Logger)
		})
	}

	tel, err := a.initTelemetry(&acquired)
	if err != nil {
		return err
	}
	handler, err := a.initHandler(ctx, tel, &acquired)
	if err != nil {
		return err
	}

	srv := buildServer(a.cfg, handler, fmt.Sprintf(":%d", a.cfg.Server.Port))
	acquired.add("HTTP server", srv.Shutdown)

	a.mu.Lock()
	a.handler = handler
	a.srv = srv
	a.releasers = acquired
	a.initialized = true
	a.mu.Unlock()
	return nil
}

// initHandler opens the database, builds the community schema on top of it
// and returns the instrumented router.
func (a *App) initHandler(ctx context.Context, tel telemetry, acquired *releasers) (http.Handler, error) {
	dbCfg := a.cfg.Database
	a.logger.Info("connecting to database",
		slog.String("driver", dbCfg.DriverName()),
		slog.String("dialect", a.dialect.Name()),
		slog.String("host", dbCfg.Host),
		slog.Int("port", dbCfg.EffectivePort()),
		slog.Bool("dsn_present", dbCfg.DSN != ""),
	)

	db, statsReg, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	acquired.add("database", func(context.Context) error {
		if statsReg != nil {
			if err := statsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})
	if err := configureDatabase(ctx, a.cfg, a.logger, db); err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	schema, err := BuildSchema(a.cfg, a.dialect, buildQueryExecutor(db), tel.graphqlMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build GraphQL schema: %w", err)
	}
	a.logger.Info("GraphQL schema built",
		slog.Int("types", len(schema.TypeMap())),
		slog.Int("max_in_clause", a.cfg.Server.MaxInClause),
		slog.Int("graphql_max_depth", a.cfg.Server.GraphQLMaxDepth),
		slog.Int("graphql_max_rows", a.cfg.Server.GraphQLMaxRows),
	)

	graphqlHandler, err := buildGraphQLHandler(a.cfg, a.logger, &schema, tel.graphqlMetrics, tel.securityMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GraphQL handler: %w", err)
	}
	router := buildRouter(a.cfg, a.logger, db, graphqlHandler, tel.meterProvider)
	return wrapHTTPHandler(a.cfg, a.logger, router), nil
}
