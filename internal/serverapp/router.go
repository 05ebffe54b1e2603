package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cytoid-graphql/internal/config"
	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/middleware"
	"cytoid-graphql/internal/observability"
)

const (
	routeGraphQL = "/graphql"
	routeHealth  = "/health"
	routeMetrics = "/metrics"
)

// buildRouter mounts the endpoints. Request logging, CORS and the rate limit
// apply to every route; the GraphQL chain only to /graphql.
func buildRouter(cfg *config.Config, logger *logging.Logger, db pinger, graphqlHandler http.Handler, meterProvider *observability.MeterProvider) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.CORSEnabled {
		r.Use(middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          true,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   cfg.Server.CORSAllowedMethods,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			ExposeHeaders:    cfg.Server.CORSExposeHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
		}))
		logger.Info("CORS enabled", slog.Any("allowed_origins", cfg.Server.CORSAllowedOrigins))
	}
	if cfg.Server.RateLimitEnabled {
		r.Use(middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: true,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		}))
	}

	r.Handle(routeGraphQL, graphqlHandler)
	r.Get(routeHealth, healthHandler(db, cfg.Server.HealthCheckTimeout))
	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		r.Handle(routeMetrics, promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", routeMetrics))
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, routeGraphQL, http.StatusFound)
	})

	return r
}

// wrapHTTPHandler adds the otelhttp server span around the router.
func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		return handler
	}
	logger.Info("HTTP instrumentation enabled")
	return otelhttp.NewHandler(handler, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return httpRootSpanName(r)
		}),
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
	)
}

// httpRootSpanName keeps span names low-cardinality: unknown paths collapse
// to "/*".
func httpRootSpanName(r *http.Request) string {
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	switch r.URL.Path {
	case "/", routeGraphQL, routeHealth, routeMetrics:
		return method + " " + r.URL.Path
	default:
		return method + " /*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:              serverAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}

// healthHandler reports whether the database answers a ping within timeout.
func healthHandler(db pinger, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}

var _ pinger = (*sql.DB)(nil)
