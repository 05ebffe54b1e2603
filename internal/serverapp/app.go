// Package serverapp wires configuration, telemetry, the database and the
// community GraphQL schema into an HTTP server and manages its lifecycle.
package serverapp

import (
	"fmt"
	"net/http"
	"sync"

	"cytoid-graphql/internal/config"
	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/observability"
	"cytoid-graphql/internal/sqlutil"
)

// App owns the resources of one server process. Resources acquired by Init
// are released newest first by Shutdown.
type App struct {
	cfg     *config.Config
	logger  *logging.Logger
	dialect sqlutil.Dialect

	loggerProvider *observability.LoggerProvider

	mu          sync.Mutex
	initialized bool
	handler     http.Handler
	srv         *http.Server
	releasers   releasers

	closeOnce sync.Once
}

// New creates an App lifecycle wrapper. It fails fast on a driver with no
// SQL dialect.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	dialect, err := sqlutil.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve SQL dialect: %w", err)
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		dialect: dialect,
	}, nil
}

// AttachLoggerProvider hands the OTLP logger provider to the app so it is
// flushed last on shutdown.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the root HTTP handler, or nil before Init.
func (a *App) Handler() http.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}
