package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"cytoid-graphql/internal/logging"
)

type releaser struct {
	name    string
	release func(context.Context) error
}

// releasers holds acquired resources in acquisition order.
type releasers []releaser

func (rs *releasers) add(name string, release func(context.Context) error) {
	*rs = append(*rs, releaser{name: name, release: release})
}

// releaseAll releases newest first. A failure does not stop the remaining
// releases; all failures are joined into the result.
func (rs *releasers) releaseAll(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(*rs) - 1; i >= 0; i-- {
		r := (*rs)[i]
		logger.Debug("releasing resource", slog.String("component", r.name))
		if err := r.release(ctx); err != nil {
			logger.Warn("failed to release resource",
				slog.String("component", r.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	*rs = nil
	return errors.Join(errs...)
}

// Serve initializes the app, listens on the configured port and blocks until
// ctx is done or the server fails. All resources are released before it
// returns.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	addr := a.srv.Addr
	a.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = a.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return a.serveOn(ctx, ln)
}

func (a *App) serveOn(ctx context.Context, ln net.Listener) error {
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv == nil {
		_ = ln.Close()
		return errors.New("app is not initialized")
	}
	a.logStartup(ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server gracefully")
		shutdownCtx := context.WithoutCancel(ctx)
		if timeout := a.cfg.Server.ShutdownTimeout; timeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, timeout)
			defer cancel()
		}
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) logStartup(addr net.Addr) {
	attrs := []any{
		slog.String("address", addr.String()),
		slog.String("graphql_endpoint", routeGraphQL),
		slog.String("health_endpoint", routeHealth),
		slog.Bool("graphiql", a.cfg.Server.GraphiQLEnabled),
	}
	if a.cfg.Observability.MetricsEnabled {
		attrs = append(attrs, slog.String("metrics_endpoint", routeMetrics))
	}
	if a.cfg.Server.RateLimitEnabled {
		attrs = append(attrs,
			slog.Float64("rate_limit_rps", a.cfg.Server.RateLimitRPS),
			slog.Int("rate_limit_burst", a.cfg.Server.RateLimitBurst),
		)
	}
	a.logger.Info("server listening", attrs...)
}

// Shutdown releases everything Init acquired. Only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		acquired := a.releasers
		a.releasers = nil
		a.mu.Unlock()
		err = acquired.releaseAll(ctx, a.logger)
	})
	return err
}
