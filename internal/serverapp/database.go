package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/avast/retry-go"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"cytoid-graphql/internal/config"
	"cytoid-graphql/internal/dbexec"
	"cytoid-graphql/internal/logging"
)

// maxRetryDelay caps the exponential backoff between startup pings.
const maxRetryDelay = 30 * time.Second

func dbSystemAttribute(cfg config.DatabaseConfig) attribute.KeyValue {
	if cfg.DriverName() == "mysql" {
		return semconv.DBSystemMySQL
	}
	return semconv.DBSystemPostgreSQL
}

// connectDB opens the pool, wrapped by otelsql when metrics or tracing are on.
// It does not touch the network; configureDatabase does.
func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	driverName := cfg.Database.DriverName()
	dsn, err := cfg.Database.DataSourceName()
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	system := dbSystemAttribute(cfg.Database)
	opts := []otelsql.Option{otelsql.WithAttributes(system)}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}

	db, err := otelsql.Open(driverName, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			dbStatsReg = nil
		}
	}

	logger.Info("database instrumentation enabled",
		slog.String("db_system", system.Value.AsString()),
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg.Database, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database", cfg.Database.Database),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// waitForDatabase pings until the database answers or ConnectionTimeout
// elapses, backing off exponentially from ConnectionRetryInterval. A zero
// timeout means a single attempt.
func waitForDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger, db pinger) error {
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		return db.PingContext(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return db.PingContext(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts(timeout, cfg.ConnectionRetryInterval)),
		retry.Delay(cfg.ConnectionRetryInterval),
		retry.MaxDelay(maxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("database not ready, retrying",
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("database not available after %v: %w", timeout, err)
	}
	if attempts > 1 {
		logger.Info("database connection established", slog.Int("attempts", attempts))
	}
	return nil
}

// retryAttempts returns how many pings fit into timeout when the delay
// starts at interval and doubles up to maxRetryDelay.
func retryAttempts(timeout, interval time.Duration) uint {
	if interval <= 0 {
		return 1
	}
	attempts := uint(1)
	delay := interval
	for elapsed := time.Duration(0); elapsed+delay <= timeout; {
		elapsed += delay
		attempts++
		delay = min(delay*2, maxRetryDelay)
	}
	return attempts
}

func buildQueryExecutor(db *sql.DB) dbexec.QueryExecutor {
	return dbexec.NewStandardExecutor(db)
}
