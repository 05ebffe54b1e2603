package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const (
	defaultPostgresPort = 5432
	defaultMySQLPort    = 3306
)

// DriverName returns the database/sql driver name registered for Driver.
func (d *DatabaseConfig) DriverName() string {
	if d.normalizedDriver() == DriverMySQL {
		return "mysql"
	}
	return "pgx"
}

// EffectivePort returns Port, or the driver's default port when unset.
func (d *DatabaseConfig) EffectivePort() int {
	if d.Port > 0 {
		return d.Port
	}
	if d.normalizedDriver() == DriverMySQL {
		return defaultMySQLPort
	}
	return defaultPostgresPort
}

// DataSourceName returns the connection string for DriverName. An explicit DSN is used
// as is, except that MySQL DSNs always parse times as UTC.
func (d *DatabaseConfig) DataSourceName() (string, error) {
	switch d.normalizedDriver() {
	case DriverMySQL:
		return d.mysqlDSN()
	case DriverPostgres:
		return d.postgresDSN(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", d.Driver)
	}
}

func (d *DatabaseConfig) normalizedDriver() string {
	driver := strings.ToLower(strings.TrimSpace(d.Driver))
	switch driver {
	case "", "postgresql", "pgx":
		return DriverPostgres
	case "tidb":
		return DriverMySQL
	default:
		return driver
	}
}

func (d *DatabaseConfig) postgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.EffectivePort())),
		Path:   "/" + d.Database,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", d.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (d *DatabaseConfig) mysqlDSN() (string, error) {
	var cfg *mysql.Config
	if d.DSN != "" {
		parsed, err := mysql.ParseDSN(d.DSN)
		if err != nil {
			return "", fmt.Errorf("invalid mysql DSN: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.EffectivePort()))
		cfg.DBName = d.Database
		if d.SSLMode != "" {
			cfg.TLSConfig = d.SSLMode
		}
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
