package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable, e.g. CYGQL_DATABASE_DRIVER.
const EnvPrefix = "CYGQL"

// stdinSource reads a *_file setting from standard input.
const stdinSource = "@-"

// setting is one configuration key. Its default also fixes the flag type.
type setting struct {
	key   string
	def   any
	usage string
	// sectionOnly settings get a flag but no default, so their section stays
	// nil unless configured.
	sectionOnly bool
}

var settings = []setting{
	{key: "database.driver", def: DriverPostgres, usage: "Database driver (postgres, mysql)"},
	{key: "database.dsn", def: "", usage: "Complete driver DSN; overrides the discrete connection flags"},
	{key: "database.dsn_file", def: "", usage: "Path to file containing database DSN (use @- for stdin)"},
	{key: "database.host", def: "localhost", usage: "Database host"},
	{key: "database.port", def: 0, usage: "Database port (0 = driver default)"},
	{key: "database.user", def: "cytoid", usage: "Database user"},
	{key: "database.password", def: "", usage: "Database password"},
	{key: "database.password_file", def: "", usage: "Path to file containing database password (use @- for stdin)"},
	{key: "database.password_prompt", def: false, usage: "Prompt for database password securely"},
	{key: "database.database", def: "cytoid", usage: "Database name"},
	{key: "database.sslmode", def: "", usage: "TLS mode passed to the driver (postgres sslmode, mysql tls)"},
	{key: "database.pool.max_open", def: 25, usage: "Maximum open database connections"},
	{key: "database.pool.max_idle", def: 5, usage: "Maximum idle connections in pool"},
	{key: "database.pool.max_lifetime", def: 5 * time.Minute, usage: "Connection max lifetime"},
	{key: "database.connection_timeout", def: 60 * time.Second, usage: "Max time to wait for database on startup (0 = fail immediately)"},
	{key: "database.connection_retry_interval", def: 2 * time.Second, usage: "Initial interval between connection retries"},

	{key: "server.port", def: 8080, usage: "HTTP server port"},
	{key: "server.graphiql_enabled", def: false, usage: "Serve GraphiQL on GET /graphql (dev only)"},
	{key: "server.max_in_clause", def: 500, usage: "Maximum ids per IN (...) list before queries are chunked"},
	{key: "server.graphql_max_depth", def: 10, usage: "Maximum selection depth of a top-level field (0 = unlimited)"},
	{key: "server.graphql_max_rows", def: 0, usage: "Maximum estimated rows of a top-level field (0 = unlimited)"},
	{key: "server.auth.jwt_secret", def: "", usage: "HMAC secret for HS256 bearer tokens"},
	{key: "server.auth.jwt_secret_file", def: "", usage: "Path to file containing the HMAC secret (use @- for stdin)"},
	{key: "server.auth.jwt_issuer", def: "", usage: "Expected iss claim of HS256 tokens"},
	{key: "server.auth.clock_skew", def: 2 * time.Minute, usage: "Allowed JWT clock skew"},
	{key: "server.auth.oidc_issuer_url", def: "", usage: "OIDC issuer URL (for discovery and JWKS)"},
	{key: "server.auth.oidc_audience", def: "", usage: "Expected JWT audience (client ID)"},
	{key: "server.auth.oidc_skip_tls_verify", def: false, usage: "Skip TLS verification for OIDC provider (dev only)"},
	{key: "server.rate_limit_enabled", def: false, usage: "Enable per-client rate limiting"},
	{key: "server.rate_limit_rps", def: 0.0, usage: "Requests per second allowed per client"},
	{key: "server.rate_limit_burst", def: 0, usage: "Burst size per client"},
	{key: "server.cors_enabled", def: false, usage: "Enable CORS"},
	{key: "server.cors_allowed_origins", def: []string{}, usage: "Allowed CORS origins, wildcards like https://*.cytoid.io allowed"},
	{key: "server.cors_allowed_methods", def: []string{"GET", "POST", "OPTIONS"}, usage: "Allowed CORS methods"},
	{key: "server.cors_allowed_headers", def: []string{"Content-Type", "Authorization"}, usage: "Allowed CORS request headers"},
	{key: "server.cors_expose_headers", def: []string{}, usage: "Extra response headers exposed to browsers"},
	{key: "server.cors_allow_credentials", def: false, usage: "Allow credentials in CORS requests"},
	{key: "server.cors_max_age", def: 86400, usage: "CORS preflight cache duration in seconds"},
	{key: "server.read_timeout", def: 15 * time.Second, usage: "HTTP server read timeout"},
	{key: "server.write_timeout", def: 15 * time.Second, usage: "HTTP server write timeout"},
	{key: "server.idle_timeout", def: 60 * time.Second, usage: "HTTP server idle timeout"},
	{key: "server.shutdown_timeout", def: 30 * time.Second, usage: "Graceful shutdown timeout"},
	{key: "server.health_check_timeout", def: 2 * time.Second, usage: "Database ping timeout of /health"},

	{key: "community.assets_url", def: "https://assets.cytoid.io/", usage: "Base URL prepended to stored asset paths"},

	{key: "observability.service_name", def: "cytoid-graphql", usage: "Service name reported to telemetry backends"},
	{key: "observability.service_version", def: "", usage: "Service version (defaults to the build version)"},
	{key: "observability.environment", def: "development", usage: "Deployment environment (development, staging, production)"},
	{key: "observability.metrics_enabled", def: true, usage: "Expose Prometheus metrics on /metrics"},
	{key: "observability.tracing_enabled", def: false, usage: "Export traces over OTLP"},
	{key: "observability.trace_sample_ratio", def: 1.0, usage: "Trace sampling ratio from 0.0 to 1.0"},
	{key: "observability.logging.level", def: "info", usage: "Log level (debug, info, warn, error)"},
	{key: "observability.logging.format", def: "json", usage: "Log format (json, text)"},
	{key: "observability.logging.exports_enabled", def: false, usage: "Export logs over OTLP"},
	{key: "observability.otlp.endpoint", def: "localhost:4317", usage: "OTLP endpoint shared by all signals"},
	{key: "observability.otlp.protocol", def: "grpc", usage: "OTLP protocol (grpc, http/protobuf)"},
	{key: "observability.otlp.insecure", def: false, usage: "Disable TLS towards the OTLP endpoint"},
	{key: "observability.otlp.tls_cert_file", def: "", usage: "CA certificate for the OTLP endpoint"},
	{key: "observability.otlp.tls_client_cert_file", def: "", usage: "Client certificate for OTLP mTLS"},
	{key: "observability.otlp.tls_client_key_file", def: "", usage: "Client key for OTLP mTLS"},
	{key: "observability.otlp.timeout", def: 10 * time.Second, usage: "OTLP export timeout"},
	{key: "observability.otlp.compression", def: "gzip", usage: "OTLP compression (none, gzip)"},
	{key: "observability.otlp.retry_enabled", def: true, usage: "Retry OTLP exports on transient errors"},
	{key: "observability.traces.endpoint", def: "", usage: "OTLP endpoint for traces only", sectionOnly: true},
	{key: "observability.traces.protocol", def: "", usage: "OTLP protocol for traces", sectionOnly: true},
	{key: "observability.traces.insecure", def: false, usage: "Disable TLS for trace export", sectionOnly: true},
	{key: "observability.traces.timeout", def: time.Duration(0), usage: "Trace export timeout", sectionOnly: true},
	{key: "observability.logs.endpoint", def: "", usage: "OTLP endpoint for logs only", sectionOnly: true},
	{key: "observability.logs.protocol", def: "", usage: "OTLP protocol for logs", sectionOnly: true},
	{key: "observability.logs.insecure", def: false, usage: "Disable TLS for log export", sectionOnly: true},
	{key: "observability.logs.timeout", def: time.Duration(0), usage: "Log export timeout", sectionOnly: true},
}

// secretSource lets key be read from the file named by fileKey.
type secretSource struct {
	key, fileKey, label string
	nonEmpty            bool
}

var secretSources = []secretSource{
	{key: "database.dsn", fileKey: "database.dsn_file", label: "database DSN"},
	{key: "database.password", fileKey: "database.password_file", label: "database password"},
	{key: "server.auth.jwt_secret", fileKey: "server.auth.jwt_secret_file", label: "JWT secret", nonEmpty: true},
}

// DefineFlags registers one flag per setting, named by its dotted key, plus
// --config.
func DefineFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Config file path")
	for _, s := range settings {
		switch def := s.def.(type) {
		case string:
			fs.String(s.key, def, s.usage)
		case int:
			fs.Int(s.key, def, s.usage)
		case bool:
			fs.Bool(s.key, def, s.usage)
		case float64:
			fs.Float64(s.key, def, s.usage)
		case time.Duration:
			fs.Duration(s.key, def, s.usage)
		case []string:
			fs.StringSlice(s.key, def, s.usage)
		default:
			panic(fmt.Sprintf("config: setting %s has unsupported default %T", s.key, s.def))
		}
	}
}

// Load resolves configuration. Later sources win:
//  1. defaults
//  2. the YAML config file
//  3. CYGQL_* environment variables
//  4. flags that were set on fs
//  5. *_file secrets and the interactive password prompt
//
// A nil fs skips flags and --config.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for _, s := range settings {
		if !s.sectionOnly {
			v.SetDefault(s.key, s.def)
		}
	}

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindChangedFlags(v, fs); err != nil {
			return nil, err
		}
	}
	if err := resolveSecrets(v); err != nil {
		return nil, err
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToStringSliceHookFunc(","),
	)
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	path := ""
	if fs != nil {
		path, _ = fs.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("cytoid-graphql")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/cytoid-graphql/")
	v.AddConfigPath("$HOME/.cytoid-graphql")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// bindChangedFlags binds only flags set on the command line, so an unset
// flag never shadows the environment or the config file. Undotted flags
// belong to the command, not the configuration.
func bindChangedFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil || !strings.Contains(f.Name, ".") {
			return
		}
		err = v.BindPFlag(f.Name, f)
	})
	return err
}

func resolveSecrets(v *viper.Viper) error {
	var fromStdin []string
	for _, s := range secretSources {
		if strings.TrimSpace(v.GetString(s.fileKey)) == stdinSource {
			fromStdin = append(fromStdin, s.fileKey)
		}
	}
	if len(fromStdin) > 1 {
		return fmt.Errorf("multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(fromStdin, ", "))
	}

	for _, s := range secretSources {
		path := v.GetString(s.fileKey)
		if v.GetString(s.key) != "" || path == "" {
			continue
		}
		secret, err := readSecretFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s file: %w", s.label, err)
		}
		if secret == "" && s.nonEmpty {
			return fmt.Errorf("%s file %q is empty", s.label, path)
		}
		v.Set(s.key, secret)
	}

	if v.GetString("database.dsn") == "" && v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}
	return nil
}

// promptPassword reads a password without echoing it to the terminal.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter database password: ")
	pwd, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

var stdin io.Reader = os.Stdin

func readSecretFile(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if strings.TrimSpace(path) == stdinSource {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// stringToStringSliceHookFunc splits comma lists coming from env vars and
// YAML scalars.
func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
