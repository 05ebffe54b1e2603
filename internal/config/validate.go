package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError is a fatal configuration problem tied to a setting.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning is a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult collects the outcome of Validate.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors reports whether any fatal problem was found.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error joins all errors into one message.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) warn(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration. Errors are fatal; warnings are logged.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Server.validate(result)
	c.Community.validate(result)
	c.Observability.validate(result)
	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	switch d.normalizedDriver() {
	case DriverPostgres, DriverMySQL:
	default:
		result.fail("database.driver", fmt.Sprintf("unsupported driver %q", d.Driver), "valid values are: postgres, mysql")
		return
	}

	if d.DSN == "" {
		if strings.TrimSpace(d.Host) == "" {
			result.fail("database.host", "host is required when dsn is not set", "")
		}
		if strings.TrimSpace(d.Database) == "" {
			result.fail("database.database", "database name is required when dsn is not set", "")
		}
	} else if _, err := d.DataSourceName(); err != nil {
		result.fail("database.dsn", err.Error(), "")
	}

	if d.Port < 0 || d.Port > 65535 {
		result.fail("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
	}
	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		result.warn("database.pool.max_idle", "max_idle exceeds max_open", "the driver caps idle connections at max_open")
	}
	if d.ConnectionTimeout < 0 {
		result.fail("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval <= 0 {
		result.fail("database.connection_retry_interval", "retry interval must be positive when connection_timeout is set", "")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.fail("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}
	if s.MaxInClause < 0 {
		result.fail("server.max_in_clause", "max_in_clause cannot be negative", "use 0 for the built-in default")
	}
	if s.GraphQLMaxDepth < 0 {
		result.fail("server.graphql_max_depth", "graphql_max_depth cannot be negative", "use 0 to disable the depth limit")
	}
	if s.GraphQLMaxRows < 0 {
		result.fail("server.graphql_max_rows", "graphql_max_rows cannot be negative", "use 0 to disable the row limit")
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.fail("server.rate_limit_rps", "rate limit enabled but rps is not positive", "set rate_limit_rps or disable rate limiting")
		}
		if s.RateLimitBurst <= 0 {
			result.fail("server.rate_limit_burst", "rate limit enabled but burst is not positive", "set rate_limit_burst or disable rate limiting")
		}
	}

	if s.CORSEnabled {
		if len(s.CORSAllowedOrigins) == 0 {
			result.fail("server.cors_allowed_origins", "CORS enabled but no allowed origins configured", "set cors_allowed_origins or disable CORS")
		}
		hasWildcard := false
		for _, origin := range s.CORSAllowedOrigins {
			if strings.TrimSpace(origin) == "*" {
				hasWildcard = true
				break
			}
		}
		if hasWildcard && s.CORSAllowCredentials {
			result.fail("server.cors_allowed_origins", "wildcard origin (*) cannot be used with credentials",
				"use specific origins with credentials, or wildcard without credentials")
		}
		if hasWildcard {
			result.warn("server.cors_allowed_origins", "CORS wildcard origin enabled", "use specific origins in production")
		}
	}

	s.Auth.validate(result)

	for field, d := range map[string]int64{
		"server.read_timeout":         int64(s.ReadTimeout),
		"server.write_timeout":        int64(s.WriteTimeout),
		"server.idle_timeout":         int64(s.IdleTimeout),
		"server.shutdown_timeout":     int64(s.ShutdownTimeout),
		"server.health_check_timeout": int64(s.HealthCheckTimeout),
	} {
		if d < 0 {
			result.fail(field, "timeout cannot be negative", "")
		}
	}
}

func (a *AuthConfig) validate(result *ValidationResult) {
	if a.JWTSecret != "" && a.OIDCIssuerURL != "" {
		result.fail("server.auth.jwt_secret", "jwt_secret and oidc_issuer_url are mutually exclusive",
			"configure either HS256 tokens or an OIDC provider")
	}
	if a.JWTSecret != "" && len(a.JWTSecret) < 32 {
		result.warn("server.auth.jwt_secret", "jwt_secret is shorter than 32 bytes", "use a longer random secret")
	}
	if a.OIDCIssuerURL != "" {
		u, err := url.Parse(a.OIDCIssuerURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			result.fail("server.auth.oidc_issuer_url", fmt.Sprintf("issuer URL %q must be an absolute https URL", a.OIDCIssuerURL), "")
		}
		if a.OIDCAudience == "" {
			result.fail("server.auth.oidc_audience", "audience is required when an OIDC issuer is configured", "")
		}
		if a.OIDCSkipTLSVerify {
			result.warn("server.auth.oidc_skip_tls_verify", "TLS verification disabled for OIDC provider", "only use this in development")
		}
	}
	if a.ClockSkew < 0 {
		result.fail("server.auth.clock_skew", "clock_skew cannot be negative", "")
	}
}

func (c *CommunityConfig) validate(result *ValidationResult) {
	if c.AssetsURL == "" {
		return
	}
	u, err := url.Parse(c.AssetsURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		result.fail("community.assets_url", fmt.Sprintf("invalid assets URL %q", c.AssetsURL), "use an absolute URL such as https://assets.cytoid.io/")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level), "valid values are: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.fail("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format), "valid values are: json, text")
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", fmt.Sprintf("sample ratio %v is outside 0.0-1.0", o.TraceSampleRatio), "")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.fail(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol), "valid values are: grpc, http/protobuf")
	}

	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint), "use host:port or a full URL")
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.fail(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression), "valid values are: none, gzip")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
