package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
	"github.com/samber/lo"
)

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", RequestIDHeader}
)

// CORSConfig is the browser access policy for the GraphQL endpoint. Origins
// may use one wildcard, as in "https://*.cytoid.io".
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

// CORSMiddleware answers preflights with 204 and decorates allowed
// cross-origin responses. Empty method and header lists fall back to what
// GraphQL clients send; the request id header is always exposed.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	exposed := lo.UniqBy(append([]string{RequestIDHeader}, cfg.ExposeHeaders...), strings.ToLower)

	return cors.New(cors.Options{
		AllowedOrigins:       cfg.AllowedOrigins,
		AllowedMethods:       methods,
		AllowedHeaders:       headers,
		ExposedHeaders:       exposed,
		AllowCredentials:     cfg.AllowCredentials,
		MaxAge:               cfg.MaxAge,
		OptionsSuccessStatus: http.StatusNoContent,
	}).Handler
}
