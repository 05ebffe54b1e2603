package middleware

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"cytoid-graphql/internal/logging"
	"cytoid-graphql/internal/observability"
)

// AuthConfig selects how bearer tokens are verified. A shared JWTSecret
// verifies HS256 tokens issued by the account service; OIDC verifies tokens
// against a discovery endpoint. With neither set every request is anonymous.
type AuthConfig struct {
	JWTSecret string
	// Issuer, when set, must match the iss claim of HS256 tokens.
	Issuer    string
	ClockSkew time.Duration
	OIDC      OIDCConfig
}

// OIDCConfig controls OIDC/JWKS validation.
type OIDCConfig struct {
	IssuerURL     string
	Audience      string
	SkipTLSVerify bool
}

// Enabled reports whether any verifier is configured.
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != "" || c.OIDC.IssuerURL != ""
}

type authContextKey struct{}

// AuthContext carries the verified identity of the caller.
type AuthContext struct {
	Subject  string
	Issuer   string
	Audience []string
	Claims   map[string]interface{}
}

// WithAuthContext returns ctx carrying auth.
func WithAuthContext(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthFromContext returns the auth context from a request context.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(AuthContext)
	return auth, ok
}

type tokenVerifier interface {
	Verify(ctx context.Context, token string) (AuthContext, error)
	// Method names the verifier in logs and metrics.
	Method() string
}

// AuthMiddleware authenticates optional bearer tokens. Requests without a
// token continue anonymously; a token that fails verification is rejected.
func AuthMiddleware(cfg AuthConfig, logger *logging.Logger, metrics *observability.SecurityMetrics) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 2 * time.Minute
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r.Header.Get("Authorization"))
			if tokenString == "" {
				if metrics != nil {
					metrics.RecordAnonymous(r.Context())
				}
				next.ServeHTTP(w, r)
				return
			}

			auth, err := verifier.Verify(r.Context(), tokenString)
			if err != nil {
				if metrics != nil {
					metrics.RecordRejected(r.Context(), verifier.Method(), rejectionReason(err))
				}
				logging.FromContext(r.Context()).Warn("token validation failed",
					slog.String("error", err.Error()),
					slog.String("method", verifier.Method()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				writeUnauthorized(w, "invalid token")
				return
			}

			if metrics != nil {
				metrics.RecordAuthenticated(r.Context(), verifier.Method())
			}
			logging.FromContext(r.Context()).Debug("authentication successful",
				slog.String("subject", auth.Subject),
				slog.String("issuer", auth.Issuer),
			)

			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("auth.subject", auth.Subject),
					attribute.Bool("auth.authenticated", true),
				)
			}

			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), auth)))
		})
	}, nil
}

func newVerifier(cfg AuthConfig, logger *logging.Logger) (tokenVerifier, error) {
	if cfg.JWTSecret != "" {
		return &hmacVerifier{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, skew: cfg.ClockSkew}, nil
	}
	return newOIDCVerifier(cfg.OIDC, logger)
}

// hmacVerifier checks HS256 tokens signed with a shared secret.
type hmacVerifier struct {
	secret []byte
	issuer string
	skew   time.Duration
}

func (v *hmacVerifier) Method() string { return "hs256" }

func (v *hmacVerifier) Verify(_ context.Context, tokenString string) (AuthContext, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.skew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return AuthContext{}, err
	}
	if !token.Valid {
		return AuthContext{}, errors.New("token is invalid")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return AuthContext{}, errors.New("token has no subject")
	}
	issuer, _ := claims.GetIssuer()
	aud, _ := claims.GetAudience()
	return AuthContext{
		Subject:  subject,
		Issuer:   issuer,
		Audience: aud,
		Claims:   claims,
	}, nil
}

type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
	issuer   string
}

func newOIDCVerifier(cfg OIDCConfig, logger *logging.Logger) (*oidcVerifier, error) {
	if cfg.Audience == "" {
		return nil, errors.New("oidc auth enabled but audience not configured")
	}
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oidc issuer url: %w", err)
	}
	if issuerURL.Scheme != "https" {
		return nil, errors.New("oidc issuer url must use https")
	}
	if logger != nil && cfg.SkipTLSVerify {
		logger.Warn("oidc tls verification is disabled; enable only for local development",
			"issuer", cfg.IssuerURL,
		)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify},
		},
		Timeout: 10 * time.Second,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oidc provider: %w", err)
	}
	return &oidcVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.Audience}),
		issuer:   cfg.IssuerURL,
	}, nil
}

func (v *oidcVerifier) Method() string { return "oidc" }

func (v *oidcVerifier) Verify(ctx context.Context, tokenString string) (AuthContext, error) {
	idToken, err := v.verifier.Verify(ctx, tokenString)
	if err != nil {
		return AuthContext{}, err
	}
	claims := map[string]interface{}{}
	if err := idToken.Claims(&claims); err != nil {
		return AuthContext{}, fmt.Errorf("parse claims: %w", err)
	}
	return AuthContext{
		Subject:  idToken.Subject,
		Issuer:   v.issuer,
		Audience: idToken.Audience,
		Claims:   claims,
	}, nil
}

// rejectionReason buckets a verification error for metrics.
func rejectionReason(err error) string {
	var expired *oidc.TokenExpiredError
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.As(err, &expired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not_yet_valid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "wrong_issuer"
	default:
		return "invalid"
	}
}

func bearerToken(value string) string {
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":"%s"}`, message)
}
