package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "cytoid-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authHandler(t *testing.T, cfg AuthConfig) (http.Handler, *AuthContext) {
	t.Helper()
	mw, err := AuthMiddleware(cfg, nil, nil)
	require.NoError(t, err)

	seen := &AuthContext{}
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth, ok := AuthFromContext(r.Context()); ok {
			*seen = auth
		}
		w.WriteHeader(http.StatusOK)
	})), seen
}

func TestAuthMiddleware_AnonymousWithoutToken(t *testing.T) {
	handler, seen := authHandler(t, AuthConfig{JWTSecret: testSecret})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/graphql", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, seen.Subject)
}

func TestAuthMiddleware_ValidHS256Token(t *testing.T) {
	handler, seen := authHandler(t, AuthConfig{JWTSecret: testSecret})
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-1", seen.Subject)
}

func TestAuthMiddleware_RejectsBadTokens(t *testing.T) {
	tests := []struct {
		name   string
		cfg    AuthConfig
		claims jwt.MapClaims
		secret string
	}{
		{
			name:   "wrong secret",
			cfg:    AuthConfig{JWTSecret: testSecret},
			claims: jwt.MapClaims{"sub": "user-1"},
			secret: "other",
		},
		{
			name:   "expired",
			cfg:    AuthConfig{JWTSecret: testSecret, ClockSkew: time.Second},
			claims: jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Hour).Unix()},
			secret: testSecret,
		},
		{
			name:   "missing subject",
			cfg:    AuthConfig{JWTSecret: testSecret},
			claims: jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()},
			secret: testSecret,
		},
		{
			name:   "issuer mismatch",
			cfg:    AuthConfig{JWTSecret: testSecret, Issuer: "https://cytoid.io"},
			claims: jwt.MapClaims{"sub": "user-1", "iss": "https://elsewhere"},
			secret: testSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, seen := authHandler(t, tt.cfg)

			req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, tt.secret, tt.claims))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
			assert.Empty(t, seen.Subject)
		})
	}
}

func TestAuthMiddleware_DisabledIgnoresTokens(t *testing.T) {
	handler, seen := authHandler(t, AuthConfig{})

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, seen.Subject)
}

func TestAuthMiddleware_OIDCRequiresHTTPS(t *testing.T) {
	_, err := AuthMiddleware(AuthConfig{OIDC: OIDCConfig{IssuerURL: "http://issuer", Audience: "cytoid"}}, nil, nil)
	require.Error(t, err)

	_, err = AuthMiddleware(AuthConfig{OIDC: OIDCConfig{IssuerURL: "https://issuer"}}, nil, nil)
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("abc"))
}

func TestRejectionReason(t *testing.T) {
	v := &hmacVerifier{secret: []byte(testSecret), issuer: "cytoid.io"}
	ctx := context.Background()

	expired := signToken(t, testSecret, jwt.MapClaims{"sub": "u", "iss": "cytoid.io", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err := v.Verify(ctx, expired)
	assert.Equal(t, "expired", rejectionReason(err))

	wrongKey := signToken(t, "other-secret", jwt.MapClaims{"sub": "u", "iss": "cytoid.io"})
	_, err = v.Verify(ctx, wrongKey)
	assert.Equal(t, "bad_signature", rejectionReason(err))

	wrongIssuer := signToken(t, testSecret, jwt.MapClaims{"sub": "u", "iss": "elsewhere"})
	_, err = v.Verify(ctx, wrongIssuer)
	assert.Equal(t, "wrong_issuer", rejectionReason(err))

	_, err = v.Verify(ctx, "not-a-jwt")
	assert.Equal(t, "malformed", rejectionReason(err))

	assert.Equal(t, "invalid", rejectionReason(errors.New("token has no subject")))
}
