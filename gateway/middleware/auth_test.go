package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func adminHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestRequireAdminAcceptsValidToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: "secret", Issuer: "kernel"})
	handler := auth.RequireAdmin(adminHandler())

	token := mintToken(t, "secret", jwt.MapClaims{
		"iss":   "kernel",
		"scope": "admin settle",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdminRejections(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: "secret", Issuer: "kernel"})
	handler := auth.RequireAdmin(adminHandler())

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized},
		{name: "wrong secret", token: mintToken(t, "other", jwt.MapClaims{
			"iss": "kernel", "scope": "admin", "exp": time.Now().Add(time.Hour).Unix(),
		}), status: http.StatusUnauthorized},
		{name: "wrong issuer", token: mintToken(t, "secret", jwt.MapClaims{
			"iss": "someone", "scope": "admin", "exp": time.Now().Add(time.Hour).Unix(),
		}), status: http.StatusUnauthorized},
		{name: "missing scope", token: mintToken(t, "secret", jwt.MapClaims{
			"iss": "kernel", "scope": "settle", "exp": time.Now().Add(time.Hour).Unix(),
		}), status: http.StatusForbidden},
		{name: "expired", token: mintToken(t, "secret", jwt.MapClaims{
			"iss": "kernel", "scope": "admin", "exp": time.Now().Add(-time.Hour).Unix(),
		}), status: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestRequireAdminWithoutSecretLocksOut(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{})
	handler := auth.RequireAdmin(adminHandler())
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScopeListClaim(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{HMACSecret: "secret"})
	handler := auth.RequireAdmin(adminHandler())

	token := mintToken(t, "secret", jwt.MapClaims{
		"scope": []string{"settle", "admin"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
