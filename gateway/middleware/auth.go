package middleware

import (
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls the admin authenticator. Admin endpoints (window
// control, seal issuance, wallet top-ups, liquidation) require an HMAC JWT
// carrying the admin scope.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	ScopeClaim string
	ClockSkew  time.Duration
}

// Authenticator validates bearer tokens on admin routes.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
}

// NewAuthenticator builds the admin authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// RequireAdmin rejects requests without a valid token carrying the admin
// scope.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			http.Error(w, "admin auth not configured", http.StatusForbidden)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{}
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithLeeway(a.cfg.ClockSkew),
		)
		token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if a.cfg.Issuer != "" {
			if issuer, _ := claims.GetIssuer(); issuer != a.cfg.Issuer {
				http.Error(w, "invalid issuer", http.StatusUnauthorized)
				return
			}
		}
		if !hasScope(claims, a.cfg.ScopeClaim, "admin") {
			http.Error(w, "admin scope required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasScope(claims jwt.MapClaims, claim, want string) bool {
	raw, ok := claims[claim]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			if scope == want {
				return true
			}
		}
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}
