package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type AdminAuth struct {
	tokens      TokenValidator
	revocations tokens.Revocations
	logger      *zap.Logger
}

// NewAdminAuth builds the admin guard. revocations may be nil.
func NewAdminAuth(t TokenValidator, rev tokens.Revocations, logger *zap.Logger) *AdminAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAuth{tokens: t, revocations: rev, logger: logger}
}

// Middleware verifies an admin bearer token and injects AdminContext.
func (m *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearer(r)
		if !ok {
			unauthorized(w)
			return
		}

		claims, err := m.tokens.ValidateToken(tokenString)
		if err != nil {
			m.logger.Debug("admin token rejected", zap.Error(err))
			unauthorized(w)
			return
		}
		if claims.TokenType != tokens.Admin {
			unauthorized(w)
			return
		}

		if m.revocations != nil && claims.ID != "" {
			revoked, err := m.revocations.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				// Fail closed.
				m.logger.Error("revocation lookup failed", zap.Error(err))
				unauthorized(w)
				return
			}
			if revoked {
				unauthorized(w)
				return
			}
		}

		ac := &AdminContext{Subject: claims.Subject, TokenID: claims.ID}
		if claims.ExpiresAt != nil {
			ac.ExpiresAt = claims.ExpiresAt.Time
		}
		next.ServeHTTP(w, r.WithContext(WithAdminContext(r.Context(), ac)))
	})
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="entitlements-admin"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
