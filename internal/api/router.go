package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/audit"
	"github.com/technosupport/plugin-entitlements/internal/installation"
	"github.com/technosupport/plugin-entitlements/internal/middleware"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
	"github.com/technosupport/plugin-entitlements/internal/tokens"
)

const requestTimeout = 30 * time.Second

// AuditStore is satisfied by *audit.Service.
type AuditStore interface {
	WriteEvent(ctx context.Context, evt audit.Event) error
	QueryEvents(ctx context.Context, f audit.Filter) ([]audit.Event, string, error)
}

type Deps struct {
	Registry    *installation.Registry
	Catalog     *plugin.Catalog
	Audit       AuditStore // optional
	Tokens      middleware.TokenValidator
	Revocations tokens.Revocations // optional
	RateLimit   *middleware.RateLimitMiddleware
	Checks      map[string]Pinger
	// AllowedOrigins applies to CORS and WebSocket upgrades.
	AllowedOrigins []string
	// RevokeTTL bounds how long a revoked token id is remembered.
	RevokeTTL time.Duration
	Logger    *zap.Logger
}

// NewRouter mounts the plugin message surface, the admin API, health and metrics.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.RateLimit == nil {
		d.RateLimit = middleware.NewRateLimitMiddleware(nil, middleware.Config{}, d.Logger)
	}

	msgs := &MessageHandler{Registry: d.Registry, Limits: d.RateLimit, Logger: d.Logger}
	ws := NewWSHandler(msgs, d.AllowedOrigins)
	admin := &AdminHandler{Catalog: d.Catalog, Audit: d.Audit, Revocations: d.Revocations, RevokeTTL: d.RevokeTTL, Logger: d.Logger}
	health := &HealthHandler{Checks: d.Checks}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.AllowedOrigins))

	r.Get("/healthz", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.RateLimit.GlobalLimiter)

		r.Route("/plugins/{pluginID}/installations/{installationID}", func(r chi.Router) {
			r.Use(d.RateLimit.InstallationLimiter)
			r.With(chimiddleware.Timeout(requestTimeout)).Post("/messages", msgs.Post)
			// Long-lived; no request timeout.
			r.Get("/ws", ws.ServeWS)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(d.RateLimit.AdminLimiter)
			r.Use(middleware.NewAdminAuth(d.Tokens, d.Revocations, d.Logger).Middleware)
			r.Use(chimiddleware.Timeout(requestTimeout))

			r.Get("/plugins", admin.ListPlugins)
			r.Post("/keys", admin.MintKey)
			r.Get("/installations/{installationID}/audit", admin.GetAudit)
			r.Post("/tokens/revoke", admin.RevokeToken)
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
