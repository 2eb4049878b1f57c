package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/metrics"
	"github.com/technosupport/plugin-entitlements/internal/ratelimit"
)

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, scope ratelimit.Scope, subject string, cfg ratelimit.LimitConfig) (*ratelimit.Decision, error)
	HashIP(ip string) string
}

type Config struct {
	GlobalIP     ratelimit.LimitConfig `yaml:"global_ip"`
	Installation ratelimit.LimitConfig `yaml:"installation"`
	Activation   ratelimit.LimitConfig `yaml:"activation"`
	Admin        ratelimit.LimitConfig `yaml:"admin"`
	// TrustForwardedFor keys the IP limit on X-Forwarded-For. Enable only behind a proxy.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

type RateLimitMiddleware struct {
	limiter Limiter
	config  Config
	logger  *zap.Logger
}

// NewRateLimitMiddleware returns a pass-through middleware when l is nil.
func NewRateLimitMiddleware(l Limiter, c Config, logger *zap.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitMiddleware{limiter: l, config: c, logger: logger}
}

// GlobalLimiter limits every request by client IP. Redis failures fail open.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeGlobalIP, m.config.GlobalIP, false, func(r *http.Request) string {
		return m.limiter.HashIP(m.clientIP(r))
	}, next)
}

// InstallationLimiter limits message traffic per installation route parameter.
func (m *RateLimitMiddleware) InstallationLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeInstallation, m.config.Installation, false, func(r *http.Request) string {
		return chi.URLParam(r, "installationID")
	}, next)
}

// AdminLimiter limits admin calls per client IP. Redis failures fail closed.
func (m *RateLimitMiddleware) AdminLimiter(next http.Handler) http.Handler {
	return m.limit(ratelimit.ScopeAdmin, m.config.Admin, true, func(r *http.Request) string {
		return m.limiter.HashIP(m.clientIP(r))
	}, next)
}

// AllowActivation charges one activation attempt to the installation. Redis failures
// allow the attempt.
func (m *RateLimitMiddleware) AllowActivation(ctx context.Context, installationID string) (*ratelimit.Decision, bool) {
	if m.limiter == nil {
		return nil, true
	}
	d, err := m.limiter.Allow(ctx, ratelimit.ScopeActivation, installationID, m.config.Activation)
	if err != nil {
		m.logger.Warn("activation rate limit unavailable, failing open", zap.Error(err))
		return nil, true
	}
	if !d.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(string(ratelimit.ScopeActivation)).Inc()
	}
	return d, d.Allowed
}

func (m *RateLimitMiddleware) limit(scope ratelimit.Scope, cfg ratelimit.LimitConfig, failClosed bool, subject func(*http.Request) string, next http.Handler) http.Handler {
	if m.limiter == nil || cfg.Disabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := subject(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := m.limiter.Allow(r.Context(), scope, key, cfg)
		if err != nil {
			if failClosed {
				m.logger.Error("rate limit unavailable, failing closed", zap.String("scope", string(scope)), zap.Error(err))
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			if !errors.Is(err, ratelimit.ErrRedisUnavailable) {
				m.logger.Error("rate limit error", zap.String("scope", string(scope)), zap.Error(err))
			} else {
				m.logger.Warn("rate limit unavailable, failing open", zap.String("scope", string(scope)))
			}
			next.ServeHTTP(w, r)
			return
		}

		WriteRateLimitHeaders(w, decision)
		if !decision.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(string(scope)).Inc()
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) clientIP(r *http.Request) string {
	if m.config.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func WriteRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil || d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
