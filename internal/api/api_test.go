package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/plugin-entitlements/internal/api"
	"github.com/technosupport/plugin-entitlements/internal/audit"
	"github.com/technosupport/plugin-entitlements/internal/installation"
	"github.com/technosupport/plugin-entitlements/internal/kv"
	"github.com/technosupport/plugin-entitlements/internal/middleware"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
	"github.com/technosupport/plugin-entitlements/internal/ratelimit"
	"github.com/technosupport/plugin-entitlements/internal/subscription"
	"github.com/technosupport/plugin-entitlements/internal/tokens"
)

const msgPath = "/api/v1/plugins/color-target/installations/inst-1/messages"

type fixedClock struct{ now time.Time }

func (c fixedClock) CheckExpiry(_ context.Context, e time.Time) subscription.Validation {
	t := c.now
	return subscription.Validation{
		IsExpired:     subscription.IsExpired(e, c.now),
		DaysRemaining: subscription.DaysRemaining(e, c.now),
		ServerTime:    &t,
		CheckedAt:     c.now,
	}
}

// memoryAudit keeps events in insertion order; QueryEvents returns them newest first.
type memoryAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryAudit) WriteEvent(_ context.Context, evt audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryAudit) QueryEvents(_ context.Context, f audit.Filter) ([]audit.Event, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].InstallationID == f.InstallationID {
			out = append(out, m.events[i])
		}
	}
	return out, "", nil
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	router http.Handler
	tokens *tokens.Manager
	audit  *memoryAudit
}

type options struct {
	activation ratelimit.LimitConfig
	checks     map[string]api.Pinger
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	catalog, err := plugin.NewCatalog(plugin.DefaultDefinitions())
	require.NoError(t, err)

	f := &fixture{tokens: tokens.NewManager("test-signing-key-123", "entitlementd"), audit: &memoryAudit{}}
	reg := installation.NewRegistry(installation.Deps{
		Backend:   kv.NewMemoryStore(),
		Catalog:   catalog,
		Validator: fixedClock{now: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
		Audit:     f.audit,
	})

	var rl *middleware.RateLimitMiddleware
	if opts.activation.Rate > 0 {
		mr := miniredis.RunT(t)
		limiter := ratelimit.NewLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "salt")
		rl = middleware.NewRateLimitMiddleware(limiter, middleware.Config{Activation: opts.activation}, nil)
	}

	f.router = api.NewRouter(api.Deps{
		Registry:       reg,
		Catalog:        catalog,
		Audit:          f.audit,
		Tokens:         f.tokens,
		Revocations:    tokens.NewMemoryRevocations(),
		RateLimit:      rl,
		Checks:         opts.checks,
		AllowedOrigins: []string{"null"},
		RevokeTTL:      time.Hour,
	})
	return f
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	tok, _, err := f.tokens.GenerateAdminToken("ops@example.com", time.Minute)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *fixture) mint(t *testing.T, req map[string]any) string {
	t.Helper()
	w := f.do(http.MethodPost, "/api/v1/admin/keys", f.adminToken(t), req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.MintKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Key
}

func TestPostMessage_LicenseInfo(t *testing.T) {
	f := newFixture(t, options{})

	w := f.do(http.MethodPost, msgPath, "", `{"type":"get-license-info"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	out := decodeBatch(t, w)
	require.Len(t, out, 1)
	assert.Equal(t, "license-info-response", out[0]["type"])
	assert.Equal(t, false, out[0]["isPro"])
	assert.EqualValues(t, 5, out[0]["remainingUses"])
}

func TestPostMessage_RoutingErrors(t *testing.T) {
	f := newFixture(t, options{})

	cases := map[string]struct {
		path string
		body string
		code int
	}{
		"unknown type":       {msgPath, `{"type":"close-plugin"}`, http.StatusBadRequest},
		"malformed":          {msgPath, `{"type":`, http.StatusBadRequest},
		"unknown plugin":     {"/api/v1/plugins/nope/installations/inst-1/messages", `{"type":"check-usage"}`, http.StatusNotFound},
		"invalid install id": {"/api/v1/plugins/color-target/installations/a.b/messages", `{"type":"check-usage"}`, http.StatusBadRequest},
		"oversized":          {msgPath, `{"type":"store-language","language":"` + strings.Repeat("x", 20<<10) + `"}`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := f.do(http.MethodPost, tc.path, "", tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestMintThenActivate(t *testing.T) {
	f := newFixture(t, options{})
	key := f.mint(t, map[string]any{"pluginId": "color-target", "subscriptionType": "lifetime"})
	assert.True(t, strings.HasPrefix(key, "CT-"))

	w := f.do(http.MethodPost, msgPath, "", map[string]string{"type": "activate-with-key", "key": key})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBatch(t, w)
	require.Len(t, out, 1)
	assert.Equal(t, "key-activation-response", out[0]["type"])
	assert.Equal(t, true, out[0]["success"])

	w = f.do(http.MethodPost, msgPath, "", `{"type":"get-license-info"}`)
	assert.Equal(t, true, decodeBatch(t, w)[0]["isPro"])

	assert.Contains(t, f.audit.actions(), audit.ActionKeyMint)
	assert.Contains(t, f.audit.actions(), audit.ActionKeyActivate)

	mint := f.audit.events[0]
	assert.Equal(t, audit.ActionKeyMint, mint.Action)
	assert.Empty(t, mint.InstallationID)
	assert.JSONEq(t, `{"admin":"ops@example.com","subscriptionType":"lifetime","personalKey":false,"targetUserId":""}`, string(mint.Metadata))
}

func TestMintKey_DurationDays(t *testing.T) {
	f := newFixture(t, options{})
	w := f.do(http.MethodPost, "/api/v1/admin/keys", f.adminToken(t), map[string]any{
		"pluginId": "mocup-studio", "subscriptionType": "monthly", "durationDays": 30,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp api.MintKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Key, "MS-"))
	require.NotNil(t, resp.Payload.ExpirationDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), resp.Payload.ExpirationDate.Time, time.Minute)
	assert.True(t, resp.Payload.AdminGenerated)
}

func TestMintKey_Rejects(t *testing.T) {
	f := newFixture(t, options{})
	tok := f.adminToken(t)

	cases := map[string]struct {
		body any
		code int
	}{
		"bad json":              {`{`, http.StatusBadRequest},
		"unknown type":          {map[string]any{"pluginId": "color-target", "subscriptionType": "forever"}, http.StatusBadRequest},
		"personal without user": {map[string]any{"pluginId": "color-target", "subscriptionType": "personal", "personalKey": true}, http.StatusBadRequest},
		"unknown plugin":        {map[string]any{"pluginId": "nope", "subscriptionType": "lifetime"}, http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/admin/keys", tok, tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t, options{})
	w := f.do(http.MethodPost, "/api/v1/admin/keys", "", map[string]any{"pluginId": "color-target", "subscriptionType": "lifetime"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/v1/admin/plugins", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_ListPlugins(t *testing.T) {
	f := newFixture(t, options{})
	w := f.do(http.MethodGet, "/api/v1/admin/plugins", f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Plugins []plugin.Definition `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Plugins, 2)
	assert.Equal(t, "color-target", resp.Plugins[0].ID)
}

func TestAdmin_AuditTrail(t *testing.T) {
	f := newFixture(t, options{})
	f.do(http.MethodPost, msgPath, "", `{"type":"activate-with-key","key":"CT-garbage"}`)

	w := f.do(http.MethodGet, "/api/v1/admin/installations/inst-1/audit", f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, audit.ActionKeyActivate, resp.Events[0].Action)
	assert.Equal(t, audit.ResultFailure, resp.Events[0].Result)

	w = f.do(http.MethodGet, "/api/v1/admin/installations/inst-1/audit?limit=x", f.adminToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_RevokeOwnToken(t *testing.T) {
	f := newFixture(t, options{})
	tok := f.adminToken(t)

	w := f.do(http.MethodPost, "/api/v1/admin/tokens/revoke", tok, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodGet, "/api/v1/admin/plugins", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestActivationRateLimit(t *testing.T) {
	f := newFixture(t, options{activation: ratelimit.LimitConfig{Rate: 1, Window: time.Minute}})

	w := f.do(http.MethodPost, msgPath, "", `{"type":"activate-with-key","key":"CT-x"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, msgPath, "", `{"type":"activate-with-key","key":"CT-x"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	out := decodeBatch(t, w)
	require.Len(t, out, 1)
	assert.Equal(t, "key-activation-response", out[0]["type"])
	assert.Equal(t, api.ErrorRateLimited, out[0]["error"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Other messages are unaffected.
	w = f.do(http.MethodPost, msgPath, "", `{"type":"check-usage"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthz(t *testing.T) {
	ok := api.PingFunc(func(context.Context) error { return nil })
	down := api.PingFunc(func(context.Context) error { return errors.New("connection refused") })

	f := newFixture(t, options{checks: map[string]api.Pinger{"redis": ok}})
	w := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f = newFixture(t, options{checks: map[string]api.Pinger{"redis": ok, "postgres": down}})
	w = f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, options{})
	f.do(http.MethodPost, msgPath, "", `{"type":"check-usage"}`)

	w := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "entitlements_http_requests_total")
}

func TestWebSocket(t *testing.T) {
	f := newFixture(t, options{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/plugins/color-target/installations/inst-ws/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var m map[string]any
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get-license-info"}`)))
	assert.Equal(t, "license-info-response", read()["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)))
	assert.Equal(t, "error", read()["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"generate-challenge"}`)))
	m := read()
	assert.Equal(t, "challenge-response", m["type"])
	assert.Contains(t, m["botUrl"], "t.me/")
}

func TestWebSocket_RejectsBeforeUpgrade(t *testing.T) {
	f := newFixture(t, options{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/plugins/nope/installations/inst-1/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(base+"/api/v1/plugins/color-target/installations/inst-1/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
