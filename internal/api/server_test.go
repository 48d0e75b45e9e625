package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunnelboard/internal/audit"
	"grimm.is/tunnelboard/internal/auth"
	"grimm.is/tunnelboard/internal/health"
	"grimm.is/tunnelboard/internal/lifecycle"
	"grimm.is/tunnelboard/internal/logging"
	"grimm.is/tunnelboard/internal/metrics"
	"grimm.is/tunnelboard/internal/ratelimit"
	"grimm.is/tunnelboard/internal/store"
	"grimm.is/tunnelboard/internal/tunnel"
)

var testServerKey = strings.Repeat("a", 64)

type memPersister struct {
	mu   sync.Mutex
	doc  *store.Document
	fail error
}

func (p *memPersister) Save(doc *store.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return &store.PersistError{Path: "mem", Err: p.fail}
	}
	p.doc = doc.Clone()
	return nil
}

func (p *memPersister) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

type testEnv struct {
	srv     *Server
	lc      *lifecycle.Orchestrator
	persist *memPersister
	audit   *audit.Store
	reg     *prometheus.Registry
}

type envOption func(*ServerOptions)

func withLimiter(l *ratelimit.Limiter) envOption {
	return func(o *ServerOptions) { o.Limiter = l }
}

func withBodyLimit(n int64) envOption {
	return func(o *ServerOptions) {
		cfg := DefaultServerConfig()
		cfg.MaxBodyBytes = n
		o.Config = cfg
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := logging.New(logging.DefaultConfig())
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	persist := &memPersister{}
	lc := lifecycle.New(&store.Document{}, tunnel.NoopDriver{}, persist, lifecycle.Options{Logger: logger, Metrics: m})
	require.NoError(t, lc.Start(t.Context()))

	auditStore, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), 30, logger)
	require.NoError(t, err)

	tokens, err := auth.NewTokenIssuer(time.Minute, nil)
	require.NoError(t, err)

	so := ServerOptions{
		Lifecycle:   lc,
		Credentials: auth.NewCredentialStoreWithParams(auth.ScryptParams{N: 1 << 10, R: 8, P: 1}),
		Sessions:    auth.NewSessionRegistry(auth.SessionOptions{Logger: logger}),
		Tokens:      tokens,
		Policy:      auth.DefaultPasswordPolicy(),
		Audit:       auditStore,
		Metrics:     m,
		Gatherer:    reg,
		Logger:      logger,
	}
	for _, o := range opts {
		o(&so)
	}
	srv, err := NewServer(so)
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.Close()
		lc.Shutdown(context.Background())
		auditStore.Close()
	})
	return &testEnv{srv: srv, lc: lc, persist: persist, audit: auditStore, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// setPassword sets the first password and returns the auto-login tokens.
func (e *testEnv) setPassword(t *testing.T, pw string) TokenResponse {
	t.Helper()
	rr := e.do(t, "POST", "/api/auth/password", map[string]string{"newPassword": pw}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[TokenResponse](t, rr)
}

func (e *testEnv) login(t *testing.T, pw string) TokenResponse {
	t.Helper()
	rr := e.do(t, "POST", "/api/auth/login", map[string]string{"password": pw}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[TokenResponse](t, rr)
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerOptions{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rr)["status"])
}

func TestOpenMode_AllowsEverything(t *testing.T) {
	env := newTestEnv(t)

	status := decode[AuthStatus](t, env.do(t, "GET", "/api/auth/status", nil, ""))
	assert.False(t, status.AuthRequired)

	rr := env.do(t, "POST", "/api/servers", lifecycle.Spec{Host: "127.0.0.1", Port: 8080, Key: testServerKey, Enabled: true}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 0, decode[map[string]any](t, rr)["index"])

	settings := decode[lifecycle.Settings](t, env.do(t, "GET", "/api/settings", nil, ""))
	require.Len(t, settings.Servers, 1)
	assert.Equal(t, lifecycle.StateRunning, settings.Servers[0].State)
	assert.False(t, settings.AuthRequired)
}

func TestSetPassword_GatesAPI(t *testing.T) {
	env := newTestEnv(t)
	tok := env.setPassword(t, "correct horse")
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, 60, tok.ExpiresIn)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/settings", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/settings", nil, "garbage").Code)

	rr := env.do(t, "GET", "/api/settings", nil, tok.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[lifecycle.Settings](t, rr).AuthRequired)

	status := decode[AuthStatus](t, env.do(t, "GET", "/api/auth/status", nil, tok.AccessToken))
	assert.True(t, status.AuthRequired)
	assert.True(t, status.Authenticated)

	// A second unauthenticated set must not take over.
	rr = env.do(t, "POST", "/api/auth/password", map[string]string{"newPassword": "hijacked!!"}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSetPassword_Policy(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/auth/password", map[string]string{"newPassword": "short"}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, env.lc.Credential())
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.setPassword(t, "correct horse")

	rr := env.do(t, "POST", "/api/auth/login", map[string]string{"password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	tok := env.login(t, "correct horse")
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/settings", nil, tok.AccessToken).Code)
	assert.Contains(t, strings.Join(env.do(t, "POST", "/api/auth/login", map[string]string{"password": "correct horse"}, "").Header().Values("Set-Cookie"), ";"), auth.RefreshCookieName)

	events, err := env.audit.Recent(audit.ActionLogin, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, audit.StatusFailure, events[2].Status)
	assert.Equal(t, audit.StatusSuccess, events[0].Status)
}

func TestLogin_NoPassword(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/auth/login", map[string]string{"password": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogin_BadBody(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/auth/login", "not json", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t, withLimiter(ratelimit.NewLimiter(2, time.Minute, nil)))
	env.setPassword(t, "correct horse")

	for range 2 {
		rr := env.do(t, "POST", "/api/auth/login", map[string]string{"password": "wrong"}, "")
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := env.do(t, "POST", "/api/auth/login", map[string]string{"password": "correct horse"}, "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestLogin_RateLimitIgnoresForwardedHeaders(t *testing.T) {
	env := newTestEnv(t, withLimiter(ratelimit.NewLimiter(3, time.Minute, nil)))
	env.setPassword(t, "correct horse")

	attempt := func(xff string) int {
		req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(`{"password":"wrong"}`))
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", xff)
		req.Header.Set("X-Real-IP", xff)
		rr := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rr, req)
		return rr.Code
	}

	for i := range 3 {
		require.Equal(t, http.StatusUnauthorized, attempt(fmt.Sprintf("198.51.100.%d", i)))
	}
	assert.Equal(t, http.StatusTooManyRequests, attempt("198.51.100.99"))
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		trusted []netip.Prefix
		want    string
	}{
		{"no proxies configured", "203.0.113.7:1234", "198.51.100.1", "", nil, "203.0.113.7"},
		{"untrusted peer", "203.0.113.7:1234", "198.51.100.1", "", trusted, "203.0.113.7"},
		{"trusted peer", "10.0.0.2:1234", "198.51.100.1", "", trusted, "198.51.100.1"},
		{"rightmost untrusted hop", "10.0.0.2:1234", "1.1.1.1, 198.51.100.1, 10.0.0.9", "", trusted, "198.51.100.1"},
		{"real ip from trusted peer", "10.0.0.2:1234", "", "198.51.100.2", trusted, "198.51.100.2"},
		{"garbage header", "10.0.0.2:1234", "not-an-ip", "", trusted, "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trusted))
		})
	}
}

func TestRefresh_SingleUse(t *testing.T) {
	env := newTestEnv(t)
	first := env.setPassword(t, "correct horse")

	rr := env.do(t, "POST", "/api/auth/refresh", map[string]string{"refreshToken": first.RefreshToken}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	second := decode[TokenResponse](t, rr)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/settings", nil, second.AccessToken).Code)

	rr = env.do(t, "POST", "/api/auth/refresh", map[string]string{"refreshToken": first.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRefresh_Cookie(t *testing.T) {
	env := newTestEnv(t)
	tok := env.setPassword(t, "correct horse")

	req := httptest.NewRequest("POST", "/api/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: auth.RefreshCookieName, Value: tok.RefreshToken})
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	tok := env.setPassword(t, "correct horse")

	rr := env.do(t, "POST", "/api/auth/logout", map[string]string{"refreshToken": tok.RefreshToken}, "")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/settings", nil, tok.AccessToken).Code)
	rr = env.do(t, "POST", "/api/auth/refresh", map[string]string{"refreshToken": tok.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestChangePassword_RevokesOtherSessions(t *testing.T) {
	env := newTestEnv(t)
	a := env.setPassword(t, "correct horse")
	b := env.login(t, "correct horse")

	rr := env.do(t, "POST", "/api/auth/password", map[string]string{"currentPassword": "nope", "newPassword": "battery staple"}, a.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, "POST", "/api/auth/password", map[string]string{"currentPassword": "correct horse", "newPassword": "battery staple"}, a.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/settings", nil, a.AccessToken).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/settings", nil, b.AccessToken).Code)

	env.login(t, "battery staple")
	require.NotNil(t, env.persist.doc.PasswordHash)
}

func TestClearPassword(t *testing.T) {
	env := newTestEnv(t)
	tok := env.setPassword(t, "correct horse")

	rr := env.do(t, "DELETE", "/api/auth/password", map[string]string{"currentPassword": "wrong"}, tok.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, "DELETE", "/api/auth/password", map[string]string{"currentPassword": "correct horse"}, tok.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Empty(t, env.lc.Credential())
	assert.Nil(t, env.persist.doc.PasswordHash)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/settings", nil, "").Code)
}

func TestEntryErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"patch out of range", "PATCH", "/api/servers/5", map[string]any{"port": 1}, http.StatusNotFound},
		{"delete out of range", "DELETE", "/api/clients/0", nil, http.StatusNotFound},
		{"bad index", "PATCH", "/api/servers/abc", map[string]any{"port": 1}, http.StatusBadRequest},
		{"bad body", "POST", "/api/servers", "{", http.StatusBadRequest},
		{"bad port", "POST", "/api/servers", lifecycle.Spec{Port: 70000}, http.StatusBadRequest},
		{"bad client key", "POST", "/api/clients", lifecycle.Spec{Key: "nope"}, http.StatusBadRequest},
		{"enabled without host", "POST", "/api/servers", lifecycle.Spec{Port: 80, Key: testServerKey, Enabled: true}, http.StatusBadRequest},
		{"unknown route", "PUT", "/api/servers/0", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
	assert.Empty(t, env.lc.Snapshot().Servers)
}

func TestEntryValidation_ReportsField(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/servers", lifecycle.Spec{Port: -1}, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "port", decode[ErrorResponse](t, rr).Details)
}

func TestCreate_PersistFailure(t *testing.T) {
	env := newTestEnv(t)
	env.persist.setFail(errors.New("disk full"))

	rr := env.do(t, "POST", "/api/clients", lifecycle.Spec{Port: 9000}, "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, env.lc.Snapshot().Clients)

	events, err := env.audit.Recent(audit.EntryAction("client", "create"), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.StatusFailure, events[0].Status)
}

func TestPatchAndDelete(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/servers", lifecycle.Spec{Host: "db", Port: 5432, Key: testServerKey, Enabled: true}, "").Code)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/servers", lifecycle.Spec{Host: "web", Port: 80}, "").Code)

	newKey := strings.Repeat("c", 64)
	rr := env.do(t, "PATCH", "/api/servers/0", map[string]any{"port": 5433, "key": newKey}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	settings := env.lc.Snapshot()
	assert.Equal(t, 5433, settings.Servers[0].Port)
	assert.Equal(t, "db", settings.Servers[0].Host)

	events, err := env.audit.Recent(audit.EntryAction("server", "update"), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	diff, _ := events[0].Details["diff"].(string)
	assert.Contains(t, diff, "5433")
	assert.NotContains(t, diff, testServerKey)
	assert.NotContains(t, diff, newKey)

	require.Equal(t, http.StatusOK, env.do(t, "DELETE", "/api/servers/0", nil, "").Code)
	settings = env.lc.Snapshot()
	require.Len(t, settings.Servers, 1)
	assert.Equal(t, "web", settings.Servers[0].Host)
	require.Len(t, env.persist.doc.Servers, 1)
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, withBodyLimit(16))
	rr := env.do(t, "POST", "/api/servers", lifecycle.Spec{Host: strings.Repeat("h", 64)}, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestAuditAndLogsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/clients", lifecycle.Spec{Port: 9000}, "")

	rr := env.do(t, "GET", "/api/audit?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	events := decode[[]audit.Event](t, rr)
	require.NotEmpty(t, events)
	assert.Equal(t, "client.create", events[0].Action)

	rr = env.do(t, "GET", "/api/logs?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "["))

	rr = env.do(t, "GET", "/api/tasks", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
}

func TestHealthReport(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[health.Report](t, rr)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "entries")
	assert.Contains(t, report.Checks, "audit")

	env.setPassword(t, "correct horse battery")
	rr = env.do(t, "GET", "/api/health", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/clients", lifecycle.Spec{Port: 9000}, "")

	rr := env.do(t, "GET", "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `tunnelboard_api_requests_total{method="POST",path="POST /api/clients",status="200"} 1`)
	assert.Contains(t, body, "tunnelboard_mutations_total")
	assert.Contains(t, body, `tunnelboard_entry_state{index="0",kind="client",state="Disabled"} 1`)
}
