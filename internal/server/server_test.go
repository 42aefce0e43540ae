package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/usage"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
	testAdminName = "Test Admin"
)

func init() {
	service.PasswordCost = bcrypt.MinCost
}

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    *config.Store
	authSvc  *service.AuthService
	keySvc   *service.KeyService
	registry *connector.Registry
	recorder *usage.Recorder
}

// newTestEnv creates a fresh test environment with an in-memory config
// store and a fully wired Server using the given rate limit backend.
func newTestEnv(t *testing.T, backend string) *testEnv {
	t.Helper()

	store, err := config.NewStore(config.Options{})
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := connector.NewRegistry()
	t.Cleanup(registry.CloseAll)

	limiter, err := ratelimit.New(ratelimit.Config{
		Backend: backend,
		Counter: store,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	t.Cleanup(func() { limiter.Close() })

	recorder := usage.NewRecorder(store, usage.Options{Logger: logger})
	t.Cleanup(func() { recorder.Close(context.Background()) })

	authSvc := service.NewAuthService(store, testJWTSecret, time.Hour)
	keySvc := service.NewKeyService(store, 0)

	cfg := DefaultConfig()
	cfg.LoginPerMinute = 0
	srv := New(cfg, Deps{
		Registry: registry,
		Store:    store,
		Auth:     authSvc,
		Keys:     keySvc,
		Limiter:  limiter,
		Recorder: recorder,
		Logger:   logger,
	})

	return &testEnv{
		server:   srv,
		store:    store,
		authSvc:  authSvc,
		keySvc:   keySvc,
		registry: registry,
		recorder: recorder,
	}
}

// seedAdmin creates a default admin account and returns it.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	hash, err := service.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: hash,
		Name:         testAdminName,
		IsActive:     true,
		IsSuperAdmin: true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// adminToken logs in as the default admin and returns the JWT token string.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// seedService stores and connects an in-memory SQLite service holding a
// widgets table.
func (e *testEnv) seedService(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	svc := &model.ServiceConfig{
		Name:     name,
		Label:    name,
		Driver:   "sqlite",
		DSN:      ":memory:",
		IsActive: true,
		Pool:     model.DefaultPoolConfig(),
	}
	if err := e.store.CreateService(ctx, svc); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if err := e.registry.Connect(ctx, name, connector.ConnectionConfig{Driver: "sqlite", DSN: ":memory:"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn, _ := e.registry.Get(name)
	if _, err := conn.DB().Exec(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create widgets: %v", err)
	}
	if _, err := conn.DB().Exec(`INSERT INTO widgets (name) VALUES ('bolt'), ('nut')`); err != nil {
		t.Fatalf("insert widgets: %v", err)
	}
}

// seedKey mints a key for serviceName and returns its plaintext.
func (e *testEnv) seedKey(t *testing.T, serviceName string, perHour int) (string, *model.APIKey) {
	t.Helper()
	key, plaintext, err := e.keySvc.CreateKey(context.Background(), service.KeyRequest{
		Name:             "test",
		ServiceName:      serviceName,
		RateLimitPerHour: perHour,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	return plaintext, key
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated HTTP request using a bearer credential.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// flush waits for the usage recorder so the ledger reflects every admitted
// request.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.recorder.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func (e *testEnv) ledgerCount(t *testing.T, keyID int64) int {
	t.Helper()
	n, err := e.store.CountUsageSince(context.Background(), keyID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountUsageSince: %v", err)
	}
	return n
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func errorReason(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	reason, _ := resp.Error.Context["reason"].(string)
	return reason
}

// ---------------------------------------------------------------------------
// Health, metrics, OpenAPI
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Checks["config_store"] != "ok" || resp.Checks["inv"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestReadyz_DegradedService(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")
	env.seedService(t, "crm")
	conn, _ := env.registry.Get("crm")
	conn.DB().Close()

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["inv"] != "ok" {
		t.Errorf("healthy service check = %q, want ok", resp.Checks["inv"])
	}
	if !strings.HasPrefix(resp.Checks["crm"], "error: ") {
		t.Errorf("closed service check = %q, want an error", resp.Checks["crm"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)

	// Produce at least one gate metric.
	env.do(t, "GET", "/api/v1/inv/_table", nil, nil)

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "keygate_auth_failures_total") {
		t.Error("metrics output should include keygate_auth_failures_total")
	}
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		Paths map[string]interface{} `json:"paths"`
	}
	decodeJSON(t, rr, &doc)
	if _, ok := doc.Paths["/api/v1/inv/_table/widgets"]; !ok {
		t.Errorf("widgets path missing from %v", doc.Paths)
	}
}

// ---------------------------------------------------------------------------
// Admin API authentication
// ---------------------------------------------------------------------------

func TestSystemEndpoints_RequireAdminToken(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedAdmin(t)
	env.seedService(t, "inv")
	apiKey, _ := env.seedKey(t, "inv", 60)

	rr := env.do(t, "GET", "/api/v1/system/service", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	rr = env.doAuth(t, "GET", "/api/v1/system/service", nil, "not-a-jwt")
	assertStatus(t, rr, http.StatusUnauthorized)

	// An API key is not an admin session.
	rr = env.doAuth(t, "GET", "/api/v1/system/service", nil, apiKey)
	assertStatus(t, rr, http.StatusUnauthorized)

	rr = env.doAuth(t, "GET", "/api/v1/system/service", nil, env.adminToken(t))
	assertStatus(t, rr, http.StatusOK)
}

func TestSetupThenManageKeys(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")

	rr := env.do(t, "POST", "/api/v1/system/setup", jsonBody(t, map[string]string{
		"email":    "owner@example.com",
		"password": testPassword,
	}), nil)
	assertStatus(t, rr, http.StatusCreated)
	var session struct {
		Token   string `json:"session_token"`
		AdminID int64  `json:"admin_id"`
	}
	decodeJSON(t, rr, &session)

	rr = env.doAuth(t, "POST", "/api/v1/system/api-key", jsonBody(t, map[string]interface{}{
		"name":                "ci",
		"service_name":        "inv",
		"rate_limit_per_hour": 600,
	}), session.Token)
	assertStatus(t, rr, http.StatusCreated)

	var created struct {
		ID      int64  `json:"id"`
		Key     string `json:"api_key"`
		OwnerID int64  `json:"owner_id"`
	}
	decodeJSON(t, rr, &created)
	if created.OwnerID != session.AdminID {
		t.Errorf("owner_id = %d, want %d", created.OwnerID, session.AdminID)
	}

	rr = env.doAuth(t, "GET", "/api/v1/inv/_table/widgets", nil, created.Key)
	assertStatus(t, rr, http.StatusOK)
	env.flush(t)

	rr = env.doAuth(t, "GET", fmt.Sprintf("/api/v1/system/api-key/%d/usage", created.ID), nil, session.Token)
	assertStatus(t, rr, http.StatusOK)
	var summary model.UsageSummary
	decodeJSON(t, rr, &summary)
	if summary.LastMinute != 1 || len(summary.Recent) != 1 {
		t.Fatalf("usage = %+v, want one recorded request", summary)
	}
	if summary.Recent[0].Endpoint != "/api/v1/inv/_table/widgets" {
		t.Errorf("endpoint = %q", summary.Recent[0].Endpoint)
	}

	// Revoke and the key stops working.
	rr = env.doAuth(t, "DELETE", fmt.Sprintf("/api/v1/system/api-key/%d", created.ID), nil, session.Token)
	assertStatus(t, rr, http.StatusOK)
	rr = env.doAuth(t, "GET", "/api/v1/inv/_table/widgets", nil, created.Key)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestMCPEndpoint_RequiresAdmin(t *testing.T) {
	store, err := config.NewStore(config.Options{})
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	registry := connector.NewRegistry()
	limiter := ratelimit.NewMemoryLimiter(time.Minute)
	t.Cleanup(func() { limiter.Close() })

	called := false
	srv := New(DefaultConfig(), Deps{
		Registry: registry,
		Store:    store,
		Auth:     service.NewAuthService(store, testJWTSecret, time.Hour),
		Keys:     service.NewKeyService(store, 0),
		Limiter:  limiter,
		MCP: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest("POST", "/mcp", strings.NewReader("{}")))
	assertStatus(t, rr, http.StatusUnauthorized)
	if called {
		t.Error("MCP handler should not run without an admin session")
	}
}

// ---------------------------------------------------------------------------
// API key gate
// ---------------------------------------------------------------------------

func TestGate_AuthFailures(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")
	env.seedService(t, "other")
	otherKey, _ := env.seedKey(t, "other", 60)

	tests := []struct {
		name       string
		header     string
		wantReason string
	}{
		{"no header", "", "AUTH_MISSING"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "AUTH_MISSING"},
		{"malformed key", "Bearer keygate_nothex", "AUTH_MISSING"},
		{"unknown key", "Bearer keygate_" + strings.Repeat("ab", 32), "AUTH_INVALID"},
		{"key for another service", "Bearer " + otherKey, "AUTH_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rr := env.do(t, "GET", "/api/v1/inv/_table/widgets", nil, headers)
			assertStatus(t, rr, http.StatusUnauthorized)
			if got := errorReason(t, rr); got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestGate_ExpiredKey(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")

	cred, err := apikey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if err := env.store.CreateAPIKey(context.Background(), &model.APIKey{
		KeyHash:          cred.Digest,
		KeyPrefix:        cred.DisplayPrefix,
		Name:             "expired",
		ServiceName:      "inv",
		RateLimitPerHour: 60,
		IsActive:         true,
		ExpiresAt:        &past,
	}); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	plaintext := cred.Plaintext

	rr := env.doAuth(t, "GET", "/api/v1/inv/_table/widgets", nil, plaintext)
	assertStatus(t, rr, http.StatusUnauthorized)
	if got := errorReason(t, rr); got != "AUTH_INVALID" {
		t.Errorf("reason = %q, want AUTH_INVALID", got)
	}
}

func TestGate_MinuteLimitLedger(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")
	plaintext, key := env.seedKey(t, "inv", 60)

	for i := 1; i <= 10; i++ {
		rr := env.doAuth(t, "GET", "/api/v1/inv/_table/widgets", nil, plaintext)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body = %s", i, rr.Code, rr.Body.String())
		}
		env.flush(t)
	}

	rr := env.doAuth(t, "GET", "/api/v1/inv/_table/widgets", nil, plaintext)
	assertStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rr.Header().Get("Retry-After"))
	}

	var body model.RateLimitResponse
	decodeJSON(t, rr, &body)
	if body.Limit != 10 || body.Usage != 10 || body.ResetIn != "1 minute" {
		t.Errorf("429 body = %+v, want limit 10, usage 10, reset_in 1 minute", body)
	}
	if body.Error.Context["reason"] != "RATE_LIMITED" {
		t.Errorf("reason = %v, want RATE_LIMITED", body.Error.Context["reason"])
	}

	// The rejected request is not in the ledger.
	env.flush(t)
	if n := env.ledgerCount(t, key.ID); n != 10 {
		t.Errorf("ledger rows = %d, want 10", n)
	}
}

func TestGate_HourLimitBelowMinuteFloor(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")
	plaintext, _ := env.seedKey(t, "inv", 5)

	for i := 1; i <= 5; i++ {
		rr := env.doAuth(t, "GET", "/api/v1/inv/_table/widgets", nil, plaintext)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
		env.flush(t)
	}

	rr := env.doAuth(t, "GET", "/api/v1/inv/_table/widgets", nil, plaintext)
	assertStatus(t, rr, http.StatusTooManyRequests)
	var body model.RateLimitResponse
	decodeJSON(t, rr, &body)
	if body.Limit != 5 || body.ResetIn != "1 hour" {
		t.Errorf("429 body = %+v, want limit 5, reset_in 1 hour", body)
	}
	if rr.Header().Get("Retry-After") != "3600" {
		t.Errorf("Retry-After = %q, want 3600", rr.Header().Get("Retry-After"))
	}
}

func TestGate_MemoryBackend(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendMemory)
	env.seedService(t, "inv")
	plaintext, _ := env.seedKey(t, "inv", 60)

	// The memory backend reserves on admit, so no flush is needed.
	for i := 1; i <= 10; i++ {
		rr := env.doAuth(t, "GET", "/api/v1/inv/_table", nil, plaintext)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
	}
	rr := env.doAuth(t, "GET", "/api/v1/inv/_table", nil, plaintext)
	assertStatus(t, rr, http.StatusTooManyRequests)
}

func TestGate_KeysAreLimitedIndependently(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendMemory)
	env.seedService(t, "inv")
	first, _ := env.seedKey(t, "inv", 60)
	second, _ := env.seedKey(t, "inv", 60)

	for i := 0; i < 10; i++ {
		env.doAuth(t, "GET", "/api/v1/inv/_table", nil, first)
	}
	assertStatus(t, env.doAuth(t, "GET", "/api/v1/inv/_table", nil, first), http.StatusTooManyRequests)
	assertStatus(t, env.doAuth(t, "GET", "/api/v1/inv/_table", nil, second), http.StatusOK)
}

func TestGate_RecordsHandlerStatus(t *testing.T) {
	env := newTestEnv(t, ratelimit.BackendLedger)
	env.seedService(t, "inv")
	plaintext, key := env.seedKey(t, "inv", 600)

	// Admitted requests are recorded even when the handler fails.
	rr := env.doAuth(t, "GET", "/api/v1/inv/_table/missing", nil, plaintext)
	assertStatus(t, rr, http.StatusNotFound)
	env.flush(t)

	recent, err := env.store.ListRecentUsage(context.Background(), key.ID, 10)
	if err != nil {
		t.Fatalf("ListRecentUsage: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent = %d, want 1", len(recent))
	}
	if recent[0].StatusCode != http.StatusNotFound || recent[0].Method != "GET" {
		t.Errorf("record = %+v", recent[0])
	}

	got, err := env.store.GetAPIKey(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after an admitted request")
	}
}
