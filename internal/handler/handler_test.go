package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

const (
	testJWTSecret = "test-secret-for-handler-tests"
	testPassword  = "supersecretpassword"
)

func init() {
	service.PasswordCost = bcrypt.MinCost
}

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	authSvc  *service.AuthService
	keySvc   *service.KeyService
	registry *connector.Registry
	handler  *SystemHandler
	router   chi.Router

	// callerID is injected as the authenticated admin on system routes.
	callerID int64
}

// newTestEnv creates a fresh test environment with an in-memory config
// store, an empty connector registry, and a Chi router with the system and
// table routes mounted. Auth middleware is replaced by a fixed principal.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore(config.Options{})
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := connector.NewRegistry()
	t.Cleanup(registry.CloseAll)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(store, testJWTSecret, time.Hour)
	keySvc := service.NewKeyService(store, 0)
	sysHandler := NewSystemHandler(store, authSvc, keySvc, registry, logger)
	tableHandler := NewTableHandler(registry, store)

	env := &testEnv{
		store:    store,
		authSvc:  authSvc,
		keySvc:   keySvc,
		registry: registry,
		handler:  sysHandler,
	}

	r := chi.NewRouter()
	r.Route("/api/v1/system", func(r chi.Router) {
		r.Post("/setup", sysHandler.Setup)
		r.Post("/admin/session", sysHandler.Login)
		r.Delete("/admin/session", sysHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(env.injectPrincipal)

			r.Get("/service", sysHandler.ListServices)
			r.Post("/service", sysHandler.CreateService)
			r.Get("/service/{serviceName}", sysHandler.GetService)
			r.Put("/service/{serviceName}", sysHandler.UpdateService)
			r.Delete("/service/{serviceName}", sysHandler.DeleteService)
			r.Get("/service/{serviceName}/test", sysHandler.TestConnection)

			r.Get("/admin", sysHandler.ListAdmins)
			r.Post("/admin", sysHandler.CreateAdmin)

			r.Get("/api-key", sysHandler.ListAPIKeys)
			r.Post("/api-key", sysHandler.CreateAPIKey)
			r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
			r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)
			r.Get("/api-key/{keyId}/usage", sysHandler.KeyUsage)
		})
	})
	r.Route("/api/v1/{serviceName}", func(r chi.Router) {
		r.Get("/_table", tableHandler.ListTableNames)
		r.Get("/_table/{tableName}", tableHandler.QueryRecords)
		r.Post("/_table/{tableName}", tableHandler.CreateRecords)
		r.Patch("/_table/{tableName}", tableHandler.UpdateRecords)
		r.Delete("/_table/{tableName}", tableHandler.DeleteRecords)
	})
	r.Get("/openapi.json", NewOpenAPIHandler(registry, store, "test").ServeSpec)

	env.router = r
	return env
}

func (e *testEnv) injectPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := &middleware.Principal{
			Type:    middleware.PrincipalAdmin,
			AdminID: e.callerID,
			IsAdmin: true,
		}
		ctx := context.WithValue(r.Context(), middleware.AuthPrincipalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// seedAdmin creates a default admin account and makes it the caller.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	hash, err := service.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: hash,
		Name:         "Test Admin",
		IsActive:     true,
		IsSuperAdmin: true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	e.callerID = admin.ID
	return admin
}

// seedService registers an in-memory SQLite service through the API so it
// is both stored and connected.
func (e *testEnv) seedService(t *testing.T, name string, readOnly bool) {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/system/service", toJSON(t, map[string]interface{}{
		"name":      name,
		"label":     "Test " + name,
		"driver":    "sqlite",
		"dsn":       ":memory:",
		"read_only": readOnly,
	}))
	assertStatus(t, rr, http.StatusCreated)
}

// seedWidgets creates and fills a widgets table in a connected service.
func (e *testEnv) seedWidgets(t *testing.T, serviceName string) {
	t.Helper()
	conn, err := e.registry.Get(serviceName)
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	stmts := []string{
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, color TEXT)`,
		`INSERT INTO widgets (name, color) VALUES ('bolt', 'red'), ('nut', 'blue'), ('gear', NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.DB().Exec(stmt); err != nil {
			t.Fatalf("seed widgets: %v", err)
		}
	}
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
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
