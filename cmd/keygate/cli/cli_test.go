package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/service"
)

func init() {
	service.PasswordCost = bcrypt.MinCost
}

// run executes the CLI against an isolated data directory.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	require.NoError(t, err, "keygate %s: %s", strings.Join(args, " "), out)
	return out
}

// addService registers a file-backed sqlite service named inv.
func addService(t *testing.T, dir string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "inv.db")
	mustRun(t, dir, "db", "add", "--name", "inv", "--driver", "sqlite", "--dsn", dsn)
}

func TestVersionJSON(t *testing.T) {
	out := mustRun(t, t.TempDir(), "version", "--json")

	var info buildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.NotEmpty(t, info.Platform)
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yaml")

	mustRun(t, dir, "config", "init", "-o", path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rate_limit:")
	assert.Contains(t, string(data), "default_per_hour: 1000")

	_, err = run(t, dir, "config", "init", "-o", path)
	assert.Error(t, err, "existing file must not be overwritten")
}

func TestConfigShow_EnvOverridesAndRedaction(t *testing.T) {
	t.Setenv("KEYGATE_SERVER_PORT", "9191")
	t.Setenv("KEYGATE_AUTH_JWT_SECRET", "super-secret-value")
	t.Setenv("KEYGATE_RATE_LIMIT_BACKEND", "memory")

	out := mustRun(t, t.TempDir(), "config", "show")
	assert.Contains(t, out, "port: 9191")
	assert.Contains(t, out, "backend: memory")
	assert.NotContains(t, out, "super-secret-value")
	assert.Contains(t, out, "********")

	out = mustRun(t, t.TempDir(), "config", "show", "--show-secrets")
	assert.Contains(t, out, "super-secret-value")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  default_per_hour: 42\nlog:\n  format: json\n"), 0644))

	out := mustRun(t, dir, "--config", path, "config", "show")
	assert.Contains(t, out, "default_per_hour: 42")
	assert.Contains(t, out, "format: json")
	assert.Contains(t, out, "custom.yaml")

	_, err := run(t, dir, "--config", filepath.Join(dir, "missing.yaml"), "config", "show")
	assert.Error(t, err, "an explicit config file must exist")
}

func TestDBCommands(t *testing.T) {
	dir := t.TempDir()
	addService(t, dir)

	out := mustRun(t, dir, "db", "list")
	assert.Contains(t, out, "inv")
	assert.Contains(t, out, "sqlite")

	out = mustRun(t, dir, "db", "list", "--json")
	var services []model.ServiceConfig
	require.NoError(t, json.Unmarshal([]byte(out), &services))
	require.Len(t, services, 1)
	assert.Equal(t, "inv", services[0].Name)
	assert.Empty(t, services[0].DSN, "dsn must not be printed")

	out = mustRun(t, dir, "db", "test", "inv")
	assert.Contains(t, out, "OK")

	_, err := run(t, dir, "db", "add", "--name", "inv", "--driver", "sqlite", "--dsn", ":memory:")
	assert.ErrorContains(t, err, "already exists")

	mustRun(t, dir, "db", "remove", "inv")
	_, err = run(t, dir, "db", "remove", "inv")
	assert.ErrorContains(t, err, "not found")
}

func TestDBAdd_Validation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad name", []string{"--name", "bad-name", "--driver", "sqlite", "--dsn", ":memory:"}, "invalid service name"},
		{"bad driver", []string{"--name", "x", "--driver", "oracle", "--dsn", "x"}, "unsupported driver"},
		{"missing dsn", []string{"--name", "x", "--driver", "sqlite"}, "dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, dir, append([]string{"db", "add"}, tt.args...)...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestKeyLifecycle(t *testing.T) {
	dir := t.TempDir()
	addService(t, dir)

	out := mustRun(t, dir, "key", "create", "--service", "inv", "--name", "ci", "--rate-limit", "1200")
	assert.Contains(t, out, "keygate_")
	assert.Contains(t, out, "1200/hour")

	out = mustRun(t, dir, "key", "list", "--json")
	var keys []model.APIKey
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.Len(t, keys, 1)
	key := keys[0]
	assert.Equal(t, "inv", key.ServiceName)
	assert.Equal(t, 1200, key.RateLimitPerHour)
	assert.True(t, key.IsActive)
	assert.NotContains(t, out, "key_hash")

	out = mustRun(t, dir, "key", "usage", "1", "--json")
	var summary model.UsageSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 20, summary.PerMinuteLimit)
	assert.Zero(t, summary.LastHour)

	mustRun(t, dir, "key", "revoke", "1")
	out = mustRun(t, dir, "key", "list")
	assert.Contains(t, out, "no")

	_, err := run(t, dir, "key", "revoke", "99")
	assert.ErrorContains(t, err, "no active API key")
}

func TestKeyCreate_DefaultLimitAndPrefixRevoke(t *testing.T) {
	dir := t.TempDir()
	addService(t, dir)
	mustRun(t, dir, "key", "create", "--service", "inv")

	out := mustRun(t, dir, "key", "list", "--json", "--service", "inv")
	var keys []model.APIKey
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, model.DefaultRateLimitPerHour, keys[0].RateLimitPerHour)

	mustRun(t, dir, "key", "revoke", keys[0].KeyPrefix)
	_, err := run(t, dir, "key", "revoke", keys[0].KeyPrefix)
	assert.Error(t, err, "prefix revoke only matches active keys")

	out = mustRun(t, dir, "key", "list", "--json", "--service", "other")
	assert.JSONEq(t, "[]", out)
}

func TestKeyRevoke_SharedPrefixRefused(t *testing.T) {
	dir := t.TempDir()
	store, err := config.NewStore(config.Options{DataDir: dir})
	require.NoError(t, err)
	for i, svc := range []string{"inv", "crm"} {
		require.NoError(t, store.CreateAPIKey(context.Background(), &model.APIKey{
			KeyHash:          "hash-" + svc,
			KeyPrefix:        "keygate_ab12",
			Name:             svc,
			ServiceName:      svc,
			RateLimitPerHour: 100 + i,
			IsActive:         true,
		}))
	}
	require.NoError(t, store.Close())

	_, err = run(t, dir, "key", "revoke", "keygate_ab12")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoke by id")
	assert.Contains(t, err.Error(), "1, 2")

	out := mustRun(t, dir, "key", "list", "--json")
	var keys []model.APIKey
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	for _, k := range keys {
		assert.True(t, k.IsActive, "key %d must stay active", k.ID)
	}
}

func TestKeyCreate_UnknownService(t *testing.T) {
	_, err := run(t, t.TempDir(), "key", "create", "--service", "ghost")
	assert.Error(t, err)
}

func TestAdminCommands(t *testing.T) {
	dir := t.TempDir()
	mustRun(t, dir, "admin", "create", "--email", "root@example.com", "--password", "password123")
	mustRun(t, dir, "admin", "create", "--email", "ops@example.com", "--password", "password123", "--name", "Ops")

	out := mustRun(t, dir, "admin", "list", "--json")
	var admins []model.Admin
	require.NoError(t, json.Unmarshal([]byte(out), &admins))
	require.Len(t, admins, 2)

	byEmail := map[string]model.Admin{}
	for _, a := range admins {
		byEmail[a.Email] = a
	}
	assert.True(t, byEmail["root@example.com"].IsSuperAdmin, "first admin is super admin")
	assert.False(t, byEmail["ops@example.com"].IsSuperAdmin)

	_, err := run(t, dir, "admin", "create", "--email", "root@example.com", "--password", "password123")
	assert.ErrorContains(t, err, "already exists")
	_, err = run(t, dir, "admin", "create", "--email", "short@example.com", "--password", "short")
	assert.ErrorContains(t, err, "at least")
	_, err = run(t, dir, "admin", "create", "--email", "nope", "--password", "password123")
	assert.ErrorContains(t, err, "invalid email")

	addService(t, dir)
	mustRun(t, dir, "key", "create", "--service", "inv", "--owner", "ops@example.com")
	out = mustRun(t, dir, "key", "list", "--json")
	var keys []model.APIKey
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, byEmail["ops@example.com"].ID, keys[0].OwnerID)
}

func TestOpenAPICommand(t *testing.T) {
	dir := t.TempDir()
	addService(t, dir)

	out := mustRun(t, dir, "openapi", "--offline", "--base-url", "https://api.example.com")
	assert.Contains(t, out, `"/api/v1/inv/_table"`)
	assert.Contains(t, out, "https://api.example.com")

	path := filepath.Join(dir, "spec.json")
	mustRun(t, dir, "openapi", "inv", "-o", path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"openapi"`)

	_, err = run(t, dir, "openapi", "ghost")
	assert.ErrorContains(t, err, "no active service")
}

func TestNewLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.DefaultFileConfig()
	cfg.RateLimit.Backend = ratelimit.BackendRedis
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	limiter, err := newLimiter(cfg, nil, nil)
	require.NoError(t, err)
	defer limiter.Close()

	d, err := limiter.Check(context.Background(), 7, 600)
	require.NoError(t, err)
	assert.False(t, d.Exceeded)

	cfg.Redis.URL = "not a url"
	_, err = newLimiter(cfg, nil, nil)
	assert.Error(t, err)
}

func TestNewLimiter_Memory(t *testing.T) {
	cfg := config.DefaultFileConfig()
	cfg.RateLimit.Backend = ratelimit.BackendMemory

	limiter, err := newLimiter(cfg, nil, nil)
	require.NoError(t, err)
	defer limiter.Close()
	_, ok := limiter.(*ratelimit.MemoryLimiter)
	assert.True(t, ok)
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("x", "", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, d)

	d, err = parseDuration("x", "90s", 0)
	require.NoError(t, err)
	assert.Equal(t, "1m30s", d.String())

	_, err = parseDuration("auth.session_ttl", "soon", 0)
	assert.ErrorContains(t, err, "auth.session_ttl")
}
