package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

// minPasswordLen applies to admin passwords set through the API.
const minPasswordLen = 8

// SystemHandler manages keygate's own configuration: services, admins,
// and API keys.
type SystemHandler struct {
	store    *config.Store
	authSvc  *service.AuthService
	keySvc   *service.KeyService
	registry *connector.Registry
	logger   *slog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(store *config.Store, authSvc *service.AuthService, keySvc *service.KeyService, registry *connector.Registry, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{
		store:    store,
		authSvc:  authSvc,
		keySvc:   keySvc,
		registry: registry,
		logger:   logger,
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for Login and Setup.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   int64  `json:"admin_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

// Setup creates the first admin account. It is only available while no
// admin exists.
// POST /api/v1/system/setup
func (h *SystemHandler) Setup(w http.ResponseWriter, r *http.Request) {
	exists, err := h.store.HasAnyAdmin(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check admins: "+err.Error())
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "Setup already completed")
		return
	}

	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	admin, ok := h.createAdmin(w, r, req.Email, req.Password, req.Name, true)
	if !ok {
		return
	}
	h.logger.Info("initial admin created", "admin_id", admin.ID, "email", admin.Email)

	session, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Admin created but login failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

// Login authenticates an admin user and returns a JWT session token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	session, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
		case errors.Is(err, service.ErrAccountDisabled):
			writeError(w, http.StatusUnauthorized, "Account is disabled")
		default:
			writeError(w, http.StatusInternalServerError, "Authentication error: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func sessionResponse(s *service.Session) loginResponse {
	return loginResponse{
		Token:     s.Token,
		TokenType: "bearer",
		ExpiresIn: int(s.ExpiresIn.Seconds()),
		AdminID:   s.Admin.ID,
		Email:     s.Admin.Email,
		Name:      s.Admin.Name,
	}
}

// Logout invalidates the current session. Since JWTs are stateless, this is
// a no-op on the server side. Clients should discard their token.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Service management
// ---------------------------------------------------------------------------

// ListServices returns all configured database services.
// GET /api/v1/system/service
func (h *SystemHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.store.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(services))
	for i := range services {
		resources = append(resources, serviceToMap(&services[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// CreateService registers a new database service and connects it.
// POST /api/v1/system/service
func (h *SystemHandler) CreateService(w http.ResponseWriter, r *http.Request) {
	var svc model.ServiceConfig
	if err := readJSON(r, &svc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := connector.ValidateIdentifier(svc.Name); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid service name: "+svc.Name)
		return
	}
	if _, ok := connector.LookupDialect(svc.Driver); !ok {
		writeError(w, http.StatusBadRequest, "Unsupported driver: "+svc.Driver,
			map[string]interface{}{"drivers": connector.Drivers()})
		return
	}
	if svc.DSN == "" {
		writeError(w, http.StatusBadRequest, "DSN is required")
		return
	}

	// Check for name collision.
	if existing, err := h.store.GetServiceByName(r.Context(), svc.Name); err == nil && existing != nil {
		writeError(w, http.StatusConflict, "Service already exists: "+svc.Name)
		return
	}

	svc.IsActive = true
	if svc.Pool == (model.PoolConfig{}) {
		svc.Pool = model.DefaultPoolConfig()
	}

	if err := h.store.CreateService(r.Context(), &svc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create service: "+err.Error())
		return
	}

	// Connect the service in the live connector registry so it's immediately usable.
	if err := h.registry.Connect(r.Context(), svc.Name, connectionConfig(&svc)); err != nil {
		h.logger.Warn("service saved but connection failed", "service", svc.Name, "error", err)
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"service":            serviceToMap(&svc),
			"connection_warning": "Service saved but connection failed: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, serviceToMap(&svc))
}

// GetService returns a single service by name.
// GET /api/v1/system/service/{serviceName}
func (h *SystemHandler) GetService(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, serviceToMap(svc))
}

// serviceUpdate carries the mutable service fields. Nil pointers leave the
// stored value unchanged.
type serviceUpdate struct {
	Label    *string           `json:"label"`
	Driver   *string           `json:"driver"`
	DSN      *string           `json:"dsn"`
	Schema   *string           `json:"schema"`
	ReadOnly *bool             `json:"read_only"`
	IsActive *bool             `json:"is_active"`
	Pool     *model.PoolConfig `json:"pool"`
}

// UpdateService modifies an existing service configuration and reconnects
// or disconnects it to match.
// PUT /api/v1/system/service/{serviceName}
func (h *SystemHandler) UpdateService(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.loadService(w, r)
	if !ok {
		return
	}

	var updates serviceUpdate
	if err := readJSON(r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if updates.Label != nil {
		existing.Label = *updates.Label
	}
	if updates.Driver != nil {
		if _, ok := connector.LookupDialect(*updates.Driver); !ok {
			writeError(w, http.StatusBadRequest, "Unsupported driver: "+*updates.Driver)
			return
		}
		existing.Driver = *updates.Driver
	}
	if updates.DSN != nil && *updates.DSN != "" {
		existing.DSN = *updates.DSN
	}
	if updates.Schema != nil {
		existing.Schema = *updates.Schema
	}
	if updates.ReadOnly != nil {
		existing.ReadOnly = *updates.ReadOnly
	}
	if updates.IsActive != nil {
		existing.IsActive = *updates.IsActive
	}
	if updates.Pool != nil {
		existing.Pool = *updates.Pool
	}

	if err := h.store.UpdateService(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update service: "+err.Error())
		return
	}

	if !existing.IsActive {
		_ = h.registry.Disconnect(existing.Name)
		writeJSON(w, http.StatusOK, serviceToMap(existing))
		return
	}

	if err := h.registry.Connect(r.Context(), existing.Name, connectionConfig(existing)); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service":            serviceToMap(existing),
			"connection_warning": "Service updated but reconnection failed: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, serviceToMap(existing))
}

// DeleteService removes a service and disconnects it. Keys scoped to the
// service stop verifying but keep their usage history.
// DELETE /api/v1/system/service/{serviceName}
func (h *SystemHandler) DeleteService(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteService(r.Context(), svc.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete service: "+err.Error())
		return
	}

	_ = h.registry.Disconnect(svc.Name)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Service '" + svc.Name + "' deleted",
	})
}

// TestConnection pings a service's database, connecting it first if needed.
// GET /api/v1/system/service/{serviceName}/test
func (h *SystemHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.loadService(w, r)
	if !ok {
		return
	}

	conn, err := h.registry.Get(svc.Name)
	if err != nil {
		if connErr := h.registry.Connect(r.Context(), svc.Name, connectionConfig(svc)); connErr != nil {
			writeError(w, http.StatusServiceUnavailable, "Connection failed: "+connErr.Error())
			return
		}
		conn, _ = h.registry.Get(svc.Name)
	}

	if err := conn.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Ping failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Connection successful",
	})
}

func (h *SystemHandler) loadService(w http.ResponseWriter, r *http.Request) (*model.ServiceConfig, bool) {
	name := chi.URLParam(r, "serviceName")
	svc, err := h.store.GetServiceByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Service not found: "+name)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "Failed to get service: "+err.Error())
		return nil, false
	}
	return svc, true
}

// connectionConfig maps a stored service onto connector settings.
func connectionConfig(svc *model.ServiceConfig) connector.ConnectionConfig {
	return connector.ConnectionConfig{
		Driver:          svc.Driver,
		DSN:             svc.DSN,
		SchemaName:      svc.Schema,
		MaxOpenConns:    svc.Pool.MaxOpenConns,
		MaxIdleConns:    svc.Pool.MaxIdleConns,
		ConnMaxLifetime: svc.Pool.ConnMaxLifetime,
	}
}

// ---------------------------------------------------------------------------
// Admin management
// ---------------------------------------------------------------------------

// ListAdmins returns all admin accounts.
// GET /api/v1/system/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list admins: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(admins))
	for i := range admins {
		resources = append(resources, adminToMap(&admins[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// CreateAdmin creates a new admin account.
// POST /api/v1/system/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	admin, ok := h.createAdmin(w, r, body.Email, body.Password, body.Name, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, adminToMap(admin))
}

func (h *SystemHandler) createAdmin(w http.ResponseWriter, r *http.Request, email, password, name string, super bool) (*model.Admin, bool) {
	email = strings.TrimSpace(email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return nil, false
	}
	if len(password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return nil, false
	}

	if existing, err := h.store.GetAdminByEmail(r.Context(), email); err == nil && existing != nil {
		writeError(w, http.StatusConflict, "Admin with this email already exists")
		return nil, false
	}

	hash, err := service.HashPassword(password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password: "+err.Error())
		return nil, false
	}

	admin := &model.Admin{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		IsActive:     true,
		IsSuperAdmin: super,
	}
	if err := h.store.CreateAdmin(r.Context(), admin); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create admin: "+err.Error())
		return nil, false
	}
	return admin, true
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

// ListAPIKeys returns API keys without their digests. ?owner=me limits the
// list to keys minted by the calling admin.
// GET /api/v1/system/api-key
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	var (
		keys []model.APIKey
		err  error
	)
	if queryString(r, "owner") == "me" {
		keys, err = h.store.ListAPIKeysByOwner(r.Context(), callerID(r))
	} else {
		keys, err = h.store.ListAPIKeys(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list API keys: "+err.Error())
		return
	}

	resources := make([]map[string]interface{}, 0, len(keys))
	for i := range keys {
		resources = append(resources, apiKeyToMap(&keys[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// createAPIKeyRequest is the expected payload for CreateAPIKey.
type createAPIKeyRequest struct {
	Name             string     `json:"name"`
	ServiceName      string     `json:"service_name"`
	RateLimitPerHour int        `json:"rate_limit_per_hour"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// CreateAPIKey mints a key scoped to one service and returns the plaintext
// exactly once.
// POST /api/v1/system/api-key
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	key, plaintext, err := h.keySvc.CreateKey(r.Context(), service.KeyRequest{
		Name:             req.Name,
		OwnerID:          callerID(r),
		ServiceName:      req.ServiceName,
		RateLimitPerHour: req.RateLimitPerHour,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidKeyRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, config.ErrNotFound):
			writeError(w, http.StatusBadRequest, "Service not found: "+req.ServiceName)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to create API key: "+err.Error())
		}
		return
	}

	h.logger.Info("api key created", "api_key_id", key.ID, "key_prefix", key.KeyPrefix,
		"service", key.ServiceName, "owner_id", key.OwnerID)

	// The plaintext is not stored and cannot be shown again.
	m := apiKeyToMap(key)
	m["api_key"] = plaintext
	writeJSON(w, http.StatusCreated, m)
}

// GetAPIKey returns one key's metadata.
// GET /api/v1/system/api-key/{keyId}
func (h *SystemHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found: "+chi.URLParam(r, "keyId"))
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get API key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key))
}

// RevokeAPIKey deactivates an API key by ID. The row and its usage history
// are kept.
// DELETE /api/v1/system/api-key/{keyId}
func (h *SystemHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeactivateAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found: "+chi.URLParam(r, "keyId"))
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to revoke API key: "+err.Error())
		return
	}

	h.logger.Info("api key revoked", "api_key_id", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

// KeyUsage reports a key's request counts over the rate limit windows and
// its most recent usage records (?recent=N, default 50).
// GET /api/v1/system/api-key/{keyId}/usage
func (h *SystemHandler) KeyUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	summary, err := h.keySvc.Usage(r.Context(), id, clampInt(queryInt(r, "recent", 50), 1, maxPageSize))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found: "+chi.URLParam(r, "keyId"))
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load usage: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func keyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := pathInt64(r, "keyId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key ID: "+chi.URLParam(r, "keyId"))
		return 0, false
	}
	return id, true
}

// callerID is the admin ID of the authenticated caller, or 0.
func callerID(r *http.Request) int64 {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		return p.AdminID
	}
	return 0
}

// ---------------------------------------------------------------------------
// Serialization helpers (avoid exposing sensitive fields like DSN, password)
// ---------------------------------------------------------------------------

func serviceToMap(svc *model.ServiceConfig) map[string]interface{} {
	return map[string]interface{}{
		"id":         svc.ID,
		"name":       svc.Name,
		"label":      svc.Label,
		"driver":     svc.Driver,
		"schema":     svc.Schema,
		"read_only":  svc.ReadOnly,
		"is_active":  svc.IsActive,
		"pool":       svc.Pool,
		"created_at": svc.CreatedAt,
		"updated_at": svc.UpdatedAt,
	}
}

func adminToMap(admin *model.Admin) map[string]interface{} {
	m := map[string]interface{}{
		"id":             admin.ID,
		"email":          admin.Email,
		"name":           admin.Name,
		"is_active":      admin.IsActive,
		"is_super_admin": admin.IsSuperAdmin,
		"created_at":     admin.CreatedAt,
		"updated_at":     admin.UpdatedAt,
	}
	if admin.LastLoginAt != nil {
		m["last_login_at"] = admin.LastLoginAt
	}
	return m
}

func apiKeyToMap(key *model.APIKey) map[string]interface{} {
	m := map[string]interface{}{
		"id":                  key.ID,
		"key_prefix":          key.KeyPrefix,
		"name":                key.Name,
		"owner_id":            key.OwnerID,
		"service_name":        key.ServiceName,
		"rate_limit_per_hour": key.RateLimitPerHour,
		"is_active":           key.IsActive,
		"created_at":          key.CreatedAt,
	}
	if key.ExpiresAt != nil {
		m["expires_at"] = key.ExpiresAt
	}
	if key.LastUsedAt != nil {
		m["last_used_at"] = key.LastUsedAt
	}
	return m
}
