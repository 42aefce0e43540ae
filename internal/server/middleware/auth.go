package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal types.
const (
	PrincipalAdmin  = "admin"
	PrincipalAPIKey = "api_key"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type    string // PrincipalAdmin or PrincipalAPIKey
	AdminID int64
	Email   string
	IsAdmin bool
	APIKey  *model.APIKey // set for PrincipalAPIKey
}

// SessionValidator checks admin session tokens. *service.AuthService
// implements it.
type SessionValidator interface {
	ValidateJWT(ctx context.Context, token string) (*service.JWTPrincipal, error)
}

// AdminAuth returns an HTTP middleware that requires an admin session token
// in the Authorization header ("Bearer <jwt>"). On success an admin Principal
// is attached to the request context; otherwise a 401 is written.
func AdminAuth(sessions SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer session token.", nil)
				return
			}

			p, err := sessions.ValidateJWT(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", nil)
				return
			}

			principal := &Principal{
				Type:    PrincipalAdmin,
				AdminID: p.AdminID,
				Email:   p.Email,
				IsAdmin: true,
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns an HTTP middleware that enforces admin-level access.
// It must be used after AdminAuth in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.IsAdmin {
				writeError(w, http.StatusForbidden, "Admin access required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// writeError writes the standard error envelope. The handler package has its
// own copy; importing it here would create a cycle.
func writeError(w http.ResponseWriter, status int, message string, ctx map[string]interface{}) {
	writeJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message, Context: ctx},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
