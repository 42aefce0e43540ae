package handler

import (
	"fmt"
	"net/http"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/openapi"
)

// OpenAPIHandler serves an OpenAPI 3.1 document for the gated data API of
// all active services. Table paths are listed for connected services.
type OpenAPIHandler struct {
	registry *connector.Registry
	store    *config.Store
	version  string
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(registry *connector.Registry, store *config.Store, version string) *OpenAPIHandler {
	return &OpenAPIHandler{
		registry: registry,
		store:    store,
		version:  version,
	}
}

// ServeSpec returns the combined document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	services, err := h.store.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services: "+err.Error())
		return
	}

	specs := make([]openapi.ServiceSpec, 0, len(services))
	for _, svc := range services {
		if !svc.IsActive {
			continue
		}
		spec := openapi.ServiceSpec{
			Name:     svc.Name,
			Label:    svc.Label,
			Driver:   svc.Driver,
			ReadOnly: svc.ReadOnly,
		}
		// Unreachable databases fall back to the generic table path.
		if conn, err := h.registry.Get(svc.Name); err == nil {
			if names, err := conn.TableNames(r.Context()); err == nil {
				spec.Tables = names
			}
		}
		specs = append(specs, spec)
	}

	writeJSON(w, http.StatusOK, openapi.Generate(specs, baseURL(r), h.version))
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
