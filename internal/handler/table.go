package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/model"
)

const (
	defaultPageSize = 25
	maxPageSize     = 1000
)

// ServiceLookup resolves a service definition by name. config.Store
// implements it.
type ServiceLookup interface {
	GetServiceByName(ctx context.Context, name string) (*model.ServiceConfig, error)
}

// TableHandler serves record CRUD for the tables of a registered service.
// It sits behind the API key gate, so every request reaching it is
// authenticated and within its key's rate limits.
type TableHandler struct {
	registry *connector.Registry
	services ServiceLookup
}

// NewTableHandler creates a new TableHandler.
func NewTableHandler(registry *connector.Registry, services ServiceLookup) *TableHandler {
	return &TableHandler{
		registry: registry,
		services: services,
	}
}

// ListTableNames returns the names of all tables in the service's database.
// GET /api/v1/{serviceName}/_table
func (h *TableHandler) ListTableNames(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connector(w, r)
	if !ok {
		return
	}

	names, err := conn.TableNames(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tables: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: stringsToResources("name", names),
	})
}

// QueryRecords retrieves records from a table with optional equality
// filters, sorting, field selection, and pagination.
// GET /api/v1/{serviceName}/_table/{tableName}
func (h *TableHandler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	conn, ok := h.connector(w, r)
	if !ok {
		return
	}
	tableName := chi.URLParam(r, "tableName")

	order, err := connector.ParseOrder(queryString(r, "order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order parameter: "+err.Error())
		return
	}

	limit := clampInt(queryInt(r, "limit", defaultPageSize), 1, maxPageSize)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	where := queryWhere(r)

	records, err := conn.Select(r.Context(), connector.SelectRequest{
		Table:  tableName,
		Fields: queryList(r, "fields"),
		Where:  where,
		Order:  order,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		code, msg := classifyDBError(err, "Query failed")
		writeError(w, code, msg)
		return
	}

	// Stream as newline-delimited JSON when asked.
	if strings.Contains(r.Header.Get("Accept"), "application/x-ndjson") {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, rec := range records {
			enc.Encode(rec)
		}
		return
	}

	var total *int64
	if queryBool(r, "include_count") {
		if n, err := conn.Count(r.Context(), tableName, where); err == nil {
			total = &n
		}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: records,
		Meta: &model.ResponseMeta{
			Count:  len(records),
			Total:  total,
			Limit:  limit,
			Offset: offset,
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// CreateRecords inserts one or more records into a table.
// POST /api/v1/{serviceName}/_table/{tableName}
func (h *TableHandler) CreateRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	conn, ok := h.writableConnector(w, r)
	if !ok {
		return
	}

	records, err := parseRecordsBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := conn.Insert(r.Context(), chi.URLParam(r, "tableName"), records)
	if err != nil {
		code, msg := classifyDBError(err, "Insert failed")
		writeError(w, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, model.ListResponse{
		Resource: created,
		Meta: &model.ResponseMeta{
			Count:  len(created),
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// UpdateRecords partially updates the records matched by where.<column>
// filters and/or the ids parameter. The body holds the fields to set.
// PATCH /api/v1/{serviceName}/_table/{tableName}
func (h *TableHandler) UpdateRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	conn, ok := h.writableConnector(w, r)
	if !ok {
		return
	}

	var body map[string]interface{}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "No fields to update")
		return
	}

	where, ids := queryWhere(r), queryIDs(r)
	if len(where) == 0 && len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "Filter or IDs required for update")
		return
	}

	affected, err := conn.Update(r.Context(), connector.UpdateRequest{
		Table:    chi.URLParam(r, "tableName"),
		Record:   body,
		Where:    where,
		IDs:      ids,
		IDColumn: queryString(r, "id_field"),
	})
	if err != nil {
		code, msg := classifyDBError(err, "Update failed")
		writeError(w, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"meta": model.ResponseMeta{
			Count:  int(affected),
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// DeleteRecords deletes the records matched by where.<column> filters and/or
// the ids parameter. A request with neither is refused.
// DELETE /api/v1/{serviceName}/_table/{tableName}
func (h *TableHandler) DeleteRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	conn, ok := h.writableConnector(w, r)
	if !ok {
		return
	}

	where, ids := queryWhere(r), queryIDs(r)
	if len(where) == 0 && len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "Filter or IDs required for delete")
		return
	}

	affected, err := conn.Delete(r.Context(), connector.DeleteRequest{
		Table:    chi.URLParam(r, "tableName"),
		Where:    where,
		IDs:      ids,
		IDColumn: queryString(r, "id_field"),
	})
	if err != nil {
		code, msg := classifyDBError(err, "Delete failed")
		writeError(w, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"meta": model.ResponseMeta{
			Count:  int(affected),
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// --- internal helpers ---

func (h *TableHandler) connector(w http.ResponseWriter, r *http.Request) (*connector.Connector, bool) {
	serviceName := chi.URLParam(r, "serviceName")
	conn, err := h.registry.Get(serviceName)
	if err != nil {
		writeError(w, http.StatusNotFound, "Service not found: "+serviceName)
		return nil, false
	}
	return conn, true
}

// writableConnector is connector plus a read-only check against the stored
// service definition.
func (h *TableHandler) writableConnector(w http.ResponseWriter, r *http.Request) (*connector.Connector, bool) {
	serviceName := chi.URLParam(r, "serviceName")
	svc, err := h.services.GetServiceByName(r.Context(), serviceName)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Service not found: "+serviceName)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "Failed to load service: "+err.Error())
		return nil, false
	}
	if svc.ReadOnly {
		writeError(w, http.StatusForbidden, "Service is read-only: "+serviceName)
		return nil, false
	}
	return h.connector(w, r)
}

// queryIDs reads the comma-separated ids parameter.
func queryIDs(r *http.Request) []interface{} {
	parts := queryList(r, "ids")
	if len(parts) == 0 {
		return nil
	}
	ids := make([]interface{}, len(parts))
	for i, p := range parts {
		ids[i] = p
	}
	return ids
}

// parseRecordsBody reads the request body and returns a slice of record maps.
// Accepts a single JSON object, an array of objects, or a
// {"resource": [...]} envelope.
func parseRecordsBody(r *http.Request) ([]map[string]interface{}, error) {
	var raw json.RawMessage
	if err := readJSON(r, &raw); err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	// Try the {"resource": [...]} envelope first.
	var envelope struct {
		Resource []map[string]interface{} `json:"resource"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Resource) > 0 {
		return envelope.Resource, nil
	}

	// Try an array of objects.
	var records []map[string]interface{}
	if err := json.Unmarshal(raw, &records); err == nil && len(records) > 0 {
		return records, nil
	}

	// Try a single object.
	var single map[string]interface{}
	if err := json.Unmarshal(raw, &single); err == nil && len(single) > 0 {
		return []map[string]interface{}{single}, nil
	}

	return nil, fmt.Errorf("expected JSON object, array, or {\"resource\": [...]}")
}
