package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/ratelimit"
)

// registerTools registers all keygate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Inventory tools -----

	srv.AddTool(
		mcp.NewTool("keygate_list_services",
			mcp.WithDescription(
				"List all database services registered with keygate. Returns each service's "+
					"name, driver, active status, read-only flag and whether it is connected. "+
					"API keys are scoped to exactly one of these services.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListServices,
	)

	srv.AddTool(
		mcp.NewTool("keygate_list_api_keys",
			mcp.WithDescription(
				"List API keys with their display prefix, service scope, hourly limit, "+
					"derived per-minute limit, status, expiry and last use. Key digests and "+
					"plaintexts are never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("service",
				mcp.Description("Only list keys scoped to this service"),
			),
		),
		s.handleListAPIKeys,
	)

	srv.AddTool(
		mcp.NewTool("keygate_key_usage",
			mcp.WithDescription(
				"Show an API key's request counts over the last minute, hour and day, its "+
					"rate limits, and its most recent recorded requests. Use this to explain "+
					"why a client is receiving 429 responses.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("key_id",
				mcp.Required(),
				mcp.Description("Numeric ID of the API key"),
			),
			mcp.WithNumber("recent",
				mcp.Description("Number of recent usage records to include (default 20, max 1000)"),
			),
		),
		s.handleKeyUsage,
	)

	srv.AddTool(
		mcp.NewTool("keygate_revoke_api_key",
			mcp.WithDescription(
				"Deactivate an API key. Requests using it are rejected with 401 from then on. "+
					"Usage history is kept. Revoking an inactive key is not an error.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("key_id",
				mcp.Required(),
				mcp.Description("Numeric ID of the API key"),
			),
		),
		s.handleRevokeAPIKey,
	)

	// ----- Data tools -----

	srv.AddTool(
		mcp.NewTool("keygate_list_tables",
			mcp.WithDescription(
				"List the tables of a connected database service.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("service",
				mcp.Required(),
				mcp.Description("Name of the database service"),
			),
		),
		s.handleListTables,
	)

	srv.AddTool(
		mcp.NewTool("keygate_query",
			mcp.WithDescription(
				"Query records from a table with optional equality filters, field "+
					"selection, ordering and pagination. Returns results as JSON.\n\n"+
					"where is an object of column -> value; a null value matches NULL.\n"+
					"Order syntax: 'column [asc|desc], other_column desc'",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("service",
				mcp.Required(),
				mcp.Description("Name of the database service"),
			),
			mcp.WithString("table",
				mcp.Required(),
				mcp.Description("Name of the table to query"),
			),
			mcp.WithObject("where",
				mcp.Description("Equality filters (e.g. {\"status\": \"active\"})"),
			),
			mcp.WithArray("fields",
				mcp.Description("List of column names to return. Omit for all columns."),
				mcp.WithStringItems(),
			),
			mcp.WithString("order",
				mcp.Description("Order clause (e.g. \"created_at desc, name\")"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of records to return (default 25, max 1000)"),
			),
			mcp.WithNumber("offset",
				mcp.Description("Number of records to skip for pagination"),
			),
		),
		s.handleQuery,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

type serviceInfo struct {
	Name      string `json:"name"`
	Label     string `json:"label,omitempty"`
	Driver    string `json:"driver"`
	IsActive  bool   `json:"is_active"`
	ReadOnly  bool   `json:"read_only"`
	Connected bool   `json:"connected"`
}

func (s *MCPServer) serviceInfos(ctx context.Context) ([]serviceInfo, error) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]serviceInfo, len(services))
	for i, svc := range services {
		_, connErr := s.registry.Get(svc.Name)
		items[i] = serviceInfo{
			Name:      svc.Name,
			Label:     svc.Label,
			Driver:    svc.Driver,
			IsActive:  svc.IsActive,
			ReadOnly:  svc.ReadOnly,
			Connected: connErr == nil,
		}
	}
	return items, nil
}

// handleListServices returns all configured database services.
func (s *MCPServer) handleListServices(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	items, err := s.serviceInfos(ctx)
	if err != nil {
		return toolError("Failed to list services: %v", err)
	}
	return successJSON(items)
}

// handleListAPIKeys returns key metadata, optionally filtered by service.
func (s *MCPServer) handleListAPIKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return toolError("Failed to list API keys: %v", err)
	}
	serviceName := optionalString(request, "service")

	type keyInfo struct {
		ID               int64      `json:"id"`
		KeyPrefix        string     `json:"key_prefix"`
		Name             string     `json:"name"`
		ServiceName      string     `json:"service_name"`
		RateLimitPerHour int        `json:"rate_limit_per_hour"`
		PerMinuteLimit   int        `json:"per_minute_limit"`
		IsActive         bool       `json:"is_active"`
		ExpiresAt        *time.Time `json:"expires_at,omitempty"`
		LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	}

	items := make([]keyInfo, 0, len(keys))
	for _, k := range keys {
		if serviceName != "" && k.ServiceName != serviceName {
			continue
		}
		items = append(items, keyInfo{
			ID:               k.ID,
			KeyPrefix:        k.KeyPrefix,
			Name:             k.Name,
			ServiceName:      k.ServiceName,
			RateLimitPerHour: k.RateLimitPerHour,
			PerMinuteLimit:   ratelimit.PerMinuteLimit(k.RateLimitPerHour),
			IsActive:         k.IsActive,
			ExpiresAt:        k.ExpiresAt,
			LastUsedAt:       k.LastUsedAt,
		})
	}
	return successJSON(items)
}

// handleKeyUsage returns the usage summary of one key.
func (s *MCPServer) handleKeyUsage(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireInt64(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	recent := clamp(optionalInt(request, "recent", 20), 1, 1000)

	summary, err := s.keys.Usage(ctx, id, recent)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return toolError("API key %d not found. Use keygate_list_api_keys to find key IDs.", id)
		}
		return toolError("Failed to load usage: %v", err)
	}
	return successJSON(summary)
}

// handleRevokeAPIKey deactivates a key.
func (s *MCPServer) handleRevokeAPIKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireInt64(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	if err := s.store.DeactivateAPIKey(ctx, id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return toolError("API key %d not found", id)
		}
		return toolError("Failed to revoke API key: %v", err)
	}

	s.logger.Info("api key revoked via mcp", "api_key_id", id)
	return successJSON(map[string]interface{}{
		"success":    true,
		"api_key_id": id,
	})
}

// handleListTables returns the table names of a service.
func (s *MCPServer) handleListTables(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	conn, result := s.connector(request)
	if result != nil {
		return result, nil
	}

	names, err := conn.TableNames(ctx)
	if err != nil {
		return toolError("Failed to list tables: %v", err)
	}
	return successJSON(names)
}

// handleQuery queries records from a table.
func (s *MCPServer) handleQuery(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	conn, result := s.connector(request)
	if result != nil {
		return result, nil
	}
	tableName, err := requireString(request, "table")
	if err != nil {
		return toolError("%v", err)
	}

	order, err := connector.ParseOrder(optionalString(request, "order"))
	if err != nil {
		return toolError("Invalid order clause: %v\n\n"+
			"Order syntax: column [asc|desc], ...\n"+
			"  Example: created_at desc, name", err)
	}
	limit := clamp(optionalInt(request, "limit", 25), 1, 1000)
	offset := optionalInt(request, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := conn.Select(ctx, connector.SelectRequest{
		Table:  tableName,
		Fields: optionalStringSlice(request, "fields"),
		Where:  getObjectArg(request, "where"),
		Order:  order,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		// Provide available table names to help the client self-correct.
		names, _ := conn.TableNames(ctx)
		return toolError("Query failed: %v\n\nAvailable tables: %v", err, names)
	}

	return successJSON(map[string]interface{}{
		"records": records,
		"count":   len(records),
		"limit":   limit,
		"offset":  offset,
	})
}

// connector resolves the "service" argument. A non-nil result is the tool
// error to return.
func (s *MCPServer) connector(request mcp.CallToolRequest) (*connector.Connector, *mcp.CallToolResult) {
	serviceName, err := requireString(request, "service")
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("%v. Available services: %v", err, s.registry.ListServices()))
	}
	conn, err := s.registry.Get(serviceName)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("Service %q not connected. Available services: %v",
			serviceName, s.registry.ListServices()))
	}
	return conn, nil
}
