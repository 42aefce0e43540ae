package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	servicesURI     = "keygate://services"
	tablesURIPrefix = "keygate://tables/"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			servicesURI,
			"Registered Database Services",
			mcp.WithResourceDescription(
				"All database services registered with keygate, including driver, "+
					"read-only flag and connection status.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleServicesResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			tablesURIPrefix+"{service}",
			"Service Tables",
			mcp.WithTemplateDescription("Table names of a connected database service."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleTablesResource,
	)
}

// handleServicesResource returns a JSON list of all configured services.
func (s *MCPServer) handleServicesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	items, err := s.serviceInfos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return jsonResource(servicesURI, items)
}

// handleTablesResource returns the table names of the service in the URI.
func (s *MCPServer) handleTablesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	serviceName := strings.TrimPrefix(uri, tablesURIPrefix)
	if serviceName == "" || serviceName == uri {
		return nil, fmt.Errorf("invalid tables URI %q: expected %s{service}", uri, tablesURIPrefix)
	}

	conn, err := s.registry.Get(serviceName)
	if err != nil {
		return nil, fmt.Errorf("service %q not connected: %w (available: %v)",
			serviceName, err, s.registry.ListServices())
	}

	names, err := conn.TableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables for %q: %w", serviceName, err)
	}
	return jsonResource(uri, names)
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
