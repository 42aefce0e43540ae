package openapi

import (
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// ServiceSpec describes one registered service for document generation.
// Tables is optional; when empty the table is documented as a path
// parameter.
type ServiceSpec struct {
	Name     string
	Label    string
	Driver   string
	ReadOnly bool
	Tables   []string
}

const (
	errorRef     = "#/components/schemas/ErrorResponse"
	rateLimitRef = "#/components/schemas/RateLimitResponse"
	recordRef    = "#/components/schemas/Record"
	listRef      = "#/components/schemas/RecordList"
)

// Generate builds an OpenAPI 3.1 document for the gated data API of the
// given services. Every operation requires an API key scoped to its service.
func Generate(services []ServiceSpec, baseURL, version string) *openapi3.T {
	if version == "" {
		version = "1.0.0"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title: "keygate API",
			Description: "Data API for the database services registered with keygate. " +
				"Requests carry an API key as 'Authorization: Bearer keygate_<key>' and are " +
				"subject to per-minute and per-hour rate limits.",
			Version: version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "keygate API key",
			Description:  "API key scoped to a single service.",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
	}

	doc.Components.Schemas["ErrorResponse"] = errorSchema()
	doc.Components.Schemas["RateLimitResponse"] = rateLimitSchema()
	doc.Components.Schemas["Record"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "A table row keyed by column name.",
		},
	}
	doc.Components.Schemas["RecordList"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": arrayOf(recordRef),
				"meta":     metaSchema(),
			},
		},
	}

	doc.Paths = openapi3.NewPaths()

	sorted := append([]ServiceSpec(nil), services...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, svc := range sorted {
		addServicePaths(doc, svc)
	}

	return doc
}

// addServicePaths documents the table listing and record endpoints of one
// service.
func addServicePaths(doc *openapi3.T, svc ServiceSpec) {
	tag := svc.Name
	if svc.Label != "" {
		doc.Tags = append(doc.Tags, &openapi3.Tag{
			Name:        svc.Name,
			Description: fmt.Sprintf("%s (%s)", svc.Label, svc.Driver),
		})
	}

	doc.Paths.Set(fmt.Sprintf("/api/v1/%s/_table", svc.Name), &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tag},
			Summary:     "List tables",
			OperationID: fmt.Sprintf("%s_list_tables", svc.Name),
			Responses:   newResponses("200", "Table names", refSchema(listRef)),
		},
	})

	if len(svc.Tables) == 0 {
		item := recordPathItem(svc, tag, "{tableName}", "table")
		param := &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter("tableName").
				WithDescription("Table name.").
				WithSchema(openapi3.NewStringSchema()),
		}
		item.Parameters = openapi3.Parameters{param}
		doc.Paths.Set(fmt.Sprintf("/api/v1/%s/_table/{tableName}", svc.Name), item)
		return
	}

	for _, table := range svc.Tables {
		doc.Paths.Set(fmt.Sprintf("/api/v1/%s/_table/%s", svc.Name, table),
			recordPathItem(svc, tag, table, table))
	}
}

// recordPathItem builds the CRUD operations for a table path. Read-only
// services only get GET.
func recordPathItem(svc ServiceSpec, tag, segment, table string) *openapi3.PathItem {
	opID := func(verb string) string {
		if segment == "{tableName}" {
			return fmt.Sprintf("%s_%s_records", svc.Name, verb)
		}
		return fmt.Sprintf("%s_%s_%s", svc.Name, verb, table)
	}

	item := &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tag},
			Summary:     fmt.Sprintf("Query %s records", table),
			Description: "Equality filters are passed as where.<column>=<value>; the value \"null\" matches NULL.",
			OperationID: opID("query"),
			Parameters:  listQueryParameters(),
			Responses:   newResponses("200", fmt.Sprintf("Records from %s", table), refSchema(listRef)),
		},
	}
	if svc.ReadOnly {
		return item
	}

	item.Post = &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     fmt.Sprintf("Create %s record(s)", table),
		Description: "Send a single object, an array of objects, or {\"resource\": [...]}.",
		OperationID: opID("create"),
		RequestBody: &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithJSONSchemaRef(&openapi3.SchemaRef{
					Value: &openapi3.Schema{
						OneOf: openapi3.SchemaRefs{
							refSchema(recordRef),
							arrayOf(recordRef),
							refSchema(listRef),
						},
					},
				}),
		},
		Responses: writeResponses("201", fmt.Sprintf("Created %s record(s)", table), refSchema(listRef)),
	}
	item.Patch = &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     fmt.Sprintf("Update %s records", table),
		OperationID: opID("update"),
		Parameters:  writeQueryParameters(),
		RequestBody: &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("Fields to set on every matched record.").
				WithRequired(true).
				WithJSONSchemaRef(refSchema(recordRef)),
		},
		Responses: writeResponses("200", "Number of records updated", countSchema()),
	}
	item.Delete = &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     fmt.Sprintf("Delete %s records", table),
		Description: "At least one where.<column> filter or ids is required.",
		OperationID: opID("delete"),
		Parameters:  writeQueryParameters(),
		Responses:   writeResponses("200", "Number of records deleted", countSchema()),
	}
	return item
}

// ─── Query Parameter Builders ───────────────────────────────────────────────

// listQueryParameters returns the standard query parameters for record queries.
func listQueryParameters() openapi3.Parameters {
	return openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("fields").
				WithDescription("Comma-separated list of columns to return.").
				WithSchema(openapi3.NewStringSchema()),
		},
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("order").
				WithDescription("Sort order (e.g. \"name\", \"created_at desc\").").
				WithSchema(openapi3.NewStringSchema()),
		},
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("limit").
				WithDescription("Maximum number of records to return (1-1000, default 25).").
				WithSchema(&openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}),
		},
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("offset").
				WithDescription("Number of records to skip before returning results.").
				WithSchema(&openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}),
		},
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("include_count").
				WithDescription("Include the total matching record count in meta.").
				WithSchema(&openapi3.Schema{Type: &openapi3.Types{"boolean"}}),
		},
	}
}

// writeQueryParameters returns the record selectors for PATCH and DELETE.
func writeQueryParameters() openapi3.Parameters {
	return openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("ids").
				WithDescription("Comma-separated list of key values to match.").
				WithSchema(openapi3.NewStringSchema()),
		},
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("id_field").
				WithDescription("Column the ids are matched against (default \"id\").").
				WithSchema(openapi3.NewStringSchema()),
		},
	}
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// newResponses builds a Responses map with a success response and the errors
// every gated request can produce.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(statusCode, jsonResponse(description, schema))

	errorSchema := refSchema(errorRef)
	responses.Set("400", jsonResponse("Bad request", errorSchema))
	responses.Set("401", jsonResponse("Missing or invalid API key", errorSchema))
	responses.Set("404", jsonResponse("Service or table not found", errorSchema))
	responses.Set("500", jsonResponse("Internal server error", errorSchema))
	responses.Set("503", jsonResponse("Rate limit state unavailable", errorSchema))

	limited := jsonResponse("Rate limit exceeded", refSchema(rateLimitRef))
	limited.Value.Headers = openapi3.Headers{
		"Retry-After": &openapi3.HeaderRef{
			Value: &openapi3.Header{
				Parameter: openapi3.Parameter{
					Description: "Seconds until the exceeded window allows another request.",
					Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
				},
			},
		},
	}
	responses.Set("429", limited)

	return responses
}

// writeResponses adds the read-only rejection to newResponses.
func writeResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := newResponses(statusCode, description, schema)
	responses.Set("403", jsonResponse("Service is read-only", refSchema(errorRef)))
	return responses
}

func jsonResponse(description string, schema *openapi3.SchemaRef) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &description,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

func refSchema(ref string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef(ref, nil)
}

func arrayOf(ref string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: refSchema(ref),
		},
	}
}

func integerProp(format, description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"integer"},
			Format:      format,
			Description: description,
		},
	}
}

func errorSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    integerProp("int32", "HTTP status code."),
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{
								Value: &openapi3.Schema{
									Type:        &openapi3.Types{"object"},
									Description: "Extra detail. Gate rejections set reason to AUTH_MISSING, AUTH_INVALID, RATE_LIMITED or LEDGER_UNAVAILABLE.",
								},
							},
						},
					},
				},
			},
		},
	}
}

func rateLimitSchema() *openapi3.SchemaRef {
	s := errorSchema()
	s.Value.Properties["limit"] = integerProp("int32", "Limit of the exceeded window.")
	s.Value.Properties["usage"] = integerProp("int32", "Requests counted in the exceeded window.")
	s.Value.Properties["reset_in"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"string"},
			Enum: []interface{}{"1 minute", "1 hour"},
		},
	}
	return s
}

func countSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"meta": metaSchema(),
			},
		},
	}
}

// metaSchema returns the schema for the "meta" field in responses.
func metaSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count":   integerProp("int32", "Number of records returned or affected."),
				"total":   integerProp("int64", "Total matching records, when include_count is set."),
				"limit":   integerProp("int32", "Maximum records returned per page."),
				"offset":  integerProp("int32", "Number of records skipped."),
				"took_ms": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}},
			},
		},
	}
}
