// Package mcpserver registers MCP tools that expose read-only Synapse
// operations. Every tool asks a CredentialSource for the caller's bearer
// credential before touching the Synapse API.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sage-Bionetworks/synapse-mcp/internal/auth"
	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/synapse"
)

// CredentialSource returns the Synapse bearer credential for a session.
// *auth.Provider implements it.
type CredentialSource interface {
	Credential(ctx context.Context, sessionID string) (string, error)
}

const searchDescription = "Search Synapse entities using keyword queries with optional name/type/parent filters. " +
	"Results are served by Synapse as data custodian. Attribution and licensing are determined by the " +
	"original contributors; check the specific entity's annotations or Wiki for details."

// RegisterTools adds all Synapse tools to the given MCP server.
func RegisterTools(server *mcp.Server, creds CredentialSource, client *synapse.Client, logger *slog.Logger) {
	t := &tools{creds: creds, client: client, logger: logger}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_entity",
		Description: "Return Synapse entity metadata by ID (projects, folders, files, tables, etc.).",
		Annotations: readOnly("Get Entity"),
	}, t.getEntity)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_entity_annotations",
		Description: "Return custom annotation key/value pairs for a Synapse entity.",
		Annotations: readOnly("Get Entity Annotations"),
	}, t.getAnnotations)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_entity_provenance",
		Description: "Return activity metadata for a Synapse entity, optionally scoping to a specific version.",
		Annotations: readOnly("Get Entity Provenance"),
	}, t.getProvenance)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_entity_children",
		Description: "List children for Synapse container entities (projects or folders).",
		Annotations: readOnly("List Entity Children"),
	}, t.getChildren)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_synapse",
		Description: searchDescription,
		Annotations: readOnly("Search Synapse"),
	}, t.search)
}

func readOnly(title string) *mcp.ToolAnnotations {
	no, yes := false, true

	return &mcp.ToolAnnotations{
		Title:           title,
		ReadOnlyHint:    true,
		IdempotentHint:  true,
		DestructiveHint: &no,
		OpenWorldHint:   &yes,
	}
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EntityInput holds parameters for the single-entity tools.
type EntityInput struct {
	EntityID string `json:"entity_id" jsonschema:"Synapse ID such as syn123"`
}

// ProvenanceInput holds parameters for get_entity_provenance.
type ProvenanceInput struct {
	EntityID string `json:"entity_id" jsonschema:"Synapse ID such as syn123"`
	Version  *int   `json:"version,omitempty" jsonschema:"entity version, defaults to the current version"`
}

// SearchInput holds parameters for search_synapse.
type SearchInput struct {
	QueryTerm   string   `json:"query_term,omitempty" jsonschema:"keywords to search for"`
	Name        string   `json:"name,omitempty" jsonschema:"entity name to search for"`
	EntityType  string   `json:"entity_type,omitempty" jsonschema:"restrict to one entity type, e.g. file or project"`
	EntityTypes []string `json:"entity_types,omitempty" jsonschema:"restrict to several entity types"`
	ParentID    string   `json:"parent_id,omitempty" jsonschema:"restrict to entities under this Synapse ID"`
	Limit       *int     `json:"limit,omitempty" jsonschema:"page size from 0 to 100, defaults to 20"`
	Offset      int      `json:"offset,omitempty" jsonschema:"number of hits to skip"`
}

// --- Results ---

// ProvenanceResult is the output of get_entity_provenance.
type ProvenanceResult struct {
	EntityID string         `json:"entity_id"`
	Version  *int           `json:"version,omitempty"`
	Activity map[string]any `json:"activity"`
}

// ChildrenResult is the output of get_entity_children.
type ChildrenResult struct {
	EntityID string          `json:"entity_id"`
	Type     string          `json:"type"`
	Count    int             `json:"count"`
	Children []synapse.Child `json:"children"`
}

// ToolError is the structured body of a failed tool call. ErrorType is a
// stable class name so callers can tell "not authenticated" from "not
// found".
type ToolError struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	EntityID  string `json:"entity_id,omitempty"`
	Version   *int   `json:"version,omitempty"`
}

// --- Handlers ---

type tools struct {
	creds  CredentialSource
	client *synapse.Client
	logger *slog.Logger
}

// sessionID finds the caller's session. The HTTP middleware puts it on
// the request context; over streamable HTTP the SDK hands tools the
// request headers instead, so the bearer is read from there.
func sessionID(ctx context.Context, req *mcp.CallToolRequest) string {
	if id := auth.SessionID(ctx); id != "" {
		return id
	}

	if req != nil && req.Extra != nil && req.Extra.Header != nil {
		return auth.BearerFromHeader(req.Extra.Header)
	}

	return ""
}

func (t *tools) credential(ctx context.Context, req *mcp.CallToolRequest) (string, error) {
	token, err := t.creds.Credential(ctx, sessionID(ctx, req))
	if err != nil {
		return "", fmt.Errorf("resolving credential: %w", err)
	}

	return token, nil
}

func (t *tools) getEntity(ctx context.Context, req *mcp.CallToolRequest, input EntityInput) (*mcp.CallToolResult, any, error) {
	token, err := t.credential(ctx, req)
	if err != nil {
		return t.failure("get_entity", err, ToolError{EntityID: input.EntityID}), nil, nil
	}

	entity, err := t.client.GetEntity(ctx, token, input.EntityID)
	if err != nil {
		return t.failure("get_entity", err, ToolError{EntityID: input.EntityID}), nil, nil
	}

	return textResult(entity), entity, nil
}

func (t *tools) getAnnotations(ctx context.Context, req *mcp.CallToolRequest, input EntityInput) (*mcp.CallToolResult, any, error) {
	token, err := t.credential(ctx, req)
	if err != nil {
		return t.failure("get_entity_annotations", err, ToolError{EntityID: input.EntityID}), nil, nil
	}

	annotations, err := t.client.Annotations(ctx, token, input.EntityID)
	if err != nil {
		return t.failure("get_entity_annotations", err, ToolError{EntityID: input.EntityID}), nil, nil
	}

	return textResult(annotations), annotations, nil
}

func (t *tools) getProvenance(ctx context.Context, req *mcp.CallToolRequest, input ProvenanceInput) (*mcp.CallToolResult, any, error) {
	base := ToolError{EntityID: input.EntityID, Version: input.Version}

	version := 0
	if input.Version != nil {
		if *input.Version <= 0 {
			err := fmt.Errorf("%w: version must be a positive integer", apperrors.ErrInvalidInput)
			return t.failure("get_entity_provenance", err, base), nil, nil
		}

		version = *input.Version
	}

	token, err := t.credential(ctx, req)
	if err != nil {
		return t.failure("get_entity_provenance", err, base), nil, nil
	}

	activity, err := t.client.Provenance(ctx, token, input.EntityID, version)
	if errors.Is(err, apperrors.ErrNotFound) {
		err = fmt.Errorf("%w: no provenance record found for %s", apperrors.ErrNotFound, input.EntityID)
	}

	if err != nil {
		return t.failure("get_entity_provenance", err, base), nil, nil
	}

	result := &ProvenanceResult{EntityID: input.EntityID, Version: input.Version, Activity: activity}

	return textResult(result), result, nil
}

func (t *tools) getChildren(ctx context.Context, req *mcp.CallToolRequest, input EntityInput) (*mcp.CallToolResult, any, error) {
	base := ToolError{EntityID: input.EntityID}

	token, err := t.credential(ctx, req)
	if err != nil {
		return t.failure("get_entity_children", err, base), nil, nil
	}

	entity, err := t.client.GetEntity(ctx, token, input.EntityID)
	if err != nil {
		return t.failure("get_entity_children", err, base), nil, nil
	}

	entityType, _ := entity["type"].(string)
	if !synapse.IsContainer(entityType) {
		err := fmt.Errorf("%w: entity %s is not a container entity", apperrors.ErrInvalidInput, input.EntityID)
		return t.failure("get_entity_children", err, base), nil, nil
	}

	children, err := t.client.Children(ctx, token, input.EntityID)
	if err != nil {
		return t.failure("get_entity_children", err, base), nil, nil
	}

	result := &ChildrenResult{
		EntityID: input.EntityID,
		Type:     entityType,
		Count:    len(children),
		Children: children,
	}

	return textResult(result), result, nil
}

func (t *tools) search(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, any, error) {
	token, err := t.credential(ctx, req)
	if err != nil {
		return t.failure("search_synapse", err, ToolError{}), nil, nil
	}

	limit := synapse.DefaultSearchLimit
	if input.Limit != nil {
		limit = *input.Limit
	}

	types := input.EntityTypes
	if strings.TrimSpace(input.EntityType) != "" {
		types = append(types[:len(types):len(types)], input.EntityType)
	}

	q := synapse.BuildSearchQuery(synapse.SearchParams{
		QueryTerm:   input.QueryTerm,
		Name:        input.Name,
		EntityTypes: types,
		ParentID:    input.ParentID,
		Limit:       limit,
		Offset:      input.Offset,
	})

	result, err := t.client.Search(ctx, token, q)
	if err != nil {
		return t.failure("search_synapse", err, ToolError{}), nil, nil
	}

	return textResult(result), result, nil
}

// failure builds an IsError result carrying a ToolError. Credential
// failures are prefixed so the agent knows to ask the user to log in.
func (t *tools) failure(tool string, err error, body ToolError) *mcp.CallToolResult {
	body.ErrorType = apperrors.Kind(err)
	body.Error = err.Error()

	switch body.ErrorType {
	case "unauthenticated", "reauthentication_required":
		body.Error = "Authentication required: " + err.Error()
	case "internal":
		t.logger.Error("tool failed", slog.String("tool", tool), slog.String("error", err.Error()))
	default:
		t.logger.Debug("tool failed",
			slog.String("tool", tool),
			slog.String("error_type", body.ErrorType),
			slog.String("error", err.Error()),
		)
	}

	result := textResult(body)
	result.IsError = true

	return result
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
