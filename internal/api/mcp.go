package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/status"
	"github.com/kalambet/tether/internal/syncer"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sync    SyncService
	Session SessionManager // optional; tools then require owner_id
}

// NewMCPServer creates an MCP server with all tether tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tether",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tether: local-first sync engine. Queue local changes and push them to the remote store."),
		server.WithRecovery(),
	)

	domainNames := make([]string, 0, len(changes.AllDomains()))
	for _, d := range changes.AllDomains() {
		domainNames = append(domainNames, d.String())
	}

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report the sync state of every domain, or of one scope."),
			mcp.WithString("scope", mcp.Description("Domain name or \"system\"; omit for all scopes")),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_all",
			mcp.WithDescription("Pull remote changes and push every queued local change for the owner."),
			mcp.WithString("owner_id", mcp.Description("Owner to sync; defaults to the signed-in owner")),
		),
		mcpSyncAll(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_domain",
			mcp.WithDescription("Sync a single domain in one or both directions."),
			mcp.WithString("domain", mcp.Description("Domain to sync"), mcp.Required(), mcp.Enum(domainNames...)),
			mcp.WithString("direction", mcp.Description("up, down or bidirectional (default)"), mcp.Enum("up", "down", "bidirectional")),
			mcp.WithString("owner_id", mcp.Description("Owner to sync; defaults to the signed-in owner")),
		),
		mcpSyncDomain(deps),
	)

	s.AddTool(
		mcp.NewTool("enqueue_change",
			mcp.WithDescription("Queue a local change for delivery to the remote store."),
			mcp.WithString("domain", mcp.Description("Domain the change belongs to"), mcp.Required(), mcp.Enum(domainNames...)),
			mcp.WithString("operation", mcp.Description("INSERT, UPDATE or DELETE"), mcp.Required(), mcp.Enum("INSERT", "UPDATE", "DELETE")),
			mcp.WithString("payload", mcp.Description("JSON object; UPDATE and DELETE need an \"id\" member")),
			mcp.WithString("owner_id", mcp.Description("Owner of the change; defaults to the signed-in owner")),
		),
		mcpEnqueueChange(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_size",
			mcp.WithDescription("Number of local changes waiting to be pushed."),
		),
		mcpQueueSize(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sync://status",
			"Sync Status",
			mcp.WithResourceDescription("Per-domain sync state and queue size as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpOwner(deps MCPDeps, req mcp.CallToolRequest) string {
	owner := req.GetString("owner_id", "")
	if owner == "" && deps.Session != nil {
		owner = deps.Session.Current()
	}
	return owner
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries := deps.Sync.Snapshot()
		if scope := req.GetString("scope", ""); scope != "" {
			for _, e := range entries {
				if e.Scope == status.Scope(scope) {
					return mcpJSON(e), nil
				}
			}
			return mcpError(fmt.Sprintf("unknown scope %q", scope)), nil
		}
		return mcpJSON(entries), nil
	}
}

func mcpSyncAll(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, err := deps.Sync.SyncAll(ctx, mcpOwner(deps, req))
		if errors.Is(err, syncer.ErrOwnerRequired) {
			return mcpError("owner_id is required (or sign in first)"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(sum), nil
	}
}

func mcpSyncDomain(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("domain")
		if err != nil {
			return mcpError("domain is required"), nil
		}
		domain, err := changes.ParseDomain(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		dir, err := syncer.ParseDirection(req.GetString("direction", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		sum, err := deps.Sync.SyncDomain(ctx, domain, mcpOwner(deps, req), dir)
		if errors.Is(err, syncer.ErrOwnerRequired) {
			return mcpError("owner_id is required (or sign in first)"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(sum), nil
	}
}

func mcpEnqueueChange(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("domain")
		if err != nil {
			return mcpError("domain is required"), nil
		}
		domain, err := changes.ParseDomain(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		opName, err := req.RequireString("operation")
		if err != nil {
			return mcpError("operation is required"), nil
		}
		op, err := changes.ParseOperation(opName)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		var payload any
		if raw := req.GetString("payload", ""); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpError("payload must be valid JSON"), nil
			}
			payload = json.RawMessage(raw)
		}

		rec, err := deps.Sync.Enqueue(ctx, domain, op, payload, mcpOwner(deps, req))
		if err != nil {
			return mcpError(fmt.Sprintf("enqueue failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued change %s (%d pending)", rec.ID, deps.Sync.QueueSize())), nil
	}
}

func mcpQueueSize(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpText(strconv.Itoa(deps.Sync.QueueSize())), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(map[string]any{
			"queue_size": deps.Sync.QueueSize(),
			"scopes":     deps.Sync.Snapshot(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
