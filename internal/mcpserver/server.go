// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes sync status and conflict tools via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/orchestrator"
	"github.com/starford/laguz/internal/syncservice"
)

const guideURI = "laguz://conflict-guide"

// Server wraps the MCP server with the sync tools.
type Server struct {
	mcp *server.MCPServer
	svc *syncservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *syncservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Laguz",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("sync_status",
		mcp.WithDescription("Record counts per sync state, the conflict policy and any halted entities."),
	), s.syncStatus)

	s.mcp.AddTool(mcp.NewTool("list_conflicts",
		mcp.WithDescription("List conflicts waiting for a decision, oldest first. "+
			"Read the laguz://conflict-guide resource for how conflicts are settled."),
	), s.listConflicts)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Get the stored sync record of one entity."),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity id (the sync_id header of the local file)")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("resolve_conflict",
		mcp.WithDescription("Settle a pending conflict. The chosen side's version is written to the other side."),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity id of the pending conflict")),
		mcp.WithString("side", mcp.Required(), mcp.Enum("local", "remote"), mcp.Description("Winning side")),
	), s.resolveConflict)

	s.mcp.AddResource(
		mcp.NewResource(guideURI, "Conflict Guide",
			mcp.WithResourceDescription("How pending conflicts are shown and settled."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readGuide,
	)

	return s
}

// Serve runs the server on the given streams until ctx is cancelled or in
// is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(s.mcp).Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcpserver: %w", err)
	}
	return nil
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) syncStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) listConflicts(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cs, err := s.svc.ListConflicts(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(cs) == 0 {
		return mcp.NewToolResultText("no pending conflicts"), nil
	}
	return jsonResult(cs)
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.GetRecord(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) resolveConflict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	side, err := req.RequireString("side")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	err = s.svc.Resolve(ctx, id, side)
	switch {
	case err == nil:
		return mcp.NewToolResultText(fmt.Sprintf("queued: %s resolved in favour of %s", id, side)), nil
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	case errors.Is(err, orchestrator.ErrNotPending):
		return mcp.NewToolResultError(fmt.Sprintf("no pending conflict: %s", id)), nil
	case errors.Is(err, orchestrator.ErrInvalidSide):
		return mcp.NewToolResultError("side must be local or remote"), nil
	}
	return mcp.NewToolResultError(err.Error()), nil
}

func (s *Server) readGuide(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      guideURI,
			MIMEType: "text/markdown",
			Text:     ConflictGuide,
		},
	}, nil
}
