package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"devstack/internal/service"
)

// Server is the MCP server for devstack.
// It exposes tools, resources and prompts so AI agents can manage local
// database servers and query them.
type Server struct {
	mcp      *server.MCPServer
	sup      *service.Supervisor
	approval *ApprovalQueue
}

// Deps holds the dependencies passed from the app layer to the MCP server.
type Deps struct {
	Supervisor *service.Supervisor
	Approval   *ApprovalQueue // nil approves every action
	Version    string
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	approval := deps.Approval
	if approval == nil {
		approval = NewApprovalQueue(nil, ApprovalAuto, 0)
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		sup:      deps.Supervisor,
		approval: approval,
	}

	s.mcp = server.NewMCPServer(
		"devstack-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerInstanceTools()
	s.registerDownloadTools()
	s.registerQueryTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	log.Info().Msg("starting MCP stdio server")
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}
