package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"devstack/internal/domain"
	"devstack/internal/service"
)

// queryWait bounds how long a tool call waits for a query to settle.
const queryWait = 60 * time.Second

func (s *Server) registerQueryTools() {
	s.mcp.AddTool(mcp.NewTool("open_session",
		mcp.WithDescription("Open a query session on a running server. The session starts with one empty tab."),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
		mcp.WithString("database", mcp.Description("Database to connect to (optional)")),
		mcp.WithString("username", mcp.Description("User (defaults to the engine user)")),
		mcp.WithString("password", mcp.Description("Password (optional)")),
		mcp.WithString("host", mcp.Description("Host (defaults to localhost)")),
	), s.handleOpenSession)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List open query sessions with their tabs"),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("close_session",
		mcp.WithDescription("Close a query session"),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
	), s.handleCloseSession)

	s.mcp.AddTool(mcp.NewTool("open_tab",
		mcp.WithDescription("Open a new query tab and make it active"),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
	), s.handleOpenTab)

	s.mcp.AddTool(mcp.NewTool("close_tab",
		mcp.WithDescription("Close a query tab. The last tab of a session cannot be closed."),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
		mcp.WithString("tabId", mcp.Description("Tab ID"), mcp.Required()),
	), s.handleCloseTab)

	s.mcp.AddTool(mcp.NewTool("set_active_tab",
		mcp.WithDescription("Make a query tab active"),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
		mcp.WithString("tabId", mcp.Description("Tab ID"), mcp.Required()),
	), s.handleSetActiveTab)

	s.mcp.AddTool(mcp.NewTool("edit_query",
		mcp.WithDescription("Replace the query text of a tab"),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
		mcp.WithString("tabId", mcp.Description("Tab ID (defaults to the active tab)")),
		mcp.WithString("query", mcp.Description("Query text"), mcp.Required()),
	), s.handleEditQuery)

	s.mcp.AddTool(mcp.NewTool("execute_query",
		mcp.WithDescription("Run a tab's query and return the tab with its result. 🛑 Write queries require user approval."),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
		mcp.WithString("tabId", mcp.Description("Tab ID (defaults to the active tab)")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the result (default true)")),
	), s.handleExecuteQuery)

	s.mcp.AddTool(mcp.NewTool("get_tab",
		mcp.WithDescription("Get a query tab with its state and last result"),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
		mcp.WithString("tabId", mcp.Description("Tab ID (defaults to the active tab)")),
	), s.handleGetTab)

	s.mcp.AddTool(mcp.NewTool("get_schema",
		mcp.WithDescription("Get the database, table and column tree of a session's connection"),
		mcp.WithString("sessionId", mcp.Description("Session ID"), mcp.Required()),
	), s.handleGetSchema)

	s.mcp.AddTool(mcp.NewTool("run_query",
		mcp.WithDescription("Run one query on a running server in a throwaway session. 🛑 Write queries require user approval."),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
		mcp.WithString("query", mcp.Description("Query text"), mcp.Required()),
		mcp.WithString("database", mcp.Description("Database (optional)")),
		mcp.WithString("username", mcp.Description("User (optional)")),
		mcp.WithString("password", mcp.Description("Password (optional)")),
	), s.handleRunQuery)
}

func (s *Server) session(req mcp.CallToolRequest) (*service.QuerySession, error) {
	id, err := requireString(req, "sessionId")
	if err != nil {
		return nil, err
	}
	return s.sup.Session(id)
}

// tabID returns the requested tab or the session's active one.
func tabID(req mcp.CallToolRequest, qs *service.QuerySession) string {
	if id := req.GetString("tabId", ""); id != "" {
		return id
	}
	return qs.ActiveTabID()
}

func (s *Server) handleOpenSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	qs, err := s.sup.OpenSession(ctx, service.OpenSessionInput{
		InstanceID: instanceID,
		Host:       req.GetString("host", ""),
		Database:   req.GetString("database", ""),
		Username:   req.GetString("username", ""),
		Password:   req.GetString("password", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return jsonResult(qs.Snapshot())
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := []domain.SessionSnapshot{}
	for _, qs := range s.sup.Sessions() {
		out = append(out, qs.Snapshot())
	}
	return jsonResult(out)
}

func (s *Server) handleCloseSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(req, "sessionId")
	if err != nil {
		return nil, err
	}
	if err := s.sup.CloseSession(ctx, id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Closed session %s", id)), nil
}

func (s *Server) handleOpenTab(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs, err := s.session(req)
	if err != nil {
		return nil, err
	}
	id, err := qs.OpenTab(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]string{"tabId": id})
}

func (s *Server) handleCloseTab(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs, err := s.session(req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "tabId")
	if err != nil {
		return nil, err
	}
	if err := qs.CloseTab(ctx, id); err != nil {
		return nil, err
	}
	return jsonResult(map[string]string{"activeTabId": qs.ActiveTabID()})
}

func (s *Server) handleSetActiveTab(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs, err := s.session(req)
	if err != nil {
		return nil, err
	}
	id, err := requireString(req, "tabId")
	if err != nil {
		return nil, err
	}
	if err := qs.SetActiveTab(ctx, id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Tab %s is active", id)), nil
}

func (s *Server) handleEditQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs, err := s.session(req)
	if err != nil {
		return nil, err
	}
	query, ok := req.GetArguments()["query"].(string)
	if !ok {
		return nil, fmt.Errorf("query is required")
	}
	id := tabID(req, qs)
	if err := qs.EditQuery(ctx, id, query); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Updated tab %s", id)), nil
}

func (s *Server) handleExecuteQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs, err := s.session(req)
	if err != nil {
		return nil, err
	}
	id := tabID(req, qs)
	tab, err := qs.Tab(id)
	if err != nil {
		return nil, err
	}
	// The approved text is what runs, even if the tab is edited meanwhile.
	query := tab.QueryText
	if !s.allowQuery(ctx, qs.Connection(), query) {
		return textResult("Write query rejected by user"), nil
	}
	if err := qs.ExecuteText(ctx, id, query); err != nil {
		return nil, err
	}
	if !getBool(req.GetArguments(), "wait", true) {
		return textResult(fmt.Sprintf("Tab %s is executing", id)), nil
	}
	return s.settledTab(ctx, qs, id)
}

func (s *Server) handleGetTab(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs, err := s.session(req)
	if err != nil {
		return nil, err
	}
	tab, err := qs.Tab(tabID(req, qs))
	if err != nil {
		return nil, err
	}
	return jsonResult(tab)
}

func (s *Server) handleGetSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qs, err := s.session(req)
	if err != nil {
		return nil, err
	}
	schema, err := qs.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return jsonResult(schema)
}

func (s *Server) handleRunQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	query, err := requireString(req, "query")
	if err != nil {
		return nil, err
	}
	qs, err := s.sup.OpenSession(ctx, service.OpenSessionInput{
		InstanceID: instanceID,
		Database:   req.GetString("database", ""),
		Username:   req.GetString("username", ""),
		Password:   req.GetString("password", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer s.sup.CloseSession(context.Background(), qs.ID())

	if !s.allowQuery(ctx, qs.Connection(), query) {
		return textResult("Write query rejected by user"), nil
	}
	id := qs.ActiveTabID()
	if err := qs.EditQuery(ctx, id, query); err != nil {
		return nil, err
	}
	if err := qs.ExecuteText(ctx, id, query); err != nil {
		return nil, err
	}
	return s.settledTab(ctx, qs, id)
}

// allowQuery asks for approval before running a query that may write.
func (s *Server) allowQuery(ctx context.Context, conn domain.ConnectionInfo, query string) bool {
	if !isWriteQuery(conn.Engine, query) {
		return true
	}
	approved, err := s.approval.Request(ctx, "execute_query",
		fmt.Sprintf("Execute write query on %s:%d: %s", conn.Engine, conn.Port, truncate(query, 100)),
		marshalMeta(map[string]string{"instanceId": conn.InstanceID}))
	return err == nil && approved
}

func (s *Server) settledTab(ctx context.Context, qs *service.QuerySession, id string) (*mcp.CallToolResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, queryWait)
	defer cancel()
	qs.WaitTab(waitCtx, id)
	tab, err := qs.Tab(id)
	if err != nil {
		return nil, err
	}
	return jsonResult(tab)
}
