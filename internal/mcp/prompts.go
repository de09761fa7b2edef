package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("switch_version",
		mcp.WithPromptDescription("Move a database server to another version safely"),
		mcp.WithArgument("instanceId",
			mcp.ArgumentDescription("ID of the server to switch"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("version",
			mcp.ArgumentDescription("Target version"),
			mcp.RequiredArgument(),
		),
	), s.handleSwitchVersionPrompt)

	s.mcp.AddPrompt(mcp.NewPrompt("explore_database",
		mcp.WithPromptDescription("Explore the schema and sample data of a running server"),
		mcp.WithArgument("instanceId",
			mcp.ArgumentDescription("ID of the server to explore"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("database",
			mcp.ArgumentDescription("Database to focus on (optional)"),
		),
	), s.handleExploreDatabasePrompt)
}

func (s *Server) handleSwitchVersionPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	id := req.Params.Arguments["instanceId"]
	version := req.Params.Arguments["version"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Switch %s to %s", id, version),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Switch server %s to version %s. Follow these steps:

1. Use get_instance to check the current version, status and available versions
2. If %s is not in availableVersions, run check_updates and look again
3. If the server is running, stop it with stop_instance
4. Call change_version and poll get_instance (or list_downloads) until the status is stopped
5. If lastError is set, report it; otherwise start the server with start_instance

Never delete the server to change its version.`, id, version, version),
				},
			},
		},
	}, nil
}

func (s *Server) handleExploreDatabasePrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	id := req.Params.Arguments["instanceId"]
	database := req.Params.Arguments["database"]
	focus := "every database"
	if database != "" {
		focus = fmt.Sprintf("the %q database", database)
	}
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Explore server %s", id),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Explore %s on server %s. Follow these steps:

1. Use get_instance to confirm the server is running; start it if it is stopped
2. Open a session with open_session and call get_schema
3. Summarize the tables (or collections) and their primary keys
4. For the most interesting tables, edit_query a small read-only sample query and execute_query it
5. Close the session with close_session when done

Only run read queries. Do not modify data.`, focus, id),
				},
			},
		},
	}, nil
}
