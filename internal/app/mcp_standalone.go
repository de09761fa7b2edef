package app

import (
	"context"
	"fmt"
)

// serveMCP runs devstack as a standalone MCP server on stdin/stdout.
// Destructive tool calls are filed in the approvals table and resolved with
// `devstack approvals approve <id>` from another terminal.
func (c *cli) serveMCP(ctx context.Context) error {
	a, err := c.daemon(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.MCPServer(Version).ServeStdio(); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
