package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"devstack/internal/domain"
	"devstack/internal/service"
)

func (s *Server) registerInstanceTools() {
	s.mcp.AddTool(mcp.NewTool("list_engines",
		mcp.WithDescription("List supported database engines with their default port and versions"),
	), s.handleListEngines)

	s.mcp.AddTool(mcp.NewTool("list_instances",
		mcp.WithDescription("List configured database servers"),
		mcp.WithString("search", mcp.Description("Filter by name or engine (optional)")),
	), s.handleListInstances)

	s.mcp.AddTool(mcp.NewTool("get_instance",
		mcp.WithDescription("Get one database server"),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
	), s.handleGetInstance)

	s.mcp.AddTool(mcp.NewTool("add_instance",
		mcp.WithDescription("Register a new database server. It starts out stopped."),
		mcp.WithString("engine", mcp.Description("mysql, postgresql, mongodb, redis or mariadb"), mcp.Required()),
		mcp.WithString("name", mcp.Description("Display name (defaults to the engine name)")),
		mcp.WithString("version", mcp.Description("Version (defaults to the newest)")),
		mcp.WithNumber("port", mcp.Description("TCP port (defaults to the engine port)")),
	), s.handleAddInstance)

	s.mcp.AddTool(mcp.NewTool("start_instance",
		mcp.WithDescription("Start a stopped database server"),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
	), s.handleStartInstance)

	s.mcp.AddTool(mcp.NewTool("stop_instance",
		mcp.WithDescription("Stop a running database server"),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
	), s.handleStopInstance)

	s.mcp.AddTool(mcp.NewTool("delete_instance",
		mcp.WithDescription("Delete a database server. 🛑 Requires user approval."),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
	), s.handleDeleteInstance)

	s.mcp.AddTool(mcp.NewTool("change_version",
		mcp.WithDescription("Switch a stopped server to another available version, downloading it if needed"),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
		mcp.WithString("version", mcp.Description("Target version"), mcp.Required()),
	), s.handleChangeVersion)

	s.mcp.AddTool(mcp.NewTool("download_version",
		mcp.WithDescription("Pre-fetch a version binary for a server without switching to it"),
		mcp.WithString("instanceId", mcp.Description("Instance ID"), mcp.Required()),
		mcp.WithString("version", mcp.Description("Version to fetch"), mcp.Required()),
	), s.handleDownloadVersion)

	s.mcp.AddTool(mcp.NewTool("dashboard",
		mcp.WithDescription("Get server and download counters"),
	), s.handleDashboard)

	s.mcp.AddTool(mcp.NewTool("check_updates",
		mcp.WithDescription("Ask the version catalog for new releases and add them to matching servers"),
	), s.handleCheckUpdates)

	s.mcp.AddTool(mcp.NewTool("default_databases",
		mcp.WithDescription("List the system databases a fresh server of an engine ships with"),
		mcp.WithString("engine", mcp.Description("Engine kind"), mcp.Required()),
	), s.handleDefaultDatabases)
}

func (s *Server) handleListEngines(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(domain.Engines())
}

func (s *Server) handleListInstances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if q := req.GetString("search", ""); q != "" {
		return jsonResult(s.sup.SearchInstances(q))
	}
	return jsonResult(s.sup.Instances())
}

func (s *Server) handleGetInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	inst, err := s.sup.Instance(id)
	if err != nil {
		return nil, err
	}
	return jsonResult(inst)
}

func (s *Server) handleAddInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	engine, err := requireString(req, "engine")
	if err != nil {
		return nil, err
	}
	port := getFloat(req.GetArguments(), "port", 0)
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("port %v out of range", port)
	}
	id, err := s.sup.AddInstance(ctx, service.AddInstanceInput{
		Name:    req.GetString("name", ""),
		Engine:  domain.EngineKind(engine),
		Version: req.GetString("version", ""),
		Port:    uint16(port),
	})
	if err != nil {
		return nil, fmt.Errorf("add instance: %w", err)
	}
	inst, err := s.sup.Instance(id)
	if err != nil {
		return nil, err
	}
	return jsonResult(inst)
}

func (s *Server) handleStartInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	if err := s.sup.StartInstance(ctx, id); err != nil {
		return nil, fmt.Errorf("start instance: %w", err)
	}
	return textResult(fmt.Sprintf("Instance %s is running", id)), nil
}

func (s *Server) handleStopInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	if err := s.sup.StopInstance(ctx, id); err != nil {
		return nil, fmt.Errorf("stop instance: %w", err)
	}
	return textResult(fmt.Sprintf("Instance %s is stopped", id)), nil
}

func (s *Server) handleDeleteInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	inst, err := s.sup.Instance(id)
	if err != nil {
		return nil, err
	}

	approved, err := s.approval.Request(ctx, "delete_instance",
		fmt.Sprintf("Delete %s server %q (%s) on port %d", inst.Engine, inst.Name, inst.CurrentVersion, inst.Port),
		marshalMeta(map[string]string{"instanceId": id}))
	if err != nil || !approved {
		return textResult("Delete rejected by user"), nil
	}

	if err := s.sup.DeleteInstance(ctx, id); err != nil {
		return nil, fmt.Errorf("delete instance: %w", err)
	}
	return textResult(fmt.Sprintf("Deleted instance %s", id)), nil
}

func (s *Server) handleChangeVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	version, err := requireString(req, "version")
	if err != nil {
		return nil, err
	}
	if err := s.sup.ChangeVersion(ctx, id, version); err != nil {
		return nil, fmt.Errorf("change version: %w", err)
	}
	inst, err := s.sup.Instance(id)
	if err != nil {
		return nil, err
	}
	return jsonResult(inst)
}

func (s *Server) handleDownloadVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(req, "instanceId")
	if err != nil {
		return nil, err
	}
	version, err := requireString(req, "version")
	if err != nil {
		return nil, err
	}
	downloadID, err := s.sup.DownloadVersion(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("download version: %w", err)
	}
	return jsonResult(map[string]string{"downloadId": downloadID})
}

func (s *Server) handleDashboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sup.Dashboard())
}

func (s *Server) handleCheckUpdates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	updated, err := s.sup.CheckUpdates(ctx)
	out := map[string]any{"updatedInstances": updated}
	if err != nil {
		out["error"] = err.Error()
	}
	return jsonResult(out)
}

func (s *Server) handleDefaultDatabases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	engine, err := requireString(req, "engine")
	if err != nil {
		return nil, err
	}
	dbs, err := s.sup.DefaultDatabases(domain.EngineKind(engine))
	if err != nil {
		return nil, err
	}
	if dbs == nil {
		dbs = []string{}
	}
	return jsonResult(dbs)
}
