package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"devstack/internal/domain"
)

const instanceURIPrefix = "devstack://instances/"

func (s *Server) registerResources() {
	// ── devstack://snapshot ────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		"devstack://snapshot",
		"Current State",
		mcp.WithMIMEType("application/json"),
	), s.handleSnapshotResource)

	// ── devstack://engines ─────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		"devstack://engines",
		"Supported Engines",
		mcp.WithMIMEType("application/json"),
	), s.handleEnginesResource)

	// ── devstack://instances/{id} ──────────────────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			instanceURIPrefix+"{id}",
			"Database Server",
		),
		s.handleInstanceResource,
	)
}

func (s *Server) handleSnapshotResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(req.Params.URI, s.sup.Snapshot())
}

func (s *Server) handleEnginesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(req.Params.URI, domain.Engines())
}

func (s *Server) handleInstanceResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(req.Params.URI, instanceURIPrefix)
	if id == "" || id == req.Params.URI {
		return nil, fmt.Errorf("invalid instance URI: %s", req.Params.URI)
	}
	inst, err := s.sup.Instance(id)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, inst)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
