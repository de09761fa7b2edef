package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerDownloadTools() {
	s.mcp.AddTool(mcp.NewTool("list_downloads",
		mcp.WithDescription("List binary transfers with progress and throughput"),
	), s.handleListDownloads)

	idArg := mcp.WithString("downloadId", mcp.Description("Download ID"), mcp.Required())

	s.mcp.AddTool(mcp.NewTool("pause_download",
		mcp.WithDescription("Pause a queued or running transfer"), idArg,
	), s.downloadAction("pause", s.sup.PauseDownload))

	s.mcp.AddTool(mcp.NewTool("resume_download",
		mcp.WithDescription("Resume a paused or failed transfer from its last byte"), idArg,
	), s.downloadAction("resume", s.sup.ResumeDownload))

	s.mcp.AddTool(mcp.NewTool("cancel_download",
		mcp.WithDescription("Cancel a transfer and discard its partial file"), idArg,
	), s.downloadAction("cancel", s.sup.CancelDownload))

	s.mcp.AddTool(mcp.NewTool("remove_download",
		mcp.WithDescription("Remove a settled transfer from the list"), idArg,
	), s.downloadAction("remove", s.sup.RemoveDownload))

	s.mcp.AddTool(mcp.NewTool("set_max_concurrent",
		mcp.WithDescription("Set how many transfers may run at once"),
		mcp.WithNumber("max", mcp.Description("Maximum concurrent transfers (at least 1)"), mcp.Required()),
	), s.handleSetMaxConcurrent)
}

func (s *Server) handleListDownloads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type downloadView struct {
		ID         string  `json:"id"`
		Engine     string  `json:"engine"`
		Version    string  `json:"version"`
		InstanceID string  `json:"instanceId,omitempty"`
		Status     string  `json:"status"`
		Progress   int     `json:"progress"`
		Downloaded int64   `json:"downloadedBytes"`
		Total      int64   `json:"totalBytes"`
		Throughput float64 `json:"throughputBytesPerSec"`
		Error      string  `json:"error,omitempty"`
	}
	views := []downloadView{}
	for _, d := range s.sup.Downloads() {
		views = append(views, downloadView{
			ID: d.ID, Engine: string(d.Engine), Version: d.Version, InstanceID: d.InstanceID,
			Status: string(d.Status), Progress: d.Progress(), Downloaded: d.DownloadedBytes,
			Total: d.TotalBytes, Throughput: d.ThroughputBytesPerSec, Error: d.Error,
		})
	}
	return jsonResult(views)
}

func (s *Server) downloadAction(verb string, fn func(context.Context, string) error) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := requireString(req, "downloadId")
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, id); err != nil {
			return nil, fmt.Errorf("%s download: %w", verb, err)
		}
		return textResult(fmt.Sprintf("Download %s: %s ok", id, verb)), nil
	}
}

func (s *Server) handleSetMaxConcurrent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := int(getFloat(req.GetArguments(), "max", 0))
	if n < 1 {
		return nil, fmt.Errorf("max must be at least 1")
	}
	s.sup.SetMaxConcurrent(ctx, n)
	return textResult(fmt.Sprintf("Max concurrent downloads set to %d", n)), nil
}
