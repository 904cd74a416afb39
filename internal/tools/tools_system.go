package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/executor"
)

// registerSystemTools adds the status, log, and dashboard tools.
func (s *Server) registerSystemTools() {
	s.mcp.AddTool(mcp.NewTool("system_status",
		mcp.WithDescription("Engine summary: sandbox pool, jobs, pending patches, sessions, and agent credential status."),
	), s.handleSystemStatus)

	s.mcp.AddTool(mcp.NewTool("view_container_logs",
		mcp.WithDescription("Read an execution log by file name, sandbox short id, or task id."),
		mcp.WithString("identifier", mcp.Required(), mcp.Description("Log file name, sandbox short id, or task id")),
		mcp.WithNumber("tail", mcp.Description("Number of trailing lines (default 100)")),
		mcp.WithString("filter", mcp.Description("Only lines containing this substring")),
	), s.handleViewContainerLogs)

	s.mcp.AddTool(mcp.NewTool("list_container_logs",
		mcp.WithDescription("List execution log files, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum files to list (default 20)")),
		mcp.WithString("sortBy", mcp.Description("'name' or 'size'; default is modification time")),
	), s.handleListContainerLogs)

	s.mcp.AddTool(mcp.NewTool("open_dashboard",
		mcp.WithDescription("Open the streaming dashboard in a browser."),
	), s.handleOpenDashboard)

	s.mcp.AddTool(mcp.NewTool("dashboard_status",
		mcp.WithDescription("Probe the streaming dashboard endpoint."),
	), s.handleDashboardStatus)
}

func (s *Server) handleSystemStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.engine.Stats(ctx)
	source, kind, ok := s.auth.Status(ctx)
	return jsonResult(map[string]any{
		"engine": stats,
		"auth": map[string]any{
			"available": ok,
			"source":    source,
			"kind":      kind,
		},
		"streaming": map[string]any{
			"enabled": s.cfg.Streaming.Enabled,
			"port":    s.cfg.Streaming.Port,
		},
	}), nil
}

func (s *Server) handleViewContainerLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier, err := req.RequireString("identifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	path, err := executor.FindLog(s.cfg.LogDir(), identifier)
	if err != nil {
		if os.IsNotExist(err) {
			return toolError(errors.NotFound("log", identifier)), nil
		}
		return toolError(err), nil
	}
	lines, err := executor.TailLog(path, req.GetInt("tail", 100), req.GetString("filter", ""))
	if err != nil {
		return toolError(err), nil
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("%s: no matching lines", path)), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) handleListContainerLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logs, err := executor.ListLogs(s.cfg.LogDir(), req.GetInt("limit", 20), req.GetString("sortBy", ""))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"logs": logs, "count": len(logs)}), nil
}

func (s *Server) dashboardURL() string {
	return fmt.Sprintf("http://localhost:%d", s.cfg.Streaming.Port)
}

// probeDashboard hits the hub status endpoint and decodes its body.
func (s *Server) probeDashboard(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.dashboardURL()+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Server) handleOpenDashboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.cfg.Streaming.Enabled {
		return toolError(errors.PreconditionFailed("streaming is disabled; set CLAUDE_PARALLEL_WORK_ENABLE_STREAMING=true and restart")), nil
	}
	if _, err := s.probeDashboard(ctx); err != nil {
		return toolError(errors.Unavailable("dashboard")), nil
	}

	url := s.dashboardURL()
	var opener string
	switch runtime.GOOS {
	case "darwin":
		opener = "open"
	case "linux":
		opener = "xdg-open"
	}
	if opener != "" {
		if err := exec.CommandContext(ctx, opener, url).Start(); err != nil {
			s.logger.Debug("failed to launch browser", zap.Error(err))
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("Dashboard running at %s", url)), nil
}

func (s *Server) handleDashboardStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := map[string]any{
		"enabled": s.cfg.Streaming.Enabled,
		"url":     s.dashboardURL(),
	}
	body, err := s.probeDashboard(ctx)
	if err != nil {
		status["running"] = false
		return jsonResult(status), nil
	}
	status["running"] = true
	for k, v := range body {
		if _, taken := status[k]; !taken {
			status[k] = v
		}
	}
	return jsonResult(status), nil
}
