package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/taskgraph"
)

// registerTaskTools adds the task manifest tools.
func (s *Server) registerTaskTools() {
	s.mcp.AddTool(mcp.NewTool("validate_tasks",
		mcp.WithDescription("Validate the tasks.json manifest of a workspace: structure, dependency references, cycles."),
		mcp.WithString("workFolder", mcp.Required(), mcp.Description("Workspace containing tasks.json")),
	), s.handleValidateTasks)

	s.mcp.AddTool(mcp.NewTool("set_task_status",
		mcp.WithDescription("Update one or more task statuses. Comma-separated ids; 'parent.sub' addresses a subtask. All updates are validated before any is written."),
		mcp.WithString("ids", mcp.Required(), mcp.Description("Comma-separated task ids")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Target status: pending, in-progress, done, or failed")),
		mcp.WithString("workFolder", mcp.Required(), mcp.Description("Workspace containing tasks.json")),
		mcp.WithString("error", mcp.Description("Error text recorded when status is failed")),
	), s.handleSetTaskStatus)

	s.mcp.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Fetch one task with per-dependency status annotations."),
		mcp.WithString("workFolder", mcp.Required(), mcp.Description("Workspace containing tasks.json")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.handleGetTask)

	s.mcp.AddTool(mcp.NewTool("get_tasks",
		mcp.WithDescription("List all tasks bucketed by readiness, optionally filtered by status."),
		mcp.WithString("workFolder", mcp.Required(), mcp.Description("Workspace containing tasks.json")),
		mcp.WithString("status", mcp.Description("Return only tasks with this status")),
	), s.handleGetTasks)

	s.mcp.AddTool(mcp.NewTool("get_next_tasks",
		mcp.WithDescription("List tasks ready to start: pending with all prerequisites done, priority ordered."),
		mcp.WithString("workFolder", mcp.Required(), mcp.Description("Workspace containing tasks.json")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return")),
	), s.handleGetNextTasks)

	s.mcp.AddTool(mcp.NewTool("init_project",
		mcp.WithDescription("Write the workflow guidance file and a starter tasks.json into a workspace."),
		mcp.WithString("workFolder", mcp.Required(), mcp.Description("Workspace to initialize")),
		mcp.WithBoolean("force", mcp.Description("Overwrite an existing guidance file")),
	), s.handleInitProject)
}

func (s *Server) handleValidateTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workFolder, err := req.RequireString("workFolder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	manifest, err := s.tasks.Load(workFolder)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(s.tasks.Validate(manifest)), nil
}

func (s *Server) handleSetTaskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := req.RequireString("ids")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workFolder, err := req.RequireString("workFolder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.tasks.UpdateStatus(workFolder, ids, status, req.GetString("error", "")); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Updated %s to %s.", ids, status)), nil
}

func (s *Server) handleGetTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workFolder, err := req.RequireString("workFolder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	manifest, err := s.tasks.Load(workFolder)
	if err != nil {
		return toolError(err), nil
	}
	view, err := s.tasks.Get(manifest, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(view), nil
}

func (s *Server) handleGetTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workFolder, err := req.RequireString("workFolder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	manifest, err := s.tasks.Load(workFolder)
	if err != nil {
		return toolError(err), nil
	}

	if status := req.GetString("status", ""); status != "" {
		var matched []taskgraph.Task
		for _, t := range manifest.Tasks {
			if t.Status == status {
				matched = append(matched, t)
			}
		}
		return jsonResult(map[string]any{"status": status, "tasks": matched, "count": len(matched)}), nil
	}
	return jsonResult(s.tasks.List(manifest)), nil
}

func (s *Server) handleGetNextTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workFolder, err := req.RequireString("workFolder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	manifest, err := s.tasks.Load(workFolder)
	if err != nil {
		return toolError(err), nil
	}
	ready := s.tasks.NextReady(manifest)
	if limit := req.GetInt("limit", 0); limit > 0 && limit < len(ready) {
		ready = ready[:limit]
	}
	return jsonResult(map[string]any{"ready": ready, "count": len(ready)}), nil
}

func (s *Server) handleInitProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workFolder, err := req.RequireString("workFolder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if info, err := os.Stat(workFolder); err != nil || !info.IsDir() {
		return toolError(errors.InvalidParams(fmt.Sprintf("workFolder is not a directory: %s", workFolder))), nil
	}

	guidePath := filepath.Join(workFolder, guidanceFileName)
	if _, err := os.Stat(guidePath); err == nil && !req.GetBool("force", false) {
		return toolError(errors.Conflict(fmt.Sprintf("%s already exists; pass force to overwrite", guidanceFileName))), nil
	}
	if err := os.WriteFile(guidePath, []byte(guidanceContent), 0o644); err != nil {
		return toolError(errors.InternalError("failed to write guidance file", err)), nil
	}
	written := []string{guidanceFileName}

	// A starter manifest is only written when none exists; force never
	// clobbers task state.
	manifestPath := taskgraph.ManifestPath(workFolder)
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		if err := os.WriteFile(manifestPath, []byte(starterManifest), 0o644); err != nil {
			return toolError(errors.InternalError("failed to write starter manifest", err)), nil
		}
		written = append(written, taskgraph.ManifestName)
	}

	return jsonResult(map[string]any{
		"initialized": workFolder,
		"written":     written,
	}), nil
}
