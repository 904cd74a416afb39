package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/executor"
)

// registerWorkerTools adds the agent execution tools.
func (s *Server) registerWorkerTools() {
	s.mcp.AddTool(mcp.NewTool("task_worker",
		mcp.WithDescription("Start a background coding agent in an isolated sandbox. Returns a job id to poll with work_status."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The coding task prompt for the agent")),
		mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace to copy into the sandbox")),
		mcp.WithString("description", mcp.Description("Extra context appended to the prompt")),
		mcp.WithString("parentTask", mcp.Description("Identifier of the plan task this run belongs to")),
		mcp.WithString("taskId", mcp.Description("Manifest task id to link the resulting patch to")),
		mcp.WithString("returnMode", mcp.Description("'full' for complete agent output, 'summary' (default) for a truncated summary")),
	), s.handleTaskWorker)

	s.mcp.AddTool(mcp.NewTool("work_status",
		mcp.WithDescription("Check a background job by id, or the task-graph buckets for a workspace."),
		mcp.WithString("taskId", mcp.Description("Background job id returned by task_worker")),
		mcp.WithString("planId", mcp.Description("Workspace path whose tasks.json buckets to report")),
	), s.handleWorkStatus)

	s.mcp.AddTool(mcp.NewTool("answer_worker_question",
		mcp.WithDescription("Answer a question from a job in needs_input and resume it in the same sandbox."),
		mcp.WithString("taskId", mcp.Required(), mcp.Description("Background job id waiting for input")),
		mcp.WithString("answer", mcp.Required(), mcp.Description("The answer to the agent's question")),
	), s.handleAnswerQuestion)
}

func (s *Server) handleTaskWorker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workFolder, err := req.RequireString("workFolder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if info, err := os.Stat(workFolder); err != nil || !info.IsDir() {
		return toolError(errors.InvalidParams(fmt.Sprintf("workFolder is not a directory: %s", workFolder))), nil
	}

	if s.hub != nil {
		s.hub.TrackWorkspace(workFolder)
	}
	if s.watcher != nil {
		if err := s.watcher.Watch(workFolder); err != nil {
			s.logger.Debug("failed to watch workspace", zap.String("workspace", workFolder), zap.Error(err))
		}
	}

	jobID, err := s.engine.ExecuteBackground(ctx, executor.RunOptions{
		Task:        task,
		Workspace:   workFolder,
		Description: req.GetString("description", ""),
		ParentTask:  req.GetString("parentTask", ""),
		TaskID:      req.GetString("taskId", ""),
		ReturnFull:  req.GetString("returnMode", "summary") == "full",
	})
	if err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]any{
		"job_id": jobID,
		"status": "started",
		"note":   "Poll with work_status; the agent runs in the background.",
	}), nil
}

func (s *Server) handleWorkStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if jobID := req.GetString("taskId", ""); jobID != "" {
		job, err := s.engine.JobSnapshot(ctx, jobID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(job), nil
	}

	workspace := req.GetString("planId", "")
	if workspace == "" {
		return toolError(errors.InvalidParams("either taskId or planId is required")), nil
	}
	manifest, err := s.tasks.Load(workspace)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(s.tasks.List(manifest)), nil
}

func (s *Server) handleAnswerQuestion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("taskId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	answer, err := req.RequireString("answer")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.engine.AnswerQuestion(ctx, jobID, answer); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Answer delivered; job %s resumed in its sandbox.", jobID)), nil
}
