package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// registerReviewTools adds the patch review lifecycle tools.
func (s *Server) registerReviewTools() {
	s.mcp.AddTool(mcp.NewTool("review_changes",
		mcp.WithDescription("List pending patches, or show one patch in detail."),
		mcp.WithString("diffId", mcp.Description("Patch id to inspect; omit to list all pending patches")),
		mcp.WithBoolean("showContent", mcp.Description("Include the full diff text")),
		mcp.WithString("format", mcp.Description("'summary' (default) or 'diff'")),
	), s.handleReviewChanges)

	s.mcp.AddTool(mcp.NewTool("apply_changes",
		mcp.WithDescription("Apply a pending patch to a host workspace. The patch's sandbox is released afterwards."),
		mcp.WithString("diffId", mcp.Required(), mcp.Description("Patch id to apply")),
		mcp.WithString("targetWorkspace", mcp.Required(), mcp.Description("Absolute path of the workspace to apply the patch to")),
		mcp.WithBoolean("backup", mcp.Description("Back up the target tree before applying (default true)")),
	), s.handleApplyChanges)

	s.mcp.AddTool(mcp.NewTool("reject_changes",
		mcp.WithDescription("Reject a pending patch and release its sandbox."),
		mcp.WithString("diffId", mcp.Required(), mcp.Description("Patch id to reject")),
		mcp.WithString("reason", mcp.Description("Optional rejection reason recorded with the patch")),
	), s.handleRejectChanges)

	s.mcp.AddTool(mcp.NewTool("request_revision",
		mcp.WithDescription("Ask the agent to revise a pending patch based on feedback. Runs in the patch's original sandbox."),
		mcp.WithString("diffId", mcp.Required(), mcp.Description("Patch id to revise")),
		mcp.WithString("feedback", mcp.Required(), mcp.Description("What should change")),
		mcp.WithString("additionalContext", mcp.Description("Extra context for the revision")),
		mcp.WithBoolean("preserveCorrectParts", mcp.Description("Keep already-correct changes intact (default true)")),
	), s.handleRequestRevision)
}

// patchSummary is the listing shape for review_changes without a diffId.
type patchSummary struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Workspace string         `json:"workspace"`
	Status    v1.PatchStatus `json:"status"`
	Files     int            `json:"files"`
	Additions int            `json:"additions"`
	Deletions int            `json:"deletions"`
	Revisions int            `json:"revisions"`
	Summary   string         `json:"summary,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func summarize(p *v1.Patch) patchSummary {
	return patchSummary{
		ID:        p.ID,
		JobID:     p.JobID,
		TaskID:    p.TaskID,
		Workspace: p.Workspace,
		Status:    p.Status,
		Files:     len(p.Files),
		Additions: p.Additions,
		Deletions: p.Deletions,
		Revisions: len(p.Revisions),
		Summary:   p.Summary,
		CreatedAt: p.CreatedAt.Format("2006-01-02 15:04:05"),
	}
}

func (s *Server) handleReviewChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	diffID := req.GetString("diffId", "")
	if diffID == "" {
		patches, err := s.engine.ListPendingPatches(ctx)
		if err != nil {
			return toolError(err), nil
		}
		out := make([]patchSummary, 0, len(patches))
		for _, p := range patches {
			out = append(out, summarize(p))
		}
		return jsonResult(map[string]any{"pending": out, "count": len(out)}), nil
	}

	p, err := s.engine.GetPendingPatch(ctx, diffID)
	if err != nil {
		return toolError(err), nil
	}

	showContent := req.GetBool("showContent", false)
	if req.GetString("format", "summary") == "diff" {
		showContent = true
	}
	if showContent {
		return jsonResult(p), nil
	}
	detail := map[string]any{
		"patch": summarize(p),
		"files": p.Files,
	}
	if len(p.Revisions) > 0 {
		detail["revision_history"] = p.Revisions
	}
	return jsonResult(detail), nil
}

func (s *Server) handleApplyChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	diffID, err := req.RequireString("diffId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := req.RequireString("targetWorkspace")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.engine.ApplyPatch(ctx, diffID, target, req.GetBool("backup", true))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{
		"applied":     result.Success,
		"diff_id":     diffID,
		"target":      target,
		"tool":        result.Tool,
		"backup_path": result.BackupPath,
	}), nil
}

func (s *Server) handleRejectChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	diffID, err := req.RequireString("diffId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.engine.RejectPatch(ctx, diffID, req.GetString("reason", "")); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Patch %s rejected; its sandbox has been released.", diffID)), nil
}

func (s *Server) handleRequestRevision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	diffID, err := req.RequireString("diffId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	feedback, err := req.RequireString("feedback")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	jobID, err := s.engine.RequestRevision(ctx, diffID, feedback,
		req.GetString("additionalContext", ""),
		req.GetBool("preserveCorrectParts", true))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{
		"job_id":  jobID,
		"diff_id": diffID,
		"status":  "started",
		"note":    "The revision runs in the original sandbox; a new patch will supersede this one.",
	}), nil
}
