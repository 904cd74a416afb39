// Package tools exposes the engine over the MCP stdio protocol. Every
// client-visible operation is a named tool with a JSON argument map; results
// are text blocks, errors carry the machine-readable error kind.
package tools

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/auth"
	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/executor"
	"github.com/parallelwork/parallelwork/internal/patch"
	"github.com/parallelwork/parallelwork/internal/taskgraph"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// Engine is the execution surface the tool handlers drive. Satisfied by
// *executor.Manager; tests substitute a scripted fake.
type Engine interface {
	ExecuteBackground(ctx context.Context, opts executor.RunOptions) (string, error)
	JobSnapshot(ctx context.Context, id string) (*v1.Job, error)
	AnswerQuestion(ctx context.Context, jobID, answer string) error
	GetPendingPatch(ctx context.Context, id string) (*v1.Patch, error)
	ListPendingPatches(ctx context.Context) ([]*v1.Patch, error)
	ApplyPatch(ctx context.Context, patchID, targetWorkspace string, backup bool) (*patch.ApplyResult, error)
	RejectPatch(ctx context.Context, patchID, reason string) error
	RequestRevision(ctx context.Context, patchID, feedback, extraContext string, preserveCorrect bool) (string, error)
	Stats(ctx context.Context) executor.Stats
}

// AuthStatus reports whether an agent credential is resolvable and where it
// came from.
type AuthStatus interface {
	Status(ctx context.Context) (source string, kind auth.CredentialKind, ok bool)
}

// WorkspaceTracker registers workspaces with the streaming hub so the
// dashboard can list them. Nil when streaming is disabled.
type WorkspaceTracker interface {
	TrackWorkspace(workspace string)
}

// Server owns the MCP server instance and the dependencies the tool
// handlers close over.
type Server struct {
	mcp     *server.MCPServer
	engine  Engine
	tasks   *taskgraph.Manager
	watcher *taskgraph.Watcher
	auth    AuthStatus
	hub     WorkspaceTracker
	cfg     *config.Config
	logger  *logger.Logger
	probe   *http.Client
}

// NewServer builds the tool server and registers every tool. watcher and hub
// may be nil when the corresponding subsystem is disabled.
func NewServer(engine Engine, tasks *taskgraph.Manager, watcher *taskgraph.Watcher, authReader AuthStatus, hub WorkspaceTracker, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"parallel-work",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine:  engine,
		tasks:   tasks,
		watcher: watcher,
		auth:    authReader,
		hub:     hub,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "tools")),
		probe:   &http.Client{Timeout: 2 * time.Second},
	}
	s.registerWorkerTools()
	s.registerReviewTools()
	s.registerTaskTools()
	s.registerSystemTools()
	return s
}

// Serve runs the stdio protocol loop until stdin closes.
func (s *Server) Serve() error {
	s.logger.Info("serving tools over stdio")
	return server.ServeStdio(s.mcp)
}

// toolError formats an error as a tool result with the machine-readable kind
// as prefix. Handler errors never propagate as protocol errors.
func toolError(err error) *mcp.CallToolResult {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return mcp.NewToolResultError(appErr.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", errors.CodeOf(err), err))
}

// jsonResult renders v as an indented JSON text block.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(errors.InternalError("failed to encode result", err))
	}
	return mcp.NewToolResultText(string(data))
}
