// Package patch extracts unified diffs from sandboxes and applies reviewed
// patches to host workspaces.
package patch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/sandbox"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// baselineRef marks the pre-agent state of /workspace inside a sandbox.
const baselineRef = "parallel-work-baseline"

// emptyTreeHash is git's well-known empty tree object, diffed against when
// no baseline exists.
const emptyTreeHash = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

const (
	committerName  = "Parallel Work"
	committerEmail = "parallel-work@localhost"
)

// DiffOptions control patch extraction.
type DiffOptions struct {
	IncludeBinary    bool
	ContextLines     int // 0 means git's default
	IgnoreWhitespace bool
}

// Engine drives in-sandbox version tracking. All commands run inside the
// sandbox's /workspace; nothing outside it is ever touched.
type Engine struct {
	daemon sandbox.Daemon
	logger *logger.Logger
}

// NewEngine creates a patch engine over the container daemon.
func NewEngine(daemon sandbox.Daemon, log *logger.Logger) *Engine {
	return &Engine{
		daemon: daemon,
		logger: log.WithFields(zap.String("component", "patch-engine")),
	}
}

// git runs a git command inside the sandbox workspace.
func (e *Engine) git(ctx context.Context, sb *sandbox.Sandbox, args ...string) (*sandbox.ExecResult, error) {
	cmd := append([]string{"git"}, args...)
	res, err := e.daemon.Exec(ctx, sb.ID, cmd, sandbox.ContainerWorkspace, nil)
	if err != nil {
		return nil, fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return res, nil
}

func (e *Engine) gitOK(ctx context.Context, sb *sandbox.Sandbox, args ...string) error {
	res, err := e.git(ctx, sb, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git %s exited %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// InitTracking configures the committer identity, trusts the workspace,
// initializes a repository if absent, and creates the baseline commit. The
// baseline is created exactly once per sandbox; repeated calls are no-ops.
func (e *Engine) InitTracking(ctx context.Context, sb *sandbox.Sandbox) error {
	// Already initialized when the baseline ref resolves.
	if res, err := e.git(ctx, sb, "rev-parse", "--verify", "--quiet", baselineRef); err == nil && res.ExitCode == 0 {
		return nil
	}

	if err := e.gitOK(ctx, sb, "config", "--global", "--add", "safe.directory", sandbox.ContainerWorkspace); err != nil {
		return err
	}

	// Initialize a repository if the workspace does not carry one.
	if res, err := e.git(ctx, sb, "rev-parse", "--git-dir"); err != nil || res.ExitCode != 0 {
		if err := e.gitOK(ctx, sb, "init"); err != nil {
			return err
		}
	}

	if err := e.gitOK(ctx, sb, "config", "user.email", committerEmail); err != nil {
		return err
	}
	if err := e.gitOK(ctx, sb, "config", "user.name", committerName); err != nil {
		return err
	}

	if err := e.gitOK(ctx, sb, "add", "-A"); err != nil {
		return err
	}
	// Empty-allowed so an empty workspace still gets a baseline.
	if err := e.gitOK(ctx, sb, "commit", "--allow-empty", "-m", "workspace baseline"); err != nil {
		return err
	}
	if err := e.gitOK(ctx, sb, "tag", "-f", baselineRef); err != nil {
		return err
	}

	e.logger.Debug("baseline created", zap.String("container_id", sb.ShortID()))
	return nil
}

// Extract stages all changes and computes the unified diff of the staged
// index against the baseline. A run with no staged changes returns an empty
// patch, never an error.
func (e *Engine) Extract(ctx context.Context, sb *sandbox.Sandbox, opts DiffOptions) (*v1.Patch, error) {
	// Refresh the index; permission-related refresh failures are ignored.
	if _, err := e.git(ctx, sb, "update-index", "--refresh"); err != nil {
		return nil, err
	}
	if err := e.gitOK(ctx, sb, "add", "-A"); err != nil {
		return nil, err
	}

	base := emptyTreeHash
	if res, err := e.git(ctx, sb, "rev-parse", "--verify", "--quiet", baselineRef); err == nil && res.ExitCode == 0 {
		base = baselineRef
	}

	diffArgs := []string{"diff", "--cached"}
	if opts.IncludeBinary {
		diffArgs = append(diffArgs, "--binary")
	}
	if opts.ContextLines > 0 {
		diffArgs = append(diffArgs, fmt.Sprintf("-U%d", opts.ContextLines))
	}
	if opts.IgnoreWhitespace {
		diffArgs = append(diffArgs, "-w")
	}
	diffArgs = append(diffArgs, base)

	diffRes, err := e.git(ctx, sb, diffArgs...)
	if err != nil {
		return nil, err
	}
	if diffRes.ExitCode > 1 {
		return nil, fmt.Errorf("git diff exited %d: %s", diffRes.ExitCode, strings.TrimSpace(diffRes.Stderr))
	}

	statusRes, err := e.git(ctx, sb, "diff", "--cached", "--name-status", "-M", base)
	if err != nil {
		return nil, err
	}
	numstatRes, err := e.git(ctx, sb, "diff", "--cached", "--numstat", "-M", base)
	if err != nil {
		return nil, err
	}
	shortstatRes, err := e.git(ctx, sb, "diff", "--cached", "--shortstat", base)
	if err != nil {
		return nil, err
	}

	files := parseNameStatus(statusRes.Stdout)
	mergeNumstat(files, numstatRes.Stdout)
	additions, deletions := totals(files)

	patch := &v1.Patch{
		ID:          uuid.New().String(),
		TaskID:      sb.TaskID,
		Workspace:   sb.Workspace,
		Status:      v1.PatchStatusPending,
		Diff:        diffRes.Stdout,
		Files:       files,
		Additions:   additions,
		Deletions:   deletions,
		Summary:     strings.TrimSpace(shortstatRes.Stdout),
		ContainerID: sb.ID,
		CreatedAt:   time.Now().UTC(),
	}

	if opts.IncludeBinary {
		annotateBinaryPaths(patch)
	}

	e.logger.Debug("patch extracted",
		zap.String("container_id", sb.ShortID()),
		zap.Int("files", len(files)),
		zap.Int("additions", additions),
		zap.Int("deletions", deletions))
	return patch, nil
}

// ChangedFiles lists the paths currently modified relative to the baseline,
// used to build revision prompts.
func (e *Engine) ChangedFiles(ctx context.Context, sb *sandbox.Sandbox) ([]string, error) {
	if err := e.gitOK(ctx, sb, "add", "-A"); err != nil {
		return nil, err
	}
	res, err := e.git(ctx, sb, "diff", "--cached", "--name-only", baselineRef)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}
