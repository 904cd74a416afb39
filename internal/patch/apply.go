package patch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/logger"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// PatchStore records patch resolutions. Implemented by the persistence
// store.
type PatchStore interface {
	UpdatePatchStatus(ctx context.Context, id string, status v1.PatchStatus, appliedTo string) error
}

// ApplyResult reports the outcome of applying a patch to a host workspace.
type ApplyResult struct {
	Success    bool
	Tool       string // git-apply or patch
	Stderr     string
	BackupPath string
}

// hostRunner executes a command on the host in a working directory.
// Injectable for tests.
type hostRunner func(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)

func defaultHostRunner(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return out.String(), errBuf.String(), exitCode, err
}

// Applier applies reviewed patches to host workspaces.
type Applier struct {
	store  PatchStore
	run    hostRunner
	logger *logger.Logger
}

// NewApplier creates a patch applier. store may be nil when persistence is
// not wired (tests).
func NewApplier(store PatchStore, log *logger.Logger) *Applier {
	return &Applier{
		store:  store,
		run:    defaultHostRunner,
		logger: log.WithFields(zap.String("component", "patch-applier")),
	}
}

// Apply writes the patch text to a temporary file and applies it to the
// target workspace, preferring git apply and falling back to the generic
// patch utility at strip level one. stderr consisting only of warnings is
// treated as success.
func (a *Applier) Apply(ctx context.Context, p *v1.Patch, targetWorkspace string, backup bool) (*ApplyResult, error) {
	if strings.TrimSpace(p.Diff) == "" {
		return &ApplyResult{Success: true, Tool: "none"}, nil
	}

	info, err := os.Stat(targetWorkspace)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("target workspace %s is not a directory", targetWorkspace)
	}

	result := &ApplyResult{}
	if backup {
		backupPath, err := a.backupTree(ctx, targetWorkspace)
		if err != nil {
			return nil, fmt.Errorf("failed to back up workspace: %w", err)
		}
		result.BackupPath = backupPath
	}

	tmp, err := os.CreateTemp("", "parallel-work-*.patch")
	if err != nil {
		return nil, fmt.Errorf("failed to write patch file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(p.Diff); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write patch file: %w", err)
	}
	tmp.Close()

	_, stderr, code, err := a.run(ctx, targetWorkspace,
		"git", "apply", "--whitespace=nowarn", tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to run git apply: %w", err)
	}
	result.Tool = "git-apply"
	result.Stderr = stderr

	if !applySucceeded(code, stderr) {
		a.logger.Debug("git apply failed, retrying with patch",
			zap.String("patch_id", p.ID),
			zap.String("stderr", strings.TrimSpace(stderr)))

		_, stderr, code, err = a.run(ctx, targetWorkspace,
			"patch", "-p1", "--forward", "-i", tmp.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to run patch: %w", err)
		}
		result.Tool = "patch"
		result.Stderr = stderr
	}

	result.Success = applySucceeded(code, stderr)
	if !result.Success {
		return result, nil
	}

	if a.store != nil {
		if err := a.store.UpdatePatchStatus(ctx, p.ID, v1.PatchStatusApplied, targetWorkspace); err != nil {
			return result, fmt.Errorf("patch applied but status update failed: %w", err)
		}
	}

	a.logger.Info("patch applied",
		zap.String("patch_id", p.ID),
		zap.String("workspace", targetWorkspace),
		zap.String("tool", result.Tool))
	return result, nil
}

// applySucceeded treats a zero exit as success, and a non-zero exit whose
// stderr carries only warning lines as success too.
func applySucceeded(code int, stderr string) bool {
	if code == 0 {
		return true
	}
	trimmed := strings.TrimSpace(stderr)
	if trimmed == "" {
		return false
	}
	for _, line := range strings.Split(trimmed, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(line), "warning:") {
			return false
		}
	}
	return true
}

// backupTree copies the workspace to a time-stamped sibling directory.
func (a *Applier) backupTree(ctx context.Context, workspace string) (string, error) {
	stamp := time.Now().UTC().Format("20060102-150405")
	backupPath := fmt.Sprintf("%s.backup-%s", filepath.Clean(workspace), stamp)

	_, stderr, code, err := a.run(ctx, filepath.Dir(workspace),
		"cp", "-a", workspace, backupPath)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("backup copy exited %d: %s", code, strings.TrimSpace(stderr))
	}
	return backupPath, nil
}
