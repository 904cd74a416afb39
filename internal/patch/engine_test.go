package patch

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/sandbox"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// scriptDaemon routes Exec calls to a handler so tests can script git
// output per command.
type scriptDaemon struct {
	handler func(cmd []string) (*sandbox.ExecResult, error)
	calls   [][]string
}

func (d *scriptDaemon) Exec(ctx context.Context, id string, cmd []string, dir string, env []string) (*sandbox.ExecResult, error) {
	d.calls = append(d.calls, cmd)
	return d.handler(cmd)
}

func (d *scriptDaemon) Ping(context.Context) error                     { return nil }
func (d *scriptDaemon) EnsureImage(context.Context, string) error      { return nil }
func (d *scriptDaemon) CreateContainer(context.Context, sandbox.ContainerConfig) (string, error) {
	return "", nil
}
func (d *scriptDaemon) StartContainer(context.Context, string) error { return nil }
func (d *scriptDaemon) StopContainer(context.Context, string, time.Duration) error {
	return nil
}
func (d *scriptDaemon) RemoveContainer(context.Context, string, bool) error { return nil }
func (d *scriptDaemon) CopyToContainer(context.Context, string, string, io.Reader) error {
	return nil
}
func (d *scriptDaemon) GetContainerInfo(context.Context, string) (*sandbox.ContainerInfo, error) {
	return nil, nil
}
func (d *scriptDaemon) ListContainers(context.Context, map[string]string) ([]sandbox.ContainerInfo, error) {
	return nil, nil
}
func (d *scriptDaemon) ContainerLogs(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (d *scriptDaemon) Close() error { return nil }

func testEngine(t *testing.T, handler func(cmd []string) (*sandbox.ExecResult, error)) (*Engine, *scriptDaemon) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	daemon := &scriptDaemon{handler: handler}
	return NewEngine(daemon, log), daemon
}

func testSandbox() *sandbox.Sandbox {
	return &sandbox.Sandbox{ID: "container-0001", TaskID: "task-1", Workspace: "/tmp/ws"}
}

func joined(cmd []string) string { return strings.Join(cmd, " ") }

func TestInitTrackingCreatesBaselineOnce(t *testing.T) {
	baselineExists := false
	var commits int

	engine, daemon := testEngine(t, func(cmd []string) (*sandbox.ExecResult, error) {
		c := joined(cmd)
		switch {
		case strings.Contains(c, "rev-parse --verify"):
			if baselineExists {
				return &sandbox.ExecResult{ExitCode: 0, Stdout: "abc123\n"}, nil
			}
			return &sandbox.ExecResult{ExitCode: 1}, nil
		case strings.Contains(c, "rev-parse --git-dir"):
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "not a git repository"}, nil
		case strings.Contains(c, "commit"):
			commits++
			return &sandbox.ExecResult{ExitCode: 0}, nil
		case strings.Contains(c, "tag -f"):
			baselineExists = true
			return &sandbox.ExecResult{ExitCode: 0}, nil
		default:
			return &sandbox.ExecResult{ExitCode: 0}, nil
		}
	})

	sb := testSandbox()
	ctx := context.Background()
	require.NoError(t, engine.InitTracking(ctx, sb))
	require.NoError(t, engine.InitTracking(ctx, sb))

	assert.Equal(t, 1, commits, "baseline commit must be created exactly once")

	var sawInit, sawIdentity bool
	for _, cmd := range daemon.calls {
		c := joined(cmd)
		if strings.Contains(c, "git init") {
			sawInit = true
		}
		if strings.Contains(c, "user.email") {
			sawIdentity = true
		}
	}
	assert.True(t, sawInit)
	assert.True(t, sawIdentity)
}

const sampleDiff = `diff --git a/main.go b/main.go
index 1234567..89abcde 100644
--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
+// retry on transient failures
`

func TestExtractParsesChanges(t *testing.T) {
	engine, _ := testEngine(t, func(cmd []string) (*sandbox.ExecResult, error) {
		c := joined(cmd)
		switch {
		case strings.Contains(c, "rev-parse --verify"):
			return &sandbox.ExecResult{ExitCode: 0, Stdout: "abc123\n"}, nil
		case strings.Contains(c, "--name-status"):
			return &sandbox.ExecResult{Stdout: "M\tmain.go\nA\tretry.go\nR087\told.go\tnew.go\n"}, nil
		case strings.Contains(c, "--numstat"):
			return &sandbox.ExecResult{Stdout: "1\t0\tmain.go\n42\t0\tretry.go\n3\t2\told.go => new.go\n"}, nil
		case strings.Contains(c, "--shortstat"):
			return &sandbox.ExecResult{Stdout: " 3 files changed, 46 insertions(+), 2 deletions(-)\n"}, nil
		case strings.Contains(c, "diff --cached"):
			return &sandbox.ExecResult{Stdout: sampleDiff}, nil
		default:
			return &sandbox.ExecResult{ExitCode: 0}, nil
		}
	})

	p, err := engine.Extract(context.Background(), testSandbox(), DiffOptions{})
	require.NoError(t, err)

	assert.Equal(t, v1.PatchStatusPending, p.Status)
	assert.Equal(t, "task-1", p.TaskID)
	assert.Equal(t, sampleDiff, p.Diff)
	require.Len(t, p.Files, 3)
	assert.Equal(t, v1.FileStatusModified, p.Files[0].Status)
	assert.Equal(t, 1, p.Files[0].Additions)
	assert.Equal(t, v1.FileStatusAdded, p.Files[1].Status)
	assert.Equal(t, 42, p.Files[1].Additions)
	assert.Equal(t, v1.FileStatusRenamed, p.Files[2].Status)
	assert.Equal(t, "old.go", p.Files[2].OldPath)
	assert.Equal(t, "new.go", p.Files[2].Path)
	assert.Equal(t, 3, p.Files[2].Additions)
	assert.Equal(t, 46, p.Additions)
	assert.Equal(t, 2, p.Deletions)
	assert.Contains(t, p.Summary, "3 files changed")
}

func TestExtractNoChangesReturnsEmptyPatch(t *testing.T) {
	engine, _ := testEngine(t, func(cmd []string) (*sandbox.ExecResult, error) {
		c := joined(cmd)
		if strings.Contains(c, "rev-parse --verify") {
			return &sandbox.ExecResult{ExitCode: 0, Stdout: "abc123\n"}, nil
		}
		return &sandbox.ExecResult{ExitCode: 0, Stdout: ""}, nil
	})

	p, err := engine.Extract(context.Background(), testSandbox(), DiffOptions{})
	require.NoError(t, err)
	assert.Empty(t, p.Files)
	assert.Empty(t, p.Diff)
	assert.Zero(t, p.Additions)
	assert.Zero(t, p.Deletions)
}

func TestExtractWithoutBaselineDiffsEmptyTree(t *testing.T) {
	var diffCmd string
	engine, _ := testEngine(t, func(cmd []string) (*sandbox.ExecResult, error) {
		c := joined(cmd)
		switch {
		case strings.Contains(c, "rev-parse --verify"):
			return &sandbox.ExecResult{ExitCode: 1}, nil
		case strings.Contains(c, "diff --cached") && !strings.Contains(c, "stat") && !strings.Contains(c, "name-status"):
			diffCmd = c
			return &sandbox.ExecResult{Stdout: sampleDiff}, nil
		default:
			return &sandbox.ExecResult{ExitCode: 0}, nil
		}
	})

	_, err := engine.Extract(context.Background(), testSandbox(), DiffOptions{})
	require.NoError(t, err)
	assert.Contains(t, diffCmd, emptyTreeHash)
}

func TestExtractDiffOptions(t *testing.T) {
	var diffCmd string
	engine, _ := testEngine(t, func(cmd []string) (*sandbox.ExecResult, error) {
		c := joined(cmd)
		switch {
		case strings.Contains(c, "rev-parse --verify"):
			return &sandbox.ExecResult{ExitCode: 0, Stdout: "abc123\n"}, nil
		case strings.Contains(c, "diff --cached --binary"):
			diffCmd = c
			return &sandbox.ExecResult{Stdout: ""}, nil
		default:
			return &sandbox.ExecResult{ExitCode: 0}, nil
		}
	})

	_, err := engine.Extract(context.Background(), testSandbox(), DiffOptions{
		IncludeBinary:    true,
		ContextLines:     10,
		IgnoreWhitespace: true,
	})
	require.NoError(t, err)
	assert.Contains(t, diffCmd, "--binary")
	assert.Contains(t, diffCmd, "-U10")
	assert.Contains(t, diffCmd, "-w")
}
