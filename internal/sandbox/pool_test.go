package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelwork/parallelwork/internal/auth"
	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// fakeDaemon implements Daemon in memory for pool tests.
type fakeDaemon struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	execs      []string
	copies     map[string][]byte
	execErr    error
	pingErr    error
}

type fakeContainer struct {
	id      string
	name    string
	labels  map[string]string
	running bool
	removed bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		containers: make(map[string]*fakeContainer),
		copies:     make(map[string][]byte),
	}
}

func (f *fakeDaemon) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeDaemon) EnsureImage(ctx context.Context, tag string) error { return nil }

func (f *fakeDaemon) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("container-%04d", f.nextID)
	f.containers[id] = &fakeContainer{id: id, name: cfg.Name, labels: cfg.Labels}
	return id, nil
}

func (f *fakeDaemon) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.running = true
	return nil
}

func (f *fakeDaemon) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeDaemon) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.removed = true
	}
	return nil
}

func (f *fakeDaemon) Exec(ctx context.Context, id string, cmd []string, workingDir string, env []string) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.execs = append(f.execs, strings.Join(cmd, " "))
	return &ExecResult{ExitCode: 0}, nil
}

func (f *fakeDaemon) CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies[id] = data
	return nil
}

func (f *fakeDaemon) GetContainerInfo(ctx context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.removed {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	state := "exited"
	if c.running {
		state = "running"
	}
	return &ContainerInfo{ID: c.id, Name: c.name, State: state, Labels: c.labels}, nil
}

func (f *fakeDaemon) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []ContainerInfo
	for _, c := range f.containers {
		if c.removed {
			continue
		}
		match := true
		for k, v := range labels {
			if c.labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		state := "exited"
		if c.running {
			state = "running"
		}
		infos = append(infos, ContainerInfo{ID: c.id, Name: c.name, State: state, Labels: c.labels})
	}
	return infos, nil
}

func (f *fakeDaemon) ContainerLogs(ctx context.Context, id string, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeDaemon) Close() error { return nil }

func (f *fakeDaemon) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if !c.removed {
			n++
		}
	}
	return n
}

type fakeResolver struct {
	cred *auth.Credential
	err  error
}

func (r *fakeResolver) Resolve(ctx context.Context) (*auth.Credential, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.cred, nil
}

func testPool(t *testing.T, daemon Daemon, warm, max int) *Pool {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	cfg := config.PoolConfig{
		WarmSize: warm,
		MaxSize:  max,
		CPUCores: 2,
		MemoryMB: 2048,
	}
	resolver := &fakeResolver{cred: &auth.Credential{AccessToken: "sk-test", Kind: auth.KindAPIKey}}
	return NewPool(daemon, resolver, cfg, "parallel-work/sandbox:test", false, nil, nil, log)
}

func testWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "big.bin"), make([]byte, 1024), 0o644))
	return dir
}

func waitForWarm(t *testing.T, p *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Warm == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("warm pool never reached %d (stats: %+v)", want, p.Stats())
}

func TestInitializeFillsWarmPool(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 3, 10)

	require.NoError(t, p.Initialize(context.Background()))
	waitForWarm(t, p, 3)
	assert.Equal(t, 3, daemon.live())
}

func TestInitializeFailsWhenDaemonDown(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.pingErr = fmt.Errorf("connection refused")
	p := testPool(t, daemon, 3, 10)

	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
}

func TestAcquireFastPathUsesWarmSandbox(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 2, 10)
	require.NoError(t, p.Initialize(context.Background()))
	waitForWarm(t, p, 2)

	sb, err := p.Acquire(context.Background(), testWorkspace(t), "task-7", false)
	require.NoError(t, err)
	assert.Equal(t, v1.PoolStatusInUse, sb.Status)
	assert.Equal(t, "task-7", sb.TaskID)

	stats := p.Stats()
	assert.Equal(t, 1, stats.InUse)

	// The workspace tar landed in the container.
	daemon.mu.Lock()
	data := daemon.copies[sb.ID]
	daemon.mu.Unlock()
	assert.Contains(t, string(data), "main.go")
	assert.NotContains(t, string(data), "node_modules")

	// Replenishment restores the warm target.
	waitForWarm(t, p, 2)
}

func TestAcquireEmptyPoolCreatesSynchronously(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 0, 10)
	require.NoError(t, p.Initialize(context.Background()))

	sb, err := p.Acquire(context.Background(), testWorkspace(t), "", false)
	require.NoError(t, err)
	assert.Equal(t, v1.PoolStatusInUse, sb.Status)
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestAcquireAttachesAPIKeyAsExecEnv(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 0, 10)
	require.NoError(t, p.Initialize(context.Background()))

	sb, err := p.Acquire(context.Background(), testWorkspace(t), "task-1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk-test"}, sb.Env)

	// The key rides on agent execs as environment; it must never pass
	// through a shell command inside the container.
	daemon.mu.Lock()
	execs := append([]string(nil), daemon.execs...)
	daemon.mu.Unlock()
	for _, cmd := range execs {
		assert.NotContains(t, cmd, "sk-test")
	}
}

func TestAcquireBeforeInitializeFails(t *testing.T) {
	p := testPool(t, newFakeDaemon(), 1, 10)

	_, err := p.Acquire(context.Background(), t.TempDir(), "", false)
	require.Error(t, err)
	assert.True(t, errors.IsPreconditionFailed(err))
}

func TestAcquireCredentialTimeout(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 0, 10)
	// A resolver that blocks past the credential timeout.
	p.auth = &slowResolver{delay: 10 * time.Second}
	require.NoError(t, p.Initialize(context.Background()))

	start := time.Now()
	_, err := p.Acquire(context.Background(), t.TempDir(), "", false)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTimedOut, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 8*time.Second)
}

type slowResolver struct{ delay time.Duration }

func (r *slowResolver) Resolve(ctx context.Context) (*auth.Credential, error) {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}
	return &auth.Credential{AccessToken: "late", Kind: auth.KindAPIKey}, nil
}

func TestReleaseResetReturnsToWarmPool(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 1, 10)
	require.NoError(t, p.Initialize(context.Background()))
	waitForWarm(t, p, 1)

	sb, err := p.Acquire(context.Background(), testWorkspace(t), "task-1", false)
	require.NoError(t, err)
	waitForWarm(t, p, 1)

	p.Release(context.Background(), sb, false)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Warm)
	assert.Equal(t, 0, stats.InUse)
	assert.Empty(t, sb.TaskID)
	assert.Equal(t, v1.PoolStatusReady, sb.Status)
}

func TestReleaseWithCleanupDestroys(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 0, 10)
	require.NoError(t, p.Initialize(context.Background()))

	sb, err := p.Acquire(context.Background(), testWorkspace(t), "", false)
	require.NoError(t, err)

	p.Release(context.Background(), sb, true)
	assert.Equal(t, 0, daemon.live())
}

func TestReleaseFailedResetDestroys(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 0, 10)
	require.NoError(t, p.Initialize(context.Background()))

	sb, err := p.Acquire(context.Background(), testWorkspace(t), "", false)
	require.NoError(t, err)

	daemon.mu.Lock()
	daemon.execErr = fmt.Errorf("exec transport broken")
	daemon.mu.Unlock()

	p.Release(context.Background(), sb, false)
	assert.Equal(t, v1.PoolStatusError, sb.Status)
	assert.Equal(t, 0, daemon.live())
}

func TestWarmPoolNeverExceedsMax(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 2, 2)
	require.NoError(t, p.Initialize(context.Background()))
	waitForWarm(t, p, 2)

	// Releasing an extra sandbox into a full warm pool destroys it.
	sb, err := p.Acquire(context.Background(), testWorkspace(t), "", true)
	require.NoError(t, err)
	waitForWarm(t, p, 2)

	p.Release(context.Background(), sb, false)
	assert.Equal(t, 2, p.Stats().Warm)
	assert.Equal(t, 2, daemon.live())
}

func TestAcquireForExtractionBypassesPool(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 1, 10)
	require.NoError(t, p.Initialize(context.Background()))
	waitForWarm(t, p, 1)

	sb, err := p.AcquireForExtraction(context.Background(), testWorkspace(t), "task-9")
	require.NoError(t, err)
	assert.False(t, sb.Pooled)
	assert.Equal(t, "task-9", sb.TaskID)

	// Pool occupancy is untouched by extraction sandboxes.
	stats := p.Stats()
	assert.Equal(t, 1, stats.Warm)
	assert.Equal(t, 0, stats.InUse)
}

func TestShutdownDestroysEverything(t *testing.T) {
	daemon := newFakeDaemon()
	p := testPool(t, daemon, 2, 10)
	require.NoError(t, p.Initialize(context.Background()))
	waitForWarm(t, p, 2)

	_, err := p.Acquire(context.Background(), testWorkspace(t), "", false)
	require.NoError(t, err)

	p.Shutdown(context.Background())
	assert.Equal(t, 0, daemon.live())
	assert.Equal(t, 0, p.Stats().Warm)
}

func TestTarWorkspaceExcludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "objects", "blob"), make([]byte, 10*1024*1024), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "__pycache__", "app.pyc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("x"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, tarWorkspace(dir, &buf))

	out := buf.String()
	assert.Contains(t, out, "app.py")
	assert.NotContains(t, out, ".git/")
	assert.NotContains(t, out, "__pycache__")
	assert.NotContains(t, out, ".DS_Store")
	// The 10 MiB blob under an ignored directory was not copied.
	assert.Less(t, len(out), 1024*1024)

	assert.True(t, excluded("a/node_modules/b.js"))
	assert.False(t, excluded("src/app.py"))
}
