package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parallelwork/parallelwork/internal/auth"
	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/events/bus"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// Container labels used to mark sandboxes for recovery.
const (
	LabelManaged   = "parallelwork.managed"
	LabelTaskID    = "parallelwork.task_id"
	LabelPool      = "parallelwork.pool"
	LabelWorkspace = "parallelwork.workspace"
)

// ContainerWorkspace is the fixed workspace mount point inside a sandbox.
const ContainerWorkspace = "/workspace"

// credentialTimeout bounds how long a hand-out waits for a freshly created
// sandbox's credential configuration.
const credentialTimeout = 5 * time.Second

const stopTimeout = 10 * time.Second

// Sandbox is a handle to one pooled or extraction container.
type Sandbox struct {
	ID        string
	Name      string
	Image     string
	TaskID    string
	Workspace string
	Status    v1.PoolStatus
	Pooled    bool
	CreatedAt time.Time
	LastUsed  time.Time

	// Env holds credential variables ("KEY=value") that must ride on
	// every agent exec. Non-interactive execs read no shell rc files,
	// so an exported variable inside the container never reaches the
	// agent process.
	Env []string

	credReady chan struct{}
	credErr   error
}

// ShortID returns the abbreviated container id used in log file names.
func (s *Sandbox) ShortID() string {
	if len(s.ID) > 12 {
		return s.ID[:12]
	}
	return s.ID
}

// CredentialResolver yields the agent credential injected into sandboxes.
type CredentialResolver interface {
	Resolve(ctx context.Context) (*auth.Credential, error)
}

// SandboxRecorder persists sandbox records for crash recovery.
type SandboxRecorder interface {
	SaveSandboxRecord(ctx context.Context, rec *v1.SandboxRecord) error
}

// Pool maintains the warm set and the in-use map of sandboxes.
type Pool struct {
	daemon  Daemon
	auth    CredentialResolver
	cfg     config.PoolConfig
	image   string
	secure  bool
	bus     bus.EventBus
	records SandboxRecorder
	logger  *logger.Logger

	mu       sync.Mutex
	warm     []*Sandbox
	inUse    map[string]*Sandbox
	creating int
	closed   bool

	creations sync.WaitGroup

	initialized bool
}

// NewPool creates a sandbox pool. records may be nil when persistence of
// container state is not wanted (tests).
func NewPool(daemon Daemon, authReader CredentialResolver, cfg config.PoolConfig, image string, secure bool, eventBus bus.EventBus, records SandboxRecorder, log *logger.Logger) *Pool {
	return &Pool{
		daemon:  daemon,
		auth:    authReader,
		cfg:     cfg,
		image:   image,
		secure:  secure,
		bus:     eventBus,
		records: records,
		logger:  log.WithFields(zap.String("component", "sandbox-pool")),
		inUse:   make(map[string]*Sandbox),
	}
}

// Initialize verifies the daemon, ensures the execution image, and fills the
// warm pool asynchronously.
func (p *Pool) Initialize(ctx context.Context) error {
	if err := p.daemon.Ping(ctx); err != nil {
		return errors.Unavailable("container daemon")
	}
	if err := p.daemon.EnsureImage(ctx, p.image); err != nil {
		return fmt.Errorf("failed to ensure sandbox image: %w", err)
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()

	p.replenish()
	p.logger.Info("pool initialized",
		zap.Int("warm_target", p.cfg.WarmSize),
		zap.Int("max", p.cfg.MaxSize))
	return nil
}

// Initialized reports whether Initialize has completed.
func (p *Pool) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Acquire hands out a configured sandbox seeded with the workspace. The fast
// path pops a warm sandbox; otherwise one is created synchronously and the
// call blocks up to the credential timeout.
func (p *Pool) Acquire(ctx context.Context, workspacePath, taskID string, forceNew bool) (*Sandbox, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, errors.PreconditionFailed("sandbox pool is not initialized")
	}

	var sb *Sandbox
	if !forceNew && len(p.warm) > 0 {
		sb = p.warm[0]
		p.warm = p.warm[1:]
		sb.Status = v1.PoolStatusInUse
		sb.TaskID = taskID
		sb.Workspace = workspacePath
		sb.LastUsed = time.Now().UTC()
		p.inUse[sb.ID] = sb
		p.mu.Unlock()
	} else {
		p.mu.Unlock()
		created, err := p.create(ctx, taskID, workspacePath, true)
		if err != nil {
			return nil, err
		}
		sb = created
		if err := p.waitForCredential(ctx, sb); err != nil {
			p.destroy(context.Background(), sb)
			return nil, err
		}
		p.mu.Lock()
		sb.Status = v1.PoolStatusInUse
		p.inUse[sb.ID] = sb
		p.mu.Unlock()
	}

	if err := p.Seed(ctx, sb, workspacePath); err != nil {
		p.Release(context.Background(), sb, true)
		return nil, fmt.Errorf("failed to seed workspace: %w", err)
	}

	p.replenish()
	return sb, nil
}

// AcquireForExtraction creates a fresh sandbox outside pool membership,
// seeds it, and returns the raw handle. The caller owns its full lifecycle.
func (p *Pool) AcquireForExtraction(ctx context.Context, workspacePath, taskID string) (*Sandbox, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, errors.PreconditionFailed("sandbox pool is not initialized")
	}
	p.mu.Unlock()

	sb, err := p.create(ctx, taskID, workspacePath, false)
	if err != nil {
		return nil, err
	}
	if err := p.waitForCredential(ctx, sb); err != nil {
		p.destroy(context.Background(), sb)
		return nil, err
	}
	sb.Status = v1.PoolStatusInUse

	if err := p.Seed(ctx, sb, workspacePath); err != nil {
		p.destroy(context.Background(), sb)
		return nil, fmt.Errorf("failed to seed workspace: %w", err)
	}
	return sb, nil
}

// Release returns a sandbox from the in-use map. With cleanup set, or when
// the warm pool is full, the sandbox is destroyed; otherwise its workspace
// is reset and it rejoins the warm pool.
func (p *Pool) Release(ctx context.Context, sb *Sandbox, cleanup bool) {
	p.mu.Lock()
	delete(p.inUse, sb.ID)
	warmFull := len(p.warm) >= p.cfg.MaxSize
	closed := p.closed
	p.mu.Unlock()

	if cleanup || warmFull || closed || !sb.Pooled {
		p.destroy(ctx, sb)
		return
	}

	sb.Status = v1.PoolStatusCleanup
	if err := p.resetWorkspace(ctx, sb); err != nil {
		p.logger.Warn("workspace reset failed, destroying sandbox",
			zap.String("container_id", sb.ShortID()),
			zap.Error(err))
		sb.Status = v1.PoolStatusError
		p.destroy(ctx, sb)
		return
	}

	sb.Status = v1.PoolStatusReady
	sb.TaskID = ""
	sb.Workspace = ""

	p.mu.Lock()
	if p.closed || len(p.warm) >= p.cfg.MaxSize {
		p.mu.Unlock()
		p.destroy(ctx, sb)
		return
	}
	p.warm = append(p.warm, sb)
	p.mu.Unlock()
}

// Destroy stops and removes a sandbox, swallowing stop failures. Exposed for
// the executor's session cleanup.
func (p *Pool) Destroy(ctx context.Context, sb *Sandbox) {
	p.mu.Lock()
	delete(p.inUse, sb.ID)
	p.mu.Unlock()
	p.destroy(ctx, sb)
}

// PoolStats summarizes pool occupancy for the system status tool.
type PoolStats struct {
	Warm     int `json:"warm"`
	InUse    int `json:"in_use"`
	Creating int `json:"creating"`
	Max      int `json:"max"`
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Warm:     len(p.warm),
		InUse:    len(p.inUse),
		Creating: p.creating,
		Max:      p.cfg.MaxSize,
	}
}

// Shutdown awaits pending creations and destroys every sandbox in both sets.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.creations.Wait()

	p.mu.Lock()
	all := make([]*Sandbox, 0, len(p.warm)+len(p.inUse))
	all = append(all, p.warm...)
	for _, sb := range p.inUse {
		all = append(all, sb)
	}
	p.warm = nil
	p.inUse = make(map[string]*Sandbox)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sb := range all {
		sb := sb
		g.Go(func() error {
			p.destroy(gctx, sb)
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Info("pool shut down", zap.Int("destroyed", len(all)))
}

// replenish tops the warm pool back up to its target size in the background.
func (p *Pool) replenish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.initialized {
		return
	}

	for len(p.warm)+p.creating < p.cfg.WarmSize && len(p.warm)+p.creating < p.cfg.MaxSize {
		p.creating++
		p.creations.Add(1)
		go func() {
			defer p.creations.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			sb, err := p.create(ctx, "", "", true)

			p.mu.Lock()
			p.creating--
			closed := p.closed
			p.mu.Unlock()

			if err != nil {
				p.logger.Warn("warm sandbox creation failed", zap.Error(err))
				return
			}

			<-sb.credReady
			if sb.credErr != nil {
				p.logger.Warn("warm sandbox credential configuration failed",
					zap.String("container_id", sb.ShortID()),
					zap.Error(sb.credErr))
				p.destroy(ctx, sb)
				return
			}
			sb.Status = v1.PoolStatusReady

			p.mu.Lock()
			if closed || p.closed || len(p.warm) >= p.cfg.MaxSize {
				p.mu.Unlock()
				p.destroy(ctx, sb)
				return
			}
			p.warm = append(p.warm, sb)
			p.mu.Unlock()
		}()
	}
}

// create builds and starts a sandbox container and kicks off credential
// configuration in the background.
func (p *Pool) create(ctx context.Context, taskID, workspacePath string, pooled bool) (*Sandbox, error) {
	name := "parallel-work-" + uuid.New().String()[:8]
	labels := map[string]string{
		LabelManaged: "true",
		LabelPool:    fmt.Sprintf("%t", pooled),
	}
	if taskID != "" {
		labels[LabelTaskID] = taskID
	}
	if workspacePath != "" {
		labels[LabelWorkspace] = workspacePath
	}

	cfg := ContainerConfig{
		Name:        name,
		Image:       p.image,
		Cmd:         []string{"sleep", "infinity"},
		WorkingDir:  ContainerWorkspace,
		NetworkMode: p.cfg.NetworkMode,
		Memory:      p.cfg.MemoryMB * 1024 * 1024,
		CPUQuota:    int64(p.cfg.CPUCores * 100000),
		Labels:      labels,
	}

	id, err := p.daemon.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	if err := p.daemon.StartContainer(ctx, id); err != nil {
		_ = p.daemon.RemoveContainer(context.Background(), id, true)
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	sb := &Sandbox{
		ID:        id,
		Name:      name,
		Image:     p.image,
		TaskID:    taskID,
		Workspace: workspacePath,
		Status:    v1.PoolStatusCreating,
		Pooled:    pooled,
		CreatedAt: time.Now().UTC(),
		LastUsed:  time.Now().UTC(),
		credReady: make(chan struct{}),
	}

	go p.configure(sb)

	p.recordState(sb, v1.LifecycleRunning)
	p.publish(bus.EventContainerStarted, map[string]any{
		"container_id": sb.ShortID(),
		"name":         sb.Name,
		"task_id":      sb.TaskID,
	})
	return sb, nil
}

// configure applies the egress firewall and injects the agent credential.
// Completion is signalled through credReady.
func (p *Pool) configure(sb *Sandbox) {
	defer close(sb.credReady)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if p.secure {
		// Best effort; the script exits zero without NET_ADMIN.
		if _, err := p.daemon.Exec(ctx, sb.ID, []string{"bash", "/usr/local/bin/init-firewall.sh"}, "", nil); err != nil {
			p.logger.Debug("firewall setup skipped",
				zap.String("container_id", sb.ShortID()),
				zap.Error(err))
		}
	}

	cred, err := p.auth.Resolve(ctx)
	if err != nil {
		sb.credErr = err
		return
	}
	sb.credErr = p.injectCredential(ctx, sb, cred)
}

// injectCredential configures the credential for the sandbox: API keys
// are attached as exec environment on every agent invocation, OAuth
// tokens become a credentials file at both well-known paths with
// owner-only permissions.
func (p *Pool) injectCredential(ctx context.Context, sb *Sandbox, cred *auth.Credential) error {
	var script string
	switch cred.Kind {
	case auth.KindAPIKey:
		sb.Env = []string{"ANTHROPIC_API_KEY=" + cred.AccessToken}
		return nil
	case auth.KindOAuth:
		blob, err := cred.CredentialsJSON()
		if err != nil {
			return err
		}
		quoted := shellQuote(blob)
		script = fmt.Sprintf(
			"mkdir -p /root/.claude /root/.config/claude"+
				" && printf '%%s' '%s' > /root/.claude/.credentials.json"+
				" && printf '%%s' '%s' > /root/.config/claude/.credentials.json"+
				" && chmod 600 /root/.claude/.credentials.json /root/.config/claude/.credentials.json",
			quoted, quoted)
	default:
		return fmt.Errorf("unknown credential kind: %s", cred.Kind)
	}

	res, err := p.daemon.Exec(ctx, sb.ID, []string{"sh", "-c", script}, "", nil)
	if err != nil {
		return fmt.Errorf("failed to inject credential: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("credential injection exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// waitForCredential blocks until credential configuration finishes, bounded
// by the credential timeout.
func (p *Pool) waitForCredential(ctx context.Context, sb *Sandbox) error {
	timer := time.NewTimer(credentialTimeout)
	defer timer.Stop()

	select {
	case <-sb.credReady:
		if sb.credErr != nil {
			return sb.credErr
		}
		return nil
	case <-timer.C:
		return errors.TimedOut("sandbox credential configuration")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seed copies the host workspace into the sandbox's /workspace, applying
// the standard excludes, and normalizes ownership to the sandbox user.
func (p *Pool) Seed(ctx context.Context, sb *Sandbox, workspacePath string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarWorkspace(workspacePath, pw))
	}()

	if err := p.daemon.CopyToContainer(ctx, sb.ID, ContainerWorkspace, pr); err != nil {
		return err
	}

	chown := fmt.Sprintf("chown -R %s:%s %s", sandboxUser, sandboxUser, ContainerWorkspace)
	res, err := p.daemon.Exec(ctx, sb.ID, []string{"sh", "-c", chown}, "", nil)
	if err != nil {
		return fmt.Errorf("failed to normalize workspace ownership: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chown exited %d: %s", res.ExitCode, res.Stderr)
	}

	sb.Workspace = workspacePath
	return nil
}

// resetWorkspace empties /workspace in place before a sandbox rejoins the
// warm pool.
func (p *Pool) resetWorkspace(ctx context.Context, sb *Sandbox) error {
	res, err := p.daemon.Exec(ctx, sb.ID,
		[]string{"sh", "-c", "find /workspace -mindepth 1 -delete"}, "", nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("workspace reset exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (p *Pool) destroy(ctx context.Context, sb *Sandbox) {
	if err := p.daemon.StopContainer(ctx, sb.ID, stopTimeout); err != nil {
		p.logger.Debug("sandbox stop failed",
			zap.String("container_id", sb.ShortID()),
			zap.Error(err))
	}
	if err := p.daemon.RemoveContainer(ctx, sb.ID, true); err != nil {
		p.logger.Debug("sandbox remove failed",
			zap.String("container_id", sb.ShortID()),
			zap.Error(err))
	}

	p.recordState(sb, v1.LifecycleStopped)
	p.publish(bus.EventContainerStopped, map[string]any{
		"container_id": sb.ShortID(),
		"name":         sb.Name,
		"task_id":      sb.TaskID,
	})
}

func (p *Pool) recordState(sb *Sandbox, status v1.LifecycleStatus) {
	if p.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.records.SaveSandboxRecord(ctx, &v1.SandboxRecord{
		ContainerID:   sb.ID,
		ContainerName: sb.Name,
		TaskID:        sb.TaskID,
		Workspace:     sb.Workspace,
		Status:        status,
		Image:         sb.Image,
		CreatedAt:     sb.CreatedAt,
	})
	if err != nil {
		p.logger.Warn("failed to persist sandbox record",
			zap.String("container_id", sb.ShortID()),
			zap.Error(err))
	}
}

func (p *Pool) publish(eventType string, data map[string]any) {
	if p.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.bus.Publish(ctx, bus.Subject(eventType), bus.NewEvent(eventType, "sandbox-pool", data)); err != nil {
		p.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// shellQuote escapes a value for single-quoted shell interpolation.
func shellQuote(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}
