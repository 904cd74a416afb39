// Package executor drives agent invocations from prompt to patch: sandbox
// acquisition, workspace seeding, agent execution, output interpretation,
// patch extraction, and the background job registry.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/events/bus"
	"github.com/parallelwork/parallelwork/internal/patch"
	"github.com/parallelwork/parallelwork/internal/sandbox"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

const (
	// sessionIdleTimeout reaps sessions hibernated longer than this.
	sessionIdleTimeout = time.Hour

	// sweepInterval is how often the idle sweep runs.
	sweepInterval = 5 * time.Minute

	// jobRetention keeps terminal jobs in the in-memory registry for this
	// long; the persisted record outlives it.
	jobRetention = 24 * time.Hour

	// maxRevisions bounds revision rounds per root patch.
	maxRevisions = 3
)

// SandboxPool is the pool surface the manager depends on.
type SandboxPool interface {
	Initialized() bool
	AcquireForExtraction(ctx context.Context, workspacePath, taskID string) (*sandbox.Sandbox, error)
	Seed(ctx context.Context, sb *sandbox.Sandbox, workspacePath string) error
	Release(ctx context.Context, sb *sandbox.Sandbox, cleanup bool)
	Destroy(ctx context.Context, sb *sandbox.Sandbox)
	Stats() sandbox.PoolStats
}

// PatchEngine is the in-sandbox diff surface the manager depends on.
type PatchEngine interface {
	InitTracking(ctx context.Context, sb *sandbox.Sandbox) error
	Extract(ctx context.Context, sb *sandbox.Sandbox, opts patch.DiffOptions) (*v1.Patch, error)
	ChangedFiles(ctx context.Context, sb *sandbox.Sandbox) ([]string, error)
}

// PatchApplier applies extracted patches to host workspaces.
type PatchApplier interface {
	Apply(ctx context.Context, p *v1.Patch, targetWorkspace string, backup bool) (*patch.ApplyResult, error)
}

// Store is the persistence surface the manager depends on.
type Store interface {
	SaveJob(ctx context.Context, job *v1.Job) error
	GetJob(ctx context.Context, id string) (*v1.Job, error)
	ListIncompleteJobs(ctx context.Context) ([]*v1.Job, error)
	SavePatch(ctx context.Context, p *v1.Patch) error
	GetPatch(ctx context.Context, id string) (*v1.Patch, error)
	ListPendingPatches(ctx context.Context) ([]*v1.Patch, error)
	UpdatePatchStatus(ctx context.Context, id string, status v1.PatchStatus, appliedTo string) error
	SaveLogRef(ctx context.Context, ref *v1.LogRef) error
	ListLogRefs(ctx context.Context, jobID string) ([]*v1.LogRef, error)
}

// RunOptions are the inputs to one agent run.
type RunOptions struct {
	Task        string
	Workspace   string
	Description string
	ParentTask  string
	TaskID      string
	ReturnFull  bool
}

// RunResult is the outcome of a synchronous run or the final state of a
// background one.
type RunResult struct {
	JobID        string       `json:"job_id"`
	Status       v1.JobStatus `json:"status"`
	Output       string       `json:"output,omitempty"`
	Question     string       `json:"question,omitempty"`
	PatchID      string       `json:"patch_id,omitempty"`
	FilesChanged int          `json:"files_changed"`
	LogFile      string       `json:"log_file,omitempty"`
}

// Stats summarizes the manager's live state.
type Stats struct {
	Pool           sandbox.PoolStats `json:"pool"`
	ActiveJobs     int               `json:"active_jobs"`
	TotalJobs      int               `json:"total_jobs"`
	PendingPatches int               `json:"pending_patches"`
	Sessions       int               `json:"sessions"`
}

// Manager owns the job registry, conversation sessions, and the pending
// patch map, and converts raw component failures into semantic error kinds.
type Manager struct {
	daemon  sandbox.Daemon
	pool    SandboxPool
	engine  PatchEngine
	applier PatchApplier
	store   Store
	bus     bus.EventBus
	cfg     *config.Config
	logger  *logger.Logger

	sessions *sessionRegistry

	jobsMu sync.Mutex
	jobs   map[string]*v1.Job

	pendingMu sync.Mutex
	pending   map[string]*v1.Patch

	wg        sync.WaitGroup
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager wires the execution manager.
func NewManager(daemon sandbox.Daemon, pool SandboxPool, engine PatchEngine, applier PatchApplier, st Store, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		daemon:    daemon,
		pool:      pool,
		engine:    engine,
		applier:   applier,
		store:     st,
		bus:       eventBus,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "executor")),
		sessions:  newSessionRegistry(),
		jobs:      make(map[string]*v1.Job),
		pending:   make(map[string]*v1.Patch),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start launches the periodic idle sweep.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Shutdown stops the sweep and waits for background jobs to finish their
// current persistence writes.
func (m *Manager) Shutdown() {
	close(m.sweepStop)
	<-m.sweepDone
	m.wg.Wait()
}

func (m *Manager) validateReady() error {
	if m.pool == nil || !m.pool.Initialized() {
		return errors.Unavailable("container pool")
	}
	if m.engine == nil {
		return errors.Unavailable("patch engine")
	}
	return nil
}

// invocation carries the state of one agent call through the pipeline.
type invocation struct {
	job         *v1.Job
	sb          *sandbox.Sandbox
	session     *Session
	prompt      string
	taskID      string
	workspace   string
	full        bool
	parentPatch string
	feedback    string
}

// Execute runs an agent synchronously and returns the final result.
func (m *Manager) Execute(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := m.validateReady(); err != nil {
		return nil, err
	}
	if opts.Task == "" || opts.Workspace == "" {
		return nil, errors.InvalidParams("task and workspace are required")
	}

	job := m.registerJob(ctx, opts)
	res := m.run(ctx, job, opts)
	return res, nil
}

// ExecuteBackground registers a job, starts the run on its own goroutine,
// and returns the job identifier immediately.
func (m *Manager) ExecuteBackground(ctx context.Context, opts RunOptions) (string, error) {
	if err := m.validateReady(); err != nil {
		return "", err
	}
	if opts.Task == "" || opts.Workspace == "" {
		return "", errors.InvalidParams("task and workspace are required")
	}

	job := m.registerJob(ctx, opts)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(context.Background(), job, opts)
	}()
	return job.ID, nil
}

func (m *Manager) registerJob(ctx context.Context, opts RunOptions) *v1.Job {
	now := time.Now().UTC()
	job := &v1.Job{
		ID:          uuid.New().String(),
		Description: opts.Task,
		Workspace:   opts.Workspace,
		ParentTask:  opts.ParentTask,
		Status:      v1.JobStatusStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobsMu.Lock()
	m.jobs[job.ID] = job
	m.jobsMu.Unlock()

	if err := m.store.SaveJob(ctx, job); err != nil {
		m.logger.Warn("failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
	m.publish(bus.EventTaskCreated, map[string]any{
		"task_id":   job.ID,
		"workspace": job.Workspace,
	})
	m.progress(ctx, job)
	return job
}

// run executes the full pipeline for one job.
func (m *Manager) run(ctx context.Context, job *v1.Job, opts RunOptions) *RunResult {
	taskID := opts.TaskID
	if taskID == "" {
		taskID = job.ID[:8]
	}

	m.transition(ctx, job, v1.JobStatusRunning, "acquiring sandbox")

	sb, err := m.pool.AcquireForExtraction(ctx, opts.Workspace, taskID)
	if err != nil {
		return m.failJob(ctx, job, nil, errors.Wrap(err, "failed to acquire sandbox"))
	}
	m.setJobContainer(ctx, job, sb.ID)

	if err := m.pool.Seed(ctx, sb, opts.Workspace); err != nil {
		return m.failJob(ctx, job, sb, errors.Wrap(err, "failed to seed workspace"))
	}
	if err := m.engine.InitTracking(ctx, sb); err != nil {
		return m.failJob(ctx, job, sb, errors.Wrap(err, "failed to initialize change tracking"))
	}

	return m.invoke(ctx, &invocation{
		job:       job,
		sb:        sb,
		prompt:    composePrompt(opts.Task, opts.Description),
		taskID:    taskID,
		workspace: opts.Workspace,
		full:      opts.ReturnFull,
	})
}

// invoke runs the agent inside the sandbox and interprets the outcome. It
// is shared by fresh runs, answer resumptions, and revisions.
func (m *Manager) invoke(ctx context.Context, inv *invocation) *RunResult {
	job, sb := inv.job, inv.sb

	execLog, err := openExecutionLog(m.cfg.LogDir(), sb.ShortID(), inv.taskID)
	if err != nil {
		return m.failJob(ctx, job, sb, errors.Wrap(err, "failed to open execution log"))
	}
	m.setJobLogFile(ctx, job, execLog.Path())
	if err := m.store.SaveLogRef(ctx, &v1.LogRef{
		JobID:       job.ID,
		TaskID:      inv.taskID,
		ContainerID: sb.ID,
		Path:        execLog.Path(),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		m.logger.Warn("failed to persist log reference", zap.Error(err))
	}

	m.transition(ctx, job, v1.JobStatusRunning, "agent running")
	execLog.Line("invoking agent")
	result, execErr := m.daemon.Exec(ctx, sb.ID, agentCommand(inv.prompt), sandbox.ContainerWorkspace, sb.Env)
	if result != nil {
		execLog.Block("stdout", result.Stdout)
		execLog.Block("stderr", result.Stderr)
	}
	if execErr != nil {
		execLog.Line(fmt.Sprintf("agent invocation failed: %v", execErr))
		execLog.Close()
		return m.failJob(ctx, job, sb, errors.Wrap(execErr, "agent invocation failed"))
	}
	execLog.Line(fmt.Sprintf("agent exited with code %d", result.ExitCode))
	execLog.Close()

	if result.ExitCode != 0 {
		stderr := strings.TrimSpace(result.Stderr)
		return m.failJob(ctx, job, sb,
			errors.InternalError(fmt.Sprintf("agent exited with code %d: %s", result.ExitCode, stderr), nil))
	}

	if question, ok := extractQuestion(result.Stdout); ok {
		return m.parkForInput(ctx, inv, question)
	}
	return m.finish(ctx, inv, result.Stdout)
}

// parkForInput creates or reuses the conversation session and leaves the
// job waiting on the client. The sandbox stays alive, pinned to the
// session.
func (m *Manager) parkForInput(ctx context.Context, inv *invocation, question string) *RunResult {
	session := inv.session
	if session == nil {
		session = m.sessions.create(inv.job.ID, inv.workspace, inv.sb)
	}
	session.Question = question
	m.sessions.touch(session.ID)

	job := inv.job
	m.jobsMu.Lock()
	job.SessionID = session.ID
	job.Question = question
	m.jobsMu.Unlock()
	m.transition(ctx, job, v1.JobStatusNeedsInput, "waiting for input")

	m.logger.Info("job needs input",
		zap.String("job_id", job.ID),
		zap.String("session_id", session.ID))
	return &RunResult{
		JobID:    job.ID,
		Status:   v1.JobStatusNeedsInput,
		Question: question,
		LogFile:  job.LogFile,
	}
}

// finish extracts the patch, registers it if non-empty, and completes the
// job. A sandbox that produced a patch stays pinned to its session until
// the patch is resolved; an empty run releases the sandbox.
func (m *Manager) finish(ctx context.Context, inv *invocation, output string) *RunResult {
	job, sb := inv.job, inv.sb

	p, err := m.engine.Extract(ctx, sb, patch.DiffOptions{})
	if err != nil {
		return m.failJob(ctx, job, sb, errors.Wrap(err, "failed to extract patch"))
	}
	p.JobID = job.ID
	p.TaskID = inv.taskID
	p.Workspace = inv.workspace
	p.ContainerID = sb.ID

	if len(p.Files) == 0 {
		m.cleanupSandbox(ctx, sb)
		m.completeJob(ctx, job, output, "")
		return &RunResult{
			JobID:   job.ID,
			Status:  v1.JobStatusCompleted,
			Output:  m.formatOutput(output, p, inv.full),
			LogFile: job.LogFile,
		}
	}

	session := inv.session
	if session == nil {
		session = m.sessions.create(job.ID, inv.workspace, sb)
	}
	session.PatchID = p.ID
	session.Question = ""
	m.sessions.touch(session.ID)
	p.SessionID = session.ID

	if inv.parentPatch != "" {
		p.IsRevision = true
		p.ParentID = inv.parentPatch
		m.recordRevision(ctx, inv.parentPatch, inv.feedback, p.ID)
	}

	if err := m.store.SavePatch(ctx, p); err != nil {
		return m.failJob(ctx, job, sb, errors.Wrap(err, "failed to persist patch"))
	}
	m.pendingMu.Lock()
	m.pending[p.ID] = p
	m.pendingMu.Unlock()

	m.jobsMu.Lock()
	job.SessionID = session.ID
	m.jobsMu.Unlock()

	m.publish(bus.EventDiffCreated, map[string]any{
		"diff_id":       p.ID,
		"task_id":       p.TaskID,
		"files_changed": len(p.Files),
		"additions":     p.Additions,
		"deletions":     p.Deletions,
	})
	m.completeJob(ctx, job, output, p.ID)

	m.logger.Info("patch registered",
		zap.String("job_id", job.ID),
		zap.String("diff_id", p.ID),
		zap.Int("files", len(p.Files)))
	return &RunResult{
		JobID:        job.ID,
		Status:       v1.JobStatusCompleted,
		Output:       m.formatOutput(output, p, inv.full),
		PatchID:      p.ID,
		FilesChanged: len(p.Files),
		LogFile:      job.LogFile,
	}
}

// recordRevision appends a revision entry to the parent patch's history.
func (m *Manager) recordRevision(ctx context.Context, parentID, feedback, childID string) {
	parent, err := m.getPatch(ctx, parentID)
	if err != nil {
		m.logger.Warn("failed to load parent patch for revision history",
			zap.String("diff_id", parentID), zap.Error(err))
		return
	}
	parent.Revisions = append(parent.Revisions, v1.RevisionEntry{
		Number:    len(parent.Revisions) + 1,
		Feedback:  feedback,
		PatchID:   childID,
		CreatedAt: time.Now().UTC(),
	})
	if err := m.store.SavePatch(ctx, parent); err != nil {
		m.logger.Warn("failed to persist revision history",
			zap.String("diff_id", parentID), zap.Error(err))
	}
	m.pendingMu.Lock()
	if _, ok := m.pending[parent.ID]; ok {
		m.pending[parent.ID] = parent
	}
	m.pendingMu.Unlock()
}

func (m *Manager) formatOutput(output string, p *v1.Patch, full bool) string {
	if !full {
		return truncateSummary(output)
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(output))
	if p != nil && len(p.Files) > 0 {
		b.WriteString(fmt.Sprintf("\n\nChanges: %d file(s), +%d -%d\n", len(p.Files), p.Additions, p.Deletions))
		for _, f := range p.Files {
			b.WriteString(fmt.Sprintf("  %s %s\n", f.Status, f.Path))
		}
		b.WriteString("\n")
		b.WriteString(nextSteps)
	}
	return b.String()
}

// AnswerQuestion resumes a job waiting on client input. The same sandbox
// re-enters the agent with a follow-up prompt on a background goroutine.
func (m *Manager) AnswerQuestion(ctx context.Context, jobID, answer string) error {
	if answer == "" {
		return errors.InvalidParams("answer is required")
	}
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != v1.JobStatusNeedsInput {
		return errors.PreconditionFailed(
			fmt.Sprintf("job is %s, not waiting for input", job.Status))
	}
	session, ok := m.sessions.byJob(jobID)
	if !ok {
		return errors.PreconditionFailed("job's session is no longer live")
	}

	question := session.Question
	m.transition(ctx, job, v1.JobStatusRunning, "resuming with answer")
	m.sessions.touch(session.ID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.invoke(context.Background(), &invocation{
			job:       job,
			sb:        session.Sandbox,
			session:   session,
			prompt:    answerPrompt(question, answer),
			taskID:    job.ID[:8],
			workspace: session.Workspace,
		})
	}()
	return nil
}

// RequestRevision starts a new background job iterating on a pending patch
// inside its original sandbox. Returns the new job identifier.
func (m *Manager) RequestRevision(ctx context.Context, patchID, feedback, extraContext string, preserveCorrect bool) (string, error) {
	if feedback == "" {
		return "", errors.InvalidParams("feedback is required")
	}
	p, err := m.getPatch(ctx, patchID)
	if err != nil {
		return "", err
	}
	if p.Status != v1.PatchStatusPending {
		return "", errors.PreconditionFailed(
			fmt.Sprintf("patch is %s; only pending patches can be revised", p.Status))
	}
	if len(p.Revisions) >= maxRevisions {
		return "", errors.PreconditionFailed(
			fmt.Sprintf("revision limit of %d reached", maxRevisions))
	}
	session, ok := m.sessions.byPatch(patchID)
	if !ok {
		return "", errors.PreconditionFailed("patch's session is no longer live; re-run the task instead")
	}
	info, err := m.daemon.GetContainerInfo(ctx, session.Sandbox.ID)
	if err != nil || !info.Running() {
		return "", errors.PreconditionFailed("patch's sandbox is no longer running; re-run the task instead")
	}

	originalTask := ""
	if parentJob, err := m.GetJob(ctx, p.JobID); err == nil {
		originalTask = parentJob.Description
	}
	changed, err := m.engine.ChangedFiles(ctx, session.Sandbox)
	if err != nil {
		m.logger.Warn("failed to list changed files for revision", zap.Error(err))
	}

	job := m.registerJob(ctx, RunOptions{
		Task:      fmt.Sprintf("Revision of %s: %s", patchID, feedback),
		Workspace: session.Workspace,
	})
	m.setJobContainer(ctx, job, session.Sandbox.ID)
	m.transition(ctx, job, v1.JobStatusRunning, "revision running")
	session.JobID = job.ID
	session.Revisions++
	m.sessions.touch(session.ID)

	prompt := revisionPrompt(originalTask, feedback, extraContext, changed, preserveCorrect)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.invoke(context.Background(), &invocation{
			job:         job,
			sb:          session.Sandbox,
			session:     session,
			prompt:      prompt,
			taskID:      job.ID[:8],
			workspace:   session.Workspace,
			parentPatch: patchID,
			feedback:    feedback,
		})
	}()
	return job.ID, nil
}

// ApplyPatch applies a pending patch to the target workspace. Application
// is deliberately not idempotent; re-applying a resolved patch errors.
func (m *Manager) ApplyPatch(ctx context.Context, patchID, targetWorkspace string, backup bool) (*patch.ApplyResult, error) {
	if targetWorkspace == "" {
		return nil, errors.InvalidParams("target workspace is required")
	}
	p, err := m.getPatch(ctx, patchID)
	if err != nil {
		return nil, err
	}
	if p.Status != v1.PatchStatusPending {
		return nil, errors.Conflict(fmt.Sprintf("patch is already %s", p.Status))
	}

	result, err := m.applier.Apply(ctx, p, targetWorkspace, backup)
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply patch")
	}
	if !result.Success {
		return result, nil
	}

	m.pendingMu.Lock()
	delete(m.pending, p.ID)
	m.pendingMu.Unlock()
	m.endSessionForPatch(ctx, p.ID)

	m.logger.Info("patch applied",
		zap.String("diff_id", p.ID),
		zap.String("workspace", targetWorkspace),
		zap.String("tool", result.Tool))
	return result, nil
}

// RejectPatch discards a pending patch, terminating its session and
// destroying the underlying sandbox best-effort.
func (m *Manager) RejectPatch(ctx context.Context, patchID, reason string) error {
	p, err := m.getPatch(ctx, patchID)
	if err != nil {
		return err
	}
	if p.Status != v1.PatchStatusPending {
		return errors.NotFound("pending patch", patchID)
	}

	if err := m.store.UpdatePatchStatus(ctx, p.ID, v1.PatchStatusRejected, ""); err != nil {
		return errors.Wrap(err, "failed to mark patch rejected")
	}
	m.pendingMu.Lock()
	delete(m.pending, p.ID)
	m.pendingMu.Unlock()
	m.endSessionForPatch(ctx, p.ID)

	m.logger.Info("patch rejected",
		zap.String("diff_id", p.ID),
		zap.String("reason", reason))
	return nil
}

// endSessionForPatch terminates the session pinned to a patch and destroys
// its sandbox. Failures are swallowed; the recovery pass collects strays.
func (m *Manager) endSessionForPatch(ctx context.Context, patchID string) {
	session, ok := m.sessions.byPatch(patchID)
	if !ok {
		return
	}
	m.sessions.remove(session.ID)
	if session.Sandbox != nil {
		m.pool.Destroy(ctx, session.Sandbox)
	}
}

// GetJob returns a job from the in-memory registry, falling back to the
// store for jobs from before the current process.
func (m *Manager) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	m.jobsMu.Lock()
	job, ok := m.jobs[id]
	m.jobsMu.Unlock()
	if ok {
		return job, nil
	}
	return m.store.GetJob(ctx, id)
}

// JobSnapshot returns a copy of a job safe to serialize while the run
// mutates the original.
func (m *Manager) JobSnapshot(ctx context.Context, id string) (*v1.Job, error) {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	copied := *job
	return &copied, nil
}

// GetPendingPatch returns a pending patch by id.
func (m *Manager) GetPendingPatch(ctx context.Context, id string) (*v1.Patch, error) {
	p, err := m.getPatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != v1.PatchStatusPending {
		return nil, errors.NotFound("pending patch", id)
	}
	return p, nil
}

// ListPendingPatches returns all pending patches from the store.
func (m *Manager) ListPendingPatches(ctx context.Context) ([]*v1.Patch, error) {
	return m.store.ListPendingPatches(ctx)
}

func (m *Manager) getPatch(ctx context.Context, id string) (*v1.Patch, error) {
	m.pendingMu.Lock()
	p, ok := m.pending[id]
	m.pendingMu.Unlock()
	if ok {
		return p, nil
	}
	return m.store.GetPatch(ctx, id)
}

// Stats returns a live summary of pool, jobs, patches, and sessions.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.jobsMu.Lock()
	total := len(m.jobs)
	active := 0
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			active++
		}
	}
	m.jobsMu.Unlock()

	pendingCount := 0
	if patches, err := m.store.ListPendingPatches(ctx); err == nil {
		pendingCount = len(patches)
	}

	return Stats{
		Pool:           m.pool.Stats(),
		ActiveJobs:     active,
		TotalJobs:      total,
		PendingPatches: pendingCount,
		Sessions:       m.sessions.count(),
	}
}

// transition moves a job to a new status, persisting before announcing.
func (m *Manager) transition(ctx context.Context, job *v1.Job, status v1.JobStatus, progress string) {
	m.jobsMu.Lock()
	job.Status = status
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	if status.Terminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	m.jobsMu.Unlock()

	if err := m.store.SaveJob(ctx, job); err != nil {
		m.logger.Warn("failed to persist job transition",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	m.progress(ctx, job)
	if status.Terminal() {
		m.publish(bus.EventTaskCompleted, map[string]any{
			"task_id": job.ID,
			"status":  string(status),
		})
	}
}

func (m *Manager) completeJob(ctx context.Context, job *v1.Job, output, patchID string) {
	m.jobsMu.Lock()
	job.Summary = truncateSummary(output)
	job.PatchID = patchID
	m.jobsMu.Unlock()
	m.transition(ctx, job, v1.JobStatusCompleted, "completed")
}

// failJob converts the error to a semantic kind, records it on the job,
// and cleans up the sandbox.
func (m *Manager) failJob(ctx context.Context, job *v1.Job, sb *sandbox.Sandbox, appErr *errors.AppError) *RunResult {
	if sb != nil {
		m.cleanupSandbox(ctx, sb)
	}

	m.jobsMu.Lock()
	job.ErrorCode = appErr.Code
	job.Error = appErr.Message
	m.jobsMu.Unlock()
	m.transition(ctx, job, v1.JobStatusFailed, appErr.Message)

	m.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("code", appErr.Code),
		zap.Error(appErr))
	return &RunResult{
		JobID:   job.ID,
		Status:  v1.JobStatusFailed,
		Output:  fmt.Sprintf("%s: %s", appErr.Code, appErr.Message),
		LogFile: job.LogFile,
	}
}

// cleanupSandbox destroys a sandbox unless the debug-preserve flag asks to
// keep it for inspection.
func (m *Manager) cleanupSandbox(ctx context.Context, sb *sandbox.Sandbox) {
	if m.cfg.Debug.NoCleanup {
		m.logger.Info("leaving sandbox for inspection", zap.String("container_id", sb.ShortID()))
		return
	}
	m.pool.Destroy(ctx, sb)
}

func (m *Manager) setJobContainer(ctx context.Context, job *v1.Job, containerID string) {
	m.jobsMu.Lock()
	job.ContainerID = containerID
	job.UpdatedAt = time.Now().UTC()
	m.jobsMu.Unlock()
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.logger.Warn("failed to persist job container", zap.Error(err))
	}
}

func (m *Manager) setJobLogFile(ctx context.Context, job *v1.Job, path string) {
	m.jobsMu.Lock()
	job.LogFile = path
	job.UpdatedAt = time.Now().UTC()
	m.jobsMu.Unlock()
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.logger.Warn("failed to persist job log file", zap.Error(err))
	}
}

// progress emits a task_progress event reflecting the job's current state.
func (m *Manager) progress(ctx context.Context, job *v1.Job) {
	m.jobsMu.Lock()
	data := map[string]any{
		"task_id":  job.ID,
		"status":   string(job.Status),
		"progress": job.Progress,
	}
	m.jobsMu.Unlock()
	m.publish(bus.EventTaskProgress, data)
}

func (m *Manager) publish(eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "executor", data)
	if err := m.bus.Publish(context.Background(), bus.Subject(eventType), event); err != nil {
		m.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// sweepLoop reaps idle sessions and expired terminal jobs every five
// minutes. Sweep failures are logged and swallowed.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	for _, session := range m.sessions.idleOlderThan(sessionIdleTimeout) {
		m.logger.Info("reaping idle session",
			zap.String("session_id", session.ID),
			zap.String("job_id", session.JobID))
		if session.Sandbox != nil {
			m.pool.Destroy(ctx, session.Sandbox)
		}
		if job, err := m.GetJob(ctx, session.JobID); err == nil && job.Status == v1.JobStatusNeedsInput {
			m.jobsMu.Lock()
			job.ErrorCode = errors.ErrCodeTimedOut
			job.Error = "session expired waiting for input"
			m.jobsMu.Unlock()
			m.transition(ctx, job, v1.JobStatusFailed, "session expired waiting for input")
		}
	}

	cutoff := time.Now().Add(-jobRetention)
	m.jobsMu.Lock()
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
	m.jobsMu.Unlock()
}
