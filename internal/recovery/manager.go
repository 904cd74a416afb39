// Package recovery reconciles persisted state with the container daemon
// after an engine restart. It runs exactly once at boot, before the engine
// accepts new work; every failure is logged and swallowed so recovery can
// never prevent startup.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/sandbox"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

const (
	// interruptedNote is the fixed progress message stamped on jobs whose
	// sandbox died with the previous process.
	interruptedNote = "interrupted by restart"

	// orphanAge is how old an unknown exited container must be before it
	// is removed.
	orphanAge = time.Hour

	// pruneAge is the retention for terminal jobs and patches.
	pruneAge = 7 * 24 * time.Hour
)

// Store is the persistence surface recovery reconciles against.
type Store interface {
	ListIncompleteJobs(ctx context.Context) ([]*v1.Job, error)
	SaveJob(ctx context.Context, job *v1.Job) error
	ListPendingPatches(ctx context.Context) ([]*v1.Patch, error)
	UpdatePatchStatus(ctx context.Context, id string, status v1.PatchStatus, appliedTo string) error
	ListActiveSandboxRecords(ctx context.Context) ([]*v1.SandboxRecord, error)
	SaveSandboxRecord(ctx context.Context, rec *v1.SandboxRecord) error
	GetSandboxRecord(ctx context.Context, containerID string) (*v1.SandboxRecord, error)
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Manager performs the boot-time reconciliation pass.
type Manager struct {
	daemon sandbox.Daemon
	store  Store
	logger *logger.Logger
}

// NewManager creates a recovery manager.
func NewManager(daemon sandbox.Daemon, st Store, log *logger.Logger) *Manager {
	return &Manager{
		daemon: daemon,
		store:  st,
		logger: log.WithFields(zap.String("component", "recovery")),
	}
}

// Run executes the full reconciliation: sandboxes, jobs, then stale
// pruning. Errors in one phase do not stop the next.
func (m *Manager) Run(ctx context.Context) {
	start := time.Now()
	live := m.reconcileSandboxes(ctx)
	m.reconcileJobs(ctx, live)
	m.pruneStale(ctx, live)
	m.logger.Info("recovery pass complete", zap.Duration("took", time.Since(start)))
}

// reconcileSandboxes aligns daemon state with persisted records and returns
// the set of container ids that are actually running.
func (m *Manager) reconcileSandboxes(ctx context.Context) map[string]bool {
	live := make(map[string]bool)

	containers, err := m.daemon.ListContainers(ctx, map[string]string{sandbox.LabelManaged: "true"})
	if err != nil {
		m.logger.Warn("failed to list managed containers", zap.Error(err))
		return live
	}

	for _, info := range containers {
		if info.Running() {
			live[info.ID] = true
		}

		rec, err := m.store.GetSandboxRecord(ctx, info.ID)
		if err != nil {
			// Unknown to persistence: adopt running containers, remove
			// exited ones that have been dead long enough.
			if info.Running() {
				m.adopt(ctx, info)
			} else if time.Since(info.FinishedAt) > orphanAge {
				m.logger.Info("removing stale orphan container",
					zap.String("container_id", shortID(info.ID)))
				if err := m.daemon.RemoveContainer(ctx, info.ID, true); err != nil {
					m.logger.Debug("failed to remove orphan", zap.Error(err))
				}
				delete(live, info.ID)
			}
			continue
		}

		if info.Running() {
			rec.UpdatedAt = time.Now().UTC()
			if err := m.store.SaveSandboxRecord(ctx, rec); err != nil {
				m.logger.Debug("failed to refresh sandbox record", zap.Error(err))
			}
		}
	}

	// Persisted records whose container vanished entirely.
	records, err := m.store.ListActiveSandboxRecords(ctx)
	if err != nil {
		m.logger.Warn("failed to list sandbox records", zap.Error(err))
		return live
	}
	for _, rec := range records {
		if live[rec.ContainerID] {
			continue
		}
		if _, err := m.daemon.GetContainerInfo(ctx, rec.ContainerID); err != nil {
			rec.Status = v1.LifecycleStopped
			rec.UpdatedAt = time.Now().UTC()
			if err := m.store.SaveSandboxRecord(ctx, rec); err != nil {
				m.logger.Debug("failed to mark sandbox record stopped", zap.Error(err))
			}
		}
	}
	return live
}

func (m *Manager) adopt(ctx context.Context, info sandbox.ContainerInfo) {
	m.logger.Info("adopting running container",
		zap.String("container_id", shortID(info.ID)),
		zap.String("name", info.Name))
	rec := &v1.SandboxRecord{
		ContainerID:   info.ID,
		ContainerName: info.Name,
		TaskID:        info.Labels[sandbox.LabelTaskID],
		Workspace:     info.Labels[sandbox.LabelWorkspace],
		Status:        v1.LifecycleRunning,
		Image:         info.Image,
		CreatedAt:     info.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := m.store.SaveSandboxRecord(ctx, rec); err != nil {
		m.logger.Warn("failed to adopt container", zap.Error(err))
	}
}

// reconcileJobs fails every non-terminal job whose sandbox is gone.
func (m *Manager) reconcileJobs(ctx context.Context, live map[string]bool) {
	jobs, err := m.store.ListIncompleteJobs(ctx)
	if err != nil {
		m.logger.Warn("failed to list incomplete jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		if job.ContainerID != "" && live[job.ContainerID] {
			continue
		}
		now := time.Now().UTC()
		job.Status = v1.JobStatusFailed
		job.Progress = interruptedNote
		job.Error = interruptedNote
		job.UpdatedAt = now
		job.CompletedAt = &now
		if err := m.store.SaveJob(ctx, job); err != nil {
			m.logger.Warn("failed to fail interrupted job",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		m.logger.Info("marked interrupted job failed", zap.String("job_id", job.ID))
	}
}

// pruneStale removes old terminal records and rejects pending patches whose
// sandbox vanished.
func (m *Manager) pruneStale(ctx context.Context, live map[string]bool) {
	if removed, err := m.store.PruneOlderThan(ctx, pruneAge); err != nil {
		m.logger.Warn("failed to prune stale records", zap.Error(err))
	} else if removed > 0 {
		m.logger.Info("pruned stale records", zap.Int64("removed", removed))
	}

	patches, err := m.store.ListPendingPatches(ctx)
	if err != nil {
		m.logger.Warn("failed to list pending patches", zap.Error(err))
		return
	}
	for _, p := range patches {
		if p.ContainerID == "" || live[p.ContainerID] {
			continue
		}
		if err := m.store.UpdatePatchStatus(ctx, p.ID, v1.PatchStatusRejected, ""); err != nil {
			m.logger.Warn("failed to reject orphaned patch",
				zap.String("diff_id", p.ID), zap.Error(err))
			continue
		}
		m.logger.Info("rejected patch with vanished sandbox", zap.String("diff_id", p.ID))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
