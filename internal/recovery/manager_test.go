package recovery

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/sandbox"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

type fakeDaemon struct {
	containers []sandbox.ContainerInfo
	removed    []string
}

func (d *fakeDaemon) ListContainers(ctx context.Context, labels map[string]string) ([]sandbox.ContainerInfo, error) {
	return d.containers, nil
}

func (d *fakeDaemon) GetContainerInfo(ctx context.Context, id string) (*sandbox.ContainerInfo, error) {
	for i := range d.containers {
		if d.containers[i].ID == id {
			return &d.containers[i], nil
		}
	}
	return nil, fmt.Errorf("no such container: %s", id)
}

func (d *fakeDaemon) RemoveContainer(ctx context.Context, id string, force bool) error {
	d.removed = append(d.removed, id)
	return nil
}

func (d *fakeDaemon) Ping(ctx context.Context) error                      { return nil }
func (d *fakeDaemon) EnsureImage(ctx context.Context, tag string) error   { return nil }
func (d *fakeDaemon) StartContainer(ctx context.Context, id string) error { return nil }
func (d *fakeDaemon) Close() error                                        { return nil }
func (d *fakeDaemon) CreateContainer(ctx context.Context, cfg sandbox.ContainerConfig) (string, error) {
	return "", nil
}
func (d *fakeDaemon) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (d *fakeDaemon) Exec(ctx context.Context, id string, cmd []string, dir string, env []string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (d *fakeDaemon) CopyToContainer(ctx context.Context, id, dst string, content io.Reader) error {
	return nil
}
func (d *fakeDaemon) ContainerLogs(ctx context.Context, id string, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type fakeStore struct {
	jobs    map[string]*v1.Job
	patches map[string]*v1.Patch
	records map[string]*v1.SandboxRecord
	pruned  time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    map[string]*v1.Job{},
		patches: map[string]*v1.Patch{},
		records: map[string]*v1.SandboxRecord{},
	}
}

func (s *fakeStore) ListIncompleteJobs(ctx context.Context) ([]*v1.Job, error) {
	var out []*v1.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveJob(ctx context.Context, job *v1.Job) error {
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) ListPendingPatches(ctx context.Context) ([]*v1.Patch, error) {
	var out []*v1.Patch
	for _, p := range s.patches {
		if p.Status == v1.PatchStatusPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdatePatchStatus(ctx context.Context, id string, status v1.PatchStatus, appliedTo string) error {
	p, ok := s.patches[id]
	if !ok {
		return errors.NotFound("patch", id)
	}
	p.Status = status
	return nil
}

func (s *fakeStore) ListActiveSandboxRecords(ctx context.Context) ([]*v1.SandboxRecord, error) {
	var out []*v1.SandboxRecord
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) SaveSandboxRecord(ctx context.Context, rec *v1.SandboxRecord) error {
	s.records[rec.ContainerID] = rec
	return nil
}

func (s *fakeStore) GetSandboxRecord(ctx context.Context, containerID string) (*v1.SandboxRecord, error) {
	rec, ok := s.records[containerID]
	if !ok {
		return nil, errors.NotFound("sandbox record", containerID)
	}
	return rec, nil
}

func (s *fakeStore) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	s.pruned = age
	return 2, nil
}

func testManager(t *testing.T, daemon *fakeDaemon, st *fakeStore) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return NewManager(daemon, st, log)
}

func TestRunAdoptsUnknownRunningContainer(t *testing.T) {
	daemon := &fakeDaemon{containers: []sandbox.ContainerInfo{
		{
			ID:    "running-unknown",
			Name:  "parallel-work-abc",
			State: "running",
			Image: "parallel-work/sandbox:latest",
			Labels: map[string]string{
				sandbox.LabelManaged:   "true",
				sandbox.LabelTaskID:    "t-1",
				sandbox.LabelWorkspace: "/w",
			},
		},
	}}
	st := newFakeStore()

	testManager(t, daemon, st).Run(context.Background())

	rec, ok := st.records["running-unknown"]
	require.True(t, ok)
	assert.Equal(t, v1.LifecycleRunning, rec.Status)
	assert.Equal(t, "t-1", rec.TaskID)
	assert.Equal(t, "/w", rec.Workspace)
	assert.Empty(t, daemon.removed)
}

func TestRunRemovesOldExitedOrphan(t *testing.T) {
	daemon := &fakeDaemon{containers: []sandbox.ContainerInfo{
		{
			ID:         "old-exited",
			State:      "exited",
			FinishedAt: time.Now().Add(-2 * time.Hour),
			Labels:     map[string]string{sandbox.LabelManaged: "true"},
		},
		{
			ID:         "fresh-exited",
			State:      "exited",
			FinishedAt: time.Now().Add(-5 * time.Minute),
			Labels:     map[string]string{sandbox.LabelManaged: "true"},
		},
	}}
	st := newFakeStore()

	testManager(t, daemon, st).Run(context.Background())

	assert.Equal(t, []string{"old-exited"}, daemon.removed)
}

func TestRunRefreshesKnownRunningRecord(t *testing.T) {
	daemon := &fakeDaemon{containers: []sandbox.ContainerInfo{
		{ID: "known", State: "running", Labels: map[string]string{sandbox.LabelManaged: "true"}},
	}}
	st := newFakeStore()
	stale := time.Now().Add(-3 * time.Hour)
	st.records["known"] = &v1.SandboxRecord{ContainerID: "known", Status: v1.LifecycleRunning, UpdatedAt: stale}

	testManager(t, daemon, st).Run(context.Background())

	assert.True(t, st.records["known"].UpdatedAt.After(stale))
}

func TestRunFailsJobsWithDeadSandbox(t *testing.T) {
	daemon := &fakeDaemon{containers: []sandbox.ContainerInfo{
		{ID: "alive", State: "running", Labels: map[string]string{sandbox.LabelManaged: "true"}},
	}}
	st := newFakeStore()
	st.records["alive"] = &v1.SandboxRecord{ContainerID: "alive", Status: v1.LifecycleRunning}
	st.jobs["j-dead"] = &v1.Job{ID: "j-dead", Status: v1.JobStatusRunning, ContainerID: "vanished"}
	st.jobs["j-alive"] = &v1.Job{ID: "j-alive", Status: v1.JobStatusRunning, ContainerID: "alive"}
	st.jobs["j-done"] = &v1.Job{ID: "j-done", Status: v1.JobStatusCompleted, ContainerID: "vanished"}

	testManager(t, daemon, st).Run(context.Background())

	dead := st.jobs["j-dead"]
	assert.Equal(t, v1.JobStatusFailed, dead.Status)
	assert.Equal(t, interruptedNote, dead.Progress)
	require.NotNil(t, dead.CompletedAt)

	assert.Equal(t, v1.JobStatusRunning, st.jobs["j-alive"].Status)
	assert.Equal(t, v1.JobStatusCompleted, st.jobs["j-done"].Status)
}

func TestRunRejectsOrphanedPendingPatches(t *testing.T) {
	daemon := &fakeDaemon{containers: []sandbox.ContainerInfo{
		{ID: "alive", State: "running", Labels: map[string]string{sandbox.LabelManaged: "true"}},
	}}
	st := newFakeStore()
	st.records["alive"] = &v1.SandboxRecord{ContainerID: "alive", Status: v1.LifecycleRunning}
	st.patches["p-orphan"] = &v1.Patch{ID: "p-orphan", Status: v1.PatchStatusPending, ContainerID: "vanished"}
	st.patches["p-alive"] = &v1.Patch{ID: "p-alive", Status: v1.PatchStatusPending, ContainerID: "alive"}

	testManager(t, daemon, st).Run(context.Background())

	assert.Equal(t, v1.PatchStatusRejected, st.patches["p-orphan"].Status)
	assert.Equal(t, v1.PatchStatusPending, st.patches["p-alive"].Status)
	assert.Equal(t, 7*24*time.Hour, st.pruned)
}

func TestRunMarksVanishedRecordsStopped(t *testing.T) {
	daemon := &fakeDaemon{}
	st := newFakeStore()
	st.records["gone"] = &v1.SandboxRecord{ContainerID: "gone", Status: v1.LifecycleRunning}

	testManager(t, daemon, st).Run(context.Background())

	assert.Equal(t, v1.LifecycleStopped, st.records["gone"].Status)
}
