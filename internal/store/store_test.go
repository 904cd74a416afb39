package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/db"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	s, err := New(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobSaveGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &v1.Job{
		ID:          "job-1",
		Description: "add retry logic to the fetcher",
		Workspace:   "/tmp/repo",
		ParentTask:  "3",
		Status:      v1.JobStatusStarted,
	}
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Description, got.Description)
	assert.Equal(t, v1.JobStatusStarted, got.Status)
	assert.Equal(t, "3", got.ParentTask)
	assert.False(t, got.CreatedAt.IsZero())

	// Upsert transitions status without duplicating the row.
	job.Status = v1.JobStatusRunning
	job.Progress = "exploring the codebase"
	require.NoError(t, s.SaveJob(ctx, job))

	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, v1.JobStatusRunning, got.Status)
	assert.Equal(t, "exploring the codebase", got.Progress)
}

func TestSaveJobLeavesArgumentUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	updated := created.Add(time.Minute)
	job := &v1.Job{
		ID: "job-1", Description: "x", Workspace: "/w",
		Status: v1.JobStatusRunning, CreatedAt: created, UpdatedAt: updated,
	}
	require.NoError(t, s.SaveJob(ctx, job))
	assert.Equal(t, created, job.CreatedAt)
	assert.Equal(t, updated, job.UpdatedAt)

	// Zero timestamps fall back on the row, not on the argument.
	zero := &v1.Job{ID: "job-2", Description: "x", Workspace: "/w", Status: v1.JobStatusStarted}
	require.NoError(t, s.SaveJob(ctx, zero))
	assert.True(t, zero.CreatedAt.IsZero())
	assert.True(t, zero.UpdatedAt.IsZero())

	got, err := s.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSaveJobConcurrentWithGuardedWriter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	job := &v1.Job{
		ID: "job-1", Description: "x", Workspace: "/w",
		Status: v1.JobStatusStarted, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveJob(ctx, job))

	// Callers share the job pointer across goroutines and guard their own
	// access; SaveJob must never write to the argument. Run with -race.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, s.SaveJob(ctx, job))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			mu.Lock()
			_ = job.UpdatedAt
			_ = job.CreatedAt
			mu.Unlock()
		}
	}()
	wg.Wait()
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListIncompleteJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := map[string]v1.JobStatus{
		"a": v1.JobStatusRunning,
		"b": v1.JobStatusCompleted,
		"c": v1.JobStatusNeedsInput,
		"d": v1.JobStatusFailed,
	}
	for id, status := range statuses {
		require.NoError(t, s.SaveJob(ctx, &v1.Job{
			ID: id, Description: "x", Workspace: "/w", Status: status,
		}))
	}

	jobs, err := s.ListIncompleteJobs(ctx)
	require.NoError(t, err)

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestPatchRoundTripWithFilesAndRevisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	patch := &v1.Patch{
		ID:        "patch-1",
		JobID:     "job-1",
		Workspace: "/tmp/repo",
		Status:    v1.PatchStatusPending,
		Diff:      "diff --git a/main.go b/main.go\n",
		Files: []v1.FileChange{
			{Path: "main.go", Status: v1.FileStatusModified, Additions: 4, Deletions: 1},
			{Path: "util.go", OldPath: "helpers.go", Status: v1.FileStatusRenamed},
		},
		Additions: 4,
		Deletions: 1,
		Revisions: []v1.RevisionEntry{
			{Feedback: "use errors.Join", PatchID: "patch-0", CreatedAt: time.Now().UTC()},
		},
	}
	require.NoError(t, s.SavePatch(ctx, patch))

	got, err := s.GetPatch(ctx, "patch-1")
	require.NoError(t, err)
	require.Len(t, got.Files, 2)
	assert.Equal(t, v1.FileStatusRenamed, got.Files[1].Status)
	assert.Equal(t, "helpers.go", got.Files[1].OldPath)
	require.Len(t, got.Revisions, 1)
	assert.Equal(t, "use errors.Join", got.Revisions[0].Feedback)
}

func TestUpdatePatchStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePatch(ctx, &v1.Patch{
		ID: "patch-1", JobID: "job-1", Workspace: "/w",
		Status: v1.PatchStatusPending, Diff: "d",
	}))

	require.NoError(t, s.UpdatePatchStatus(ctx, "patch-1", v1.PatchStatusApplied, "/other"))

	got, err := s.GetPatch(ctx, "patch-1")
	require.NoError(t, err)
	assert.Equal(t, v1.PatchStatusApplied, got.Status)
	assert.Equal(t, "/other", got.Workspace)
	require.NotNil(t, got.ResolvedAt)

	pending, err := s.ListPendingPatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = s.UpdatePatchStatus(ctx, "patch-1", v1.PatchStatusPending, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidParams, errors.CodeOf(err))

	err = s.UpdatePatchStatus(ctx, "missing", v1.PatchStatusRejected, "")
	assert.True(t, errors.IsNotFound(err))
}

func TestSandboxRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []*v1.SandboxRecord{
		{ContainerID: "c1", ContainerName: "pw-1", Status: v1.LifecycleRunning, Image: "img"},
		{ContainerID: "c2", ContainerName: "pw-2", Status: v1.LifecyclePendingReview, Image: "img"},
		{ContainerID: "c3", ContainerName: "pw-3", Status: v1.LifecycleApplied, Image: "img"},
	}
	for _, rec := range recs {
		require.NoError(t, s.SaveSandboxRecord(ctx, rec))
	}

	got, err := s.GetSandboxRecord(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, v1.LifecyclePendingReview, got.Status)

	active, err := s.ListActiveSandboxRecords(ctx)
	require.NoError(t, err)
	var ids []string
	for _, rec := range active {
		ids = append(ids, rec.ContainerID)
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
}

func TestLogRefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref := &v1.LogRef{JobID: "job-1", ContainerID: "c1", Path: "/logs/abc-1.log"}
	require.NoError(t, s.SaveLogRef(ctx, ref))
	assert.NotZero(t, ref.ID)

	require.NoError(t, s.SaveLogRef(ctx, &v1.LogRef{JobID: "job-2", Path: "/logs/def-2.log"}))

	refs, err := s.ListLogRefs(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "/logs/abc-1.log", refs[0].Path)

	all, err := s.ListLogRefs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPruneOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)

	require.NoError(t, s.SaveJob(ctx, &v1.Job{
		ID: "old-done", Description: "x", Workspace: "/w", Status: v1.JobStatusCompleted,
	}))
	require.NoError(t, s.SaveJob(ctx, &v1.Job{
		ID: "old-running", Description: "x", Workspace: "/w", Status: v1.JobStatusRunning,
	}))
	// Backdate both rows past the cutoff.
	_, err := s.db.Exec(`UPDATE background_tasks SET updated_at = ?`, old)
	require.NoError(t, err)

	removed, err := s.PruneOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	// The incomplete job survives pruning regardless of age.
	_, err = s.GetJob(ctx, "old-running")
	require.NoError(t, err)
	_, err = s.GetJob(ctx, "old-done")
	assert.True(t, errors.IsNotFound(err))
}
