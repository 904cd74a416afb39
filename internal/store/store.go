// Package store persists jobs, patches, sandbox records, and log references.
// All operations are safe to call concurrently; the underlying connection
// serializes writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	v1 "github.com/parallelwork/parallelwork/pkg/api/v1"
)

// Store provides the persistence primitives used by the execution manager
// and the recovery manager.
type Store struct {
	db *sqlx.DB
}

// New wraps an open database connection and initializes the schema.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS background_tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		workspace TEXT NOT NULL,
		parent_task TEXT DEFAULT '',
		status TEXT NOT NULL,
		progress TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		question TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		error_code TEXT DEFAULT '',
		error TEXT DEFAULT '',
		patch_id TEXT DEFAULT '',
		container_id TEXT DEFAULT '',
		log_file TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS git_diffs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		workspace TEXT NOT NULL,
		status TEXT NOT NULL,
		diff TEXT NOT NULL,
		files TEXT DEFAULT '[]',
		additions INTEGER DEFAULT 0,
		deletions INTEGER DEFAULT 0,
		summary TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		is_revision INTEGER DEFAULT 0,
		parent_id TEXT DEFAULT '',
		revisions TEXT DEFAULT '[]',
		container_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS containers (
		container_id TEXT PRIMARY KEY,
		container_name TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		workspace TEXT DEFAULT '',
		status TEXT NOT NULL,
		image TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		container_id TEXT DEFAULT '',
		path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_background_tasks_status ON background_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_background_tasks_parent_task ON background_tasks(parent_task);
	CREATE INDEX IF NOT EXISTS idx_git_diffs_status ON git_diffs(status);
	CREATE INDEX IF NOT EXISTS idx_git_diffs_task_id ON git_diffs(task_id);
	CREATE INDEX IF NOT EXISTS idx_containers_status ON containers(status);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_job_id ON execution_logs(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// jobRow mirrors the background_tasks table.
type jobRow struct {
	v1.Job
}

// SaveJob upserts a job record. The argument is read-only here: callers
// share job pointers across goroutines under their own locks, so
// timestamp fallbacks are applied to the row, never written back.
func (s *Store) SaveJob(ctx context.Context, job *v1.Job) error {
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = updated
	}

	query := s.db.Rebind(`
		INSERT INTO background_tasks (
			id, description, workspace, parent_task, status, progress, session_id,
			question, summary, error_code, error, patch_id, container_id, log_file,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			session_id = excluded.session_id,
			question = excluded.question,
			summary = excluded.summary,
			error_code = excluded.error_code,
			error = excluded.error,
			patch_id = excluded.patch_id,
			container_id = excluded.container_id,
			log_file = excluded.log_file,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`)

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Description, job.Workspace, job.ParentTask, job.Status,
		job.Progress, job.SessionID, job.Question, job.Summary, job.ErrorCode,
		job.Error, job.PatchID, job.ContainerID, job.LogFile,
		created, updated, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT * FROM background_tasks WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("job", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &row.Job, nil
}

// ListIncompleteJobs returns jobs not in a terminal state, used by the
// recovery manager after a restart.
func (s *Store) ListIncompleteJobs(ctx context.Context) ([]*v1.Job, error) {
	var rows []jobRow
	query := s.db.Rebind(`
		SELECT * FROM background_tasks
		WHERE status NOT IN (?, ?)
		ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &rows, query, v1.JobStatusCompleted, v1.JobStatusFailed); err != nil {
		return nil, fmt.Errorf("failed to list incomplete jobs: %w", err)
	}
	jobs := make([]*v1.Job, len(rows))
	for i := range rows {
		jobs[i] = &rows[i].Job
	}
	return jobs, nil
}

// patchRow mirrors the git_diffs table with the JSON-encoded columns.
type patchRow struct {
	v1.Patch
	FilesJSON     string `db:"files"`
	RevisionsJSON string `db:"revisions"`
}

func (r *patchRow) decode() (*v1.Patch, error) {
	p := r.Patch
	if r.FilesJSON != "" {
		if err := json.Unmarshal([]byte(r.FilesJSON), &p.Files); err != nil {
			return nil, fmt.Errorf("failed to decode patch files: %w", err)
		}
	}
	if r.RevisionsJSON != "" {
		if err := json.Unmarshal([]byte(r.RevisionsJSON), &p.Revisions); err != nil {
			return nil, fmt.Errorf("failed to decode patch revisions: %w", err)
		}
	}
	return &p, nil
}

// SavePatch upserts a patch record.
func (s *Store) SavePatch(ctx context.Context, patch *v1.Patch) error {
	if patch.CreatedAt.IsZero() {
		patch.CreatedAt = time.Now().UTC()
	}

	files, err := json.Marshal(patch.Files)
	if err != nil {
		files = []byte("[]")
	}
	revisions, err := json.Marshal(patch.Revisions)
	if err != nil {
		revisions = []byte("[]")
	}

	query := s.db.Rebind(`
		INSERT INTO git_diffs (
			id, job_id, task_id, workspace, status, diff, files, additions,
			deletions, summary, session_id, is_revision, parent_id, revisions,
			container_id, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			diff = excluded.diff,
			files = excluded.files,
			additions = excluded.additions,
			deletions = excluded.deletions,
			summary = excluded.summary,
			session_id = excluded.session_id,
			is_revision = excluded.is_revision,
			parent_id = excluded.parent_id,
			revisions = excluded.revisions,
			container_id = excluded.container_id,
			resolved_at = excluded.resolved_at`)

	_, err = s.db.ExecContext(ctx, query,
		patch.ID, patch.JobID, patch.TaskID, patch.Workspace, patch.Status,
		patch.Diff, string(files), patch.Additions, patch.Deletions,
		patch.Summary, patch.SessionID, patch.IsRevision, patch.ParentID,
		string(revisions), patch.ContainerID, patch.CreatedAt, patch.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save patch: %w", err)
	}
	return nil
}

// GetPatch fetches a patch by id.
func (s *Store) GetPatch(ctx context.Context, id string) (*v1.Patch, error) {
	var row patchRow
	query := s.db.Rebind(`SELECT * FROM git_diffs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("patch", id)
		}
		return nil, fmt.Errorf("failed to get patch: %w", err)
	}
	return row.decode()
}

// ListPendingPatches returns patches awaiting review.
func (s *Store) ListPendingPatches(ctx context.Context) ([]*v1.Patch, error) {
	var rows []patchRow
	query := s.db.Rebind(`SELECT * FROM git_diffs WHERE status = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &rows, query, v1.PatchStatusPending); err != nil {
		return nil, fmt.Errorf("failed to list pending patches: %w", err)
	}
	patches := make([]*v1.Patch, 0, len(rows))
	for i := range rows {
		p, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	return patches, nil
}

// UpdatePatchStatus marks a patch applied or rejected and stamps the
// resolution time. appliedTo optionally records the workspace the patch
// landed in.
func (s *Store) UpdatePatchStatus(ctx context.Context, id string, status v1.PatchStatus, appliedTo string) error {
	if status != v1.PatchStatusApplied && status != v1.PatchStatusRejected {
		return errors.InvalidParams(fmt.Sprintf("invalid patch resolution status: %s", status))
	}

	now := time.Now().UTC()
	var query string
	var args []any
	if appliedTo != "" {
		query = s.db.Rebind(`UPDATE git_diffs SET status = ?, workspace = ?, resolved_at = ? WHERE id = ?`)
		args = []any{status, appliedTo, now, id}
	} else {
		query = s.db.Rebind(`UPDATE git_diffs SET status = ?, resolved_at = ? WHERE id = ?`)
		args = []any{status, now, id}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update patch status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NotFound("patch", id)
	}
	return nil
}

// SaveSandboxRecord upserts a container record.
func (s *Store) SaveSandboxRecord(ctx context.Context, rec *v1.SandboxRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	query := s.db.Rebind(`
		INSERT INTO containers (
			container_id, container_name, task_id, workspace, status, image,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			container_name = excluded.container_name,
			task_id = excluded.task_id,
			workspace = excluded.workspace,
			status = excluded.status,
			updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		rec.ContainerID, rec.ContainerName, rec.TaskID, rec.Workspace,
		rec.Status, rec.Image, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sandbox record: %w", err)
	}
	return nil
}

// GetSandboxRecord fetches a container record by container id.
func (s *Store) GetSandboxRecord(ctx context.Context, containerID string) (*v1.SandboxRecord, error) {
	var rec v1.SandboxRecord
	query := s.db.Rebind(`SELECT * FROM containers WHERE container_id = ?`)
	if err := s.db.GetContext(ctx, &rec, query, containerID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("sandbox record", containerID)
		}
		return nil, fmt.Errorf("failed to get sandbox record: %w", err)
	}
	return &rec, nil
}

// ListActiveSandboxRecords returns records whose containers may still exist:
// running, stopped awaiting review, or pending review.
func (s *Store) ListActiveSandboxRecords(ctx context.Context) ([]*v1.SandboxRecord, error) {
	var recs []*v1.SandboxRecord
	query := s.db.Rebind(`
		SELECT * FROM containers
		WHERE status IN (?, ?, ?)
		ORDER BY created_at`)
	err := s.db.SelectContext(ctx, &recs, query,
		v1.LifecycleRunning, v1.LifecycleStopped, v1.LifecyclePendingReview)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sandbox records: %w", err)
	}
	return recs, nil
}

// SaveLogRef records the path of a per-execution log file.
func (s *Store) SaveLogRef(ctx context.Context, ref *v1.LogRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	query := s.db.Rebind(`
		INSERT INTO execution_logs (job_id, task_id, container_id, path, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query,
		ref.JobID, ref.TaskID, ref.ContainerID, ref.Path, ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save log reference: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ref.ID = id
	}
	return nil
}

// ListLogRefs returns log references, newest first, optionally filtered by
// job id.
func (s *Store) ListLogRefs(ctx context.Context, jobID string) ([]*v1.LogRef, error) {
	var refs []*v1.LogRef
	var err error
	if jobID != "" {
		query := s.db.Rebind(`SELECT * FROM execution_logs WHERE job_id = ? ORDER BY created_at DESC`)
		err = s.db.SelectContext(ctx, &refs, query, jobID)
	} else {
		err = s.db.SelectContext(ctx, &refs, `SELECT * FROM execution_logs ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list log references: %w", err)
	}
	return refs, nil
}

// PruneOlderThan removes terminal-state jobs and resolved patches older than
// the cutoff, along with their log references. It returns the number of rows
// removed.
func (s *Store) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	var total int64

	query := s.db.Rebind(`
		DELETE FROM background_tasks
		WHERE status IN (?, ?) AND updated_at < ?`)
	res, err := s.db.ExecContext(ctx, query, v1.JobStatusCompleted, v1.JobStatusFailed, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune jobs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	query = s.db.Rebind(`
		DELETE FROM git_diffs
		WHERE status IN (?, ?) AND created_at < ?`)
	res, err = s.db.ExecContext(ctx, query, v1.PatchStatusApplied, v1.PatchStatusRejected, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune patches: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	query = s.db.Rebind(`DELETE FROM execution_logs WHERE created_at < ?`)
	res, err = s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune log references: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}
