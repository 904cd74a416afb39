// Package v1 defines the wire types shared by the engine's internal
// components, the stdio tool surface, and the streaming API.
package v1

import "time"

// JobStatus represents the lifecycle state of a background work job.
type JobStatus string

const (
	JobStatusStarted    JobStatus = "started"
	JobStatusRunning    JobStatus = "running"
	JobStatusNeedsInput JobStatus = "needs_input"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// PatchStatus represents the review state of an extracted patch.
type PatchStatus string

const (
	PatchStatusPending  PatchStatus = "pending"
	PatchStatusApplied  PatchStatus = "applied"
	PatchStatusRejected PatchStatus = "rejected"
)

// FileStatus classifies a single file change within a patch.
type FileStatus string

const (
	FileStatusAdded    FileStatus = "added"
	FileStatusModified FileStatus = "modified"
	FileStatusDeleted  FileStatus = "deleted"
	FileStatusRenamed  FileStatus = "renamed"
)

// PoolStatus represents a sandbox's position in the warm pool lifecycle.
type PoolStatus string

const (
	PoolStatusCreating PoolStatus = "creating"
	PoolStatusReady    PoolStatus = "ready"
	PoolStatusInUse    PoolStatus = "in-use"
	PoolStatusCleanup  PoolStatus = "cleanup"
	PoolStatusError    PoolStatus = "error"
)

// LifecycleStatus represents a sandbox record's persisted lifecycle state,
// which outlives the container itself while a patch awaits review.
type LifecycleStatus string

const (
	LifecycleRunning       LifecycleStatus = "running"
	LifecycleStopped       LifecycleStatus = "stopped"
	LifecyclePendingReview LifecycleStatus = "pending_review"
	LifecycleApplied       LifecycleStatus = "applied"
	LifecycleRejected      LifecycleStatus = "rejected"
)

// Job represents a background work job tracked by the execution manager and
// persisted in the store.
type Job struct {
	ID          string     `json:"id" db:"id"`
	Description string     `json:"description" db:"description"`
	Workspace   string     `json:"workspace" db:"workspace"`
	ParentTask  string     `json:"parent_task,omitempty" db:"parent_task"`
	Status      JobStatus  `json:"status" db:"status"`
	Progress    string     `json:"progress,omitempty" db:"progress"`
	SessionID   string     `json:"session_id,omitempty" db:"session_id"`
	Question    string     `json:"question,omitempty" db:"question"`
	Summary     string     `json:"summary,omitempty" db:"summary"`
	ErrorCode   string     `json:"error_code,omitempty" db:"error_code"`
	Error       string     `json:"error,omitempty" db:"error"`
	PatchID     string     `json:"patch_id,omitempty" db:"patch_id"`
	ContainerID string     `json:"container_id,omitempty" db:"container_id"`
	LogFile     string     `json:"log_file,omitempty" db:"log_file"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// FileChange describes one changed file inside a patch.
type FileChange struct {
	Path      string     `json:"path"`
	OldPath   string     `json:"old_path,omitempty"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// RevisionEntry records one revision round applied to a patch. PatchID
// points at the successor patch produced by the revision.
type RevisionEntry struct {
	Number    int       `json:"number"`
	Feedback  string    `json:"feedback"`
	PatchID   string    `json:"patch_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Patch represents an extracted unified diff awaiting review or already
// resolved.
type Patch struct {
	ID          string          `json:"id" db:"id"`
	JobID       string          `json:"job_id" db:"job_id"`
	TaskID      string          `json:"task_id,omitempty" db:"task_id"`
	Workspace   string          `json:"workspace" db:"workspace"`
	Status      PatchStatus     `json:"status" db:"status"`
	Diff        string          `json:"diff" db:"diff"`
	Files       []FileChange    `json:"files" db:"-"`
	Additions   int             `json:"additions" db:"additions"`
	Deletions   int             `json:"deletions" db:"deletions"`
	Summary     string          `json:"summary,omitempty" db:"summary"`
	SessionID   string          `json:"session_id,omitempty" db:"session_id"`
	IsRevision  bool            `json:"is_revision,omitempty" db:"is_revision"`
	ParentID    string          `json:"parent_id,omitempty" db:"parent_id"`
	Revisions   []RevisionEntry `json:"revisions,omitempty" db:"-"`
	ContainerID string          `json:"container_id,omitempty" db:"container_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// SandboxRecord is the persisted view of a pooled container, used by the
// recovery manager to reconcile state after a restart.
type SandboxRecord struct {
	ContainerID   string          `json:"container_id" db:"container_id"`
	ContainerName string          `json:"container_name" db:"container_name"`
	TaskID        string          `json:"task_id,omitempty" db:"task_id"`
	Workspace     string          `json:"workspace,omitempty" db:"workspace"`
	Status        LifecycleStatus `json:"status" db:"status"`
	Image         string          `json:"image" db:"image"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LogRef points at a per-execution agent log file on disk.
type LogRef struct {
	ID          int64     `json:"id" db:"id"`
	JobID       string    `json:"job_id" db:"job_id"`
	TaskID      string    `json:"task_id,omitempty" db:"task_id"`
	ContainerID string    `json:"container_id,omitempty" db:"container_id"`
	Path        string    `json:"path" db:"path"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
