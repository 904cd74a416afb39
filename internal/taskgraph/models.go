// Package taskgraph reads, validates, and mutates the per-workspace task
// manifest and computes the ready frontier for parallel execution.
package taskgraph

import "time"

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Task priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// ManifestName is the manifest file name inside a workspace.
const ManifestName = "tasks.json"

// Subtask is a unit of work nested under a task. Same shape as Task minus
// further nesting.
type Subtask struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Details      string   `json:"details,omitempty"`
	TestStrategy string   `json:"testStrategy,omitempty"`
	Status       string   `json:"status"`
	Priority     string   `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Task is a unit of developer work in the manifest.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Details      string    `json:"details,omitempty"`
	TestStrategy string    `json:"testStrategy,omitempty"`
	Status       string    `json:"status"`
	Priority     string    `json:"priority,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Error        string    `json:"error,omitempty"`
	Subtasks     []Subtask `json:"subtasks,omitempty"`
	JobID        string    `json:"jobId,omitempty"`
	PatchID      string    `json:"diffId,omitempty"`
}

// Manifest is the on-disk shape of tasks.json. The file is the system of
// record; nothing is cached across requests.
type Manifest struct {
	Tasks        []Task    `json:"tasks"`
	LastModified time.Time `json:"lastModified,omitempty"`
}

// task returns a pointer to the task with the given id, or nil.
func (m *Manifest) task(id string) *Task {
	for i := range m.Tasks {
		if m.Tasks[i].ID == id {
			return &m.Tasks[i]
		}
	}
	return nil
}

// ValidationResult collects manifest validation output.
type ValidationResult struct {
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Stats    map[string]int `json:"stats"`
}

// TaskView annotates a task with dependency state for clients.
type TaskView struct {
	Task
	DependencyStatus map[string]string `json:"dependencyStatus,omitempty"`
	Blocked          bool              `json:"blocked"`
}

// TaskBuckets groups tasks by execution state for list queries.
type TaskBuckets struct {
	InProgress []Task `json:"inProgress"`
	Ready      []Task `json:"ready"`
	Blocked    []Task `json:"blocked"`
	Done       []Task `json:"done"`
	Failed     []Task `json:"failed"`
}

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// priorityRank orders priorities for the ready frontier; high sorts first.
func priorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium, "":
		return 1
	default:
		return 2
	}
}
