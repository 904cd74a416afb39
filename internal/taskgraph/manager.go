package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
)

// Manager performs manifest reads, validation, status updates, and frontier
// queries. It holds no state between calls; the manifest file is the system
// of record.
type Manager struct {
	logger *logger.Logger
}

// NewManager creates a task graph manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger: log.WithFields(zap.String("component", "taskgraph")),
	}
}

// ManifestPath returns the manifest location for a workspace.
func ManifestPath(workspace string) string {
	return filepath.Join(workspace, ManifestName)
}

// Load reads and parses the workspace manifest.
func (m *Manager) Load(workspace string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("task manifest", ManifestPath(workspace))
		}
		return nil, fmt.Errorf("failed to read task manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.InvalidParams(fmt.Sprintf("task manifest is not valid JSON: %v", err))
	}
	return &manifest, nil
}

// Save writes the manifest atomically, stamping the modification time. The
// write goes through a temp file and rename so concurrent readers never see
// a partial manifest.
func (m *Manager) Save(workspace string, manifest *Manifest) error {
	manifest.LastModified = time.Now().UTC()

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task manifest: %w", err)
	}
	data = append(data, '\n')

	path := ManifestPath(workspace)
	tmp, err := os.CreateTemp(workspace, ".tasks-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace task manifest: %w", err)
	}
	return nil
}

// Validate checks structure, enums, duplicate ids, dangling prerequisites,
// and cycles, returning errors, warnings, and statistics.
func (m *Manager) Validate(manifest *Manifest) *ValidationResult {
	result := &ValidationResult{Stats: make(map[string]int)}

	seen := make(map[string]bool)
	for _, t := range manifest.Tasks {
		if t.ID == "" {
			result.Errors = append(result.Errors, "task with empty id")
			continue
		}
		if seen[t.ID] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate task id: %s", t.ID))
		}
		seen[t.ID] = true

		if t.Title == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: missing title", t.ID))
		}
		if !validStatus(t.Status) {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: invalid status %q", t.ID, t.Status))
		}
		if !validPriority(t.Priority) {
			result.Errors = append(result.Errors, fmt.Sprintf("task %s: invalid priority %q", t.ID, t.Priority))
		}
		if t.Error != "" && t.Status != StatusFailed {
			result.Warnings = append(result.Warnings, fmt.Sprintf("task %s: error text on non-failed task", t.ID))
		}

		subSeen := make(map[string]bool)
		for _, st := range t.Subtasks {
			if st.ID == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s: subtask with empty id", t.ID))
				continue
			}
			if subSeen[st.ID] {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s: duplicate subtask id %s", t.ID, st.ID))
			}
			subSeen[st.ID] = true
			if !validStatus(st.Status) {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s.%s: invalid status %q", t.ID, st.ID, st.Status))
			}
		}

		result.Stats[t.Status]++
	}
	result.Stats["total"] = len(manifest.Tasks)

	// Dangling prerequisites.
	for _, t := range manifest.Tasks {
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s: unknown prerequisite %s", t.ID, dep))
			}
		}
	}

	if cycle := findCycle(manifest); len(cycle) > 0 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	if result.Stats[StatusInProgress] > 5 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d tasks in progress; consider finishing work before starting more", result.Stats[StatusInProgress]))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// findCycle runs a depth-first search over the prerequisite relation and
// returns the first cycle found, in order.
func findCycle(manifest *Manifest) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	parent := make(map[string]string)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		t := manifest.task(id)
		if t == nil {
			color[id] = black
			return false
		}
		for _, dep := range t.Dependencies {
			switch color[dep] {
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			case gray:
				// Walk back from id to dep to report the cycle.
				cycle = []string{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, dep)
				// Reverse into dependency order.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			}
		}
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(manifest.Tasks))
	for _, t := range manifest.Tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// UpdateStatus applies a status change to a comma-separated list of task and
// subtask identifiers (subtask syntax: parent.sub). Transition rules are
// checked for every target before anything is written, so the update is
// atomic: all targets change or none do.
func (m *Manager) UpdateStatus(workspace, ids, status, errMsg string) error {
	if !validStatus(status) {
		return errors.InvalidParams(fmt.Sprintf("invalid status: %s", status))
	}
	if errMsg != "" && status != StatusFailed {
		return errors.InvalidParams("error text is only valid with status failed")
	}

	manifest, err := m.Load(workspace)
	if err != nil {
		return err
	}

	targets := strings.Split(ids, ",")
	type change struct {
		task *Task
		sub  *Subtask
	}
	changes := make([]change, 0, len(targets))

	for _, raw := range targets {
		id := strings.TrimSpace(raw)
		if id == "" {
			return errors.InvalidParams("empty identifier in list")
		}

		if parentID, subID, ok := strings.Cut(id, "."); ok {
			parent := manifest.task(parentID)
			if parent == nil {
				return errors.NotFound("task", parentID)
			}
			var sub *Subtask
			for i := range parent.Subtasks {
				if parent.Subtasks[i].ID == subID {
					sub = &parent.Subtasks[i]
					break
				}
			}
			if sub == nil {
				return errors.NotFound("subtask", id)
			}
			if err := m.checkTransition(manifest, sub.Status, nil, status); err != nil {
				return err
			}
			changes = append(changes, change{sub: sub})
			continue
		}

		t := manifest.task(id)
		if t == nil {
			return errors.NotFound("task", id)
		}
		if err := m.checkTransition(manifest, t.Status, t.Dependencies, status); err != nil {
			return errors.Wrap(err, fmt.Sprintf("task %s", id))
		}
		changes = append(changes, change{task: t})
	}

	for _, c := range changes {
		if c.task != nil {
			c.task.Status = status
			c.task.Error = errMsg
		} else {
			c.sub.Status = status
			c.sub.Error = errMsg
		}
	}

	if err := m.Save(workspace, manifest); err != nil {
		return err
	}

	m.logger.Info("task status updated",
		zap.String("ids", ids),
		zap.String("status", status))
	return nil
}

// checkTransition enforces the status transition rules: starting work
// requires done prerequisites and a pending source; done, failed, and
// resets to pending are unconditional.
func (m *Manager) checkTransition(manifest *Manifest, current string, deps []string, target string) error {
	if target != StatusInProgress {
		return nil
	}
	if current != StatusPending {
		return errors.PreconditionFailed(
			fmt.Sprintf("only pending tasks can move to in-progress (current: %s)", current))
	}
	for _, dep := range deps {
		depTask := manifest.task(dep)
		if depTask == nil || depTask.Status != StatusDone {
			return errors.PreconditionFailed(
				fmt.Sprintf("prerequisite %s is not done", dep))
		}
	}
	return nil
}

// NextReady returns every pending task whose prerequisites are all done,
// sorted by priority, then prerequisite count, then identifier.
func (m *Manager) NextReady(manifest *Manifest) []Task {
	var ready []Task
	for _, t := range manifest.Tasks {
		if t.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			depTask := manifest.task(dep)
			if depTask == nil || depTask.Status != StatusDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		ri, rj := priorityRank(ready[i].Priority), priorityRank(ready[j].Priority)
		if ri != rj {
			return ri < rj
		}
		if len(ready[i].Dependencies) != len(ready[j].Dependencies) {
			return len(ready[i].Dependencies) < len(ready[j].Dependencies)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// Get returns a single task annotated with the status of each prerequisite
// and a blocked flag.
func (m *Manager) Get(manifest *Manifest, id string) (*TaskView, error) {
	t := manifest.task(id)
	if t == nil {
		return nil, errors.NotFound("task", id)
	}

	view := &TaskView{Task: *t}
	if len(t.Dependencies) > 0 {
		view.DependencyStatus = make(map[string]string, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			depTask := manifest.task(dep)
			if depTask == nil {
				view.DependencyStatus[dep] = "missing"
				view.Blocked = true
				continue
			}
			view.DependencyStatus[dep] = depTask.Status
			if depTask.Status != StatusDone {
				view.Blocked = true
			}
		}
	}
	return view, nil
}

// List groups tasks into status buckets for clients and dashboards.
func (m *Manager) List(manifest *Manifest) *TaskBuckets {
	buckets := &TaskBuckets{}
	ready := make(map[string]bool)
	for _, t := range m.NextReady(manifest) {
		ready[t.ID] = true
	}

	for _, t := range manifest.Tasks {
		switch {
		case t.Status == StatusInProgress:
			buckets.InProgress = append(buckets.InProgress, t)
		case t.Status == StatusDone:
			buckets.Done = append(buckets.Done, t)
		case t.Status == StatusFailed:
			buckets.Failed = append(buckets.Failed, t)
		case ready[t.ID]:
			buckets.Ready = append(buckets.Ready, t)
		default:
			buckets.Blocked = append(buckets.Blocked, t)
		}
	}
	return buckets
}
