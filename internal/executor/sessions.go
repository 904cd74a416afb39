package executor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parallelwork/parallelwork/internal/sandbox"
)

// Session is a conversation session pinning a sandbox between agent
// invocations. A sandbox carrying an active session never returns to the
// warm pool; the session owns it until termination.
type Session struct {
	ID         string
	JobID      string
	PatchID    string
	Workspace  string
	Question   string
	Sandbox    *sandbox.Sandbox
	Revisions  int
	CreatedAt  time.Time
	LastActive time.Time
}

// sessionRegistry tracks live sessions in memory. Sessions do not survive a
// restart; a revision against a dead session fails with a precondition
// error and the recovery pass cleans up the orphaned patch.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

// create registers a new session bound to a sandbox.
func (r *sessionRegistry) create(jobID, workspace string, sb *sandbox.Sandbox) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.New().String(),
		JobID:      jobID,
		Workspace:  workspace,
		Sandbox:    sb,
		CreatedAt:  now,
		LastActive: now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// get returns a session by id.
func (r *sessionRegistry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// byJob returns the session attached to a job.
func (r *sessionRegistry) byJob(jobID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.JobID == jobID {
			return s, true
		}
	}
	return nil, false
}

// byPatch returns the session attached to a patch.
func (r *sessionRegistry) byPatch(patchID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.PatchID == patchID {
			return s, true
		}
	}
	return nil, false
}

// touch refreshes a session's activity timestamp.
func (r *sessionRegistry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActive = time.Now()
	}
}

// remove deletes a session and returns it.
func (r *sessionRegistry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// idleOlderThan returns sessions whose last activity predates the cutoff,
// removing them from the registry.
func (r *sessionRegistry) idleOlderThan(age time.Duration) []*Session {
	cutoff := time.Now().Add(-age)
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.LastActive.Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	return idle
}

// count returns the number of live sessions.
func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
