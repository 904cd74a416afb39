// Package sandbox wraps the container daemon and manages the warm pool of
// execution sandboxes.
package sandbox

import (
	"context"
	"io"
	"time"
)

// ContainerConfig holds configuration for creating a sandbox container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	NetworkMode string
	Memory      int64 // bytes
	CPUQuota    int64 // microseconds per 100ms period
	Labels      map[string]string
	AutoRemove  bool
}

// ContainerInfo holds information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string // human-readable status
	Labels     map[string]string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
}

// Running reports whether the container is currently running.
func (i *ContainerInfo) Running() bool {
	return i.State == "running"
}

// ExecResult holds the outcome of a command executed inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Daemon is the container daemon surface the engine depends on. The pool,
// patch engine, and recovery manager all work against this interface so
// tests can substitute a fake.
type Daemon interface {
	// Ping checks daemon availability.
	Ping(ctx context.Context) error

	// EnsureImage makes the tagged image available, building it from the
	// embedded definition when absent.
	EnsureImage(ctx context.Context, tag string) error

	// CreateContainer creates a container and returns its id.
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a container with a timeout.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// RemoveContainer removes a container.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// Exec runs a command inside a running container and captures its
	// output and exit code. env entries ("KEY=value") are attached to
	// the exec; a non-interactive exec reads no shell rc files, so this
	// is the only way to hand variables to the process.
	Exec(ctx context.Context, containerID string, cmd []string, workingDir string, env []string) (*ExecResult, error)

	// CopyToContainer extracts a tar stream into a path inside the
	// container.
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error

	// GetContainerInfo inspects a container.
	GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error)

	// ListContainers lists containers matching the given labels.
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	// ContainerLogs returns the container's log stream.
	ContainerLogs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error)

	// Close releases the daemon connection.
	Close() error
}
