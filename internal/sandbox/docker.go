package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/logger"
)

// DockerDaemon implements Daemon against the Docker Engine API.
type DockerDaemon struct {
	cli    *client.Client
	logger *logger.Logger
}

var _ Daemon = (*DockerDaemon)(nil)

// NewDockerDaemon creates a Docker-backed daemon client.
func NewDockerDaemon(cfg config.DockerConfig, log *logger.Logger) (*DockerDaemon, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerDaemon{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker")),
	}, nil
}

// Close closes the client connection.
func (d *DockerDaemon) Close() error {
	return d.cli.Close()
}

// Ping checks if the daemon is available.
func (d *DockerDaemon) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// EnsureImage builds the sandbox image from the embedded definition if the
// tag is not already present.
func (d *DockerDaemon) EnsureImage(ctx context.Context, tag string) error {
	filterArgs := filters.NewArgs(filters.Arg("reference", tag))
	images, err := d.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) > 0 {
		d.logger.Debug("sandbox image present", zap.String("image", tag))
		return nil
	}

	d.logger.Info("building sandbox image", zap.String("image", tag))

	buildCtx, err := imageBuildContext()
	if err != nil {
		return fmt.Errorf("failed to assemble build context: %w", err)
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// Drain the build output so the build runs to completion.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("error reading image build output: %w", err)
	}

	d.logger.Info("sandbox image built", zap.String("image", tag))
	return nil
}

// CreateContainer creates a new container.
func (d *DockerDaemon) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		AutoRemove:  cfg.AutoRemove,
		Resources: container.Resources{
			Memory:    cfg.Memory,
			CPUQuota:  cfg.CPUQuota,
			CPUPeriod: 100000,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	d.logger.Info("container created",
		zap.String("container_id", resp.ID),
		zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (d *DockerDaemon) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container with a timeout.
func (d *DockerDaemon) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerDaemon) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Exec runs a command inside a running container, capturing demultiplexed
// stdout and stderr and the exit code.
func (d *DockerDaemon) Exec(ctx context.Context, containerID string, cmd []string, workingDir string, env []string) (*ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workingDir,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", containerID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// CopyToContainer extracts a tar stream into a path inside the container.
func (d *DockerDaemon) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error {
	err := d.cli.CopyToContainer(ctx, containerID, dstPath, content, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy into container %s: %w", containerID, err)
	}
	return nil
}

// GetContainerInfo inspects a container.
func (d *DockerDaemon) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &ContainerInfo{
		ID:     inspect.ID,
		Name:   trimSlash(inspect.Name),
		Image:  inspect.Config.Image,
		State:  inspect.State.Status,
		Status: inspect.State.Status,
		Labels: inspect.Config.Labels,
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	info.ExitCode = inspect.State.ExitCode

	return info, nil
}

// ListContainers lists containers matching the given labels, including
// stopped ones.
func (d *DockerDaemon) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimSlash(ctr.Names[0])
		}
		infos = append(infos, ContainerInfo{
			ID:        ctr.ID,
			Name:      name,
			Image:     ctr.Image,
			State:     ctr.State,
			Status:    ctr.Status,
			Labels:    ctr.Labels,
			CreatedAt: time.Unix(ctr.Created, 0),
		})
	}
	return infos, nil
}

// ContainerLogs returns the container's combined log stream.
func (d *DockerDaemon) ContainerLogs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error) {
	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
