package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	containerUser    = "1000"
	stopTimeoutSecs  = 10
	memoryLimitBytes = 512 * 1024 * 1024
	cpuQuota         = 100000 // 1.0 CPU
	pidsLimit        = 256

	restartGracePeriod = 60 * time.Minute

	bridgeNetwork = "codexd-net"
	bridgeSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// ContainerLauncher runs the child inside a per-user Docker container
// instead of as a direct os/exec child, attaching to its stdio over the
// Docker attach stream. This is a generalization of the teacher's
// container.DockerManager (EnsureContainer/StopContainer) from the
// learner-playground shell domain to ours: same resource limits, same
// named-container reuse-within-grace-period logic, same
// retry-on-name-conflict create loop, same custom bridge network
// bootstrap.
type ContainerLauncher struct {
	cli   *client.Client
	image string
}

// NewContainerLauncher creates a Docker-backed launcher using the given
// image as the child's entrypoint (the image's ENTRYPOINT/CMD must run
// `codex app-server` with CODEX_HOME honored).
func NewContainerLauncher(image string) (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("launcher: create docker client: %w", err)
	}
	return &ContainerLauncher{cli: cli, image: image}, nil
}

// EnsureNetwork creates the bridge network codexd containers join, if it
// does not already exist.
func (l *ContainerLauncher) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := l.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("launcher: list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == bridgeNetwork {
			return nw.ID, nil
		}
	}
	resp, err := l.cli.NetworkCreate(ctx, bridgeNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: bridgeSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("launcher: create network %s: %w", bridgeNetwork, err)
	}
	slog.Info("launcher: bridge network created", "network_id", resp.ID, "subnet", bridgeSubnet)
	return resp.ID, nil
}

// Launch ensures a per-user container exists, running, and attached.
func (l *ContainerLauncher) Launch(ctx context.Context, userID, dataDir string, env map[string]string) (Handle, error) {
	name := fmt.Sprintf("codexd-%s", userID)
	volumeName := fmt.Sprintf("codexd-%s-data", userID)

	env["CODEX_HOME"] = "/home/codex/.codex"

	if inspect, err := l.cli.ContainerInspect(ctx, name); err == nil {
		if inspect.State.Running {
			slog.Info("launcher: reusing running container", "container_id", inspect.ID, "user_id", userID)
			return l.attach(ctx, inspect.ID)
		}
		if startedAt, parseErr := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); parseErr == nil && time.Since(startedAt) < restartGracePeriod {
			slog.Info("launcher: restarting stopped container", "container_id", inspect.ID, "user_id", userID)
			if err := l.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
				return nil, fmt.Errorf("launcher: restart container %s: %w", inspect.ID, err)
			}
			return l.attach(ctx, inspect.ID)
		}
		slog.Info("launcher: container expired, recreating", "container_id", inspect.ID, "user_id", userID)
		if err := l.Stop(ctx, inspect.ID); err != nil {
			slog.Warn("launcher: failed to stop expired container before recreate", "err", err)
		}
	}

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &container.Config{
		Image:        l.image,
		User:         containerUser,
		Env:          envVars,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    false,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(bridgeNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: "/home/codex/.codex",
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("launcher: create container: %w", createErr)
		}
		slog.Warn("launcher: container name conflict, retrying", "user_id", userID, "attempt", i+1)
		if inspect, err := l.cli.ContainerInspect(ctx, name); err == nil {
			_ = l.Stop(ctx, inspect.ID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("launcher: create container after retries: %w", createErr)
	}

	h, err := l.attach(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			slog.Warn("launcher: failed to remove container after start failure", "container_id", resp.ID, "err", rmErr)
		}
		return nil, fmt.Errorf("launcher: start container %s: %w", resp.ID, err)
	}

	slog.Info("launcher: container created and started", "container_id", resp.ID, "user_id", userID)
	return h, nil
}

func (l *ContainerLauncher) attach(ctx context.Context, containerID string) (Handle, error) {
	hijacked, err := l.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("launcher: attach to container %s: %w", containerID, err)
	}
	return &containerHandle{cli: l.cli, containerID: containerID, hijacked: hijacked}, nil
}

// Stop stops and removes a container, tolerating it already being gone.
func (l *ContainerLauncher) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("launcher: stop returned error, continuing to remove", "container_id", containerID, "err", err)
	}
	if err := l.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("launcher: remove container %s: %w", containerID, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
