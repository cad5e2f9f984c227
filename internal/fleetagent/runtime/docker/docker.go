// Package docker 实现 Docker 容器运行时
package docker

import (
	"context"
	"fmt"

	"proxy-market/internal/fleetagent/runtime"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// Runtime Docker 容器运行时
type Runtime struct {
	client *client.Client
}

// New 创建 Docker 运行时
func New() (*Runtime, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// Name 返回运行时名称
func (r *Runtime) Name() string {
	return "docker"
}

// Close 关闭运行时
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Ping 检查 Docker 连接
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx, client.PingOptions{})
	return err
}

// Create 创建容器
func (r *Runtime) Create(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	// 构建端口映射
	exposedPorts := make(network.PortSet)
	portBindings := make(network.PortMap)
	for hostPort, containerPort := range spec.PortMap {
		port := network.MustParsePort(fmt.Sprintf("%d/tcp", containerPort))
		exposedPorts[port] = struct{}{}
		portBindings[port] = []network.PortBinding{
			{HostPort: fmt.Sprintf("%d", hostPort)},
		}
	}

	// 构建环境变量
	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	opts := client.ContainerCreateOptions{
		Name:  spec.Name,
		Image: spec.Image,
		Config: &container.Config{
			Env:          env,
			ExposedPorts: exposedPorts,
			Labels:       spec.Labels,
		},
		HostConfig: &container.HostConfig{
			PortBindings:  portBindings,
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
	}

	result, err := r.client.ContainerCreate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if spec.StartOnBoot {
		if _, err := r.client.ContainerStart(ctx, result.ID, client.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("failed to start container: %w", err)
		}
	}

	return result.ID, nil
}

// Pause 暂停容器
func (r *Runtime) Pause(ctx context.Context, containerID string) error {
	_, err := r.client.ContainerPause(ctx, containerID, client.ContainerPauseOptions{})
	return mapNotFound(err)
}

// Unpause 恢复容器
func (r *Runtime) Unpause(ctx context.Context, containerID string) error {
	_, err := r.client.ContainerUnpause(ctx, containerID, client.ContainerUnpauseOptions{})
	return mapNotFound(err)
}

// Remove 强制删除容器
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	_, err := r.client.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	})
	return mapNotFound(err)
}

// State 查询容器状态
func (r *Runtime) State(ctx context.Context, containerID string) (runtime.ContainerState, error) {
	result, err := r.client.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return runtime.StateUnknown, runtime.ErrNotFound
		}
		return runtime.StateUnknown, err
	}
	return mapContainerState(string(result.Container.State.Status)), nil
}

func mapNotFound(err error) error {
	if err != nil && errdefs.IsNotFound(err) {
		return runtime.ErrNotFound
	}
	return err
}

// mapContainerState 映射容器状态
func mapContainerState(status string) runtime.ContainerState {
	switch status {
	case "running", "restarting":
		return runtime.StateRunning
	case "paused":
		return runtime.StatePaused
	case "exited", "dead", "created":
		return runtime.StateExited
	default:
		return runtime.StateUnknown
	}
}
