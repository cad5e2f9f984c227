// Package runtime 定义 Agent 侧的容器运行时接口
//
// 当前只有 Docker 实现，接口留出物理机/虚拟机扩展位。
package runtime

import (
	"context"
	"errors"
)

// ErrNotFound 容器不存在
//
// 服务端把它映射为 404，控制面客户端将其视为幂等成功。
var ErrNotFound = errors.New("runtime: container not found")

// ContainerSpec 创建容器的参数
type ContainerSpec struct {
	Name        string            // 容器名称
	Image       string            // 镜像
	Env         map[string]string // 环境变量
	PortMap     map[int]int       // 宿主端口 → 容器端口
	Labels      map[string]string // 标签（instance_id 等）
	StartOnBoot bool              // 创建后立即启动
}

// ContainerState 容器状态
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StatePaused  ContainerState = "paused"
	StateExited  ContainerState = "exited"
	StateUnknown ContainerState = "unknown"
)

// Runtime 容器运行时接口
type Runtime interface {
	// Name 返回运行时名称
	Name() string

	// Create 创建（并按需启动）容器，返回容器 ID
	Create(ctx context.Context, spec *ContainerSpec) (string, error)

	// Pause 暂停容器；容器不存在返回 ErrNotFound
	Pause(ctx context.Context, containerID string) error

	// Unpause 恢复容器；容器不存在返回 ErrNotFound
	Unpause(ctx context.Context, containerID string) error

	// Remove 强制删除容器；容器不存在返回 ErrNotFound
	Remove(ctx context.Context, containerID string) error

	// State 查询容器状态；容器不存在返回 ErrNotFound
	State(ctx context.Context, containerID string) (ContainerState, error)

	// Ping 检查运行时可用性
	Ping(ctx context.Context) error

	// Close 释放运行时资源
	Close() error
}
