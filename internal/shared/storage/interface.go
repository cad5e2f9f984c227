// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL，经 dbutil.Dialect 适配多数据库）
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"
	"time"

	"proxy-market/internal/shared/model"
)

// ============================================================================
// 节点存储
// ============================================================================

// NodeStore 节点存储接口
type NodeStore interface {
	CreateNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// ListProvisionCandidates 列出部署循环的候选节点：
	// 启用、未软删，且（尚未 ready，或 ready 但目标 Agent 版本更新）。
	// failed 节点不在候选之列（失败不自动重试）。
	ListProvisionCandidates(ctx context.Context) ([]*model.Node, error)

	// UpdateNodeProvisionStatus 带前置状态条件推进部署状态（CAS），
	// 未命中返回 ErrConflict，并发 tick 不会重复认领同一节点
	UpdateNodeProvisionStatus(ctx context.Context, id string, from, to model.NodeProvisionStatus) error

	// SaveNodeProvisionResult 持久化一次部署的结果字段
	// （provision_status、provision_error、agent_version、last_seen_at）
	SaveNodeProvisionResult(ctx context.Context, node *model.Node) error

	// SaveNodeEnrollToken 持久化注册令牌及其过期时间
	SaveNodeEnrollToken(ctx context.Context, id, token string, expiresAt time.Time) error

	UpdateNodeStatus(ctx context.Context, id string, status model.NodeStatus) error

	// ResetNodeProvision 管理员显式重试：failed → pending
	ResetNodeProvision(ctx context.Context, id string) error

	// SoftDeleteNode 软删除。节点被实例引用时永远不允许物理删除，
	// 因此接口上根本不提供硬删除
	SoftDeleteNode(ctx context.Context, id string) error
}

// ============================================================================
// 面板存储
// ============================================================================

// PanelStore 面板存储接口
type PanelStore interface {
	CreatePanel(ctx context.Context, panel *model.Panel) error
	GetPanel(ctx context.Context, id string) (*model.Panel, error)
	ListPanels(ctx context.Context) ([]*model.Panel, error)

	// UpdatePanelToken 会话令牌刷新后立即落库，让并发操作受益
	UpdatePanelToken(ctx context.Context, id, token string) error
}

// ============================================================================
// 实例存储
// ============================================================================

// InstanceStore 实例存储接口
type InstanceStore interface {
	CreateInstance(ctx context.Context, instance *model.Instance) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context) ([]*model.Instance, error)
	ListInstancesByUser(ctx context.Context, userID string, status model.InstanceStatus) ([]*model.Instance, error)
	CountInstancesByUser(ctx context.Context, userID string, status model.InstanceStatus) (int, error)

	// UpdateInstanceStatus 带前置状态条件的状态转移（乐观并发控制）：
	// WHERE status = from 未命中返回 ErrConflict
	UpdateInstanceStatus(ctx context.Context, id string, from, to model.InstanceStatus) error

	// BeginInstanceDeletion 任意非终态 → deleting
	BeginInstanceDeletion(ctx context.Context, id string) error

	SetInstanceContainer(ctx context.Context, id, containerID string) error
	SetInstanceMarzbanNode(ctx context.Context, id string, marzbanNodeID int64) error
	MarkInstanceFailed(ctx context.Context, id, message string) error

	// SoftDeleteInstance deleting → deleted，记录 deleted_at
	SoftDeleteInstance(ctx context.Context, id string) error
}

// ============================================================================
// 用户与流水存储
// ============================================================================

// UserStore 用户存储接口
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// AdjustUserBalance 原子调整余额（delta 可为负），返回调整后的用户
	AdjustUserBalance(ctx context.Context, id string, delta int64) (*model.User, error)

	// SetLowBalanceNotified 写三态滞回标志（nil 表示清空回"未评估"）
	SetLowBalanceNotified(ctx context.Context, id string, notified *bool) error
}

// TransactionStore 交易流水存储接口
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *model.Transaction) error
	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*model.Transaction, error)

	// GetLastTopUp 最近一次充值流水（type=credit, reason=top_up），
	// 不存在时返回 (nil, nil)
	GetLastTopUp(ctx context.Context, userID string) (*model.Transaction, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	NodeStore
	PanelStore
	InstanceStore
	UserStore
	TransactionStore
	Close() error
}
