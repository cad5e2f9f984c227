// Package model 定义核心数据模型
//
// instance.go 包含计费实例相关的数据模型定义：
//   - Instance：客户在某节点上的一个容器实例
//   - InstanceStatus：实例生命周期状态机
package model

import (
	"fmt"
	"time"
)

// ============================================================================
// InstanceStatus - 实例生命周期状态
// ============================================================================

// InstanceStatus 表示实例的生命周期状态
//
// 状态机：
//
//	pending → provisioning → running ⇄ {paused_by_system, paused_by_user}
//	   ↓            ↓
//	 failed ←───────┘
//
//	任意非终态 → deleting → deleted
//
// 关键约定：
//   - paused_by_system 与 paused_by_user 严格区分：谁暂停谁恢复，
//     系统恢复路径不碰用户自己暂停的实例，反之亦然
//   - failed 不自动重试，重新开通是显式的外部动作（failed → pending）
//   - deleted 为终态，任何转移都被拒绝
type InstanceStatus string

const (
	// InstanceStatusPending 待开通：本地记录已落库，尚未发起任何远程调用
	InstanceStatusPending InstanceStatus = "pending"

	// InstanceStatusProvisioning 开通中：远程容器已创建，等待控制面注册完成
	InstanceStatusProvisioning InstanceStatus = "provisioning"

	// InstanceStatusRunning 运行中：容器在跑且已接入控制面
	InstanceStatusRunning InstanceStatus = "running"

	// InstanceStatusPausedBySystem 系统暂停：余额不足触发，用户无法自行恢复
	InstanceStatusPausedBySystem InstanceStatus = "paused_by_system"

	// InstanceStatusPausedByUser 用户暂停：用户手动暂停，系统恢复路径不会触碰
	InstanceStatusPausedByUser InstanceStatus = "paused_by_user"

	// InstanceStatusDeleting 删除中：正在拆除远程容器
	InstanceStatusDeleting InstanceStatus = "deleting"

	// InstanceStatusDeleted 已删除：软删除终态
	InstanceStatusDeleted InstanceStatus = "deleted"

	// InstanceStatusFailed 失败：开通流程出错，等待显式重新开通
	InstanceStatusFailed InstanceStatus = "failed"
)

// instanceTransitions 状态机的全部合法转移
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusPending:        {InstanceStatusProvisioning, InstanceStatusFailed, InstanceStatusDeleting},
	InstanceStatusProvisioning:   {InstanceStatusRunning, InstanceStatusFailed, InstanceStatusDeleting},
	InstanceStatusRunning:        {InstanceStatusPausedBySystem, InstanceStatusPausedByUser, InstanceStatusDeleting},
	InstanceStatusPausedBySystem: {InstanceStatusRunning, InstanceStatusDeleting},
	InstanceStatusPausedByUser:   {InstanceStatusRunning, InstanceStatusDeleting},
	InstanceStatusFailed:         {InstanceStatusPending, InstanceStatusDeleting},
	InstanceStatusDeleting:       {InstanceStatusDeleted},
	InstanceStatusDeleted:        {},
}

// Valid 判断是否为已定义的状态值
func (s InstanceStatus) Valid() bool {
	_, ok := instanceTransitions[s]
	return ok
}

// CanTransitionTo 判断状态机是否允许 s → to 的转移
func (s InstanceStatus) CanTransitionTo(to InstanceStatus) bool {
	for _, next := range instanceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断是否为终态
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusDeleted
}

// ============================================================================
// Instance - 计费实例
// ============================================================================

// Instance 表示一个客户在某节点上、挂在某面板下的容器实例
//
// 字段说明：
//   - ContainerID：Fleet Agent 返回的远程容器 ID，创建成功前为空
//   - MarzbanNodeID：控制面注册后分配的节点 ID，注册成功前为空
//   - LastBilledUsage / LastBilledAt：计费游标（上次结算的用量和时间）
//
// 生命周期：编排器在任何远程调用之前先插入 pending 记录，
// 因此进程崩溃后残留的 pending/provisioning 行是可发现、可对账的。
type Instance struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"user_id" db:"user_id"`
	NodeID         string         `json:"node_id" db:"node_id"`
	PanelID        string         `json:"panel_id" db:"panel_id"`
	ContainerID    *string        `json:"container_id,omitempty" db:"container_id"`
	MarzbanNodeID  *int64         `json:"marzban_node_id,omitempty" db:"marzban_node_id"`
	Status         InstanceStatus `json:"status" db:"status"`
	ErrorMessage   string         `json:"error_message,omitempty" db:"error_message"`
	InboundPort    int            `json:"inbound_port" db:"inbound_port"`
	XrayPort       int            `json:"xray_port" db:"xray_port"`
	APIPort        int            `json:"api_port" db:"api_port"`
	LastBilledUsage int64         `json:"last_billed_usage" db:"last_billed_usage"`
	LastBilledAt   *time.Time     `json:"last_billed_at,omitempty" db:"last_billed_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Transition 执行一次状态转移
//
// 非法转移返回错误且不修改任何字段；合法转移更新 Status/UpdatedAt
// 并返回待发布的状态变更事件。事件由调用方在持久化提交后统一发布，
// 聚合本身不持有事件总线引用。
func (i *Instance) Transition(to InstanceStatus) (*InstanceStatusChangedEvent, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("instance %s: unknown status %q", i.ID, to)
	}
	if !i.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("instance %s: illegal transition %s → %s", i.ID, i.Status, to)
	}
	from := i.Status
	i.Status = to
	i.UpdatedAt = time.Now()
	return &InstanceStatusChangedEvent{InstanceID: i.ID, From: from, To: to}, nil
}

// IsPaused 判断实例是否处于任一暂停态
func (i *Instance) IsPaused() bool {
	return i.Status == InstanceStatusPausedBySystem || i.Status == InstanceStatusPausedByUser
}
