// Package model 定义核心数据模型
//
// event.go 包含领域事件定义。聚合的变更方法返回事件（而不是把事件
// 挂在聚合上），由服务层在持久化提交后通过 eventbus.Dispatcher 发布。
package model

// ============================================================================
// 事件类型常量
// ============================================================================

const (
	// EventInstanceProvisioned 远程容器创建成功，等待控制面注册
	EventInstanceProvisioned = "instance_provisioned"

	// EventInstanceStatusChanged 实例状态机发生了一次转移
	EventInstanceStatusChanged = "instance_status_changed"

	// EventBalanceChanged 用户余额发生变动
	EventBalanceChanged = "balance_changed"

	// EventNodeProvisioned 节点 Agent 部署到达终态（ready / failed）
	EventNodeProvisioned = "node_provisioned"
)

// ============================================================================
// 事件定义
// ============================================================================

// InstanceProvisionedEvent 实例的远程容器已创建
//
// 由编排器在 Fleet Agent 创建成功并落库后发布，
// 触发控制面注册流程（"算力存在" 与 "算力可达" 解耦的分界点）。
type InstanceProvisionedEvent struct {
	InstanceID  string `json:"instance_id"`
	NodeID      string `json:"node_id"`
	PanelID     string `json:"panel_id"`
	ContainerID string `json:"container_id"`
}

func (e InstanceProvisionedEvent) EventType() string   { return EventInstanceProvisioned }
func (e InstanceProvisionedEvent) AggregateID() string { return e.InstanceID }

// InstanceStatusChangedEvent 实例状态转移
type InstanceStatusChangedEvent struct {
	InstanceID string         `json:"instance_id"`
	From       InstanceStatus `json:"from"`
	To         InstanceStatus `json:"to"`
}

func (e InstanceStatusChangedEvent) EventType() string   { return EventInstanceStatusChanged }
func (e InstanceStatusChangedEvent) AggregateID() string { return e.InstanceID }

// BalanceChangedEvent 用户余额变动
//
// NewBalance 为变动后的可用余额（Balance + Credit）。
type BalanceChangedEvent struct {
	UserID     string          `json:"user_id"`
	Amount     int64           `json:"amount"`
	NewBalance int64           `json:"new_balance"`
	Type       TransactionType `json:"type"`
	Reason     TransactionReason `json:"reason"`
}

func (e BalanceChangedEvent) EventType() string   { return EventBalanceChanged }
func (e BalanceChangedEvent) AggregateID() string { return e.UserID }

// NodeProvisionedEvent 节点部署到达终态
type NodeProvisionedEvent struct {
	NodeID  string              `json:"node_id"`
	Status  NodeProvisionStatus `json:"status"`
	Message string              `json:"message,omitempty"`
}

func (e NodeProvisionedEvent) EventType() string   { return EventNodeProvisioned }
func (e NodeProvisionedEvent) AggregateID() string { return e.NodeID }
