// Package model 定义核心数据模型
//
// node.go 包含物理节点相关的数据模型定义：
//   - Node：承载实例的物理/虚拟主机
//   - NodeStatus：节点运营状态枚举
//   - NodeProvisionStatus：节点 Agent 部署状态枚举
//   - InstallMethod：Agent 安装方式枚举
package model

import "time"

// ============================================================================
// NodeStatus - 节点运营状态
// ============================================================================

// NodeStatus 表示节点的运营状态
//
// 状态说明：
//   - active：节点正常运营，可售卖实例
//   - inactive：节点下架，不再售卖新实例
//   - in_progress：节点上架流程进行中（Agent 部署未完成）
type NodeStatus string

const (
	// NodeStatusActive 运营中：可售卖新实例
	NodeStatusActive NodeStatus = "active"

	// NodeStatusInactive 已下架：不再售卖新实例
	NodeStatusInactive NodeStatus = "inactive"

	// NodeStatusInProgress 上架中：Agent 部署流程尚未完成
	NodeStatusInProgress NodeStatus = "in_progress"
)

// ============================================================================
// NodeProvisionStatus - 节点 Agent 部署状态
// ============================================================================

// NodeProvisionStatus 表示 Fleet Agent 在节点上的部署状态
//
// 状态只允许单向推进：
//
//	pending → installing → ready
//	              ↓
//	           failed
//
// failed 状态不会自动重试，需要管理员显式重置回 pending。
type NodeProvisionStatus string

const (
	// NodeProvisionPending 待部署：等待后台部署循环处理
	NodeProvisionPending NodeProvisionStatus = "pending"

	// NodeProvisionInstalling 部署中：部署循环已认领该节点
	NodeProvisionInstalling NodeProvisionStatus = "installing"

	// NodeProvisionReady 就绪：Agent 已安装并在线
	NodeProvisionReady NodeProvisionStatus = "ready"

	// NodeProvisionFailed 失败：部署出错，错误信息记录在 ProvisionError
	NodeProvisionFailed NodeProvisionStatus = "failed"
)

// ============================================================================
// InstallMethod - Agent 安装方式
// ============================================================================

// InstallMethod Agent 安装方式
type InstallMethod string

const (
	// InstallMethodDocker 以 Docker 容器方式运行 Agent
	InstallMethodDocker InstallMethod = "docker"

	// InstallMethodBinary 以 systemd 托管的二进制方式运行 Agent
	InstallMethodBinary InstallMethod = "binary"
)

// ============================================================================
// Node - 物理节点
// ============================================================================

// Node 表示承载实例的物理/虚拟主机
//
// 节点由管理员录入，之后由节点部署循环（nodeworker）把 Fleet Agent
// 装到机器上并推进 ProvisionStatus。节点永远不做物理删除：只要还有
// 实例引用它，记录就必须保留，下架走软删除。
//
// 字段说明：
//   - Address：节点对外地址，Fleet Agent 调用和控制面 host 绑定都使用它
//   - AgentPort / AgentAPIKey：访问 Fleet Agent HTTP API 的端口和共享密钥
//   - SSHUser / SSHPort：部署循环 SSH 引导使用
//   - IsEnabled：false 时部署循环完全不碰该节点
//   - EnrollToken / EnrollTokenExpiresAt：Agent 注册用的一次性令牌（15 分钟有效）
//   - AgentVersion / TargetAgentVersion：当前/目标 Agent 版本，不一致时触发重新部署
type Node struct {
	ID                   string              `json:"id" db:"id"`
	Name                 string              `json:"name" db:"name"`
	Address              string              `json:"address" db:"address"`
	AgentPort            int                 `json:"agent_port" db:"agent_port"`
	AgentAPIKey          string              `json:"-" db:"agent_api_key"`
	SSHUser              string              `json:"ssh_user,omitempty" db:"ssh_user"`
	SSHPort              int                 `json:"ssh_port,omitempty" db:"ssh_port"`
	Price                int64               `json:"price" db:"price"`
	Status               NodeStatus          `json:"status" db:"status"`
	IsEnabled            bool                `json:"is_enabled" db:"is_enabled"`
	ProvisionStatus      NodeProvisionStatus `json:"provision_status" db:"provision_status"`
	ProvisionError       string              `json:"provision_error,omitempty" db:"provision_error"`
	InstallMethod        InstallMethod       `json:"install_method" db:"install_method"`
	AgentVersion         string              `json:"agent_version,omitempty" db:"agent_version"`
	TargetAgentVersion   string              `json:"target_agent_version,omitempty" db:"target_agent_version"`
	EnrollToken          string              `json:"-" db:"enroll_token"`
	EnrollTokenExpiresAt *time.Time          `json:"-" db:"enroll_token_expires_at"`
	LastSeenAt           *time.Time          `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt            time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at" db:"updated_at"`
	DeletedAt            *time.Time          `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// IsReady 判断节点 Agent 是否就绪（可以在其上创建实例）
func (n *Node) IsReady() bool {
	return n.ProvisionStatus == NodeProvisionReady
}

// NeedsProvisioning 判断节点是否需要部署循环处理
//
// failed 节点不在此列，失败不自动重试，由管理员重置回 pending。
func (n *Node) NeedsProvisioning() bool {
	if !n.IsEnabled || n.DeletedAt != nil {
		return false
	}
	switch n.ProvisionStatus {
	case NodeProvisionPending, NodeProvisionInstalling:
		return true
	case NodeProvisionReady:
		return n.TargetAgentVersion != "" && n.AgentVersion != n.TargetAgentVersion
	default:
		return false
	}
}

// EnrollTokenValid 判断注册令牌是否仍然有效
func (n *Node) EnrollTokenValid(now time.Time) bool {
	return n.EnrollToken != "" && n.EnrollTokenExpiresAt != nil && n.EnrollTokenExpiresAt.After(now)
}
