// Package cache 缓存层类型定义
package cache

import (
	"time"
)

// ============================================================================
// 缓存数据类型
// ============================================================================

// NodeHeartbeat 节点 Agent 心跳数据
type NodeHeartbeat struct {
	Status        string    `json:"status"`
	AgentVersion  string    `json:"agent_version"`
	InstanceCount int       `json:"instance_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// Key 前缀
	KeyNodeHeartbeat = "node_heartbeat:"
	KeyAlertThrottle = "alert_throttle:"

	// 告警种类
	AlertLowBalance = "low_balance"

	// TTL 常量
	TTLNodeHeartbeat = 90 * time.Second
	TTLAlertThrottle = 10 * time.Minute
)
