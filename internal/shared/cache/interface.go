// Package cache 缓存层抽象接口
//
// 提供临时状态的存取能力，生产环境由 Redis 实现，
// 测试和单机部署可用内存实现替代。
package cache

import (
	"context"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// NodeHeartbeatCache 节点 Agent 心跳缓存接口
//
// 心跳带 TTL，过期即视为离线，不需要显式下线操作。
type NodeHeartbeatCache interface {
	UpdateNodeHeartbeat(ctx context.Context, nodeID string, hb *NodeHeartbeat) error
	GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeHeartbeat, error)
	DeleteNodeHeartbeat(ctx context.Context, nodeID string) error
	ListOnlineNodes(ctx context.Context) ([]string, error)
}

// AlertThrottleCache 告警节流缓存接口
//
// 低余额提醒的权威状态在数据库（users.low_balance_notified），
// 这里只做跨进程的短期去重，防止多实例同时评估时重复发送。
type AlertThrottleCache interface {
	// MarkAlerted 尝试占位，首次占位返回 true
	MarkAlerted(ctx context.Context, kind, subjectID string) (bool, error)
	// ClearAlerted 释放占位（余额恢复后调用）
	ClearAlerted(ctx context.Context, kind, subjectID string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	NodeHeartbeatCache
	AlertThrottleCache
	Close() error
}
