// Package server HTTP API 处理器
//
// 路由是薄的：请求解析、参数校验、错误码映射在这里，业务语义全部在
// provision / lifecycle / billing 等领域包。
//
// 文件组织：
//   - common.go: Handler 定义和通用工具
//   - handler.go: 路由配置
//   - instances.go / users.go / nodes.go / panels.go: 各领域接口
//   - events.go: WebSocket 事件推送
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"proxy-market/internal/apiserver/auth"
	"proxy-market/internal/apiserver/billing"
	"proxy-market/internal/apiserver/lifecycle"
	"proxy-market/internal/apiserver/provision"
	"proxy-market/internal/shared/cache"
	"proxy-market/internal/shared/secret"
	"proxy-market/internal/shared/storage"
)

// Handler API 处理器
type Handler struct {
	store        storage.PersistentStore
	orchestrator *provision.Orchestrator
	lifecycle    *lifecycle.Service
	billing      *billing.Service
	secrets      *secret.Box

	// nodeCache 节点心跳缓存，可为 nil（无 Redis 的单机部署）
	nodeCache cache.NodeHeartbeatCache

	authCfg auth.Config
	gateway *EventGateway
	metrics *Metrics
}

// NewHandler 创建 Handler
func NewHandler(store storage.PersistentStore, orchestrator *provision.Orchestrator,
	lc *lifecycle.Service, billingSvc *billing.Service, secrets *secret.Box,
	nodeCache cache.NodeHeartbeatCache, authCfg auth.Config) *Handler {
	return &Handler{
		store:        store,
		orchestrator: orchestrator,
		lifecycle:    lc,
		billing:      billingSvc,
		secrets:      secrets,
		nodeCache:    nodeCache,
		authCfg:      authCfg,
		gateway:      NewEventGateway(),
		metrics:      NewMetrics("market"),
	}
}

// Gateway 返回 WebSocket 事件网关（用于挂到事件总线）
func (h *Handler) Gateway() *EventGateway {
	return h.gateway
}

// Metrics 返回指标实例
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// Health 健康检查接口
//
// 路由: GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError 把领域/存储错误映射到 HTTP 状态码
//
// ErrNotFound → 404，ErrConflict → 409（状态机前置条件未命中），
// 其余按调用方给的兜底状态码。
func writeDomainError(w http.ResponseWriter, err error, fallback int) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, fallback, err.Error())
	}
}

// decodeJSON 解析请求体
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
