// Package server 节点管理接口
package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"proxy-market/internal/shared/cache"
	"proxy-market/internal/shared/model"
)

// CreateNodeRequest 录入节点的请求体
type CreateNodeRequest struct {
	Name               string `json:"name"`
	Address            string `json:"address"`
	AgentPort          int    `json:"agent_port"`
	SSHUser            string `json:"ssh_user,omitempty"`
	SSHPort            int    `json:"ssh_port,omitempty"`
	Price              int64  `json:"price"`
	InstallMethod      string `json:"install_method,omitempty"`
	TargetAgentVersion string `json:"target_agent_version,omitempty"`
}

// CreateNode 录入节点
//
// 路由: POST /api/v1/nodes
//
// 节点以 pending 状态入库，之后由部署循环把 Agent 装上去。
// Agent 共享密钥在这里生成，仅在响应中返回一次。
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "name and address are required")
		return
	}
	if req.AgentPort == 0 {
		req.AgentPort = 8745
	}
	method := model.InstallMethod(req.InstallMethod)
	if method == "" {
		method = model.InstallMethodDocker
	}

	now := time.Now()
	node := &model.Node{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Address:            req.Address,
		AgentPort:          req.AgentPort,
		AgentAPIKey:        uuid.NewString(),
		SSHUser:            req.SSHUser,
		SSHPort:            req.SSHPort,
		Price:              req.Price,
		Status:             model.NodeStatusInProgress,
		IsEnabled:          true,
		ProvisionStatus:    model.NodeProvisionPending,
		InstallMethod:      method,
		TargetAgentVersion: req.TargetAgentVersion,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.store.CreateNode(r.Context(), node); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// AgentAPIKey 在 JSON 序列化中是隐藏字段，录入响应单独带出
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"node":          node,
		"agent_api_key": node.AgentAPIKey,
	})
}

// ListNodes 列出节点
//
// 路由: GET /api/v1/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	online := 0
	if h.nodeCache != nil {
		if ids, err := h.nodeCache.ListOnlineNodes(r.Context()); err == nil {
			online = len(ids)
		}
	}
	h.metrics.SetNodesCount(online, len(nodes))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// GetNode 获取节点详情，附带最近心跳
//
// 路由: GET /api/v1/nodes/{id}
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.store.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}

	resp := map[string]interface{}{"node": node}
	if h.nodeCache != nil {
		if hb, err := h.nodeCache.GetNodeHeartbeat(r.Context(), node.ID); err == nil && hb != nil {
			resp["heartbeat"] = hb
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetryNodeProvision 管理员重试失败的节点部署
//
// 路由: POST /api/v1/nodes/{id}/retry-provision
//
// failed → pending，下一个部署循环 tick 会重新处理。
// 非 failed 状态返回 409。
func (h *Handler) RetryNodeProvision(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ResetNodeProvision(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provision_status": "pending"})
}

// DeleteNode 下架节点（软删除）
//
// 路由: DELETE /api/v1/nodes/{id}
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.store.SoftDeleteNode(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// NodeHeartbeatRequest Agent 心跳上报
type NodeHeartbeatRequest struct {
	Status        string `json:"status"`
	AgentVersion  string `json:"agent_version"`
	InstanceCount int    `json:"instance_count"`
}

// NodeHeartbeat Agent 心跳
//
// 路由: POST /api/v1/nodes/{id}/heartbeat
//
// 心跳只进缓存（带 TTL，过期即离线），不写数据库。
func (h *Handler) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req NodeHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.nodeCache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	hb := &cache.NodeHeartbeat{
		Status:        req.Status,
		AgentVersion:  req.AgentVersion,
		InstanceCount: req.InstanceCount,
		UpdatedAt:     time.Now(),
	}
	if err := h.nodeCache.UpdateNodeHeartbeat(r.Context(), r.PathValue("id"), hb); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
