// Package server 实例管理接口
package server

import (
	"net/http"
	"time"
)

// CreateInstanceRequest 购买实例的请求体
type CreateInstanceRequest struct {
	NodeID  string `json:"node_id"`
	PanelID string `json:"panel_id"`
	UserID  string `json:"user_id"`
}

// CreateInstance 购买实例
//
// 路由: POST /api/v1/instances
//
// 同步走完远程开通（容器创建），控制面注册由事件订阅者异步完成，
// 所以正常响应里实例状态是 provisioning 或 running。
// 开通失败返回 502，响应体里带着已落库的 failed 实例。
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" || req.PanelID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "node_id, panel_id and user_id are required")
		return
	}

	start := time.Now()
	instance, err := h.orchestrator.Provision(r.Context(), req.NodeID, req.PanelID, req.UserID)
	if err != nil {
		h.metrics.RecordProvision("failed", time.Since(start))
		if instance != nil {
			// 远程开通失败但记录在案，可显式重试
			writeJSON(w, http.StatusBadGateway, instance)
			return
		}
		writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	h.metrics.RecordProvision("ok", time.Since(start))
	writeJSON(w, http.StatusCreated, instance)
}

// GetInstance 获取实例详情
//
// 路由: GET /api/v1/instances/{id}
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := h.store.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if instance == nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

// ListInstances 列出实例
//
// 路由: GET /api/v1/instances
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store.ListInstances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	counts := make(map[string]int)
	for _, inst := range instances {
		counts[string(inst.Status)]++
	}
	h.metrics.SetInstancesByStatus(counts)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"count":     len(instances),
	})
}

// PauseInstance 用户暂停实例
//
// 路由: POST /api/v1/instances/{id}/pause
func (h *Handler) PauseInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.ManuallyPause(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeInstance 用户恢复实例
//
// 路由: POST /api/v1/instances/{id}/resume
func (h *Handler) ResumeInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.ManuallyResume(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// DeleteInstance 删除实例
//
// 路由: DELETE /api/v1/instances/{id}
func (h *Handler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ReprovisionInstance 对 failed 实例显式重试开通
//
// 路由: POST /api/v1/instances/{id}/reprovision
func (h *Handler) ReprovisionInstance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	instance, err := h.orchestrator.Reprovision(r.Context(), r.PathValue("id"))
	if err != nil {
		h.metrics.RecordProvision("failed", time.Since(start))
		if instance != nil {
			writeJSON(w, http.StatusBadGateway, instance)
			return
		}
		writeDomainError(w, err, http.StatusConflict)
		return
	}
	h.metrics.RecordProvision("ok", time.Since(start))
	writeJSON(w, http.StatusOK, instance)
}
