// Package server 控制面面板管理接口
package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"proxy-market/internal/shared/model"
)

// CreatePanelRequest 录入面板的请求体
type CreatePanelRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	InboundPort int    `json:"inbound_port"`
	XrayPort    int    `json:"xray_port"`
	APIPort     int    `json:"api_port"`
}

// CreatePanel 录入面板
//
// 路由: POST /api/v1/panels
//
// 密码用密钥盒加密后落库，明文不留。首个会话令牌不在这里获取：
// 注册器发现令牌缺失/过期时会用解密凭据自行登录并落库。
func (h *Handler) CreatePanel(w http.ResponseWriter, r *http.Request) {
	var req CreatePanelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, url, username and password are required")
		return
	}
	if req.InboundPort == 0 {
		writeError(w, http.StatusBadRequest, "inbound_port is required")
		return
	}

	encrypted, err := h.secrets.Encrypt(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt credentials: "+err.Error())
		return
	}

	now := time.Now()
	panel := &model.Panel{
		ID:                uuid.NewString(),
		Name:              req.Name,
		URL:               req.URL,
		Username:          req.Username,
		PasswordEncrypted: encrypted,
		InboundPort:       req.InboundPort,
		XrayPort:          req.XrayPort,
		APIPort:           req.APIPort,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := h.store.CreatePanel(r.Context(), panel); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, panel)
}

// ListPanels 列出面板
//
// 路由: GET /api/v1/panels
func (h *Handler) ListPanels(w http.ResponseWriter, r *http.Request) {
	panels, err := h.store.ListPanels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"panels": panels,
		"count":  len(panels),
	})
}

// GetPanel 获取面板详情
//
// 路由: GET /api/v1/panels/{id}
func (h *Handler) GetPanel(w http.ResponseWriter, r *http.Request) {
	panel, err := h.store.GetPanel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if panel == nil {
		writeError(w, http.StatusNotFound, "panel not found")
		return
	}
	writeJSON(w, http.StatusOK, panel)
}
