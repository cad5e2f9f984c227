// Package server 路由配置
package server

import (
	"net/http"

	"proxy-market/internal/apiserver/auth"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 实例 (Instance):
//   - POST   /api/v1/instances                    - 购买实例
//   - GET    /api/v1/instances                    - 列出实例
//   - GET    /api/v1/instances/{id}               - 实例详情
//   - POST   /api/v1/instances/{id}/pause         - 用户暂停
//   - POST   /api/v1/instances/{id}/resume        - 用户恢复
//   - POST   /api/v1/instances/{id}/reprovision   - 失败重试
//   - DELETE /api/v1/instances/{id}               - 删除
//
// 用户与账务 (User / Billing):
//   - POST   /api/v1/users                        - 创建用户
//   - GET    /api/v1/users/{id}                   - 用户详情
//   - POST   /api/v1/users/{id}/topup             - 充值
//   - POST   /api/v1/users/{id}/charge            - 扣费
//   - GET    /api/v1/users/{id}/transactions      - 流水
//
// 节点 (Node):
//   - POST   /api/v1/nodes                        - 录入节点
//   - GET    /api/v1/nodes                        - 列出节点
//   - GET    /api/v1/nodes/{id}                   - 节点详情（含心跳）
//   - POST   /api/v1/nodes/{id}/retry-provision   - 重试部署
//   - POST   /api/v1/nodes/{id}/heartbeat         - Agent 心跳
//   - DELETE /api/v1/nodes/{id}                   - 下架
//
// 面板 (Panel):
//   - POST   /api/v1/panels                       - 录入面板
//   - GET    /api/v1/panels                       - 列出面板
//   - GET    /api/v1/panels/{id}                  - 面板详情
//
// 其他:
//   - GET    /api/v1/events/ws                    - WebSocket 事件流
//   - GET    /metrics                             - Prometheus 指标
//   - GET    /healthz                             - 健康检查
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", MetricsHandler())

	// Instance
	mux.HandleFunc("POST /api/v1/instances", h.CreateInstance)
	mux.HandleFunc("GET /api/v1/instances", h.ListInstances)
	mux.HandleFunc("GET /api/v1/instances/{id}", h.GetInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/pause", h.PauseInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/resume", h.ResumeInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/reprovision", h.ReprovisionInstance)
	mux.HandleFunc("DELETE /api/v1/instances/{id}", h.DeleteInstance)

	// User / Billing
	mux.HandleFunc("POST /api/v1/users", h.CreateUser)
	mux.HandleFunc("GET /api/v1/users/{id}", h.GetUser)
	mux.HandleFunc("POST /api/v1/users/{id}/topup", h.TopUpUser)
	mux.HandleFunc("POST /api/v1/users/{id}/charge", h.ChargeUser)
	mux.HandleFunc("GET /api/v1/users/{id}/transactions", h.ListUserTransactions)

	// Node
	mux.HandleFunc("POST /api/v1/nodes", h.CreateNode)
	mux.HandleFunc("GET /api/v1/nodes", h.ListNodes)
	mux.HandleFunc("GET /api/v1/nodes/{id}", h.GetNode)
	mux.HandleFunc("POST /api/v1/nodes/{id}/retry-provision", h.RetryNodeProvision)
	mux.HandleFunc("POST /api/v1/nodes/{id}/heartbeat", h.NodeHeartbeat)
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", h.DeleteNode)

	// Panel
	mux.HandleFunc("POST /api/v1/panels", h.CreatePanel)
	mux.HandleFunc("GET /api/v1/panels", h.ListPanels)
	mux.HandleFunc("GET /api/v1/panels/{id}", h.GetPanel)

	// 指标 + 认证中间件套在 REST API 上
	apiHandler := h.metrics.MetricsMiddleware(mux)
	authedHandler := auth.Middleware(h.authCfg)(apiHandler)
	corsHandler := corsMiddleware(authedHandler)

	// WebSocket 绕过指标中间件（包装后的 ResponseWriter 不支持 Hijack）
	h.gateway.SetMetrics(h.metrics)
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /api/v1/events/ws", h.gateway.HandleWebSocket)
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
