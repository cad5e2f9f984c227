// Package fleetagent 节点 Agent 的客户端与共享协议类型
//
// 控制面通过每个节点上运行的 Agent 管理容器。协议类型在客户端
// 与 Agent 服务端（internal/fleetagent/server）之间共享。
package fleetagent

// CreateContainerRequest 创建容器请求
type CreateContainerRequest struct {
	Name        string `json:"name"`
	Image       string `json:"image"`
	CustomerID  string `json:"customer_id"`
	InstanceID  string `json:"instance_id"`
	InboundPort int    `json:"inbound_port"`
	XrayPort    int    `json:"xray_port"`
	APIPort     int    `json:"api_port"`
}

// CreateContainerResponse 创建容器响应
type CreateContainerResponse struct {
	ContainerID string `json:"container_id"`
}

// HeaderAPIKey Agent 鉴权头
const HeaderAPIKey = "X-Api-Key"
