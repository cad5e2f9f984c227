// Package marzban 节点注册操作
package marzban

import (
	"context"
	"fmt"
	"net/http"
)

// NodeCreateRequest 节点注册请求
type NodeCreateRequest struct {
	Name             string  `json:"name"`
	Address          string  `json:"address"`
	Port             int     `json:"port"`
	APIPort          int     `json:"api_port"`
	UsageCoefficient float64 `json:"usage_coefficient"`
	AddAsNewHost     bool    `json:"add_as_new_host"`
}

// NodeResponse 控制面返回的节点对象
type NodeResponse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	APIPort int    `json:"api_port"`
	Status  string `json:"status"`
}

// CreateNode 注册节点，返回控制面分配的节点 ID
func (c *Client) CreateNode(ctx context.Context, req *NodeCreateRequest) (*NodeResponse, error) {
	var out NodeResponse
	if err := c.do(ctx, http.MethodPost, "/node", req, &out); err != nil {
		return nil, err
	}
	if out.ID == 0 {
		return nil, fmt.Errorf("marzban: node created without id")
	}
	return &out, nil
}

// DeleteNode 注销节点
func (c *Client) DeleteNode(ctx context.Context, nodeID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/node/%d", nodeID), nil, nil)
}
