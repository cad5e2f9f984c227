// Package fleetagent Agent HTTP 客户端
package fleetagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API Agent 能力集合，业务层依赖本接口而非具体客户端
type API interface {
	CreateContainer(ctx context.Context, req *CreateContainerRequest) (string, error)
	PauseContainer(ctx context.Context, containerID string) error
	ResumeContainer(ctx context.Context, containerID string) error
	DeleteContainer(ctx context.Context, containerID string) error
}

// Dialer 按节点拨号的工厂，测试时替换为假实现
type Dialer func(address string, port int, apiKey string) API

// DefaultDialer 生产环境拨号器
func DefaultDialer(timeout time.Duration) Dialer {
	return func(address string, port int, apiKey string) API {
		return NewClient(address, port, apiKey, timeout)
	}
}

// RemoteError Agent 返回的非 2xx 响应
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("fleetagent: status=%d body=%s", e.StatusCode, e.Body)
}

// Client 单个节点的 Agent 客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 创建 Agent 客户端
//
// address 为节点地址，port 为 Agent 监听端口，apiKey 为共享密钥。
func NewClient(address string, port int, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", address, port),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientFromURL 从完整 URL 创建客户端（测试用）
func NewClientFromURL(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateContainer 创建容器，返回容器 ID
func (c *Client) CreateContainer(ctx context.Context, req *CreateContainerRequest) (string, error) {
	var out CreateContainerResponse
	if err := c.do(ctx, http.MethodPost, "/provisioning/container", req, &out); err != nil {
		return "", err
	}
	if out.ContainerID == "" {
		return "", fmt.Errorf("fleetagent: create returned empty container id")
	}
	return out.ContainerID, nil
}

// PauseContainer 暂停容器
//
// 404（容器不存在）和 409（已是目标状态）视为成功，重放安全。
func (c *Client) PauseContainer(ctx context.Context, containerID string) error {
	err := c.do(ctx, http.MethodPost, "/provisioning/container/"+containerID+"/pause", nil, nil)
	return ignoreIdempotent(err)
}

// ResumeContainer 恢复容器
func (c *Client) ResumeContainer(ctx context.Context, containerID string) error {
	err := c.do(ctx, http.MethodPost, "/provisioning/container/"+containerID+"/unpause", nil, nil)
	return ignoreIdempotent(err)
}

// DeleteContainer 销毁容器
func (c *Client) DeleteContainer(ctx context.Context, containerID string) error {
	err := c.do(ctx, http.MethodDelete, "/provisioning/container/"+containerID, nil, nil)
	return ignoreIdempotent(err)
}

// ignoreIdempotent 把"目标状态已达成"类的失败归一为成功
func ignoreIdempotent(err error) error {
	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.StatusCode == http.StatusNotFound || remote.StatusCode == http.StatusConflict {
			return nil
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("fleetagent: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAPIKey, c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fleetagent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &RemoteError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("fleetagent: decode response: %w", err)
		}
	}
	return nil
}
