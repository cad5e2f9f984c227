// Package marzban 核心配置（inbound）操作
package marzban

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// CoreConfig Xray 核心配置
//
// 只解析到顶层 key，业务只关心 inbounds，其余部分原样透传，
// 避免客户端理解整份 Xray 配置的结构。
type CoreConfig map[string]json.RawMessage

// Inbound 核心配置里的一条 inbound（只解析业务需要的字段）
type Inbound struct {
	Tag      string          `json:"tag"`
	Port     int             `json:"port"`
	Protocol string          `json:"protocol"`
	Raw      json.RawMessage `json:"-"`
}

// GetCoreConfig 拉取核心配置
func (c *Client) GetCoreConfig(ctx context.Context) (CoreConfig, error) {
	var cfg CoreConfig
	if err := c.do(ctx, http.MethodGet, "/core/config", nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PutCoreConfig 回写核心配置
func (c *Client) PutCoreConfig(ctx context.Context, cfg CoreConfig) error {
	return c.do(ctx, http.MethodPut, "/core/config", cfg, nil)
}

// Inbounds 解析配置中的 inbound 列表
func (cfg CoreConfig) Inbounds() ([]Inbound, error) {
	raw, ok := cfg["inbounds"]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("marzban: parse inbounds: %w", err)
	}
	inbounds := make([]Inbound, 0, len(items))
	for _, item := range items {
		var in Inbound
		if err := json.Unmarshal(item, &in); err != nil {
			return nil, fmt.Errorf("marzban: parse inbound: %w", err)
		}
		in.Raw = item
		inbounds = append(inbounds, in)
	}
	return inbounds, nil
}

// FindInboundByPort 按端口查找 inbound，未找到返回空 tag
func (cfg CoreConfig) FindInboundByPort(port int) (string, bool, error) {
	inbounds, err := cfg.Inbounds()
	if err != nil {
		return "", false, err
	}
	for _, in := range inbounds {
		if in.Port == port {
			return in.Tag, true, nil
		}
	}
	return "", false, nil
}

// InboundTagForPort 端口对应的约定 tag 名
func InboundTagForPort(port int) string {
	return fmt.Sprintf("VLESS_TCP_%d", port)
}

// AppendInbound 往配置里追加一条最小可用的 VLESS TCP inbound
func (cfg CoreConfig) AppendInbound(tag string, port int) error {
	inbound := map[string]interface{}{
		"tag":      tag,
		"listen":   "0.0.0.0",
		"port":     port,
		"protocol": "vless",
		"settings": map[string]interface{}{
			"clients":    []interface{}{},
			"decryption": "none",
		},
		"streamSettings": map[string]interface{}{
			"network":  "tcp",
			"security": "none",
		},
	}

	var items []json.RawMessage
	if raw, ok := cfg["inbounds"]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("marzban: parse inbounds: %w", err)
		}
	}
	data, err := json.Marshal(inbound)
	if err != nil {
		return err
	}
	items = append(items, data)

	merged, err := json.Marshal(items)
	if err != nil {
		return err
	}
	cfg["inbounds"] = merged
	return nil
}
