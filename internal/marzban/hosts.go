// Package marzban 主机绑定操作
package marzban

import (
	"context"
	"net/http"
)

// HostEntry 某个 inbound tag 下的一条主机绑定
type HostEntry struct {
	Remark      string  `json:"remark"`
	Address     string  `json:"address"`
	Port        *int    `json:"port"`
	SNI         *string `json:"sni"`
	Host        *string `json:"host"`
	Path        *string `json:"path"`
	Security    string  `json:"security"`
	ALPN        string  `json:"alpn"`
	Fingerprint string  `json:"fingerprint"`
}

// Hosts inbound tag → 绑定列表
type Hosts map[string][]HostEntry

// GetHosts 拉取全部主机绑定
//
// 面板没有任何绑定时返回 JSON null，这里兜成空表，
// 调用方可以直接 AppendHost。
func (c *Client) GetHosts(ctx context.Context) (Hosts, error) {
	var hosts Hosts
	if err := c.do(ctx, http.MethodGet, "/hosts", nil, &hosts); err != nil {
		return nil, err
	}
	if hosts == nil {
		hosts = Hosts{}
	}
	return hosts, nil
}

// PutHosts 回写全部主机绑定
func (c *Client) PutHosts(ctx context.Context, hosts Hosts) error {
	return c.do(ctx, http.MethodPut, "/hosts", hosts, nil)
}

// HasAddress 指定 tag 下是否已有该地址的绑定
func (h Hosts) HasAddress(tag, address string) bool {
	for _, entry := range h[tag] {
		if entry.Address == address {
			return true
		}
	}
	return false
}

// AppendHost 往指定 tag 追加一条默认安全参数的绑定
func (h Hosts) AppendHost(tag, remark, address string) {
	h[tag] = append(h[tag], HostEntry{
		Remark:      remark,
		Address:     address,
		Security:    "inbound_default",
		ALPN:        "",
		Fingerprint: "",
	})
}
