// Package model 定义核心数据模型
//
// panel.go 包含控制面面板（Marzban）的租户注册信息。
package model

import "time"

// Panel 表示一个控制面端点上的租户注册
//
// 面板持有访问控制面所需的全部凭据和端口约定：
//   - Token：控制面会话令牌，会过期；所有控制面调用必须容忍令牌失效，
//     并在一次逻辑操作内最多重新登录一次（见 provision.Registrar）
//   - PasswordEncrypted：secretbox 加密后的面板密码，重新登录时解密使用
//   - InboundPort / XrayPort / APIPort：向控制面注册节点时使用的三个端口约定
type Panel struct {
	ID                string    `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	URL               string    `json:"url" db:"url"`
	Username          string    `json:"username" db:"username"`
	PasswordEncrypted string    `json:"-" db:"password_encrypted"`
	Token             string    `json:"-" db:"token"`
	CertKey           string    `json:"-" db:"cert_key"`
	InboundPort       int       `json:"inbound_port" db:"inbound_port"`
	XrayPort          int       `json:"xray_port" db:"xray_port"`
	APIPort           int       `json:"api_port" db:"api_port"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}
