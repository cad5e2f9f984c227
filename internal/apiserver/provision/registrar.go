// Package provision 控制面注册
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"proxy-market/internal/marzban"
	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/secret"
	"proxy-market/internal/shared/storage"
)

// PanelAPI 控制面能力集合，生产实现为 *marzban.Client
type PanelAPI interface {
	Login(ctx context.Context, username, password string) (string, error)
	CreateNode(ctx context.Context, req *marzban.NodeCreateRequest) (*marzban.NodeResponse, error)
	GetCoreConfig(ctx context.Context) (marzban.CoreConfig, error)
	PutCoreConfig(ctx context.Context, cfg marzban.CoreConfig) error
	GetHosts(ctx context.Context) (marzban.Hosts, error)
	PutHosts(ctx context.Context, hosts marzban.Hosts) error
}

// PanelDialer 按面板拨号的工厂
type PanelDialer func(panel *model.Panel) PanelAPI

// ConfigArchiver 核心配置改写前的快照出口（可为 nil，表示不快照）
type ConfigArchiver interface {
	SnapshotCoreConfig(ctx context.Context, panelID string, raw []byte) (string, error)
}

// Registrar 控制面注册器
//
// 订阅 instance_provisioned 事件，确保 inbound 存在、注册节点对象、
// 追加主机绑定，最后把实例推进到 running。
type Registrar struct {
	store    storage.PersistentStore
	secrets  *secret.Box
	dial     PanelDialer
	archiver ConfigArchiver
}

// NewRegistrar 创建注册器
func NewRegistrar(store storage.PersistentStore, secrets *secret.Box, dial PanelDialer, archiver ConfigArchiver) *Registrar {
	return &Registrar{store: store, secrets: secrets, dial: dial, archiver: archiver}
}

// Subscribe 挂到事件总线
func (r *Registrar) Subscribe(bus *eventbus.Dispatcher) {
	bus.Subscribe(model.EventInstanceProvisioned, r.HandleInstanceProvisioned)
}

// HandleInstanceProvisioned 处理实例开通事件
//
// 失败恢复纪律：任何一步失败只做恰好一次恢复（重新解析 inbound、
// 用解密后的凭据重新登录、新令牌立即落库、重放注册与绑定）。
// 恢复也失败则错误上抛给总线（记日志、可观测），实例标记 failed。
func (r *Registrar) HandleInstanceProvisioned(ctx context.Context, ev eventbus.Event) error {
	e, ok := ev.(model.InstanceProvisionedEvent)
	if !ok {
		if p, isPtr := ev.(*model.InstanceProvisionedEvent); isPtr {
			e = *p
		} else {
			return fmt.Errorf("registrar: unexpected event %T", ev)
		}
	}

	instance, err := r.store.GetInstance(ctx, e.InstanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return fmt.Errorf("registrar: instance %s: %w", e.InstanceID, storage.ErrNotFound)
	}
	node, err := r.store.GetNode(ctx, instance.NodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("registrar: node %s: %w", instance.NodeID, storage.ErrNotFound)
	}
	panel, err := r.store.GetPanel(ctx, instance.PanelID)
	if err != nil {
		return err
	}
	if panel == nil {
		return fmt.Errorf("registrar: panel %s: %w", instance.PanelID, storage.ErrNotFound)
	}

	client := r.dial(panel)

	if err := r.register(ctx, client, instance, node, panel); err != nil {
		log.Printf("[registrar] instance %s first pass failed, recovering: %v", instance.ID, err)

		if rerr := r.recover(ctx, client, panel); rerr != nil {
			r.fail(ctx, instance, rerr)
			return fmt.Errorf("registrar: recovery login failed: %w", rerr)
		}
		if err := r.register(ctx, client, instance, node, panel); err != nil {
			r.fail(ctx, instance, err)
			return fmt.Errorf("registrar: registration failed after recovery: %w", err)
		}
	}

	if err := r.store.UpdateInstanceStatus(ctx, instance.ID,
		model.InstanceStatusProvisioning, model.InstanceStatusRunning); err != nil {
		return fmt.Errorf("registrar: advance to running: %w", err)
	}
	log.Printf("[registrar] instance %s registered and running", instance.ID)
	return nil
}

// register 一轮完整注册：inbound → 节点对象 → 主机绑定
//
// 节点注册是幂等的：第一轮已经落库 MarzbanNodeID 的话，重试直接跳过
// CreateNode（check-before-create），不会在控制面上重复建节点。
func (r *Registrar) register(ctx context.Context, client PanelAPI, instance *model.Instance, node *model.Node, panel *model.Panel) error {
	// 1. 解析或创建 inbound
	cfg, err := client.GetCoreConfig(ctx)
	if err != nil {
		return fmt.Errorf("get core config: %w", err)
	}
	tag, found, err := cfg.FindInboundByPort(panel.InboundPort)
	if err != nil {
		return err
	}
	if !found {
		tag = marzban.InboundTagForPort(panel.InboundPort)
		r.snapshot(ctx, panel.ID, cfg)
		if err := cfg.AppendInbound(tag, panel.InboundPort); err != nil {
			return err
		}
		if err := client.PutCoreConfig(ctx, cfg); err != nil {
			return fmt.Errorf("put core config: %w", err)
		}
		log.Printf("[registrar] created inbound %s on panel %s", tag, panel.ID)
	}

	// 2. 注册节点对象（幂等）
	if instance.MarzbanNodeID == nil {
		resp, err := client.CreateNode(ctx, &marzban.NodeCreateRequest{
			Name:             node.Name,
			Address:          node.Address,
			Port:             panel.XrayPort,
			APIPort:          panel.APIPort,
			UsageCoefficient: 1,
		})
		if err != nil {
			return fmt.Errorf("create node: %w", err)
		}
		if err := r.store.SetInstanceMarzbanNode(ctx, instance.ID, resp.ID); err != nil {
			return fmt.Errorf("persist marzban node id: %w", err)
		}
		instance.MarzbanNodeID = &resp.ID
	}

	// 3. 主机绑定（已存在则跳过）
	hosts, err := client.GetHosts(ctx)
	if err != nil {
		return fmt.Errorf("get hosts: %w", err)
	}
	if !hosts.HasAddress(tag, node.Address) {
		hosts.AppendHost(tag, node.Name, node.Address)
		if err := client.PutHosts(ctx, hosts); err != nil {
			return fmt.Errorf("put hosts: %w", err)
		}
	}
	return nil
}

// recover 用解密凭据重新登录，新令牌立即落库
func (r *Registrar) recover(ctx context.Context, client PanelAPI, panel *model.Panel) error {
	password, err := r.secrets.Decrypt(panel.PasswordEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt panel credentials: %w", err)
	}
	token, err := client.Login(ctx, panel.Username, password)
	if err != nil {
		return fmt.Errorf("re-login: %w", err)
	}
	if err := r.store.UpdatePanelToken(ctx, panel.ID, token); err != nil {
		return fmt.Errorf("persist fresh token: %w", err)
	}
	panel.Token = token
	return nil
}

// snapshot 改写核心配置前留档，失败只记日志
func (r *Registrar) snapshot(ctx context.Context, panelID string, cfg marzban.CoreConfig) {
	if r.archiver == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		log.Printf("[registrar] marshal config snapshot for panel %s: %v", panelID, err)
		return
	}
	key, err := r.archiver.SnapshotCoreConfig(ctx, panelID, raw)
	if err != nil {
		log.Printf("[registrar] snapshot core config for panel %s: %v", panelID, err)
		return
	}
	log.Printf("[registrar] core config snapshot saved: %s", key)
}

func (r *Registrar) fail(ctx context.Context, instance *model.Instance, cause error) {
	if err := r.store.MarkInstanceFailed(ctx, instance.ID, cause.Error()); err != nil {
		log.Printf("[registrar] mark instance %s failed: %v", instance.ID, err)
	}
}
