// Package provision 实例开通编排
//
// 编排器只负责"算力存在"：先落 pending 记录，再调 Fleet Agent 创建容器。
// "算力可达"（控制面注册）由 registrar 订阅 instance_provisioned 事件完成，
// 两步解耦，控制面会话过期时不必重建远程容器。
package provision

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"proxy-market/internal/fleetagent"
	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

// Orchestrator 实例开通编排器
type Orchestrator struct {
	store storage.PersistentStore
	bus   *eventbus.Dispatcher
	dial  fleetagent.Dialer
	image string
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store storage.PersistentStore, bus *eventbus.Dispatcher, dial fleetagent.Dialer, image string) *Orchestrator {
	return &Orchestrator{store: store, bus: bus, dial: dial, image: image}
}

// Provision 为用户在指定节点、指定面板下开通一个实例
//
// pending 记录必须在任何远程调用之前落库：进程崩溃后残留的
// pending/provisioning 行可以被对账任务发现，不会出现"无记录的开通"。
// 任何一步失败都把实例标记为 failed 并停止，重试是显式的外部动作。
func (o *Orchestrator) Provision(ctx context.Context, nodeID, panelID, userID string) (*model.Instance, error) {
	node, panel, err := o.loadTargets(ctx, nodeID, panelID)
	if err != nil {
		return nil, err
	}

	user, err := o.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}

	now := time.Now()
	instance := &model.Instance{
		ID:          uuid.NewString(),
		UserID:      userID,
		NodeID:      nodeID,
		PanelID:     panelID,
		Status:      model.InstanceStatusPending,
		InboundPort: panel.InboundPort,
		XrayPort:    panel.XrayPort,
		APIPort:     panel.APIPort,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// 先插 pending，再碰远程系统
	if err := o.store.CreateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("insert preliminary instance: %w", err)
	}

	if err := o.runProvisionFlow(ctx, instance, node); err != nil {
		return instance, err
	}
	return instance, nil
}

// Reprovision 显式重试：把 failed 实例拉回 pending 并重新走远程开通
func (o *Orchestrator) Reprovision(ctx context.Context, instanceID string) (*model.Instance, error) {
	instance, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, storage.ErrNotFound)
	}
	if instance.Status != model.InstanceStatusFailed {
		return nil, fmt.Errorf("instance %s is %s, only failed instances can be reprovisioned",
			instanceID, instance.Status)
	}

	node, _, err := o.loadTargets(ctx, instance.NodeID, instance.PanelID)
	if err != nil {
		return nil, err
	}

	if err := o.store.UpdateInstanceStatus(ctx, instanceID,
		model.InstanceStatusFailed, model.InstanceStatusPending); err != nil {
		return nil, err
	}
	instance.Status = model.InstanceStatusPending

	if err := o.runProvisionFlow(ctx, instance, node); err != nil {
		return instance, err
	}
	return instance, nil
}

// loadTargets 加载并校验开通目标
func (o *Orchestrator) loadTargets(ctx context.Context, nodeID, panelID string) (*model.Node, *model.Panel, error) {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load node: %w", err)
	}
	if node == nil {
		return nil, nil, fmt.Errorf("node %s: %w", nodeID, storage.ErrNotFound)
	}
	if !node.IsReady() {
		return nil, nil, fmt.Errorf("node %s is not ready (provision_status=%s)", nodeID, node.ProvisionStatus)
	}

	panel, err := o.store.GetPanel(ctx, panelID)
	if err != nil {
		return nil, nil, fmt.Errorf("load panel: %w", err)
	}
	if panel == nil {
		return nil, nil, fmt.Errorf("panel %s: %w", panelID, storage.ErrNotFound)
	}
	return node, panel, nil
}

// runProvisionFlow 执行远程开通：创建容器、推进状态、提交后发事件
func (o *Orchestrator) runProvisionFlow(ctx context.Context, instance *model.Instance, node *model.Node) error {
	err := o.bus.Run(ctx, func(ctx context.Context) ([]eventbus.Event, error) {
		agent := o.dial(node.Address, node.AgentPort, node.AgentAPIKey)
		containerID, err := agent.CreateContainer(ctx, &fleetagent.CreateContainerRequest{
			Name:        "proxy-" + instance.ID,
			Image:       o.image,
			CustomerID:  instance.UserID,
			InstanceID:  instance.ID,
			InboundPort: instance.InboundPort,
			XrayPort:    instance.XrayPort,
			APIPort:     instance.APIPort,
		})
		if err != nil {
			return nil, fmt.Errorf("agent create container: %w", err)
		}

		if err := o.store.SetInstanceContainer(ctx, instance.ID, containerID); err != nil {
			return nil, fmt.Errorf("persist container id: %w", err)
		}
		instance.ContainerID = &containerID

		statusEvent, err := instance.Transition(model.InstanceStatusProvisioning)
		if err != nil {
			return nil, err
		}
		if err := o.store.UpdateInstanceStatus(ctx, instance.ID,
			model.InstanceStatusPending, model.InstanceStatusProvisioning); err != nil {
			return nil, fmt.Errorf("advance to provisioning: %w", err)
		}

		return []eventbus.Event{
			statusEvent,
			model.InstanceProvisionedEvent{
				InstanceID:  instance.ID,
				NodeID:      instance.NodeID,
				PanelID:     instance.PanelID,
				ContainerID: containerID,
			},
		}, nil
	})
	if err != nil {
		log.Printf("[provision] instance %s failed: %v", instance.ID, err)
		if markErr := o.store.MarkInstanceFailed(ctx, instance.ID, err.Error()); markErr != nil {
			log.Printf("[provision] mark instance %s failed: %v", instance.ID, markErr)
		}
		instance.Status = model.InstanceStatusFailed
		instance.ErrorMessage = err.Error()
		return err
	}
	return nil
}
