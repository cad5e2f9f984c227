// Package lifecycle 实例生命周期操作
//
// 暂停归属严格区分：用户暂停的实例只有用户能恢复，系统停机的实例
// 由余额恢复路径拉起。远程 pause/unpause/delete 都是幂等的（Agent 把
// 404/已处于目标状态当成功），本地状态用 CAS 推进防止并发覆盖。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"proxy-market/internal/fleetagent"
	"proxy-market/internal/marzban"
	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

// PanelNodeRemover 控制面节点注销能力，生产实现为 *marzban.Client
type PanelNodeRemover interface {
	DeleteNode(ctx context.Context, nodeID int64) error
}

// PanelDialer 按面板拨号
type PanelDialer func(panel *model.Panel) PanelNodeRemover

// Service 实例生命周期服务
type Service struct {
	store  storage.PersistentStore
	bus    *eventbus.Dispatcher
	dial   fleetagent.Dialer
	panels PanelDialer // 可为 nil：删除时跳过控制面节点注销

	// suspensionFloor 可用余额低于该值触发系统停机，
	// 也是 ManuallyResume 的放行下限
	suspensionFloor int64
}

// NewService 创建生命周期服务
func NewService(store storage.PersistentStore, bus *eventbus.Dispatcher, dial fleetagent.Dialer,
	panels PanelDialer, suspensionFloor int64) *Service {
	return &Service{store: store, bus: bus, dial: dial, panels: panels, suspensionFloor: suspensionFloor}
}

// SuspensionFloor 返回停机阈值
func (s *Service) SuspensionFloor() int64 {
	return s.suspensionFloor
}

// ManuallyPause 用户主动暂停
func (s *Service) ManuallyPause(ctx context.Context, instanceID string) error {
	instance, node, err := s.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status == model.InstanceStatusPausedByUser {
		return nil // 已是目标状态，重放安全
	}
	if !instance.Status.CanTransitionTo(model.InstanceStatusPausedByUser) {
		return fmt.Errorf("instance %s is %s, cannot pause", instanceID, instance.Status)
	}

	return s.transition(ctx, instance, node, model.InstanceStatusPausedByUser,
		func(ctx context.Context, agent fleetagent.API, containerID string) error {
			return agent.PauseContainer(ctx, containerID)
		})
}

// ManuallyResume 用户主动恢复
//
// 可用余额仍低于停机阈值时拒绝：恢复后马上又会被系统停掉，
// 只会让用户困惑。系统停机的实例在余额达标后也允许用户手动拉起。
func (s *Service) ManuallyResume(ctx context.Context, instanceID string) error {
	instance, node, err := s.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status == model.InstanceStatusRunning {
		return nil
	}
	if !instance.IsPaused() {
		return fmt.Errorf("instance %s is %s, cannot resume", instanceID, instance.Status)
	}

	user, err := s.store.GetUser(ctx, instance.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %s: %w", instance.UserID, storage.ErrNotFound)
	}
	if user.Available() < s.suspensionFloor {
		return fmt.Errorf("available balance %d below suspension floor %d, top up first",
			user.Available(), s.suspensionFloor)
	}

	return s.transition(ctx, instance, node, model.InstanceStatusRunning,
		func(ctx context.Context, agent fleetagent.API, containerID string) error {
			return agent.ResumeContainer(ctx, containerID)
		})
}

// CheckAndSuspend 系统停机：暂停用户所有 running 实例
//
// 单个实例失败只记日志，不阻塞其余实例。
func (s *Service) CheckAndSuspend(ctx context.Context, userID string) (int, error) {
	instances, err := s.store.ListInstancesByUser(ctx, userID, model.InstanceStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running instances: %w", err)
	}

	suspended := 0
	for _, instance := range instances {
		node, err := s.store.GetNode(ctx, instance.NodeID)
		if err != nil || node == nil {
			log.Printf("[lifecycle] suspend %s: node %s unavailable: %v", instance.ID, instance.NodeID, err)
			continue
		}
		err = s.transition(ctx, instance, node, model.InstanceStatusPausedBySystem,
			func(ctx context.Context, agent fleetagent.API, containerID string) error {
				return agent.PauseContainer(ctx, containerID)
			})
		if err != nil {
			log.Printf("[lifecycle] suspend %s failed: %v", instance.ID, err)
			continue
		}
		suspended++
	}
	return suspended, nil
}

// ResumeSuspended 余额恢复后拉起系统停机的实例
//
// 只处理 paused_by_system：用户自己暂停的实例不被系统碰。
func (s *Service) ResumeSuspended(ctx context.Context, userID string) (int, error) {
	instances, err := s.store.ListInstancesByUser(ctx, userID, model.InstanceStatusPausedBySystem)
	if err != nil {
		return 0, fmt.Errorf("list suspended instances: %w", err)
	}

	resumed := 0
	for _, instance := range instances {
		node, err := s.store.GetNode(ctx, instance.NodeID)
		if err != nil || node == nil {
			log.Printf("[lifecycle] resume %s: node %s unavailable: %v", instance.ID, instance.NodeID, err)
			continue
		}
		err = s.transition(ctx, instance, node, model.InstanceStatusRunning,
			func(ctx context.Context, agent fleetagent.API, containerID string) error {
				return agent.ResumeContainer(ctx, containerID)
			})
		if err != nil {
			log.Printf("[lifecycle] resume %s failed: %v", instance.ID, err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Delete 删除实例：deleting → 远程销毁 → 控制面注销 → deleted（软删）
func (s *Service) Delete(ctx context.Context, instanceID string) error {
	instance, node, err := s.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status == model.InstanceStatusDeleted {
		return nil
	}

	return s.bus.Run(ctx, func(ctx context.Context) ([]eventbus.Event, error) {
		if instance.Status != model.InstanceStatusDeleting {
			if err := s.store.BeginInstanceDeletion(ctx, instance.ID); err != nil {
				return nil, fmt.Errorf("begin deletion: %w", err)
			}
		}

		if instance.ContainerID != nil {
			agent := s.dial(node.Address, node.AgentPort, node.AgentAPIKey)
			if err := agent.DeleteContainer(ctx, *instance.ContainerID); err != nil {
				return nil, fmt.Errorf("agent deprovision: %w", err)
			}
		}

		if err := s.unregisterPanelNode(ctx, instance); err != nil {
			return nil, fmt.Errorf("panel unregister: %w", err)
		}

		if err := s.store.SoftDeleteInstance(ctx, instance.ID); err != nil {
			return nil, fmt.Errorf("soft delete: %w", err)
		}
		return []eventbus.Event{model.InstanceStatusChangedEvent{
			InstanceID: instance.ID,
			From:       instance.Status,
			To:         model.InstanceStatusDeleted,
		}}, nil
	})
}

// unregisterPanelNode 删除控制面上的节点对象
//
// 失败会中止删除（实例停在 deleting，重试安全），但控制面上
// 节点已不存在时视为成功，重放不会卡死。
func (s *Service) unregisterPanelNode(ctx context.Context, instance *model.Instance) error {
	if instance.MarzbanNodeID == nil || s.panels == nil {
		return nil
	}
	panel, err := s.store.GetPanel(ctx, instance.PanelID)
	if err != nil {
		return err
	}
	if panel == nil {
		log.Printf("[lifecycle] instance %s: panel %s gone, skipping node unregister", instance.ID, instance.PanelID)
		return nil
	}

	err = s.panels(panel).DeleteNode(ctx, *instance.MarzbanNodeID)
	var apiErr *marzban.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// load 加载实例及其所在节点
func (s *Service) load(ctx context.Context, instanceID string) (*model.Instance, *model.Node, error) {
	instance, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if instance == nil {
		return nil, nil, fmt.Errorf("instance %s: %w", instanceID, storage.ErrNotFound)
	}
	node, err := s.store.GetNode(ctx, instance.NodeID)
	if err != nil {
		return nil, nil, err
	}
	if node == nil {
		return nil, nil, fmt.Errorf("node %s: %w", instance.NodeID, storage.ErrNotFound)
	}
	return instance, node, nil
}

// transition 远程操作成功后用 CAS 推进本地状态，提交后发事件
func (s *Service) transition(ctx context.Context, instance *model.Instance, node *model.Node,
	to model.InstanceStatus, remote func(context.Context, fleetagent.API, string) error) error {

	from := instance.Status
	return s.bus.Run(ctx, func(ctx context.Context) ([]eventbus.Event, error) {
		if instance.ContainerID != nil {
			agent := s.dial(node.Address, node.AgentPort, node.AgentAPIKey)
			if err := remote(ctx, agent, *instance.ContainerID); err != nil {
				return nil, err
			}
		}
		if err := s.store.UpdateInstanceStatus(ctx, instance.ID, from, to); err != nil {
			return nil, fmt.Errorf("advance %s to %s: %w", from, to, err)
		}
		instance.Status = to
		return []eventbus.Event{model.InstanceStatusChangedEvent{
			InstanceID: instance.ID, From: from, To: to,
		}}, nil
	})
}
