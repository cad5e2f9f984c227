// Package server WebSocket 事件推送
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proxy-market/internal/shared/eventbus"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventGateway WebSocket 事件网关
//
// 把事件总线上的全部领域事件实时推给已连接的客户端
//（运营后台的实例状态面板用）。推送是旁路行为，任何写失败
// 只断开对应连接，不影响业务流程。
type EventGateway struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte

	metrics *Metrics
}

// NewEventGateway 创建事件网关
func NewEventGateway() *EventGateway {
	return &EventGateway{clients: make(map[*websocket.Conn]chan []byte)}
}

// SetMetrics 挂上连接数指标
func (g *EventGateway) SetMetrics(m *Metrics) {
	g.metrics = m
}

// Observer 返回挂到事件总线的旁路观察者
func (g *EventGateway) Observer() eventbus.Observer {
	return func(ctx context.Context, event eventbus.Event) {
		g.Broadcast(event)
	}
}

// Broadcast 把事件广播给所有客户端
func (g *EventGateway) Broadcast(event eventbus.Event) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":         event.EventType(),
		"aggregate_id": event.AggregateID(),
		"data":         event,
		"at":           time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[events] marshal broadcast: %v", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, ch := range g.clients {
		select {
		case ch <- msg:
		default:
			// 慢客户端丢消息，不阻塞广播
		}
	}
}

// HandleWebSocket 处理 WebSocket 连接
//
// 路由: GET /api/v1/events/ws
//
// 推送消息格式：{"type": "<event_type>", "aggregate_id": "...", "data": {...}}
// 客户端心跳：{"type": "ping"} → {"type": "pong"}
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events] websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := g.addClient(conn)
	defer g.removeClient(conn)

	if g.metrics != nil {
		g.metrics.WSConnectionOpened()
		defer g.metrics.WSConnectionClosed()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, ch)
}

func (g *EventGateway) addClient(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 64)
	g.mu.Lock()
	g.clients[conn] = ch
	g.mu.Unlock()
	return ch
}

func (g *EventGateway) removeClient(conn *websocket.Conn) {
	g.mu.Lock()
	delete(g.clients, conn)
	g.mu.Unlock()
}

// readPump 处理客户端消息（心跳、关闭）
func (g *EventGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[events] websocket read: %v", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil && req["type"] == "ping" {
			conn.WriteJSON(map[string]string{"type": "pong"})
		}
	}
}

// writePump 推送事件和保活 ping
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, ch chan []byte) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-ch:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[events] websocket write: %v", err)
				return
			}
		}
	}
}
