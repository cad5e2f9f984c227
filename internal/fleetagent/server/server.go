// Package server 节点 Agent 的 HTTP 服务端
//
// 暴露容器生命周期接口给控制面调用，鉴权用共享 API Key。
// 容器不存在返回 404，已处于目标状态返回 409，客户端把两者都当成功。
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"proxy-market/internal/fleetagent"
	"proxy-market/internal/fleetagent/runtime"
)

// DefaultImage 未指定镜像时的默认代理节点镜像
const DefaultImage = "gozargah/marzban-node:latest"

// Server Agent HTTP 服务端
type Server struct {
	rt     runtime.Runtime
	apiKey string
}

// New 创建 Agent 服务端
func New(rt runtime.Runtime, apiKey string) *Server {
	return &Server{rt: rt, apiKey: apiKey}
}

// Routes 注册全部路由
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /provisioning/container", s.requireKey(s.handleCreate))
	mux.HandleFunc("POST /provisioning/container/{id}/pause", s.requireKey(s.handlePause))
	mux.HandleFunc("POST /provisioning/container/{id}/unpause", s.requireKey(s.handleUnpause))
	mux.HandleFunc("DELETE /provisioning/container/{id}", s.requireKey(s.handleDelete))
	return mux
}

// requireKey API Key 鉴权中间件
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get(fleetagent.HeaderAPIKey) != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("runtime unavailable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "runtime": s.rt.Name()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req fleetagent.CreateContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Image == "" {
		req.Image = DefaultImage
	}

	portMap := make(map[int]int)
	for _, p := range []int{req.InboundPort, req.XrayPort, req.APIPort} {
		if p > 0 {
			portMap[p] = p
		}
	}

	id, err := s.rt.Create(r.Context(), &runtime.ContainerSpec{
		Name:  req.Name,
		Image: req.Image,
		Env: map[string]string{
			"SERVICE_PORT": fmt.Sprintf("%d", req.XrayPort),
		},
		PortMap: portMap,
		Labels: map[string]string{
			"proxy-market.instance_id": req.InstanceID,
			"proxy-market.customer_id": req.CustomerID,
		},
		StartOnBoot: true,
	})
	if err != nil {
		log.Printf("[agent] create container %s failed: %v", req.Name, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	log.Printf("[agent] created container %s id=%s", req.Name, id)
	writeJSON(w, http.StatusCreated, fleetagent.CreateContainerResponse{ContainerID: id})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.rt.State(r.Context(), id)
	if err != nil {
		s.writeRuntimeError(w, id, err)
		return
	}
	if state == runtime.StatePaused {
		writeError(w, http.StatusConflict, "already paused")
		return
	}
	if err := s.rt.Pause(r.Context(), id); err != nil {
		s.writeRuntimeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.rt.State(r.Context(), id)
	if err != nil {
		s.writeRuntimeError(w, id, err)
		return
	}
	if state == runtime.StateRunning {
		writeError(w, http.StatusConflict, "already running")
		return
	}
	if err := s.rt.Unpause(r.Context(), id); err != nil {
		s.writeRuntimeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.rt.Remove(r.Context(), id); err != nil {
		s.writeRuntimeError(w, id, err)
		return
	}
	log.Printf("[agent] removed container %s", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) writeRuntimeError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, runtime.ErrNotFound) {
		writeError(w, http.StatusNotFound, "container not found")
		return
	}
	log.Printf("[agent] runtime error on %s: %v", id, err)
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
