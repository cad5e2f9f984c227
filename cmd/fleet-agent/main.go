// Package main 节点 Agent 入口
//
// 跑在每个代理节点上，把 Docker 容器生命周期暴露成 HTTP 接口给
// 控制面调用。配置全部来自环境变量（部署循环注入）：
//
//	NODE_ID        节点 ID（心跳上报用，可空）
//	AGENT_API_KEY  共享鉴权密钥
//	AGENT_PORT     监听端口，默认 8745
//	API_SERVER_URL 控制面地址（心跳上报用，可空）
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxy-market/internal/fleetagent/runtime/docker"
	agentserver "proxy-market/internal/fleetagent/server"
)

// version 构建时通过 ldflags 注入
var version = "dev"

const heartbeatInterval = 30 * time.Second

func main() {
	log.Printf("Starting Fleet Agent %s...", version)

	rt, err := docker.New()
	if err != nil {
		log.Fatalf("Failed to connect to Docker: %v", err)
	}
	defer rt.Close()

	apiKey := os.Getenv("AGENT_API_KEY")
	if apiKey == "" {
		log.Println("WARNING: AGENT_API_KEY not set, provisioning API is unauthenticated")
	}

	port := os.Getenv("AGENT_PORT")
	if port == "" {
		port = "8745"
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      agentserver.New(rt, apiKey).Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 控制面心跳（可选，两个变量都有才开）
	nodeID := os.Getenv("NODE_ID")
	apiServerURL := os.Getenv("API_SERVER_URL")
	if nodeID != "" && apiServerURL != "" {
		go heartbeatLoop(ctx, apiServerURL, nodeID)
	} else {
		log.Println("NODE_ID or API_SERVER_URL not set, heartbeat disabled")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down Fleet Agent...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Agent shutdown error: %v", err)
		}
	}()

	log.Printf("Fleet Agent listening on :%s", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Agent error: %v", err)
	}
	log.Println("Agent stopped")
}

// heartbeatLoop 周期性向控制面上报心跳
//
// 心跳进的是控制面的 TTL 缓存，丢几个没关系，失败只记日志。
func heartbeatLoop(ctx context.Context, apiServerURL, nodeID string) {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/api/v1/nodes/%s/heartbeat", apiServerURL, nodeID)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		if err := sendHeartbeat(ctx, client, url); err != nil {
			log.Printf("[heartbeat] report failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sendHeartbeat(ctx context.Context, client *http.Client, url string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"status":        "healthy",
		"agent_version": version,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
