// Package main API Server 入口
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxy-market/internal/apiserver/auth"
	"proxy-market/internal/apiserver/billing"
	"proxy-market/internal/apiserver/lifecycle"
	"proxy-market/internal/apiserver/nodeworker"
	"proxy-market/internal/apiserver/provision"
	"proxy-market/internal/apiserver/server"
	"proxy-market/internal/config"
	"proxy-market/internal/fleetagent"
	"proxy-market/internal/marzban"
	"proxy-market/internal/notify"
	"proxy-market/internal/shared/audit"
	"proxy-market/internal/shared/cache"
	rediscache "proxy-market/internal/shared/cache/redis"
	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/objstore"
	"proxy-market/internal/shared/secret"
	"proxy-market/internal/shared/storage/postgres"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// PostgreSQL（业务数据）
	store, err := postgres.NewStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer store.Close()
	log.Println("Connected to PostgreSQL")

	// Redis（心跳缓存 + 提醒去重），连不上退化为进程内缓存
	var cacheStore cache.Cache
	if redisStore, err := rediscache.NewStoreFromURL(cfg.RedisURL); err != nil {
		log.Printf("Redis unavailable, using in-memory cache: %v", err)
		cacheStore = cache.NewMemoryCache()
	} else {
		log.Println("Connected to Redis")
		cacheStore = redisStore
	}
	defer cacheStore.Close()

	// 面板凭据加解密
	secretKey := cfg.SecretKey
	if secretKey == "" {
		secretKey, err = secret.GenerateKey()
		if err != nil {
			log.Fatalf("Failed to generate secret key: %v", err)
		}
		log.Println("SECRET_KEY not set, using ephemeral key (panel credentials will not survive restart)")
	}
	box, err := secret.NewBox(secretKey)
	if err != nil {
		log.Fatalf("Invalid SECRET_KEY: %v", err)
	}

	bus := eventbus.New()

	// MongoDB 事件审计（可选）
	if cfg.Mongo.URI != "" {
		trail, err := audit.NewTrail(cfg.Mongo.URI, cfg.Mongo.Name)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer trail.Close()
		bus.Observe(trail.Observer())
		log.Println("Event audit trail enabled (MongoDB)")
	}

	// MinIO 面板配置快照（可选）
	var archiver provision.ConfigArchiver
	if cfg.MinIO.Endpoint != "" {
		objClient, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to connect to MinIO: %v", err)
		}
		if err := objClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("Failed to ensure MinIO bucket: %v", err)
		}
		archiver = objClient
		log.Println("Core config snapshots enabled (MinIO)")
	}

	// 领域服务装配
	agentDialer := fleetagent.DefaultDialer(cfg.FleetAgent.RequestTimeout)
	panelDialer := func(panel *model.Panel) provision.PanelAPI {
		return marzban.NewClient(panel.URL, panel.Token)
	}

	orchestrator := provision.NewOrchestrator(store, bus, agentDialer, getEnv("PROXY_IMAGE", "proxy-market/xray-core:latest"))
	registrar := provision.NewRegistrar(store, box, panelDialer, archiver)
	registrar.Subscribe(bus)

	lifecyclePanels := func(panel *model.Panel) lifecycle.PanelNodeRemover {
		return marzban.NewClient(panel.URL, panel.Token)
	}
	lifecycleSvc := lifecycle.NewService(store, bus, agentDialer, lifecyclePanels, cfg.Billing.SuspensionFloor)
	billingSvc := billing.NewService(store, bus)
	billingCtrl := billing.NewController(store, lifecycleSvc, notify.NewLogNotifier(), cacheStore, cfg.Billing)
	billingCtrl.Subscribe(bus)

	// 节点部署循环
	sshCreds := nodeworker.SSHCredentials{
		PrivateKey: os.Getenv("SSH_PRIVATE_KEY"),
		Password:   os.Getenv("SSH_PASSWORD"),
	}
	apiURL := getEnv("API_PUBLIC_URL", "http://localhost:"+cfg.APIPort)
	worker := nodeworker.New(store, bus, nodeworker.NewSSHInstaller(sshCreds, apiURL), cfg.NodeWorker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	// HTTP
	authCfg := auth.DefaultConfig()
	authCfg.JWTSecret = cfg.JWTSecret
	if !authCfg.Enabled() {
		log.Println("JWT_SECRET not set, API authentication disabled")
	}

	h := server.NewHandler(store, orchestrator, lifecycleSvc, billingSvc, box, cacheStore, authCfg)
	bus.Observe(h.Gateway().Observer())
	bus.Observe(h.Metrics().Observer())

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
