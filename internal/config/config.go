// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Mongo      MongoConfig      `yaml:"mongo"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Billing    BillingConfig    `yaml:"billing"`
	NodeWorker NodeWorkerConfig `yaml:"node_worker"`
	FleetAgent FleetAgentConfig `yaml:"fleet_agent"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// MongoConfig 事件审计存储配置，URI 为空则不开启审计
type MongoConfig struct {
	URI  string `yaml:"uri"`
	Name string `yaml:"name"`
}

// MinIOConfig 对象存储配置，Endpoint 为空则不做配置快照
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// BillingConfig 计费与余额生命周期配置
type BillingConfig struct {
	// CheckInterval 余额巡检周期
	CheckInterval time.Duration `yaml:"check_interval"`
	// LowBalancePercent 低余额提醒阈值（相对最近一次充值额）
	LowBalancePercent float64 `yaml:"low_balance_percent"`
	// LowBalanceResetPercent 提醒复位阈值，须高于提醒阈值形成滞回区间
	LowBalanceResetPercent float64 `yaml:"low_balance_reset_percent"`
	// DefaultThreshold 提醒阈值的绝对下限（按充值比例算出的阈值不低于此值）
	DefaultThreshold int64 `yaml:"default_threshold"`
	// SuspensionFloor 停机线：可用余额低于此值时系统暂停用户全部实例，
	// 默认 0 表示余额（含信用额度）耗尽才停机
	SuspensionFloor int64 `yaml:"suspension_floor"`
}

// NodeWorkerConfig 节点部署循环配置
type NodeWorkerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	EnrollTokenTTL time.Duration `yaml:"enroll_token_ttl"`
	AgentVersion   string        `yaml:"agent_version"`
}

// FleetAgentConfig 节点 Agent 客户端配置
type FleetAgentConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env         Environment
	DatabaseURL string
	RedisURL    string
	Mongo       MongoConfig
	MinIO       MinIOConfig
	APIPort     string
	JWTSecret   string
	SecretKey   string
	Billing     BillingConfig
	NodeWorker  NodeWorkerConfig
	FleetAgent  FleetAgentConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息
	dbPassword := getEnv("DB_PASSWORD", "market_dev_password")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", yamlCfg.MinIO.AccessKey)
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", yamlCfg.MinIO.SecretKey)

	// 构建最终配置
	cfg := &Config{
		Env:         env,
		DatabaseURL: buildDatabaseURL(yamlCfg.Database, dbPassword),
		RedisURL:    buildRedisURL(yamlCfg.Redis),
		Mongo:       yamlCfg.Mongo,
		MinIO:       yamlCfg.MinIO,
		APIPort:     yamlCfg.Server.Port,
		JWTSecret:   getEnv("JWT_SECRET", ""),
		SecretKey:   getEnv("SECRET_KEY", ""),
		Billing:     yamlCfg.Billing,
		NodeWorker:  yamlCfg.NodeWorker,
		FleetAgent:  yamlCfg.FleetAgent,
	}

	// 验证并填充默认值
	cfg.Billing.validate()
	cfg.NodeWorker.validate()
	cfg.FleetAgent.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, User: "market", Name: "proxy_market", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Mongo:    MongoConfig{Name: "proxy_market"},
		Billing: BillingConfig{
			CheckInterval:          time.Hour,
			LowBalancePercent:      0.05,
			LowBalanceResetPercent: 0.07,
			DefaultThreshold:       10000,
		},
		NodeWorker: NodeWorkerConfig{
			PollInterval:   30 * time.Second,
			EnrollTokenTTL: 15 * time.Minute,
		},
		FleetAgent: FleetAgentConfig{RequestTimeout: 30 * time.Second},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// buildDatabaseURL 构建 PostgreSQL 连接字符串
func buildDatabaseURL(db DatabaseConfig, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, DB: %s, Redis: %s}",
		c.Env, maskPassword(c.DatabaseURL), c.RedisURL)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充计费默认值
//
// 复位阈值必须高于提醒阈值，否则滞回失效、提醒会抖动。
func (b *BillingConfig) validate() {
	if b.CheckInterval == 0 {
		b.CheckInterval = time.Hour
	}
	if b.LowBalancePercent == 0 {
		b.LowBalancePercent = 0.05
	}
	if b.LowBalanceResetPercent <= b.LowBalancePercent {
		b.LowBalanceResetPercent = b.LowBalancePercent + 0.02
	}
	if b.DefaultThreshold == 0 {
		b.DefaultThreshold = 10000
	}
}

// validate 验证并填充节点部署循环默认值
func (w *NodeWorkerConfig) validate() {
	if w.PollInterval == 0 {
		w.PollInterval = 30 * time.Second
	}
	if w.EnrollTokenTTL == 0 {
		w.EnrollTokenTTL = 15 * time.Minute
	}
}

// validate 验证并填充 Agent 客户端默认值
func (f *FleetAgentConfig) validate() {
	if f.RequestTimeout == 0 {
		f.RequestTimeout = 30 * time.Second
	}
}
