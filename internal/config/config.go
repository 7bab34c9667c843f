package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMCP-Relay/pkg/logger"
)

// DefaultPath 是未设置 RELAY_CONFIG 时读取的配置文件。
const DefaultPath = "configs/relay.yaml"

// Config 描述 relayd 启动时加载的全部配置。
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Runner  RunnerConfig  `yaml:"runner" json:"runner"`
	Logging logger.Config `yaml:"logging" json:"logging"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Audit   AuditConfig   `yaml:"audit" json:"audit"`
	Trust   TrustConfig   `yaml:"trust" json:"trust"`
	Secrets SecretsConfig `yaml:"secrets" json:"secrets"`
	Tools   ToolsConfig   `yaml:"tools" json:"tools"`
	LLM     LLMConfig     `yaml:"llm" json:"llm"`
}

// ServerConfig 控制网关与 runner 的监听地址。
type ServerConfig struct {
	GatewayAddress         string `yaml:"gateway_address" json:"gateway_address"`
	RunnerAddress          string `yaml:"runner_address" json:"runner_address"`
	ActorAddress           string `yaml:"actor_address" json:"actor_address"`
	// ActorHostURL 非空时网关把 actor 请求转发到独立的 actor 服务。
	ActorHostURL           string `yaml:"actor_host_url" json:"actor_host_url"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// RunnerConfig 控制 agent 执行循环。
type RunnerConfig struct {
	MaxSteps    int `yaml:"max_steps" json:"max_steps"`
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
}

// StorageConfig 选择目录数据与 actor 状态的存储后端。
type StorageConfig struct {
	// Driver 取值 memory 或 mysql。
	Driver string      `yaml:"driver" json:"driver"`
	MySQL  MySQLConfig `yaml:"mysql" json:"mysql"`
	// SeedPath 指向 memory 驱动使用的 YAML 目录种子文件，可为空。
	SeedPath string `yaml:"seed_path" json:"seed_path"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `yaml:"dsn" json:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds" json:"conn_max_lifetime_seconds"`
}

// CacheConfig 描述两级解析缓存。
type CacheConfig struct {
	// Driver 决定 Tier 2 的实现：memory 或 redis。
	Driver     string         `yaml:"driver" json:"driver"`
	TTLSeconds int            `yaml:"ttl_seconds" json:"ttl_seconds"`
	Redis      RedisConfig    `yaml:"redis" json:"redis"`
	Capacity   CapacityConfig `yaml:"capacity" json:"capacity"`
}

// TTL 返回缓存的统一过期时间。
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// CapacityConfig 是各资源 Tier 1 的最大条目数。
type CapacityConfig struct {
	Agents     int `yaml:"agents" json:"agents"`
	Models     int `yaml:"models" json:"models"`
	Secrets    int `yaml:"secrets" json:"secrets"`
	MCPServers int `yaml:"mcp_servers" json:"mcp_servers"`
}

// AuditConfig 控制审计事件的去向。日志输出始终开启。
type AuditConfig struct {
	MySQL    bool           `yaml:"mysql" json:"mysql"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// RabbitMQConfig 描述审计事件的 RabbitMQ 投递。
type RabbitMQConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	URL        string `yaml:"url" json:"url"`
	Exchange   string `yaml:"exchange" json:"exchange"`
	RoutingKey string `yaml:"routing_key" json:"routing_key"`
}

// TrustConfig 包含签名密钥与各类令牌的有效期。
type TrustConfig struct {
	// SigningKey 是编排器的 Ed25519 私钥（base64url）。
	SigningKey string `yaml:"signing_key" json:"signing_key"`
	// OrchestratorPublicKey 供 runner 校验会话证书。
	OrchestratorPublicKey  string `yaml:"orchestrator_public_key" json:"orchestrator_public_key"`
	RoutingTokenTTLSeconds int    `yaml:"routing_token_ttl_seconds" json:"routing_token_ttl_seconds"`
	AgentAccessTTLSeconds  int    `yaml:"agent_access_ttl_seconds" json:"agent_access_ttl_seconds"`
	// InfraPublicKeys 为调用 /infra 接口的应用公钥，key 为应用名。为空时不校验。
	InfraPublicKeys map[string]string `yaml:"infra_public_keys" json:"infra_public_keys"`
}

// RoutingTokenTTL 返回路由令牌有效期。
func (t TrustConfig) RoutingTokenTTL() time.Duration {
	return time.Duration(t.RoutingTokenTTLSeconds) * time.Second
}

// AgentAccessTTL 返回 agent 访问令牌有效期。
func (t TrustConfig) AgentAccessTTL() time.Duration {
	return time.Duration(t.AgentAccessTTLSeconds) * time.Second
}

// SecretsConfig 描述密文的主密钥。
type SecretsConfig struct {
	MasterKey string `yaml:"master_key" json:"master_key"`
}

// ToolsConfig 是工具调用的默认限制。
type ToolsConfig struct {
	HTTPTimeoutSeconds   int `yaml:"http_timeout_seconds" json:"http_timeout_seconds"`
	HTTPMaxResponseChars int `yaml:"http_max_response_chars" json:"http_max_response_chars"`
	MCPTimeoutSeconds    int `yaml:"mcp_timeout_seconds" json:"mcp_timeout_seconds"`
}

// LLMConfig 是模型调用的默认参数，模型记录中的字段优先。
type LLMConfig struct {
	Provider       string `yaml:"provider" json:"provider"`
	BaseURL        string `yaml:"base_url" json:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	// PythonScript 非空时注册 provider "python"，通过本地脚本调用自托管模型。
	PythonExec     string `yaml:"python_exec" json:"python_exec"`
	PythonScript   string `yaml:"python_script" json:"python_script"`
}

// Load 按 RELAY_CONFIG 或 DefaultPath 读取配置。文件不存在时只使用默认值与环境变量。
func Load() (*Config, error) {
	path := strings.TrimSpace(os.Getenv("RELAY_CONFIG"))
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	cfg, err := LoadFile(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		cfg.applyEnv()
		cfg.applyDefaults(".")
		return cfg, nil
	}
	return nil, err
}

// LoadFile 解析指定路径的 YAML 或 JSON 配置文件。
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(content, &cfg)
	} else {
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyEnv 允许通过环境变量注入密钥材料与连接串，优先级高于文件。
func (c *Config) applyEnv() {
	setString(&c.Trust.SigningKey, "RELAY_SIGNING_KEY")
	setString(&c.Trust.OrchestratorPublicKey, "RELAY_ORCHESTRATOR_PUBLIC_KEY")
	setString(&c.Secrets.MasterKey, "RELAY_SECRETS_MASTER_KEY")
	if setString(&c.Storage.MySQL.DSN, "RELAY_MYSQL_DSN") && c.Storage.Driver == "" {
		c.Storage.Driver = "mysql"
	}
	if setString(&c.Cache.Redis.Address, "RELAY_REDIS_ADDR") && c.Cache.Driver == "" {
		c.Cache.Driver = "redis"
	}
	setString(&c.Audit.RabbitMQ.URL, "RELAY_RABBITMQ_URL")
	if v := strings.TrimSpace(os.Getenv("RELAY_CACHE_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.TTLSeconds = n
		}
	}
}

func setString(dst *string, key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	*dst = v
	return true
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.GatewayAddress == "" {
		c.Server.GatewayAddress = ":8080"
	}
	if c.Server.RunnerAddress == "" {
		c.Server.RunnerAddress = ":8090"
	}
	if c.Server.ActorAddress == "" {
		c.Server.ActorAddress = ":8070"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Runner.MaxSteps <= 0 {
		c.Runner.MaxSteps = 4
	}
	if c.Runner.EventBuffer <= 0 {
		c.Runner.EventBuffer = 32
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 10
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}
	if c.Storage.MySQL.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.MySQL.ConnMaxLifetimeSeconds = 300
	}
	if c.Storage.SeedPath != "" && !filepath.IsAbs(c.Storage.SeedPath) {
		c.Storage.SeedPath = filepath.Join(baseDir, c.Storage.SeedPath)
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 300
	}
	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = "relay"
	}
	capacity := &c.Cache.Capacity
	for _, v := range []*int{&capacity.Agents, &capacity.Models, &capacity.Secrets, &capacity.MCPServers} {
		if *v <= 0 {
			*v = 500
		}
	}

	if c.Audit.RabbitMQ.Exchange == "" {
		c.Audit.RabbitMQ.Exchange = "relay.audit"
	}
	if c.Audit.RabbitMQ.RoutingKey == "" {
		c.Audit.RabbitMQ.RoutingKey = "audit.event"
	}

	if c.Trust.RoutingTokenTTLSeconds <= 0 {
		c.Trust.RoutingTokenTTLSeconds = 300
	}
	if c.Trust.AgentAccessTTLSeconds <= 0 {
		c.Trust.AgentAccessTTLSeconds = 60
	}

	if c.Tools.HTTPTimeoutSeconds <= 0 {
		c.Tools.HTTPTimeoutSeconds = 10
	}
	if c.Tools.HTTPMaxResponseChars <= 0 {
		c.Tools.HTTPMaxResponseChars = 20000
	}
	if c.Tools.MCPTimeoutSeconds <= 0 {
		c.Tools.MCPTimeoutSeconds = 30
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.LLM.PythonScript != "" && !filepath.IsAbs(c.LLM.PythonScript) {
		c.LLM.PythonScript = filepath.Join(baseDir, c.LLM.PythonScript)
	}

	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}
