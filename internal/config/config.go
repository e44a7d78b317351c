package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述编排引擎在启动阶段需要加载的核心配置。
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Registry RegistryConfig  `yaml:"registry"`
	Storage  StorageConfig   `yaml:"storage"`
	Provider ProviderConfig  `yaml:"provider"`
	Prompt   PromptConfig    `yaml:"prompt"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Outbox   OutboxConfig    `yaml:"outbox"`
	Notify   NotifyConfig    `yaml:"notify"`
	Services []ServiceConfig `yaml:"services"`
}

// LoggingConfig 控制进程日志与审计日志通道。
type LoggingConfig struct {
	Level       string           `yaml:"level"`
	Format      string           `yaml:"format"`
	OutputPaths []string         `yaml:"output_paths"`
	Audit       AuditLogConfig   `yaml:"audit"`
}

// AuditLogConfig 控制独立的审计日志文件。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RegistryConfig 控制各身份注册表的冲突策略。
type RegistryConfig struct {
	// Policy 取 strict 或 lenient。
	Policy string `yaml:"policy"`
}

// StorageConfig 统一描述持久化后端的连接信息。
type StorageConfig struct {
	// Driver 取 memory 或 mysql。
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
	// AuditCapacity 限制内存审计存储的条目数，零值不限制。
	AuditCapacity int `yaml:"audit_capacity"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最大存活时间。
func (c MySQLConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (c MySQLConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second
}

// ProviderConfig 描述默认供应商的调用方式。
type ProviderConfig struct {
	// Driver 目前支持 openai。
	Driver string       `yaml:"driver"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容端点。密钥可以来自配置或环境变量。
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回单次调用超时。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 按配置项、环境变量的顺序取密钥。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// PromptConfig 控制内置修饰器的行为。
type PromptConfig struct {
	BaseInstruction string `yaml:"base_instruction"`
	HistoryDepth    int    `yaml:"history_depth"`
}

// DispatchConfig 是进程级派发默认值与队列后端配置。
type DispatchConfig struct {
	// DefaultMode 取 sync 或 async。
	DefaultMode     string      `yaml:"default_mode"`
	DefaultBackend  string      `yaml:"default_backend"`
	Priority        int         `yaml:"priority"`
	RunAfterSeconds int         `yaml:"run_after_seconds"`
	MaxRetries      int         `yaml:"max_retries"`
	Workers         int         `yaml:"workers"`
	Queue           QueueConfig `yaml:"queue"`
}

// RunAfter 返回进程级的延迟执行时长。
func (c DispatchConfig) RunAfter() time.Duration {
	if c.RunAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RunAfterSeconds) * time.Second
}

// QueueConfig 描述异步执行单元使用的队列后端。
type QueueConfig struct {
	// Driver 取 memory、redis 或 rabbitmq。
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// OutboxConfig 控制发件箱中继。
type OutboxConfig struct {
	RelayIntervalSeconds int `yaml:"relay_interval_seconds"`
	Batch                int `yaml:"batch"`
}

// RelayInterval 返回中继轮询间隔。
func (c OutboxConfig) RelayInterval() time.Duration {
	if c.RelayIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.RelayIntervalSeconds) * time.Second
}

// NotifyConfig 描述出站通知通道。
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig 描述 webhook 投递端点，Endpoint 为空时不启用。
type WebhookConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回投递超时。
func (c WebhookConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ServiceConfig 是一条服务定义的声明式描述。
type ServiceConfig struct {
	// Key 是服务键，形如 "ns.name" 或 "ns.service.name"。
	Key    string   `yaml:"key"`
	Recipe []string `yaml:"recipe"`
	// Provider 指向供应商注册身份，形如 "ns.name"，空值用全局默认。
	Provider       string                 `yaml:"provider"`
	CodecKind      string                 `yaml:"codec_kind"`
	Model          string                 `yaml:"model"`
	Schema         *SchemaConfig          `yaml:"schema"`
	Dispatch       ServiceDispatchConfig  `yaml:"dispatch"`
	TimeoutSeconds int                    `yaml:"timeout_seconds"`
}

// Timeout 返回单次供应商调用超时。
func (c ServiceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchemaConfig 声明服务的结构化输出 schema。
type SchemaConfig struct {
	Strict bool                   `yaml:"strict"`
	Fields map[string]FieldConfig `yaml:"fields"`
}

// FieldConfig 声明 schema 中的一个字段。
type FieldConfig struct {
	Type        string `yaml:"type"`
	// Presence 取 always、optional、when_initial 或 disabled。
	Presence    string `yaml:"presence"`
	Description string `yaml:"description"`
	Items       string `yaml:"items"`
}

// ServiceDispatchConfig 是服务级派发策略。
type ServiceDispatchConfig struct {
	RequireEnqueue  bool   `yaml:"require_enqueue"`
	DefaultMode     string `yaml:"default_mode"`
	Backend         string `yaml:"backend"`
	Priority        int    `yaml:"priority"`
	RunAfterSeconds int    `yaml:"run_after_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
}

// RunAfter 返回服务级的延迟执行时长。
func (c ServiceDispatchConfig) RunAfter() time.Duration {
	if c.RunAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RunAfterSeconds) * time.Second
}

// Load 解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Registry.Policy == "" {
		c.Registry.Policy = "strict"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Provider.Driver == "" {
		c.Provider.Driver = "openai"
	}
	if c.Dispatch.DefaultMode == "" {
		c.Dispatch.DefaultMode = "sync"
	}
	if c.Dispatch.DefaultBackend == "" {
		c.Dispatch.DefaultBackend = "memory"
	}
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 2
	}
	if c.Dispatch.Queue.Driver == "" {
		c.Dispatch.Queue.Driver = "memory"
	}
	if c.Dispatch.Queue.Size <= 0 {
		c.Dispatch.Queue.Size = 1024
	}
	if c.Outbox.Batch <= 0 {
		c.Outbox.Batch = 32
	}
	if c.Prompt.HistoryDepth <= 0 {
		c.Prompt.HistoryDepth = 5
	}
}

// validate 拦截无法在运行期纠正的配置错误。
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return errors.New("storage.driver 为 mysql 时必须提供 storage.mysql.dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Dispatch.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Dispatch.Queue.Redis.Address) == "" {
			return errors.New("queue.driver 为 redis 时必须提供 redis.address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Dispatch.Queue.RabbitMQ.URL) == "" {
			return errors.New("queue.driver 为 rabbitmq 时必须提供 rabbitmq.url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Dispatch.Queue.Driver)
	}

	switch c.Dispatch.DefaultMode {
	case "sync", "async":
	default:
		return fmt.Errorf("未知的派发方式: %s", c.Dispatch.DefaultMode)
	}

	for _, svc := range c.Services {
		if strings.TrimSpace(svc.Key) == "" {
			return errors.New("服务定义缺少 key")
		}
		if len(svc.Recipe) == 0 {
			return fmt.Errorf("服务 %s 缺少提示词配方", svc.Key)
		}
	}
	return nil
}
