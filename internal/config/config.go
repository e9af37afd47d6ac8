package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了验证引擎在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Model     ModelConfig     `json:"model"`
	Ledger    LedgerConfig    `json:"ledger"`
	Verifier  VerifierConfig  `json:"verifier"`
	Consensus ConsensusConfig `json:"consensus"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Alerting  AlertingConfig  `json:"alerting"`
	Plugins   PluginConfig    `json:"plugins"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 描述 API 服务的监听参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 集中存放各持久化后端的连接信息。
type StorageConfig struct {
	AgentStore StoreConfig `json:"agent_store"`
	TaskStore  StoreConfig `json:"task_store"`
	History    StoreConfig `json:"history"`
	Cache      CacheConfig `json:"cache"`
}

// StoreConfig 描述一个可切换驱动的持久化后端。
type StoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int64  `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int64  `json:"conn_max_idle_time_seconds"`
	Retries                int    `json:"retries"`
}

// CacheConfig 描述验证结果缓存。memory 驱动在进程内做 LRU，
// redis 驱动在多副本之间共享结果。
type CacheConfig struct {
	Driver     string      `json:"driver"`
	Size       int         `json:"size"`
	TTLSeconds int64       `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// RedisConfig 描述一个 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// TaskQueueConfig 描述验证任务队列。
type TaskQueueConfig struct {
	Driver   string              `json:"driver"`
	Worker   int                 `json:"worker"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述基于 Redis List 的队列。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int64  `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ModelConfig 用于配置模型评审通道的调用方式。
type ModelConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// Timeout 返回请求超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LedgerConfig 描述证明锚定的账本。memory 驱动在进程内记账，
// ethereum 驱动通过 ChainConfig 指向的多链定义接入真实网络。
type LedgerConfig struct {
	Driver       string `json:"driver"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// VerifierConfig 控制受验证执行的行为。
type VerifierConfig struct {
	Method         string `json:"method"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
	Identity       string `json:"identity"`
}

// Timeout 返回单次执行的时间上限。
func (c VerifierConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConsensusConfig 控制多验证者投票的聚合参数。
type ConsensusConfig struct {
	MinVotes  int `json:"min_votes"`
	Tolerance int `json:"tolerance"`
}

// KnowledgeConfig 描述知识库检测器的数据来源。
type KnowledgeConfig struct {
	Source      string `json:"source"`
	MaxFindings int    `json:"max_findings"`
}

// AuthConfig 控制 API 鉴权。
type AuthConfig struct {
	Enabled         bool   `json:"enabled"`
	Mode            string `json:"mode"`
	TokenSecret     string `json:"token_secret"`
	TokenSecretEnv  string `json:"token_secret_env"`
	TokenTTLSeconds int64  `json:"token_ttl_seconds"`
	SeedFile        string `json:"seed_file"`
	Store           string `json:"store"`
	DSN             string `json:"dsn"`
}

// LoggingConfig 描述日志输出方式，字段与 pkg/logger 一一对应。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制独立的审计日志流。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig 控制指标暴露端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 控制验证异常的告警投递。
type AlertingConfig struct {
	Enabled           bool   `json:"enabled"`
	Webhook           string `json:"webhook"`
	MinSeverity       string `json:"min_severity"`
	LowTrustThreshold int    `json:"low_trust_threshold"`
}

// PluginConfig 描述外部检测器插件的加载位置。
type PluginConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

// RuntimeConfig 汇集运行时的通用开关。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 读取并解析 path 指向的 JSON 配置。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置路径不能为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 给缺省字段补上默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.AgentStore.Driver == "" {
		c.Storage.AgentStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries == 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Storage.Cache.Driver == "" {
		c.Storage.Cache.Driver = "memory"
	}
	if c.Storage.Cache.Size == 0 {
		c.Storage.Cache.Size = 1024
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}

	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	c.Ledger.ChainConfig = resolvePath(baseDir, c.Ledger.ChainConfig)

	if c.Verifier.Method == "" {
		c.Verifier.Method = "pattern"
	}
	if c.Verifier.TimeoutSeconds == 0 {
		c.Verifier.TimeoutSeconds = 30
	}
	if c.Verifier.Identity == "" {
		c.Verifier.Identity = "agentproof-node"
	}

	if c.Consensus.MinVotes == 0 {
		c.Consensus.MinVotes = 3
	}
	if c.Consensus.Tolerance == 0 {
		c.Consensus.Tolerance = 25
	}

	c.Knowledge.Source = resolvePath(baseDir, c.Knowledge.Source)
	if c.Knowledge.MaxFindings == 0 {
		c.Knowledge.MaxFindings = 3
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "token"
	}
	if c.Auth.TokenTTLSeconds == 0 {
		c.Auth.TokenTTLSeconds = 3600
	}
	if c.Auth.Store == "" {
		c.Auth.Store = "memory"
	}
	c.Auth.SeedFile = resolvePath(baseDir, c.Auth.SeedFile)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}
	if c.Alerting.LowTrustThreshold == 0 {
		c.Alerting.LowTrustThreshold = 40
	}

	c.Plugins.Dir = resolvePath(baseDir, c.Plugins.Dir)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// resolvePath 把相对路径换算到配置文件所在目录，空路径原样保留。
func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
