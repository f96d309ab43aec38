package config

import (
	"fmt"
	"strings"
	"time"

	"audittrail/internal/classify"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置（dead-letter 队列与后台任务调度）
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// AuditConfig 审计子系统配置
type AuditConfig struct {
	Capture   CaptureConfig   `mapstructure:"capture"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Store     StoreConfig     `mapstructure:"store"`
	Retention RetentionConfig `mapstructure:"retention"`
	System    SystemConfig    `mapstructure:"system"`
}

// CaptureConfig 事件采集配置
type CaptureConfig struct {
	QueueSize        int      `mapstructure:"queue_size"`        // 每个适配器的有界队列容量
	DropPolicy       string   `mapstructure:"drop_policy"`       // drop_oldest, reject_newest
	FrontendBatch    int      `mapstructure:"frontend_batch"`    // 前端事件批量大小
	FrontendInterval string   `mapstructure:"frontend_interval"` // 前端刷新间隔（如 "5s"）
	SensitiveHeaders []string `mapstructure:"sensitive_headers"` // 额外需要脱敏的请求头
	SensitivePaths   []string `mapstructure:"sensitive_paths"`   // 请求体中需要递归脱敏的字段名
	CaptureBodies    bool     `mapstructure:"capture_bodies"`    // 是否采集请求/响应体
	MaxBodyBytes     int      `mapstructure:"max_body_bytes"`    // 采集体的大小上限
}

// ProcessorConfig 处理器配置
type ProcessorConfig struct {
	Workers      int    `mapstructure:"workers"`       // 工作协程数，0 表示按 CPU 数
	QueueSize    int    `mapstructure:"queue_size"`    // 每个分片队列容量
	MaxRetries   int    `mapstructure:"max_retries"`   // 持久化重试次数
	RetryBackoff string `mapstructure:"retry_backoff"` // 初始退避（如 "100ms"）
	HashSaltEnv  string `mapstructure:"hash_salt_env"` // 哈希盐的环境变量名
}

// StoreConfig 存储配置
type StoreConfig struct {
	ArchivePath   string `mapstructure:"archive_path"`   // 冷归档目录
	ArchiveBefore bool   `mapstructure:"archive_before"` // 删除分区前是否先归档
	CompressLevel int    `mapstructure:"compress_level"` // gzip 压缩级别 (1-9)
}

// RetentionConfig 保留期配置（按 PII 类型覆盖默认值，单位：天）
type RetentionConfig struct {
	Credential   int `mapstructure:"credential"`
	Financial    int `mapstructure:"financial"` // ssn / creditCard
	Sensitive    int `mapstructure:"sensitive"` // 其余敏感类型
	NonSensitive int `mapstructure:"non_sensitive"`
}

// Policy 转换为分类器的保留期策略，未设置的字段由分类器回退默认值
func (r RetentionConfig) Policy() classify.RetentionPolicy {
	return classify.RetentionPolicy{
		Credential:   r.Credential,
		Financial:    r.Financial,
		Sensitive:    r.Sensitive,
		NonSensitive: r.NonSensitive,
	}
}

// SystemConfig 系统事件适配器配置
type SystemConfig struct {
	SnapshotInterval string  `mapstructure:"snapshot_interval"` // 配置快照间隔（如 "1m"）
	MemoryThreshold  float64 `mapstructure:"memory_threshold"`  // 内存占用率告警阈值 (0-1)
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// setDefaults 设置审计子系统默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("audit.capture.queue_size", 4096)
	v.SetDefault("audit.capture.drop_policy", "drop_oldest")
	v.SetDefault("audit.capture.frontend_batch", 50)
	v.SetDefault("audit.capture.frontend_interval", "5s")
	v.SetDefault("audit.capture.max_body_bytes", 64*1024)
	v.SetDefault("audit.processor.queue_size", 1024)
	v.SetDefault("audit.processor.max_retries", 5)
	v.SetDefault("audit.processor.retry_backoff", "100ms")
	v.SetDefault("audit.processor.hash_salt_env", "APP_AUDIT_HASH_SALT")
	v.SetDefault("audit.store.compress_level", 6)
	v.SetDefault("audit.retention.credential", 90)
	v.SetDefault("audit.retention.financial", 365)
	v.SetDefault("audit.retention.sensitive", 1095)
	v.SetDefault("audit.retention.non_sensitive", 2555)
	v.SetDefault("audit.system.snapshot_interval", "1m")
	v.SetDefault("audit.system.memory_threshold", 0.85)
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// FrontendFlushInterval 解析前端刷新间隔，非法值退回 5 秒
func (c *CaptureConfig) FrontendFlushInterval() time.Duration {
	d, err := time.ParseDuration(c.FrontendInterval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// SnapshotEvery 解析配置快照间隔，非法值退回 1 分钟
func (c *SystemConfig) SnapshotEvery() time.Duration {
	d, err := time.ParseDuration(c.SnapshotInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// Backoff 解析处理器初始退避，非法值退回 100ms
func (c *ProcessorConfig) Backoff() time.Duration {
	d, err := time.ParseDuration(c.RetryBackoff)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}
