package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"FlowPilot/internal/dispatcher"
	"FlowPilot/internal/driver"
	"FlowPilot/internal/driver/email"
	"FlowPilot/internal/driver/httpcall"
	"FlowPilot/internal/driver/llm"
	"FlowPilot/internal/driver/webfetch"
	"FlowPilot/internal/inbox"
	"FlowPilot/internal/matcher"
	"FlowPilot/internal/orchestrator"
	"FlowPilot/internal/storage/redis"
	"FlowPilot/internal/storage/sqldb"
	"FlowPilot/pkg/logger"
)

// 环境变量前缀，例如 FLOWPILOT_SESSION_STORE=redis。
const envPrefix = "FLOWPILOT"

// Config 描述了 FlowPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Log        LogConfig        `mapstructure:"log"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Session    SessionConfig    `mapstructure:"session"`
	Redis      redis.Config     `mapstructure:"redis"`
	Inbox      InboxConfig      `mapstructure:"inbox"`
	Drivers    DriversConfig    `mapstructure:"drivers"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir         string        `mapstructure:"data_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MetricsAddr 非空时 serve 在该地址暴露 /metrics。
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	OutputPaths []string    `mapstructure:"output_paths"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Logger 转换为 pkg/logger 的配置。
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: append([]string(nil), l.OutputPaths...),
		Audit: logger.AuditConfig{
			Enabled:    l.Audit.Enabled,
			Path:       l.Audit.Path,
			MaxSizeMB:  l.Audit.MaxSizeMB,
			MaxBackups: l.Audit.MaxBackups,
			MaxAgeDays: l.Audit.MaxAgeDays,
			Compress:   l.Audit.Compress,
		},
	}
}

// TemplatesConfig 指定额外的模板文件。Builtin 为 false 时不加载内置模板。
type TemplatesConfig struct {
	Builtin bool     `mapstructure:"builtin"`
	Files   []string `mapstructure:"files"`
}

// MatcherConfig 是排序策略与临时计划合成的配置。
type MatcherConfig struct {
	matcher.Policy `mapstructure:",squash"`
	// AdHoc 启用临时计划合成。
	AdHoc bool `mapstructure:"ad_hoc"`
	// AdHocThreshold 是能力关键词的最低重合度。
	AdHocThreshold float64 `mapstructure:"ad_hoc_threshold"`
}

// DispatcherConfig 是调度器与幂等账本的配置。
type DispatcherConfig struct {
	dispatcher.Config `mapstructure:",squash"`
	// Ledger 取值 memory 或 redis。
	Ledger    string        `mapstructure:"ledger"`
	LedgerTTL time.Duration `mapstructure:"ledger_ttl"`
}

// SessionConfig 选择会话存储并配置会话生命周期。
type SessionConfig struct {
	orchestrator.Config `mapstructure:",squash"`
	// Store 取值 memory、sql 或 redis。
	Store string       `mapstructure:"store"`
	SQL   sqldb.Config `mapstructure:"sql"`
}

// InboxConfig 配置消息入口。
type InboxConfig struct {
	// Driver 取值 memory、redis 或 rabbitmq。
	Driver         string               `mapstructure:"driver"`
	Workers        int                  `mapstructure:"workers"`
	Queue          string               `mapstructure:"queue"`
	ReplyQueue     string               `mapstructure:"reply_queue"`
	BlockWait      time.Duration        `mapstructure:"block_wait"`
	MessageTimeout time.Duration        `mapstructure:"message_timeout"`
	RabbitMQ       inbox.RabbitMQConfig `mapstructure:"rabbitmq"`
}

// DriversConfig 配置各能力驱动。未启用的驱动不会注册。
type DriversConfig struct {
	Policy   driver.Policy  `mapstructure:"policy"`
	Email    EmailConfig    `mapstructure:"email"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	WebFetch WebFetchConfig `mapstructure:"webfetch"`
	SQL      SQLConfig      `mapstructure:"sql"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Chain    ChainConfig    `mapstructure:"chain"`
	MQ       MQConfig       `mapstructure:"mq"`
}

// EmailConfig 配置 email_send。
type EmailConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	From    string           `mapstructure:"from"`
	SMTP    email.SMTPConfig `mapstructure:"smtp"`
}

// HTTPConfig 配置 http_request 与 http_get。
type HTTPConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	httpcall.Config `mapstructure:",squash"`
}

// WebFetchConfig 配置 web_fetch。
type WebFetchConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	webfetch.Config `mapstructure:",squash"`
}

// SQLConfig 配置 db_query 与 db_exec。
type SQLConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	sqldb.Config `mapstructure:",squash"`
	MaxRows      int `mapstructure:"max_rows"`
}

// TasksConfig 配置 task_create 使用的任务库。
type TasksConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	sqldb.Config `mapstructure:",squash"`
}

// LLMConfig 配置 llm_generate 与 llm_summarize。Provider 为空时不注册。
type LLMConfig struct {
	Provider  string              `mapstructure:"provider"`
	OpenAI    llm.OpenAIConfig    `mapstructure:"openai"`
	Anthropic llm.AnthropicConfig `mapstructure:"anthropic"`
	// Chat 为 true 时用同一模型回复闲聊消息。
	Chat bool `mapstructure:"chat"`
}

// ChainConfig 配置链上只读查询。RPCURL 为空时不注册。
type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	Network string `mapstructure:"network"`
}

// MQConfig 配置 mq_publish。URL 为空时不注册。
type MQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// AlertingConfig 配置告警渠道。日志渠道始终启用。
type AlertingConfig struct {
	Email EmailAlertConfig `mapstructure:"email"`
}

// EmailAlertConfig 通过 email 驱动发送告警邮件。
type EmailAlertConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	To            []string `mapstructure:"to"`
	SubjectPrefix string   `mapstructure:"subject_prefix"`
}

// Load 解析配置文件并叠加环境变量。path 为空或文件不存在时只使用默认值。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("解析配置失败: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 注册默认值。只有 viper 已知的键才能被环境变量覆盖。
func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.data_dir", "data")
	v.SetDefault("runtime.shutdown_timeout", 30*time.Second)
	v.SetDefault("runtime.metrics_addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.audit.enabled", false)
	v.SetDefault("log.audit.path", "")
	v.SetDefault("templates.builtin", true)
	v.SetDefault("matcher.threshold", 0.3)
	v.SetDefault("matcher.boost_weight", 0.3)
	v.SetDefault("matcher.ad_hoc", true)
	v.SetDefault("matcher.ad_hoc_threshold", 0.5)
	v.SetDefault("dispatcher.max_parallel", 4)
	v.SetDefault("dispatcher.default_timeout", 30*time.Second)
	v.SetDefault("dispatcher.max_timeout", 5*time.Minute)
	v.SetDefault("dispatcher.ledger", "memory")
	v.SetDefault("dispatcher.ledger_ttl", 7*24*time.Hour)
	v.SetDefault("session.store", "memory")
	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.archive_ttl", 24*time.Hour)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.sql.driver", "")
	v.SetDefault("session.sql.dsn", "")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.key_prefix", redis.DefaultPrefix)
	v.SetDefault("inbox.driver", "memory")
	v.SetDefault("inbox.workers", 4)
	v.SetDefault("inbox.rabbitmq.url", "")
	v.SetDefault("drivers.email.enabled", false)
	v.SetDefault("drivers.email.smtp.host", "")
	v.SetDefault("drivers.email.smtp.password", "")
	v.SetDefault("drivers.http.enabled", true)
	v.SetDefault("drivers.webfetch.enabled", true)
	v.SetDefault("drivers.sql.enabled", false)
	v.SetDefault("drivers.sql.dsn", "")
	v.SetDefault("drivers.tasks.enabled", true)
	v.SetDefault("drivers.llm.provider", "")
	v.SetDefault("drivers.llm.openai.api_key", "")
	v.SetDefault("drivers.llm.anthropic.api_key", "")
	v.SetDefault("drivers.chain.rpc_url", "")
	v.SetDefault("drivers.mq.url", "")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并把相对路径解析到配置目录。
func (c *Config) applyDefaults(baseDir string) {
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	if c.Runtime.ShutdownTimeout <= 0 {
		c.Runtime.ShutdownTimeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path, "")
	}

	for i, f := range c.Templates.Files {
		c.Templates.Files[i] = resolve(baseDir, f, "")
	}

	c.Dispatcher.Ledger = strings.ToLower(strings.TrimSpace(c.Dispatcher.Ledger))
	if c.Dispatcher.Ledger == "" {
		c.Dispatcher.Ledger = "memory"
	}

	c.Session.Store = strings.ToLower(strings.TrimSpace(c.Session.Store))
	if c.Session.Store == "" {
		c.Session.Store = "memory"
	}
	if c.Session.Store == "sql" {
		c.Session.SQL = c.sqlite(c.Session.SQL, "sessions.db")
	}

	c.Inbox.Driver = strings.ToLower(strings.TrimSpace(c.Inbox.Driver))
	if c.Inbox.Driver == "" {
		c.Inbox.Driver = "memory"
	}
	if c.Inbox.Workers <= 0 {
		c.Inbox.Workers = 4
	}

	if c.Drivers.Tasks.Enabled {
		c.Drivers.Tasks.Config = c.sqlite(c.Drivers.Tasks.Config, "tasks.db")
	}
	if c.Drivers.Email.From == "" {
		c.Drivers.Email.From = "flowpilot@localhost"
	}
	c.Drivers.LLM.Provider = strings.ToLower(strings.TrimSpace(c.Drivers.LLM.Provider))
}

// sqlite 在未填写 DSN 时使用数据目录下的 SQLite 文件。
func (c *Config) sqlite(cfg sqldb.Config, file string) sqldb.Config {
	if strings.TrimSpace(cfg.DSN) != "" {
		if cfg.Driver == "" {
			cfg.Driver = string(sqldb.MySQL)
		}
		return cfg
	}
	cfg.Driver = string(sqldb.SQLite)
	cfg.DSN = filepath.Join(c.Runtime.DataDir, file)
	return cfg
}

// Validate 检查取值组合是否可用。
func (c *Config) Validate() error {
	switch c.Session.Store {
	case "memory", "sql":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("session.store=redis 需要配置 redis.address")
		}
	default:
		return fmt.Errorf("不支持的会话存储: %s", c.Session.Store)
	}
	switch c.Dispatcher.Ledger {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("dispatcher.ledger=redis 需要配置 redis.address")
		}
	default:
		return fmt.Errorf("不支持的幂等账本: %s", c.Dispatcher.Ledger)
	}
	switch c.Inbox.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("inbox.driver=redis 需要配置 redis.address")
		}
	case "rabbitmq":
		if c.Inbox.RabbitMQ.URL == "" {
			return errors.New("inbox.driver=rabbitmq 需要配置 inbox.rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的消息入口: %s", c.Inbox.Driver)
	}
	switch c.Drivers.LLM.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("不支持的 LLM provider: %s", c.Drivers.LLM.Provider)
	}
	if c.Alerting.Email.Enabled && !c.Drivers.Email.Enabled {
		return errors.New("alerting.email 需要启用 drivers.email")
	}
	return nil
}

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
