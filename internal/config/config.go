/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config provides configuration management for the supervisor.
// config 包提供监督器的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Command line arguments / 命令行参数
// 2. Environment variables (PIPEKEEPER_*) / 环境变量
// 3. Configuration file / 配置文件
// 4. Default values / 默认值
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. PIPEKEEPER_SUPERVISOR_MODE.
const EnvPrefix = "PIPEKEEPER"

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath      = "/etc/pipekeeper/config.yaml"
	DefaultMode            = ModePerpetual
	DefaultPollInterval    = 30 * time.Second
	DefaultHoldLogInterval = 5 * time.Minute
	DefaultConfirmGrace    = 5 * time.Second
	DefaultLogFile         = "/app/logs/pipeline.log"
	DefaultKillGrace       = 10 * time.Second
	DefaultRestartBackoff  = 10 * time.Second
	DefaultDataDir         = "/app/data"
	DefaultLogLevel        = "info"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 3
	DefaultLogMaxAge       = 7 // days
	DefaultHistoryDBName   = "pipekeeper.db"
	DefaultTelemetryTarget = "localhost:4317"
	DefaultServiceName     = "pipekeeper"
	DefaultEventBuffer     = 100
	DefaultRedisChannel    = "pipekeeper:events"
	DefaultRedisPrefix     = "pipekeeper:"
)

// Supervising modes / 监督模式
const (
	ModePerpetual     = "perpetual"
	ModeFireAndForget = "fire-and-forget"
)

// Worker log sink modes / 工作进程日志模式
const (
	LogModeTruncate = "truncate"
	LogModeAppend   = "append"
)

// Restart triggers / 重启触发条件
const (
	RestartOnAlways  = "always"
	RestartOnFailure = "on-failure"
)

// Config represents the supervisor configuration
// Config 表示监督器配置
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	Restart    RestartConfig    `mapstructure:"restart" yaml:"restart"`
	Readiness  ReadinessConfig  `mapstructure:"readiness" yaml:"readiness"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Status     StatusConfig     `mapstructure:"status" yaml:"status"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
}

// SupervisorConfig controls the supervising style and hold behaviour
// SupervisorConfig 控制监督方式以及保持（hold）行为
type SupervisorConfig struct {
	// Mode is perpetual or fire-and-forget
	// Mode 为 perpetual 或 fire-and-forget
	Mode string `mapstructure:"mode" yaml:"mode"`

	// HoldOnFailure keeps the container alive when the supervisor cannot do its job
	// HoldOnFailure 在监督器无法工作时保持容器存活
	HoldOnFailure bool `mapstructure:"hold_on_failure" yaml:"hold_on_failure"`

	// PollInterval is the liveness check period
	// PollInterval 是存活检查周期
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// HoldLogInterval is how often the hold reminder is logged
	// HoldLogInterval 是保持状态下提醒日志的输出间隔
	HoldLogInterval time.Duration `mapstructure:"hold_log_interval" yaml:"hold_log_interval"`

	// ConfirmGrace is the wait before the post-launch liveness confirmation
	// ConfirmGrace 是启动后确认存活之前的等待时间
	ConfirmGrace time.Duration `mapstructure:"confirm_grace" yaml:"confirm_grace"`

	// EnvFile is an optional dotenv file loaded before the readiness gate
	// EnvFile 是在就绪检查之前加载的可选 dotenv 文件
	EnvFile string `mapstructure:"env_file" yaml:"env_file"`
}

// WorkerConfig describes the supervised command
// WorkerConfig 描述被监督的命令
type WorkerConfig struct {
	Command []string `mapstructure:"command" yaml:"command"`
	Dir     string   `mapstructure:"dir" yaml:"dir"`

	// Env holds extra KEY=VALUE entries appended to the inherited environment
	// Env 为追加到继承环境变量之后的 KEY=VALUE 条目
	Env        []string      `mapstructure:"env" yaml:"env"`
	LogFile    string        `mapstructure:"log_file" yaml:"log_file"`
	LogMode    string        `mapstructure:"log_mode" yaml:"log_mode"`
	MaxRuntime time.Duration `mapstructure:"max_runtime" yaml:"max_runtime"`
	KillGrace  time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// RestartConfig is the restart policy
// RestartConfig 是重启策略
type RestartConfig struct {
	// MaxRestarts < 0 means unlimited, 0 means never restart
	// MaxRestarts 小于 0 表示不限次数，0 表示从不重启
	MaxRestarts int           `mapstructure:"max_restarts" yaml:"max_restarts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
	On          string        `mapstructure:"on" yaml:"on"`
}

// RequirementConfig is a single named environment input
// RequirementConfig 是单个环境变量需求
type RequirementConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Fatal bool   `mapstructure:"fatal" yaml:"fatal"`
}

// CredentialConfig locates the credential material
// CredentialConfig 指定凭证的来源
type CredentialConfig struct {
	// Env names the variable holding a base64 blob
	// Env 是保存 base64 内容的环境变量名
	Env string `mapstructure:"env" yaml:"env"`

	// Path is where the decoded credential lives
	// Path 是解码后凭证文件的位置
	Path string `mapstructure:"path" yaml:"path"`

	// Mandatory turns an unavailable credential into a readiness failure
	// Mandatory 为 true 时凭证不可用视为就绪失败
	Mandatory bool `mapstructure:"mandatory" yaml:"mandatory"`
}

// ReadinessConfig lists what must be present before launch
// ReadinessConfig 列出启动前必须具备的条件
type ReadinessConfig struct {
	DataDir      string              `mapstructure:"data_dir" yaml:"data_dir"`
	Required     []string            `mapstructure:"required" yaml:"required"`
	Optional     []string            `mapstructure:"optional" yaml:"optional"`
	Requirements []RequirementConfig `mapstructure:"requirements" yaml:"requirements"`
	Credential   CredentialConfig    `mapstructure:"credential" yaml:"credential"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level" yaml:"level"`

	// Format is json or console
	// Format 为 json 或 console
	Format string `mapstructure:"format" yaml:"format"`

	// File is an optional rotating log file in addition to stdout
	// File 是除标准输出外可选的滚动日志文件
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// HistoryConfig configures the run history database
// HistoryConfig 配置运行历史数据库
type HistoryConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Type       string `mapstructure:"type" yaml:"type"` // sqlite, mysql, postgres
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	Username   string `mapstructure:"username" yaml:"username"`
	Password   string `mapstructure:"password" yaml:"password"`
	Database   string `mapstructure:"database" yaml:"database"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
}

// StatusConfig configures the HTTP status server
// StatusConfig 配置 HTTP 状态服务
type StatusConfig struct {
	// Listen is the bind address; empty disables the server
	// Listen 为监听地址，为空时不启动
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// EventsConfig configures where lifecycle events are published
// EventsConfig 配置生命周期事件的发布目标
type EventsConfig struct {
	// Buffer is how many recent events are kept in memory
	// Buffer 是内存中保留的最近事件数量
	Buffer int         `mapstructure:"buffer" yaml:"buffer"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig contains Redis settings for the event publisher
// RedisConfig 包含事件发布使用的 Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`

	// Channel receives every event via PUBLISH
	// Channel 通过 PUBLISH 接收每个事件
	Channel string `mapstructure:"channel" yaml:"channel"`

	// Prefix is prepended to the keys holding the event list and the last event
	// Prefix 是事件列表与最新事件键的前缀
	Prefix string        `mapstructure:"prefix" yaml:"prefix"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// TelemetryConfig configures OTLP tracing
// TelemetryConfig 配置 OTLP 链路追踪
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	return LoadWithPriority(configPath, nil)
}

// LoadWithPriority loads configuration with explicit priority handling
// LoadWithPriority 使用显式优先级处理加载配置
// Priority: cmdArgs > envVars > configFile > defaults
// 优先级：命令行参数 > 环境变量 > 配置文件 > 默认值
func LoadWithPriority(configPath string, cmdArgs map[string]interface{}) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG_PATH")
	}
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file falls back to defaults, unreadable file is fatal
		// 文件不存在时使用默认值，文件存在但无法读取时报错
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, value := range cmdArgs {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// LoadFromYAML loads configuration from YAML bytes
// LoadFromYAML 从 YAML 字节加载配置
func LoadFromYAML(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.mode", DefaultMode)
	v.SetDefault("supervisor.hold_on_failure", true)
	v.SetDefault("supervisor.poll_interval", DefaultPollInterval)
	v.SetDefault("supervisor.hold_log_interval", DefaultHoldLogInterval)
	v.SetDefault("supervisor.confirm_grace", DefaultConfirmGrace)
	v.SetDefault("supervisor.env_file", "")

	v.SetDefault("worker.command", []string{"python", "pipeline.py"})
	v.SetDefault("worker.dir", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.log_file", DefaultLogFile)
	v.SetDefault("worker.log_mode", LogModeTruncate)
	v.SetDefault("worker.max_runtime", time.Duration(0))
	v.SetDefault("worker.kill_grace", DefaultKillGrace)

	v.SetDefault("restart.max_restarts", -1)
	v.SetDefault("restart.backoff", DefaultRestartBackoff)
	v.SetDefault("restart.on", RestartOnAlways)

	v.SetDefault("readiness.data_dir", DefaultDataDir)
	v.SetDefault("readiness.required", []string{})
	v.SetDefault("readiness.optional", []string{})
	v.SetDefault("readiness.requirements", []RequirementConfig{})
	v.SetDefault("readiness.credential.env", "")
	v.SetDefault("readiness.credential.path", "")
	v.SetDefault("readiness.credential.mandatory", false)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.type", "sqlite")
	v.SetDefault("history.sqlite_path", "")
	v.SetDefault("history.host", "")
	v.SetDefault("history.port", 0)
	v.SetDefault("history.username", "")
	v.SetDefault("history.password", "")
	v.SetDefault("history.database", "")
	v.SetDefault("history.log_level", "silent")

	v.SetDefault("status.listen", "")

	v.SetDefault("events.buffer", DefaultEventBuffer)
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.host", "localhost")
	v.SetDefault("events.redis.port", 6379)
	v.SetDefault("events.redis.username", "")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.pool_size", 5)
	v.SetDefault("events.redis.channel", DefaultRedisChannel)
	v.SetDefault("events.redis.prefix", DefaultRedisPrefix)
	v.SetDefault("events.redis.ttl", 24*time.Hour)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", DefaultTelemetryTarget)
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", DefaultServiceName)
}

// normalize expands list shorthands and derives dependent defaults
// normalize 展开列表简写并推导相关默认值
func (c *Config) normalize() {
	c.Readiness.Required = SplitList(c.Readiness.Required)
	c.Readiness.Optional = SplitList(c.Readiness.Optional)
	c.Worker.LogMode = strings.ToLower(strings.TrimSpace(c.Worker.LogMode))
	c.Supervisor.Mode = strings.ToLower(strings.TrimSpace(c.Supervisor.Mode))
	c.Restart.On = strings.ToLower(strings.TrimSpace(c.Restart.On))
	if c.History.Type == "sqlite" && c.History.SQLitePath == "" {
		c.History.SQLitePath = filepath.Join(c.Readiness.DataDir, DefaultHistoryDBName)
	}
}

// SplitList flattens entries that hold several names separated by commas
// or whitespace, as produced by environment variables.
// SplitList 将以逗号或空白分隔的多个名称展开为列表。
func SplitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, name := range strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			out = append(out, name)
		}
	}
	return out
}

// Requirements returns every declared requirement in declaration order:
// required names first, then optional names, then structured entries.
// Requirements 按声明顺序返回所有环境需求。
func (c *Config) Requirements() []RequirementConfig {
	reqs := make([]RequirementConfig, 0,
		len(c.Readiness.Required)+len(c.Readiness.Optional)+len(c.Readiness.Requirements))
	for _, name := range c.Readiness.Required {
		reqs = append(reqs, RequirementConfig{Name: name, Fatal: true})
	}
	for _, name := range c.Readiness.Optional {
		reqs = append(reqs, RequirementConfig{Name: name, Fatal: false})
	}
	reqs = append(reqs, c.Readiness.Requirements...)
	return reqs
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Supervisor.Mode {
	case ModePerpetual, ModeFireAndForget:
	default:
		return fmt.Errorf("invalid supervisor.mode: %q (must be %s or %s)", c.Supervisor.Mode, ModePerpetual, ModeFireAndForget)
	}

	if c.Supervisor.PollInterval < time.Second {
		return errors.New("supervisor.poll_interval must be at least 1 second")
	}
	if c.Supervisor.HoldLogInterval <= 0 {
		return errors.New("supervisor.hold_log_interval must be positive")
	}
	if c.Supervisor.ConfirmGrace < 0 {
		return errors.New("supervisor.confirm_grace must not be negative")
	}

	if len(c.Worker.Command) == 0 || strings.TrimSpace(c.Worker.Command[0]) == "" {
		return errors.New("worker.command is required")
	}
	if c.Worker.LogFile == "" {
		return errors.New("worker.log_file is required")
	}
	switch c.Worker.LogMode {
	case LogModeTruncate, LogModeAppend:
	default:
		return fmt.Errorf("invalid worker.log_mode: %q (must be %s or %s)", c.Worker.LogMode, LogModeTruncate, LogModeAppend)
	}
	if c.Worker.MaxRuntime < 0 {
		return errors.New("worker.max_runtime must not be negative")
	}
	if c.Worker.KillGrace < 0 {
		return errors.New("worker.kill_grace must not be negative")
	}
	for _, kv := range c.Worker.Env {
		if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
			return fmt.Errorf("invalid worker.env entry: %q (must be KEY=VALUE)", kv)
		}
	}

	switch c.Restart.On {
	case RestartOnAlways, RestartOnFailure:
	default:
		return fmt.Errorf("invalid restart.on: %q (must be %s or %s)", c.Restart.On, RestartOnAlways, RestartOnFailure)
	}
	if c.Restart.Backoff < 0 {
		return errors.New("restart.backoff must not be negative")
	}

	seen := make(map[string]bool)
	for _, req := range c.Requirements() {
		if strings.TrimSpace(req.Name) == "" {
			return errors.New("readiness requirement with empty name")
		}
		if seen[req.Name] {
			return fmt.Errorf("duplicate readiness requirement: %s", req.Name)
		}
		seen[req.Name] = true
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	if c.History.Enabled {
		switch c.History.Type {
		case "sqlite", "mysql", "postgres":
		default:
			return fmt.Errorf("unsupported history.type: %s", c.History.Type)
		}
	}

	if c.Events.Buffer <= 0 {
		return errors.New("events.buffer must be positive")
	}
	if c.Events.Redis.Enabled {
		if c.Events.Redis.Host == "" || c.Events.Redis.Port <= 0 {
			return errors.New("events.redis.host and events.redis.port are required when redis is enabled")
		}
		if c.Events.Redis.Channel == "" {
			return errors.New("events.redis.channel is required when redis is enabled")
		}
	}

	return nil
}

// ToYAML serializes the configuration to YAML format
// ToYAML 将配置序列化为 YAML 格式
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Mode: %s, Command: %v, PollInterval: %v, MaxRestarts: %d, Log.Level: %s}",
		c.Supervisor.Mode,
		c.Worker.Command,
		c.Supervisor.PollInterval,
		c.Restart.MaxRestarts,
		c.Log.Level,
	)
}
