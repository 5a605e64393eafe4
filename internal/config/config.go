package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath 是默认的配置文件路径，文件不存在时使用默认值。
const DefaultPath = "portprobe.yaml"

// 存储后端与探测引擎的可选值。
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"

	EngineDial  = "dial"
	EngineNaabu = "naabu"
)

// Config 汇总运行时所需的全部配置。
type Config struct {
	DataDir      string `yaml:"data_dir"`
	Store        string `yaml:"store"`
	SettingsFile string `yaml:"settings_file"`
	HistoryFile  string `yaml:"history_file"`
	SQLitePath   string `yaml:"sqlite_path"`
	LogLevel     string `yaml:"log_level"`

	Probe  ProbeConfig  `yaml:"probe"`
	Server ServerConfig `yaml:"server"`
}

// ProbeConfig 控制单次探测的行为。
type ProbeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Engine  string        `yaml:"engine"`
}

// ServerConfig 仅在 serve 子命令中使用。
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
	SessionKey    string `yaml:"session_key"`
	CSRFKey       string `yaml:"csrf_key"`
	Concurrency   int    `yaml:"concurrency"`
}

// Default 返回不依赖任何外部输入的默认配置。
func Default() *Config {
	return &Config{
		DataDir:      ".",
		Store:        StoreJSON,
		SettingsFile: "scanner_settings.json",
		HistoryFile:  "scan_history.json",
		SQLitePath:   "portprobe.db",
		LogLevel:     "info",
		Probe: ProbeConfig{
			Timeout: time.Second,
			Engine:  EngineDial,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			AdminUser:   "admin",
			SessionKey:  "7c2f0e9a41b85d36a0c4e1f29b7d8a53",
			CSRFKey:     "e14a9b3c7d2f60815a4c9e0b3d7f2a68",
			Concurrency: 8,
		},
	}
}

// Load 依次应用默认值、YAML 文件（可缺省）与 PORTPROBE_* 环境变量，并校验结果。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getenv("PORTPROBE_DATA_DIR", c.DataDir)
	c.Store = getenv("PORTPROBE_STORE", c.Store)
	c.SQLitePath = getenv("PORTPROBE_DB_PATH", c.SQLitePath)
	c.LogLevel = getenv("PORTPROBE_LOG_LEVEL", c.LogLevel)
	c.Probe.Timeout = durationEnv("PORTPROBE_TIMEOUT", c.Probe.Timeout)
	c.Probe.Engine = getenv("PORTPROBE_ENGINE", c.Probe.Engine)
	c.Server.Addr = getenv("PORTPROBE_HTTP_ADDR", c.Server.Addr)
	c.Server.AdminUser = getenv("PORTPROBE_ADMIN_USER", c.Server.AdminUser)
	c.Server.AdminPassword = getenv("PORTPROBE_ADMIN_PASS", c.Server.AdminPassword)
	c.Server.SessionKey = getenv("PORTPROBE_SESSION_KEY", c.Server.SessionKey)
	c.Server.CSRFKey = getenv("PORTPROBE_CSRF_KEY", c.Server.CSRFKey)
	c.Server.Concurrency = intEnv("PORTPROBE_CONCURRENCY", c.Server.Concurrency)
}

// Validate 检查配置取值是否合法，命令行覆盖之后也应再次调用。
func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.Probe.Engine = strings.ToLower(strings.TrimSpace(c.Probe.Engine))

	switch c.Store {
	case StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreJSON, StoreSQLite)
	}
	switch c.Probe.Engine {
	case EngineDial, EngineNaabu:
	default:
		return fmt.Errorf("unknown probe engine %q (want %s or %s)", c.Probe.Engine, EngineDial, EngineNaabu)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.SettingsFile == "" || c.HistoryFile == "" {
		return fmt.Errorf("settings and history file names must not be empty")
	}
	if len(c.Server.SessionKey) < 32 {
		return fmt.Errorf("session key must be at least 32 bytes, got %d", len(c.Server.SessionKey))
	}
	if len(c.Server.CSRFKey) < 32 {
		return fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(c.Server.CSRFKey))
	}
	if c.Server.Concurrency <= 0 {
		return fmt.Errorf("server concurrency must be positive")
	}
	return nil
}

// DBPath 返回 SQLite 文件的实际路径，相对路径基于数据目录。
func (c *Config) DBPath() string {
	if filepath.IsAbs(c.SQLitePath) {
		return c.SQLitePath
	}
	return filepath.Join(c.DataDir, c.SQLitePath)
}

// AuthEnabled 表示是否为 HTTP 接口启用登录。
func (c *Config) AuthEnabled() bool {
	return c.Server.AdminUser != "" && c.Server.AdminPassword != ""
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
