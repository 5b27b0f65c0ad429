package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "AGENTMEM"

	DefaultHost               = "127.0.0.1"
	DefaultPort               = 18790
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultOptimizeSchedule   = "0 30 3 * * *"
	DefaultCheckpointSchedule = "0 */15 * * * *"
	DefaultVerifySchedule     = "0 0 4 * * 0"
	DefaultSearchLimit        = 10
	DefaultRecallLimit        = 20
)

type Config struct {
	DBPath      string            `yaml:"db_path" mapstructure:"db_path"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Gateway     GatewayConfig     `yaml:"gateway" mapstructure:"gateway"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
	Search      LimitConfig       `yaml:"search" mapstructure:"search"`
	Recall      LimitConfig       `yaml:"recall" mapstructure:"recall"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // "text" or "json"
}

type GatewayConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// MaintenanceConfig holds six-field cron expressions (seconds first). An
// empty schedule disables that job.
type MaintenanceConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Optimize   string `yaml:"optimize" mapstructure:"optimize"`
	Checkpoint string `yaml:"checkpoint" mapstructure:"checkpoint"`
	Verify     string `yaml:"verify" mapstructure:"verify"`
}

type LimitConfig struct {
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		DBPath: filepath.Join(ConfigDir(), "memory.db"),
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Maintenance: MaintenanceConfig{
			Enabled:    true,
			Optimize:   DefaultOptimizeSchedule,
			Checkpoint: DefaultCheckpointSchedule,
			Verify:     DefaultVerifySchedule,
		},
		Search: LimitConfig{DefaultLimit: DefaultSearchLimit},
		Recall: LimitConfig{DefaultLimit: DefaultRecallLimit},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".agentmem")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// newViper registers every key with its default so AGENTMEM_* variables
// (AGENTMEM_DB_PATH, AGENTMEM_GATEWAY_PORT, ...) override them.
func newViper() *viper.Viper {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("gateway.host", def.Gateway.Host)
	v.SetDefault("gateway.port", def.Gateway.Port)
	v.SetDefault("maintenance.enabled", def.Maintenance.Enabled)
	v.SetDefault("maintenance.optimize", def.Maintenance.Optimize)
	v.SetDefault("maintenance.checkpoint", def.Maintenance.Checkpoint)
	v.SetDefault("maintenance.verify", def.Maintenance.Verify)
	v.SetDefault("search.default_limit", def.Search.DefaultLimit)
	v.SetDefault("recall.default_limit", def.Recall.DefaultLimit)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads ConfigPath when it exists and applies environment
// overrides on top.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile is LoadConfig for an explicit path. A missing file is not
// an error.
func LoadConfigFile(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server could not start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port %d out of range", c.Gateway.Port)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{
		"maintenance.optimize":   c.Maintenance.Optimize,
		"maintenance.checkpoint": c.Maintenance.Checkpoint,
		"maintenance.verify":     c.Maintenance.Verify,
	} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = DefaultSearchLimit
	}
	if c.Recall.DefaultLimit <= 0 {
		c.Recall.DefaultLimit = DefaultRecallLimit
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

func SaveConfigFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home := os.Getenv("HOME")
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
