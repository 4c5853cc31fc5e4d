package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Assistant AssistantConfig `yaml:"assistant"`
	Auth      AuthConfig      `yaml:"auth"`
	Images    ImagesConfig    `yaml:"images"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // HTTP API listen address
}

type GatewayConfig struct {
	Port              int           `yaml:"port"`       // first port tried; up to 4 successors on conflict
	PingInterval      time.Duration `yaml:"ping_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Debug             bool          `yaml:"debug"`
}

type WorkspaceConfig struct {
	Root         string `yaml:"root"`          // allowed root for all workspace paths
	RegistryFile string `yaml:"registry_file"` // workspaces.yaml
}

type AssistantConfig struct {
	Binary string `yaml:"binary"` // the only command allowed to spawn
}

type AuthConfig struct {
	DBPath    string `yaml:"db_path"`
	JWTSecret string `yaml:"jwt_secret"`  // base64; auto-generated when empty
	DevUserID string `yaml:"dev_user_id"` // terminal connections only; never assistant
}

type ImagesConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration. The allowed workspace root
// defaults to two levels above the working directory (the monorepo root).
func Default() *Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	root := filepath.Clean(filepath.Join(wd, "..", ".."))
	registryFile := filepath.Join(root, "workspaces.yaml")
	// A marker higher up (workspaces.yaml or .git) wins over the layout
	// convention.
	if pr, err := ProjectRoot(); err == nil {
		if _, err := os.Stat(filepath.Join(pr, "workspaces.yaml")); err == nil {
			registryFile = filepath.Join(pr, "workspaces.yaml")
		}
	}
	return &Config{
		Server: ServerConfig{Addr: ":3000"},
		Gateway: GatewayConfig{
			Port:              3100,
			PingInterval:      5 * time.Second,
			HeartbeatInterval: 15 * time.Second,
		},
		Workspace: WorkspaceConfig{
			Root:         root,
			RegistryFile: registryFile,
		},
		Assistant: AssistantConfig{Binary: "claude"},
		Auth:      AuthConfig{DBPath: "workbench.db"},
		Images:    ImagesConfig{Dir: "uploads", MaxBytes: 5 << 20},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file, then applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WS_PING_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Gateway.PingInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WS_HEARTBEAT_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Gateway.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WS_DEBUG"); v == "1" || v == "true" {
		cfg.Gateway.Debug = true
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("WORKBENCH_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("WORKBENCH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = p
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be in 1..65535")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway.ping_interval must be positive")
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval must be positive")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Assistant.Binary == "" {
		return fmt.Errorf("assistant.binary is required")
	}
	if c.Images.MaxBytes <= 0 {
		return fmt.Errorf("images.max_bytes must be positive")
	}
	return nil
}
