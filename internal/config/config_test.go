package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Port != 3100 {
		t.Errorf("Port = %d, want 3100", cfg.Gateway.Port)
	}
	if cfg.Gateway.PingInterval != 5*time.Second {
		t.Errorf("PingInterval = %v, want 5s", cfg.Gateway.PingInterval)
	}
	if cfg.Gateway.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Assistant.Binary != "claude" {
		t.Errorf("Binary = %q, want claude", cfg.Assistant.Binary)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
gateway:
  port: 4000
  ping_interval: 2s
workspace:
  root: /srv/mono
assistant:
  binary: claude
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Gateway.Port)
	}
	if cfg.Gateway.PingInterval != 2*time.Second {
		t.Errorf("PingInterval = %v, want 2s", cfg.Gateway.PingInterval)
	}
	if cfg.Workspace.Root != "/srv/mono" {
		t.Errorf("Root = %q, want /srv/mono", cfg.Workspace.Root)
	}
	// Unset fields keep defaults
	if cfg.Gateway.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.Gateway.HeartbeatInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WS_PING_INTERVAL", "1000")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "30000")
	t.Setenv("WS_DEBUG", "1")
	t.Setenv("WORKBENCH_PORT", "5123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.PingInterval != time.Second {
		t.Errorf("PingInterval = %v, want 1s", cfg.Gateway.PingInterval)
	}
	if cfg.Gateway.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Gateway.HeartbeatInterval)
	}
	if !cfg.Gateway.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.Gateway.Port != 5123 {
		t.Errorf("Port = %d, want 5123", cfg.Gateway.Port)
	}
}

func TestProjectRootFindsMarker(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "apps", "web")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "workspaces.yaml"), []byte("workspaces: []\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got, err := ProjectRoot()
	if err != nil {
		t.Fatalf("ProjectRoot: %v", err)
	}
	wantResolved, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != wantResolved {
		t.Errorf("ProjectRoot = %q, want %q", got, root)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Gateway.Port = 0 },
		func(c *Config) { c.Gateway.Port = 70000 },
		func(c *Config) { c.Gateway.PingInterval = 0 },
		func(c *Config) { c.Gateway.HeartbeatInterval = -time.Second },
		func(c *Config) { c.Workspace.Root = "" },
		func(c *Config) { c.Assistant.Binary = "" },
		func(c *Config) { c.Images.MaxBytes = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: Validate() = nil, want error", i)
		}
	}
}
