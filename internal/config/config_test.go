package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndFile(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "lumen")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XDG_CONFIG_HOME", filepath.Dir(configDir))
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-from-env")

	data := `
provider: anthropic
pacing:
  interval_ms: 40
anthropic:
  api_key: ${TEST_ANTHROPIC_KEY}
mcp:
  servers:
    files:
      command: mcp-files
      args: ["--root", "/tmp"]
    remote:
      url: https://tools.example.com/mcp
`
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Provider != "anthropic" {
		t.Errorf("provider = %q", cfg.Provider)
	}
	if cfg.Pacing.IntervalMs != 40 {
		t.Errorf("pacing interval = %d, want 40", cfg.Pacing.IntervalMs)
	}
	if cfg.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("expected env expansion, got %q", cfg.Anthropic.APIKey)
	}
	// Defaults fill in what the file omits.
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("server addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Path == "" {
		t.Error("expected a default store path")
	}

	files, ok := cfg.MCP.Servers["files"]
	if !ok {
		t.Fatal("expected files server")
	}
	if files.TransportType() != "stdio" {
		t.Errorf("files transport = %q", files.TransportType())
	}
	if err := files.Validate(); err != nil {
		t.Errorf("files validate: %v", err)
	}
	remote := cfg.MCP.Servers["remote"]
	if remote.TransportType() != "http" {
		t.Errorf("remote transport = %q", remote.TransportType())
	}
}

func TestMCPServerConfigValidate(t *testing.T) {
	both := MCPServerConfig{Command: "x", URL: "http://y"}
	if err := both.Validate(); err == nil {
		t.Error("expected error for both transports")
	}
	neither := MCPServerConfig{}
	if err := neither.Validate(); err == nil {
		t.Error("expected error for no transport")
	}
}
