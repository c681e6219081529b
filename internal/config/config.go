package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Provider  string          `mapstructure:"provider"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

// PacingConfig controls how streamed output is paced to clients.
type PacingConfig struct {
	IntervalMs int `mapstructure:"interval_ms"` // delay between line chunks, 0 disables
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	APIKey         string   `mapstructure:"api_key"`         // optional bearer token
	AllowedOrigins []string `mapstructure:"allowed_origins"` // CORS origins, empty allows all
}

// StoreConfig configures chat persistence.
type StoreConfig struct {
	Path string `mapstructure:"path"` // sqlite database path, default under XDG data dir
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// OllamaConfig configures a local OpenAI-compatible server.
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"` // optional, Ollama ignores it
}

// MCPConfig lists external tool servers.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig describes one MCP server. Command/Args selects the stdio
// transport, URL the streamable HTTP transport.
type MCPServerConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Env     map[string]string `mapstructure:"env"`
}

// TransportType returns "http" or "stdio" for this server.
func (c *MCPServerConfig) TransportType() string {
	if c.URL != "" {
		return "http"
	}
	return "stdio"
}

// Validate checks that exactly one transport is configured.
func (c *MCPServerConfig) Validate() error {
	if c.URL != "" && c.Command != "" {
		return fmt.Errorf("cannot specify both url and command")
	}
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("either url or command is required")
	}
	return nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetDefault("provider", "anthropic")
	viper.SetDefault("pacing.interval_ms", 25)
	viper.SetDefault("server.addr", "127.0.0.1:8080")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("openai.model", "gpt-4.1")
	viper.SetDefault("gemini.model", "gemini-2.5-flash")
	viper.SetDefault("ollama.base_url", "http://localhost:11434/v1")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	cfg.Gemini.APIKey = expandEnv(cfg.Gemini.APIKey)
	cfg.Ollama.APIKey = expandEnv(cfg.Ollama.APIKey)
	cfg.Ollama.BaseURL = expandEnv(cfg.Ollama.BaseURL)
	cfg.Server.APIKey = expandEnv(cfg.Server.APIKey)

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(GetDataDir(), "chats.db")
	}

	return &cfg, nil
}

// ApplyOverrides applies provider and model overrides from flags.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		switch c.Provider {
		case "anthropic":
			c.Anthropic.Model = model
		case "openai":
			c.OpenAI.Model = model
		case "gemini":
			c.Gemini.Model = model
		case "ollama":
			c.Ollama.Model = model
		}
	}
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for lumen.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "lumen"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "lumen"), nil
}

// GetDataDir returns the XDG data directory for lumen.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "lumen")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "lumen-data")
	}
	return filepath.Join(homeDir, ".local", "share", "lumen")
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}
