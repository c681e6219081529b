package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lumenchat/lumen/internal/config"
	"github.com/lumenchat/lumen/internal/registry"
)

var Version = "dev"

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

var rootCmd = &cobra.Command{
	Use:   "lumen",
	Short: "Conversational agent with tool use",
	Long: `lumen runs model conversations with external tool servers.

Examples:
  lumen serve                          # start the API server
  lumen chat                           # start a new conversation
  lumen chat --chat <id>               # resume a conversation
  lumen chats                          # list conversations`,
	Version:           Version,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func loadModels() (*registry.Registry, error) {
	userPath := ""
	if dir, err := config.GetConfigDir(); err == nil {
		userPath = filepath.Join(dir, "models.yaml")
	}
	return registry.Load(userPath)
}
