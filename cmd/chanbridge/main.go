// Command chanbridge runs the channel bridge daemon and its admin commands.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chanbridge/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "chanbridge",
	Short:         "Multi-channel conversation bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file path (.yaml, .yml or .json)")
}

// defaultConfigPath honors CHANBRIDGE_CONFIG, then ~/.chanbridge/config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("CHANBRIDGE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".chanbridge", "config.yaml")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging installs the process-wide slog handler and returns it.
func setupLogging(cfg *config.Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "color":
		handler = newColorHandler(os.Stderr, level)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	err := rootCmd.Execute()
	if errors.Is(err, errRestart) {
		err = reexec()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
