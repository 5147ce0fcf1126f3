package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/chanbridge/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		color.New(color.FgCyan, color.Bold).Println("chanbridge setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		cfg.Storage.Driver = prompt(scanner, "Storage driver (file, sqlite, memory)", cfg.Storage.Driver)

		if hook := findPlugin(cfg, config.TypeREST); hook != nil {
			hook.MessageURL = prompt(scanner, "Webhook reply URL (optional)", hook.MessageURL)
			hook.ReactionURL = prompt(scanner, "Webhook reaction URL (optional)", hook.ReactionURL)
		}

		token := ""
		if tg := findPlugin(cfg, config.TypeTelegram); tg != nil {
			token = tg.Token
		}
		if token = prompt(scanner, "Telegram bot token (optional)", token); token != "" {
			tg := ensurePlugin(cfg, config.TypeTelegram, "telegram")
			tg.Token = token
		}

		mx := findPlugin(cfg, config.TypeMatrix)
		homeserver := ""
		if mx != nil {
			homeserver = mx.Homeserver
		}
		if homeserver = prompt(scanner, "Matrix homeserver URL (optional)", homeserver); homeserver != "" {
			mx = ensurePlugin(cfg, config.TypeMatrix, "matrix")
			mx.Homeserver = homeserver
			mx.UserID = prompt(scanner, "Matrix user ID", mx.UserID)
			mx.AccessToken = prompt(scanner, "Matrix access token", mx.AccessToken)
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		color.Green("Configuration saved to %s", cfgPath)
		return nil
	},
}

func findPlugin(cfg *config.Config, typ string) *config.PluginConfig {
	for i := range cfg.Plugins {
		if cfg.Plugins[i].Type == typ {
			return &cfg.Plugins[i]
		}
	}
	return nil
}

// ensurePlugin returns the first plugin of typ, adding one bound to the
// echo behavior if there is none.
func ensurePlugin(cfg *config.Config, typ, name string) *config.PluginConfig {
	if p := findPlugin(cfg, typ); p != nil {
		return p
	}
	cfg.Plugins = append(cfg.Plugins, config.PluginConfig{Name: name, Type: typ, Behavior: "echo"})
	return &cfg.Plugins[len(cfg.Plugins)-1]
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
