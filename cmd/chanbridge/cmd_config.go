package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/chanbridge/internal/config"
)

var showSecrets bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configValidateCmd, configPathCmd)
	configListCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print tokens and access keys unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the chanbridge config file",
	Long: `Inspect and edit the chanbridge config file.

Keys are dotted paths into the file:

  data_dir                     session files and pid file
  log_level, log_format        debug|info|warn|error, text|json|color
  http.listen                  address of the webhook and session API server
  storage.driver, storage.path file, memory or sqlite session storage
  dispatch.*                   max_concurrent, lane_buffer
  sessions.*                   idle_timeout, reap_schedule
  metrics.*                    OTLP endpoint for session and dispatch counters
  plugins.N.*                  channel N: name, type, behavior and its credentials
  behaviors.echo.*             model and cost settings of the echo behavior

CHANBRIDGE_DATA_DIR, CHANBRIDGE_LOG_LEVEL, TELEGRAM_BOT_TOKEN and
MATRIX_ACCESS_TOKEN override file values at startup.`,
}

var configListCmd = &cobra.Command{
	Use:   "list [section]",
	Short: "List configuration values, optionally one section",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !showSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		prefix := ""
		if len(args) == 1 {
			prefix = strings.TrimSuffix(args[0], ".")
		}
		printConfigValues(os.Stdout, values, prefix)
		return nil
	},
}

// printConfigValues prints values sorted and grouped by top-level section.
// A non-empty prefix limits output to that section or key.
func printConfigValues(w io.Writer, values map[string]any, prefix string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if prefix == "" || k == prefix || strings.HasPrefix(k, prefix+".") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	section := color.New(color.Bold).SprintFunc()
	key := color.New(color.FgCyan).SprintFunc()
	current := ""
	for _, k := range keys {
		top, _, _ := strings.Cut(k, ".")
		if top != current && strings.Contains(k, ".") {
			fmt.Fprintf(w, "%s\n", section("["+top+"]"))
		}
		current = top
		fmt.Fprintf(w, "%s = %v\n", key(k), values[k])
	}
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one value to the config file",
	Long: `Write one value to the config file and check the result still loads.

Plugins are addressed by index, e.g.
  chanbridge config set plugins.0.message_url https://crm.example.com/hooks/reply
  chanbridge config set sessions.idle_timeout 1h

A running daemon picks the change up on "chanbridge restart".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], display)

		if _, err := config.Load(cfgPath); err != nil {
			color.Yellow("Warning: config no longer loads: %v", err)
		}
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file, plugins included, without starting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		color.Green("%s is valid: %d plugin(s), %s storage, listening on %s",
			cfgPath, len(cfg.Plugins), cfg.Storage.Driver, cfg.HTTP.Listen)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}
