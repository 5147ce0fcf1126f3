// Package config loads the process configuration from a JSON or YAML file
// layered over defaults and environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/chanbridge/internal/behavior"
	"github.com/user/chanbridge/internal/gateway"
	"github.com/user/chanbridge/internal/metrics"
)

// Plugin types.
const (
	TypeREST     = "rest"
	TypeTelegram = "telegram"
	TypeMatrix   = "matrix"
)

type Config struct {
	DataDir   string         `json:"data_dir" yaml:"data_dir"`
	LogLevel  string         `json:"log_level" yaml:"log_level"`
	LogFormat string         `json:"log_format" yaml:"log_format"`
	HTTP      HTTPConfig     `json:"http" yaml:"http"`
	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	Dispatch  gateway.Config `json:"dispatch" yaml:"dispatch"`
	Sessions  SessionsConfig `json:"sessions" yaml:"sessions"`
	Metrics   metrics.Config `json:"metrics" yaml:"metrics"`
	Plugins   []PluginConfig `json:"plugins" yaml:"plugins"`
	Behaviors struct {
		Echo behavior.EchoConfig `json:"echo" yaml:"echo"`
	} `json:"behaviors" yaml:"behaviors"`
}

type HTTPConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
}

type SessionsConfig struct {
	IdleTimeout  string `json:"idle_timeout" yaml:"idle_timeout"`
	ReapSchedule string `json:"reap_schedule" yaml:"reap_schedule"`
}

// IdleTimeoutDuration parses IdleTimeout. Empty or "0" disables reaping.
func (s SessionsConfig) IdleTimeoutDuration() (time.Duration, error) {
	if s.IdleTimeout == "" || s.IdleTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("sessions.idle_timeout: %w", err)
	}
	return d, nil
}

// PluginConfig declares one channel plugin. Which fields apply depends on
// Type.
type PluginConfig struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Behavior string `json:"behavior" yaml:"behavior"`

	// rest
	Route        string   `json:"route,omitempty" yaml:"route,omitempty"`
	Methods      []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	RequiredKeys []string `json:"required_keys,omitempty" yaml:"required_keys,omitempty"`
	MessageURL   string   `json:"message_url,omitempty" yaml:"message_url,omitempty"`
	ReactionURL  string   `json:"reaction_url,omitempty" yaml:"reaction_url,omitempty"`
	HTMLText     bool     `json:"html_text,omitempty" yaml:"html_text,omitempty"`

	// telegram
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// matrix
	Homeserver   string   `json:"homeserver,omitempty" yaml:"homeserver,omitempty"`
	UserID       string   `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	AccessToken  string   `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	AllowedRooms []string `json:"allowed_rooms,omitempty" yaml:"allowed_rooms,omitempty"`
}

// Default returns the configuration used when no file exists: one REST
// webhook bound to the echo behavior.
func Default() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".chanbridge"),
		LogLevel:  "info",
		LogFormat: "text",
		HTTP:      HTTPConfig{Listen: ":8080"},
		Storage:   StorageConfig{Driver: "file"},
		Dispatch: gateway.Config{
			MaxConcurrent: gateway.DefaultMaxConcurrent,
			LaneBuffer:    gateway.DefaultLaneBuffer,
		},
		Sessions: SessionsConfig{
			IdleTimeout:  "30m",
			ReapSchedule: "@every 1m",
		},
		Metrics: metrics.Config{Endpoint: "localhost:4317", Insecure: true},
		Plugins: []PluginConfig{{
			Name:     "webhook",
			Type:     TypeREST,
			Behavior: "echo",
			Route:    "/webhook",
			Methods:  []string{"POST"},
		}},
	}
	cfg.Behaviors.Echo = behavior.EchoConfig{Model: "gpt-4o", CostPer1KTokens: 0.005}
	return cfg
}

// Load reads path over the defaults, writing the defaults there if the file
// does not exist. ${VAR} references in the file are expanded, then
// environment overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		// The file's plugin list replaces the default one.
		cfg.Plugins = nil
		if err := unmarshal(path, []byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values (highest precedence).
func applyEnv(cfg *Config) {
	if dir := os.Getenv("CHANBRIDGE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("CHANBRIDGE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	tgToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	mxToken := os.Getenv("MATRIX_ACCESS_TOKEN")
	for i := range cfg.Plugins {
		p := &cfg.Plugins[i]
		switch {
		case p.Type == TypeTelegram && tgToken != "":
			p.Token = tgToken
		case p.Type == TypeMatrix && mxToken != "":
			p.AccessToken = mxToken
		}
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks plugin declarations and enumerated fields.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "file", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver %q is not one of file, sqlite, memory", c.Storage.Driver)
	}
	switch c.LogFormat {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("log_format %q is not one of text, json, color", c.LogFormat)
	}
	if _, err := c.Sessions.IdleTimeoutDuration(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugins[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("plugins[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case TypeREST:
			if !strings.HasPrefix(p.Route, "/") {
				return fmt.Errorf("plugin %s: route must start with /", p.Name)
			}
		case TypeTelegram, TypeMatrix:
		default:
			return fmt.Errorf("plugin %s: unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func marshal(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, in the format the extension names.
func Save(path string, cfg *Config) error {
	return writeFile(path, cfg)
}

func writeFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := marshal(path, v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every configuration value keyed by dotted path,
// optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads path and returns the value at the dotted key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue edits one dotted key in the file at path, leaving the rest of
// the file (including ${VAR} references) as written. The value is parsed
// as JSON when possible and stored as a string otherwise.
func SetValue(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	raw := make(map[string]any)
	if err := unmarshal(path, data, &raw); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if isYAML(path) {
		raw = normalizeYAML(raw).(map[string]any)
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(raw)
	flat[key] = parsed
	updated := Unflatten(flat)

	// Reject edits that no longer decode into a Config.
	check, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(check, &cfg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return err
	}
	return writeFile(path, updated)
}

// normalizeYAML converts yaml.v3's generic decoding into JSON-compatible
// values: ints become float64 so both formats flatten alike.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			val[k] = normalizeYAML(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = normalizeYAML(child)
		}
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
