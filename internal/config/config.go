package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for syncwake.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Watch   WatchConfig   `json:"watch" yaml:"watch"`
	Sync    SyncConfig    `json:"sync" yaml:"sync"`
	State   StateConfig   `json:"state" yaml:"state"`
	Sources SourcesConfig `json:"sources" yaml:"sources"`
	Notify  NotifyConfig  `json:"notify" yaml:"notify"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	StateDir string `json:"stateDir" yaml:"stateDir"`
}

// WatchConfig configures the filesystem push source.
type WatchConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Roots           []string `json:"roots" yaml:"roots"`
	IgnoreDirs      []string `json:"ignoreDirs" yaml:"ignoreDirs"`
	IgnorePatterns  []string `json:"ignorePatterns" yaml:"ignorePatterns"` // glob, or substring when no meta chars
	Extensions      []string `json:"extensions" yaml:"extensions"`
	IncludeChatLogs bool     `json:"includeChatLogs,omitempty" yaml:"includeChatLogs,omitempty"` // watch sync.logRoot too
}

type SyncConfig struct {
	LogRoot         string `json:"logRoot" yaml:"logRoot"`
	DebounceMillis  int    `json:"debounceMillis" yaml:"debounceMillis"`
	CooldownSeconds int    `json:"cooldownSeconds" yaml:"cooldownSeconds"`
	InitialBackfill int    `json:"initialBackfill" yaml:"initialBackfill"`
	RecentLines     int    `json:"recentLines" yaml:"recentLines"`
	SelfLabel       string `json:"selfLabel" yaml:"selfLabel"`
	ShutdownPolicy  string `json:"shutdownPolicy" yaml:"shutdownPolicy"` // "flush" | "drop"
}

type StateConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "file" | "sqlite"
	DBPath  string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
}

type SourcesConfig struct {
	Telegram TelegramSourceConfig `json:"telegram" yaml:"telegram"`
	Bridges  []BridgeConfig       `json:"bridges,omitempty" yaml:"bridges,omitempty"`
}

type TelegramSourceConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Token               string `json:"token" yaml:"token"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds" yaml:"pollIntervalSeconds"`
	TimeoutSeconds      int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// BridgeConfig configures one JSON-over-HTTP chat bridge (signal, whatsapp, ...).
type BridgeConfig struct {
	Platform            string  `json:"platform" yaml:"platform"`
	BaseURL             string  `json:"baseUrl" yaml:"baseUrl"`
	Token               string  `json:"token,omitempty" yaml:"token,omitempty"`
	PollIntervalSeconds int     `json:"pollIntervalSeconds" yaml:"pollIntervalSeconds"`
	TimeoutSeconds      int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RequestsPerSecond   float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
}

type NotifyConfig struct {
	Target    string               `json:"target" yaml:"target"` // "command" | "webhook" | "telegram" | "slack" | "discord" | "none"
	Channel   string               `json:"channel" yaml:"channel"`
	Recipient string               `json:"recipient" yaml:"recipient"`
	Command   CommandNotifyConfig  `json:"command" yaml:"command"`
	Webhook   WebhookNotifyConfig  `json:"webhook" yaml:"webhook"`
	Telegram  TelegramNotifyConfig `json:"telegram" yaml:"telegram"`
	Slack     SlackNotifyConfig    `json:"slack" yaml:"slack"`
	Discord   DiscordNotifyConfig  `json:"discord" yaml:"discord"`
}

type CommandNotifyConfig struct {
	Path           string   `json:"path" yaml:"path"`
	Args           []string `json:"args" yaml:"args"` // {channel} {recipient} {message} are substituted
	TimeoutSeconds int      `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type WebhookNotifyConfig struct {
	URL            string `json:"url" yaml:"url"`
	Secret         string `json:"secret,omitempty" yaml:"secret,omitempty"` // HMAC-SHA256 signing secret
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type TelegramNotifyConfig struct {
	Token string `json:"token" yaml:"token"`
}

type SlackNotifyConfig struct {
	BotToken string `json:"botToken" yaml:"botToken"`
}

type DiscordNotifyConfig struct {
	Token string `json:"token" yaml:"token"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// DefaultConfigDir returns the default config directory (~/.syncwake).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".syncwake"
	}
	return filepath.Join(home, ".syncwake")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ExpandPaths resolves ~/ in every path-valued field.
func (c *Config) ExpandPaths() {
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.General.StateDir = ExpandPath(c.General.StateDir)
	c.Sync.LogRoot = ExpandPath(c.Sync.LogRoot)
	c.State.DBPath = ExpandPath(c.State.DBPath)
	for i, root := range c.Watch.Roots {
		c.Watch.Roots[i] = ExpandPath(root)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes the config as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.StateDir == "" {
		errs = append(errs, "general.stateDir is required")
	}

	if cfg.Watch.Enabled && len(cfg.Watch.Roots) == 0 {
		errs = append(errs, "watch.roots must not be empty when watch is enabled")
	}

	if cfg.Sync.LogRoot == "" {
		errs = append(errs, "sync.logRoot is required")
	}
	if cfg.Sync.DebounceMillis < 1 {
		errs = append(errs, "sync.debounceMillis must be >= 1")
	}
	if cfg.Sync.CooldownSeconds < 0 {
		errs = append(errs, "sync.cooldownSeconds must be >= 0")
	}
	if cfg.Sync.InitialBackfill < 0 {
		errs = append(errs, "sync.initialBackfill must be >= 0")
	}
	if cfg.Sync.RecentLines < 1 {
		errs = append(errs, "sync.recentLines must be >= 1")
	}
	if strings.TrimSpace(cfg.Sync.SelfLabel) == "" {
		errs = append(errs, "sync.selfLabel is required")
	}
	switch cfg.Sync.ShutdownPolicy {
	case "flush", "drop":
	default:
		errs = append(errs, "sync.shutdownPolicy must be one of: flush, drop")
	}

	switch cfg.State.Backend {
	case "file":
	case "sqlite":
		if cfg.State.DBPath == "" {
			errs = append(errs, "state.dbPath is required for the sqlite backend")
		}
	default:
		errs = append(errs, "state.backend must be one of: file, sqlite")
	}

	if cfg.Sources.Telegram.Enabled && cfg.Sources.Telegram.Token == "" {
		errs = append(errs, "sources.telegram.token is required when enabled")
	}
	seen := make(map[string]bool)
	for i, b := range cfg.Sources.Bridges {
		if b.Platform == "" {
			errs = append(errs, fmt.Sprintf("sources.bridges.%d.platform is required", i))
		}
		if b.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("sources.bridges.%d.baseUrl is required", i))
		}
		if seen[b.Platform] {
			errs = append(errs, fmt.Sprintf("sources.bridges.%d: duplicate platform %s", i, b.Platform))
		}
		seen[b.Platform] = true
	}
	if cfg.Sources.Telegram.Enabled && seen["telegram"] {
		errs = append(errs, "sources: telegram is configured both as bot source and as bridge")
	}

	switch cfg.Notify.Target {
	case "none":
	case "command":
		if cfg.Notify.Command.Path == "" {
			errs = append(errs, "notify.command.path is required")
		}
	case "webhook":
		if cfg.Notify.Webhook.URL == "" {
			errs = append(errs, "notify.webhook.url is required")
		}
	case "telegram":
		if cfg.Notify.Telegram.Token == "" {
			errs = append(errs, "notify.telegram.token is required")
		}
	case "slack":
		if cfg.Notify.Slack.BotToken == "" {
			errs = append(errs, "notify.slack.botToken is required")
		}
	case "discord":
		if cfg.Notify.Discord.Token == "" {
			errs = append(errs, "notify.discord.token is required")
		}
	default:
		errs = append(errs, "notify.target must be one of: command, webhook, telegram, slack, discord, none")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
