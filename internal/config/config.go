package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for LitChat.
type Config struct {
	General    GeneralConfig    `json:"general"`
	User       UserConfig       `json:"user"`
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Client     ClientConfig     `json:"client"`
	Presence   PresenceConfig   `json:"presence"`
	Moderation ModerationConfig `json:"moderation"`
	RateLimit  RateLimitConfig  `json:"rateLimit"`
	Telegram   TelegramConfig   `json:"telegram"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// UserConfig is the local identity used by the chat client.
type UserConfig struct {
	Name   string `json:"name"`
	ID     string `json:"id,omitempty"`     // stable key; display name is used when empty
	Avatar string `json:"avatar,omitempty"` // http(s) URL or data:image/ URI
}

type ServerConfig struct {
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	AllowedOrigins []string       `json:"allowedOrigins,omitempty"`
	Admins         FlexStringList `json:"admins,omitempty"`
	ReplayHistory  int            `json:"replayHistory"` // events kept for reconnecting clients
}

type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite" | "postgres"
	DBPath      string `json:"dbPath"`
	PostgresURL string `json:"postgresUrl,omitempty"`
}

// ClientConfig configures how the chat client reaches the server.
type ClientConfig struct {
	ServerURL           string `json:"serverUrl"`
	TimeoutSeconds      int    `json:"timeoutSeconds"`
	MaxRetries          int    `json:"maxRetries"`
	ReconnectMaxSeconds int    `json:"reconnectMaxSeconds"`
}

type PresenceConfig struct {
	QuietPeriodMs int `json:"quietPeriodMs"`
}

type ModerationConfig struct {
	MaxLength     int      `json:"maxLength"`
	MaxNameLength int      `json:"maxNameLength"`
	BlockedWords  []string `json:"blockedWords,omitempty"` // literal words or regular expressions
	RequireAvatar bool     `json:"requireAvatar"`
}

// RateLimitConfig throttles sends from one client.
type RateLimitConfig struct {
	MessagesPerMinute int `json:"messagesPerMinute"` // 0 = unlimited
	Burst             int `json:"burst"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	ChatID    int64          `json:"chatId"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus endpoint of the server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.litchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".litchat"
	}
	return filepath.Join(home, ".litchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
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
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
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
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.ReplayHistory < 0 {
		errs = append(errs, "server.replayHistory must be >= 0")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.PostgresURL == "" {
			errs = append(errs, "store.postgresUrl is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}

	if cfg.Client.ServerURL != "" {
		u, err := url.Parse(cfg.Client.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "client.serverUrl must be an http(s) URL")
		}
	}
	if cfg.Client.TimeoutSeconds < 1 {
		errs = append(errs, "client.timeoutSeconds must be >= 1")
	}
	if cfg.Client.MaxRetries < 0 || cfg.Client.MaxRetries > 10 {
		errs = append(errs, "client.maxRetries must be between 0 and 10")
	}
	if cfg.Client.ReconnectMaxSeconds < 1 {
		errs = append(errs, "client.reconnectMaxSeconds must be >= 1")
	}

	if cfg.Presence.QuietPeriodMs < 100 || cfg.Presence.QuietPeriodMs > 60000 {
		errs = append(errs, "presence.quietPeriodMs must be between 100 and 60000")
	}

	if cfg.Moderation.MaxLength < 1 {
		errs = append(errs, "moderation.maxLength must be >= 1")
	}
	if cfg.Moderation.MaxNameLength < 1 {
		errs = append(errs, "moderation.maxNameLength must be >= 1")
	}

	if cfg.RateLimit.MessagesPerMinute < 0 {
		errs = append(errs, "rateLimit.messagesPerMinute must be >= 0")
	}
	if cfg.RateLimit.MessagesPerMinute > 0 && cfg.RateLimit.Burst < 1 {
		errs = append(errs, "rateLimit.burst must be >= 1 when rate limiting is enabled")
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required when telegram is enabled")
		}
		if cfg.Telegram.ChatID == 0 {
			errs = append(errs, "telegram.chatId is required when telegram is enabled")
		}
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
