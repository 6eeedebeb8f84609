package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for Concierge.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Security  SecurityConfig            `json:"security"`
	Memory    MemoryConfig              `json:"memory"`
	Agents    AgentsConfig              `json:"agents"`
	Reminders RemindersConfig           `json:"reminders"`
}

type GeneralConfig struct {
	LogLevel        string `json:"logLevel"`
	LogFile         string `json:"logFile,omitempty"`
	DefaultProvider string `json:"defaultProvider"`
	// AdminPauseMinutes is how long automated business replies stay silenced
	// after the owner speaks in a business chat.
	AdminPauseMinutes int `json:"adminPauseMinutes"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Bridge   BridgeConfig   `json:"bridge"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ParseMode string `json:"parseMode"`
}

// BridgeConfig configures the poll-style desktop-bridge adapter.
type BridgeConfig struct {
	Enabled             bool   `json:"enabled"`
	BaseURL             string `json:"baseUrl"`
	TokenFile           string `json:"tokenFile"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	RecentMessages      int    `json:"recentMessages"`
	ChatListLimit       int    `json:"chatListLimit"`
	// ResponseMarker prefixes every outbound bridge message so the poll loop
	// can recognize its own replies and not re-ingest them.
	ResponseMarker string `json:"responseMarker"`
	CommandPrefix  string `json:"commandPrefix"`
}

type SecurityConfig struct {
	// PairingCode is the one-time code generated at setup; matched
	// case-insensitively against "/start <code>".
	PairingCode string    `json:"pairingCode,omitempty"`
	PIN         PINConfig `json:"pin"`
	// PendingTTLMinutes bounds how long any interactive pending flow
	// (PIN prompt, picker, wizard, scope, approval) stays resolvable.
	PendingTTLMinutes int `json:"pendingTtlMinutes"`
}

type PINConfig struct {
	Length                int `json:"length"`
	SessionTimeoutMinutes int `json:"sessionTimeoutMinutes"`
	MaxFailures           int `json:"maxFailures"`
	LockoutMinutes        int `json:"lockoutMinutes"`
}

type MemoryConfig struct {
	DBPath       string `json:"dbPath"`
	HistoryLimit int    `json:"historyLimit"`
	// CaptureThreshold is how many archived turns accumulate in a chat before
	// a background memory capture is kicked off.
	CaptureThreshold int `json:"captureThreshold"`
}

// AgentsConfig points at the YAML persona registry and names per-mode
// default agents.
type AgentsConfig struct {
	File     string            `json:"file,omitempty"`
	Defaults map[string]string `json:"defaults,omitempty"` // mode -> agent name
}

type RemindersConfig struct {
	Enabled bool           `json:"enabled"`
	Tasks   []ReminderTask `json:"tasks,omitempty"`
}

type ReminderTask struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CronExpr string `json:"cronExpr"`
	Message  string `json:"message"`
	Platform string `json:"platform"`
	ChatID   string `json:"chatId"`
	Enabled  bool   `json:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.concierge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".concierge"
	}
	return filepath.Join(home, ".concierge")
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

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Channels.Bridge.TokenFile = ExpandPath(cfg.Channels.Bridge.TokenFile)
	cfg.Agents.File = ExpandPath(cfg.Agents.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
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
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
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

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Channels.Bridge.Enabled {
		if cfg.Channels.Bridge.BaseURL == "" {
			errs = append(errs, "channels.bridge.baseUrl is required when the bridge is enabled")
		}
		if cfg.Channels.Bridge.TokenFile == "" {
			errs = append(errs, "channels.bridge.tokenFile is required when the bridge is enabled")
		}
		if cfg.Channels.Bridge.PollIntervalSeconds < 1 {
			errs = append(errs, "channels.bridge.pollIntervalSeconds must be >= 1")
		}
		if cfg.Channels.Bridge.RecentMessages < 1 {
			errs = append(errs, "channels.bridge.recentMessages must be >= 1")
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}

	if l := cfg.Security.PIN.Length; l < 4 || l > 6 {
		errs = append(errs, "security.pin.length must be between 4 and 6")
	}
	if cfg.Security.PIN.SessionTimeoutMinutes < 1 {
		errs = append(errs, "security.pin.sessionTimeoutMinutes must be >= 1")
	}
	if cfg.Security.PIN.MaxFailures < 1 {
		errs = append(errs, "security.pin.maxFailures must be >= 1")
	}
	if cfg.Security.PIN.LockoutMinutes < 1 {
		errs = append(errs, "security.pin.lockoutMinutes must be >= 1")
	}
	if cfg.Security.PendingTTLMinutes < 1 {
		errs = append(errs, "security.pendingTtlMinutes must be >= 1")
	}

	if cfg.Memory.HistoryLimit < 1 {
		errs = append(errs, "memory.historyLimit must be >= 1")
	}
	if cfg.Memory.CaptureThreshold < 1 {
		errs = append(errs, "memory.captureThreshold must be >= 1")
	}
	if cfg.General.AdminPauseMinutes < 1 {
		errs = append(errs, "general.adminPauseMinutes must be >= 1")
	}

	for _, task := range cfg.Reminders.Tasks {
		if task.CronExpr == "" {
			errs = append(errs, fmt.Sprintf("reminders.tasks[%s]: cronExpr is required", task.ID))
		}
		if task.Platform == "" || task.ChatID == "" {
			errs = append(errs, fmt.Sprintf("reminders.tasks[%s]: platform and chatId are required", task.ID))
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
