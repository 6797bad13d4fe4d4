// Package config loads process-level configuration from environment
// variables (and an optional .env file via godotenv), following the
// teacher's pattern of required-field parsing with accumulated warnings for
// optional fields that fall back to a default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig holds every environment-sourced setting. Secrets (bridge
// tokens) live only here, never in the YAML settings tree (spec §6).
type EnvConfig struct {
	Home     string // orchestrator home directory, typically ".cccc"
	LogLevel string // debug|info|warn|error

	TelegramBotToken string
	SlackBotToken    string
	SlackAppToken    string
	DiscordBotToken  string

	CommandQueueMaxItems int // from CCCC_COMMAND_MAX_ITEMS; not passed to commandqueue, whose per-tick bound is fixed at 50
}

type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

var (
	once sync.Once
	cfg  *Config
)

// Load reads .env (if present) and environment variables into the process
// singleton. Safe to call once; subsequent calls return the cached config.
func Load(envPath string) (*Config, error) {
	var loadErr error
	once.Do(func() {
		cfg, loadErr = loadConfig(envPath)
	})
	return cfg, loadErr
}

// Get returns the already-loaded singleton. Panics if Load was never
// called — a programmer error, not a runtime condition.
func Get() *Config {
	if cfg == nil {
		panic("config: Get called before Load")
	}
	return cfg
}

func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath) // optional; missing .env is not an error
	}

	var warnings []string

	home := strings.TrimSpace(os.Getenv("CCCC_HOME"))
	if home == "" {
		home = ".cccc"
		warnings = append(warnings, "CCCC_HOME not set, defaulting to .cccc")
	}

	logLevel := sanitizeLogLevel(os.Getenv("CCCC_LOG_LEVEL"), &warnings)
	maxItems := parseIntDefault("CCCC_COMMAND_MAX_ITEMS", 50, greaterThanZero, &warnings)

	env := EnvConfig{
		Home:                 home,
		LogLevel:             logLevel,
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		SlackBotToken:        os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:        os.Getenv("SLACK_APP_TOKEN"),
		DiscordBotToken:      os.Getenv("DISCORD_BOT_TOKEN"),
		CommandQueueMaxItems: maxItems,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

func sanitizeLogLevel(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "debug", "info", "warn", "error":
		return v
	case "":
		return "info"
	default:
		*warnings = append(*warnings, fmt.Sprintf("invalid CCCC_LOG_LEVEL %q, defaulting to info", value))
		return "info"
	}
}

func greaterThanZero(v int) bool { return v > 0 }

func parseIntDefault(name string, fallback int, valid func(int) bool, warnings *[]string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || !valid(v) {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, defaulting to %d", name, raw, fallback))
		return fallback
	}
	return v
}

// Warnings returns a defensive copy of accumulated config warnings.
func (c *Config) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}
