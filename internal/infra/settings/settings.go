// Package settings loads the structured YAML configuration trees under
// settings/ (spec §6): actor/peer bindings, anti-loop policies, per-bridge
// settings, and foreman configuration; cli_profiles.yaml is not read. Unlike
// EnvConfig, these files hold no secrets and are meant to be hand-edited by
// the operator, so they are reloadable at runtime behind an RWMutex the way
// the teacher's FilterEngine reloads filters.json.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"
)

// ActorBinding describes one configured AI CLI actor (spec "Runtime bindings").
type ActorBinding struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Compact struct {
		Enabled bool   `yaml:"enabled"`
		Command string `yaml:"command"`
	} `yaml:"compact"`
	InboundSuffix map[string]string `yaml:"inbound_suffix"`
	NudgeSuffix   string            `yaml:"nudge_suffix"`
}

// AgentsConfig is settings/agents.yaml.
type AgentsConfig struct {
	PeerA   string                  `yaml:"peer_a"`
	PeerB   string                  `yaml:"peer_b"`
	Aux     string                  `yaml:"aux"`
	Foreman string                  `yaml:"foreman"`
	Actors  map[string]ActorBinding `yaml:"actors"`
}

// HandoffFilterPolicy mirrors policy_filter.py's configuration surface.
type HandoffFilterPolicy struct {
	Enabled                     *bool    `yaml:"enabled"`
	MinChars                    int      `yaml:"min_chars"`
	MinWords                    int      `yaml:"min_words"`
	BoostKeywords               []string `yaml:"boost_keywords"`
	BoostRegexes                []string `yaml:"boost_regexes"`
	DropRegexes                 []string `yaml:"drop_regexes"`
	RequireKeywordsAny          []string `yaml:"require_keywords_any"`
	CooldownSeconds             float64  `yaml:"cooldown_seconds"`
	BypassCooldownWhenHighSignal bool    `yaml:"bypass_cooldown_when_high_signal"`
	DedupMaxKeep                int      `yaml:"dedup_max_keep"`
	DedupShortSeconds           float64  `yaml:"dedup_short_seconds"`
	RedundantWindowSeconds      float64  `yaml:"redundant_window_seconds"`
	RedundantSimilarityThreshold float64 `yaml:"redundant_similarity_threshold"`
}

// IsEnabled resolves the tri-state policy default: absence of the key means
// enabled (per spec §9 open question, decided in DESIGN.md).
func (p HandoffFilterPolicy) IsEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// NudgePolicy mirrors nudge.py's module-level tunables.
type NudgePolicy struct {
	ResendSeconds        float64 `yaml:"resend_seconds"`
	JitterPct            float64 `yaml:"jitter_pct"`
	DebounceMS           float64 `yaml:"debounce_ms"`
	ProgressTimeoutS     float64 `yaml:"progress_timeout_s"`
	BackoffBaseMS        float64 `yaml:"backoff_base_ms"`
	BackoffMaxMS         float64 `yaml:"backoff_max_ms"`
	MaxRetries           int     `yaml:"max_retries"`
	ProcessedRetention   int     `yaml:"processed_retention"`
}

// SelfCheckPolicy configures C7's cadence.
type SelfCheckPolicy struct {
	Enabled          bool `yaml:"enabled"`
	Every            int  `yaml:"every"`             // K: deliver a self-check every K meaningful handoffs
	SystemRefreshEvery int `yaml:"sys_refresh_every"` // N: every N-th self-check is a full refresh
	AuxReviewPrompt  string `yaml:"aux_review_prompt"`
}

// AutoCompactPolicy configures C9.
type AutoCompactPolicy struct {
	Enabled            bool    `yaml:"enabled"`
	MinIntervalSeconds float64 `yaml:"min_interval_seconds"`
	MinMessages        int     `yaml:"min_messages"`
	IdleThresholdSeconds float64 `yaml:"idle_threshold_seconds"`
	CheckIntervalSeconds float64 `yaml:"check_interval_seconds"`
}

// HandoffPolicy configures delivery-level constants for C4.
type HandoffPolicy struct {
	DuplicateWindowSeconds float64 `yaml:"duplicate_window_seconds"`
	AckTimeoutSeconds      float64 `yaml:"ack_timeout_seconds"`
	ResendAttempts         int     `yaml:"resend_attempts"`
}

// RFDPolicy mirrors orchestrator_tmux.py's policies.rfd.gates: whether an
// oversized diff is rejected outright or held pending an approved decision
// event. Protected-path touches always go through the gate once a ledger is
// wired (internal/patch), independent of this flag.
type RFDPolicy struct {
	LargeDiffRequiresRFD bool `yaml:"large_diff_requires_rfd"`
}

// PoliciesConfig is settings/policies.yaml.
type PoliciesConfig struct {
	HandoffFilter HandoffFilterPolicy `yaml:"handoff_filter"`
	Nudge         NudgePolicy         `yaml:"nudge"`
	SelfCheck     SelfCheckPolicy     `yaml:"self_check"`
	AutoCompact   AutoCompactPolicy   `yaml:"auto_compact"`
	Handoff       HandoffPolicy       `yaml:"handoff"`
	ProtectedPaths []string           `yaml:"protected_paths"`
	MaxPatchLines int                 `yaml:"max_patch_lines"`
	RFD           RFDPolicy           `yaml:"rfd"`
}

func defaultPolicies() PoliciesConfig {
	return PoliciesConfig{
		Nudge: NudgePolicy{
			ResendSeconds:      90,
			DebounceMS:         1500,
			ProgressTimeoutS:   45,
			BackoffBaseMS:      1000,
			BackoffMaxMS:       60000,
			MaxRetries:         1,
			ProcessedRetention: 200,
		},
		SelfCheck: SelfCheckPolicy{
			Enabled:            true,
			Every:              8,
			SystemRefreshEvery: 6,
		},
		AutoCompact: AutoCompactPolicy{
			Enabled:              true,
			MinIntervalSeconds:   900,
			MinMessages:          5,
			IdleThresholdSeconds: 180,
			CheckIntervalSeconds: 60,
		},
		Handoff: HandoffPolicy{
			DuplicateWindowSeconds: 30,
			AckTimeoutSeconds:      60,
			ResendAttempts:         2,
		},
		HandoffFilter: HandoffFilterPolicy{
			MinChars:                     40,
			MinWords:                     8,
			CooldownSeconds:              15,
			BypassCooldownWhenHighSignal: true,
			DedupMaxKeep:                 10,
			DedupShortSeconds:            30,
			RedundantWindowSeconds:       120,
			RedundantSimilarityThreshold: 0.9,
		},
		MaxPatchLines: 800,
	}
}

// BridgeConfig is the shape shared by telegram.yaml, slack.yaml,
// discord.yaml and wecom.yaml.
type BridgeConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequirePrefix     bool     `yaml:"require_prefix"`
	Channels          []string `yaml:"channels"`
	RedactRegexes     []string `yaml:"redact_regexes"`
	MaxMessageLength  int      `yaml:"max_message_length"`
	PollSeconds       float64  `yaml:"poll_seconds"`
	OutboundTimeoutS  float64  `yaml:"outbound_timeout_seconds"`
	RateLimitPerSec   int      `yaml:"rate_limit_per_second"`
	// OpenSubscribe lets any channel register itself via /subscribe without
	// already appearing in Channels, mirroring telegram_bridge.py's default
	// of accepting /subscribe from any chat that can reach the bot.
	OpenSubscribe bool `yaml:"open_subscribe"`
}

func defaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Enabled:          false,
		RequirePrefix:    true,
		MaxMessageLength: 3500,
		PollSeconds:      1.0,
		OutboundTimeoutS: 15.0,
		RateLimitPerSec:  1,
		OpenSubscribe:    true,
	}
}

// ForemanConfig is settings/foreman.yaml.
type ForemanConfig struct {
	Enabled        bool    `yaml:"enabled"`
	IntervalSeconds float64 `yaml:"interval_seconds"`
	MaxRunSeconds  int     `yaml:"max_run_seconds"`
	Actor          string  `yaml:"actor"`
	TaskFile       string  `yaml:"task_file"`
	DefaultTarget  string  `yaml:"default_target"` // Both|PeerA|PeerB
}

func defaultForeman() ForemanConfig {
	return ForemanConfig{
		IntervalSeconds: 3600,
		MaxRunSeconds:   600,
		DefaultTarget:   "Both",
	}
}

// Store is the hot-reloadable holder for every settings/ file, guarded by
// an RWMutex like the teacher's FilterEngine.
type Store struct {
	dir string
	mu  sync.RWMutex

	agents   AgentsConfig
	policies PoliciesConfig
	telegram BridgeConfig
	slack    BridgeConfig
	discord  BridgeConfig
	wecom    BridgeConfig
	foreman  ForemanConfig
}

// New creates a Store rooted at dir (typically <home>/settings) without
// loading yet; call Load to (re)populate it.
func New(dir string) *Store {
	return &Store{
		dir:      dir,
		policies: defaultPolicies(),
		telegram: defaultBridgeConfig(),
		slack:    defaultBridgeConfig(),
		discord:  defaultBridgeConfig(),
		wecom:    defaultBridgeConfig(),
		foreman:  defaultForeman(),
	}
}

// Load (re)reads every settings file, leaving defaults in place for any
// file that doesn't exist.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := loadYAML(filepath.Join(s.dir, "agents.yaml"), &s.agents); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, "policies.yaml"), &s.policies); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, "telegram.yaml"), &s.telegram); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, "slack.yaml"), &s.slack); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, "discord.yaml"), &s.discord); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, "wecom.yaml"), &s.wecom); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(s.dir, "foreman.yaml"), &s.foreman); err != nil {
		return err
	}
	return nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // defaults already populated by New
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (s *Store) Agents() AgentsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents
}

func (s *Store) Policies() PoliciesConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies
}

func (s *Store) Telegram() BridgeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telegram
}

func (s *Store) Slack() BridgeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slack
}

func (s *Store) Discord() BridgeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discord
}

func (s *Store) WeCom() BridgeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wecom
}

func (s *Store) Foreman() ForemanConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foreman
}
