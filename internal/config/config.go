// Package config loads and holds the bot configuration.
//
// Configuration is a single YAML document. Environment variables are expanded
// (${VAR} syntax) before parsing so secrets never need to live in the file.
// Runtime-mutable settings are accessed through Store, which hands out
// immutable snapshots.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Discord     DiscordConfig   `yaml:"discord"`
	LLM         LLMConfig       `yaml:"llm"`
	Permissions PermissionsConf `yaml:"permissions"`
	History     HistoryConfig   `yaml:"history"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Memory      MemoryConfig    `yaml:"memory"`
	Reasoning   ReasoningConfig `yaml:"reasoning"`

	// SystemPrompt is the base system prompt for the default model.
	SystemPrompt string `yaml:"system_prompt"`
}

// DiscordConfig configures the gateway connection and response delivery.
type DiscordConfig struct {
	Token string `yaml:"token"`

	// ClientID is used only to log the bot invite URL at startup.
	ClientID string `yaml:"client_id"`

	// AllowDMs permits direct-message conversations.
	AllowDMs bool `yaml:"allow_dms"`

	// RequireMention makes the bot respond in guild channels only when
	// mentioned. DMs are always in scope.
	RequireMention bool `yaml:"require_mention"`

	// EditInterval is the minimum delay between streaming message edits.
	EditInterval time.Duration `yaml:"edit_interval"`

	// MaxMessageLength is the per-message character limit before the
	// delivery layer rolls over to a new message.
	MaxMessageLength int `yaml:"max_message_length"`

	StatusMessage string `yaml:"status_message"`
}

// ProviderConfig configures one named LLM endpoint.
type ProviderConfig struct {
	// Kind selects the client implementation: "openai", "anthropic" or
	// "ollama". Empty defaults to "openai" (any OpenAI-compatible API).
	Kind    string `yaml:"kind"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Vision and Usernames declare endpoint capabilities that cannot be
	// discovered from the API.
	Vision    bool `yaml:"vision"`
	Usernames bool `yaml:"usernames"`

	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the provider set and generation parameters.
type LLMConfig struct {
	// Model is the default "provider/model" pair, e.g. "openai/gpt-4o".
	Model string `yaml:"model"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`

	// MaxToolRounds bounds the stream/tool-execute loop within one turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// IDList is an allow/block pair of identifier lists.
type IDList struct {
	AllowedIDs []string `yaml:"allowed_ids"`
	BlockedIDs []string `yaml:"blocked_ids"`
}

// PermissionsConf mirrors the layered allow/block policy.
type PermissionsConf struct {
	AdminIDs   []string `yaml:"admin_ids"`
	Users      IDList   `yaml:"users"`
	Roles      IDList   `yaml:"roles"`
	Channels   IDList   `yaml:"channels"`
	Categories IDList   `yaml:"categories"`
}

// HistoryConfig caps reply-chain context assembly.
type HistoryConfig struct {
	MaxMessages   int `yaml:"max_messages"`
	MaxTextLength int `yaml:"max_text_length"`
	MaxImages     int `yaml:"max_images"`

	// MaxImageBytes drops larger image attachments with a warning.
	MaxImageBytes int64 `yaml:"max_image_bytes"`

	// CacheSize bounds the message-node LRU cache.
	CacheSize int `yaml:"cache_size"`
}

// RateLimitConfig configures the fixed-window limiter gating turn entry.
type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	UserLimit    int           `yaml:"user_limit"`
	UserPeriod   time.Duration `yaml:"user_period"`
	GlobalLimit  int           `yaml:"global_limit"`
	GlobalPeriod time.Duration `yaml:"global_period"`
}

// MemoryConfig configures persisted user memory and suggestion parsing.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`

	// MaxLength truncates a single memory entry beyond this many runes.
	MaxLength int `yaml:"max_length"`

	// LLMSuggests enables parsing of model-emitted memory directives.
	LLMSuggests bool `yaml:"llm_suggests_memory"`

	ReplaceStartMarker string `yaml:"replace_start_marker"`
	ReplaceEndMarker   string `yaml:"replace_end_marker"`
	AppendStartMarker  string `yaml:"append_start_marker"`
	AppendEndMarker    string `yaml:"append_end_marker"`

	// StripFromResponse removes directive markers from the delivered text.
	StripFromResponse bool `yaml:"strip_from_response"`

	NotifyOnUpdate bool `yaml:"notify_on_update"`
}

// ReasoningConfig configures escalation to a secondary reasoning model.
type ReasoningConfig struct {
	Enabled bool `yaml:"enabled"`

	// Model is the "provider/model" pair used for escalated calls.
	Model string `yaml:"model"`

	// Signal is the in-band marker the primary model emits to request
	// escalation.
	Signal string `yaml:"signal"`

	NotifyUser bool `yaml:"notify_user"`

	// IncludeDefaultPrompt prepends the bot's base system prompt to the
	// reasoning instruction.
	IncludeDefaultPrompt bool   `yaml:"include_default_prompt"`
	ExtraInstructions    string `yaml:"extra_instructions"`

	// HistoryMode is "keep_all" (default) or "truncate".
	HistoryMode string `yaml:"history_mode"`

	// TruncatePairs is the number of trailing user/assistant pairs kept in
	// truncate mode.
	TruncatePairs int `yaml:"truncate_pairs"`

	// ReplaceResponse swaps the primary response for the reasoning output;
	// when false the reasoning output is appended.
	ReplaceResponse bool `yaml:"replace_response"`

	MaxTokens int `yaml:"max_tokens"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

const (
	HistoryModeKeepAll  = "keep_all"
	HistoryModeTruncate = "truncate"
)

// Load reads, expands and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses raw YAML into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Discord.EditInterval <= 0 {
		c.Discord.EditInterval = 1300 * time.Millisecond
	}
	if c.Discord.MaxMessageLength <= 0 {
		c.Discord.MaxMessageLength = 2000
	}

	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.MaxToolRounds <= 0 {
		c.LLM.MaxToolRounds = 5
	}
	for name, p := range c.LLM.Providers {
		if p.Kind == "" {
			p.Kind = "openai"
		}
		if p.Timeout <= 0 {
			p.Timeout = 2 * time.Minute
		}
		c.LLM.Providers[name] = p
	}

	if c.History.MaxMessages <= 0 {
		c.History.MaxMessages = 25
	}
	if c.History.MaxTextLength <= 0 {
		c.History.MaxTextLength = 100000
	}
	if c.History.MaxImages < 0 {
		c.History.MaxImages = 0
	}
	if c.History.MaxImageBytes <= 0 {
		c.History.MaxImageBytes = 8 << 20
	}
	if c.History.CacheSize <= 0 {
		c.History.CacheSize = 1000
	}

	if c.RateLimit.UserLimit <= 0 {
		c.RateLimit.UserLimit = 5
	}
	if c.RateLimit.UserPeriod <= 0 {
		c.RateLimit.UserPeriod = time.Minute
	}
	if c.RateLimit.GlobalLimit <= 0 {
		c.RateLimit.GlobalLimit = 60
	}
	if c.RateLimit.GlobalPeriod <= 0 {
		c.RateLimit.GlobalPeriod = time.Minute
	}

	if c.Memory.DBPath == "" {
		c.Memory.DBPath = "memory.db"
	}
	if c.Memory.MaxLength <= 0 {
		c.Memory.MaxLength = 2000
	}
	if c.Memory.ReplaceStartMarker == "" {
		c.Memory.ReplaceStartMarker = "[MEM_REPLACE]"
	}
	if c.Memory.ReplaceEndMarker == "" {
		c.Memory.ReplaceEndMarker = "[/MEM_REPLACE]"
	}
	if c.Memory.AppendStartMarker == "" {
		c.Memory.AppendStartMarker = "[MEM_APPEND]"
	}
	if c.Memory.AppendEndMarker == "" {
		c.Memory.AppendEndMarker = "[/MEM_APPEND]"
	}

	if c.Reasoning.Signal == "" {
		c.Reasoning.Signal = "[USE_REASONING_MODEL]"
	}
	if c.Reasoning.HistoryMode == "" {
		c.Reasoning.HistoryMode = HistoryModeKeepAll
	}
	if c.Reasoning.TruncatePairs <= 0 {
		c.Reasoning.TruncatePairs = 4
	}
	if c.Reasoning.MaxTokens <= 0 {
		c.Reasoning.MaxTokens = c.LLM.MaxTokens
	}
	if c.Reasoning.RateLimit.UserLimit <= 0 {
		c.Reasoning.RateLimit.UserLimit = 2
	}
	if c.Reasoning.RateLimit.UserPeriod <= 0 {
		c.Reasoning.RateLimit.UserPeriod = 5 * time.Minute
	}
	if c.Reasoning.RateLimit.GlobalLimit <= 0 {
		c.Reasoning.RateLimit.GlobalLimit = 20
	}
	if c.Reasoning.RateLimit.GlobalPeriod <= 0 {
		c.Reasoning.RateLimit.GlobalPeriod = 5 * time.Minute
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required")
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if _, _, err := SplitModel(c.LLM.Model); err != nil {
		return fmt.Errorf("llm.model: %w", err)
	}
	if c.Reasoning.Enabled && c.Reasoning.Model != "" {
		if _, _, err := SplitModel(c.Reasoning.Model); err != nil {
			return fmt.Errorf("reasoning.model: %w", err)
		}
	}
	switch c.Reasoning.HistoryMode {
	case HistoryModeKeepAll, HistoryModeTruncate:
	default:
		return fmt.Errorf("reasoning.history_mode must be %q or %q", HistoryModeKeepAll, HistoryModeTruncate)
	}
	return nil
}

// SplitModel splits a "provider/model" pair.
func SplitModel(s string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("expected provider/model, got %q", s)
	}
	return provider, model, nil
}
