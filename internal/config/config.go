package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for framelined.
//
// Secrets (provider api keys) are never stored here; the provider block
// names an environment variable to read the key from.
type Config struct {
	// ListenAddr is the HTTP/websocket listen address (e.g. "127.0.0.1:7431").
	ListenAddr string `json:"listen_addr"`

	// StateDir holds the frame database and audit trail.
	// If empty, the daemon defaults to ~/.frameline.
	StateDir string `json:"state_dir,omitempty"`

	// Provider configures the summarization model used for compaction.
	Provider *Provider `json:"provider,omitempty"`

	// Compaction tunes the per-session compaction trigger.
	Compaction *Compaction `json:"compaction,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// Provider names the summarization backend.
type Provider struct {
	// Type is "anthropic", "openai" or "openai_compatible".
	Type string `json:"type"`
	// BaseURL overrides the provider endpoint (gateways, proxies).
	BaseURL string `json:"base_url,omitempty"`
	// Model is the model id passed on every call.
	Model string `json:"model"`
	// APIKeyEnv is the environment variable holding the api key.
	APIKeyEnv string `json:"api_key_env"`
}

// Compaction tunes the scheduler. Pointer fields keep "unset" distinct
// from an explicit zero.
type Compaction struct {
	// Enabled turns compaction checks on. Defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
	// MinThreshold is the message count that starts the debounce window.
	// Defaults to 15.
	MinThreshold *int `json:"min_threshold,omitempty"`
	// MaxThreshold is the message count that compacts immediately.
	// Defaults to 25.
	MaxThreshold *int `json:"max_threshold,omitempty"`
	// DebounceMs is the quiet period before a debounced compaction fires.
	// Defaults to 5000.
	DebounceMs *int `json:"debounce_ms,omitempty"`
	// MinConversationChars is the minimum conversation length worth
	// summarizing. Defaults to 100.
	MinConversationChars *int `json:"min_conversation_chars,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("missing listen_addr")
	}
	if c.Provider != nil {
		if err := c.Provider.Validate(); err != nil {
			return fmt.Errorf("invalid provider: %w", err)
		}
	}
	if c.Compaction != nil {
		if err := c.Compaction.Validate(); err != nil {
			return fmt.Errorf("invalid compaction: %w", err)
		}
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func (p *Provider) Validate() error {
	if p == nil {
		return errors.New("nil provider")
	}
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("unsupported type %q", p.Type)
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("missing model")
	}
	if strings.TrimSpace(p.APIKeyEnv) == "" {
		return errors.New("missing api_key_env")
	}
	return nil
}

func (c *Compaction) Validate() error {
	if c == nil {
		return errors.New("nil compaction")
	}
	min := c.MinThresholdOrDefault()
	max := c.MaxThresholdOrDefault()
	if min <= 0 {
		return fmt.Errorf("min_threshold %d must be positive", min)
	}
	if max < min {
		return fmt.Errorf("max_threshold %d below min_threshold %d", max, min)
	}
	if c.DebounceMs != nil && *c.DebounceMs <= 0 {
		return fmt.Errorf("debounce_ms %d must be positive", *c.DebounceMs)
	}
	if c.MinConversationChars != nil && *c.MinConversationChars <= 0 {
		return fmt.Errorf("min_conversation_chars %d must be positive", *c.MinConversationChars)
	}
	return nil
}

func (c *Compaction) EnabledOrDefault() bool {
	if c == nil || c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c *Compaction) MinThresholdOrDefault() int {
	if c == nil || c.MinThreshold == nil {
		return 15
	}
	return *c.MinThreshold
}

func (c *Compaction) MaxThresholdOrDefault() int {
	if c == nil || c.MaxThreshold == nil {
		return 25
	}
	return *c.MaxThreshold
}

func (c *Compaction) DebounceMsOrDefault() int {
	if c == nil || c.DebounceMs == nil {
		return 5000
	}
	return *c.DebounceMs
}

func (c *Compaction) MinConversationCharsOrDefault() int {
	if c == nil || c.MinConversationChars == nil {
		return 100
	}
	return *c.MinConversationChars
}

// ResolveAPIKey reads the provider api key from the configured
// environment variable.
func (p *Provider) ResolveAPIKey() (string, bool) {
	if p == nil {
		return "", false
	}
	key := strings.TrimSpace(os.Getenv(strings.TrimSpace(p.APIKeyEnv)))
	return key, key != ""
}

// DefaultStateDir returns the default state directory:
//
//	~/.frameline
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".frameline"
	}
	return filepath.Join(home, ".frameline")
}

// DefaultConfigPath returns the default config path:
//
//	~/.frameline/config.json
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
