package config

import (
	"os"
	"path/filepath"
	"testing"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := &Config{
		ListenAddr: "127.0.0.1:7431",
		Provider:   &Provider{Type: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY"},
		Compaction: &Compaction{MinThreshold: intPtr(10), MaxThreshold: intPtr(20)},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing listen addr", Config{}},
		{"bad provider type", Config{ListenAddr: "a:1", Provider: &Provider{Type: "carrier-pigeon", Model: "m", APIKeyEnv: "K"}}},
		{"provider without model", Config{ListenAddr: "a:1", Provider: &Provider{Type: "openai", APIKeyEnv: "K"}}},
		{"provider without key env", Config{ListenAddr: "a:1", Provider: &Provider{Type: "openai", Model: "m"}}},
		{"max below min", Config{ListenAddr: "a:1", Compaction: &Compaction{MinThreshold: intPtr(20), MaxThreshold: intPtr(10)}}},
		{"zero debounce", Config{ListenAddr: "a:1", Compaction: &Compaction{DebounceMs: intPtr(0)}}},
		{"bad log level", Config{ListenAddr: "a:1", LogLevel: "shout"}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}
}

func TestCompaction_Defaults(t *testing.T) {
	t.Parallel()

	var c *Compaction
	if !c.EnabledOrDefault() {
		t.Fatalf("nil compaction must default to enabled")
	}
	if got := c.MinThresholdOrDefault(); got != 15 {
		t.Fatalf("min=%d, want 15", got)
	}
	if got := c.MaxThresholdOrDefault(); got != 25 {
		t.Fatalf("max=%d, want 25", got)
	}
	if got := c.DebounceMsOrDefault(); got != 5000 {
		t.Fatalf("debounce=%d, want 5000", got)
	}
	if got := c.MinConversationCharsOrDefault(); got != 100 {
		t.Fatalf("min chars=%d, want 100", got)
	}

	set := &Compaction{Enabled: boolPtr(false), MinThreshold: intPtr(3)}
	if set.EnabledOrDefault() {
		t.Fatalf("explicit disabled ignored")
	}
	if got := set.MinThresholdOrDefault(); got != 3 {
		t.Fatalf("min=%d, want 3", got)
	}
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{
		ListenAddr: "127.0.0.1:7431",
		StateDir:   "/tmp/frameline-test",
		Provider:   &Provider{Type: "openai", Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY"},
		Compaction: &Compaction{MinThreshold: intPtr(5), MaxThreshold: intPtr(9), DebounceMs: intPtr(1000)},
		LogFormat:  "text",
		LogLevel:   "debug",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v, want 0600", st.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenAddr != cfg.ListenAddr || got.Provider.Model != "gpt-4o-mini" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Compaction.MinThresholdOrDefault() != 5 || got.Compaction.DebounceMsOrDefault() != 1000 {
		t.Fatalf("compaction round trip mismatch: %+v", got.Compaction)
	}
}

func TestProvider_ResolveAPIKey(t *testing.T) {
	t.Setenv("FRAMELINE_TEST_KEY", "sk-local")

	p := &Provider{Type: "anthropic", Model: "m", APIKeyEnv: "FRAMELINE_TEST_KEY"}
	key, ok := p.ResolveAPIKey()
	if !ok || key != "sk-local" {
		t.Fatalf("got %q/%v, want sk-local/true", key, ok)
	}

	p.APIKeyEnv = "FRAMELINE_TEST_KEY_MISSING"
	if _, ok := p.ResolveAPIKey(); ok {
		t.Fatalf("missing env var resolved")
	}
}
