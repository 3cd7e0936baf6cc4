// Package config loads magenta configuration from config.yaml, applies
// environment overrides and validates the credentials the agent cannot
// run without.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"magenta/internal/flow"
	"magenta/internal/limbic"
)

// Config holds all magenta configuration.
type Config struct {
	// Core settings
	Name     string `yaml:"name"`
	StateDir string `yaml:"state_dir"`

	// Letta agent server (remote persona + passage store)
	Letta LettaConfig `yaml:"letta"`

	// Bluesky platform credentials
	Bluesky BlueskyConfig `yaml:"bluesky"`

	// Candidate proposer model
	LLM LLMConfig `yaml:"llm"`

	// Limbic scheduler tuning
	Limbic LimbicConfig `yaml:"limbic"`

	// Decision and preflight policy
	Policy PolicyConfig `yaml:"policy"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LettaConfig configures the remote agent server.
type LettaConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	AgentID string `yaml:"agent_id"`
	Timeout string `yaml:"timeout"`
}

// BlueskyConfig configures the platform client.
type BlueskyConfig struct {
	Handle      string   `yaml:"handle"`
	AppPassword string   `yaml:"app_password"`
	PDSHost     string   `yaml:"pds_host"`
	BotSuffixes []string `yaml:"bot_suffixes"`
}

// LLMConfig configures the candidate proposer.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
	Persona     string  `yaml:"persona"`
}

// LimbicConfig configures the heartbeat and per-signal overrides. Any
// signal absent from Signals keeps its built-in defaults.
type LimbicConfig struct {
	TickInterval string                   `yaml:"tick_interval"`
	SyncEvery    int                      `yaml:"sync_every"`
	Signals      map[string]limbic.Config `yaml:"signals"`
}

// PolicyConfig groups the decision, preflight and memory policies.
type PolicyConfig struct {
	Decision  flow.DecisionPolicy  `yaml:"decision"`
	Preflight flow.PreflightPolicy `yaml:"preflight"`
	Memory    flow.MemoryPolicy    `yaml:"memory"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "magenta",
		StateDir: "state",

		Letta: LettaConfig{
			BaseURL: "http://localhost:8283",
			Timeout: "30s",
		},

		Bluesky: BlueskyConfig{
			PDSHost:     "https://bsky.social",
			BotSuffixes: []string{".bsky.bot", "bot.bsky.social"},
		},

		LLM: LLMConfig{
			Model:       "gemini-2.0-flash",
			Temperature: 0.7,
			Timeout:     "120s",
		},

		Limbic: LimbicConfig{
			TickInterval: "60s",
			SyncEvery:    5,
		},

		Policy: PolicyConfig{
			Decision:  flow.DefaultDecisionPolicy(),
			Preflight: flow.DefaultPreflightPolicy(),
			Memory:    flow.DefaultMemoryPolicy(),
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; env overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Secrets are
// expected here rather than in the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LETTA_BASE_URL"); v != "" {
		c.Letta.BaseURL = v
	}
	if v := os.Getenv("LETTA_API_KEY"); v != "" {
		c.Letta.APIKey = v
	}
	if v := os.Getenv("LETTA_AGENT_ID"); v != "" {
		c.Letta.AgentID = v
	}

	if v := os.Getenv("BLUESKY_HANDLE"); v != "" {
		c.Bluesky.Handle = v
	}
	if v := os.Getenv("BLUESKY_APP_PASSWORD"); v != "" {
		c.Bluesky.AppPassword = v
	}
	if v := os.Getenv("BLUESKY_PDS_HOST"); v != "" {
		c.Bluesky.PDSHost = v
	}

	// GENAI_API_KEY wins over GEMINI_API_KEY when both are set.
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}

	if v := os.Getenv("MAGENTA_STATE_DIR"); v != "" {
		c.StateDir = v
	}
}

// Validate checks the settings the agent cannot start without.
func (c *Config) Validate() error {
	if c.Letta.AgentID == "" {
		return fmt.Errorf("letta agent id not configured (set LETTA_AGENT_ID or letta.agent_id)")
	}
	if c.Bluesky.Handle == "" || c.Bluesky.AppPassword == "" {
		return fmt.Errorf("bluesky credentials not configured (set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD)")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("proposer API key not configured (set GEMINI_API_KEY or GENAI_API_KEY)")
	}
	return nil
}

// SignalConfigs merges the YAML per-signal overrides onto the built-in
// defaults. Unknown signal names are ignored.
func (c *Config) SignalConfigs() map[limbic.Kind]limbic.Config {
	configs := limbic.DefaultConfigs()
	for name, override := range c.Limbic.Signals {
		kind := limbic.Kind(name)
		if _, ok := configs[kind]; !ok {
			continue
		}
		configs[kind] = override
	}
	return configs
}

// GetTickInterval returns the heartbeat interval as a duration.
func (c *Config) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.Limbic.TickInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetLettaTimeout returns the Letta request timeout as a duration.
func (c *Config) GetLettaTimeout() time.Duration {
	d, err := time.ParseDuration(c.Letta.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetLLMTimeout returns the proposer timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// StatePath joins a file name onto the state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.StateDir, name)
}
