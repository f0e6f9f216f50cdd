// Package config loads overlay configuration from .overlay/config.yaml
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all overlay configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Chrome connection and page settings
	Browser BrowserConfig `yaml:"browser"`

	// Recording session settings
	Recorder RecorderConfig `yaml:"recorder"`

	// Healer scoring weights and tier settings
	Healer HealerConfig `yaml:"healer"`

	// AI validation call
	AI AIConfig `yaml:"ai"`

	// Workflow/step persistence
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig configures the Chrome session manager.
type BrowserConfig struct {
	DebuggerURL         string   `yaml:"debugger_url"`
	Launch              []string `yaml:"launch"`
	Headless            bool     `yaml:"headless"`
	ViewportWidth       int      `yaml:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
	EventPollMs         int      `yaml:"event_poll_ms"`
}

// NavigationTimeout returns the navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// EventPollInterval returns how often the injected event buffer is drained.
func (c BrowserConfig) EventPollInterval() time.Duration {
	if c.EventPollMs == 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.EventPollMs) * time.Millisecond
}

// RecorderConfig configures recording sessions.
type RecorderConfig struct {
	// Navigations within this window after a click/submit are folded into
	// that step instead of being recorded as their own navigate step.
	NavigateFoldMs int `yaml:"navigate_fold_ms"`

	// Screenshot capture alongside each step
	CaptureScreenshots bool   `yaml:"capture_screenshots"`
	ScreenshotDir      string `yaml:"screenshot_dir"`
}

// NavigateFoldWindow returns the navigate-step suppression window.
func (c RecorderConfig) NavigateFoldWindow() time.Duration {
	if c.NavigateFoldMs == 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.NavigateFoldMs) * time.Millisecond
}

// HealerConfig configures deterministic scoring and tier behavior.
// Weights are tuning parameters, not correctness contracts; the tier
// ordering and result invariants are fixed in the healer itself.
type HealerConfig struct {
	TextWeight     float64 `yaml:"text_weight"`
	LandmarkWeight float64 `yaml:"landmark_weight"`
	AncestorWeight float64 `yaml:"ancestor_weight"`
	PositionWeight float64 `yaml:"position_weight"`
	ClassWeight    float64 `yaml:"class_weight"`

	AcceptThreshold float64 `yaml:"accept_threshold"`
	TopK            int     `yaml:"top_k"`
}

// AIConfig configures the semantic validation call.
type AIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Timeout returns the bounded timeout for one AI validation call.
func (c AIConfig) Timeout() time.Duration {
	if c.TimeoutMs == 0 {
		return 8 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "overlay",
		Version: "0.4.0",

		Browser: BrowserConfig{
			Headless:            false,
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
			EventPollMs:         250,
		},

		Recorder: RecorderConfig{
			NavigateFoldMs:     1500,
			CaptureScreenshots: true,
			ScreenshotDir:      ".overlay/shots",
		},

		Healer: HealerConfig{
			TextWeight:      0.30,
			LandmarkWeight:  0.25,
			AncestorWeight:  0.20,
			PositionWeight:  0.15,
			ClassWeight:     0.10,
			AcceptThreshold: 0.60,
			TopK:            3,
		},

		AI: AIConfig{
			Enabled:   false,
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			TimeoutMs: 8000,
		},

		Storage: StorageConfig{
			DatabasePath: ".overlay/overlay.db",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".overlay", "config.yaml")
}

// Load loads configuration from a YAML file.
// Returns defaults if the file does not exist.
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
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OVERLAY_AI_API_KEY"); key != "" {
		c.AI.APIKey = key
		c.AI.Enabled = true
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.AI.APIKey == "" {
		c.AI.APIKey = key
	}
	if url := os.Getenv("OVERLAY_AI_BASE_URL"); url != "" {
		c.AI.BaseURL = url
	}
	if url := os.Getenv("OVERLAY_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
	if db := os.Getenv("OVERLAY_DB_PATH"); db != "" {
		c.Storage.DatabasePath = db
	}
	if os.Getenv("OVERLAY_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks the loaded configuration for obviously broken values.
func (c *Config) Validate() error {
	h := c.Healer
	sum := h.TextWeight + h.LandmarkWeight + h.AncestorWeight + h.PositionWeight + h.ClassWeight
	if sum <= 0 {
		return fmt.Errorf("healer weights sum to %v, must be positive", sum)
	}
	if h.AcceptThreshold < 0 || h.AcceptThreshold > 1 {
		return fmt.Errorf("healer accept_threshold %v out of [0,1]", h.AcceptThreshold)
	}
	if h.TopK < 0 {
		return fmt.Errorf("healer top_k must be >= 0")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage database_path required")
	}
	return nil
}
