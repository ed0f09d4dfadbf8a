// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Modes lists the supported investigation modes.
var Modes = []string{"explore", "ctf", "vuln", "annotate", "explain"}

// Config represents the unfold configuration.
type Config struct {
	LLM       LLMConfig         `toml:"llm"`
	Modes     map[string]string `toml:"modes"` // mode -> model override
	Agent     AgentConfig       `toml:"agent"`
	Compactor CompactorConfig   `toml:"compactor"`
	Analysis  AnalysisConfig    `toml:"analysis"`
	Sandbox   SandboxConfig     `toml:"sandbox"`
	Cache     CacheConfig       `toml:"cache"`
	Storage   StorageConfig     `toml:"storage"`
	Output    OutputConfig      `toml:"output"`
	Telemetry TelemetryConfig   `toml:"telemetry"`
	Logging   LoggingConfig     `toml:"logging"`
}

// LLMConfig contains reasoning backend settings.
type LLMConfig struct {
	Provider          string  `toml:"provider"`
	Model             string  `toml:"model" validate:"required"`
	APIKeyEnv         string  `toml:"api_key_env"`
	BaseURL           string  `toml:"base_url" validate:"omitempty,url"` // Custom API endpoint (OpenRouter, LiteLLM, Ollama, proxy)
	MaxTokens         int     `toml:"max_tokens" validate:"gt=0"`
	MaxRetries        int     `toml:"max_retries" validate:"gte=0,lte=20"`
	InitialBackoff    string  `toml:"initial_backoff" validate:"omitempty,duration"`
	MaxBackoff        string  `toml:"max_backoff" validate:"omitempty,duration"`
	Timeout           string  `toml:"timeout" validate:"omitempty,duration"`
	RequestsPerMinute float64 `toml:"requests_per_minute" validate:"gte=0"`
}

// AgentConfig contains loop settings.
type AgentConfig struct {
	MaxTurns        int `toml:"max_turns" validate:"gt=0"`
	TruncationLimit int `toml:"truncation_limit" validate:"gt=0"` // characters of tool output fed back per result
}

// CompactorConfig contains context budget settings.
type CompactorConfig struct {
	BudgetTokens int    `toml:"budget_tokens" validate:"gte=256"`
	KeepRecent   int    `toml:"keep_recent" validate:"gte=0"`
	Tokenizer    string `toml:"tokenizer" validate:"oneof=heuristic tiktoken"`
}

// AnalysisConfig selects and configures the static-analysis backend.
type AnalysisConfig struct {
	Backend        string `toml:"backend" validate:"oneof=ghidra fixture"`
	URL            string `toml:"url" validate:"omitempty,url"`
	Fixture        string `toml:"fixture" validate:"required_if=Backend fixture"`
	Timeout        string `toml:"timeout" validate:"omitempty,duration"`
	AnalyzeTimeout string `toml:"analyze_timeout" validate:"omitempty,duration"`
}

// SandboxConfig selects and configures the dynamic-execution backend.
type SandboxConfig struct {
	Backend   string `toml:"backend" validate:"oneof=docker fixture disabled"`
	Image     string `toml:"image" validate:"required_if=Backend docker"`
	Timeout   string `toml:"timeout" validate:"omitempty,duration"`
	Memory    string `toml:"memory"`
	MaxOutput int    `toml:"max_output" validate:"gte=0"`
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	Persist bool   `toml:"persist"` // keep pure results across runs
	Path    string `toml:"path"`
}

// StorageConfig contains session persistence settings.
type StorageConfig struct {
	Backend     string `toml:"backend" validate:"oneof=jsonl sqlite"`
	Path        string `toml:"path"`
	SaveSession bool   `toml:"save_session"`
}

// OutputConfig contains report settings.
type OutputConfig struct {
	Format string `toml:"format" validate:"oneof=markdown json html text"`
	File   string `toml:"file"`
	Style  string `toml:"style"` // glamour style for terminal output
}

// TelemetryConfig contains metrics and event bus settings.
type TelemetryConfig struct {
	MetricsAddr string `toml:"metrics_addr"`
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format" validate:"omitempty,oneof=console json"`
	File   string `toml:"file"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:          "claude-sonnet-4-5-20250929",
			MaxTokens:      16384,
			MaxRetries:     5,
			InitialBackoff: "1s",
			MaxBackoff:     "60s",
			Timeout:        "300s",
		},
		Modes: map[string]string{},
		Agent: AgentConfig{
			MaxTurns:        50,
			TruncationLimit: 30000,
		},
		Compactor: CompactorConfig{
			BudgetTokens: 60000,
			KeepRecent:   3,
			Tokenizer:    "heuristic",
		},
		Analysis: AnalysisConfig{
			Backend:        "ghidra",
			URL:            "http://127.0.0.1:18489",
			Timeout:        "120s",
			AnalyzeTimeout: "900s",
		},
		Sandbox: SandboxConfig{
			Backend:   "disabled",
			Image:     "unfold/sandbox:latest",
			Timeout:   "30s",
			Memory:    "256m",
			MaxOutput: 64 * 1024,
		},
		Cache: CacheConfig{
			Path: "~/.unfold/cache",
		},
		Storage: StorageConfig{
			Backend:     "jsonl",
			Path:        "~/.unfold/sessions",
			SaveSession: true,
		},
		Output: OutputConfig{
			Format: "text",
			Style:  "auto",
		},
		Telemetry: TelemetryConfig{
			NATSSubject: "unfold.events",
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := cfg.MergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile decodes a TOML file over the current values.
func (c *Config) MergeFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// SearchPaths returns the config files consulted by Load, lowest precedence first.
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "unfold", "config.toml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".unfold.toml"))
	}
	return paths
}

// Load builds the effective configuration: defaults, then the user and
// project files that exist, then explicit (if set), then UNFOLD_* variables.
func Load(explicit string) (*Config, error) {
	cfg := New()
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := cfg.MergeFile(p); err != nil {
			return nil, err
		}
	}
	if explicit != "" {
		if err := cfg.MergeFile(explicit); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays UNFOLD_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: expected integer, got %q", name, v)
		}
		*dst = n
		return nil
	}

	str("UNFOLD_PROVIDER", &c.LLM.Provider)
	str("UNFOLD_MODEL", &c.LLM.Model)
	str("UNFOLD_BASE_URL", &c.LLM.BaseURL)
	str("UNFOLD_ANALYSIS_BACKEND", &c.Analysis.Backend)
	str("UNFOLD_ANALYSIS_URL", &c.Analysis.URL)
	str("UNFOLD_FIXTURE", &c.Analysis.Fixture)
	str("UNFOLD_SANDBOX", &c.Sandbox.Backend)
	str("UNFOLD_OUTPUT_FORMAT", &c.Output.Format)
	str("UNFOLD_OUTPUT_FILE", &c.Output.File)
	str("UNFOLD_SESSIONS_DIR", &c.Storage.Path)
	str("UNFOLD_LOG_LEVEL", &c.Logging.Level)
	str("UNFOLD_METRICS_ADDR", &c.Telemetry.MetricsAddr)
	str("UNFOLD_NATS_URL", &c.Telemetry.NATSURL)

	if err := num("UNFOLD_MAX_TURNS", &c.Agent.MaxTurns); err != nil {
		return err
	}
	if err := num("UNFOLD_MAX_TOKENS", &c.LLM.MaxTokens); err != nil {
		return err
	}
	if err := num("UNFOLD_TRUNCATION_LIMIT", &c.Agent.TruncationLimit); err != nil {
		return err
	}
	if err := num("UNFOLD_CONTEXT_BUDGET", &c.Compactor.BudgetTokens); err != nil {
		return err
	}
	if v := getenv("UNFOLD_SAVE_SESSION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("UNFOLD_SAVE_SESSION: expected boolean, got %q", v)
		}
		c.Storage.SaveSession = b
	}
	return nil
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Analysis.Backend == "ghidra" && c.Analysis.URL == "" {
		return fmt.Errorf("invalid config: analysis.url is required for the ghidra backend")
	}
	for mode := range c.Modes {
		if !IsMode(mode) {
			return fmt.Errorf("invalid config: unknown mode %q in [modes]", mode)
		}
	}
	return nil
}

// IsMode reports whether m is a supported mode.
func IsMode(m string) bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// ModelFor returns the model configured for a mode, falling back to [llm].model.
func (c *Config) ModelFor(mode string) string {
	if m, ok := c.Modes[mode]; ok && m != "" {
		return m
	}
	return c.LLM.Model
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey(provider string) string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "proxy":
		return "CLIPROXY_API_KEY"
	default:
		return ""
	}
}

// ProxyBaseURL returns the base URL for the proxy provider.
func (c *Config) ProxyBaseURL() string {
	if c.LLM.BaseURL != "" {
		return c.LLM.BaseURL
	}
	return os.Getenv("CLIPROXY_BASE_URL")
}

// Duration parses s, returning def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
