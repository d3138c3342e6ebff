// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ActionName identifies one of the desktop actions the agent may be allowed
// to perform. The set is closed; Validate rejects anything else.
type ActionName string

const (
	ActionNameScreenshot ActionName = "screenshot"
	ActionNameMouseMove  ActionName = "mouse_move"
	ActionNameLeftClick  ActionName = "left_click"
)

// KnownActions is the full closed action vocabulary.
var KnownActions = []ActionName{ActionNameScreenshot, ActionNameMouseMove, ActionNameLeftClick}

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Desktop DesktopConfig `mapstructure:"desktop" yaml:"desktop"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig holds settings for the agent control loop. It is immutable for
// the lifetime of a session once the session starts.
type AgentConfig struct {
	// PrimaryModel and DescriberModel are keys into llm.models.
	PrimaryModel   string `mapstructure:"primary_model" yaml:"primary_model"`
	DescriberModel string `mapstructure:"describer_model" yaml:"describer_model"`

	// UseDescriber routes screenshot observations through the secondary
	// vision model instead of feeding raw images to the primary model.
	UseDescriber bool `mapstructure:"use_describer" yaml:"use_describer"`

	// PrimaryVision marks the primary model as accepting image input. It is
	// the fallback path when the describer is disabled or unavailable.
	PrimaryVision bool `mapstructure:"primary_vision" yaml:"primary_vision"`

	MaxTurns       int          `mapstructure:"max_turns" yaml:"max_turns"`
	AllowedActions []ActionName `mapstructure:"allowed_actions" yaml:"allowed_actions"`

	// MaxAttempts bounds retries for transport-level failures (model call,
	// describer call, backend unreachable). 1 means no retry.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	DecideTimeout   time.Duration `mapstructure:"decide_timeout" yaml:"decide_timeout"`
	DescribeTimeout time.Duration `mapstructure:"describe_timeout" yaml:"describe_timeout"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig is the table of named model configurations.
type LLMConfig struct {
	Models map[string]ModelConfig `mapstructure:"models" yaml:"models"`
}

// ModelConfig defines the configuration for a single LLM.
type ModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`

	// RequestsPerMinute caps the client-side call rate. Zero disables the
	// limiter.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// DesktopConfig holds settings for the desktop backend.
type DesktopConfig struct {
	// Backend selects the desktop implementation. "cdp" drives a Chrome
	// DevTools target as the virtual desktop.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// DevToolsURL is the websocket debugger URL of an already running
	// display target (e.g. ws://127.0.0.1:9222/devtools/browser/...).
	// Empty means a headless target is allocated locally.
	DevToolsURL string `mapstructure:"devtools_url" yaml:"devtools_url"`

	ViewportWidth  int `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int `mapstructure:"viewport_height" yaml:"viewport_height"`

	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ScreenshotFormat  string        `mapstructure:"screenshot_format" yaml:"screenshot_format"`
	ScreenshotQuality int           `mapstructure:"screenshot_quality" yaml:"screenshot_quality"`
}

// ServerConfig tunes the session server exposed by `deskpilot serve`.
type ServerConfig struct {
	Listen         string        `mapstructure:"listen" yaml:"listen"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "deskpilot")
	v.SetDefault("logger.log_file", "deskpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.primary_model", "primary")
	v.SetDefault("agent.describer_model", "describer")
	v.SetDefault("agent.use_describer", true)
	v.SetDefault("agent.primary_vision", false)
	v.SetDefault("agent.max_turns", 24)
	v.SetDefault("agent.allowed_actions", []string{"screenshot", "mouse_move", "left_click"})
	v.SetDefault("agent.max_attempts", 3)
	v.SetDefault("agent.decide_timeout", "60s")
	v.SetDefault("agent.describe_timeout", "45s")

	// -- LLM --
	v.SetDefault("llm.models.primary.provider", "openai")
	v.SetDefault("llm.models.primary.model", "gpt-4o-mini")
	v.SetDefault("llm.models.primary.api_timeout", "60s")
	v.SetDefault("llm.models.primary.temperature", 0.2)
	v.SetDefault("llm.models.primary.max_tokens", 1024)
	v.SetDefault("llm.models.describer.provider", "openai")
	v.SetDefault("llm.models.describer.model", "gpt-4o")
	v.SetDefault("llm.models.describer.api_timeout", "45s")
	v.SetDefault("llm.models.describer.temperature", 0.1)
	v.SetDefault("llm.models.describer.max_tokens", 512)

	// -- Desktop --
	v.SetDefault("desktop.backend", "cdp")
	v.SetDefault("desktop.viewport_width", 1280)
	v.SetDefault("desktop.viewport_height", 800)
	v.SetDefault("desktop.action_timeout", "15s")
	v.SetDefault("desktop.screenshot_format", "png")
	v.SetDefault("desktop.screenshot_quality", 90)

	// -- Server --
	v.SetDefault("server.listen", "127.0.0.1:8321")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("llm.models.primary.api_key", "DESKPILOT_PRIMARY_API_KEY")
	v.BindEnv("llm.models.describer.api_key", "DESKPILOT_DESCRIBER_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ActionAllowed reports whether the given action name is in the allowed set.
func (a AgentConfig) ActionAllowed(name ActionName) bool {
	for _, allowed := range a.AllowedActions {
		if allowed == name {
			return true
		}
	}
	return false
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if c.Desktop.ViewportWidth <= 0 || c.Desktop.ViewportHeight <= 0 {
		return fmt.Errorf("desktop viewport dimensions must be positive")
	}
	if c.Desktop.ActionTimeout <= 0 {
		return fmt.Errorf("desktop.action_timeout must be a positive duration")
	}

	// A text-only primary model cannot consume screenshots without the
	// describer interposed.
	if c.Agent.ActionAllowed(ActionNameScreenshot) && !c.Agent.UseDescriber && !c.Agent.PrimaryVision {
		return fmt.Errorf("screenshot is allowed but use_describer=false and primary_vision=false: the primary model would receive images it cannot read")
	}

	if _, ok := c.LLM.Models[c.Agent.PrimaryModel]; !ok {
		return fmt.Errorf("agent.primary_model %q has no entry under llm.models", c.Agent.PrimaryModel)
	}
	if c.Agent.UseDescriber {
		if _, ok := c.LLM.Models[c.Agent.DescriberModel]; !ok {
			return fmt.Errorf("agent.describer_model %q has no entry under llm.models", c.Agent.DescriberModel)
		}
	}
	return nil
}

// Validate checks the agent loop settings.
func (a *AgentConfig) Validate() error {
	if a.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be a positive integer")
	}
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be a positive integer")
	}
	if len(a.AllowedActions) == 0 {
		return fmt.Errorf("allowed_actions must not be empty")
	}
	for _, name := range a.AllowedActions {
		known := false
		for _, k := range KnownActions {
			if name == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown action %q in allowed_actions", name)
		}
	}
	if a.DecideTimeout <= 0 {
		return fmt.Errorf("decide_timeout must be a positive duration")
	}
	return nil
}
