// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Mission     MissionConfig     `mapstructure:"mission" yaml:"mission"`
	Target      TargetConfig      `mapstructure:"target" yaml:"target"`
	Sequencer   SequencerConfig   `mapstructure:"sequencer" yaml:"sequencer"`
	Judge       JudgeConfig       `mapstructure:"judge" yaml:"judge"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Desktop     DesktopConfig     `mapstructure:"desktop" yaml:"desktop"`
	Mobile      MobileConfig      `mapstructure:"mobile" yaml:"mobile"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts" yaml:"artifacts"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
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

// MissionConfig bounds a single Run.
type MissionConfig struct {
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxDuration   time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	// JudgeEvery judges iterations whose number is a multiple of it. 1 judges every iteration.
	JudgeEvery int `mapstructure:"judge_every" yaml:"judge_every"`
	// ProposeActions asks the judge for follow-up actions after a failing verdict.
	ProposeActions bool `mapstructure:"propose_actions" yaml:"propose_actions"`
}

// TargetConfig selects and identifies the surface under test.
type TargetConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// SequencerConfig tunes action generation.
type SequencerConfig struct {
	MaxElements   int           `mapstructure:"max_elements" yaml:"max_elements"`
	MaxSingles    int           `mapstructure:"max_singles" yaml:"max_singles"`
	MaxPairs      int           `mapstructure:"max_pairs" yaml:"max_pairs"`
	Depth         int           `mapstructure:"depth" yaml:"depth"`
	SettleDelay   time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	FillText      string        `mapstructure:"fill_text" yaml:"fill_text"`
	Key           string        `mapstructure:"key" yaml:"key"`
	// FatalOnActionError promotes action failures from soft to fatal.
	FatalOnActionError bool `mapstructure:"fatal_on_action_error" yaml:"fatal_on_action_error"`
}

// JudgeProvider names a judge transport.
type JudgeProvider string

const (
	ProviderHTTP   JudgeProvider = "http"
	ProviderGemini JudgeProvider = "gemini"
)

// JudgeConfig configures the vision judge client.
type JudgeConfig struct {
	Provider        JudgeProvider `mapstructure:"provider" yaml:"provider"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model           string        `mapstructure:"model" yaml:"model"`
	Instruction     string        `mapstructure:"instruction" yaml:"instruction"`
	InstructionFile string        `mapstructure:"instruction_file" yaml:"instruction_file"`
	ProposalFile    string        `mapstructure:"proposal_instruction_file" yaml:"proposal_instruction_file"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed" yaml:"max_retry_elapsed"`
	ExpectJSON      bool          `mapstructure:"expect_json" yaml:"expect_json"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Temperature     float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// CredentialsConfig locates the credential pool and its usage ledger.
type CredentialsConfig struct {
	PoolFile  string `mapstructure:"pool_file" yaml:"pool_file"`
	UsageFile string `mapstructure:"usage_file" yaml:"usage_file"`
	Period    string `mapstructure:"period" yaml:"period"`
}

// BrowserConfig holds settings for the headless browser adapter.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	DOMExcerptBytes   int           `mapstructure:"dom_excerpt_bytes" yaml:"dom_excerpt_bytes"`
}

// DesktopConfig drives the native-window probe helper process.
type DesktopConfig struct {
	Helper         []string      `mapstructure:"helper" yaml:"helper"`
	App            string        `mapstructure:"app" yaml:"app"`
	AppArgs        string        `mapstructure:"app_args" yaml:"app_args"`
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	WindowTitle    string        `mapstructure:"window_title" yaml:"window_title"`
	MaxControls    int           `mapstructure:"max_controls" yaml:"max_controls"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Settle         time.Duration `mapstructure:"settle" yaml:"settle"`
	// ActionTimeout bounds one helper run, and replaces sequencer.action_timeout
	// for desktop targets since every action is a full helper run.
	ActionTimeout  time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	AttachOnly     bool          `mapstructure:"attach_only" yaml:"attach_only"`
	CloseOnDispose bool          `mapstructure:"close_on_dispose" yaml:"close_on_dispose"`
	WorkDir        string        `mapstructure:"work_dir" yaml:"work_dir"`
}

// MobileConfig drives a device through the adb bridge.
type MobileConfig struct {
	ADBPath            string `mapstructure:"adb_path" yaml:"adb_path"`
	Serial             string `mapstructure:"serial" yaml:"serial"`
	Package            string `mapstructure:"package" yaml:"package"`
	Activity           string `mapstructure:"activity" yaml:"activity"`
	ForceStopOnDispose bool   `mapstructure:"force_stop_on_dispose" yaml:"force_stop_on_dispose"`
}

// ArtifactsConfig controls where run directories are created.
type ArtifactsConfig struct {
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
}

// MetricsConfig toggles the per-run prometheus textfile.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// DatabaseConfig holds the optional run index connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
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

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "missionloop")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Mission --
	v.SetDefault("mission.max_iterations", 5)
	v.SetDefault("mission.max_duration", "10m")
	v.SetDefault("mission.judge_every", 1)
	v.SetDefault("mission.propose_actions", false)

	// -- Target --
	v.SetDefault("target.kind", "browser")

	// -- Sequencer --
	v.SetDefault("sequencer.max_elements", 14)
	v.SetDefault("sequencer.max_singles", 8)
	v.SetDefault("sequencer.max_pairs", 12)
	v.SetDefault("sequencer.depth", 1)
	v.SetDefault("sequencer.settle_delay", "300ms")
	v.SetDefault("sequencer.action_timeout", "5s")
	v.SetDefault("sequencer.fill_text", "missionloop")
	v.SetDefault("sequencer.key", "Enter")
	v.SetDefault("sequencer.fatal_on_action_error", false)

	// -- Judge --
	v.SetDefault("judge.provider", string(ProviderHTTP))
	v.SetDefault("judge.model", "gemini-2.5-flash")
	v.SetDefault("judge.timeout", "60s")
	v.SetDefault("judge.max_retry_elapsed", "2m")
	v.SetDefault("judge.expect_json", false)
	v.SetDefault("judge.rate_limit", 0.0)
	v.SetDefault("judge.temperature", 0.0)
	v.SetDefault("judge.max_tokens", 1024)

	// -- Credentials --
	v.SetDefault("credentials.pool_file", "~/.missionloop/credentials.json")
	v.SetDefault("credentials.usage_file", "~/.missionloop/credential_usage.json")
	v.SetDefault("credentials.period", "monthly")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 768)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.dom_excerpt_bytes", 16384)

	// -- Desktop --
	v.SetDefault("desktop.helper", []string{"python", "scripts/desktop_probe.py"})
	v.SetDefault("desktop.backend", "uia")
	v.SetDefault("desktop.max_controls", 120)
	v.SetDefault("desktop.timeout", "20s")
	v.SetDefault("desktop.settle", "600ms")
	v.SetDefault("desktop.action_timeout", "60s")
	v.SetDefault("desktop.close_on_dispose", false)

	// -- Mobile --
	v.SetDefault("mobile.adb_path", "adb")
	v.SetDefault("mobile.force_stop_on_dispose", false)

	// -- Artifacts & Metrics --
	v.SetDefault("artifacts.output_dir", "runs")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.textfile", "")
}

// NewConfigFromViper creates a validated configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Decode unmarshals and expands the configuration without validating it. Commands that
// do not start a Run use it so that an incomplete target section does not block them.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "MISSIONLOOP_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("MISSIONLOOP_DATABASE_URL")
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading "~" in the file locations.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Credentials.PoolFile,
		&c.Credentials.UsageFile,
		&c.Judge.InstructionFile,
		&c.Judge.ProposalFile,
		&c.Artifacts.OutputDir,
		&c.Logger.LogFile,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Mission.Validate(); err != nil {
		return fmt.Errorf("mission configuration invalid: %w", err)
	}
	if err := c.Sequencer.Validate(); err != nil {
		return fmt.Errorf("sequencer configuration invalid: %w", err)
	}
	if err := c.Judge.Validate(); err != nil {
		return fmt.Errorf("judge configuration invalid: %w", err)
	}
	switch c.Credentials.Period {
	case "monthly", "daily":
	default:
		return fmt.Errorf("credentials.period must be 'monthly' or 'daily', got %q", c.Credentials.Period)
	}
	if c.Credentials.PoolFile == "" || c.Credentials.UsageFile == "" {
		return fmt.Errorf("credentials.pool_file and credentials.usage_file are required")
	}
	if c.Artifacts.OutputDir == "" {
		return fmt.Errorf("artifacts.output_dir is required")
	}

	switch c.Target.Kind {
	case "browser":
		if c.Target.URL == "" {
			return fmt.Errorf("target.url is required for browser targets")
		}
	case "desktop":
		if len(c.Desktop.Helper) == 0 {
			return fmt.Errorf("desktop.helper must name the probe helper command")
		}
		if c.Desktop.App == "" && !c.Desktop.AttachOnly {
			return fmt.Errorf("desktop.app is required unless desktop.attach_only is set")
		}
		if c.Desktop.ActionTimeout < 0 {
			return fmt.Errorf("desktop.action_timeout must not be negative")
		}
	case "mobile":
		if c.Mobile.ADBPath == "" {
			return fmt.Errorf("mobile.adb_path is required for mobile targets")
		}
	default:
		return fmt.Errorf("target.kind must be one of browser, desktop, mobile; got %q", c.Target.Kind)
	}
	return nil
}

// SequencerFor returns the sequencer settings for the configured target kind.
func (c *Config) SequencerFor() SequencerConfig {
	seq := c.Sequencer
	if c.Target.Kind == "desktop" && c.Desktop.ActionTimeout > 0 {
		seq.ActionTimeout = c.Desktop.ActionTimeout
	}
	return seq
}

// Validate checks the mission bounds.
func (m *MissionConfig) Validate() error {
	if m.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be a positive integer")
	}
	if m.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be a positive duration")
	}
	if m.JudgeEvery <= 0 {
		return fmt.Errorf("judge_every must be a positive integer")
	}
	return nil
}

// Validate checks the sequencer caps.
func (s *SequencerConfig) Validate() error {
	if s.MaxElements < 0 || s.MaxSingles < 0 || s.MaxPairs < 0 {
		return fmt.Errorf("max_elements, max_singles and max_pairs must not be negative")
	}
	if s.Depth < 1 {
		return fmt.Errorf("depth must be at least 1")
	}
	if s.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the judge transport settings.
func (j *JudgeConfig) Validate() error {
	switch j.Provider {
	case ProviderHTTP:
		if j.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the http provider")
		}
	case ProviderGemini:
		if j.Model == "" {
			return fmt.Errorf("model is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown judge provider %q, supported: [%s, %s]", j.Provider, ProviderHTTP, ProviderGemini)
	}
	if j.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}
