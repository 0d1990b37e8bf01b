// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/rankbot/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Agent() AgentConfig
	State() StateConfig
	Dispatch() DispatchConfig
	Models() ModelsConfig
	Telemetry() TelemetryConfig
	Capture() CaptureConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Database() DatabaseConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	AgentCfg     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	StateCfg     StateConfig     `mapstructure:"state" yaml:"state"`
	DispatchCfg  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	ModelsCfg    ModelsConfig    `mapstructure:"models" yaml:"models"`
	TelemetryCfg TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	CaptureCfg   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	NetworkCfg   NetworkConfig   `mapstructure:"network" yaml:"network"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
}

// -- Interface Method Implementations (Getters) --

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Agent() AgentConfig         { return c.AgentCfg }
func (c *Config) State() StateConfig         { return c.StateCfg }
func (c *Config) Dispatch() DispatchConfig   { return c.DispatchCfg }
func (c *Config) Models() ModelsConfig       { return c.ModelsCfg }
func (c *Config) Telemetry() TelemetryConfig { return c.TelemetryCfg }
func (c *Config) Capture() CaptureConfig     { return c.CaptureCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig     { return c.NetworkCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }

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

// AgentConfig tunes the control loop.
type AgentConfig struct {
	// TickDelay is the fixed delay between the end of one tick and the start of the next.
	TickDelay time.Duration `mapstructure:"tick_delay" yaml:"tick_delay"`
	// TickTimeout bounds a single tick. Zero means no bound beyond Stop.
	TickTimeout         time.Duration `mapstructure:"tick_timeout" yaml:"tick_timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
}

// StateConfig holds the feature schema shared with the decision model.
type StateConfig struct {
	Schema []string `mapstructure:"schema" yaml:"schema"`
}

// DispatchConfig configures how action labels become taps.
type DispatchConfig struct {
	// Sink is "log" or "browser".
	Sink string `mapstructure:"sink" yaml:"sink"`
	// Targets maps an action label to the detection label it taps.
	Targets map[string]string `mapstructure:"targets" yaml:"targets"`
}

// ModelsConfig configures the model lifecycle manager.
type ModelsConfig struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	CacheDir        string        `mapstructure:"cache_dir" yaml:"cache_dir"`
	Extension       string        `mapstructure:"extension" yaml:"extension"`
	Runtime         string        `mapstructure:"runtime" yaml:"runtime"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout" yaml:"metadata_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
	// DetectionInputShape is only consulted by runtimes whose artifacts do not
	// carry their own tensor shapes.
	DetectionInputShape []int `mapstructure:"detection_input_shape" yaml:"detection_input_shape"`
}

// TelemetryConfig configures the fire-and-forget uploader.
type TelemetryConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CaptureConfig selects the frame source.
type CaptureConfig struct {
	// Source is "browser" or "directory".
	Source    string `mapstructure:"source" yaml:"source"`
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// BrowserConfig holds settings for the CDP driven frame source and tap sink.
type BrowserConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	TapHold        time.Duration `mapstructure:"tap_hold" yaml:"tap_hold"`
	Args           []string      `mapstructure:"args" yaml:"args"`
}

// NetworkConfig tunes the shared HTTP client.
type NetworkConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
}

// DatabaseConfig holds the database connection details for the model ledger.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// DefaultSchema is the feature order the shipped decision model was trained on.
var DefaultSchema = []string{
	"hero_health", "hero_mana", "hero_location_x", "hero_location_y",
	"enemy_closest_distance", "enemy_count", "tower_closest_distance",
	"is_pushing", "is_retreating", "game_state",
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
	v.SetDefault("logger.service_name", "rankbot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.tick_delay", "100ms")
	v.SetDefault("agent.tick_timeout", "2s")
	v.SetDefault("agent.confidence_threshold", 0.25)

	// -- State --
	v.SetDefault("state.schema", DefaultSchema)

	// -- Dispatch --
	v.SetDefault("dispatch.sink", "log")
	v.SetDefault("dispatch.targets", map[string]string{
		string(schemas.ActionAttackTower):  schemas.LabelTower,
		string(schemas.ActionCastSkill1):   schemas.LabelSkill1,
		string(schemas.ActionCastSkill2):   schemas.LabelSkill2,
		string(schemas.ActionCastUltimate): schemas.LabelSkill3,
	})

	// -- Models --
	v.SetDefault("models.base_url", "http://127.0.0.1:8787")
	v.SetDefault("models.cache_dir", "~/.rankbot/models")
	v.SetDefault("models.extension", ".tflite")
	v.SetDefault("models.runtime", "linear")
	v.SetDefault("models.refresh_interval", "10m")
	v.SetDefault("models.metadata_timeout", "10s")
	v.SetDefault("models.download_timeout", "5m")
	v.SetDefault("models.detection_input_shape", []int{1, 320, 320, 3})

	// -- Telemetry --
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.base_url", "")
	v.SetDefault("telemetry.rate_per_second", 1.0)
	v.SetDefault("telemetry.burst", 1)
	v.SetDefault("telemetry.queue_size", 8)
	v.SetDefault("telemetry.timeout", "15s")

	// -- Capture --
	v.SetDefault("capture.source", "directory")
	v.SetDefault("capture.directory", "./frames")

	// -- Browser --
	v.SetDefault("browser.url", "about:blank")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.tap_hold", "10ms")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "RANKBOT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading "~" in every filesystem path setting.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.ModelsCfg.CacheDir, &c.CaptureCfg.Directory, &c.LoggerCfg.LogFile} {
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
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.StateCfg.Validate(); err != nil {
		return fmt.Errorf("state configuration invalid: %w", err)
	}
	if err := c.DispatchCfg.Validate(); err != nil {
		return fmt.Errorf("dispatch configuration invalid: %w", err)
	}
	if err := c.ModelsCfg.Validate(); err != nil {
		return fmt.Errorf("models configuration invalid: %w", err)
	}
	if err := c.TelemetryCfg.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration invalid: %w", err)
	}
	if err := c.CaptureCfg.Validate(); err != nil {
		return fmt.Errorf("capture configuration invalid: %w", err)
	}
	if c.CaptureCfg.Source == "browser" || c.DispatchCfg.Sink == "browser" {
		if c.BrowserCfg.URL == "" {
			return fmt.Errorf("browser.url is required when the browser is used")
		}
	}
	return nil
}

// Validate checks the loop settings.
func (a *AgentConfig) Validate() error {
	if a.TickDelay <= 0 {
		return fmt.Errorf("tick_delay must be a positive duration")
	}
	if a.TickTimeout < 0 {
		return fmt.Errorf("tick_timeout must not be negative")
	}
	if a.ConfidenceThreshold < 0.0 || a.ConfidenceThreshold >= 1.0 {
		return fmt.Errorf("confidence_threshold must be in [0.0, 1.0)")
	}
	return nil
}

// Validate checks the schema is non-empty and free of duplicates.
func (s *StateConfig) Validate() error {
	if len(s.Schema) == 0 {
		return fmt.Errorf("schema must list at least one key")
	}
	seen := make(map[string]struct{}, len(s.Schema))
	for _, k := range s.Schema {
		if k == "" {
			return fmt.Errorf("schema keys must not be empty")
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate schema key %q", k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Validate checks the sink and that every target names a known action.
func (d *DispatchConfig) Validate() error {
	switch d.Sink {
	case "log", "browser":
	default:
		return fmt.Errorf("unknown sink %q", d.Sink)
	}
	known := make(map[string]struct{}, len(schemas.ActionTable))
	for _, a := range schemas.ActionTable {
		known[string(a)] = struct{}{}
	}
	for action, label := range d.Targets {
		if _, ok := known[action]; !ok {
			return fmt.Errorf("target for unknown action %q", action)
		}
		if label == "" {
			return fmt.Errorf("empty target label for action %q", action)
		}
	}
	return nil
}

// Validate checks the model source settings.
func (m *ModelsConfig) Validate() error {
	if m.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if m.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if m.Runtime == "" {
		return fmt.Errorf("runtime is required")
	}
	for _, d := range m.DetectionInputShape {
		if d <= 0 {
			return fmt.Errorf("detection_input_shape dimensions must be positive")
		}
	}
	if m.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval must not be negative")
	}
	return nil
}

// Validate checks the uploader settings when telemetry is on.
func (t *TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BaseURL == "" {
		return fmt.Errorf("base_url is required when telemetry is enabled")
	}
	if t.RatePerSecond <= 0 {
		return fmt.Errorf("rate_per_second must be positive")
	}
	if t.Burst <= 0 {
		return fmt.Errorf("burst must be positive")
	}
	if t.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	return nil
}

// Validate checks the frame source selection.
func (c *CaptureConfig) Validate() error {
	switch c.Source {
	case "browser":
	case "directory":
		if c.Directory == "" {
			return fmt.Errorf("directory is required for the directory source")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	return nil
}
