// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Poller   PollerConfig   `mapstructure:"poller" yaml:"poller"`
	Script   ScriptConfig   `mapstructure:"script" yaml:"script"`
	Evidence EvidenceConfig `mapstructure:"evidence" yaml:"evidence"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
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

// EngineConfig configures the session orchestrator.
type EngineConfig struct {
	// ConcurrencyLimit bounds how many sessions run at once.
	ConcurrencyLimit int `mapstructure:"concurrency_limit" yaml:"concurrency_limit"`
	// MaxSessionRestarts caps restart-with-backoff attempts per identity.
	MaxSessionRestarts int           `mapstructure:"max_session_restarts" yaml:"max_session_restarts"`
	RestartBackoff     time.Duration `mapstructure:"restart_backoff" yaml:"restart_backoff"`
	MaxRestartBackoff  time.Duration `mapstructure:"max_restart_backoff" yaml:"max_restart_backoff"`
	// ShutdownGrace is how long Stop waits for sessions to finish their
	// current port operation before the process gives up on them.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	// StatusFile is where the operator-facing snapshot feed is written.
	StatusFile     string        `mapstructure:"status_file" yaml:"status_file"`
	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval"`
}

// BrowserConfig holds settings for the per-session browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// BaseURL is the root of the marketplace messaging surface.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// LoginAttempts bounds login tries before the session fails fatally.
	LoginAttempts int `mapstructure:"login_attempts" yaml:"login_attempts"`
	// UserAgentsFile and ProxiesFile hold one entry per line; a random entry
	// is picked per session. Both are optional.
	UserAgentsFile string `mapstructure:"user_agents_file" yaml:"user_agents_file"`
	ProxiesFile    string `mapstructure:"proxies_file" yaml:"proxies_file"`
	// ProfileDir is the parent for per-session user data dirs. Each session
	// gets its own subdirectory so browser state is never shared.
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`
}

// PollerConfig tunes message detection.
type PollerConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// SoftFailureThreshold is how many consecutive failed polls a session
	// tolerates before it reports itself unhealthy for restart.
	SoftFailureThreshold int `mapstructure:"soft_failure_threshold" yaml:"soft_failure_threshold"`
}

// ScriptConfig locates the rule set and bounds reply dispatch.
type ScriptConfig struct {
	RuleFile        string        `mapstructure:"rule_file" yaml:"rule_file"`
	MaxReplyRetries int           `mapstructure:"max_reply_retries" yaml:"max_reply_retries"`
	ReplyBackoff    time.Duration `mapstructure:"reply_backoff" yaml:"reply_backoff"`
	// InterestVerifyAttempts bounds read-backs after an interest update.
	InterestVerifyAttempts int `mapstructure:"interest_verify_attempts" yaml:"interest_verify_attempts"`
}

// EvidenceConfig configures the screenshot archive.
type EvidenceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// StoreConfig holds the optional database connection details. An empty URL
// disables durable persistence; the filesystem archive still runs.
type StoreConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// IdentityConfig locates the bot identity roster.
type IdentityConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "marketbot")
	v.SetDefault("logger.log_file", "marketbot.log")
	v.SetDefault("logger.max_size", 5)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.concurrency_limit", 5)
	v.SetDefault("engine.max_session_restarts", 5)
	v.SetDefault("engine.restart_backoff", "2s")
	v.SetDefault("engine.max_restart_backoff", "2m")
	v.SetDefault("engine.shutdown_grace", "15s")
	v.SetDefault("engine.status_file", "status.json")
	v.SetDefault("engine.status_interval", "5s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.login_attempts", 3)
	v.SetDefault("browser.profile_dir", "profiles")

	// -- Poller --
	v.SetDefault("poller.interval", "5s")
	v.SetDefault("poller.soft_failure_threshold", 4)

	// -- Script --
	v.SetDefault("script.rule_file", "rules.yaml")
	v.SetDefault("script.max_reply_retries", 2)
	v.SetDefault("script.reply_backoff", "1s")
	v.SetDefault("script.interest_verify_attempts", 3)

	// -- Evidence --
	v.SetDefault("evidence.enabled", true)
	v.SetDefault("evidence.dir", "evidence")

	// -- Identity --
	v.SetDefault("identity.file", "identities.csv")
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
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves "~" in user-supplied file paths.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Browser.UserAgentsFile,
		&c.Browser.ProxiesFile,
		&c.Browser.ProfileDir,
		&c.Script.RuleFile,
		&c.Evidence.Dir,
		&c.Identity.File,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Engine.ConcurrencyLimit <= 0 {
		return fmt.Errorf("engine.concurrency_limit must be a positive integer")
	}
	if c.Engine.MaxSessionRestarts < 0 {
		return fmt.Errorf("engine.max_session_restarts must not be negative")
	}
	if c.Engine.RestartBackoff <= 0 {
		return fmt.Errorf("engine.restart_backoff must be a positive duration")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be a positive duration")
	}
	if c.Poller.SoftFailureThreshold <= 0 {
		return fmt.Errorf("poller.soft_failure_threshold must be a positive integer")
	}
	if c.Script.MaxReplyRetries < 0 {
		return fmt.Errorf("script.max_reply_retries must not be negative")
	}
	if c.Browser.LoginAttempts <= 0 {
		return fmt.Errorf("browser.login_attempts must be a positive integer")
	}
	if c.Browser.BaseURL == "" {
		return fmt.Errorf("browser.base_url is a required configuration field")
	}
	return nil
}
